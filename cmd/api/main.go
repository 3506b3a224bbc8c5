package main

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/edukit/student-records-api/api/swagger"
	"github.com/edukit/student-records-api/internal/handler"
	"github.com/edukit/student-records-api/internal/middleware"
	"github.com/edukit/student-records-api/internal/models"
	"github.com/edukit/student-records-api/internal/repository"
	"github.com/edukit/student-records-api/internal/service"
	"github.com/edukit/student-records-api/pkg/cache"
	"github.com/edukit/student-records-api/pkg/config"
	"github.com/edukit/student-records-api/pkg/database"
	"github.com/edukit/student-records-api/pkg/logger"
	corsmiddleware "github.com/edukit/student-records-api/pkg/middleware/cors"
	reqidmiddleware "github.com/edukit/student-records-api/pkg/middleware/requestid"
)

// @title Student Records API
// @version 1.0.0
// @description Student record management with audit history
// @BasePath /api
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to database", "error", err)
	}
	defer db.Close() //nolint:errcheck

	metricsSvc := service.NewMetricsService()

	var cacheRepo service.CacheRepository
	if cfg.Stats.CacheEnabled {
		redisClient, err := cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Warn("redis unavailable, stats caching disabled", zap.Error(err))
		} else {
			defer redisClient.Close() //nolint:errcheck
			cacheRepo = repository.NewCacheRepository(redisClient, logr)
		}
	}
	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Stats.CacheTTL, logr, cfg.Stats.CacheEnabled && cacheRepo != nil)

	validate := validator.New()

	userRepo := repository.NewUserRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	historyRepo := repository.NewHistoryRepository(db)

	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "student-records-api",
	})
	studentSvc := service.NewStudentService(studentRepo, historyRepo, cacheSvc, validate, logr)

	authHandler := handler.NewAuthHandler(authSvc)
	studentHandler := handler.NewStudentHandler(studentSvc)
	exportHandler := handler.NewExportHandler(studentSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	auth.POST("/login", authHandler.Login)
	auth.POST("/register", authHandler.Register)
	auth.POST("/refresh", authHandler.Refresh)
	auth.GET("/profile", middleware.JWT(authSvc), authHandler.Profile)

	students := api.Group("/students")
	students.Use(middleware.JWT(authSvc))
	students.GET("", studentHandler.List)
	students.GET("/stats", studentHandler.Stats)
	students.GET("/export", exportHandler.Export)
	students.GET("/:id", studentHandler.Get)
	students.POST("", studentHandler.Create)
	students.PUT("/:id", studentHandler.Update)
	students.DELETE("/:id", middleware.RequireRoles(models.RoleAdmin), studentHandler.Delete)

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}
