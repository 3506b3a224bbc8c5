package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edukit/student-records-api/internal/models"
	"github.com/edukit/student-records-api/internal/service"
)

const jwtTestSecret = "jwt-middleware-secret"

func jwtRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	authSvc := service.NewAuthService(nil, nil, nil, service.AuthConfig{
		AccessTokenSecret: jwtTestSecret,
		AccessTokenExpiry: time.Minute,
	})

	router := gin.New()
	router.GET("/protected", JWT(authSvc), func(c *gin.Context) {
		claims := c.MustGet(ContextUserKey).(*models.JWTClaims)
		c.String(http.StatusOK, claims.Username)
	})
	return router
}

func signToken(t *testing.T, secret string, expiresIn time.Duration) string {
	t.Helper()
	claims := models.JWTClaims{
		UserID:   7,
		Username: "jane",
		Role:     models.RoleEmployee,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func doAuthorized(router *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestJWTAcceptsValidToken(t *testing.T) {
	router := jwtRouter()
	token := signToken(t, jwtTestSecret, time.Minute)

	rec := doAuthorized(router, "Bearer "+token)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "jane", rec.Body.String())
}

func TestJWTRejectsMissingHeader(t *testing.T) {
	rec := doAuthorized(jwtRouter(), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWTRejectsMalformedHeader(t *testing.T) {
	rec := doAuthorized(jwtRouter(), "Token abc")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid authorization header")
}

func TestJWTRejectsExpiredToken(t *testing.T) {
	router := jwtRouter()
	token := signToken(t, jwtTestSecret, -time.Minute)

	rec := doAuthorized(router, "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWTRejectsWrongSecret(t *testing.T) {
	router := jwtRouter()
	token := signToken(t, "some-other-secret", time.Minute)

	rec := doAuthorized(router, "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
