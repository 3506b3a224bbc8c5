package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/edukit/student-records-api/internal/models"
	"github.com/edukit/student-records-api/internal/repository"
	appErrors "github.com/edukit/student-records-api/pkg/errors"
)

const (
	statsCacheKey = "students:stats"
	dateLayout    = "2006-01-02"
)

type studentRepository interface {
	List(ctx context.Context, filter models.StudentFilter) ([]models.Student, error)
	FindByID(ctx context.Context, id int64) (*models.Student, error)
	ExistsByEmail(ctx context.Context, email string, excludeID int64) (bool, error)
	Create(ctx context.Context, student *models.Student, entry *models.HistoryEntry) (int64, error)
	Update(ctx context.Context, id int64, changes []models.FieldChange, entry *models.HistoryEntry) error
	Delete(ctx context.Context, id int64) error
	Stats(ctx context.Context) (*models.StudentStats, error)
}

type historyReader interface {
	ListByStudent(ctx context.Context, studentID int64) ([]models.HistoryEntry, error)
	ListByStudents(ctx context.Context, studentIDs []int64) (map[int64][]models.HistoryEntry, error)
}

// CreateStudentRequest holds payload for enrolling students. Wire fields are
// camelCase to match the browser client.
type CreateStudentRequest struct {
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	Email       string `json:"email" validate:"omitempty,email"`
	Phone       string `json:"phone"`
	DateOfBirth string `json:"dateOfBirth" validate:"omitempty,datetime=2006-01-02"`
	Address     string `json:"address"`
	Course      string `json:"course"`
	Grade       string `json:"grade"`
	Status      string `json:"status" validate:"omitempty,oneof=Active Inactive"`
}

// UpdateStudentRequest holds a partial patch. Nil fields are untouched.
type UpdateStudentRequest struct {
	FirstName   *string `json:"firstName"`
	LastName    *string `json:"lastName"`
	Email       *string `json:"email" validate:"omitempty,email"`
	Phone       *string `json:"phone"`
	DateOfBirth *string `json:"dateOfBirth" validate:"omitempty,datetime=2006-01-02"`
	Address     *string `json:"address"`
	Course      *string `json:"course"`
	Grade       *string `json:"grade"`
	Status      *string `json:"status" validate:"omitempty,oneof=Active Inactive"`
}

// StudentService handles the student record use-cases: mutations with their
// ledger entries, and the read path including statistics.
type StudentService struct {
	repo      studentRepository
	history   historyReader
	cache     *CacheService
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewStudentService constructs the student service.
func NewStudentService(repo studentRepository, history historyReader, cache *CacheService, validate *validator.Validate, logger *zap.Logger) *StudentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StudentService{
		repo:      repo,
		history:   history,
		cache:     cache,
		validator: validate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// List returns students matching the filter with their history attached.
func (s *StudentService) List(ctx context.Context, filter models.StudentFilter) ([]models.StudentDetail, error) {
	students, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list students")
	}

	ids := make([]int64, len(students))
	for i, student := range students {
		ids[i] = student.ID
	}
	histories, err := s.history.ListByStudents(ctx, ids)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student history")
	}

	details := make([]models.StudentDetail, len(students))
	for i, student := range students {
		entries := histories[student.ID]
		if entries == nil {
			entries = []models.HistoryEntry{}
		}
		details[i] = models.StudentDetail{Student: student, History: entries}
	}
	return details, nil
}

// Get returns one student with its full history.
func (s *StudentService) Get(ctx context.Context, id int64) (*models.StudentDetail, error) {
	student, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}

	entries, err := s.history.ListByStudent(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student history")
	}
	if entries == nil {
		entries = []models.HistoryEntry{}
	}
	return &models.StudentDetail{Student: *student, History: entries}, nil
}

// Create enrolls a new student and records the enrollment in the ledger.
// Returns the new student's id.
func (s *StudentService) Create(ctx context.Context, req CreateStudentRequest, actor models.Actor) (int64, error) {
	if missing := missingRequiredFields(req); len(missing) > 0 {
		return 0, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("missing required fields: %s", strings.Join(missing, ", ")))
	}
	if err := s.validator.Struct(req); err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid student payload")
	}

	// Fast path only; the UNIQUE constraint closes the race below.
	exists, err := s.repo.ExistsByEmail(ctx, req.Email, 0)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to validate email")
	}
	if exists {
		return 0, appErrors.Clone(appErrors.ErrConflict, "email already exists")
	}

	grade := req.Grade
	if grade == "" {
		grade = models.DefaultGrade
	}
	status := req.Status
	if status == "" {
		status = models.DefaultStatus
	}

	student := &models.Student{
		FirstName:      req.FirstName,
		LastName:       req.LastName,
		Email:          req.Email,
		Phone:          req.Phone,
		Address:        req.Address,
		Course:         req.Course,
		Grade:          grade,
		Status:         status,
		EnrollmentDate: s.now().Truncate(24 * time.Hour),
		CreatedBy:      &actor.ID,
	}
	if req.DateOfBirth != "" {
		dob, err := time.Parse(dateLayout, req.DateOfBirth)
		if err != nil {
			return 0, appErrors.Clone(appErrors.ErrValidation, "invalid date of birth")
		}
		student.DateOfBirth = &dob
	}

	newValues, err := json.Marshal(map[string]string{
		"course": student.Course,
		"grade":  student.Grade,
		"status": student.Status,
	})
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode history snapshot")
	}
	entry := &models.HistoryEntry{
		Action:      models.HistoryActionEnrolled,
		PerformedBy: actor.ID,
		NewValues:   newValues,
	}

	id, err := s.repo.Create(ctx, student, entry)
	if err != nil {
		if repository.IsUniqueViolation(err) {
			return 0, appErrors.Clone(appErrors.ErrConflict, "email already exists")
		}
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create student")
	}

	s.invalidateStats(ctx)
	s.logger.Info("student enrolled", zap.Int64("student_id", id), zap.Int64("actor_id", actor.ID))
	return id, nil
}

// Update applies an allow-listed partial patch and records it in the ledger.
func (s *StudentService) Update(ctx context.Context, id int64, req UpdateStudentRequest, actor models.Actor) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid student payload")
	}

	current, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}

	changes, submitted, err := collectChanges(req)
	if err != nil {
		return appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	if len(changes) == 0 {
		return appErrors.Clone(appErrors.ErrValidation, "no valid fields to update")
	}

	oldValues, err := json.Marshal(current)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode history snapshot")
	}
	newValues, err := json.Marshal(submitted)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode history snapshot")
	}
	entry := &models.HistoryEntry{
		Action:      models.HistoryActionUpdated,
		PerformedBy: actor.ID,
		OldValues:   oldValues,
		NewValues:   newValues,
	}

	if err := s.repo.Update(ctx, id, changes, entry); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		if repository.IsUniqueViolation(err) {
			return appErrors.Clone(appErrors.ErrConflict, "email already exists")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update student")
	}

	s.invalidateStats(ctx)
	s.logger.Info("student updated", zap.Int64("student_id", id), zap.Int64("actor_id", actor.ID))
	return nil
}

// Delete removes a student and, through the cascade, its entire history.
// Only admins may delete; the role check runs before any store access.
func (s *StudentService) Delete(ctx context.Context, id int64, actor models.Actor) error {
	if !actor.IsAdmin() {
		return appErrors.Clone(appErrors.ErrForbidden, "admin role required")
	}

	if _, err := s.repo.FindByID(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete student")
	}

	s.invalidateStats(ctx)
	s.logger.Info("student deleted", zap.Int64("student_id", id), zap.Int64("actor_id", actor.ID))
	return nil
}

// Stats returns roster-wide aggregates, recomputed per call unless cached.
func (s *StudentService) Stats(ctx context.Context) (*models.StudentStats, error) {
	var cached models.StudentStats
	if s.cache.Get(ctx, statsCacheKey, &cached) {
		return &cached, nil
	}

	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to compute statistics")
	}

	s.cache.Set(ctx, statsCacheKey, stats)
	return stats, nil
}

func (s *StudentService) invalidateStats(ctx context.Context) {
	s.cache.Invalidate(ctx, statsCacheKey)
}

func missingRequiredFields(req CreateStudentRequest) []string {
	var missing []string
	if strings.TrimSpace(req.FirstName) == "" {
		missing = append(missing, "firstName")
	}
	if strings.TrimSpace(req.LastName) == "" {
		missing = append(missing, "lastName")
	}
	if strings.TrimSpace(req.Email) == "" {
		missing = append(missing, "email")
	}
	if strings.TrimSpace(req.Course) == "" {
		missing = append(missing, "course")
	}
	return missing
}

// collectChanges translates the patch into column changes using a fixed
// allow-list. id and enrollment_date are not mutable and have no entry here.
func collectChanges(req UpdateStudentRequest) ([]models.FieldChange, map[string]interface{}, error) {
	var changes []models.FieldChange
	submitted := make(map[string]interface{})

	add := func(column, wireField string, value interface{}) {
		changes = append(changes, models.FieldChange{Column: column, Value: value})
		submitted[wireField] = value
	}

	if req.FirstName != nil {
		add("first_name", "firstName", *req.FirstName)
	}
	if req.LastName != nil {
		add("last_name", "lastName", *req.LastName)
	}
	if req.Email != nil {
		add("email", "email", *req.Email)
	}
	if req.Phone != nil {
		add("phone", "phone", *req.Phone)
	}
	if req.DateOfBirth != nil {
		dob, err := time.Parse(dateLayout, *req.DateOfBirth)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid date of birth")
		}
		changes = append(changes, models.FieldChange{Column: "date_of_birth", Value: dob})
		submitted["dateOfBirth"] = *req.DateOfBirth
	}
	if req.Address != nil {
		add("address", "address", *req.Address)
	}
	if req.Course != nil {
		add("course", "course", *req.Course)
	}
	if req.Grade != nil {
		add("grade", "grade", *req.Grade)
	}
	if req.Status != nil {
		add("status", "status", *req.Status)
	}

	return changes, submitted, nil
}
