package handler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edukit/student-records-api/internal/middleware"
	"github.com/edukit/student-records-api/internal/models"
	"github.com/edukit/student-records-api/internal/service"
)

// stubStudentStore satisfies the student service's store contracts with an
// in-memory map so handlers run against the real service.
type stubStudentStore struct {
	students map[int64]models.Student
	history  map[int64][]models.HistoryEntry
	nextID   int64
}

func newStubStore() *stubStudentStore {
	return &stubStudentStore{
		students: make(map[int64]models.Student),
		history:  make(map[int64][]models.HistoryEntry),
	}
}

func (s *stubStudentStore) List(ctx context.Context, filter models.StudentFilter) ([]models.Student, error) {
	out := make([]models.Student, 0, len(s.students))
	for id := int64(1); id <= s.nextID; id++ {
		if student, ok := s.students[id]; ok {
			out = append(out, student)
		}
	}
	return out, nil
}

func (s *stubStudentStore) FindByID(ctx context.Context, id int64) (*models.Student, error) {
	if student, ok := s.students[id]; ok {
		return &student, nil
	}
	return nil, sql.ErrNoRows
}

func (s *stubStudentStore) ExistsByEmail(ctx context.Context, email string, excludeID int64) (bool, error) {
	for id, student := range s.students {
		if student.Email == email && id != excludeID {
			return true, nil
		}
	}
	return false, nil
}

func (s *stubStudentStore) Create(ctx context.Context, student *models.Student, entry *models.HistoryEntry) (int64, error) {
	s.nextID++
	student.ID = s.nextID
	s.students[student.ID] = *student
	entry.StudentID = student.ID
	entry.ActionDate = time.Now()
	s.history[student.ID] = append([]models.HistoryEntry{*entry}, s.history[student.ID]...)
	return student.ID, nil
}

func (s *stubStudentStore) Update(ctx context.Context, id int64, changes []models.FieldChange, entry *models.HistoryEntry) error {
	student, ok := s.students[id]
	if !ok {
		return sql.ErrNoRows
	}
	for _, change := range changes {
		if change.Column == "status" {
			student.Status = change.Value.(string)
		}
	}
	s.students[id] = student
	entry.StudentID = id
	entry.ActionDate = time.Now()
	s.history[id] = append([]models.HistoryEntry{*entry}, s.history[id]...)
	return nil
}

func (s *stubStudentStore) Delete(ctx context.Context, id int64) error {
	if _, ok := s.students[id]; !ok {
		return sql.ErrNoRows
	}
	delete(s.students, id)
	delete(s.history, id)
	return nil
}

func (s *stubStudentStore) Stats(ctx context.Context) (*models.StudentStats, error) {
	stats := &models.StudentStats{}
	for _, student := range s.students {
		stats.Total++
		if student.Status == models.StudentStatusActive {
			stats.Active++
		}
	}
	stats.Inactive = stats.Total - stats.Active
	return stats, nil
}

func (s *stubStudentStore) ListByStudent(ctx context.Context, studentID int64) ([]models.HistoryEntry, error) {
	return s.history[studentID], nil
}

func (s *stubStudentStore) ListByStudents(ctx context.Context, studentIDs []int64) (map[int64][]models.HistoryEntry, error) {
	grouped := make(map[int64][]models.HistoryEntry)
	for _, id := range studentIDs {
		if entries, ok := s.history[id]; ok {
			grouped[id] = entries
		}
	}
	return grouped, nil
}

func injectClaims(actor models.Actor) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.ContextUserKey, &models.JWTClaims{
			UserID:   actor.ID,
			Username: actor.Username,
			Role:     actor.Role,
		})
	}
}

func newStudentRouter(store *stubStudentStore, actor models.Actor) *gin.Engine {
	gin.SetMode(gin.TestMode)
	svc := service.NewStudentService(store, store, service.NewCacheService(nil, nil, 0, nil, false), nil, nil)
	h := NewStudentHandler(svc)

	router := gin.New()
	group := router.Group("/students", injectClaims(actor))
	group.GET("", h.List)
	group.GET("/stats", h.Stats)
	group.GET("/:id", h.Get)
	group.POST("", h.Create)
	group.PUT("/:id", h.Update)
	group.DELETE("/:id", h.Delete)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return rec, envelope
}

var (
	adminActor    = models.Actor{ID: 1, Username: "admin", Role: models.RoleAdmin}
	employeeActor = models.Actor{ID: 2, Username: "employee", Role: models.RoleEmployee}
)

func seedStudent(t *testing.T, store *stubStudentStore, email string) int64 {
	t.Helper()
	id, err := service.NewStudentService(store, store, nil, nil, nil).Create(context.Background(), service.CreateStudentRequest{
		FirstName: "Ann", LastName: "Lee", Email: email, Course: "Math",
	}, employeeActor)
	require.NoError(t, err)
	return id
}

func TestStudentHandlerCreate(t *testing.T) {
	store := newStubStore()
	router := newStudentRouter(store, employeeActor)

	rec, envelope := doJSON(t, router, http.MethodPost, "/students", gin.H{
		"firstName": "Ann",
		"lastName":  "Lee",
		"email":     "ann@x.com",
		"course":    "Math",
	})

	assert.Equal(t, http.StatusCreated, rec.Code)
	data := envelope["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["studentId"])
	assert.Equal(t, "A", store.students[1].Grade)
	assert.Equal(t, models.StudentStatusActive, store.students[1].Status)
}

func TestStudentHandlerCreateMissingFields(t *testing.T) {
	store := newStubStore()
	router := newStudentRouter(store, employeeActor)

	rec, envelope := doJSON(t, router, http.MethodPost, "/students", gin.H{"firstName": "Ann"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	errBody := envelope["error"].(map[string]interface{})
	assert.Equal(t, "VALIDATION_ERROR", errBody["code"])
	assert.Contains(t, errBody["message"], "missing required fields")
	assert.Empty(t, store.students)
}

func TestStudentHandlerCreateDuplicateEmail(t *testing.T) {
	store := newStubStore()
	seedStudent(t, store, "ann@x.com")
	router := newStudentRouter(store, employeeActor)

	rec, envelope := doJSON(t, router, http.MethodPost, "/students", gin.H{
		"firstName": "Bob",
		"lastName":  "Ray",
		"email":     "ann@x.com",
		"course":    "Art",
	})

	assert.Equal(t, http.StatusConflict, rec.Code)
	errBody := envelope["error"].(map[string]interface{})
	assert.Equal(t, "CONFLICT", errBody["code"])
}

func TestStudentHandlerGetInvalidID(t *testing.T) {
	store := newStubStore()
	router := newStudentRouter(store, employeeActor)

	rec, envelope := doJSON(t, router, http.MethodGet, "/students/abc", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	errBody := envelope["error"].(map[string]interface{})
	assert.Equal(t, "NOT_FOUND", errBody["code"])
}

func TestStudentHandlerGetWithHistory(t *testing.T) {
	store := newStubStore()
	id := seedStudent(t, store, "ann@x.com")
	router := newStudentRouter(store, employeeActor)

	rec, envelope := doJSON(t, router, http.MethodGet, "/students/1", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	data := envelope["data"].(map[string]interface{})
	assert.Equal(t, float64(id), data["id"])
	history := data["history"].([]interface{})
	require.Len(t, history, 1)
	entry := history[0].(map[string]interface{})
	assert.Equal(t, models.HistoryActionEnrolled, entry["action"])
}

func TestStudentHandlerList(t *testing.T) {
	store := newStubStore()
	seedStudent(t, store, "a@x.com")
	seedStudent(t, store, "b@x.com")
	router := newStudentRouter(store, employeeActor)

	rec, envelope := doJSON(t, router, http.MethodGet, "/students", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	data := envelope["data"].([]interface{})
	assert.Len(t, data, 2)
}

func TestStudentHandlerUpdate(t *testing.T) {
	store := newStubStore()
	seedStudent(t, store, "ann@x.com")
	router := newStudentRouter(store, employeeActor)

	rec, envelope := doJSON(t, router, http.MethodPut, "/students/1", gin.H{"status": "Inactive"})

	assert.Equal(t, http.StatusOK, rec.Code)
	data := envelope["data"].(map[string]interface{})
	assert.Equal(t, "student updated successfully", data["message"])
	assert.Equal(t, "Inactive", store.students[1].Status)
}

func TestStudentHandlerDeleteForbiddenForEmployee(t *testing.T) {
	store := newStubStore()
	seedStudent(t, store, "ann@x.com")
	router := newStudentRouter(store, employeeActor)

	rec, envelope := doJSON(t, router, http.MethodDelete, "/students/1", nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	errBody := envelope["error"].(map[string]interface{})
	assert.Equal(t, "FORBIDDEN", errBody["code"])
	assert.Contains(t, store.students, int64(1))
}

func TestStudentHandlerDeleteAsAdmin(t *testing.T) {
	store := newStubStore()
	seedStudent(t, store, "ann@x.com")
	router := newStudentRouter(store, adminActor)

	rec, envelope := doJSON(t, router, http.MethodDelete, "/students/1", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	data := envelope["data"].(map[string]interface{})
	assert.Equal(t, "student deleted successfully", data["message"])
	assert.NotContains(t, store.students, int64(1))
	assert.Empty(t, store.history[1])
}

func TestStudentHandlerStats(t *testing.T) {
	store := newStubStore()
	seedStudent(t, store, "a@x.com")
	seedStudent(t, store, "b@x.com")
	router := newStudentRouter(store, employeeActor)

	rec, envelope := doJSON(t, router, http.MethodGet, "/students/stats", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	data := envelope["data"].(map[string]interface{})
	assert.Equal(t, float64(2), data["total"])
	assert.Equal(t, float64(2), data["active"])
	assert.Equal(t, float64(0), data["inactive"])
}
