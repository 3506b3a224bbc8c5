package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/edukit/student-records-api/internal/models"
)

const studentColumns = `id, first_name, last_name, email, phone, date_of_birth, address, course, grade, status, enrollment_date, created_by, created_at`

// StudentRepository manages persistence for student records and keeps the
// history ledger consistent with record mutations: every create and update
// writes the record change and its ledger entry inside one transaction.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository constructs a StudentRepository.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

// List returns students matching the provided filters.
func (r *StudentRepository) List(ctx context.Context, filter models.StudentFilter) ([]models.Student, error) {
	conditions := []string{"1=1"}
	var args []interface{}

	if filter.Search != "" {
		idx := len(args) + 1
		conditions = append(conditions, fmt.Sprintf(
			"(LOWER(first_name) LIKE $%d OR LOWER(last_name) LIKE $%d OR LOWER(email) LIKE $%d OR LOWER(course) LIKE $%d)",
			idx, idx, idx, idx))
		args = append(args, "%"+strings.ToLower(filter.Search)+"%")
	}
	if filter.Course != "" {
		conditions = append(conditions, fmt.Sprintf("course = $%d", len(args)+1))
		args = append(args, filter.Course)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}

	allowedSorts := map[string]string{
		"first_name":      "first_name",
		"last_name":       "last_name",
		"email":           "email",
		"course":          "course",
		"grade":           "grade",
		"status":          "status",
		"enrollment_date": "enrollment_date",
		"created_at":      "created_at",
	}
	column, ok := allowedSorts[filter.SortBy]
	if !ok {
		column = "first_name"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "ASC"
	}

	query := fmt.Sprintf("SELECT %s FROM students WHERE %s ORDER BY %s %s, id ASC",
		studentColumns, strings.Join(conditions, " AND "), column, order)

	var students []models.Student
	if err := r.db.SelectContext(ctx, &students, query, args...); err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	return students, nil
}

// FindByID fetches a student by ID. Returns sql.ErrNoRows when absent.
func (r *StudentRepository) FindByID(ctx context.Context, id int64) (*models.Student, error) {
	query := fmt.Sprintf("SELECT %s FROM students WHERE id = $1", studentColumns)
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find student by id: %w", err)
	}
	return &student, nil
}

// ExistsByEmail checks if a student with the given email exists, optionally
// excluding an ID. This is a fast-path check only; the UNIQUE constraint on
// students.email is the authoritative guard.
func (r *StudentRepository) ExistsByEmail(ctx context.Context, email string, excludeID int64) (bool, error) {
	query := "SELECT 1 FROM students WHERE email = $1"
	args := []interface{}{email}
	if excludeID > 0 {
		query += " AND id <> $2"
		args = append(args, excludeID)
	}
	var exists int
	if err := r.db.GetContext(ctx, &exists, query+" LIMIT 1", args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check email: %w", err)
	}
	return true, nil
}

// Create inserts a new student record and its enrollment ledger entry in a
// single transaction. The entry's StudentID is filled from the insert.
func (r *StudentRepository) Create(ctx context.Context, student *models.Student, entry *models.HistoryEntry) (int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin create student: %w", err)
	}

	const insertStudent = `INSERT INTO students (first_name, last_name, email, phone, date_of_birth, address, course, grade, status, enrollment_date, created_by)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`
	var id int64
	if err := tx.GetContext(ctx, &id, insertStudent,
		student.FirstName, student.LastName, student.Email, student.Phone,
		student.DateOfBirth, student.Address, student.Course, student.Grade,
		student.Status, student.EnrollmentDate, student.CreatedBy,
	); err != nil {
		tx.Rollback() //nolint:errcheck
		return 0, fmt.Errorf("insert student: %w", err)
	}
	student.ID = id

	entry.StudentID = id
	if err := insertHistoryTx(ctx, tx, entry); err != nil {
		tx.Rollback() //nolint:errcheck
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit create student: %w", err)
	}
	return id, nil
}

// Update applies the given column changes and appends the ledger entry in a
// single transaction. Returns sql.ErrNoRows when the id does not exist.
func (r *StudentRepository) Update(ctx context.Context, id int64, changes []models.FieldChange, entry *models.HistoryEntry) error {
	if len(changes) == 0 {
		return fmt.Errorf("update student %d: no changes", id)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update student: %w", err)
	}

	assignments := make([]string, 0, len(changes))
	args := make([]interface{}, 0, len(changes)+1)
	for _, change := range changes {
		assignments = append(assignments, fmt.Sprintf("%s = $%d", change.Column, len(args)+1))
		args = append(args, change.Value)
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE students SET %s WHERE id = $%d", strings.Join(assignments, ", "), len(args))
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("update student: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		tx.Rollback() //nolint:errcheck
		return sql.ErrNoRows
	}

	entry.StudentID = id
	if err := insertHistoryTx(ctx, tx, entry); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update student: %w", err)
	}
	return nil
}

// Delete removes a student. History rows are removed by the ON DELETE CASCADE
// rule on student_history. Returns sql.ErrNoRows when the id does not exist.
func (r *StudentRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM students WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete student: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete student rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Stats aggregates roster-wide counters over the full table.
func (r *StudentRepository) Stats(ctx context.Context) (*models.StudentStats, error) {
	stats := &models.StudentStats{}

	if err := r.db.GetContext(ctx, &stats.Total, "SELECT COUNT(*) FROM students"); err != nil {
		return nil, fmt.Errorf("count students: %w", err)
	}
	if err := r.db.GetContext(ctx, &stats.Active, "SELECT COUNT(*) FROM students WHERE status = $1", models.StudentStatusActive); err != nil {
		return nil, fmt.Errorf("count active students: %w", err)
	}
	stats.Inactive = stats.Total - stats.Active

	const gradeQuery = `SELECT grade AS key, COUNT(*) AS count FROM students GROUP BY grade ORDER BY grade ASC`
	if err := r.db.SelectContext(ctx, &stats.GradeDistribution, gradeQuery); err != nil {
		return nil, fmt.Errorf("grade distribution: %w", err)
	}

	const courseQuery = `SELECT course AS key, COUNT(*) AS count FROM students GROUP BY course ORDER BY count DESC, course ASC`
	if err := r.db.SelectContext(ctx, &stats.CourseDistribution, courseQuery); err != nil {
		return nil, fmt.Errorf("course distribution: %w", err)
	}

	return stats, nil
}

func insertHistoryTx(ctx context.Context, tx *sqlx.Tx, entry *models.HistoryEntry) error {
	const query = `INSERT INTO student_history (student_id, action, performed_by, old_values, new_values)
        VALUES ($1, $2, $3, $4, $5)`
	if _, err := tx.ExecContext(ctx, query,
		entry.StudentID, entry.Action, entry.PerformedBy, entry.OldValues, entry.NewValues,
	); err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err stems from a UNIQUE constraint.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
