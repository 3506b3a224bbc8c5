package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/edukit/student-records-api/internal/models"
)

const historyColumns = `id, student_id, action, performed_by, action_date, old_values, new_values`

// HistoryRepository reads the append-only student mutation ledger. Writes go
// through StudentRepository so they always share the mutation's transaction.
type HistoryRepository struct {
	db *sqlx.DB
}

// NewHistoryRepository constructs a HistoryRepository.
func NewHistoryRepository(db *sqlx.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// ListByStudent returns all ledger entries for a student, most recent first.
// Ties on action_date fall back to insertion order.
func (r *HistoryRepository) ListByStudent(ctx context.Context, studentID int64) ([]models.HistoryEntry, error) {
	query := fmt.Sprintf("SELECT %s FROM student_history WHERE student_id = $1 ORDER BY action_date DESC, id DESC", historyColumns)
	var entries []models.HistoryEntry
	if err := r.db.SelectContext(ctx, &entries, query, studentID); err != nil {
		return nil, fmt.Errorf("list history for student %d: %w", studentID, err)
	}
	return entries, nil
}

// ListByStudents fetches ledger entries for many students in one query and
// groups them by student id, preserving per-student ordering.
func (r *HistoryRepository) ListByStudents(ctx context.Context, studentIDs []int64) (map[int64][]models.HistoryEntry, error) {
	grouped := make(map[int64][]models.HistoryEntry, len(studentIDs))
	if len(studentIDs) == 0 {
		return grouped, nil
	}

	query := fmt.Sprintf("SELECT %s FROM student_history WHERE student_id = ANY($1) ORDER BY student_id ASC, action_date DESC, id DESC", historyColumns)
	var entries []models.HistoryEntry
	if err := r.db.SelectContext(ctx, &entries, query, pq.Array(studentIDs)); err != nil {
		return nil, fmt.Errorf("list history for students: %w", err)
	}

	for _, entry := range entries {
		grouped[entry.StudentID] = append(grouped[entry.StudentID], entry)
	}
	return grouped, nil
}
