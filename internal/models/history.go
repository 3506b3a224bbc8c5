package models

import "time"

// History action labels recorded in the ledger.
const (
	HistoryActionEnrolled = "Student Enrolled"
	HistoryActionUpdated  = "Student Information Updated"
)

// HistoryEntry is one immutable audit-trail row describing a mutation of a
// student record. Entries are only ever inserted; the sole removal path is
// the cascade triggered by deleting the owning student.
type HistoryEntry struct {
	ID          int64     `db:"id" json:"id"`
	StudentID   int64     `db:"student_id" json:"student_id"`
	Action      string    `db:"action" json:"action"`
	PerformedBy int64     `db:"performed_by" json:"performed_by"`
	ActionDate  time.Time `db:"action_date" json:"action_date"`
	OldValues   []byte    `db:"old_values" json:"old_values,omitempty"`
	NewValues   []byte    `db:"new_values" json:"new_values,omitempty"`
}
