package models

import "time"

// StudentStatus enumerates the lifecycle states of a student record.
const (
	StudentStatusActive   = "Active"
	StudentStatusInactive = "Inactive"
)

// Defaults applied when a creation request omits the field.
const (
	DefaultGrade  = "A"
	DefaultStatus = StudentStatusActive
)

// Student represents a learner registered in the institution.
type Student struct {
	ID             int64      `db:"id" json:"id"`
	FirstName      string     `db:"first_name" json:"first_name"`
	LastName       string     `db:"last_name" json:"last_name"`
	Email          string     `db:"email" json:"email"`
	Phone          string     `db:"phone" json:"phone"`
	DateOfBirth    *time.Time `db:"date_of_birth" json:"date_of_birth,omitempty"`
	Address        string     `db:"address" json:"address"`
	Course         string     `db:"course" json:"course"`
	Grade          string     `db:"grade" json:"grade"`
	Status         string     `db:"status" json:"status"`
	EnrollmentDate time.Time  `db:"enrollment_date" json:"enrollment_date"`
	CreatedBy      *int64     `db:"created_by" json:"created_by,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// StudentFilter encapsulates allowed search parameters for listing students.
type StudentFilter struct {
	Search    string
	Course    string
	Status    string
	SortBy    string
	SortOrder string
}

// StudentDetail bundles a student with its full mutation history.
type StudentDetail struct {
	Student
	History []HistoryEntry `json:"history"`
}

// FieldChange is a single column-level change to apply in an update.
// Column values come from the static allow-list table, never from input.
type FieldChange struct {
	Column string
	Value  interface{}
}

// DistributionBucket is one entry of an ordered aggregate distribution.
type DistributionBucket struct {
	Key   string `db:"key" json:"key"`
	Count int    `db:"count" json:"count"`
}

// StudentStats aggregates roster-wide counters. Distribution slices are
// ordered: grades ascending, courses by descending count.
type StudentStats struct {
	Total              int                  `json:"total"`
	Active             int                  `json:"active"`
	Inactive           int                  `json:"inactive"`
	GradeDistribution  []DistributionBucket `json:"grade_distribution"`
	CourseDistribution []DistributionBucket `json:"course_distribution"`
}
