package models

import "time"

// EnrollmentStatus represents the lifecycle of an enrollment.
type EnrollmentStatus string

// Possible enrollment statuses.
const (
	EnrollmentStatusPending   EnrollmentStatus = "PENDING"
	EnrollmentStatusConfirmed EnrollmentStatus = "CONFIRMED"
	EnrollmentStatusCancelled EnrollmentStatus = "CANCELLED"
)

// Enrollment records a student's registration in a course and their cumulative
// progress. Unique per (student, course); progress fields are written only by
// the attendance ledger via progress propagation.
type Enrollment struct {
	ID                 string           `db:"id" json:"id"`
	StudentID          string           `db:"student_id" json:"student_id"`
	CourseID           string           `db:"course_id" json:"course_id"`
	Status             EnrollmentStatus `db:"status" json:"status"`
	EnrolledAt         time.Time        `db:"enrolled_at" json:"enrolled_at"`
	HoursCompleted     float64          `db:"hours_completed" json:"hours_completed"`
	Percentage         float64          `db:"percentage" json:"percentage"`
	CancellationReason *string          `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	CancelledAt        *time.Time       `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CreatedAt          time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time        `db:"updated_at" json:"updated_at"`
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	StudentID string
	CourseID  string
	Status    EnrollmentStatus
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
