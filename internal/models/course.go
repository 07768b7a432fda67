package models

import "time"

// CourseStatus represents the lifecycle of a course.
type CourseStatus string

// Possible course statuses.
const (
	CourseStatusPlanned   CourseStatus = "PLANNED"
	CourseStatusActive    CourseStatus = "ACTIVE"
	CourseStatusCompleted CourseStatus = "COMPLETED"
	CourseStatusCancelled CourseStatus = "CANCELLED"
)

// Bookable reports whether new sessions or enrollments may still be attached.
func (s CourseStatus) Bookable() bool {
	return s == CourseStatusPlanned || s == CourseStatusActive
}

// Course mirrors catalog metadata for a tutored course. The roster column set
// is maintained exclusively through enrollment confirmation and cancellation.
type Course struct {
	ID                 string       `db:"id" json:"id"`
	Title              string       `db:"title" json:"title"`
	InstructorID       string       `db:"instructor_id" json:"instructor_id"`
	TotalRequiredHours float64      `db:"total_required_hours" json:"total_required_hours"`
	Status             CourseStatus `db:"status" json:"status"`
	CreatedAt          time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time    `db:"updated_at" json:"updated_at"`

	// Roster holds student IDs with a confirmed enrollment; loaded on demand.
	Roster []string `db:"-" json:"roster,omitempty"`
}
