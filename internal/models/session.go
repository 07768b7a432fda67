package models

import "time"

// SessionState represents the lifecycle of a session.
type SessionState string

// Possible session states.
const (
	SessionStateScheduled  SessionState = "SCHEDULED"
	SessionStateInProgress SessionState = "IN_PROGRESS"
	SessionStateCompleted  SessionState = "COMPLETED"
	SessionStateCancelled  SessionState = "CANCELLED"
)

// Active reports whether the session still occupies its instructor's time.
func (s SessionState) Active() bool {
	return s == SessionStateScheduled || s == SessionStateInProgress
}

// Terminal reports whether the state admits no further transitions.
func (s SessionState) Terminal() bool {
	return s == SessionStateCompleted || s == SessionStateCancelled
}

// SessionModality distinguishes in-person from virtual delivery.
type SessionModality string

const (
	ModalityInPerson SessionModality = "IN_PERSON"
	ModalityVirtual  SessionModality = "VIRTUAL"
)

// Valid returns true when the modality is a supported value.
func (m SessionModality) Valid() bool {
	return m == ModalityInPerson || m == ModalityVirtual
}

// Session is a single scheduled teaching instance of a course.
type Session struct {
	ID                 string          `db:"id" json:"id"`
	CourseID           string          `db:"course_id" json:"course_id"`
	InstructorID       string          `db:"instructor_id" json:"instructor_id"`
	Title              string          `db:"title" json:"title"`
	ScheduledStart     time.Time       `db:"scheduled_start" json:"scheduled_start"`
	DurationMinutes    int             `db:"duration_minutes" json:"duration_minutes"`
	Modality           SessionModality `db:"modality" json:"modality"`
	Location           *string         `db:"location" json:"location,omitempty"`
	MeetingLink        *string         `db:"meeting_link" json:"meeting_link,omitempty"`
	State              SessionState    `db:"state" json:"state"`
	CancellationReason *string         `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	CancelledAt        *time.Time      `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CompletedAt        *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`

	// ParticipantIDs holds enrolled students expected in this session.
	ParticipantIDs []string `db:"-" json:"participant_ids,omitempty"`
}

// EndTime is the derived exclusive end of the session interval.
func (s *Session) EndTime() time.Time {
	return s.ScheduledStart.Add(time.Duration(s.DurationMinutes) * time.Minute)
}

// HasParticipant reports whether the student is expected in the session.
func (s *Session) HasParticipant(studentID string) bool {
	for _, id := range s.ParticipantIDs {
		if id == studentID {
			return true
		}
	}
	return false
}

// AttendanceRecord captures one student's presence in one session. At most one
// record exists per (session, student); re-recording overwrites.
type AttendanceRecord struct {
	SessionID   string    `db:"session_id" json:"session_id"`
	StudentID   string    `db:"student_id" json:"student_id"`
	Present     bool      `db:"present" json:"present"`
	MinutesLate int       `db:"minutes_late" json:"minutes_late"`
	Comment     *string   `db:"comment" json:"comment,omitempty"`
	RecordedBy  string    `db:"recorded_by" json:"recorded_by"`
	RecordedAt  time.Time `db:"recorded_at" json:"recorded_at"`
}

// AttendanceStats aggregates a student's presence over completed sessions.
type AttendanceStats struct {
	StudentID        string  `json:"student_id"`
	CourseID         string  `json:"course_id,omitempty"`
	TotalSessions    int     `json:"total_sessions"`
	AttendedSessions int     `json:"attended_sessions"`
	AttendanceRate   float64 `json:"attendance_rate"`
}

// SessionFilter describes query params for listing sessions.
type SessionFilter struct {
	InstructorID string
	StudentID    string
	CourseID     string
	State        SessionState
	From         *time.Time
	To           *time.Time
	Page         int
	PageSize     int
	SortBy       string
	SortOrder    string
}
