package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/tutoring-core-api/internal/models"
	"github.com/noah-isme/tutoring-core-api/internal/overlap"
)

// ErrSessionConflict is returned when a booking collides at commit time.
type ErrSessionConflict struct {
	Conflicts []models.Session
}

// Error implements the error interface.
func (e *ErrSessionConflict) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("session conflicts with %d existing booking(s)", len(e.Conflicts))
}

// SessionRepository handles persistence of sessions and their participants.
type SessionRepository struct {
	db *sqlx.DB
}

// NewSessionRepository constructs the repository.
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, course_id, instructor_id, title, scheduled_start, duration_minutes,
modality, location, meeting_link, state, cancellation_reason, cancelled_at, completed_at, created_at, updated_at`

// Create inserts a session and its participants in one transaction. The
// instructor's active sessions are locked and re-checked for overlap inside the
// transaction so concurrent bookings cannot both commit.
func (r *SessionRepository) Create(ctx context.Context, session *models.Session, policy overlap.Policy) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create session: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	if err := r.verifyNoConflictTx(ctx, tx, session, policy); err != nil {
		return err
	}

	now := time.Now().UTC()
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	session.CreatedAt = now
	session.UpdatedAt = now

	const query = `INSERT INTO sessions (id, course_id, instructor_id, title, scheduled_start, duration_minutes,
modality, location, meeting_link, state, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	if _, err := tx.ExecContext(ctx, query,
		session.ID, session.CourseID, session.InstructorID, session.Title, session.ScheduledStart,
		session.DurationMinutes, session.Modality, session.Location, session.MeetingLink,
		session.State, session.CreatedAt, session.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	if err := replaceParticipantsTx(ctx, tx, session.ID, session.ParticipantIDs); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create session: %w", err)
	}
	committed = true
	return nil
}

// Update rewrites the mutable booking fields and participant set, re-running
// the conflict check (excluding the session itself) inside the transaction.
func (r *SessionRepository) Update(ctx context.Context, session *models.Session, policy overlap.Policy) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update session: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	if err := r.verifyNoConflictTx(ctx, tx, session, policy); err != nil {
		return err
	}

	session.UpdatedAt = time.Now().UTC()
	const query = `UPDATE sessions SET title = $2, scheduled_start = $3, duration_minutes = $4,
modality = $5, location = $6, meeting_link = $7, updated_at = $8
WHERE id = $1 AND state = 'SCHEDULED'`
	res, err := tx.ExecContext(ctx, query,
		session.ID, session.Title, session.ScheduledStart, session.DurationMinutes,
		session.Modality, session.Location, session.MeetingLink, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	if err := replaceParticipantsTx(ctx, tx, session.ID, session.ParticipantIDs); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update session: %w", err)
	}
	committed = true
	return nil
}

// verifyNoConflictTx locks the instructor's active sessions and evaluates the
// overlap rule against them. Locking serializes competing bookings for one
// instructor at the storage level.
func (r *SessionRepository) verifyNoConflictTx(ctx context.Context, tx *sqlx.Tx, session *models.Session, policy overlap.Policy) error {
	const query = `SELECT ` + sessionColumns + ` FROM sessions
WHERE instructor_id = $1 AND state IN ('SCHEDULED', 'IN_PROGRESS')
FOR UPDATE`
	var active []models.Session
	if err := tx.SelectContext(ctx, &active, query, session.InstructorID); err != nil {
		return fmt.Errorf("lock instructor sessions: %w", err)
	}

	conflicts := overlap.FindConflicts(active, overlap.Proposal{
		InstructorID:     session.InstructorID,
		CourseID:         session.CourseID,
		Start:            session.ScheduledStart,
		DurationMinutes:  session.DurationMinutes,
		ExcludeSessionID: session.ID,
	}, policy)
	if len(conflicts) > 0 {
		return &ErrSessionConflict{Conflicts: conflicts}
	}
	return nil
}

func replaceParticipantsTx(ctx context.Context, tx *sqlx.Tx, sessionID string, participantIDs []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_participants WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("clear session participants: %w", err)
	}
	for _, studentID := range participantIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_participants (session_id, student_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			sessionID, studentID,
		); err != nil {
			return fmt.Errorf("insert session participant: %w", err)
		}
	}
	return nil
}

// FindByID returns a session with its participant set.
func (r *SessionRepository) FindByID(ctx context.Context, id string) (*models.Session, error) {
	const query = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	var session models.Session
	if err := r.db.GetContext(ctx, &session, query, id); err != nil {
		return nil, err
	}

	if err := r.db.SelectContext(ctx, &session.ParticipantIDs,
		`SELECT student_id FROM session_participants WHERE session_id = $1 ORDER BY student_id`, id); err != nil {
		return nil, fmt.Errorf("load session participants: %w", err)
	}
	return &session, nil
}

// ListActiveByInstructor returns scheduled and in-progress sessions for an instructor.
func (r *SessionRepository) ListActiveByInstructor(ctx context.Context, instructorID string) ([]models.Session, error) {
	const query = `SELECT ` + sessionColumns + ` FROM sessions
WHERE instructor_id = $1 AND state IN ('SCHEDULED', 'IN_PROGRESS')
ORDER BY scheduled_start ASC`
	var sessions []models.Session
	if err := r.db.SelectContext(ctx, &sessions, query, instructorID); err != nil {
		return nil, fmt.Errorf("list active instructor sessions: %w", err)
	}
	return sessions, nil
}

// ListActiveInvolving returns active sessions where the owner is the
// instructor or a participant, within the given window, ascending by start.
func (r *SessionRepository) ListActiveInvolving(ctx context.Context, ownerID string, from, to time.Time) ([]models.Session, error) {
	const query = `SELECT DISTINCT s.id, s.course_id, s.instructor_id, s.title, s.scheduled_start, s.duration_minutes,
s.modality, s.location, s.meeting_link, s.state, s.cancellation_reason, s.cancelled_at, s.completed_at, s.created_at, s.updated_at
FROM sessions s
LEFT JOIN session_participants sp ON sp.session_id = s.id
WHERE (s.instructor_id = $1 OR sp.student_id = $1)
  AND s.state IN ('SCHEDULED', 'IN_PROGRESS')
  AND s.scheduled_start >= $2 AND s.scheduled_start < $3
ORDER BY s.scheduled_start ASC`
	var sessions []models.Session
	if err := r.db.SelectContext(ctx, &sessions, query, ownerID, from, to); err != nil {
		return nil, fmt.Errorf("list sessions involving owner: %w", err)
	}
	return sessions, nil
}

// List returns sessions filtered by the provided criteria.
func (r *SessionRepository) List(ctx context.Context, filter models.SessionFilter) ([]models.Session, int, error) {
	base := `FROM sessions s`
	if filter.StudentID != "" {
		base += ` INNER JOIN session_participants sp ON sp.session_id = s.id`
	}

	var conditions []string
	var args []interface{}

	if filter.InstructorID != "" {
		conditions = append(conditions, fmt.Sprintf("s.instructor_id = $%d", len(args)+1))
		args = append(args, filter.InstructorID)
	}
	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("sp.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.CourseID != "" {
		conditions = append(conditions, fmt.Sprintf("s.course_id = $%d", len(args)+1))
		args = append(args, filter.CourseID)
	}
	if filter.State != "" {
		conditions = append(conditions, fmt.Sprintf("s.state = $%d", len(args)+1))
		args = append(args, filter.State)
	}
	if filter.From != nil {
		conditions = append(conditions, fmt.Sprintf("s.scheduled_start >= $%d", len(args)+1))
		args = append(args, *filter.From)
	}
	if filter.To != nil {
		conditions = append(conditions, fmt.Sprintf("s.scheduled_start < $%d", len(args)+1))
		args = append(args, *filter.To)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"scheduled_start": "s.scheduled_start",
		"created_at":      "s.created_at",
		"state":           "s.state",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "s.scheduled_start"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "ASC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT DISTINCT s.id, s.course_id, s.instructor_id, s.title, s.scheduled_start, s.duration_minutes,
s.modality, s.location, s.meeting_link, s.state, s.cancellation_reason, s.cancelled_at, s.completed_at, s.created_at, s.updated_at
%s ORDER BY %s %s LIMIT %d OFFSET %d`, base+clause, orderBy, order, size, offset)

	var sessions []models.Session
	if err := r.db.SelectContext(ctx, &sessions, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(DISTINCT s.id) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}
	return sessions, total, nil
}

// Start flips a scheduled session to in-progress. Returns sql.ErrNoRows when
// the session is not in a startable state.
func (r *SessionRepository) Start(ctx context.Context, id string) error {
	const query = `UPDATE sessions SET state = 'IN_PROGRESS', updated_at = $2
WHERE id = $1 AND state = 'SCHEDULED'`
	return r.guardedTransition(ctx, query, id, time.Now().UTC())
}

// Cancel marks the session cancelled with a reason. Returns sql.ErrNoRows when
// the session is already terminal.
func (r *SessionRepository) Cancel(ctx context.Context, id, reason string, at time.Time) error {
	const query = `UPDATE sessions SET state = 'CANCELLED', cancellation_reason = $2, cancelled_at = $3, updated_at = $3
WHERE id = $1 AND state IN ('SCHEDULED', 'IN_PROGRESS')`
	res, err := r.db.ExecContext(ctx, query, id, reason, at)
	if err != nil {
		return fmt.Errorf("cancel session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cancel session rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Complete flips the session into its terminal completed state. The state
// guard in the WHERE clause is the concurrency fence: a second caller sees
// zero rows affected and gets sql.ErrNoRows, so progress propagation runs at
// most once per session.
func (r *SessionRepository) Complete(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE sessions SET state = 'COMPLETED', completed_at = $2, updated_at = $2
WHERE id = $1 AND state IN ('SCHEDULED', 'IN_PROGRESS')`
	return r.guardedTransition(ctx, query, id, at)
}

func (r *SessionRepository) guardedTransition(ctx context.Context, query, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("transition session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition session rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
