package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/tutoring-core-api/internal/models"
)

// CalendarRepository persists derived calendar entries keyed by (owner, session).
type CalendarRepository struct {
	db *sqlx.DB
}

// NewCalendarRepository constructs the repository.
func NewCalendarRepository(db *sqlx.DB) *CalendarRepository {
	return &CalendarRepository{db: db}
}

const calendarColumns = `id, owner_id, session_id, title, start_at, duration_minutes, location, meeting_link,
reminder_enabled, reminder_lead_minutes, reminder_sent_at, created_at, updated_at`

// Upsert writes the entry for (owner, session). The uniqueness constraint on
// the pair makes the projection idempotent; created reports whether a new row
// was inserted rather than an existing one refreshed.
func (r *CalendarRepository) Upsert(ctx context.Context, entry *models.CalendarEntry) (created bool, err error) {
	now := time.Now().UTC()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	const insert = `INSERT INTO calendar_entries (id, owner_id, session_id, title, start_at, duration_minutes,
location, meeting_link, reminder_enabled, reminder_lead_minutes, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (owner_id, session_id) DO NOTHING
RETURNING id`
	var insertedID string
	err = r.db.QueryRowxContext(ctx, insert,
		entry.ID, entry.OwnerID, entry.SessionID, entry.Title, entry.Start, entry.DurationMinutes,
		entry.Location, entry.MeetingLink, entry.ReminderEnabled, entry.ReminderLeadMinutes,
		entry.CreatedAt, entry.UpdatedAt,
	).Scan(&insertedID)
	if err == nil {
		return true, nil
	}
	if err != sql.ErrNoRows {
		return false, fmt.Errorf("insert calendar entry: %w", err)
	}

	// Entry already exists for the pair; refresh the mirrored session fields.
	const update = `UPDATE calendar_entries SET title = $3, start_at = $4, duration_minutes = $5,
location = $6, meeting_link = $7, updated_at = $8
WHERE owner_id = $1 AND session_id = $2
RETURNING ` + calendarColumns
	if err := r.db.GetContext(ctx, entry, update,
		entry.OwnerID, entry.SessionID, entry.Title, entry.Start, entry.DurationMinutes,
		entry.Location, entry.MeetingLink, entry.UpdatedAt,
	); err != nil {
		return false, fmt.Errorf("refresh calendar entry: %w", err)
	}
	return false, nil
}

// ListForOwner returns entries for an owner, ascending by start.
func (r *CalendarRepository) ListForOwner(ctx context.Context, filter models.CalendarFilter) ([]models.CalendarEntry, error) {
	query := `SELECT ` + calendarColumns + ` FROM calendar_entries WHERE owner_id = $1`
	args := []interface{}{filter.OwnerID}
	if filter.From != nil {
		args = append(args, *filter.From)
		query += fmt.Sprintf(" AND start_at >= $%d", len(args))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		query += fmt.Sprintf(" AND start_at < $%d", len(args))
	}
	query += " ORDER BY start_at ASC"

	var entries []models.CalendarEntry
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("list calendar entries: %w", err)
	}
	return entries, nil
}

// ListDueReminders returns entries whose reminder window contains now and
// whose reminder has not been dispatched yet.
func (r *CalendarRepository) ListDueReminders(ctx context.Context, now time.Time) ([]models.CalendarEntry, error) {
	const query = `SELECT ` + calendarColumns + ` FROM calendar_entries
WHERE reminder_enabled
  AND reminder_sent_at IS NULL
  AND $1 >= start_at - (reminder_lead_minutes * interval '1 minute')
  AND $1 < start_at
ORDER BY start_at ASC`
	var entries []models.CalendarEntry
	if err := r.db.SelectContext(ctx, &entries, query, now); err != nil {
		return nil, fmt.Errorf("list due reminders: %w", err)
	}
	return entries, nil
}

// MarkReminderSent stamps the dispatch time; only the first caller wins.
func (r *CalendarRepository) MarkReminderSent(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE calendar_entries SET reminder_sent_at = $2, updated_at = $2
WHERE id = $1 AND reminder_sent_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("mark reminder sent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark reminder rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteForSession removes all derived entries of a session, used when the
// source session leaves the active states.
func (r *CalendarRepository) DeleteForSession(ctx context.Context, sessionID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM calendar_entries WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete calendar entries for session: %w", err)
	}
	return nil
}
