package models

import "time"

// CalendarEntry is a derived per-owner view of a session. Entries are upserted
// keyed by (owner, session) and never duplicated; the session stays
// authoritative for every mirrored field.
type CalendarEntry struct {
	ID                  string     `db:"id" json:"id"`
	OwnerID             string     `db:"owner_id" json:"owner_id"`
	SessionID           string     `db:"session_id" json:"session_id"`
	Title               string     `db:"title" json:"title"`
	Start               time.Time  `db:"start_at" json:"start_at"`
	DurationMinutes     int        `db:"duration_minutes" json:"duration_minutes"`
	Location            *string    `db:"location" json:"location,omitempty"`
	MeetingLink         *string    `db:"meeting_link" json:"meeting_link,omitempty"`
	ReminderEnabled     bool       `db:"reminder_enabled" json:"reminder_enabled"`
	ReminderLeadMinutes int        `db:"reminder_lead_minutes" json:"reminder_lead_minutes"`
	ReminderSentAt      *time.Time `db:"reminder_sent_at" json:"reminder_sent_at,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// End is the derived exclusive end of the entry interval.
func (e *CalendarEntry) End() time.Time {
	return e.Start.Add(time.Duration(e.DurationMinutes) * time.Minute)
}

// CalendarFilter narrows down entries for an owner.
type CalendarFilter struct {
	OwnerID string
	From    *time.Time
	To      *time.Time
}
