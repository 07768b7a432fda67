package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/tutoring-core-api/internal/models"
	"github.com/noah-isme/tutoring-core-api/pkg/config"
	appErrors "github.com/noah-isme/tutoring-core-api/pkg/errors"
)

type calendarRepository interface {
	Upsert(ctx context.Context, entry *models.CalendarEntry) (bool, error)
	ListForOwner(ctx context.Context, filter models.CalendarFilter) ([]models.CalendarEntry, error)
	ListDueReminders(ctx context.Context, now time.Time) ([]models.CalendarEntry, error)
	MarkReminderSent(ctx context.Context, id string, at time.Time) error
	DeleteForSession(ctx context.Context, sessionID string) error
}

type sessionLister interface {
	ListActiveInvolving(ctx context.Context, ownerID string, from, to time.Time) ([]models.Session, error)
}

// CalendarService derives per-owner calendar entries from sessions. The
// projection is pull-based and idempotent: syncing twice creates nothing new.
type CalendarService struct {
	repo     calendarRepository
	sessions sessionLister
	cfg      config.CalendarConfig
	metrics  *MetricsService
	logger   *zap.Logger
}

// NewCalendarService constructs CalendarService.
func NewCalendarService(repo calendarRepository, sessions sessionLister, cfg config.CalendarConfig, metrics *MetricsService, logger *zap.Logger) *CalendarService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultReminderLead <= 0 {
		cfg.DefaultReminderLead = 30 * time.Minute
	}
	if cfg.SyncHorizon <= 0 {
		cfg.SyncHorizon = 90 * 24 * time.Hour
	}
	return &CalendarService{repo: repo, sessions: sessions, cfg: cfg, metrics: metrics, logger: logger}
}

// EntriesForOwner returns the owner's active sessions within the range,
// ascending by start. The session store stays authoritative; no entries are
// materialized by reads.
func (s *CalendarService) EntriesForOwner(ctx context.Context, ownerID string, from, to time.Time) ([]models.Session, error) {
	if ownerID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "owner id is required")
	}
	if !to.After(from) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "range end must be after range start")
	}

	sessions, err := s.sessions.ListActiveInvolving(ctx, ownerID, from, to)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to list sessions for owner")
	}
	return sessions, nil
}

// SyncFromSessions upserts one calendar entry per (owner, session) for every
// future active session involving the owner and returns only the entries
// created by this run.
func (s *CalendarService) SyncFromSessions(ctx context.Context, ownerID string) ([]models.CalendarEntry, error) {
	if ownerID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "owner id is required")
	}

	now := time.Now().UTC()
	sessions, err := s.sessions.ListActiveInvolving(ctx, ownerID, now, now.Add(s.cfg.SyncHorizon))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to list sessions for owner")
	}

	var created []models.CalendarEntry
	for _, session := range sessions {
		entry := models.CalendarEntry{
			OwnerID:             ownerID,
			SessionID:           session.ID,
			Title:               session.Title,
			Start:               session.ScheduledStart,
			DurationMinutes:     session.DurationMinutes,
			Location:            session.Location,
			MeetingLink:         session.MeetingLink,
			ReminderEnabled:     true,
			ReminderLeadMinutes: int(s.cfg.DefaultReminderLead / time.Minute),
		}
		wasCreated, err := s.repo.Upsert(ctx, &entry)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to sync calendar entry")
		}
		if wasCreated {
			created = append(created, entry)
		}
	}

	s.logger.Sugar().Debugw("calendar synced", "owner_id", ownerID, "sessions", len(sessions), "created", len(created))
	return created, nil
}

// ListForOwner returns materialized entries for an owner.
func (s *CalendarService) ListForOwner(ctx context.Context, filter models.CalendarFilter) ([]models.CalendarEntry, error) {
	if filter.OwnerID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "owner id is required")
	}
	entries, err := s.repo.ListForOwner(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to list calendar entries")
	}
	return entries, nil
}

// IsReminderDue reports whether the entry's reminder should fire at the given
// instant: enabled, not yet sent, and now within [start-lead, start).
func (s *CalendarService) IsReminderDue(entry *models.CalendarEntry, now time.Time) bool {
	if entry == nil || !entry.ReminderEnabled || entry.ReminderSentAt != nil {
		return false
	}
	windowStart := entry.Start.Add(-time.Duration(entry.ReminderLeadMinutes) * time.Minute)
	return !now.Before(windowStart) && now.Before(entry.Start)
}

// DispatchDueReminders marks every due reminder as sent and logs the
// dispatch. Delivery transport is owned by the host application; the mark is
// guarded so each reminder fires at most once.
func (s *CalendarService) DispatchDueReminders(ctx context.Context, now time.Time) (int, error) {
	due, err := s.repo.ListDueReminders(ctx, now)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to list due reminders")
	}

	dispatched := 0
	for i := range due {
		entry := &due[i]
		if !s.IsReminderDue(entry, now) {
			continue
		}
		if err := s.repo.MarkReminderSent(ctx, entry.ID, now); err != nil {
			// Lost the race to another dispatcher; skip quietly.
			continue
		}
		dispatched++
		s.metrics.IncReminderDispatched()
		s.logger.Sugar().Infow("reminder dispatched",
			"entry_id", entry.ID, "owner_id", entry.OwnerID, "session_id", entry.SessionID, "start", entry.Start)
	}
	return dispatched, nil
}
