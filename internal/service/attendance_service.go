package service

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/tutoring-core-api/internal/models"
	"github.com/noah-isme/tutoring-core-api/pkg/config"
	appErrors "github.com/noah-isme/tutoring-core-api/pkg/errors"
)

type attendanceRepository interface {
	Upsert(ctx context.Context, record *models.AttendanceRecord) error
	BulkUpsert(ctx context.Context, records []models.AttendanceRecord) error
	ListBySession(ctx context.Context, sessionID string) ([]models.AttendanceRecord, error)
	Find(ctx context.Context, sessionID, studentID string) (*models.AttendanceRecord, error)
	StatsForStudent(ctx context.Context, studentID, courseID string) (*models.AttendanceStats, error)
}

type sessionReader interface {
	FindByID(ctx context.Context, id string) (*models.Session, error)
}

type enrollmentReader interface {
	FindByStudentAndCourse(ctx context.Context, studentID, courseID string) (*models.Enrollment, error)
}

// RecordAttendanceRequest describes a single attendance write.
type RecordAttendanceRequest struct {
	StudentID   string  `json:"student_id" validate:"required"`
	Present     bool    `json:"present"`
	MinutesLate int     `json:"minutes_late" validate:"min=0"`
	Comment     *string `json:"comment"`
}

// BulkAttendanceRequest applies several records to one session atomically.
type BulkAttendanceRequest struct {
	Records []RecordAttendanceRequest `json:"records" validate:"required,min=1,dive"`
}

// SelfAttendanceRequest lets a student record their own presence.
type SelfAttendanceRequest struct {
	Present     bool    `json:"present"`
	MinutesLate int     `json:"minutes_late" validate:"min=0"`
	Comment     *string `json:"comment"`
}

func statsCacheKey(studentID, courseID string) string {
	if courseID == "" {
		return "attendance-stats:" + studentID
	}
	return "attendance-stats:" + studentID + ":" + courseID
}

// AttendanceService records per-student attendance and aggregates it into
// attendance statistics. Progress propagation itself happens on session
// completion.
type AttendanceService struct {
	repo        attendanceRepository
	sessions    sessionReader
	enrollments enrollmentReader
	cache       cacheStore
	cfg         config.AttendanceConfig
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewAttendanceService constructs AttendanceService.
func NewAttendanceService(
	repo attendanceRepository,
	sessions sessionReader,
	enrollments enrollmentReader,
	cache cacheStore,
	cfg config.AttendanceConfig,
	validate *validator.Validate,
	logger *zap.Logger,
) *AttendanceService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SelfServiceWindow <= 0 {
		cfg.SelfServiceWindow = 24 * time.Hour
	}
	return &AttendanceService{
		repo:        repo,
		sessions:    sessions,
		enrollments: enrollments,
		cache:       cache,
		cfg:         cfg,
		validator:   validate,
		logger:      logger,
	}
}

// Record upserts the attendance record for one participant of a session.
func (s *AttendanceService) Record(ctx context.Context, sessionID string, req RecordAttendanceRequest, recordedBy string) (*models.AttendanceRecord, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid attendance payload")
	}

	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.checkRecordable(session, req.StudentID); err != nil {
		return nil, err
	}

	record := &models.AttendanceRecord{
		SessionID:   sessionID,
		StudentID:   req.StudentID,
		Present:     req.Present,
		MinutesLate: req.MinutesLate,
		Comment:     req.Comment,
		RecordedBy:  recordedBy,
		RecordedAt:  time.Now().UTC(),
	}
	if err := s.repo.Upsert(ctx, record); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to record attendance")
	}

	s.invalidateStats(ctx, req.StudentID, session.CourseID)
	return record, nil
}

// RecordBulk validates every entry first, then writes all of them in one
// transaction. Any offending entry fails the whole batch before persistence.
func (s *AttendanceService) RecordBulk(ctx context.Context, sessionID string, req BulkAttendanceRequest, recordedBy string) ([]models.AttendanceRecord, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid bulk attendance payload")
	}

	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var offending []string
	seen := make(map[string]struct{}, len(req.Records))
	for _, entry := range req.Records {
		if _, dup := seen[entry.StudentID]; dup {
			offending = append(offending, entry.StudentID+": duplicated in batch")
			continue
		}
		seen[entry.StudentID] = struct{}{}
		if err := s.checkRecordable(session, entry.StudentID); err != nil {
			offending = append(offending, entry.StudentID+": "+appErrors.FromError(err).Message)
		}
	}
	if len(offending) > 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("bulk attendance rejected: %s", strings.Join(offending, "; ")))
	}

	now := time.Now().UTC()
	records := make([]models.AttendanceRecord, 0, len(req.Records))
	for _, entry := range req.Records {
		records = append(records, models.AttendanceRecord{
			SessionID:   sessionID,
			StudentID:   entry.StudentID,
			Present:     entry.Present,
			MinutesLate: entry.MinutesLate,
			Comment:     entry.Comment,
			RecordedBy:  recordedBy,
			RecordedAt:  now,
		})
	}
	if err := s.repo.BulkUpsert(ctx, records); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to record bulk attendance")
	}

	for _, record := range records {
		s.invalidateStats(ctx, record.StudentID, session.CourseID)
	}
	return records, nil
}

// RecordSelf lets a student record their own attendance within the
// self-service window after session end.
func (s *AttendanceService) RecordSelf(ctx context.Context, sessionID, studentID string, req SelfAttendanceRequest) (*models.AttendanceRecord, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid attendance payload")
	}

	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.checkRecordable(session, studentID); err != nil {
		return nil, err
	}

	deadline := session.EndTime().Add(s.cfg.SelfServiceWindow)
	if time.Now().UTC().After(deadline) {
		return nil, appErrors.Clone(appErrors.ErrWindowExpired, "self-service attendance window has expired")
	}

	if s.cfg.RequireConfirmedEnrollment {
		enrollment, err := s.enrollments.FindByStudentAndCourse(ctx, studentID, session.CourseID)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, appErrors.Clone(appErrors.ErrForbidden, "no confirmed enrollment for this course")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to load enrollment")
		}
		if enrollment.Status != models.EnrollmentStatusConfirmed {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "no confirmed enrollment for this course")
		}
	}

	record := &models.AttendanceRecord{
		SessionID:   sessionID,
		StudentID:   studentID,
		Present:     req.Present,
		MinutesLate: req.MinutesLate,
		Comment:     req.Comment,
		RecordedBy:  studentID,
		RecordedAt:  time.Now().UTC(),
	}
	if err := s.repo.Upsert(ctx, record); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to record attendance")
	}

	s.invalidateStats(ctx, studentID, session.CourseID)
	return record, nil
}

// ListBySession returns all attendance records of a session.
func (s *AttendanceService) ListBySession(ctx context.Context, sessionID string) ([]models.AttendanceRecord, error) {
	if _, err := s.loadSession(ctx, sessionID); err != nil {
		return nil, err
	}
	records, err := s.repo.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to list attendance records")
	}
	return records, nil
}

// Stats aggregates attendance over completed sessions for a student,
// optionally scoped to a course. Results are cached briefly.
func (s *AttendanceService) Stats(ctx context.Context, studentID, courseID string) (*models.AttendanceStats, error) {
	if studentID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "student id is required")
	}

	key := statsCacheKey(studentID, courseID)
	if s.cache != nil {
		var cached models.AttendanceStats
		if err := s.cache.Get(ctx, key, &cached); err == nil {
			return &cached, nil
		} else if !appErrors.Is(err, appErrors.ErrCacheMiss) {
			s.logger.Sugar().Warnw("stats cache read failed", "key", key, "error", err)
		}
	}

	stats, err := s.repo.StatsForStudent(ctx, studentID, courseID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to aggregate attendance")
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, stats, s.cfg.StatsCacheTTL); err != nil {
			s.logger.Sugar().Warnw("stats cache write failed", "key", key, "error", err)
		}
	}
	return stats, nil
}

func (s *AttendanceService) loadSession(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to load session")
	}
	return session, nil
}

// checkRecordable enforces the participant and lifecycle rules shared by all
// attendance writes.
func (s *AttendanceService) checkRecordable(session *models.Session, studentID string) error {
	if session.State == models.SessionStateCancelled {
		return appErrors.Clone(appErrors.ErrInvalidState, "attendance cannot be recorded on a cancelled session")
	}
	if !session.HasParticipant(studentID) {
		return appErrors.Clone(appErrors.ErrForbidden, "student is not a participant of this session")
	}
	return nil
}

func (s *AttendanceService) invalidateStats(ctx context.Context, studentID, courseID string) {
	if s.cache == nil {
		return
	}
	s.cache.Delete(ctx, statsCacheKey(studentID, ""), statsCacheKey(studentID, courseID))
}
