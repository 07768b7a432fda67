package service

import (
	"context"
	"database/sql"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/tutoring-core-api/internal/models"
	"github.com/noah-isme/tutoring-core-api/internal/overlap"
	"github.com/noah-isme/tutoring-core-api/internal/repository"
	"github.com/noah-isme/tutoring-core-api/pkg/config"
	appErrors "github.com/noah-isme/tutoring-core-api/pkg/errors"
)

type sessionRepository interface {
	Create(ctx context.Context, session *models.Session, policy overlap.Policy) error
	Update(ctx context.Context, session *models.Session, policy overlap.Policy) error
	FindByID(ctx context.Context, id string) (*models.Session, error)
	ListActiveByInstructor(ctx context.Context, instructorID string) ([]models.Session, error)
	List(ctx context.Context, filter models.SessionFilter) ([]models.Session, int, error)
	Start(ctx context.Context, id string) error
	Cancel(ctx context.Context, id, reason string, at time.Time) error
	Complete(ctx context.Context, id string, at time.Time) error
}

type courseReader interface {
	FindByID(ctx context.Context, id string) (*models.Course, error)
}

type directoryReader interface {
	IsInstructor(ctx context.Context, userID string) (bool, error)
	IsStudent(ctx context.Context, userID string) (bool, error)
}

type progressAdvancer interface {
	AdvanceProgress(ctx context.Context, studentID, courseID string, hoursToAdd float64) (*models.Enrollment, error)
}

type attendanceReader interface {
	ListBySession(ctx context.Context, sessionID string) ([]models.AttendanceRecord, error)
}

type calendarPruner interface {
	DeleteForSession(ctx context.Context, sessionID string) error
}

// CreateSessionRequest describes payload for booking a session.
type CreateSessionRequest struct {
	CourseID        string    `json:"course_id" validate:"required"`
	InstructorID    string    `json:"instructor_id" validate:"required"`
	Title           string    `json:"title" validate:"required,max=200"`
	ScheduledStart  time.Time `json:"scheduled_start" validate:"required"`
	DurationMinutes int       `json:"duration_minutes" validate:"required"`
	Modality        string    `json:"modality" validate:"required"`
	Location        *string   `json:"location"`
	MeetingLink     *string   `json:"meeting_link"`
	ParticipantIDs  []string  `json:"participant_ids"`
}

// RescheduleSessionRequest patches a scheduled session. Nil fields keep their
// current value.
type RescheduleSessionRequest struct {
	Title           *string    `json:"title"`
	ScheduledStart  *time.Time `json:"scheduled_start"`
	DurationMinutes *int       `json:"duration_minutes"`
	Modality        *string    `json:"modality"`
	Location        *string    `json:"location"`
	MeetingLink     *string    `json:"meeting_link"`
	ParticipantIDs  *[]string  `json:"participant_ids"`
}

// CancelSessionRequest carries the mandatory cancellation reason.
type CancelSessionRequest struct {
	Reason string `json:"reason" validate:"required,min=10,max=300"`
}

// SessionService owns the booking lifecycle: creation, edits, cancellation and
// completion with progress propagation.
type SessionService struct {
	repo        sessionRepository
	courses     courseReader
	directory   directoryReader
	enrollments progressAdvancer
	attendance  attendanceReader
	calendar    calendarPruner
	cfg         config.SchedulingConfig
	metrics     *MetricsService
	validator   *validator.Validate
	logger      *zap.Logger

	// bookingMu serializes check-then-act booking decisions per instructor so
	// two concurrent calls cannot both pass the conflict check.
	bookingMu sync.Mutex
	locks     map[string]*sync.Mutex
}

// NewSessionService constructs SessionService.
func NewSessionService(
	repo sessionRepository,
	courses courseReader,
	directory directoryReader,
	enrollments progressAdvancer,
	attendance attendanceReader,
	calendar calendarPruner,
	cfg config.SchedulingConfig,
	metrics *MetricsService,
	validate *validator.Validate,
	logger *zap.Logger,
) *SessionService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinDurationMinutes <= 0 {
		cfg.MinDurationMinutes = 30
	}
	if cfg.MaxDurationMinutes <= 0 {
		cfg.MaxDurationMinutes = 180
	}
	return &SessionService{
		repo:        repo,
		courses:     courses,
		directory:   directory,
		enrollments: enrollments,
		attendance:  attendance,
		calendar:    calendar,
		cfg:         cfg,
		metrics:     metrics,
		validator:   validate,
		logger:      logger,
		locks:       make(map[string]*sync.Mutex),
	}
}

func (s *SessionService) policy() overlap.Policy {
	return overlap.Policy{AllowSharedCourseStart: s.cfg.AllowSharedCourseStart}
}

func (s *SessionService) instructorLock(instructorID string) *sync.Mutex {
	s.bookingMu.Lock()
	defer s.bookingMu.Unlock()
	mu, ok := s.locks[instructorID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[instructorID] = mu
	}
	return mu
}

// Create books a new session after running the validation chain and the
// instructor conflict check.
func (s *SessionService) Create(ctx context.Context, req CreateSessionRequest) (*models.Session, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid session payload")
	}

	session := &models.Session{
		CourseID:        req.CourseID,
		InstructorID:    req.InstructorID,
		Title:           req.Title,
		ScheduledStart:  req.ScheduledStart.UTC(),
		DurationMinutes: req.DurationMinutes,
		Modality:        models.SessionModality(strings.ToUpper(req.Modality)),
		Location:        req.Location,
		MeetingLink:     req.MeetingLink,
		State:           models.SessionStateScheduled,
		ParticipantIDs:  req.ParticipantIDs,
	}

	if err := s.runBookingValidators(ctx, session); err != nil {
		return nil, err
	}

	mu := s.instructorLock(session.InstructorID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.checkConflicts(ctx, session); err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, session, s.policy()); err != nil {
		return nil, s.mapBookingError(err, "failed to create session")
	}

	s.metrics.IncSessionCreated()
	s.logger.Sugar().Infow("session booked",
		"session_id", session.ID, "instructor_id", session.InstructorID, "start", session.ScheduledStart)
	return session, nil
}

// Reschedule applies a patch to a scheduled session, re-running all booking
// validations and the conflict check excluding the session itself.
func (s *SessionService) Reschedule(ctx context.Context, id string, req RescheduleSessionRequest) (*models.Session, error) {
	existing, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to load session")
	}
	if existing.State != models.SessionStateScheduled {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "only scheduled sessions can be edited")
	}

	updated := *existing
	if req.Title != nil {
		updated.Title = *req.Title
	}
	if req.ScheduledStart != nil {
		updated.ScheduledStart = req.ScheduledStart.UTC()
	}
	if req.DurationMinutes != nil {
		updated.DurationMinutes = *req.DurationMinutes
	}
	if req.Modality != nil {
		updated.Modality = models.SessionModality(strings.ToUpper(*req.Modality))
	}
	if req.Location != nil {
		updated.Location = req.Location
	}
	if req.MeetingLink != nil {
		updated.MeetingLink = req.MeetingLink
	}
	if req.ParticipantIDs != nil {
		updated.ParticipantIDs = *req.ParticipantIDs
	}

	if err := s.runBookingValidators(ctx, &updated); err != nil {
		return nil, err
	}

	mu := s.instructorLock(updated.InstructorID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.checkConflicts(ctx, &updated); err != nil {
		return nil, err
	}

	if err := s.repo.Update(ctx, &updated, s.policy()); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrInvalidState, "only scheduled sessions can be edited")
		}
		return nil, s.mapBookingError(err, "failed to update session")
	}
	return &updated, nil
}

// Start moves a scheduled session into progress.
func (s *SessionService) Start(ctx context.Context, id string) (*models.Session, error) {
	if err := s.repo.Start(ctx, id); err != nil {
		if err == sql.ErrNoRows {
			return s.transitionFailure(ctx, id, "only scheduled sessions can be started")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to start session")
	}
	return s.Get(ctx, id)
}

// Cancel terminates a session with a reason. Cancelling twice fails.
func (s *SessionService) Cancel(ctx context.Context, id string, req CancelSessionRequest) (*models.Session, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "cancellation reason must be 10-300 characters")
	}

	if err := s.repo.Cancel(ctx, id, req.Reason, time.Now().UTC()); err != nil {
		if err == sql.ErrNoRows {
			return s.transitionFailure(ctx, id, "session already finished or cancelled")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to cancel session")
	}

	s.pruneCalendar(ctx, id)
	return s.Get(ctx, id)
}

// Complete terminates the session and propagates attended duration into
// enrollment progress, exactly once. The repository's guarded state flip is
// the fence: a concurrent or repeated call observes zero affected rows and
// fails with an invalid-state error before any propagation.
func (s *SessionService) Complete(ctx context.Context, id string) (*models.Session, error) {
	session, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to load session")
	}

	if err := s.repo.Complete(ctx, id, time.Now().UTC()); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrInvalidState, "session already completed or cancelled")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to complete session")
	}

	if err := s.propagateProgress(ctx, session); err != nil {
		return nil, err
	}

	s.metrics.IncSessionCompleted()
	s.pruneCalendar(ctx, id)
	return s.Get(ctx, id)
}

func (s *SessionService) propagateProgress(ctx context.Context, session *models.Session) error {
	records, err := s.attendance.ListBySession(ctx, session.ID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to load attendance records")
	}

	hours := float64(session.DurationMinutes) / 60
	for _, record := range records {
		if !record.Present {
			continue
		}
		if _, err := s.enrollments.AdvanceProgress(ctx, record.StudentID, session.CourseID, hours); err != nil {
			if appErrors.Is(err, appErrors.ErrNotFound) {
				// Participant without a confirmed enrollment; nothing to advance.
				s.logger.Sugar().Warnw("skipping progress for unconfirmed enrollment",
					"session_id", session.ID, "student_id", record.StudentID)
				continue
			}
			return appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to propagate progress")
		}
	}
	return nil
}

func (s *SessionService) pruneCalendar(ctx context.Context, sessionID string) {
	if s.calendar == nil {
		return
	}
	if err := s.calendar.DeleteForSession(ctx, sessionID); err != nil {
		s.logger.Sugar().Warnw("failed to prune calendar entries", "session_id", sessionID, "error", err)
	}
}

// Get returns a session by ID.
func (s *SessionService) Get(ctx context.Context, id string) (*models.Session, error) {
	session, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to load session")
	}
	return session, nil
}

// List returns sessions with pagination metadata.
func (s *SessionService) List(ctx context.Context, filter models.SessionFilter) ([]models.Session, *models.Pagination, error) {
	sessions, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to list sessions")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	pagination := &models.Pagination{Page: page, PageSize: size, TotalCount: total}
	return sessions, pagination, nil
}

// runBookingValidators executes the ordered validation chain shared by create
// and reschedule; no mutation happens until every validator passes.
func (s *SessionService) runBookingValidators(ctx context.Context, session *models.Session) error {
	validators := []func(context.Context, *models.Session) error{
		s.validateDuration,
		s.validateModalityFields,
		s.validateStartNotPast,
		s.validateCourseBinding,
		s.validateParticipants,
	}
	for _, validate := range validators {
		if err := validate(ctx, session); err != nil {
			return err
		}
	}
	return nil
}

func (s *SessionService) validateDuration(_ context.Context, session *models.Session) error {
	if session.DurationMinutes < s.cfg.MinDurationMinutes || session.DurationMinutes > s.cfg.MaxDurationMinutes {
		return appErrors.Clone(appErrors.ErrValidation, "session duration out of bounds")
	}
	return nil
}

func (s *SessionService) validateModalityFields(_ context.Context, session *models.Session) error {
	switch session.Modality {
	case models.ModalityInPerson:
		if session.Location == nil || strings.TrimSpace(*session.Location) == "" {
			return appErrors.Clone(appErrors.ErrValidation, "in-person sessions require a location")
		}
		if session.MeetingLink != nil && *session.MeetingLink != "" {
			return appErrors.Clone(appErrors.ErrValidation, "in-person sessions must not carry a meeting link")
		}
	case models.ModalityVirtual:
		if session.MeetingLink == nil || *session.MeetingLink == "" {
			return appErrors.Clone(appErrors.ErrValidation, "virtual sessions require a meeting link")
		}
		parsed, err := url.Parse(*session.MeetingLink)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return appErrors.Clone(appErrors.ErrValidation, "meeting link must be a valid http(s) URL")
		}
		if session.Location != nil && strings.TrimSpace(*session.Location) != "" {
			return appErrors.Clone(appErrors.ErrValidation, "virtual sessions must not carry a location")
		}
	default:
		return appErrors.Clone(appErrors.ErrValidation, "unsupported modality")
	}
	return nil
}

func (s *SessionService) validateStartNotPast(_ context.Context, session *models.Session) error {
	if session.ScheduledStart.Before(time.Now().UTC()) {
		return appErrors.Clone(appErrors.ErrValidation, "scheduled start must not be in the past")
	}
	return nil
}

func (s *SessionService) validateCourseBinding(ctx context.Context, session *models.Session) error {
	course, err := s.courses.FindByID(ctx, session.CourseID)
	if err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to load course")
	}
	if !course.Status.Bookable() {
		return appErrors.Clone(appErrors.ErrInvalidState, "course is not open for scheduling")
	}

	isInstructor, err := s.directory.IsInstructor(ctx, session.InstructorID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to resolve instructor")
	}
	if !isInstructor {
		return appErrors.Clone(appErrors.ErrNotFound, "instructor not found")
	}
	if course.InstructorID != session.InstructorID {
		return appErrors.Clone(appErrors.ErrValidation, "instructor does not own this course")
	}
	return nil
}

func (s *SessionService) validateParticipants(ctx context.Context, session *models.Session) error {
	for _, studentID := range session.ParticipantIDs {
		isStudent, err := s.directory.IsStudent(ctx, studentID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to resolve participant")
		}
		if !isStudent {
			return appErrors.Clone(appErrors.ErrValidation, "participant "+studentID+" is not a student")
		}
	}
	return nil
}

// checkConflicts runs the pre-commit conflict scan over the instructor's
// active sessions. The repository re-verifies under the transaction.
func (s *SessionService) checkConflicts(ctx context.Context, session *models.Session) error {
	active, err := s.repo.ListActiveByInstructor(ctx, session.InstructorID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to scan instructor sessions")
	}

	conflicts := overlap.FindConflicts(active, overlap.Proposal{
		InstructorID:     session.InstructorID,
		CourseID:         session.CourseID,
		Start:            session.ScheduledStart,
		DurationMinutes:  session.DurationMinutes,
		ExcludeSessionID: session.ID,
	}, s.policy())
	if len(conflicts) > 0 {
		return appErrors.Clone(appErrors.ErrConflict, "instructor already booked in this time range")
	}
	return nil
}

func (s *SessionService) mapBookingError(err error, message string) error {
	var conflict *repository.ErrSessionConflict
	if errors.As(err, &conflict) {
		return appErrors.Clone(appErrors.ErrConflict, "instructor already booked in this time range")
	}
	return appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, message)
}

// transitionFailure distinguishes a missing session from an illegal state when
// a guarded transition affected no rows.
func (s *SessionService) transitionFailure(ctx context.Context, id, message string) (*models.Session, error) {
	if _, err := s.repo.FindByID(ctx, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to load session")
	}
	return nil, appErrors.Clone(appErrors.ErrInvalidState, message)
}
