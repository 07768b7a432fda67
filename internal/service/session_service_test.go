package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/tutoring-core-api/internal/models"
	"github.com/noah-isme/tutoring-core-api/internal/overlap"
	"github.com/noah-isme/tutoring-core-api/pkg/config"
	appErrors "github.com/noah-isme/tutoring-core-api/pkg/errors"
)

func strPtr(s string) *string { return &s }

type mockSessionRepo struct {
	items       map[string]*models.Session
	active      []models.Session
	createErr   error
	startErr    error
	cancelErr   error
	completeErr error
	completes   int
}

func (m *mockSessionRepo) Create(ctx context.Context, session *models.Session, _ overlap.Policy) error {
	if m.createErr != nil {
		return m.createErr
	}
	if m.items == nil {
		m.items = make(map[string]*models.Session)
	}
	if session.ID == "" {
		session.ID = "generated"
	}
	cp := *session
	m.items[session.ID] = &cp
	return nil
}

func (m *mockSessionRepo) Update(ctx context.Context, session *models.Session, _ overlap.Policy) error {
	if m.items == nil {
		m.items = make(map[string]*models.Session)
	}
	cp := *session
	m.items[session.ID] = &cp
	return nil
}

func (m *mockSessionRepo) FindByID(ctx context.Context, id string) (*models.Session, error) {
	if session, ok := m.items[id]; ok {
		cp := *session
		return &cp, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockSessionRepo) ListActiveByInstructor(ctx context.Context, instructorID string) ([]models.Session, error) {
	return m.active, nil
}

func (m *mockSessionRepo) List(ctx context.Context, filter models.SessionFilter) ([]models.Session, int, error) {
	return m.active, len(m.active), nil
}

func (m *mockSessionRepo) Start(ctx context.Context, id string) error {
	if m.startErr != nil {
		return m.startErr
	}
	if s, ok := m.items[id]; ok {
		s.State = models.SessionStateInProgress
	}
	return nil
}

func (m *mockSessionRepo) Cancel(ctx context.Context, id, reason string, at time.Time) error {
	if m.cancelErr != nil {
		return m.cancelErr
	}
	if s, ok := m.items[id]; ok {
		s.State = models.SessionStateCancelled
		s.CancellationReason = &reason
	}
	return nil
}

func (m *mockSessionRepo) Complete(ctx context.Context, id string, at time.Time) error {
	if m.completeErr != nil {
		return m.completeErr
	}
	m.completes++
	if s, ok := m.items[id]; ok {
		s.State = models.SessionStateCompleted
		s.CompletedAt = &at
	}
	return nil
}

type mockCourseReader struct {
	courses map[string]*models.Course
}

func (m *mockCourseReader) FindByID(ctx context.Context, id string) (*models.Course, error) {
	if course, ok := m.courses[id]; ok {
		cp := *course
		return &cp, nil
	}
	return nil, sql.ErrNoRows
}

type mockDirectory struct {
	instructors map[string]bool
	students    map[string]bool
}

func (m *mockDirectory) IsInstructor(ctx context.Context, userID string) (bool, error) {
	return m.instructors[userID], nil
}

func (m *mockDirectory) IsStudent(ctx context.Context, userID string) (bool, error) {
	return m.students[userID], nil
}

type advanceCall struct {
	studentID string
	courseID  string
	hours     float64
}

type mockProgressAdvancer struct {
	calls    []advanceCall
	notFound map[string]bool
}

func (m *mockProgressAdvancer) AdvanceProgress(ctx context.Context, studentID, courseID string, hoursToAdd float64) (*models.Enrollment, error) {
	if m.notFound[studentID] {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "no confirmed enrollment for student and course")
	}
	m.calls = append(m.calls, advanceCall{studentID: studentID, courseID: courseID, hours: hoursToAdd})
	return &models.Enrollment{StudentID: studentID, CourseID: courseID, Status: models.EnrollmentStatusConfirmed}, nil
}

type mockAttendanceReader struct {
	records []models.AttendanceRecord
}

func (m *mockAttendanceReader) ListBySession(ctx context.Context, sessionID string) ([]models.AttendanceRecord, error) {
	return m.records, nil
}

type mockCalendarPruner struct {
	pruned []string
}

func (m *mockCalendarPruner) DeleteForSession(ctx context.Context, sessionID string) error {
	m.pruned = append(m.pruned, sessionID)
	return nil
}

func newSessionFixture() (*mockSessionRepo, *mockCourseReader, *mockDirectory, *mockProgressAdvancer, *mockAttendanceReader, *mockCalendarPruner) {
	repo := &mockSessionRepo{items: make(map[string]*models.Session)}
	courses := &mockCourseReader{courses: map[string]*models.Course{
		"c1": {ID: "c1", Title: "Algebra", InstructorID: "i1", TotalRequiredHours: 80, Status: models.CourseStatusActive},
	}}
	directory := &mockDirectory{
		instructors: map[string]bool{"i1": true},
		students:    map[string]bool{"s1": true, "s2": true, "s3": true},
	}
	return repo, courses, directory, &mockProgressAdvancer{}, &mockAttendanceReader{}, &mockCalendarPruner{}
}

func newSessionService(repo *mockSessionRepo, courses *mockCourseReader, directory *mockDirectory, advancer *mockProgressAdvancer, attendance *mockAttendanceReader, pruner *mockCalendarPruner, cfg config.SchedulingConfig) *SessionService {
	return NewSessionService(repo, courses, directory, advancer, attendance, pruner, cfg, nil, nil, nil)
}

func validCreateRequest(start time.Time) CreateSessionRequest {
	return CreateSessionRequest{
		CourseID:        "c1",
		InstructorID:    "i1",
		Title:           "Weekly session",
		ScheduledStart:  start,
		DurationMinutes: 60,
		Modality:        "VIRTUAL",
		MeetingLink:     strPtr("https://meet.example.com/abc"),
		ParticipantIDs:  []string{"s1", "s2"},
	}
}

func TestSessionServiceCreate(t *testing.T) {
	repo, courses, directory, advancer, attendance, pruner := newSessionFixture()
	svc := newSessionService(repo, courses, directory, advancer, attendance, pruner, config.SchedulingConfig{})

	start := time.Now().UTC().Add(24 * time.Hour)
	session, err := svc.Create(context.Background(), validCreateRequest(start))
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateScheduled, session.State)
	assert.Equal(t, models.ModalityVirtual, session.Modality)
	assert.Len(t, repo.items, 1)
}

func TestSessionServiceCreateConflict(t *testing.T) {
	repo, courses, directory, advancer, attendance, pruner := newSessionFixture()
	start := time.Now().UTC().Add(24 * time.Hour)
	repo.active = []models.Session{
		{ID: "other", InstructorID: "i1", CourseID: "c2", ScheduledStart: start.Add(30 * time.Minute), DurationMinutes: 60, State: models.SessionStateScheduled},
	}
	svc := newSessionService(repo, courses, directory, advancer, attendance, pruner, config.SchedulingConfig{})

	_, err := svc.Create(context.Background(), validCreateRequest(start))
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))
}

func TestSessionServiceCreateAdjacentAllowed(t *testing.T) {
	repo, courses, directory, advancer, attendance, pruner := newSessionFixture()
	start := time.Now().UTC().Add(24 * time.Hour)
	// existing session ends exactly when the new one starts
	repo.active = []models.Session{
		{ID: "other", InstructorID: "i1", CourseID: "c2", ScheduledStart: start.Add(-60 * time.Minute), DurationMinutes: 60, State: models.SessionStateScheduled},
	}
	svc := newSessionService(repo, courses, directory, advancer, attendance, pruner, config.SchedulingConfig{})

	_, err := svc.Create(context.Background(), validCreateRequest(start))
	require.NoError(t, err)
}

func TestSessionServiceCreateSharedCourseStartPolicy(t *testing.T) {
	start := time.Now().UTC().Add(24 * time.Hour)
	existing := models.Session{ID: "other", InstructorID: "i1", CourseID: "c1", ScheduledStart: start, DurationMinutes: 60, State: models.SessionStateScheduled}

	repo, courses, directory, advancer, attendance, pruner := newSessionFixture()
	repo.active = []models.Session{existing}
	svc := newSessionService(repo, courses, directory, advancer, attendance, pruner, config.SchedulingConfig{})
	_, err := svc.Create(context.Background(), validCreateRequest(start))
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))

	repo, courses, directory, advancer, attendance, pruner = newSessionFixture()
	repo.active = []models.Session{existing}
	svc = newSessionService(repo, courses, directory, advancer, attendance, pruner, config.SchedulingConfig{AllowSharedCourseStart: true})
	_, err = svc.Create(context.Background(), validCreateRequest(start))
	require.NoError(t, err)
}

func TestSessionServiceCreateValidationChain(t *testing.T) {
	repo, courses, directory, advancer, attendance, pruner := newSessionFixture()
	svc := newSessionService(repo, courses, directory, advancer, attendance, pruner, config.SchedulingConfig{})
	start := time.Now().UTC().Add(24 * time.Hour)

	tests := []struct {
		name   string
		mutate func(*CreateSessionRequest)
		target *appErrors.Error
	}{
		{
			name:   "duration below minimum",
			mutate: func(r *CreateSessionRequest) { r.DurationMinutes = 15 },
			target: appErrors.ErrValidation,
		},
		{
			name:   "duration above maximum",
			mutate: func(r *CreateSessionRequest) { r.DurationMinutes = 240 },
			target: appErrors.ErrValidation,
		},
		{
			name: "virtual without meeting link",
			mutate: func(r *CreateSessionRequest) {
				r.MeetingLink = nil
				r.Location = nil
			},
			target: appErrors.ErrValidation,
		},
		{
			name: "virtual with bogus meeting link",
			mutate: func(r *CreateSessionRequest) {
				r.MeetingLink = strPtr("not-a-url")
			},
			target: appErrors.ErrValidation,
		},
		{
			name: "in-person without location",
			mutate: func(r *CreateSessionRequest) {
				r.Modality = "IN_PERSON"
				r.MeetingLink = nil
				r.Location = nil
			},
			target: appErrors.ErrValidation,
		},
		{
			name: "in-person with meeting link",
			mutate: func(r *CreateSessionRequest) {
				r.Modality = "IN_PERSON"
				r.Location = strPtr("Room 4")
			},
			target: appErrors.ErrValidation,
		},
		{
			name:   "start in the past",
			mutate: func(r *CreateSessionRequest) { r.ScheduledStart = time.Now().UTC().Add(-time.Hour) },
			target: appErrors.ErrValidation,
		},
		{
			name:   "unknown course",
			mutate: func(r *CreateSessionRequest) { r.CourseID = "missing" },
			target: appErrors.ErrNotFound,
		},
		{
			name:   "unknown instructor",
			mutate: func(r *CreateSessionRequest) { r.InstructorID = "ghost" },
			target: appErrors.ErrNotFound,
		},
		{
			name:   "participant is not a student",
			mutate: func(r *CreateSessionRequest) { r.ParticipantIDs = []string{"s1", "ghost"} },
			target: appErrors.ErrValidation,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := validCreateRequest(start)
			tc.mutate(&req)
			_, err := svc.Create(context.Background(), req)
			require.Error(t, err)
			assert.True(t, appErrors.Is(err, tc.target), "got %v", err)
			assert.Empty(t, repo.items)
		})
	}
}

func TestSessionServiceCreateInstructorMismatch(t *testing.T) {
	repo, courses, directory, advancer, attendance, pruner := newSessionFixture()
	directory.instructors["i2"] = true
	svc := newSessionService(repo, courses, directory, advancer, attendance, pruner, config.SchedulingConfig{})

	req := validCreateRequest(time.Now().UTC().Add(24 * time.Hour))
	req.InstructorID = "i2"
	_, err := svc.Create(context.Background(), req)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestSessionServiceCreateClosedCourse(t *testing.T) {
	repo, courses, directory, advancer, attendance, pruner := newSessionFixture()
	courses.courses["c1"].Status = models.CourseStatusCompleted
	svc := newSessionService(repo, courses, directory, advancer, attendance, pruner, config.SchedulingConfig{})

	_, err := svc.Create(context.Background(), validCreateRequest(time.Now().UTC().Add(24*time.Hour)))
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidState))
}

func TestSessionServiceReschedule(t *testing.T) {
	repo, courses, directory, advancer, attendance, pruner := newSessionFixture()
	start := time.Now().UTC().Add(24 * time.Hour)
	repo.items["sess1"] = &models.Session{
		ID: "sess1", CourseID: "c1", InstructorID: "i1", Title: "Weekly session",
		ScheduledStart: start, DurationMinutes: 60, Modality: models.ModalityVirtual,
		MeetingLink: strPtr("https://meet.example.com/abc"), State: models.SessionStateScheduled,
	}
	svc := newSessionService(repo, courses, directory, advancer, attendance, pruner, config.SchedulingConfig{})

	newStart := start.Add(2 * time.Hour)
	updated, err := svc.Reschedule(context.Background(), "sess1", RescheduleSessionRequest{ScheduledStart: &newStart})
	require.NoError(t, err)
	assert.True(t, updated.ScheduledStart.Equal(newStart))
}

func TestSessionServiceRescheduleTerminalState(t *testing.T) {
	repo, courses, directory, advancer, attendance, pruner := newSessionFixture()
	repo.items["sess1"] = &models.Session{
		ID: "sess1", CourseID: "c1", InstructorID: "i1", State: models.SessionStateCompleted,
	}
	svc := newSessionService(repo, courses, directory, advancer, attendance, pruner, config.SchedulingConfig{})

	newStart := time.Now().UTC().Add(48 * time.Hour)
	_, err := svc.Reschedule(context.Background(), "sess1", RescheduleSessionRequest{ScheduledStart: &newStart})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidState))
}

func TestSessionServiceCompletePropagatesProgress(t *testing.T) {
	repo, courses, directory, advancer, attendance, pruner := newSessionFixture()
	repo.items["sess1"] = &models.Session{
		ID: "sess1", CourseID: "c1", InstructorID: "i1",
		ScheduledStart: time.Now().UTC().Add(-2 * time.Hour), DurationMinutes: 120,
		State: models.SessionStateInProgress, ParticipantIDs: []string{"s1", "s2", "s3"},
	}
	attendance.records = []models.AttendanceRecord{
		{SessionID: "sess1", StudentID: "s1", Present: true},
		{SessionID: "sess1", StudentID: "s2", Present: false},
		{SessionID: "sess1", StudentID: "s3", Present: true},
	}
	svc := newSessionService(repo, courses, directory, advancer, attendance, pruner, config.SchedulingConfig{})

	session, err := svc.Complete(context.Background(), "sess1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateCompleted, session.State)

	// only present students receive hours, 120 minutes -> 2.0 hours each
	require.Len(t, advancer.calls, 2)
	assert.Equal(t, advanceCall{studentID: "s1", courseID: "c1", hours: 2}, advancer.calls[0])
	assert.Equal(t, advanceCall{studentID: "s3", courseID: "c1", hours: 2}, advancer.calls[1])
	assert.Equal(t, []string{"sess1"}, pruner.pruned)
}

func TestSessionServiceCompleteSkipsUnconfirmedEnrollment(t *testing.T) {
	repo, courses, directory, advancer, attendance, pruner := newSessionFixture()
	repo.items["sess1"] = &models.Session{
		ID: "sess1", CourseID: "c1", InstructorID: "i1",
		DurationMinutes: 60, State: models.SessionStateInProgress,
	}
	attendance.records = []models.AttendanceRecord{
		{SessionID: "sess1", StudentID: "s1", Present: true},
		{SessionID: "sess1", StudentID: "s2", Present: true},
	}
	advancer.notFound = map[string]bool{"s1": true}
	svc := newSessionService(repo, courses, directory, advancer, attendance, pruner, config.SchedulingConfig{})

	_, err := svc.Complete(context.Background(), "sess1")
	require.NoError(t, err)
	require.Len(t, advancer.calls, 1)
	assert.Equal(t, "s2", advancer.calls[0].studentID)
}

func TestSessionServiceCompleteTwice(t *testing.T) {
	repo, courses, directory, advancer, attendance, pruner := newSessionFixture()
	repo.items["sess1"] = &models.Session{
		ID: "sess1", CourseID: "c1", InstructorID: "i1",
		DurationMinutes: 60, State: models.SessionStateCompleted,
	}
	repo.completeErr = sql.ErrNoRows
	attendance.records = []models.AttendanceRecord{
		{SessionID: "sess1", StudentID: "s1", Present: true},
	}
	svc := newSessionService(repo, courses, directory, advancer, attendance, pruner, config.SchedulingConfig{})

	_, err := svc.Complete(context.Background(), "sess1")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidState))
	// the guarded transition failed, so nothing propagated
	assert.Empty(t, advancer.calls)
}

func TestSessionServiceCancel(t *testing.T) {
	repo, courses, directory, advancer, attendance, pruner := newSessionFixture()
	repo.items["sess1"] = &models.Session{
		ID: "sess1", CourseID: "c1", InstructorID: "i1", State: models.SessionStateScheduled,
	}
	svc := newSessionService(repo, courses, directory, advancer, attendance, pruner, config.SchedulingConfig{})

	session, err := svc.Cancel(context.Background(), "sess1", CancelSessionRequest{Reason: "instructor out sick today"})
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateCancelled, session.State)
	assert.Equal(t, []string{"sess1"}, pruner.pruned)
}

func TestSessionServiceCancelReasonTooShort(t *testing.T) {
	repo, courses, directory, advancer, attendance, pruner := newSessionFixture()
	repo.items["sess1"] = &models.Session{ID: "sess1", State: models.SessionStateScheduled}
	svc := newSessionService(repo, courses, directory, advancer, attendance, pruner, config.SchedulingConfig{})

	_, err := svc.Cancel(context.Background(), "sess1", CancelSessionRequest{Reason: "sick"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestSessionServiceCancelTwice(t *testing.T) {
	repo, courses, directory, advancer, attendance, pruner := newSessionFixture()
	repo.items["sess1"] = &models.Session{ID: "sess1", State: models.SessionStateCancelled}
	repo.cancelErr = sql.ErrNoRows
	svc := newSessionService(repo, courses, directory, advancer, attendance, pruner, config.SchedulingConfig{})

	_, err := svc.Cancel(context.Background(), "sess1", CancelSessionRequest{Reason: "cancelling a second time"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidState))
}

func TestSessionServiceCancelMissing(t *testing.T) {
	repo, courses, directory, advancer, attendance, pruner := newSessionFixture()
	repo.cancelErr = sql.ErrNoRows
	svc := newSessionService(repo, courses, directory, advancer, attendance, pruner, config.SchedulingConfig{})

	_, err := svc.Cancel(context.Background(), "missing", CancelSessionRequest{Reason: "does not exist anyway"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestSessionServiceGetMissing(t *testing.T) {
	repo, courses, directory, advancer, attendance, pruner := newSessionFixture()
	svc := newSessionService(repo, courses, directory, advancer, attendance, pruner, config.SchedulingConfig{})

	_, err := svc.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}
