package service

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/tutoring-core-api/internal/models"
	"github.com/noah-isme/tutoring-core-api/pkg/config"
	appErrors "github.com/noah-isme/tutoring-core-api/pkg/errors"
)

type mockEnrollmentRepo struct {
	items      map[string]*models.Enrollment
	totalHours float64
	roster     map[string]map[string]bool
	confirmErr error
	cancelErr  error
}

func newMockEnrollmentRepo(totalHours float64) *mockEnrollmentRepo {
	return &mockEnrollmentRepo{
		items:      make(map[string]*models.Enrollment),
		totalHours: totalHours,
		roster:     make(map[string]map[string]bool),
	}
}

func (m *mockEnrollmentRepo) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	if enrollment, ok := m.items[id]; ok {
		cp := *enrollment
		return &cp, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockEnrollmentRepo) FindByStudentAndCourse(ctx context.Context, studentID, courseID string) (*models.Enrollment, error) {
	for _, enrollment := range m.items {
		if enrollment.StudentID == studentID && enrollment.CourseID == courseID {
			cp := *enrollment
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockEnrollmentRepo) ExistsOpen(ctx context.Context, studentID, courseID string) (bool, error) {
	for _, enrollment := range m.items {
		if enrollment.StudentID == studentID && enrollment.CourseID == courseID &&
			enrollment.Status != models.EnrollmentStatusCancelled {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockEnrollmentRepo) Create(ctx context.Context, enrollment *models.Enrollment) error {
	if enrollment.ID == "" {
		enrollment.ID = fmt.Sprintf("e%d", len(m.items)+1)
	}
	cp := *enrollment
	m.items[enrollment.ID] = &cp
	return nil
}

func (m *mockEnrollmentRepo) Confirm(ctx context.Context, id string) error {
	if m.confirmErr != nil {
		return m.confirmErr
	}
	enrollment, ok := m.items[id]
	if !ok || enrollment.Status != models.EnrollmentStatusPending {
		return sql.ErrNoRows
	}
	enrollment.Status = models.EnrollmentStatusConfirmed
	if m.roster[enrollment.CourseID] == nil {
		m.roster[enrollment.CourseID] = make(map[string]bool)
	}
	m.roster[enrollment.CourseID][enrollment.StudentID] = true
	return nil
}

func (m *mockEnrollmentRepo) Cancel(ctx context.Context, id, reason string, at time.Time) error {
	if m.cancelErr != nil {
		return m.cancelErr
	}
	enrollment, ok := m.items[id]
	if !ok || enrollment.Status == models.EnrollmentStatusCancelled {
		return sql.ErrNoRows
	}
	enrollment.Status = models.EnrollmentStatusCancelled
	enrollment.CancellationReason = &reason
	enrollment.CancelledAt = &at
	delete(m.roster[enrollment.CourseID], enrollment.StudentID)
	return nil
}

func (m *mockEnrollmentRepo) AdvanceProgress(ctx context.Context, studentID, courseID string, hoursToAdd float64) (*models.Enrollment, error) {
	for _, enrollment := range m.items {
		if enrollment.StudentID != studentID || enrollment.CourseID != courseID ||
			enrollment.Status != models.EnrollmentStatusConfirmed {
			continue
		}
		enrollment.HoursCompleted += hoursToAdd
		pct := enrollment.HoursCompleted / m.totalHours * 100
		enrollment.Percentage = math.Min(math.Round(pct*100)/100, 100)
		cp := *enrollment
		return &cp, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockEnrollmentRepo) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, int, error) {
	var out []models.Enrollment
	for _, enrollment := range m.items {
		out = append(out, *enrollment)
	}
	return out, len(out), nil
}

func newEnrollmentService(repo *mockEnrollmentRepo) (*EnrollmentService, *mockCourseReader, *mockDirectory) {
	courses := &mockCourseReader{courses: map[string]*models.Course{
		"c1": {ID: "c1", Title: "Algebra", InstructorID: "i1", TotalRequiredHours: 40, Status: models.CourseStatusActive},
	}}
	directory := &mockDirectory{
		instructors: map[string]bool{"i1": true},
		students:    map[string]bool{"s1": true, "s2": true},
	}
	svc := NewEnrollmentService(repo, courses, directory, nil, config.CacheConfig{}, nil, nil, nil)
	return svc, courses, directory
}

func TestEnrollmentServiceEnroll(t *testing.T) {
	repo := newMockEnrollmentRepo(40)
	svc, _, _ := newEnrollmentService(repo)

	enrollment, err := svc.Enroll(context.Background(), EnrollRequest{StudentID: "s1", CourseID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusPending, enrollment.Status)
	assert.Zero(t, enrollment.HoursCompleted)
}

func TestEnrollmentServiceEnrollUnknownStudent(t *testing.T) {
	repo := newMockEnrollmentRepo(40)
	svc, _, _ := newEnrollmentService(repo)

	_, err := svc.Enroll(context.Background(), EnrollRequest{StudentID: "ghost", CourseID: "c1"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestEnrollmentServiceEnrollClosedCourse(t *testing.T) {
	repo := newMockEnrollmentRepo(40)
	svc, courses, _ := newEnrollmentService(repo)
	courses.courses["c1"].Status = models.CourseStatusCancelled

	_, err := svc.Enroll(context.Background(), EnrollRequest{StudentID: "s1", CourseID: "c1"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidState))
}

func TestEnrollmentServiceEnrollDuplicate(t *testing.T) {
	repo := newMockEnrollmentRepo(40)
	svc, _, _ := newEnrollmentService(repo)

	_, err := svc.Enroll(context.Background(), EnrollRequest{StudentID: "s1", CourseID: "c1"})
	require.NoError(t, err)
	_, err = svc.Enroll(context.Background(), EnrollRequest{StudentID: "s1", CourseID: "c1"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrDuplicate))
}

func TestEnrollmentServiceEnrollAgainAfterCancellation(t *testing.T) {
	repo := newMockEnrollmentRepo(40)
	svc, _, _ := newEnrollmentService(repo)

	first, err := svc.Enroll(context.Background(), EnrollRequest{StudentID: "s1", CourseID: "c1"})
	require.NoError(t, err)
	_, err = svc.Cancel(context.Background(), first.ID, CancelEnrollmentRequest{Reason: "changed plans"})
	require.NoError(t, err)

	_, err = svc.Enroll(context.Background(), EnrollRequest{StudentID: "s1", CourseID: "c1"})
	require.NoError(t, err)
}

func TestEnrollmentServiceConfirmMirrorsRoster(t *testing.T) {
	repo := newMockEnrollmentRepo(40)
	svc, _, _ := newEnrollmentService(repo)

	pending, err := svc.Enroll(context.Background(), EnrollRequest{StudentID: "s1", CourseID: "c1"})
	require.NoError(t, err)

	confirmed, err := svc.Confirm(context.Background(), pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusConfirmed, confirmed.Status)
	assert.True(t, repo.roster["c1"]["s1"])
}

func TestEnrollmentServiceConfirmNotPending(t *testing.T) {
	repo := newMockEnrollmentRepo(40)
	repo.items["e1"] = &models.Enrollment{ID: "e1", StudentID: "s1", CourseID: "c1", Status: models.EnrollmentStatusConfirmed}
	svc, _, _ := newEnrollmentService(repo)

	_, err := svc.Confirm(context.Background(), "e1")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidState))
}

func TestEnrollmentServiceCancelRemovesFromRoster(t *testing.T) {
	repo := newMockEnrollmentRepo(40)
	svc, _, _ := newEnrollmentService(repo)

	pending, err := svc.Enroll(context.Background(), EnrollRequest{StudentID: "s1", CourseID: "c1"})
	require.NoError(t, err)
	_, err = svc.Confirm(context.Background(), pending.ID)
	require.NoError(t, err)
	require.True(t, repo.roster["c1"]["s1"])

	cancelled, err := svc.Cancel(context.Background(), pending.ID, CancelEnrollmentRequest{Reason: "schedule clash"})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusCancelled, cancelled.Status)
	assert.False(t, repo.roster["c1"]["s1"])
}

func TestEnrollmentServiceCancelTwice(t *testing.T) {
	repo := newMockEnrollmentRepo(40)
	svc, _, _ := newEnrollmentService(repo)

	pending, err := svc.Enroll(context.Background(), EnrollRequest{StudentID: "s1", CourseID: "c1"})
	require.NoError(t, err)
	_, err = svc.Cancel(context.Background(), pending.ID, CancelEnrollmentRequest{Reason: "changed plans"})
	require.NoError(t, err)

	_, err = svc.Cancel(context.Background(), pending.ID, CancelEnrollmentRequest{Reason: "cancelling again"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidState))
}

func TestEnrollmentServiceCancelReasonRequired(t *testing.T) {
	repo := newMockEnrollmentRepo(40)
	repo.items["e1"] = &models.Enrollment{ID: "e1", StudentID: "s1", CourseID: "c1", Status: models.EnrollmentStatusConfirmed}
	svc, _, _ := newEnrollmentService(repo)

	_, err := svc.Cancel(context.Background(), "e1", CancelEnrollmentRequest{})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestEnrollmentServiceAdvanceProgressAccumulates(t *testing.T) {
	repo := newMockEnrollmentRepo(40)
	repo.items["e1"] = &models.Enrollment{ID: "e1", StudentID: "s1", CourseID: "c1", Status: models.EnrollmentStatusConfirmed}
	svc, _, _ := newEnrollmentService(repo)

	// three two-hour sessions against a 40 hour course
	for i := 0; i < 3; i++ {
		_, err := svc.AdvanceProgress(context.Background(), "s1", "c1", 2)
		require.NoError(t, err)
	}

	enrollment, err := svc.Get(context.Background(), "e1")
	require.NoError(t, err)
	assert.InDelta(t, 6, enrollment.HoursCompleted, 1e-9)
	assert.InDelta(t, 15, enrollment.Percentage, 1e-9)
}

func TestEnrollmentServiceAdvanceProgressCapsAtHundred(t *testing.T) {
	repo := newMockEnrollmentRepo(10)
	repo.items["e1"] = &models.Enrollment{ID: "e1", StudentID: "s1", CourseID: "c1", Status: models.EnrollmentStatusConfirmed}
	svc, _, _ := newEnrollmentService(repo)

	_, err := svc.AdvanceProgress(context.Background(), "s1", "c1", 25)
	require.NoError(t, err)

	enrollment, err := svc.Get(context.Background(), "e1")
	require.NoError(t, err)
	assert.InDelta(t, 100, enrollment.Percentage, 1e-9)
}

func TestEnrollmentServiceAdvanceProgressRejectsNonPositiveHours(t *testing.T) {
	repo := newMockEnrollmentRepo(40)
	svc, _, _ := newEnrollmentService(repo)

	_, err := svc.AdvanceProgress(context.Background(), "s1", "c1", 0)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestEnrollmentServiceAdvanceProgressRequiresConfirmed(t *testing.T) {
	repo := newMockEnrollmentRepo(40)
	repo.items["e1"] = &models.Enrollment{ID: "e1", StudentID: "s1", CourseID: "c1", Status: models.EnrollmentStatusPending}
	svc, _, _ := newEnrollmentService(repo)

	_, err := svc.AdvanceProgress(context.Background(), "s1", "c1", 2)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}
