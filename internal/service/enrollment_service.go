package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/tutoring-core-api/internal/models"
	"github.com/noah-isme/tutoring-core-api/pkg/config"
	appErrors "github.com/noah-isme/tutoring-core-api/pkg/errors"
)

type enrollmentRepository interface {
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	FindByStudentAndCourse(ctx context.Context, studentID, courseID string) (*models.Enrollment, error)
	ExistsOpen(ctx context.Context, studentID, courseID string) (bool, error)
	Create(ctx context.Context, enrollment *models.Enrollment) error
	Confirm(ctx context.Context, id string) error
	Cancel(ctx context.Context, id, reason string, at time.Time) error
	AdvanceProgress(ctx context.Context, studentID, courseID string, hoursToAdd float64) (*models.Enrollment, error)
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, int, error)
}

// EnrollRequest describes enrollment creation payload.
type EnrollRequest struct {
	StudentID string `json:"student_id" validate:"required"`
	CourseID  string `json:"course_id" validate:"required"`
}

// CancelEnrollmentRequest carries the cancellation reason.
type CancelEnrollmentRequest struct {
	Reason string `json:"reason" validate:"required,min=3,max=300"`
}

// EnrollmentService owns the student-course relationship lifecycle and the
// course roster mirror.
type EnrollmentService struct {
	repo      enrollmentRepository
	courses   courseReader
	directory directoryReader
	cache     cacheStore
	cacheCfg  config.CacheConfig
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
}

// NewEnrollmentService constructs EnrollmentService.
func NewEnrollmentService(
	repo enrollmentRepository,
	courses courseReader,
	directory directoryReader,
	cache cacheStore,
	cacheCfg config.CacheConfig,
	metrics *MetricsService,
	validate *validator.Validate,
	logger *zap.Logger,
) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnrollmentService{
		repo:      repo,
		courses:   courses,
		directory: directory,
		cache:     cache,
		cacheCfg:  cacheCfg,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
	}
}

// Enroll registers a student to a course in pending state.
func (s *EnrollmentService) Enroll(ctx context.Context, req EnrollRequest) (*models.Enrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}

	isStudent, err := s.directory.IsStudent(ctx, req.StudentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to resolve student")
	}
	if !isStudent {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
	}

	course, err := s.courses.FindByID(ctx, req.CourseID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to load course")
	}
	if !course.Status.Bookable() {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "course is not open for enrollment")
	}

	exists, err := s.repo.ExistsOpen(ctx, req.StudentID, req.CourseID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to validate enrollment")
	}
	if exists {
		return nil, appErrors.Clone(appErrors.ErrDuplicate, "student already enrolled in this course")
	}

	enrollment := &models.Enrollment{
		StudentID:  req.StudentID,
		CourseID:   req.CourseID,
		Status:     models.EnrollmentStatusPending,
		EnrolledAt: time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, enrollment); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to create enrollment")
	}
	return enrollment, nil
}

// Confirm flips a pending enrollment to confirmed and mirrors the student into
// the course roster in one transaction.
func (s *EnrollmentService) Confirm(ctx context.Context, id string) (*models.Enrollment, error) {
	enrollment, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if enrollment.Status != models.EnrollmentStatusPending {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "only pending enrollments can be confirmed")
	}

	if err := s.repo.Confirm(ctx, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrInvalidState, "only pending enrollments can be confirmed")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to confirm enrollment")
	}

	s.invalidateCourseCache(ctx, enrollment.CourseID)
	s.metrics.IncEnrollmentConfirmed()
	return s.Get(ctx, id)
}

// Cancel terminates a non-cancelled enrollment and removes the student from
// the roster in the same transaction. Terminal; re-cancel fails.
func (s *EnrollmentService) Cancel(ctx context.Context, id string, req CancelEnrollmentRequest) (*models.Enrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid cancellation payload")
	}

	enrollment, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if enrollment.Status == models.EnrollmentStatusCancelled {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "enrollment already cancelled")
	}

	if err := s.repo.Cancel(ctx, id, req.Reason, time.Now().UTC()); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrInvalidState, "enrollment already cancelled")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to cancel enrollment")
	}

	s.invalidateCourseCache(ctx, enrollment.CourseID)
	return s.Get(ctx, id)
}

// AdvanceProgress adds attended hours to a confirmed enrollment. Only the
// attendance ledger calls this; progress is capped at 100 percent and never
// decreases.
func (s *EnrollmentService) AdvanceProgress(ctx context.Context, studentID, courseID string, hoursToAdd float64) (*models.Enrollment, error) {
	if hoursToAdd <= 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "hours to add must be positive")
	}

	enrollment, err := s.repo.AdvanceProgress(ctx, studentID, courseID, hoursToAdd)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "no confirmed enrollment for student and course")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to advance progress")
	}

	s.logger.Sugar().Infow("progress advanced",
		"enrollment_id", enrollment.ID, "student_id", studentID, "course_id", courseID,
		"hours_completed", enrollment.HoursCompleted, "percentage", enrollment.Percentage)
	return enrollment, nil
}

// Get returns an enrollment by ID.
func (s *EnrollmentService) Get(ctx context.Context, id string) (*models.Enrollment, error) {
	enrollment, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to load enrollment")
	}
	return enrollment, nil
}

// GetByStudentAndCourse returns the enrollment for a (student, course) pair.
func (s *EnrollmentService) GetByStudentAndCourse(ctx context.Context, studentID, courseID string) (*models.Enrollment, error) {
	enrollment, err := s.repo.FindByStudentAndCourse(ctx, studentID, courseID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to load enrollment")
	}
	return enrollment, nil
}

// List returns enrollments with pagination metadata.
func (s *EnrollmentService) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, *models.Pagination, error) {
	enrollments, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to list enrollments")
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
	return enrollments, pagination, nil
}

func (s *EnrollmentService) invalidateCourseCache(ctx context.Context, courseID string) {
	if s.cache == nil {
		return
	}
	s.cache.Delete(ctx, courseCacheKey(courseID))
}
