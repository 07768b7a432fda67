package service

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/tutoring-core-api/internal/models"
	"github.com/noah-isme/tutoring-core-api/pkg/config"
	appErrors "github.com/noah-isme/tutoring-core-api/pkg/errors"
)

type courseRepository interface {
	FindByID(ctx context.Context, id string) (*models.Course, error)
	Roster(ctx context.Context, courseID string) ([]string, error)
}

// cacheStore is the slice of the redis cache repository the services use.
type cacheStore interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string)
}

func courseCacheKey(courseID string) string {
	return "course:" + courseID
}

// CourseService exposes the read-only course catalog dependency, with a
// cache-aside layer over the repository. Roster writers invalidate the cache
// key on confirm and cancel.
type CourseService struct {
	repo   courseRepository
	cache  cacheStore
	cfg    config.CacheConfig
	logger *zap.Logger
}

// NewCourseService constructs CourseService.
func NewCourseService(repo courseRepository, cache cacheStore, cfg config.CacheConfig, logger *zap.Logger) *CourseService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CourseService{repo: repo, cache: cache, cfg: cfg, logger: logger}
}

// FindByID returns a course with its roster mirror, serving repeated lookups
// from cache. sql.ErrNoRows passes through so callers keep their not-found
// mapping.
func (s *CourseService) FindByID(ctx context.Context, id string) (*models.Course, error) {
	if s.cacheEnabled() {
		var cached models.Course
		if err := s.cache.Get(ctx, courseCacheKey(id), &cached); err == nil {
			return &cached, nil
		} else if !appErrors.Is(err, appErrors.ErrCacheMiss) {
			s.logger.Sugar().Warnw("course cache read failed", "course_id", id, "error", err)
		}
	}

	course, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	roster, err := s.repo.Roster(ctx, id)
	if err != nil {
		return nil, err
	}
	course.Roster = roster

	if s.cacheEnabled() {
		if err := s.cache.Set(ctx, courseCacheKey(id), course, s.cfg.CourseTTL); err != nil {
			s.logger.Sugar().Warnw("course cache write failed", "course_id", id, "error", err)
		}
	}
	return course, nil
}

// Get returns a course by ID with typed errors for the transport layer.
func (s *CourseService) Get(ctx context.Context, id string) (*models.Course, error) {
	course, err := s.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to load course")
	}
	return course, nil
}

func (s *CourseService) cacheEnabled() bool {
	return s.cache != nil && s.cfg.Enabled
}
