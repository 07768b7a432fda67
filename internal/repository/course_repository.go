package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/tutoring-core-api/internal/models"
)

// CourseRepository reads course catalog metadata and the roster mirror. The
// catalog itself is owned by an external system; only the roster column set is
// written here, and only through the enrollment transaction.
type CourseRepository struct {
	db *sqlx.DB
}

// NewCourseRepository constructs the repository.
func NewCourseRepository(db *sqlx.DB) *CourseRepository {
	return &CourseRepository{db: db}
}

// FindByID returns a course by its ID, without the roster.
func (r *CourseRepository) FindByID(ctx context.Context, id string) (*models.Course, error) {
	const query = `SELECT id, title, instructor_id, total_required_hours, status, created_at, updated_at
FROM courses WHERE id = $1`
	var course models.Course
	if err := r.db.GetContext(ctx, &course, query, id); err != nil {
		return nil, err
	}
	return &course, nil
}

// Roster returns the mirrored set of confirmed student IDs for a course.
func (r *CourseRepository) Roster(ctx context.Context, courseID string) ([]string, error) {
	const query = `SELECT student_id FROM course_roster WHERE course_id = $1 ORDER BY student_id`
	var roster []string
	if err := r.db.SelectContext(ctx, &roster, query, courseID); err != nil {
		return nil, fmt.Errorf("load course roster: %w", err)
	}
	return roster, nil
}
