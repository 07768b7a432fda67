package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/tutoring-core-api/internal/models"
)

// EnrollmentRepository handles persistence of enrollments and keeps the course
// roster mirror in step with enrollment state.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

const enrollmentColumns = `id, student_id, course_id, status, enrolled_at, hours_completed, percentage,
cancellation_reason, cancelled_at, created_at, updated_at`

// FindByID returns an enrollment by its ID.
func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	const query = `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE id = $1`
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// FindByStudentAndCourse returns the enrollment for a (student, course) pair.
func (r *EnrollmentRepository) FindByStudentAndCourse(ctx context.Context, studentID, courseID string) (*models.Enrollment, error) {
	const query = `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE student_id = $1 AND course_id = $2`
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, studentID, courseID); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// ExistsOpen reports whether a pending or confirmed enrollment exists for the pair.
func (r *EnrollmentRepository) ExistsOpen(ctx context.Context, studentID, courseID string) (bool, error) {
	const query = `SELECT EXISTS (
SELECT 1 FROM enrollments WHERE student_id = $1 AND course_id = $2 AND status IN ('PENDING', 'CONFIRMED'))`
	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, studentID, courseID); err != nil {
		return false, fmt.Errorf("check open enrollment: %w", err)
	}
	return exists, nil
}

// Create inserts a new pending enrollment.
func (r *EnrollmentRepository) Create(ctx context.Context, enrollment *models.Enrollment) error {
	now := time.Now().UTC()
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	enrollment.CreatedAt = now
	enrollment.UpdatedAt = now

	const query = `INSERT INTO enrollments (id, student_id, course_id, status, enrolled_at, hours_completed, percentage, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	if _, err := r.db.ExecContext(ctx, query,
		enrollment.ID, enrollment.StudentID, enrollment.CourseID, enrollment.Status,
		enrollment.EnrolledAt, enrollment.HoursCompleted, enrollment.Percentage,
		enrollment.CreatedAt, enrollment.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert enrollment: %w", err)
	}
	return nil
}

// Confirm flips a pending enrollment to confirmed and adds the student to the
// course roster in the same transaction. Returns sql.ErrNoRows when the
// enrollment is not pending.
func (r *EnrollmentRepository) Confirm(ctx context.Context, id string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin confirm enrollment: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	var studentID, courseID string
	const flip = `UPDATE enrollments SET status = 'CONFIRMED', updated_at = $2
WHERE id = $1 AND status = 'PENDING'
RETURNING student_id, course_id`
	if err := tx.QueryRowxContext(ctx, flip, id, time.Now().UTC()).Scan(&studentID, &courseID); err != nil {
		if err == sql.ErrNoRows {
			return sql.ErrNoRows
		}
		return fmt.Errorf("confirm enrollment: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO course_roster (course_id, student_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		courseID, studentID,
	); err != nil {
		return fmt.Errorf("add roster entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit confirm enrollment: %w", err)
	}
	committed = true
	return nil
}

// Cancel moves a non-cancelled enrollment to its terminal cancelled state and
// removes the student from the roster in the same transaction. Returns
// sql.ErrNoRows when already cancelled.
func (r *EnrollmentRepository) Cancel(ctx context.Context, id, reason string, at time.Time) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cancel enrollment: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	var studentID, courseID string
	const flip = `UPDATE enrollments SET status = 'CANCELLED', cancellation_reason = $2, cancelled_at = $3, updated_at = $3
WHERE id = $1 AND status IN ('PENDING', 'CONFIRMED')
RETURNING student_id, course_id`
	if err := tx.QueryRowxContext(ctx, flip, id, reason, at).Scan(&studentID, &courseID); err != nil {
		if err == sql.ErrNoRows {
			return sql.ErrNoRows
		}
		return fmt.Errorf("cancel enrollment: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM course_roster WHERE course_id = $1 AND student_id = $2`,
		courseID, studentID,
	); err != nil {
		return fmt.Errorf("remove roster entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cancel enrollment: %w", err)
	}
	committed = true
	return nil
}

// AdvanceProgress adds hours to a confirmed enrollment and recomputes the
// completion percentage against the course requirement, capped at 100. The
// single UPDATE keeps hours monotonically non-decreasing under concurrency.
// Returns sql.ErrNoRows when no confirmed enrollment exists for the pair.
func (r *EnrollmentRepository) AdvanceProgress(ctx context.Context, studentID, courseID string, hoursToAdd float64) (*models.Enrollment, error) {
	const query = `UPDATE enrollments e
SET hours_completed = e.hours_completed + $3,
    percentage = LEAST(ROUND(((e.hours_completed + $3) / NULLIF(c.total_required_hours, 0) * 100)::numeric, 2), 100),
    updated_at = $4
FROM courses c
WHERE c.id = e.course_id AND e.student_id = $1 AND e.course_id = $2 AND e.status = 'CONFIRMED'
RETURNING e.id, e.student_id, e.course_id, e.status, e.enrolled_at, e.hours_completed, e.percentage,
e.cancellation_reason, e.cancelled_at, e.created_at, e.updated_at`
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, studentID, courseID, hoursToAdd, time.Now().UTC()); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// List returns enrollments filtered by the provided criteria.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, int, error) {
	base := `FROM enrollments e`
	var conditions []string
	var args []interface{}

	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("e.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.CourseID != "" {
		conditions = append(conditions, fmt.Sprintf("e.course_id = $%d", len(args)+1))
		args = append(args, filter.CourseID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("e.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"enrolled_at":     "e.enrolled_at",
		"hours_completed": "e.hours_completed",
		"status":          "e.status",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "e.enrolled_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT e.id, e.student_id, e.course_id, e.status, e.enrolled_at, e.hours_completed, e.percentage,
e.cancellation_reason, e.cancelled_at, e.created_at, e.updated_at
%s ORDER BY %s %s LIMIT %d OFFSET %d`, base+clause, orderBy, order, size, offset)

	var enrollments []models.Enrollment
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}
	return enrollments, total, nil
}
