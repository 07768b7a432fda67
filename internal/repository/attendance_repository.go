package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/tutoring-core-api/internal/models"
)

// AttendanceRepository handles persistence of per-session attendance records.
type AttendanceRepository struct {
	db *sqlx.DB
}

// NewAttendanceRepository constructs the repository.
func NewAttendanceRepository(db *sqlx.DB) *AttendanceRepository {
	return &AttendanceRepository{db: db}
}

const attendanceUpsert = `INSERT INTO attendance_records (session_id, student_id, present, minutes_late, comment, recorded_by, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (session_id, student_id) DO UPDATE SET
present = EXCLUDED.present,
minutes_late = EXCLUDED.minutes_late,
comment = EXCLUDED.comment,
recorded_by = EXCLUDED.recorded_by,
recorded_at = EXCLUDED.recorded_at`

// Upsert writes the attendance record for (session, student), overwriting any
// previous record for the pair.
func (r *AttendanceRepository) Upsert(ctx context.Context, record *models.AttendanceRecord) error {
	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now().UTC()
	}
	if _, err := r.db.ExecContext(ctx, attendanceUpsert,
		record.SessionID, record.StudentID, record.Present, record.MinutesLate,
		record.Comment, record.RecordedBy, record.RecordedAt,
	); err != nil {
		return fmt.Errorf("upsert attendance record: %w", err)
	}
	return nil
}

// BulkUpsert writes all records in one transaction; any failure rolls the
// whole batch back.
func (r *AttendanceRepository) BulkUpsert(ctx context.Context, records []models.AttendanceRecord) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bulk attendance: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	for i := range records {
		rec := &records[i]
		if rec.RecordedAt.IsZero() {
			rec.RecordedAt = now
		}
		if _, err := tx.ExecContext(ctx, attendanceUpsert,
			rec.SessionID, rec.StudentID, rec.Present, rec.MinutesLate,
			rec.Comment, rec.RecordedBy, rec.RecordedAt,
		); err != nil {
			return fmt.Errorf("bulk upsert attendance for student %s: %w", rec.StudentID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bulk attendance: %w", err)
	}
	committed = true
	return nil
}

// ListBySession returns all attendance records for a session.
func (r *AttendanceRepository) ListBySession(ctx context.Context, sessionID string) ([]models.AttendanceRecord, error) {
	const query = `SELECT session_id, student_id, present, minutes_late, comment, recorded_by, recorded_at
FROM attendance_records WHERE session_id = $1 ORDER BY student_id`
	var records []models.AttendanceRecord
	if err := r.db.SelectContext(ctx, &records, query, sessionID); err != nil {
		return nil, fmt.Errorf("list attendance records: %w", err)
	}
	return records, nil
}

// Find returns the attendance record for (session, student), if any.
func (r *AttendanceRepository) Find(ctx context.Context, sessionID, studentID string) (*models.AttendanceRecord, error) {
	const query = `SELECT session_id, student_id, present, minutes_late, comment, recorded_by, recorded_at
FROM attendance_records WHERE session_id = $1 AND student_id = $2`
	var record models.AttendanceRecord
	if err := r.db.GetContext(ctx, &record, query, sessionID, studentID); err != nil {
		return nil, err
	}
	return &record, nil
}

// StatsForStudent aggregates presence over completed sessions the student was
// expected in, optionally scoped to one course.
func (r *AttendanceRepository) StatsForStudent(ctx context.Context, studentID, courseID string) (*models.AttendanceStats, error) {
	query := `SELECT
COUNT(*) AS total,
COUNT(*) FILTER (WHERE ar.present) AS attended
FROM sessions s
INNER JOIN session_participants sp ON sp.session_id = s.id AND sp.student_id = $1
LEFT JOIN attendance_records ar ON ar.session_id = s.id AND ar.student_id = $1
WHERE s.state = 'COMPLETED'`
	args := []interface{}{studentID}
	if courseID != "" {
		query += ` AND s.course_id = $2`
		args = append(args, courseID)
	}

	var row struct {
		Total    int `db:"total"`
		Attended int `db:"attended"`
	}
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		return nil, fmt.Errorf("aggregate attendance stats: %w", err)
	}

	stats := &models.AttendanceStats{
		StudentID:        studentID,
		CourseID:         courseID,
		TotalSessions:    row.Total,
		AttendedSessions: row.Attended,
	}
	if row.Total > 0 {
		stats.AttendanceRate = float64(row.Attended) / float64(row.Total) * 100
	}
	return stats, nil
}
