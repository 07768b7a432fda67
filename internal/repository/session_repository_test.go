package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/tutoring-core-api/internal/models"
	"github.com/noah-isme/tutoring-core-api/internal/overlap"
)

func newRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

var sessionRowColumns = []string{
	"id", "course_id", "instructor_id", "title", "scheduled_start", "duration_minutes",
	"modality", "location", "meeting_link", "state", "cancellation_reason", "cancelled_at",
	"completed_at", "created_at", "updated_at",
}

func TestSessionRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	start := time.Now().UTC().Add(24 * time.Hour)
	session := &models.Session{
		CourseID:        "c1",
		InstructorID:    "i1",
		Title:           "Weekly session",
		ScheduledStart:  start,
		DurationMinutes: 60,
		Modality:        models.ModalityVirtual,
		State:           models.SessionStateScheduled,
		ParticipantIDs:  []string{"s1", "s2"},
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM sessions\\s+WHERE instructor_id = \\$1 AND state IN \\('SCHEDULED', 'IN_PROGRESS'\\)\\s+FOR UPDATE").
		WithArgs("i1").
		WillReturnRows(sqlmock.NewRows(sessionRowColumns))
	mock.ExpectExec("INSERT INTO sessions").
		WithArgs(sqlmock.AnyArg(), "c1", "i1", "Weekly session", sqlmock.AnyArg(), 60,
			"VIRTUAL", nil, nil, "SCHEDULED", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("DELETE FROM session_participants").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO session_participants").
		WithArgs(sqlmock.AnyArg(), "s1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO session_participants").
		WithArgs(sqlmock.AnyArg(), "s2").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := repo.Create(context.Background(), session, overlap.Policy{})
	require.NoError(t, err)
	assert.NotEmpty(t, session.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryCreateConflictDetectedInTx(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	start := time.Now().UTC().Add(24 * time.Hour)
	session := &models.Session{
		CourseID:        "c1",
		InstructorID:    "i1",
		Title:           "Weekly session",
		ScheduledStart:  start,
		DurationMinutes: 60,
		Modality:        models.ModalityVirtual,
		State:           models.SessionStateScheduled,
	}

	// another active booking overlapping the proposed interval
	rows := sqlmock.NewRows(sessionRowColumns).
		AddRow("other", "c2", "i1", "Clashing session", start.Add(30*time.Minute), 60,
			"VIRTUAL", nil, nil, "SCHEDULED", nil, nil, nil, time.Now(), time.Now())
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM sessions\\s+WHERE instructor_id = \\$1 AND state IN \\('SCHEDULED', 'IN_PROGRESS'\\)\\s+FOR UPDATE").
		WithArgs("i1").
		WillReturnRows(rows)
	mock.ExpectRollback()

	err := repo.Create(context.Background(), session, overlap.Policy{})
	require.Error(t, err)
	var conflict *ErrSessionConflict
	require.True(t, errors.As(err, &conflict))
	assert.Len(t, conflict.Conflicts, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryCompleteGuarded(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	at := time.Now().UTC()
	mock.ExpectExec("UPDATE sessions SET state = 'COMPLETED'").
		WithArgs("sess1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Complete(context.Background(), "sess1", at))

	// second completion matches no rows and must fail
	mock.ExpectExec("UPDATE sessions SET state = 'COMPLETED'").
		WithArgs("sess1", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := repo.Complete(context.Background(), "sess1", at)
	assert.Equal(t, sql.ErrNoRows, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryCancelGuarded(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	at := time.Now().UTC()
	mock.ExpectExec("UPDATE sessions SET state = 'CANCELLED'").
		WithArgs("sess1", "instructor unavailable", at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Cancel(context.Background(), "sess1", "instructor unavailable", at)
	assert.Equal(t, sql.ErrNoRows, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryFindByID(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	start := time.Now().UTC().Add(24 * time.Hour)
	rows := sqlmock.NewRows(sessionRowColumns).
		AddRow("sess1", "c1", "i1", "Weekly session", start, 60,
			"VIRTUAL", nil, nil, "SCHEDULED", nil, nil, nil, time.Now(), time.Now())
	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id = \\$1").
		WithArgs("sess1").
		WillReturnRows(rows)
	mock.ExpectQuery("SELECT student_id FROM session_participants").
		WithArgs("sess1").
		WillReturnRows(sqlmock.NewRows([]string{"student_id"}).AddRow("s1").AddRow("s2"))

	session, err := repo.FindByID(context.Background(), "sess1")
	require.NoError(t, err)
	assert.Equal(t, "sess1", session.ID)
	assert.Equal(t, []string{"s1", "s2"}, session.ParticipantIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryFindByIDMissing(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id = \\$1").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByID(context.Background(), "missing")
	assert.Equal(t, sql.ErrNoRows, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
