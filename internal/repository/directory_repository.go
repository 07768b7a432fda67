package repository

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/tutoring-core-api/internal/models"
)

// DirectoryRepository resolves user identities against the mirrored directory
// table. Account management lives in the external identity service.
type DirectoryRepository struct {
	db *sqlx.DB
}

// NewDirectoryRepository constructs the repository.
func NewDirectoryRepository(db *sqlx.DB) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

// FindByID returns a directory entry by user ID.
func (r *DirectoryRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	const query = `SELECT id, full_name, email, role, active, created_at, updated_at FROM users WHERE id = $1`
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, id); err != nil {
		return nil, err
	}
	return &user, nil
}

// IsInstructor reports whether the user exists, is active, and holds the instructor role.
func (r *DirectoryRepository) IsInstructor(ctx context.Context, userID string) (bool, error) {
	return r.hasRole(ctx, userID, models.RoleInstructor)
}

// IsStudent reports whether the user exists, is active, and holds the student role.
func (r *DirectoryRepository) IsStudent(ctx context.Context, userID string) (bool, error) {
	return r.hasRole(ctx, userID, models.RoleStudent)
}

func (r *DirectoryRepository) hasRole(ctx context.Context, userID string, role models.UserRole) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND role = $2 AND active)`
	var ok bool
	if err := r.db.GetContext(ctx, &ok, query, userID, role); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}
