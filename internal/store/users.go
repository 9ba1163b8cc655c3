package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/acontexthq/acontext/internal/apperr"
	"github.com/acontexthq/acontext/pkg/models"
)

// EnsureUser finds or creates the user with the given project-scoped
// external id.
func (s *Store) EnsureUser(ctx context.Context, projectID uuid.UUID, externalID string) (*models.User, error) {
	if externalID == "" {
		return nil, apperr.BadRequest("user external id is required")
	}
	var u models.User
	err := s.q.QueryRowContext(ctx, `
		SELECT id, project_id, external_id, created_at
		FROM users WHERE project_id = $1 AND external_id = $2
	`, projectID, externalID).Scan(&u.ID, &u.ProjectID, &u.ExternalID, &u.CreatedAt)
	if err == nil {
		return &u, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Retryable(err, "lookup user")
	}

	u = models.User{
		ID:         uuid.New(),
		ProjectID:  projectID,
		ExternalID: externalID,
		CreatedAt:  time.Now().UTC(),
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO users (id, project_id, external_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (project_id, external_id) DO NOTHING
	`, u.ID, u.ProjectID, u.ExternalID, u.CreatedAt)
	if err != nil {
		return nil, apperr.Retryable(err, "create user")
	}
	// A concurrent creator may have won; re-read for the canonical row.
	err = s.q.QueryRowContext(ctx, `
		SELECT id, project_id, external_id, created_at
		FROM users WHERE project_id = $1 AND external_id = $2
	`, projectID, externalID).Scan(&u.ID, &u.ProjectID, &u.ExternalID, &u.CreatedAt)
	if err != nil {
		return nil, apperr.Retryable(err, "reread user")
	}
	return &u, nil
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := s.q.QueryRowContext(ctx, `
		SELECT id, project_id, external_id, created_at FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.ProjectID, &u.ExternalID, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("user %s", id)
	}
	if err != nil {
		return nil, apperr.Retryable(err, "get user")
	}
	return &u, nil
}

// DeleteUser removes a user; sessions, disks, skills, and spaces owned
// by the user cascade in the database.
func (s *Store) DeleteUser(ctx context.Context, id uuid.UUID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return apperr.Retryable(err, "delete user")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("user %s", id)
	}
	return nil
}
