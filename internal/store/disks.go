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

// CreateDisk allocates an artifact container.
func (s *Store) CreateDisk(ctx context.Context, projectID uuid.UUID, userID *uuid.UUID) (*models.Disk, error) {
	d := &models.Disk{
		ID:        uuid.New(),
		ProjectID: projectID,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO disks (id, project_id, user_id, created_at)
		VALUES ($1, $2, $3, $4)
	`, d.ID, d.ProjectID, nullUUID(d.UserID), d.CreatedAt)
	if err != nil {
		return nil, apperr.Retryable(err, "create disk")
	}
	return d, nil
}

// GetDisk fetches a disk by id.
func (s *Store) GetDisk(ctx context.Context, id uuid.UUID) (*models.Disk, error) {
	var (
		d      models.Disk
		userID sql.NullString
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT id, project_id, user_id, created_at FROM disks WHERE id = $1
	`, id).Scan(&d.ID, &d.ProjectID, &userID, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("disk %s", id)
	}
	if err != nil {
		return nil, apperr.Retryable(err, "get disk")
	}
	if userID.Valid {
		if uid, parseErr := uuid.Parse(userID.String); parseErr == nil {
			d.UserID = &uid
		}
	}
	return &d, nil
}

// DeleteDisk removes a disk; its artifacts cascade.
func (s *Store) DeleteDisk(ctx context.Context, id uuid.UUID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM disks WHERE id = $1`, id)
	if err != nil {
		return apperr.Retryable(err, "delete disk")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("disk %s", id)
	}
	return nil
}
