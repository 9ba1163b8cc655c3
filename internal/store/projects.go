package store

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/acontexthq/acontext/internal/apperr"
	"github.com/acontexthq/acontext/pkg/models"
)

// APIKeyFingerprint computes the HMAC fingerprint persisted for a
// project API key. The raw key is never stored.
func APIKeyFingerprint(secret, apiKey string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(apiKey))
	return hex.EncodeToString(mac.Sum(nil))
}

// CreateProject inserts a new tenant root.
func (s *Store) CreateProject(ctx context.Context, name, passwordHash, apiKeyFingerprint string) (*models.Project, error) {
	p := &models.Project{
		ID:                uuid.New(),
		Name:              name,
		PasswordHash:      passwordHash,
		APIKeyFingerprint: apiKeyFingerprint,
		CreatedAt:         time.Now().UTC(),
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO projects (id, name, password_hash, api_key_fingerprint, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, p.ID, p.Name, p.PasswordHash, p.APIKeyFingerprint, p.CreatedAt)
	if err != nil {
		return nil, apperr.Retryable(err, "create project")
	}
	return p, nil
}

// GetProject fetches a project by id.
func (s *Store) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	var p models.Project
	err := s.q.QueryRowContext(ctx, `
		SELECT id, name, password_hash, api_key_fingerprint, created_at
		FROM projects WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.PasswordHash, &p.APIKeyFingerprint, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("project %s", id)
	}
	if err != nil {
		return nil, apperr.Retryable(err, "get project")
	}
	return &p, nil
}

// DeleteProject removes a project; owned resources cascade in the
// database.
func (s *Store) DeleteProject(ctx context.Context, id uuid.UUID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return apperr.Retryable(err, "delete project")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("project %s", id)
	}
	return nil
}
