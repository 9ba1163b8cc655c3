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

// UpsertTool registers or replaces a tool schema keyed on
// (project, user?, name). Embeddings are optional.
func (s *Store) UpsertTool(ctx context.Context, t *models.Tool) (*models.Tool, error) {
	if t.Name == "" {
		return nil, apperr.BadRequest("tool name is required")
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	paramsJSON, err := marshalJSON(t.Parameters)
	if err != nil {
		return nil, err
	}
	configJSON, err := marshalJSON(t.Config)
	if err != nil {
		return nil, err
	}
	var embedding any
	if len(t.Embedding) > 0 {
		embedding = vectorParam(t.Embedding)
	}

	existing, err := s.GetToolByName(ctx, t.ProjectID, t.UserID, t.Name)
	if err != nil && !apperr.IsCode(err, apperr.CodeNotFound) {
		return nil, err
	}
	if existing != nil {
		_, err = s.q.ExecContext(ctx, `
			UPDATE tools SET description = $1, parameters = $2, config = $3, embedding = $4
			WHERE id = $5
		`, t.Description, paramsJSON, configJSON, embedding, existing.ID)
		if err != nil {
			return nil, apperr.Retryable(err, "update tool")
		}
		t.ID = existing.ID
		t.CreatedAt = existing.CreatedAt
		return t, nil
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO tools (id, project_id, user_id, name, description, parameters, config, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, t.ID, t.ProjectID, nullUUID(t.UserID), t.Name, t.Description, paramsJSON, configJSON, embedding, t.CreatedAt)
	if isUniqueViolation(err) {
		return nil, apperr.Conflict("tool %q already exists", t.Name)
	}
	if err != nil {
		return nil, apperr.Retryable(err, "create tool")
	}
	return t, nil
}

// GetToolByName resolves a tool in the user namespace when userID is
// set, otherwise the project namespace.
func (s *Store) GetToolByName(ctx context.Context, projectID uuid.UUID, userID *uuid.UUID, name string) (*models.Tool, error) {
	var row *sql.Row
	if userID == nil {
		row = s.q.QueryRowContext(ctx, `
			SELECT id, project_id, user_id, name, description, parameters, config, created_at
			FROM tools WHERE project_id = $1 AND user_id IS NULL AND name = $2
		`, projectID, name)
	} else {
		row = s.q.QueryRowContext(ctx, `
			SELECT id, project_id, user_id, name, description, parameters, config, created_at
			FROM tools WHERE project_id = $1 AND user_id = $2 AND name = $3
		`, projectID, *userID, name)
	}
	return scanTool(row, name)
}

// SearchToolsByEmbedding returns the limit nearest tools by embedding
// distance. Tools without embeddings are excluded.
func (s *Store) SearchToolsByEmbedding(ctx context.Context, projectID uuid.UUID, embedding []float32, limit int) ([]*models.Tool, error) {
	if len(embedding) == 0 {
		return nil, apperr.BadRequest("query embedding is required")
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, project_id, user_id, name, description, parameters, config, created_at
		FROM tools
		WHERE project_id = $1 AND embedding IS NOT NULL
		ORDER BY embedding <-> $2
		LIMIT $3
	`, projectID, vectorParam(embedding), limit)
	if err != nil {
		return nil, apperr.Retryable(err, "search tools")
	}
	defer rows.Close()

	var out []*models.Tool
	for rows.Next() {
		tool, err := scanTool(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, tool)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Retryable(err, "search tools")
	}
	return out, nil
}

// DeleteTool removes a tool by id.
func (s *Store) DeleteTool(ctx context.Context, id uuid.UUID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM tools WHERE id = $1`, id)
	if err != nil {
		return apperr.Retryable(err, "delete tool")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("tool %s", id)
	}
	return nil
}

type toolScanner interface {
	Scan(dest ...any) error
}

func scanTool(row toolScanner, name string) (*models.Tool, error) {
	var (
		t          models.Tool
		rawUID     sql.NullString
		paramsJSON []byte
		configJSON []byte
	)
	err := row.Scan(&t.ID, &t.ProjectID, &rawUID, &t.Name, &t.Description, &paramsJSON, &configJSON, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("tool %q", name)
	}
	if err != nil {
		return nil, apperr.Retryable(err, "scan tool")
	}
	if rawUID.Valid {
		if uid, parseErr := uuid.Parse(rawUID.String); parseErr == nil {
			t.UserID = &uid
		}
	}
	if err := scanJSON(paramsJSON, &t.Parameters); err != nil {
		return nil, err
	}
	if err := scanJSON(configJSON, &t.Config); err != nil {
		return nil, err
	}
	return &t, nil
}
