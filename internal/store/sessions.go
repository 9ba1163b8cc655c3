package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acontexthq/acontext/internal/apperr"
	"github.com/acontexthq/acontext/pkg/models"
)

// SessionCopyMaxMessages hard-caps how many messages sessions.copy
// will duplicate.
const SessionCopyMaxMessages = 5000

// CreateSession inserts a session. When id is the zero UUID a fresh
// one is allocated; a caller-supplied id that already exists surfaces
// CONFLICT.
func (s *Store) CreateSession(ctx context.Context, id uuid.UUID, projectID uuid.UUID, userID *uuid.UUID, configs map[string]any, disableTaskTracking bool) (*models.Session, error) {
	if id == uuid.Nil {
		id = uuid.New()
	}
	sess := &models.Session{
		ID:                  id,
		ProjectID:           projectID,
		UserID:              userID,
		Configs:             configs,
		DisableTaskTracking: disableTaskTracking,
		CreatedAt:           time.Now().UTC(),
	}
	configsJSON, err := marshalJSON(configs)
	if err != nil {
		return nil, err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO sessions (id, project_id, user_id, configs, disable_task_tracking, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, sess.ID, sess.ProjectID, nullUUID(sess.UserID), configsJSON, sess.DisableTaskTracking, sess.CreatedAt)
	if isUniqueViolation(err) {
		return nil, apperr.Conflict("session %s already exists", id)
	}
	if err != nil {
		return nil, apperr.Retryable(err, "create session")
	}
	return sess, nil
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	var (
		sess        models.Session
		userID      sql.NullString
		configsJSON []byte
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT id, project_id, user_id, configs, disable_task_tracking, created_at
		FROM sessions WHERE id = $1
	`, id).Scan(&sess.ID, &sess.ProjectID, &userID, &configsJSON, &sess.DisableTaskTracking, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("session %s", id)
	}
	if err != nil {
		return nil, apperr.Retryable(err, "get session")
	}
	if userID.Valid {
		uid, parseErr := uuid.Parse(userID.String)
		if parseErr == nil {
			sess.UserID = &uid
		}
	}
	if err := scanJSON(configsJSON, &sess.Configs); err != nil {
		return nil, err
	}
	return &sess, nil
}

// ListSessions pages through a project's sessions with the opaque
// cursor, newest first when timeDesc.
func (s *Store) ListSessions(ctx context.Context, projectID uuid.UUID, limit int, cursor string, timeDesc bool) ([]*models.Session, string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `
		SELECT id, project_id, user_id, configs, disable_task_tracking, created_at
		FROM sessions WHERE project_id = $1`
	args := []any{projectID}
	if cursor != "" {
		cur, err := DecodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		if timeDesc {
			query += ` AND (created_at, id) < ($2, $3)`
		} else {
			query += ` AND (created_at, id) > ($2, $3)`
		}
		args = append(args, cur.CreatedAt, cur.ID)
	}
	if timeDesc {
		query += ` ORDER BY created_at DESC, id DESC`
	} else {
		query += ` ORDER BY created_at ASC, id ASC`
	}
	query += fmt.Sprintf(` LIMIT %d`, limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", apperr.Retryable(err, "list sessions")
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		var (
			sess        models.Session
			userID      sql.NullString
			configsJSON []byte
		)
		if err := rows.Scan(&sess.ID, &sess.ProjectID, &userID, &configsJSON, &sess.DisableTaskTracking, &sess.CreatedAt); err != nil {
			return nil, "", apperr.Retryable(err, "scan session")
		}
		if userID.Valid {
			if uid, parseErr := uuid.Parse(userID.String); parseErr == nil {
				sess.UserID = &uid
			}
		}
		if err := scanJSON(configsJSON, &sess.Configs); err != nil {
			return nil, "", err
		}
		out = append(out, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, "", apperr.Retryable(err, "list sessions")
	}

	next := ""
	if len(out) == limit {
		last := out[len(out)-1]
		next = EncodeCursor(last.CreatedAt, last.ID)
	}
	return out, next, nil
}

// DeleteSession removes a session; messages and tasks cascade.
func (s *Store) DeleteSession(ctx context.Context, id uuid.UUID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return apperr.Retryable(err, "delete session")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("session %s", id)
	}
	return nil
}

// CopySession duplicates a session and its messages into a new session.
// Sessions above SessionCopyMaxMessages reject with BAD_REQUEST.
// Message statuses reset to success so the copy does not re-enter the
// task pipeline.
func (s *Store) CopySession(ctx context.Context, sourceID uuid.UUID) (*models.Session, error) {
	src, err := s.GetSession(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	var count int
	if err := s.q.QueryRowContext(ctx, `
		SELECT count(*) FROM messages WHERE session_id = $1
	`, sourceID).Scan(&count); err != nil {
		return nil, apperr.Retryable(err, "count session messages")
	}
	if count > SessionCopyMaxMessages {
		return nil, apperr.BadRequest("session has %d messages, copy caps at %d", count, SessionCopyMaxMessages)
	}

	dst, err := s.CreateSession(ctx, uuid.Nil, src.ProjectID, src.UserID, src.Configs, src.DisableTaskTracking)
	if err != nil {
		return nil, err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, parts, task_id, meta, status, created_at)
		SELECT gen_random_uuid(), $1, role, parts, NULL, meta, 'success', created_at
		FROM messages WHERE session_id = $2
	`, dst.ID, sourceID)
	if err != nil {
		return nil, apperr.Retryable(err, "copy session messages")
	}
	return dst, nil
}

func nullUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return *id
}
