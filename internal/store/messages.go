package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/acontexthq/acontext/internal/apperr"
	"github.com/acontexthq/acontext/pkg/models"
)

// StoreMessage appends a message to a session. Parts are immutable
// after insert.
func (s *Store) StoreMessage(ctx context.Context, sessionID uuid.UUID, role string, parts []models.Part, meta map[string]any) (*models.Message, error) {
	if role == "" {
		return nil, apperr.BadRequest("message role is required")
	}
	if len(parts) == 0 {
		return nil, apperr.BadRequest("message requires at least one part")
	}
	msg := &models.Message{
		ID:        uuid.New(),
		SessionID: sessionID,
		Role:      role,
		Parts:     parts,
		Meta:      meta,
		Status:    models.MessageStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	partsJSON, err := json.Marshal(parts)
	if err != nil {
		return nil, apperr.BadRequest("encode parts: %v", err)
	}
	metaJSON, err := marshalJSON(meta)
	if err != nil {
		return nil, err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, parts, task_id, meta, status, created_at)
		VALUES ($1, $2, $3, $4, NULL, $5, $6, $7)
	`, msg.ID, msg.SessionID, msg.Role, partsJSON, metaJSON, msg.Status, msg.CreatedAt)
	if err != nil {
		return nil, apperr.Retryable(err, "store message")
	}
	return msg, nil
}

// GetMessageIDs returns up to limit message ids for a session in
// created-at order (ties broken by id), ascending when asc.
func (s *Store) GetMessageIDs(ctx context.Context, sessionID uuid.UUID, limit int, asc bool) ([]uuid.UUID, error) {
	order := "DESC"
	if asc {
		order = "ASC"
	}
	query := `SELECT id FROM messages WHERE session_id = $1 ORDER BY created_at ` + order + `, id ` + order
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Retryable(err, "get message ids")
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Retryable(err, "scan message id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Retryable(err, "get message ids")
	}
	return ids, nil
}

// SelectPendingIDs returns the oldest pending message ids for a
// session, up to limit, in created-at order.
func (s *Store) SelectPendingIDs(ctx context.Context, sessionID uuid.UUID, limit int) ([]uuid.UUID, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id FROM messages
		WHERE session_id = $1 AND status = $2
		ORDER BY created_at ASC, id ASC
		LIMIT $3
	`, sessionID, models.MessageStatusPending, limit)
	if err != nil {
		return nil, apperr.Retryable(err, "select pending messages")
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Retryable(err, "scan pending id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Retryable(err, "select pending messages")
	}
	return ids, nil
}

// FetchMessagesDataByIDs loads full messages for the given ids,
// ordered by created_at then id.
func (s *Store) FetchMessagesDataByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, session_id, role, parts, task_id, meta, status, created_at
		FROM messages WHERE id = ANY($1)
		ORDER BY created_at ASC, id ASC
	`, pq.Array(uuidStrings(ids)))
	if err != nil {
		return nil, apperr.Retryable(err, "fetch messages")
	}
	defer rows.Close()
	return scanMessages(rows)
}

// UpdateMessageStatusTo transitions the given messages to status and
// stamps the transition time, which the reaper measures against.
func (s *Store) UpdateMessageStatusTo(ctx context.Context, ids []uuid.UUID, status models.MessageStatus) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.q.ExecContext(ctx, `
		UPDATE messages SET status = $1, status_changed_at = now() WHERE id = ANY($2)
	`, status, pq.Array(uuidStrings(ids)))
	if err != nil {
		return apperr.Retryable(err, "update message status")
	}
	return nil
}

// FetchPreviousMessagesByDatetime loads up to limit messages created
// strictly before the given instant, newest last. This is the context
// window fed to the task agent.
func (s *Store) FetchPreviousMessagesByDatetime(ctx context.Context, sessionID uuid.UUID, before time.Time, limit int) ([]*models.Message, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, session_id, role, parts, task_id, meta, status, created_at
		FROM (
			SELECT id, session_id, role, parts, task_id, meta, status, created_at
			FROM messages
			WHERE session_id = $1 AND created_at < $2
			ORDER BY created_at DESC, id DESC
			LIMIT $3
		) window_slice
		ORDER BY created_at ASC, id ASC
	`, sessionID, before, limit)
	if err != nil {
		return nil, apperr.Retryable(err, "fetch previous messages")
	}
	defer rows.Close()
	return scanMessages(rows)
}

// PatchMessageMeta merges patch into the message meta. A key whose
// value is explicit null deletes the key; absent keys are preserved.
func (s *Store) PatchMessageMeta(ctx context.Context, id uuid.UUID, patch map[string]any) (*models.Message, error) {
	var metaJSON []byte
	err := s.q.QueryRowContext(ctx, `
		SELECT meta FROM messages WHERE id = $1
	`, id).Scan(&metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("message %s", id)
	}
	if err != nil {
		return nil, apperr.Retryable(err, "load message meta")
	}

	meta := map[string]any{}
	if err := scanJSON(metaJSON, &meta); err != nil {
		return nil, err
	}
	for k, v := range patch {
		if v == nil {
			delete(meta, k)
			continue
		}
		meta[k] = v
	}

	merged, err := marshalJSON(meta)
	if err != nil {
		return nil, err
	}
	if _, err := s.q.ExecContext(ctx, `
		UPDATE messages SET meta = $1 WHERE id = $2
	`, merged, id); err != nil {
		return nil, apperr.Retryable(err, "patch message meta")
	}
	return s.GetMessage(ctx, id)
}

// GetMessage fetches a single message by id.
func (s *Store) GetMessage(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	msgs, err := s.FetchMessagesDataByIDs(ctx, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, apperr.NotFound("message %s", id)
	}
	return msgs[0], nil
}

// ReapStuckRunning returns messages that have been running for longer
// than timeout to pending so they redeliver. The age is measured from
// the running transition, not insertion, so a message that waited a
// long time in pending is not reaped the moment it starts.
func (s *Store) ReapStuckRunning(ctx context.Context, timeout time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	res, err := s.q.ExecContext(ctx, `
		UPDATE messages SET status = $1, status_changed_at = now()
		WHERE status = $2 AND status_changed_at < $3
	`, models.MessageStatusPending, models.MessageStatusRunning, cutoff)
	if err != nil {
		return 0, apperr.Retryable(err, "reap running messages")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	var out []*models.Message
	for rows.Next() {
		var (
			msg       models.Message
			partsJSON []byte
			taskID    sql.NullString
			metaJSON  []byte
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &partsJSON, &taskID, &metaJSON, &msg.Status, &msg.CreatedAt); err != nil {
			return nil, apperr.Retryable(err, "scan message")
		}
		if err := scanJSON(partsJSON, &msg.Parts); err != nil {
			return nil, err
		}
		if taskID.Valid {
			if tid, err := uuid.Parse(taskID.String); err == nil {
				msg.TaskID = &tid
			}
		}
		if err := scanJSON(metaJSON, &msg.Meta); err != nil {
			return nil, err
		}
		out = append(out, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Retryable(err, "scan messages")
	}
	return out, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
