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

// TaskPatch carries optional task mutations for UpdateTask. Nil fields
// are left untouched.
type TaskPatch struct {
	Status      *models.TaskStatus
	Description *string
}

// FetchCurrentTasks returns a session's tasks ordered by ord, with
// linked message ids aggregated.
func (s *Store) FetchCurrentTasks(ctx context.Context, sessionID uuid.UUID) ([]*models.Task, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT t.id, t.session_id, t.ord, t.status, t.data, t.created_at, t.updated_at,
			COALESCE(array_agg(m.id ORDER BY m.created_at, m.id) FILTER (WHERE m.id IS NOT NULL), '{}')
		FROM tasks t
		LEFT JOIN messages m ON m.task_id = t.id
		WHERE t.session_id = $1
		GROUP BY t.id
		ORDER BY t.ord ASC
	`, sessionID)
	if err != nil {
		return nil, apperr.Retryable(err, "fetch tasks")
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Retryable(err, "fetch tasks")
	}
	return out, nil
}

// GetTask fetches one task with its linked message ids.
func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT t.id, t.session_id, t.ord, t.status, t.data, t.created_at, t.updated_at,
			COALESCE(array_agg(m.id ORDER BY m.created_at, m.id) FILTER (WHERE m.id IS NOT NULL), '{}')
		FROM tasks t
		LEFT JOIN messages m ON m.task_id = t.id
		WHERE t.id = $1
		GROUP BY t.id
	`, id)
	if err != nil {
		return nil, apperr.Retryable(err, "get task")
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, apperr.Retryable(err, "get task")
		}
		return nil, apperr.NotFound("task %s", id)
	}
	return scanTask(rows)
}

// GetTaskByOrder resolves a task by its session-scoped order.
func (s *Store) GetTaskByOrder(ctx context.Context, sessionID uuid.UUID, order int) (*models.Task, error) {
	var id uuid.UUID
	err := s.q.QueryRowContext(ctx, `
		SELECT id FROM tasks WHERE session_id = $1 AND ord = $2
	`, sessionID, order).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("task at order %d", order)
	}
	if err != nil {
		return nil, apperr.Retryable(err, "get task by order")
	}
	return s.GetTask(ctx, id)
}

// InsertTask inserts a task after the given order, shifting later
// orders by +1 so the sequence stays gap-free and 1-based. afterOrder
// 0 inserts at the head and is the only valid value for an empty
// session.
func (s *Store) InsertTask(ctx context.Context, sessionID uuid.UUID, afterOrder int, data models.TaskData) (*models.Task, error) {
	if afterOrder < 0 {
		return nil, apperr.BadRequest("after_order must be >= 0")
	}
	var count int
	if err := s.q.QueryRowContext(ctx, `
		SELECT count(*) FROM tasks WHERE session_id = $1
	`, sessionID).Scan(&count); err != nil {
		return nil, apperr.Retryable(err, "count tasks")
	}
	if afterOrder > count {
		return nil, apperr.BadRequest("after_order %d exceeds task count %d", afterOrder, count)
	}

	// The unique (session_id, ord) constraint is deferred, so the
	// shift and insert settle together at commit.
	if _, err := s.q.ExecContext(ctx, `
		UPDATE tasks SET ord = ord + 1 WHERE session_id = $1 AND ord > $2
	`, sessionID, afterOrder); err != nil {
		return nil, apperr.Retryable(err, "shift task orders")
	}

	task := &models.Task{
		ID:        uuid.New(),
		SessionID: sessionID,
		Order:     afterOrder + 1,
		Status:    models.TaskStatusRunning,
		Data:      data,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	dataJSON, err := json.Marshal(task.Data)
	if err != nil {
		return nil, apperr.BadRequest("encode task data: %v", err)
	}
	if _, err := s.q.ExecContext(ctx, `
		INSERT INTO tasks (id, session_id, ord, status, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, task.ID, task.SessionID, task.Order, task.Status, dataJSON, task.CreatedAt, task.UpdatedAt); err != nil {
		return nil, apperr.Retryable(err, "insert task")
	}
	return task, nil
}

// UpdateTask applies a status and/or description patch. Terminal
// transitions are the caller's signal to schedule skill learning; the
// store itself only persists.
func (s *Store) UpdateTask(ctx context.Context, id uuid.UUID, patch TaskPatch) (*models.Task, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Status != nil {
		switch *patch.Status {
		case models.TaskStatusPending, models.TaskStatusRunning, models.TaskStatusSuccess, models.TaskStatusFailed:
		default:
			return nil, apperr.BadRequest("unknown task status %q", *patch.Status)
		}
		task.Status = *patch.Status
	}
	if patch.Description != nil {
		task.Data.Description = *patch.Description
	}
	task.UpdatedAt = time.Now().UTC()

	dataJSON, err := json.Marshal(task.Data)
	if err != nil {
		return nil, apperr.BadRequest("encode task data: %v", err)
	}
	if _, err := s.q.ExecContext(ctx, `
		UPDATE tasks SET status = $1, data = $2, updated_at = $3 WHERE id = $4
	`, task.Status, dataJSON, task.UpdatedAt, task.ID); err != nil {
		return nil, apperr.Retryable(err, "update task")
	}
	return task, nil
}

// AppendMessagesToTask links the given messages to the task. Linking
// to a terminal task rejects with FORBIDDEN; callers re-open first.
func (s *Store) AppendMessagesToTask(ctx context.Context, messageIDs []uuid.UUID, taskID uuid.UUID) error {
	if len(messageIDs) == 0 {
		return nil
	}
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return apperr.Forbidden("task %s is %s; reopen before linking messages", taskID, task.Status)
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE messages SET task_id = $1
		WHERE id = ANY($2) AND session_id = $3
	`, taskID, pq.Array(uuidStrings(messageIDs)), task.SessionID)
	if err != nil {
		return apperr.Retryable(err, "link messages to task")
	}
	if n, _ := res.RowsAffected(); n != int64(len(messageIDs)) {
		return apperr.NotFound("%d of %d messages not found in session", int64(len(messageIDs))-n, len(messageIDs))
	}
	return nil
}

// AppendProgressToTask appends a progress line. Terminal tasks reject
// with FORBIDDEN.
func (s *Store) AppendProgressToTask(ctx context.Context, id uuid.UUID, progress string) (*models.Task, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, apperr.Forbidden("task %s is %s; reopen before appending progress", id, task.Status)
	}
	task.Data.Progresses = append(task.Data.Progresses, progress)
	return s.writeTaskData(ctx, task)
}

// SetUserPreferenceForTask replaces the task's user preference list
// with the single given preference.
func (s *Store) SetUserPreferenceForTask(ctx context.Context, id uuid.UUID, pref string) (*models.Task, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	task.Data.UserPreferences = []string{pref}
	return s.writeTaskData(ctx, task)
}

func (s *Store) writeTaskData(ctx context.Context, task *models.Task) (*models.Task, error) {
	task.UpdatedAt = time.Now().UTC()
	dataJSON, err := json.Marshal(task.Data)
	if err != nil {
		return nil, apperr.BadRequest("encode task data: %v", err)
	}
	if _, err := s.q.ExecContext(ctx, `
		UPDATE tasks SET data = $1, updated_at = $2 WHERE id = $3
	`, dataJSON, task.UpdatedAt, task.ID); err != nil {
		return nil, apperr.Retryable(err, "write task data")
	}
	return task, nil
}

type taskScanner interface {
	Scan(dest ...any) error
}

func scanTask(row taskScanner) (*models.Task, error) {
	var (
		task     models.Task
		dataJSON []byte
		msgIDs   pq.StringArray
	)
	if err := row.Scan(&task.ID, &task.SessionID, &task.Order, &task.Status, &dataJSON, &task.CreatedAt, &task.UpdatedAt, &msgIDs); err != nil {
		return nil, apperr.Retryable(err, "scan task")
	}
	if err := scanJSON(dataJSON, &task.Data); err != nil {
		return nil, err
	}
	for _, raw := range msgIDs {
		if id, err := uuid.Parse(raw); err == nil {
			task.RawMessageIDs = append(task.RawMessageIDs, id)
		}
	}
	return &task, nil
}
