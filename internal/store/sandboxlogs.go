package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/acontexthq/acontext/internal/apperr"
	"github.com/acontexthq/acontext/pkg/models"
)

// CreateSandboxLog records a freshly started sandbox and maps the
// engine UUID to the backend-assigned id.
func (s *Store) CreateSandboxLog(ctx context.Context, projectID uuid.UUID, backend, backendSandboxID string, keepaliveSeconds int64) (*models.SandboxLog, error) {
	now := time.Now().UTC()
	log := &models.SandboxLog{
		ID:                    uuid.New(),
		ProjectID:             projectID,
		Backend:               backend,
		BackendSandboxID:      &backendSandboxID,
		WillTotalAliveSeconds: keepaliveSeconds,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO sandbox_logs (id, project_id, backend, backend_sandbox_id, history_commands, generated_files, will_total_alive_seconds, created_at, updated_at)
		VALUES ($1, $2, $3, $4, '[]', '[]', $5, $6, $7)
	`, log.ID, log.ProjectID, log.Backend, backendSandboxID, log.WillTotalAliveSeconds, log.CreatedAt, log.UpdatedAt)
	if err != nil {
		return nil, apperr.Retryable(err, "create sandbox log")
	}
	return log, nil
}

// GetSandboxLog fetches a sandbox record by engine UUID.
func (s *Store) GetSandboxLog(ctx context.Context, id uuid.UUID) (*models.SandboxLog, error) {
	var (
		log         models.SandboxLog
		backendID   sql.NullString
		historyJSON []byte
		filesJSON   []byte
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT id, project_id, backend, backend_sandbox_id, history_commands, generated_files, will_total_alive_seconds, created_at, updated_at
		FROM sandbox_logs WHERE id = $1
	`, id).Scan(&log.ID, &log.ProjectID, &log.Backend, &backendID, &historyJSON, &filesJSON, &log.WillTotalAliveSeconds, &log.CreatedAt, &log.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("sandbox %s", id)
	}
	if err != nil {
		return nil, apperr.Retryable(err, "get sandbox log")
	}
	if backendID.Valid {
		log.BackendSandboxID = &backendID.String
	}
	if err := scanJSON(historyJSON, &log.HistoryCommands); err != nil {
		return nil, err
	}
	if err := scanJSON(filesJSON, &log.GeneratedFiles); err != nil {
		return nil, err
	}
	return &log, nil
}

// AppendSandboxCommand appends one executed command to the history
// with a server-side JSONB concat.
func (s *Store) AppendSandboxCommand(ctx context.Context, id uuid.UUID, cmd models.SandboxCommand) error {
	entry, err := json.Marshal([]models.SandboxCommand{cmd})
	if err != nil {
		return apperr.BadRequest("encode command: %v", err)
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE sandbox_logs
		SET history_commands = history_commands || $1::jsonb, updated_at = $2
		WHERE id = $3
	`, entry, time.Now().UTC(), id)
	if err != nil {
		return apperr.Retryable(err, "append sandbox command")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("sandbox %s", id)
	}
	return nil
}

// AppendSandboxFile records a successful file download.
func (s *Store) AppendSandboxFile(ctx context.Context, id uuid.UUID, file models.SandboxFile) error {
	entry, err := json.Marshal([]models.SandboxFile{file})
	if err != nil {
		return apperr.BadRequest("encode file record: %v", err)
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE sandbox_logs
		SET generated_files = generated_files || $1::jsonb, updated_at = $2
		WHERE id = $3
	`, entry, time.Now().UTC(), id)
	if err != nil {
		return apperr.Retryable(err, "append sandbox file")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("sandbox %s", id)
	}
	return nil
}

// SetSandboxAliveSeconds persists a recomputed keep-alive budget.
func (s *Store) SetSandboxAliveSeconds(ctx context.Context, id uuid.UUID, seconds int64) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE sandbox_logs SET will_total_alive_seconds = $1, updated_at = $2 WHERE id = $3
	`, seconds, time.Now().UTC(), id)
	if err != nil {
		return apperr.Retryable(err, "set sandbox alive seconds")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("sandbox %s", id)
	}
	return nil
}

// KillSandboxLog nulls the backend id, retaining the row for history.
// Subsequent lookups treat the sandbox as gone.
func (s *Store) KillSandboxLog(ctx context.Context, id uuid.UUID) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE sandbox_logs SET backend_sandbox_id = NULL, updated_at = $1 WHERE id = $2
	`, time.Now().UTC(), id)
	if err != nil {
		return apperr.Retryable(err, "kill sandbox log")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("sandbox %s", id)
	}
	return nil
}
