// Package store implements the Postgres data layer for the engine:
// projects, sessions, messages, tasks, disks, artifacts, skills,
// learning spaces, tools, sandbox logs, and metric buckets.
//
// All methods return typed *apperr.Error values; SQL faults surface as
// RETRYABLE so the broker re-delivers, while absent rows and rule
// violations surface as NOT_FOUND / FORBIDDEN.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/acontexthq/acontext/internal/apperr"
	"github.com/acontexthq/acontext/internal/observability"
)

// querier abstracts *sql.DB and *sql.Tx so the same store methods run
// inside or outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the Postgres-backed data layer.
type Store struct {
	db     *sql.DB
	q      querier
	logger *observability.Logger
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string, maxOpen, maxIdle int, logger *observability.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, apperr.Unavailable(err, "open database")
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, apperr.Unavailable(err, "ping database")
	}
	return New(db, logger), nil
}

// New wraps an existing database handle. Used by tests with sqlmock.
func New(db *sql.DB, logger *observability.Logger) *Store {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Store{db: db, q: db, logger: logger}
}

// DB exposes the underlying handle for transaction management.
func (s *Store) DB() *sql.DB { return s.db }

// WithTx returns a store view whose operations run on the given
// transaction. The receiver is unchanged.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{db: s.db, q: tx, logger: s.logger}
}

// InTx runs fn inside a transaction, committing on nil and rolling
// back on error.
func (s *Store) InTx(ctx context.Context, fn func(*Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Retryable(err, "begin transaction")
	}
	if err := fn(s.WithTx(tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.Retryable(err, "commit transaction")
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return apperr.Unavailable(err, "migrate: %s", firstLine(stmt))
		}
	}
	return nil
}

func firstLine(stmt string) string {
	line := strings.TrimSpace(stmt)
	if i := strings.IndexByte(line, '\n'); i > 0 {
		line = line[:i]
	}
	return line
}

var schemaStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,
	`CREATE TABLE IF NOT EXISTS projects (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		password_hash TEXT NOT NULL DEFAULT '',
		api_key_fingerprint TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		external_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (project_id, external_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id UUID PRIMARY KEY,
		project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		user_id UUID REFERENCES users(id) ON DELETE CASCADE,
		configs JSONB NOT NULL DEFAULT '{}',
		disable_task_tracking BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id UUID PRIMARY KEY,
		session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		ord INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		data JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT tasks_session_ord_key UNIQUE (session_id, ord) DEFERRABLE INITIALLY DEFERRED
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_session_status ON tasks (session_id, status)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id UUID PRIMARY KEY,
		session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		parts JSONB NOT NULL DEFAULT '[]',
		task_id UUID REFERENCES tasks(id) ON DELETE SET NULL,
		meta JSONB NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		status_changed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_session_status ON messages (session_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages (session_id, created_at, id)`,
	`CREATE TABLE IF NOT EXISTS disks (
		id UUID PRIMARY KEY,
		project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		user_id UUID REFERENCES users(id) ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS artifacts (
		id UUID PRIMARY KEY,
		disk_id UUID NOT NULL REFERENCES disks(id) ON DELETE CASCADE,
		path TEXT NOT NULL,
		filename TEXT NOT NULL,
		asset_meta JSONB NOT NULL DEFAULT '{}',
		meta JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (disk_id, path, filename)
	)`,
	`CREATE TABLE IF NOT EXISTS agent_skills (
		id UUID PRIMARY KEY,
		project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		user_id UUID REFERENCES users(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		disk_id UUID NOT NULL REFERENCES disks(id),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_skills_project_name
		ON agent_skills (project_id, name) WHERE user_id IS NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_skills_project_user_name
		ON agent_skills (project_id, user_id, name) WHERE user_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS learning_spaces (
		id UUID PRIMARY KEY,
		project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		user_id UUID REFERENCES users(id) ON DELETE CASCADE,
		name TEXT NOT NULL DEFAULT 'default',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_learning_spaces_project
		ON learning_spaces (project_id) WHERE user_id IS NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_learning_spaces_project_user
		ON learning_spaces (project_id, user_id) WHERE user_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS learning_space_skills (
		space_id UUID NOT NULL REFERENCES learning_spaces(id) ON DELETE CASCADE,
		skill_id UUID NOT NULL REFERENCES agent_skills(id) ON DELETE CASCADE,
		PRIMARY KEY (space_id, skill_id)
	)`,
	`CREATE TABLE IF NOT EXISTS learning_space_sessions (
		space_id UUID NOT NULL REFERENCES learning_spaces(id) ON DELETE CASCADE,
		session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		status TEXT NOT NULL DEFAULT 'pending',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (space_id, session_id)
	)`,
	`CREATE TABLE IF NOT EXISTS tools (
		id UUID PRIMARY KEY,
		project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		user_id UUID REFERENCES users(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		parameters JSONB NOT NULL DEFAULT '{}',
		config JSONB NOT NULL DEFAULT '{}',
		embedding vector(1536),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_tools_project_name
		ON tools (project_id, name) WHERE user_id IS NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_tools_project_user_name
		ON tools (project_id, user_id, name) WHERE user_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_tools_config ON tools USING GIN (config)`,
	`CREATE TABLE IF NOT EXISTS sandbox_logs (
		id UUID PRIMARY KEY,
		project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		backend TEXT NOT NULL,
		backend_sandbox_id TEXT,
		history_commands JSONB NOT NULL DEFAULT '[]',
		generated_files JSONB NOT NULL DEFAULT '[]',
		will_total_alive_seconds BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS metrics (
		id UUID PRIMARY KEY,
		project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		tag TEXT NOT NULL,
		date DATE NOT NULL,
		increment BIGINT NOT NULL DEFAULT 0,
		UNIQUE (project_id, tag, date)
	)`,
}

// marshalJSON encodes v for a JSONB column, mapping nil maps to
// empty objects.
func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, apperr.BadRequest("encode json: %v", err)
	}
	return data, nil
}

// scanJSON decodes a JSONB column into out, tolerating NULL.
func scanJSON(raw []byte, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, "decode json column")
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "duplicate key value")
}

// vectorParam renders an embedding as a pgvector literal.
func vectorParam(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = fmt.Sprintf("%g", v)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
