package models

import (
	"time"

	"github.com/google/uuid"
)

// SandboxCommand is one executed command recorded in a sandbox history.
type SandboxCommand struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
}

// SandboxFile records a file downloaded out of a sandbox.
type SandboxFile struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256,omitempty"`
}

// SandboxLog is the durable record for one sandbox. The engine UUID
// (ID) is the only identifier exposed at the API boundary; the
// backend-native identifier never leaks.
//
// When the sandbox is killed BackendSandboxID is nulled and the row
// is retained for history and billing.
type SandboxLog struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"project_id"`

	// Backend is the backend type name ("docker", "worker", ...).
	Backend string `json:"backend"`

	// BackendSandboxID is the backend-assigned identifier, nil after
	// kill.
	BackendSandboxID *string `json:"-"`

	HistoryCommands []SandboxCommand `json:"history_commands,omitempty"`
	GeneratedFiles  []SandboxFile    `json:"generated_files,omitempty"`

	// WillTotalAliveSeconds is the accumulated keep-alive budget,
	// recomputed on every observation and refresh.
	WillTotalAliveSeconds int64 `json:"will_total_alive_seconds"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Alive reports whether the sandbox still maps to a backend instance.
func (s *SandboxLog) Alive() bool {
	return s.BackendSandboxID != nil && *s.BackendSandboxID != ""
}
