// Package models provides domain types for the acontext engine.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Project is the tenant root. It owns users, sessions, disks, tools,
// metrics, and sandbox logs.
type Project struct {
	ID uuid.UUID `json:"id"`

	Name string `json:"name"`

	// PasswordHash is a bcrypt-style hash of the project password.
	PasswordHash string `json:"-"`

	// APIKeyFingerprint is an HMAC fingerprint of the project API key.
	// The raw key is never persisted.
	APIKeyFingerprint string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

// User is identified by an opaque project-scoped string. Deleting a
// user cascade-deletes all user-owned resources.
type User struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"project_id"`

	// ExternalID is the caller-supplied opaque identifier, unique
	// within the project.
	ExternalID string `json:"external_id"`

	CreatedAt time.Time `json:"created_at"`
}

// Session is a conversation under a project, optionally bound to a user.
type Session struct {
	ID        uuid.UUID  `json:"id"`
	ProjectID uuid.UUID  `json:"project_id"`
	UserID    *uuid.UUID `json:"user_id,omitempty"`

	// Configs is a free-form per-session configuration map.
	Configs map[string]any `json:"configs,omitempty"`

	// DisableTaskTracking turns off the post-ingest task pipeline for
	// this session.
	DisableTaskTracking bool `json:"disable_task_tracking"`

	CreatedAt time.Time `json:"created_at"`
}

// Disk is an artifact container owned by a project and optionally a user.
type Disk struct {
	ID        uuid.UUID  `json:"id"`
	ProjectID uuid.UUID  `json:"project_id"`
	UserID    *uuid.UUID `json:"user_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Tool is a registered function schema with optional config and a
// dense embedding used for semantic search.
type Tool struct {
	ID        uuid.UUID  `json:"id"`
	ProjectID uuid.UUID  `json:"project_id"`
	UserID    *uuid.UUID `json:"user_id,omitempty"`

	Name        string `json:"name"`
	Description string `json:"description"`

	// Parameters is the JSON-schema parameter definition.
	Parameters map[string]any `json:"parameters"`

	Config map[string]any `json:"config,omitempty"`

	// Embedding is the dense vector used for nearest-neighbor search.
	// Empty when the tool has not been embedded.
	Embedding []float32 `json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

// MetricBucket is a daily-bucketed counter for a (project, tag) pair.
type MetricBucket struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"project_id"`
	Tag       string    `json:"tag"`

	// Date is the UTC day the bucket covers, truncated to midnight.
	Date time.Time `json:"date"`

	Increment int64 `json:"increment"`
}
