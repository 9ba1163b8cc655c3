package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusSuccess TaskStatus = "success"
	TaskStatusFailed  TaskStatus = "failed"
)

// Terminal reports whether the status is success or failed. Terminal
// tasks reject message linking and progress appends until reopened.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSuccess || s == TaskStatusFailed
}

// TaskData is the structured body of a task.
//
// Description preserves the user's wording; agent plan steps land in
// Progresses, never as new tasks.
type TaskData struct {
	Description     string   `json:"description"`
	Progresses      []string `json:"progresses,omitempty"`
	UserPreferences []string `json:"user_preferences,omitempty"`
}

// Task is an ordered unit of user intent within a session.
//
// Orders within a session are a gap-free permutation of 1..N.
type Task struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`

	// Order is 1-based and unique within the session.
	Order int `json:"order"`

	Status TaskStatus `json:"status"`
	Data   TaskData   `json:"data"`

	// RawMessageIDs are the session messages attributed to this task.
	RawMessageIDs []uuid.UUID `json:"raw_message_ids,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
