package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageStatus is the internal processing state of a message.
//
// Transitions are monotonic pending -> running -> {success, failed},
// except for the explicit retry path which returns failed -> running
// and the reaper which returns stuck running -> pending.
type MessageStatus string

const (
	MessageStatusPending MessageStatus = "pending"
	MessageStatusRunning MessageStatus = "running"
	MessageStatusSuccess MessageStatus = "success"
	MessageStatusFailed  MessageStatus = "failed"
)

// PartType identifies the payload kind of a message part.
type PartType string

const (
	PartTypeText       PartType = "text"
	PartTypeToolCall   PartType = "tool-call"
	PartTypeToolResult PartType = "tool-result"
	PartTypeImage      PartType = "image"
	PartTypeFile       PartType = "file"
)

// Part is one element of a message body. Parts are immutable after
// insert; exactly the fields matching Type are populated.
type Part struct {
	Type PartType `json:"type"`

	// Text content for text parts.
	Text string `json:"text,omitempty"`

	// Tool call fields.
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Arguments  map[string]any `json:"arguments,omitempty"`

	// Result is the tool result content.
	Result string `json:"result,omitempty"`

	// IsError marks a failed tool result.
	IsError bool `json:"is_error,omitempty"`

	// Media fields: MIME type and a blob reference or inline base64.
	MimeType string `json:"mime_type,omitempty"`
	BlobRef  string `json:"blob_ref,omitempty"`
	Data     string `json:"data,omitempty"`
}

// Message is an append-only session message. Only Status, TaskID, and
// Meta are mutable after insert.
type Message struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`

	Role  string `json:"role"`
	Parts []Part `json:"parts"`

	// TaskID links the message to a task once the task agent has
	// attributed it.
	TaskID *uuid.UUID `json:"task_id,omitempty"`

	// Meta is caller-supplied metadata, patched with null-deletes
	// semantics.
	Meta map[string]any `json:"meta,omitempty"`

	Status MessageStatus `json:"status"`

	CreatedAt time.Time `json:"created_at"`
}

// FirstText returns the content of the first text part, or "".
func (m *Message) FirstText() string {
	for _, p := range m.Parts {
		if p.Type == PartTypeText {
			return p.Text
		}
	}
	return ""
}
