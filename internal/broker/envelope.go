package broker

import (
	"github.com/google/uuid"
)

// SessionPendingEvent asks the ingest controller to flush and process
// a session's pending messages.
type SessionPendingEvent struct {
	SessionID uuid.UUID `json:"session_id"`
}

// SkillLearnEvent asks the skill-learning controller to learn from one
// terminated task.
type SkillLearnEvent struct {
	ProjectID uuid.UUID  `json:"project_id"`
	SessionID uuid.UUID  `json:"session_id"`
	TaskID    uuid.UUID  `json:"task_id"`
	SpaceID   uuid.UUID  `json:"space_id"`
	UserID    *uuid.UUID `json:"user_id,omitempty"`
}

// SOPCompleteEvent announces that a learning space finished processing
// a session. Published for external consumers; the engine declares the
// topology but does not consume it.
type SOPCompleteEvent struct {
	ProjectID uuid.UUID `json:"project_id"`
	SessionID uuid.UUID `json:"session_id"`
	SpaceID   uuid.UUID `json:"space_id"`
	Status    string    `json:"status"`
}
