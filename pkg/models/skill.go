package models

import (
	"time"

	"github.com/google/uuid"
)

// AgentSkill is a named knowledge bundle backed by one disk. The disk
// holds a top-level SKILL.md whose front matter name matches Name.
// Renaming a skill is forbidden after creation.
type AgentSkill struct {
	ID        uuid.UUID  `json:"id"`
	ProjectID uuid.UUID  `json:"project_id"`
	UserID    *uuid.UUID `json:"user_id,omitempty"`

	Name        string    `json:"name"`
	Description string    `json:"description"`
	DiskID      uuid.UUID `json:"disk_id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LearningSessionStatus tracks a session's progress through skill
// learning within a learning space.
type LearningSessionStatus string

const (
	LearningSessionPending   LearningSessionStatus = "pending"
	LearningSessionRunning   LearningSessionStatus = "running"
	LearningSessionCompleted LearningSessionStatus = "completed"
	LearningSessionFailed    LearningSessionStatus = "failed"
)

// LearningSpace is a per-project or per-user collection of skills
// plus a ledger of learned sessions. Skills are referenced, not
// owned: a skill outlives membership changes.
type LearningSpace struct {
	ID        uuid.UUID  `json:"id"`
	ProjectID uuid.UUID  `json:"project_id"`
	UserID    *uuid.UUID `json:"user_id,omitempty"`

	Name string `json:"name"`

	CreatedAt time.Time `json:"created_at"`
}

// LearningSpaceSession is the junction row carrying the learning
// status for one session inside a space.
type LearningSpaceSession struct {
	SpaceID   uuid.UUID             `json:"space_id"`
	SessionID uuid.UUID             `json:"session_id"`
	Status    LearningSessionStatus `json:"status"`
	UpdatedAt time.Time             `json:"updated_at"`
}
