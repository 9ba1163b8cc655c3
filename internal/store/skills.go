package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/acontexthq/acontext/internal/apperr"
	"github.com/acontexthq/acontext/pkg/models"
)

// CreateAgentSkill registers a skill backed by the given disk. The
// (project, name) pair is unique project-wide, or per-user when
// userID is set.
func (s *Store) CreateAgentSkill(ctx context.Context, projectID uuid.UUID, userID *uuid.UUID, name, description string, diskID uuid.UUID) (*models.AgentSkill, error) {
	if name == "" {
		return nil, apperr.BadRequest("skill name is required")
	}
	skill := &models.AgentSkill{
		ID:          uuid.New(),
		ProjectID:   projectID,
		UserID:      userID,
		Name:        name,
		Description: description,
		DiskID:      diskID,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO agent_skills (id, project_id, user_id, name, description, disk_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, skill.ID, skill.ProjectID, nullUUID(skill.UserID), skill.Name, skill.Description, skill.DiskID, skill.CreatedAt, skill.UpdatedAt)
	if isUniqueViolation(err) {
		return nil, apperr.Conflict("skill %q already exists", name)
	}
	if err != nil {
		return nil, apperr.Retryable(err, "create skill")
	}
	return skill, nil
}

// GetAgentSkill fetches a skill by id.
func (s *Store) GetAgentSkill(ctx context.Context, id uuid.UUID) (*models.AgentSkill, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, project_id, user_id, name, description, disk_id, created_at, updated_at
		FROM agent_skills WHERE id = $1
	`, id)
	return scanSkill(row, "skill "+id.String())
}

// GetAgentSkillByName resolves a skill by project-scoped name. When
// userID is nil the project-level namespace is searched.
func (s *Store) GetAgentSkillByName(ctx context.Context, projectID uuid.UUID, userID *uuid.UUID, name string) (*models.AgentSkill, error) {
	var row *sql.Row
	if userID == nil {
		row = s.q.QueryRowContext(ctx, `
			SELECT id, project_id, user_id, name, description, disk_id, created_at, updated_at
			FROM agent_skills WHERE project_id = $1 AND user_id IS NULL AND name = $2
		`, projectID, name)
	} else {
		row = s.q.QueryRowContext(ctx, `
			SELECT id, project_id, user_id, name, description, disk_id, created_at, updated_at
			FROM agent_skills WHERE project_id = $1 AND user_id = $2 AND name = $3
		`, projectID, *userID, name)
	}
	return scanSkill(row, "skill "+name)
}

// UpdateSkillDescription syncs the skill description after a SKILL.md
// edit. Names are immutable; there is deliberately no rename path.
func (s *Store) UpdateSkillDescription(ctx context.Context, id uuid.UUID, description string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE agent_skills SET description = $1, updated_at = $2 WHERE id = $3
	`, description, time.Now().UTC(), id)
	if err != nil {
		return apperr.Retryable(err, "update skill description")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("skill %s", id)
	}
	return nil
}

// EnsureLearningSpace finds or creates the learning space for a
// project (or a user within it).
func (s *Store) EnsureLearningSpace(ctx context.Context, projectID uuid.UUID, userID *uuid.UUID) (*models.LearningSpace, error) {
	space, err := s.findLearningSpace(ctx, projectID, userID)
	if err == nil {
		return space, nil
	}
	if !apperr.IsCode(err, apperr.CodeNotFound) {
		return nil, err
	}

	space = &models.LearningSpace{
		ID:        uuid.New(),
		ProjectID: projectID,
		UserID:    userID,
		Name:      "default",
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO learning_spaces (id, project_id, user_id, name, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, space.ID, space.ProjectID, nullUUID(space.UserID), space.Name, space.CreatedAt)
	if isUniqueViolation(err) {
		return s.findLearningSpace(ctx, projectID, userID)
	}
	if err != nil {
		return nil, apperr.Retryable(err, "create learning space")
	}
	return space, nil
}

func (s *Store) findLearningSpace(ctx context.Context, projectID uuid.UUID, userID *uuid.UUID) (*models.LearningSpace, error) {
	var row *sql.Row
	if userID == nil {
		row = s.q.QueryRowContext(ctx, `
			SELECT id, project_id, user_id, name, created_at
			FROM learning_spaces WHERE project_id = $1 AND user_id IS NULL
		`, projectID)
	} else {
		row = s.q.QueryRowContext(ctx, `
			SELECT id, project_id, user_id, name, created_at
			FROM learning_spaces WHERE project_id = $1 AND user_id = $2
		`, projectID, *userID)
	}
	var (
		space  models.LearningSpace
		rawUID sql.NullString
	)
	err := row.Scan(&space.ID, &space.ProjectID, &rawUID, &space.Name, &space.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("learning space for project %s", projectID)
	}
	if err != nil {
		return nil, apperr.Retryable(err, "find learning space")
	}
	if rawUID.Valid {
		if uid, parseErr := uuid.Parse(rawUID.String); parseErr == nil {
			space.UserID = &uid
		}
	}
	return &space, nil
}

// AddSkillToSpace joins a skill into a learning space. Idempotent.
func (s *Store) AddSkillToSpace(ctx context.Context, spaceID, skillID uuid.UUID) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO learning_space_skills (space_id, skill_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING
	`, spaceID, skillID)
	if err != nil {
		return apperr.Retryable(err, "add skill to space")
	}
	return nil
}

// ListSpaceSkills returns the skills joined into a space.
func (s *Store) ListSpaceSkills(ctx context.Context, spaceID uuid.UUID) ([]*models.AgentSkill, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT k.id, k.project_id, k.user_id, k.name, k.description, k.disk_id, k.created_at, k.updated_at
		FROM agent_skills k
		JOIN learning_space_skills j ON j.skill_id = k.id
		WHERE j.space_id = $1
		ORDER BY k.name
	`, spaceID)
	if err != nil {
		return nil, apperr.Retryable(err, "list space skills")
	}
	defer rows.Close()

	var out []*models.AgentSkill
	for rows.Next() {
		skill, err := scanSkill(rows, "skill")
		if err != nil {
			return nil, err
		}
		out = append(out, skill)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Retryable(err, "list space skills")
	}
	return out, nil
}

// SetSpaceSessionStatus upserts the learning ledger entry for a
// session within a space.
func (s *Store) SetSpaceSessionStatus(ctx context.Context, spaceID, sessionID uuid.UUID, status models.LearningSessionStatus) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO learning_space_sessions (space_id, session_id, status, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (space_id, session_id) DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`, spaceID, sessionID, status, time.Now().UTC())
	if err != nil {
		return apperr.Retryable(err, "set space session status")
	}
	return nil
}

// GetSpaceSessionStatus reads the ledger entry for a session.
func (s *Store) GetSpaceSessionStatus(ctx context.Context, spaceID, sessionID uuid.UUID) (models.LearningSessionStatus, error) {
	var status models.LearningSessionStatus
	err := s.q.QueryRowContext(ctx, `
		SELECT status FROM learning_space_sessions
		WHERE space_id = $1 AND session_id = $2
	`, spaceID, sessionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.NotFound("session %s in space %s", sessionID, spaceID)
	}
	if err != nil {
		return "", apperr.Retryable(err, "get space session status")
	}
	return status, nil
}

type skillScanner interface {
	Scan(dest ...any) error
}

func scanSkill(row skillScanner, what string) (*models.AgentSkill, error) {
	var (
		skill  models.AgentSkill
		rawUID sql.NullString
	)
	err := row.Scan(&skill.ID, &skill.ProjectID, &rawUID, &skill.Name, &skill.Description, &skill.DiskID, &skill.CreatedAt, &skill.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("%s not found", what)
	}
	if err != nil {
		return nil, apperr.Retryable(err, "scan skill")
	}
	if rawUID.Valid {
		if uid, parseErr := uuid.Parse(rawUID.String); parseErr == nil {
			skill.UserID = &uid
		}
	}
	return &skill, nil
}
