// Package skilllearn turns terminated tasks into durable agent
// skills: a one-shot distillation call summarizes what happened, then
// a tool-calling learner edits the skill files in the artifact store.
package skilllearn

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/acontexthq/acontext/internal/agent"
	"github.com/acontexthq/acontext/internal/apperr"
	"github.com/acontexthq/acontext/internal/config"
	"github.com/acontexthq/acontext/internal/llm"
	"github.com/acontexthq/acontext/internal/observability"
	"github.com/acontexthq/acontext/internal/store"
	"github.com/acontexthq/acontext/pkg/models"
)

// ContentStore uploads file bytes and returns the asset metadata to
// persist. Satisfied by blob.Store.
type ContentStore interface {
	PutContent(ctx context.Context, projectID uuid.UUID, filename string, data []byte) (models.AssetMeta, error)
}

// SkillInfo is the learner's in-memory view of one skill.
type SkillInfo struct {
	Skill     *models.AgentSkill
	FilePaths []string
}

// Scope is the per-iteration view the learner tools operate on.
// Skills persists across iterations; Tx is rebuilt per iteration.
type Scope struct {
	Tx    *store.Store
	State *agent.State
	Blob  ContentStore

	ProjectID uuid.UUID
	UserID    *uuid.UUID
	SpaceID   uuid.UUID

	Skills map[string]*SkillInfo
}

func (s *Scope) skill(name string) (*SkillInfo, error) {
	info, ok := s.Skills[name]
	if !ok {
		return nil, apperr.NotFound("skill %q is not in this learning space", name)
	}
	return info, nil
}

// NewLoop builds the skill-learner agent over a prepared scope.
func NewLoop(provider llm.Provider, st *store.Store, logger *observability.Logger, metrics *observability.Metrics, cfg config.EngineConfig, scope *Scope) *agent.Loop[*Scope] {
	return &agent.Loop[*Scope]{
		Name:          "skill-learner",
		Provider:      provider,
		Store:         st,
		Logger:        logger,
		Metrics:       metrics,
		System:        learnerSystemPrompt,
		Tools:         learnerTools(),
		MaxIterations: cfg.SkillLearnerMaxIterations,
		NewScope: func(tx *store.Store, state *agent.State) *Scope {
			scope.Tx = tx
			scope.State = state
			return scope
		},
	}
}

func learnerTools() []agent.Tool[*Scope] {
	return []agent.Tool[*Scope]{
		learnerThinkingTool(),
		getSkillTool(),
		getSkillFileTool(),
		strReplaceSkillFileTool(),
		createSkillFileTool(),
		createSkillTool(),
		mvSkillFileTool(),
		deleteSkillFileTool(),
	}
}

func learnerThinkingTool() agent.Tool[*Scope] {
	return agent.Tool[*Scope]{
		Def: agent.ReportThinkingDef,
		Handle: func(ctx context.Context, scope *Scope, args map[string]any) (string, error) {
			if _, err := agent.StringArg(args, "thinking"); err != nil {
				return "", err
			}
			scope.State.HasReportedThinking = true
			return agent.OKResult, nil
		},
	}
}

func getSkillTool() agent.Tool[*Scope] {
	return agent.Tool[*Scope]{
		Def: llm.ToolDef{
			Name:        "get_skill",
			Description: "Look up a skill's description and file list.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{"type": "string"},
				},
				"required": []string{"name"},
			},
		},
		Handle: func(ctx context.Context, scope *Scope, args map[string]any) (string, error) {
			name, err := agent.StringArg(args, "name")
			if err != nil {
				return "", err
			}
			info, err := scope.skill(name)
			if err != nil {
				return "", err
			}
			var b strings.Builder
			fmt.Fprintf(&b, "name: %s\ndescription: %s\nfiles:\n", info.Skill.Name, info.Skill.Description)
			for _, path := range info.FilePaths {
				fmt.Fprintf(&b, "- %s\n", path)
			}
			return b.String(), nil
		},
	}
}

func getSkillFileTool() agent.Tool[*Scope] {
	return agent.Tool[*Scope]{
		Def: llm.ToolDef{
			Name:        "get_skill_file",
			Description: "Read a skill file's content.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{"type": "string"},
					"path": map[string]any{"type": "string", "description": "Skill-relative path, e.g. SKILL.md or scripts/main.py."},
				},
				"required": []string{"name", "path"},
			},
		},
		Handle: func(ctx context.Context, scope *Scope, args map[string]any) (string, error) {
			info, dir, filename, err := resolveSkillFile(scope, args)
			if err != nil {
				return "", err
			}
			artifact, err := scope.Tx.GetArtifact(ctx, info.Skill.DiskID, dir, filename)
			if err != nil {
				return "", err
			}
			return artifact.AssetMeta.Content, nil
		},
	}
}

func strReplaceSkillFileTool() agent.Tool[*Scope] {
	return agent.Tool[*Scope]{
		Def: llm.ToolDef{
			Name:        "str_replace_skill_file",
			Description: "Replace a unique occurrence of old with new in a skill file. Editing SKILL.md must not change the name field.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{"type": "string"},
					"path": map[string]any{"type": "string"},
					"old":  map[string]any{"type": "string"},
					"new":  map[string]any{"type": "string"},
				},
				"required": []string{"name", "path", "old", "new"},
			},
		},
		Handle: func(ctx context.Context, scope *Scope, args map[string]any) (string, error) {
			if err := agent.RequireThinking(scope.State); err != nil {
				return "", err
			}
			info, dir, filename, err := resolveSkillFile(scope, args)
			if err != nil {
				return "", err
			}
			oldStr, err := agent.StringArg(args, "old")
			if err != nil {
				return "", err
			}
			newStr, err := agent.StringArg(args, "new")
			if err != nil {
				return "", err
			}

			artifact, err := scope.Tx.GetArtifact(ctx, info.Skill.DiskID, dir, filename)
			if err != nil {
				return "", err
			}
			content := artifact.AssetMeta.Content
			switch strings.Count(content, oldStr) {
			case 0:
				return "", apperr.BadRequest("old string not found in %s", filename)
			case 1:
			default:
				return "", apperr.BadRequest("old string matches more than once in %s; widen the context", filename)
			}
			updated := strings.Replace(content, oldStr, newStr, 1)

			if filename == SkillFilename {
				meta, _, err := ParseSkillMD(updated)
				if err != nil {
					return "", err
				}
				if SanitizeName(meta.Name) != info.Skill.Name {
					return "", apperr.Forbidden("SKILL.md name must stay %q", info.Skill.Name)
				}
				if err := scope.Tx.UpdateSkillDescription(ctx, info.Skill.ID, meta.Description); err != nil {
					return "", err
				}
				info.Skill.Description = meta.Description
			}

			if err := writeSkillFile(ctx, scope, info, dir, filename, updated); err != nil {
				return "", err
			}
			return agent.OKResult, nil
		},
	}
}

func createSkillFileTool() agent.Tool[*Scope] {
	return agent.Tool[*Scope]{
		Def: llm.ToolDef{
			Name:        "create_skill_file",
			Description: "Create a new file in a skill. SKILL.md cannot be created this way.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":    map[string]any{"type": "string"},
					"path":    map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				},
				"required": []string{"name", "path", "content"},
			},
		},
		Handle: func(ctx context.Context, scope *Scope, args map[string]any) (string, error) {
			if err := agent.RequireThinking(scope.State); err != nil {
				return "", err
			}
			info, dir, filename, err := resolveSkillFile(scope, args)
			if err != nil {
				return "", err
			}
			if filename == SkillFilename {
				return "", apperr.Forbidden("SKILL.md exists from skill creation; edit it with str_replace_skill_file")
			}
			content, err := agent.StringArg(args, "content")
			if err != nil {
				return "", err
			}
			if err := writeSkillFile(ctx, scope, info, dir, filename, content); err != nil {
				return "", err
			}
			info.FilePaths = append(info.FilePaths, joinSkillPath(dir, filename))
			return agent.OKResult, nil
		},
	}
}

func createSkillTool() agent.Tool[*Scope] {
	return agent.Tool[*Scope]{
		Def: llm.ToolDef{
			Name:        "create_skill",
			Description: "Create a new skill from full SKILL.md content (YAML front matter with name and description, then the markdown body). Name skills at the domain level, never after one task.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"skill_md_content": map[string]any{"type": "string"},
				},
				"required": []string{"skill_md_content"},
			},
		},
		Handle: func(ctx context.Context, scope *Scope, args map[string]any) (string, error) {
			if err := agent.RequireThinking(scope.State); err != nil {
				return "", err
			}
			content, err := agent.StringArg(args, "skill_md_content")
			if err != nil {
				return "", err
			}
			meta, _, err := ParseSkillMD(content)
			if err != nil {
				return "", err
			}
			name := SanitizeName(meta.Name)
			if _, exists := scope.Skills[name]; exists {
				return "", apperr.Conflict("skill %q already exists; update it instead", name)
			}

			disk, err := scope.Tx.CreateDisk(ctx, scope.ProjectID, scope.UserID)
			if err != nil {
				return "", err
			}
			skill, err := scope.Tx.CreateAgentSkill(ctx, scope.ProjectID, scope.UserID, name, meta.Description, disk.ID)
			if err != nil {
				return "", err
			}
			if err := scope.Tx.AddSkillToSpace(ctx, scope.SpaceID, skill.ID); err != nil {
				return "", err
			}

			info := &SkillInfo{Skill: skill}
			scope.Skills[name] = info
			if err := writeSkillFile(ctx, scope, info, "/", SkillFilename, content); err != nil {
				return "", err
			}
			info.FilePaths = append(info.FilePaths, SkillFilename)
			return "created skill " + name, nil
		},
	}
}

func mvSkillFileTool() agent.Tool[*Scope] {
	return agent.Tool[*Scope]{
		Def: llm.ToolDef{
			Name:        "mv_skill_file",
			Description: "Move a skill file to a new path. SKILL.md cannot move; the destination must not exist.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{"type": "string"},
					"src":  map[string]any{"type": "string"},
					"dst":  map[string]any{"type": "string"},
				},
				"required": []string{"name", "src", "dst"},
			},
		},
		Handle: func(ctx context.Context, scope *Scope, args map[string]any) (string, error) {
			if err := agent.RequireThinking(scope.State); err != nil {
				return "", err
			}
			name, err := agent.StringArg(args, "name")
			if err != nil {
				return "", err
			}
			info, err := scope.skill(name)
			if err != nil {
				return "", err
			}
			src, err := agent.StringArg(args, "src")
			if err != nil {
				return "", err
			}
			dst, err := agent.StringArg(args, "dst")
			if err != nil {
				return "", err
			}
			srcDir, srcName, err := SplitPath(src)
			if err != nil {
				return "", err
			}
			dstDir, dstName, err := SplitPath(dst)
			if err != nil {
				return "", err
			}
			if srcName == SkillFilename || dstName == SkillFilename {
				return "", apperr.Forbidden("SKILL.md cannot be moved")
			}
			if _, err := scope.Tx.GetArtifact(ctx, info.Skill.DiskID, dstDir, dstName); err == nil {
				return "", apperr.Conflict("destination %s already exists", dst)
			} else if !apperr.IsCode(err, apperr.CodeNotFound) {
				return "", err
			}

			artifact, err := scope.Tx.GetArtifact(ctx, info.Skill.DiskID, srcDir, srcName)
			if err != nil {
				return "", err
			}
			if _, err := scope.Tx.UpsertArtifact(ctx, info.Skill.DiskID, dstDir, dstName, artifact.AssetMeta, artifact.Meta); err != nil {
				return "", err
			}
			if err := scope.Tx.DeleteArtifact(ctx, info.Skill.DiskID, srcDir, srcName); err != nil {
				return "", err
			}
			replaceSkillPath(info, joinSkillPath(srcDir, srcName), joinSkillPath(dstDir, dstName))
			return agent.OKResult, nil
		},
	}
}

func deleteSkillFileTool() agent.Tool[*Scope] {
	return agent.Tool[*Scope]{
		Def: llm.ToolDef{
			Name:        "delete_skill_file",
			Description: "Delete a skill file. SKILL.md cannot be deleted.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{"type": "string"},
					"path": map[string]any{"type": "string"},
				},
				"required": []string{"name", "path"},
			},
		},
		Handle: func(ctx context.Context, scope *Scope, args map[string]any) (string, error) {
			if err := agent.RequireThinking(scope.State); err != nil {
				return "", err
			}
			info, dir, filename, err := resolveSkillFile(scope, args)
			if err != nil {
				return "", err
			}
			if filename == SkillFilename {
				return "", apperr.Forbidden("SKILL.md cannot be deleted")
			}
			if err := scope.Tx.DeleteArtifact(ctx, info.Skill.DiskID, dir, filename); err != nil {
				return "", err
			}
			removeSkillPath(info, joinSkillPath(dir, filename))
			return agent.OKResult, nil
		},
	}
}

func resolveSkillFile(scope *Scope, args map[string]any) (*SkillInfo, string, string, error) {
	name, err := agent.StringArg(args, "name")
	if err != nil {
		return nil, "", "", err
	}
	info, err := scope.skill(name)
	if err != nil {
		return nil, "", "", err
	}
	raw, err := agent.StringArg(args, "path")
	if err != nil {
		return nil, "", "", err
	}
	dir, filename, err := SplitPath(raw)
	if err != nil {
		return nil, "", "", err
	}
	return info, dir, filename, nil
}

func writeSkillFile(ctx context.Context, scope *Scope, info *SkillInfo, dir, filename, content string) error {
	meta, err := scope.Blob.PutContent(ctx, scope.ProjectID, filename, []byte(content))
	if err != nil {
		return err
	}
	_, err = scope.Tx.UpsertArtifact(ctx, info.Skill.DiskID, dir, filename, meta, nil)
	return err
}

func joinSkillPath(dir, filename string) string {
	if dir == "/" || dir == "" {
		return filename
	}
	return dir + filename
}

func replaceSkillPath(info *SkillInfo, from, to string) {
	for i, p := range info.FilePaths {
		if p == from {
			info.FilePaths[i] = to
			return
		}
	}
	info.FilePaths = append(info.FilePaths, to)
}

func removeSkillPath(info *SkillInfo, path string) {
	for i, p := range info.FilePaths {
		if p == path {
			info.FilePaths = append(info.FilePaths[:i], info.FilePaths[i+1:]...)
			return
		}
	}
}
