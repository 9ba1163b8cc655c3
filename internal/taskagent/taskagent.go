// Package taskagent maintains a session's task graph from incoming
// user messages: it creates tasks for explicit requests, records
// progress, and links raw messages to the tasks they belong to.
package taskagent

import (
	"context"
	"strconv"

	"github.com/google/uuid"

	"github.com/acontexthq/acontext/internal/agent"
	"github.com/acontexthq/acontext/internal/apperr"
	"github.com/acontexthq/acontext/internal/config"
	"github.com/acontexthq/acontext/internal/llm"
	"github.com/acontexthq/acontext/internal/observability"
	"github.com/acontexthq/acontext/internal/store"
	"github.com/acontexthq/acontext/pkg/models"
)

// Scope is the per-iteration view the task tools operate on.
type Scope struct {
	Tx    *store.Store
	State *agent.State

	SessionID uuid.UUID

	// BatchMessageIDs are the ids of the messages in this run's batch,
	// in the order they are numbered in the prompt.
	BatchMessageIDs []uuid.UUID
}

// resolveRange converts 1-based inclusive prompt indices to message
// ids.
func (s *Scope) resolveRange(start, end int) ([]uuid.UUID, error) {
	if start < 1 || end < start || end > len(s.BatchMessageIDs) {
		return nil, apperr.BadRequest("message range [%d,%d] out of bounds 1..%d", start, end, len(s.BatchMessageIDs))
	}
	return s.BatchMessageIDs[start-1 : end], nil
}

// NewLoop builds the task-management agent.
func NewLoop(provider llm.Provider, st *store.Store, logger *observability.Logger, metrics *observability.Metrics, cfg config.EngineConfig, scope *Scope) *agent.Loop[*Scope] {
	return &agent.Loop[*Scope]{
		Name:          "task",
		Provider:      provider,
		Store:         st,
		Logger:        logger,
		Metrics:       metrics,
		System:        systemPrompt,
		Tools:         tools(),
		MaxIterations: cfg.TaskAgentMaxIterations,
		NewScope: func(tx *store.Store, state *agent.State) *Scope {
			scope.Tx = tx
			scope.State = state
			return scope
		},
	}
}

func tools() []agent.Tool[*Scope] {
	return []agent.Tool[*Scope]{
		reportThinkingTool(),
		insertTaskTool(),
		updateTaskTool(),
		appendMessagesTool(),
		appendProgressTool(),
		setPreferenceTool(),
		planningSectionTool(),
	}
}

func reportThinkingTool() agent.Tool[*Scope] {
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

func insertTaskTool() agent.Tool[*Scope] {
	return agent.Tool[*Scope]{
		Def: llm.ToolDef{
			Name:        "insert_task",
			Description: "Create a new task after the given order. Use after_order=0 to insert at the head. The description must preserve the user's wording.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"after_order": map[string]any{"type": "integer", "description": "Existing task order to insert after; 0 for the head."},
					"description": map[string]any{"type": "string", "description": "The task in the user's own words."},
				},
				"required": []string{"after_order", "description"},
			},
		},
		Handle: func(ctx context.Context, scope *Scope, args map[string]any) (string, error) {
			if err := agent.RequireThinking(scope.State); err != nil {
				return "", err
			}
			afterOrder, err := agent.IntArg(args, "after_order")
			if err != nil {
				return "", err
			}
			description, err := agent.StringArg(args, "description")
			if err != nil {
				return "", err
			}
			task, err := scope.Tx.InsertTask(ctx, scope.SessionID, afterOrder, models.TaskData{Description: description})
			if err != nil {
				return "", err
			}
			return "created task at order " + strconv.Itoa(task.Order), nil
		},
	}
}

func updateTaskTool() agent.Tool[*Scope] {
	return agent.Tool[*Scope]{
		Def: llm.ToolDef{
			Name:        "update_task",
			Description: "Update a task's status and/or description by order. Marking success or failed terminates the task and schedules skill learning.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"order":       map[string]any{"type": "integer"},
					"status":      map[string]any{"type": "string", "enum": []string{"pending", "running", "success", "failed"}},
					"description": map[string]any{"type": "string"},
				},
				"required": []string{"order"},
			},
		},
		Handle: func(ctx context.Context, scope *Scope, args map[string]any) (string, error) {
			if err := agent.RequireThinking(scope.State); err != nil {
				return "", err
			}
			order, err := agent.IntArg(args, "order")
			if err != nil {
				return "", err
			}
			task, err := scope.Tx.GetTaskByOrder(ctx, scope.SessionID, order)
			if err != nil {
				return "", err
			}

			var patch store.TaskPatch
			if status, ok, err := agent.OptionalStringArg(args, "status"); err != nil {
				return "", err
			} else if ok {
				s := models.TaskStatus(status)
				patch.Status = &s
			}
			if description, ok, err := agent.OptionalStringArg(args, "description"); err != nil {
				return "", err
			} else if ok {
				patch.Description = &description
			}

			updated, err := scope.Tx.UpdateTask(ctx, task.ID, patch)
			if err != nil {
				return "", err
			}
			if updated.Status.Terminal() {
				scope.State.AddTerminatedTask(updated.ID)
			}
			return agent.OKResult, nil
		},
	}
}

func appendMessagesTool() agent.Tool[*Scope] {
	return agent.Tool[*Scope]{
		Def: llm.ToolDef{
			Name:        "append_messages_to_task",
			Description: "Link a range of the numbered batch messages to a task. Reopens terminal tasks to running first.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"order":       map[string]any{"type": "integer"},
					"start_index": map[string]any{"type": "integer", "description": "First batch message number, 1-based inclusive."},
					"end_index":   map[string]any{"type": "integer", "description": "Last batch message number, inclusive."},
				},
				"required": []string{"order", "start_index", "end_index"},
			},
		},
		Handle: func(ctx context.Context, scope *Scope, args map[string]any) (string, error) {
			if err := agent.RequireThinking(scope.State); err != nil {
				return "", err
			}
			order, err := agent.IntArg(args, "order")
			if err != nil {
				return "", err
			}
			start, err := agent.IntArg(args, "start_index")
			if err != nil {
				return "", err
			}
			end, err := agent.IntArg(args, "end_index")
			if err != nil {
				return "", err
			}
			ids, err := scope.resolveRange(start, end)
			if err != nil {
				return "", err
			}

			task, err := scope.Tx.GetTaskByOrder(ctx, scope.SessionID, order)
			if err != nil {
				return "", err
			}
			if task.Status.Terminal() {
				running := models.TaskStatusRunning
				if _, err := scope.Tx.UpdateTask(ctx, task.ID, store.TaskPatch{Status: &running}); err != nil {
					return "", err
				}
			}
			if err := scope.Tx.AppendMessagesToTask(ctx, ids, task.ID); err != nil {
				return "", err
			}
			return agent.OKResult, nil
		},
	}
}

func appendProgressTool() agent.Tool[*Scope] {
	return agent.Tool[*Scope]{
		Def: llm.ToolDef{
			Name:        "append_task_progress",
			Description: "Append one progress line to a running task. Plan steps belong here, not in new tasks.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"order":    map[string]any{"type": "integer"},
					"progress": map[string]any{"type": "string"},
				},
				"required": []string{"order", "progress"},
			},
		},
		Handle: func(ctx context.Context, scope *Scope, args map[string]any) (string, error) {
			if err := agent.RequireThinking(scope.State); err != nil {
				return "", err
			}
			order, err := agent.IntArg(args, "order")
			if err != nil {
				return "", err
			}
			progress, err := agent.StringArg(args, "progress")
			if err != nil {
				return "", err
			}
			task, err := scope.Tx.GetTaskByOrder(ctx, scope.SessionID, order)
			if err != nil {
				return "", err
			}
			if _, err := scope.Tx.AppendProgressToTask(ctx, task.ID, progress); err != nil {
				return "", err
			}
			return agent.OKResult, nil
		},
	}
}

func setPreferenceTool() agent.Tool[*Scope] {
	return agent.Tool[*Scope]{
		Def: llm.ToolDef{
			Name:        "set_task_user_preference",
			Description: "Record how the user wants this task done. Replaces any previous preference.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"order":      map[string]any{"type": "integer"},
					"preference": map[string]any{"type": "string"},
				},
				"required": []string{"order", "preference"},
			},
		},
		Handle: func(ctx context.Context, scope *Scope, args map[string]any) (string, error) {
			if err := agent.RequireThinking(scope.State); err != nil {
				return "", err
			}
			order, err := agent.IntArg(args, "order")
			if err != nil {
				return "", err
			}
			pref, err := agent.StringArg(args, "preference")
			if err != nil {
				return "", err
			}
			task, err := scope.Tx.GetTaskByOrder(ctx, scope.SessionID, order)
			if err != nil {
				return "", err
			}
			if _, err := scope.Tx.SetUserPreferenceForTask(ctx, task.ID, pref); err != nil {
				return "", err
			}
			return agent.OKResult, nil
		},
	}
}

func planningSectionTool() agent.Tool[*Scope] {
	return agent.Tool[*Scope]{
		Def: llm.ToolDef{
			Name:        "append_messages_to_planning_section",
			Description: "Mark a range of batch messages as planning turns that belong to no task.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"start_index": map[string]any{"type": "integer"},
					"end_index":   map[string]any{"type": "integer"},
				},
				"required": []string{"start_index", "end_index"},
			},
		},
		Handle: func(ctx context.Context, scope *Scope, args map[string]any) (string, error) {
			if err := agent.RequireThinking(scope.State); err != nil {
				return "", err
			}
			start, err := agent.IntArg(args, "start_index")
			if err != nil {
				return "", err
			}
			end, err := agent.IntArg(args, "end_index")
			if err != nil {
				return "", err
			}
			ids, err := scope.resolveRange(start, end)
			if err != nil {
				return "", err
			}
			for _, id := range ids {
				if _, err := scope.Tx.PatchMessageMeta(ctx, id, map[string]any{"planning": true}); err != nil {
					return "", err
				}
			}
			return agent.OKResult, nil
		},
	}
}
