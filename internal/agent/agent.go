// Package agent implements the bounded tool-calling loop shared by the
// task-management and skill-learner agents.
//
// Each outer iteration makes one completion call, then dispatches the
// returned tool calls serially inside a single database transaction.
// The transaction commits at the iteration boundary, so long LLM calls
// never hold database locks. State that must survive the per-iteration
// transaction rebuild (thinking gate, terminated task ids) lives in
// State, owned by the loop across iterations.
package agent

import (
	"context"

	"github.com/google/uuid"

	"github.com/acontexthq/acontext/internal/apperr"
	"github.com/acontexthq/acontext/internal/llm"
	"github.com/acontexthq/acontext/internal/observability"
	"github.com/acontexthq/acontext/internal/store"
	"github.com/acontexthq/acontext/pkg/models"
)

// FinishToolName ends the loop when called.
const FinishToolName = "finish"

// Tool pairs a schema declaration with its handler. The scope argument
// is the agent-specific view over the current transaction.
type Tool[S any] struct {
	Def    llm.ToolDef
	Handle func(ctx context.Context, scope S, args map[string]any) (string, error)
}

// State persists across loop iterations while transactions are rebuilt.
type State struct {
	// HasReportedThinking gates mutating tools on agents that require
	// report_thinking first.
	HasReportedThinking bool

	// TerminatedTaskIDs collects tasks moved to a terminal status
	// during the run. The controller drains them into skill-learn
	// events after the loop.
	TerminatedTaskIDs []uuid.UUID
}

// AddTerminatedTask records a task id once.
func (s *State) AddTerminatedTask(id uuid.UUID) {
	for _, existing := range s.TerminatedTaskIDs {
		if existing == id {
			return
		}
	}
	s.TerminatedTaskIDs = append(s.TerminatedTaskIDs, id)
}

// Loop is a configured agent. S is the scope type handlers receive.
type Loop[S any] struct {
	Name     string
	Provider llm.Provider
	Store    *store.Store
	Logger   *observability.Logger
	Metrics  *observability.Metrics

	System        string
	Tools         []Tool[S]
	MaxIterations int
	MaxTokens     int

	// NewScope builds the per-iteration scope over the transaction
	// store view and the persistent state.
	NewScope func(tx *store.Store, state *State) S
}

// Run executes the loop from the initial turns and returns the final
// state. Tool handlers returning rule violations (BAD_REQUEST,
// FORBIDDEN, NOT_FOUND, CONFLICT) are fed back to the model as error
// tool results so it can adjust; transient and internal errors abort
// the iteration, roll back its transaction, and fail the run.
func (l *Loop[S]) Run(ctx context.Context, initial []llm.Turn) (*State, error) {
	state := &State{}
	turns := append([]llm.Turn(nil), initial...)
	defs := l.toolDefs()

	for i := 0; i < l.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			l.Metrics.AgentRuns.WithLabelValues(l.Name, "error").Inc()
			return state, apperr.Timeout("%s agent cancelled: %v", l.Name, err)
		}
		l.Metrics.AgentIterations.WithLabelValues(l.Name).Inc()

		resp, err := l.Provider.Complete(ctx, &llm.Request{
			System:    l.System,
			Messages:  turns,
			Tools:     defs,
			MaxTokens: l.MaxTokens,
		})
		if err != nil {
			l.Metrics.AgentRuns.WithLabelValues(l.Name, "error").Inc()
			return state, err
		}

		turns = append(turns, assistantTurn(resp))
		if len(resp.ToolCalls) == 0 {
			break
		}

		var done bool
		var results []models.Part
		err = l.Store.InTx(ctx, func(tx *store.Store) error {
			scope := l.NewScope(tx, state)
			for _, call := range resp.ToolCalls {
				result, callErr := l.dispatch(ctx, scope, state, call)
				if callErr != nil {
					if fatalToolError(callErr) {
						return callErr
					}
					results = append(results, models.Part{
						Type:       models.PartTypeToolResult,
						ToolCallID: call.ID,
						Result:     callErr.Error(),
						IsError:    true,
					})
					continue
				}
				if call.Name == FinishToolName {
					done = true
				}
				results = append(results, models.Part{
					Type:       models.PartTypeToolResult,
					ToolCallID: call.ID,
					Result:     result,
				})
			}
			return nil
		})
		if err != nil {
			l.Metrics.AgentRuns.WithLabelValues(l.Name, "error").Inc()
			l.Logger.Error(ctx, "agent iteration failed", "agent", l.Name, "iteration", i+1, "error", err)
			return state, err
		}

		turns = append(turns, llm.Turn{Role: "tool", Parts: results})
		if done {
			break
		}
	}

	l.Metrics.AgentRuns.WithLabelValues(l.Name, "success").Inc()
	return state, nil
}

func (l *Loop[S]) dispatch(ctx context.Context, scope S, state *State, call llm.ToolCall) (string, error) {
	if call.Name == FinishToolName {
		return "done", nil
	}
	for _, tool := range l.Tools {
		if tool.Def.Name == call.Name {
			return tool.Handle(ctx, scope, call.Arguments)
		}
	}
	return "", apperr.BadRequest("unknown tool %q", call.Name)
}

func (l *Loop[S]) toolDefs() []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(l.Tools)+1)
	for _, tool := range l.Tools {
		defs = append(defs, tool.Def)
	}
	defs = append(defs, llm.ToolDef{
		Name:        FinishToolName,
		Description: "Call when all work is complete. Ends the run.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	})
	return defs
}

func assistantTurn(resp *llm.Response) llm.Turn {
	var parts []models.Part
	if resp.Content != "" {
		parts = append(parts, models.Part{Type: models.PartTypeText, Text: resp.Content})
	}
	for _, call := range resp.ToolCalls {
		parts = append(parts, models.Part{
			Type:       models.PartTypeToolCall,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Arguments:  call.Arguments,
		})
	}
	return llm.Turn{Role: "assistant", Parts: parts}
}

// fatalToolError reports whether a tool failure must abort the run
// instead of being surfaced to the model.
func fatalToolError(err error) bool {
	switch apperr.CodeOf(err) {
	case apperr.CodeBadRequest, apperr.CodeForbidden, apperr.CodeNotFound, apperr.CodeConflict:
		return false
	default:
		return true
	}
}

// RequireThinking returns the standard rejection for mutating tools
// called before report_thinking.
func RequireThinking(state *State) error {
	if !state.HasReportedThinking {
		return apperr.Forbidden("call report_thinking before mutating tools")
	}
	return nil
}

// ReportThinkingDef is the shared report_thinking schema. Concrete
// agents attach a handler that flips State.HasReportedThinking through
// their scope.
var ReportThinkingDef = llm.ToolDef{
	Name:        "report_thinking",
	Description: "Record your reasoning before taking actions. Must be called before any mutating tool.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"thinking": map[string]any{
				"type":        "string",
				"description": "Your analysis of the situation and plan.",
			},
		},
		"required": []string{"thinking"},
	},
}

// OKResult is the conventional result for tools with no output.
const OKResult = "ok"
