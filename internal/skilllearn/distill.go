package skilllearn

import (
	"context"
	"fmt"
	"strings"

	"github.com/acontexthq/acontext/internal/apperr"
	"github.com/acontexthq/acontext/internal/llm"
	"github.com/acontexthq/acontext/pkg/models"
)

const (
	successAnalysisTool = "report_success_analysis"
	failureAnalysisTool = "report_failure_analysis"
)

var successFields = []string{"goal", "approach", "key_decisions", "generalizable_pattern"}

var failureFields = []string{"failure_point", "flawed_reasoning", "corrective_approach", "prevention_principle"}

const distillSystemPrompt = `You analyze a finished task from an agent conversation and distill what is worth remembering.

Report through the required tool call only. Be concrete: name the domain, the approach taken, and what generalizes beyond this one task. Do not restate the conversation.`

// Distiller produces the markdown analysis block the learner consumes.
// It is a single forced tool call, never a loop.
type Distiller struct {
	Provider llm.Provider
}

// Distill summarizes one terminated task. The forced tool depends on
// the task's terminal status.
func (d *Distiller) Distill(ctx context.Context, task *models.Task, taskMessages []*models.Message, allTasks []*models.Task) (string, error) {
	toolName := successAnalysisTool
	fields := successFields
	if task.Status == models.TaskStatusFailed {
		toolName = failureAnalysisTool
		fields = failureFields
	}

	resp, err := d.Provider.Complete(ctx, &llm.Request{
		System:    distillSystemPrompt,
		Messages:  distillInput(task, taskMessages, allTasks),
		Tools:     []llm.ToolDef{analysisToolDef(toolName, fields)},
		ForceTool: toolName,
	})
	if err != nil {
		return "", err
	}

	call, err := findToolCall(resp, toolName)
	if err != nil {
		return "", err
	}
	return formatAnalysis(task, call.Arguments, fields)
}

func analysisToolDef(name string, fields []string) llm.ToolDef {
	properties := map[string]any{}
	for _, field := range fields {
		properties[field] = map[string]any{"type": "string"}
	}
	description := "Report the distilled success analysis."
	if name == failureAnalysisTool {
		description = "Report the distilled failure analysis."
	}
	return llm.ToolDef{
		Name:        name,
		Description: description,
		Parameters: map[string]any{
			"type":       "object",
			"properties": properties,
			"required":   fields,
		},
	}
}

func findToolCall(resp *llm.Response, name string) (*llm.ToolCall, error) {
	for i := range resp.ToolCalls {
		if resp.ToolCalls[i].Name == name {
			return &resp.ToolCalls[i], nil
		}
	}
	return nil, apperr.Retryable(nil, "model did not call %s", name)
}

// formatAnalysis renders the tool arguments as the markdown block used
// verbatim as the learner's input. Missing or empty required fields
// are retryable: the distillation is repeated on redelivery.
func formatAnalysis(task *models.Task, args map[string]any, fields []string) (string, error) {
	var b strings.Builder
	if task.Status == models.TaskStatusSuccess {
		b.WriteString("## Success analysis\n")
	} else {
		b.WriteString("## Failure analysis\n")
	}
	fmt.Fprintf(&b, "Task: %s\n\n", task.Data.Description)

	for _, field := range fields {
		value, _ := args[field].(string)
		if strings.TrimSpace(value) == "" {
			return "", apperr.Retryable(nil, "analysis is missing %s", field)
		}
		fmt.Fprintf(&b, "### %s\n%s\n\n", strings.ReplaceAll(field, "_", " "), value)
	}
	return b.String(), nil
}

func distillInput(task *models.Task, taskMessages []*models.Message, allTasks []*models.Task) []llm.Turn {
	var b strings.Builder

	fmt.Fprintf(&b, "## Terminated task\n[%s] %s\n", task.Status, task.Data.Description)
	for _, progress := range task.Data.Progresses {
		fmt.Fprintf(&b, "- %s\n", progress)
	}
	for _, pref := range task.Data.UserPreferences {
		fmt.Fprintf(&b, "* preference: %s\n", pref)
	}

	if len(allTasks) > 1 {
		b.WriteString("\n## Other tasks in this session\n")
		for _, other := range allTasks {
			if other.ID == task.ID {
				continue
			}
			fmt.Fprintf(&b, "%d. [%s] %s\n", other.Order, other.Status, other.Data.Description)
		}
	}

	b.WriteString("\n## Conversation\n")
	for _, msg := range taskMessages {
		fmt.Fprintf(&b, "[%s] %s\n", msg.Role, msg.FirstText())
	}

	return []llm.Turn{{
		Role:  "user",
		Parts: []models.Part{{Type: models.PartTypeText, Text: b.String()}},
	}}
}
