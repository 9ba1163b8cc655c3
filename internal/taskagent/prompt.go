package taskagent

import (
	"fmt"
	"strings"

	"github.com/acontexthq/acontext/internal/llm"
	"github.com/acontexthq/acontext/pkg/models"
)

const systemPrompt = `You maintain the task list for a conversation between a user and an assistant.

Rules:
- First call report_thinking with your analysis, then act.
- Create one task per explicit user request, preserving the user's wording in the description. A single turn may contain several requests; create one task for each.
- The assistant's plan steps are progress on an existing task, never new tasks.
- Link every batch message to the task it belongs to, or mark pure planning turns with append_messages_to_planning_section.
- Mark a task success or failed only when the conversation shows it finished.
- Record explicit "do it this way" instructions with set_task_user_preference.
- Call finish when the task list reflects the batch.`

// BuildInitialTurns composes the agent's input: prior context, the
// current task list, and the numbered batch messages.
func BuildInitialTurns(previous, batch []*models.Message, tasks []*models.Task) []llm.Turn {
	var b strings.Builder

	if len(previous) > 0 {
		b.WriteString("## Earlier conversation\n")
		for _, msg := range previous {
			fmt.Fprintf(&b, "[%s] %s\n", msg.Role, msg.FirstText())
		}
		b.WriteString("\n")
	}

	b.WriteString("## Current tasks\n")
	if len(tasks) == 0 {
		b.WriteString("(none)\n")
	}
	for _, task := range tasks {
		fmt.Fprintf(&b, "%d. [%s] %s\n", task.Order, task.Status, task.Data.Description)
		for _, progress := range task.Data.Progresses {
			fmt.Fprintf(&b, "   - %s\n", progress)
		}
		for _, pref := range task.Data.UserPreferences {
			fmt.Fprintf(&b, "   * preference: %s\n", pref)
		}
	}
	b.WriteString("\n## New messages\n")
	for i, msg := range batch {
		fmt.Fprintf(&b, "Message %d [%s]: %s\n", i+1, msg.Role, messageText(msg))
	}

	return []llm.Turn{{
		Role:  "user",
		Parts: []models.Part{{Type: models.PartTypeText, Text: b.String()}},
	}}
}

func messageText(msg *models.Message) string {
	var bits []string
	for _, p := range msg.Parts {
		switch p.Type {
		case models.PartTypeText:
			bits = append(bits, p.Text)
		case models.PartTypeToolCall:
			bits = append(bits, fmt.Sprintf("(called tool %s)", p.ToolName))
		case models.PartTypeToolResult:
			bits = append(bits, fmt.Sprintf("(tool result: %s)", p.Result))
		case models.PartTypeImage:
			bits = append(bits, "(image)")
		case models.PartTypeFile:
			bits = append(bits, "(file)")
		}
	}
	return strings.Join(bits, " ")
}
