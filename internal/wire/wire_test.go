package wire

import (
	"encoding/json"
	"testing"

	"github.com/acontexthq/acontext/pkg/models"
)

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat(""); err != nil || f != FormatAcontext {
		t.Fatalf("empty format: got %q, %v", f, err)
	}
	if _, err := ParseFormat("mistral"); err == nil {
		t.Fatal("unknown format must be rejected")
	}
}

func roundTrip(t *testing.T, format Format, msg *models.Message) (string, []models.Part) {
	t.Helper()
	exported, err := Export(format, msg)
	if err != nil {
		t.Fatalf("export %s: %v", format, err)
	}
	raw, err := json.Marshal(exported)
	if err != nil {
		t.Fatalf("marshal %s: %v", format, err)
	}
	role, parts, err := Import(format, raw)
	if err != nil {
		t.Fatalf("import %s: %v", format, err)
	}
	return role, parts
}

func TestTextRoundTripAllFormats(t *testing.T) {
	msg := &models.Message{
		Role:  "user",
		Parts: []models.Part{{Type: models.PartTypeText, Text: "Book an Italian restaurant in SF for Friday"}},
	}
	for _, format := range []Format{FormatAcontext, FormatOpenAI, FormatAnthropic, FormatGemini} {
		role, parts := roundTrip(t, format, msg)
		if role != "user" {
			t.Errorf("%s: role = %q", format, role)
		}
		if len(parts) != 1 || parts[0].Type != models.PartTypeText || parts[0].Text != msg.Parts[0].Text {
			t.Errorf("%s: text part not preserved: %+v", format, parts)
		}
	}
}

func TestToolCallRoundTrip(t *testing.T) {
	msg := &models.Message{
		Role: "assistant",
		Parts: []models.Part{
			{Type: models.PartTypeText, Text: "Creating the task."},
			{
				Type:       models.PartTypeToolCall,
				ToolCallID: "call_1",
				ToolName:   "insert_task",
				Arguments:  map[string]any{"description": "Add dark mode", "after_order": float64(0)},
			},
		},
	}
	for _, format := range []Format{FormatOpenAI, FormatAnthropic, FormatGemini} {
		role, parts := roundTrip(t, format, msg)
		if role != "assistant" {
			t.Errorf("%s: role = %q", format, role)
		}
		var call *models.Part
		for i := range parts {
			if parts[i].Type == models.PartTypeToolCall {
				call = &parts[i]
			}
		}
		if call == nil {
			t.Fatalf("%s: tool call lost: %+v", format, parts)
		}
		if call.ToolName != "insert_task" {
			t.Errorf("%s: tool name = %q", format, call.ToolName)
		}
		if call.Arguments["description"] != "Add dark mode" {
			t.Errorf("%s: arguments not preserved: %v", format, call.Arguments)
		}
	}
}

func TestToolResultExportOpenAI(t *testing.T) {
	msg := &models.Message{
		Role: "tool",
		Parts: []models.Part{{
			Type:       models.PartTypeToolResult,
			ToolCallID: "call_1",
			Result:     `{"task_id":"t1"}`,
		}},
	}
	out, err := Export(FormatOpenAI, msg)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if out["role"] != "tool" || out["tool_call_id"] != "call_1" {
		t.Fatalf("tool result shape wrong: %v", out)
	}
}

func TestToolResultExportAnthropicRidesUserTurn(t *testing.T) {
	msg := &models.Message{
		Role: "tool",
		Parts: []models.Part{{
			Type:       models.PartTypeToolResult,
			ToolCallID: "toolu_1",
			Result:     "ok",
			IsError:    false,
		}},
	}
	out, err := Export(FormatAnthropic, msg)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if out["role"] != "user" {
		t.Fatalf("anthropic tool results must ride a user turn, got role %v", out["role"])
	}
}

func TestImportRejectsMissingRole(t *testing.T) {
	for _, format := range []Format{FormatAcontext, FormatOpenAI, FormatAnthropic} {
		if _, _, err := Import(format, json.RawMessage(`{"content":"hi"}`)); err == nil {
			t.Errorf("%s: missing role must be rejected", format)
		}
	}
}
