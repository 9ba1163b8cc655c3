package wire

import (
	"encoding/json"

	"github.com/acontexthq/acontext/internal/apperr"
	"github.com/acontexthq/acontext/pkg/models"
)

// exportOpenAI renders a message in the chat-completions shape. Tool
// results become a role=tool message; everything else flattens text
// parts into content and tool calls into tool_calls.
func exportOpenAI(msg *models.Message) (map[string]any, error) {
	// A tool result occupies a whole message in the openai shape.
	for _, p := range msg.Parts {
		if p.Type == models.PartTypeToolResult {
			return map[string]any{
				"role":         "tool",
				"tool_call_id": p.ToolCallID,
				"content":      p.Result,
			}, nil
		}
	}

	out := map[string]any{"role": msg.Role}
	var content string
	var toolCalls []map[string]any
	for _, p := range msg.Parts {
		switch p.Type {
		case models.PartTypeText:
			content += p.Text
		case models.PartTypeToolCall:
			args, err := json.Marshal(p.Arguments)
			if err != nil {
				return nil, apperr.BadRequest("encode tool arguments: %v", err)
			}
			toolCalls = append(toolCalls, map[string]any{
				"id":   p.ToolCallID,
				"type": "function",
				"function": map[string]any{
					"name":      p.ToolName,
					"arguments": string(args),
				},
			})
		case models.PartTypeImage:
			// Images ride in the content array form.
			out["content"] = []map[string]any{
				{"type": "text", "text": content},
				{"type": "image_url", "image_url": map[string]any{"url": p.Data}},
			}
		}
	}
	if _, ok := out["content"]; !ok {
		out["content"] = content
	}
	if len(toolCalls) > 0 {
		out["tool_calls"] = toolCalls
	}
	return out, nil
}

func importOpenAI(raw json.RawMessage) (string, []models.Part, error) {
	var in struct {
		Role       string `json:"role"`
		Content    any    `json:"content"`
		ToolCallID string `json:"tool_call_id"`
		ToolCalls  []struct {
			ID       string `json:"id"`
			Function struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return "", nil, apperr.BadRequest("decode openai message: %v", err)
	}
	if in.Role == "" {
		return "", nil, apperr.BadRequest("message role is required")
	}

	var parts []models.Part
	if in.Role == "tool" {
		text, _ := in.Content.(string)
		parts = append(parts, models.Part{
			Type:       models.PartTypeToolResult,
			ToolCallID: in.ToolCallID,
			Result:     text,
		})
		// Tool results are attributed to the assistant turn's tool role
		// in the openai shape; internally they are a tool message.
		return "tool", parts, nil
	}

	switch content := in.Content.(type) {
	case string:
		if content != "" {
			parts = append(parts, models.Part{Type: models.PartTypeText, Text: content})
		}
	case []any:
		for _, elem := range content {
			block, ok := elem.(map[string]any)
			if !ok {
				continue
			}
			switch block["type"] {
			case "text":
				text, _ := block["text"].(string)
				parts = append(parts, models.Part{Type: models.PartTypeText, Text: text})
			case "image_url":
				img, _ := block["image_url"].(map[string]any)
				url, _ := img["url"].(string)
				parts = append(parts, models.Part{Type: models.PartTypeImage, Data: url})
			}
		}
	}

	for _, tc := range in.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return "", nil, apperr.BadRequest("decode tool arguments for %s: %v", tc.Function.Name, err)
			}
		}
		parts = append(parts, models.Part{
			Type:       models.PartTypeToolCall,
			ToolCallID: tc.ID,
			ToolName:   tc.Function.Name,
			Arguments:  args,
		})
	}
	return in.Role, parts, nil
}
