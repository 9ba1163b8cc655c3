package wire

import (
	"encoding/json"

	"github.com/acontexthq/acontext/internal/apperr"
	"github.com/acontexthq/acontext/pkg/models"
)

// exportAnthropic renders a message as a content-block array. Tool
// calls flatten into the content array as tool_use blocks.
func exportAnthropic(msg *models.Message) map[string]any {
	role := msg.Role
	if role == "tool" {
		// Anthropic carries tool results on a user turn.
		role = "user"
	}

	var content []map[string]any
	for _, p := range msg.Parts {
		switch p.Type {
		case models.PartTypeText:
			content = append(content, map[string]any{"type": "text", "text": p.Text})
		case models.PartTypeToolCall:
			input := p.Arguments
			if input == nil {
				input = map[string]any{}
			}
			content = append(content, map[string]any{
				"type":  "tool_use",
				"id":    p.ToolCallID,
				"name":  p.ToolName,
				"input": input,
			})
		case models.PartTypeToolResult:
			block := map[string]any{
				"type":        "tool_result",
				"tool_use_id": p.ToolCallID,
				"content":     p.Result,
			}
			if p.IsError {
				block["is_error"] = true
			}
			content = append(content, block)
		case models.PartTypeImage:
			content = append(content, map[string]any{
				"type": "image",
				"source": map[string]any{
					"type":       "base64",
					"media_type": p.MimeType,
					"data":       p.Data,
				},
			})
		}
	}
	return map[string]any{"role": role, "content": content}
}

func importAnthropic(raw json.RawMessage) (string, []models.Part, error) {
	var in struct {
		Role    string `json:"role"`
		Content any    `json:"content"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return "", nil, apperr.BadRequest("decode anthropic message: %v", err)
	}
	if in.Role == "" {
		return "", nil, apperr.BadRequest("message role is required")
	}

	var parts []models.Part
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
			case "tool_use":
				id, _ := block["id"].(string)
				name, _ := block["name"].(string)
				input, _ := block["input"].(map[string]any)
				parts = append(parts, models.Part{
					Type:       models.PartTypeToolCall,
					ToolCallID: id,
					ToolName:   name,
					Arguments:  input,
				})
			case "tool_result":
				id, _ := block["tool_use_id"].(string)
				result, _ := block["content"].(string)
				isError, _ := block["is_error"].(bool)
				parts = append(parts, models.Part{
					Type:       models.PartTypeToolResult,
					ToolCallID: id,
					Result:     result,
					IsError:    isError,
				})
			case "image":
				source, _ := block["source"].(map[string]any)
				mediaType, _ := source["media_type"].(string)
				data, _ := source["data"].(string)
				parts = append(parts, models.Part{
					Type:     models.PartTypeImage,
					MimeType: mediaType,
					Data:     data,
				})
			}
		}
	}
	return in.Role, parts, nil
}
