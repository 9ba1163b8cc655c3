package wire

import (
	"encoding/json"

	"github.com/acontexthq/acontext/internal/apperr"
	"github.com/acontexthq/acontext/pkg/models"
)

// exportGemini renders a message in the generateContent shape. Roles
// map user/tool -> user and assistant -> model.
func exportGemini(msg *models.Message) map[string]any {
	role := "user"
	if msg.Role == "assistant" {
		role = "model"
	}

	var parts []map[string]any
	for _, p := range msg.Parts {
		switch p.Type {
		case models.PartTypeText:
			parts = append(parts, map[string]any{"text": p.Text})
		case models.PartTypeToolCall:
			args := p.Arguments
			if args == nil {
				args = map[string]any{}
			}
			parts = append(parts, map[string]any{
				"functionCall": map[string]any{
					"name": p.ToolName,
					"args": args,
				},
			})
		case models.PartTypeToolResult:
			parts = append(parts, map[string]any{
				"functionResponse": map[string]any{
					"name":     p.ToolName,
					"response": map[string]any{"result": p.Result},
				},
			})
		case models.PartTypeImage, models.PartTypeFile:
			parts = append(parts, map[string]any{
				"inlineData": map[string]any{
					"mimeType": p.MimeType,
					"data":     p.Data,
				},
			})
		}
	}
	return map[string]any{"role": role, "parts": parts}
}

func importGemini(raw json.RawMessage) (string, []models.Part, error) {
	var in struct {
		Role  string           `json:"role"`
		Parts []map[string]any `json:"parts"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return "", nil, apperr.BadRequest("decode gemini message: %v", err)
	}

	role := "user"
	if in.Role == "model" {
		role = "assistant"
	}

	var parts []models.Part
	for _, block := range in.Parts {
		switch {
		case block["text"] != nil:
			text, _ := block["text"].(string)
			parts = append(parts, models.Part{Type: models.PartTypeText, Text: text})
		case block["functionCall"] != nil:
			call, _ := block["functionCall"].(map[string]any)
			name, _ := call["name"].(string)
			args, _ := call["args"].(map[string]any)
			parts = append(parts, models.Part{
				Type:      models.PartTypeToolCall,
				ToolName:  name,
				Arguments: args,
			})
		case block["functionResponse"] != nil:
			resp, _ := block["functionResponse"].(map[string]any)
			name, _ := resp["name"].(string)
			var result string
			if inner, ok := resp["response"].(map[string]any); ok {
				result, _ = inner["result"].(string)
			}
			parts = append(parts, models.Part{
				Type:     models.PartTypeToolResult,
				ToolName: name,
				Result:   result,
			})
		case block["inlineData"] != nil:
			data, _ := block["inlineData"].(map[string]any)
			mimeType, _ := data["mimeType"].(string)
			payload, _ := data["data"].(string)
			parts = append(parts, models.Part{
				Type:     models.PartTypeImage,
				MimeType: mimeType,
				Data:     payload,
			})
		}
	}
	return role, parts, nil
}
