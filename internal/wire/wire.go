// Package wire converts between the neutral internal message form and
// the supported provider wire formats. Conversion is pure and applied
// at the store/retrieve boundary; the engine core only ever sees the
// neutral []models.Part form.
package wire

import (
	"encoding/json"

	"github.com/acontexthq/acontext/internal/apperr"
	"github.com/acontexthq/acontext/pkg/models"
)

// Format selects a wire shape for message store/retrieve.
type Format string

const (
	FormatAcontext  Format = "acontext"
	FormatOpenAI    Format = "openai"
	FormatAnthropic Format = "anthropic"
	FormatGemini    Format = "gemini"
)

// ParseFormat validates a caller-supplied format string. Empty selects
// the neutral format.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "":
		return FormatAcontext, nil
	case FormatAcontext, FormatOpenAI, FormatAnthropic, FormatGemini:
		return Format(s), nil
	default:
		return "", apperr.BadRequest("unknown message format %q", s)
	}
}

// Export renders a stored message in the requested wire format.
func Export(format Format, msg *models.Message) (map[string]any, error) {
	switch format {
	case FormatAcontext:
		return exportAcontext(msg), nil
	case FormatOpenAI:
		return exportOpenAI(msg)
	case FormatAnthropic:
		return exportAnthropic(msg), nil
	case FormatGemini:
		return exportGemini(msg), nil
	default:
		return nil, apperr.BadRequest("unknown message format %q", format)
	}
}

// Import parses an incoming message in the given wire format into the
// neutral role + parts form.
func Import(format Format, raw json.RawMessage) (string, []models.Part, error) {
	switch format {
	case FormatAcontext:
		return importAcontext(raw)
	case FormatOpenAI:
		return importOpenAI(raw)
	case FormatAnthropic:
		return importAnthropic(raw)
	case FormatGemini:
		return importGemini(raw)
	default:
		return "", nil, apperr.BadRequest("unknown message format %q", format)
	}
}

func exportAcontext(msg *models.Message) map[string]any {
	return map[string]any{
		"role":  msg.Role,
		"parts": msg.Parts,
	}
}

func importAcontext(raw json.RawMessage) (string, []models.Part, error) {
	var in struct {
		Role  string        `json:"role"`
		Parts []models.Part `json:"parts"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return "", nil, apperr.BadRequest("decode acontext message: %v", err)
	}
	if in.Role == "" {
		return "", nil, apperr.BadRequest("message role is required")
	}
	return in.Role, in.Parts, nil
}
