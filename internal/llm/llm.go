// Package llm presents LLM providers behind one non-streaming
// completion interface. Adapters translate the neutral request shape
// to each provider's native call; the agent loop never sees provider
// types.
package llm

import (
	"context"

	"github.com/acontexthq/acontext/internal/apperr"
	"github.com/acontexthq/acontext/internal/config"
	"github.com/acontexthq/acontext/pkg/models"
)

// Turn is one conversation turn in the neutral part form.
type Turn struct {
	Role  string
	Parts []models.Part
}

// ToolDef declares a callable tool to the model.
type ToolDef struct {
	Name        string
	Description string

	// Parameters is a JSON-schema object.
	Parameters map[string]any
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Request is a single completion call.
type Request struct {
	System    string
	Messages  []Turn
	Tools     []ToolDef
	MaxTokens int

	// ForceTool, when set, requires the model to call exactly that
	// tool. Used by the distiller.
	ForceTool string
}

// Response is the provider-neutral completion result.
type Response struct {
	Content   string
	ToolCalls []ToolCall

	// Raw holds the provider's native response for debugging.
	Raw any
}

// Provider is a completion backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// New builds the configured provider.
func New(cfg config.LLMConfig) (Provider, error) {
	switch cfg.Provider {
	case "anthropic":
		return newAnthropicProvider(cfg)
	case "openai":
		return newOpenAIProvider(cfg)
	case "mock":
		return NewMockProvider(), nil
	default:
		return nil, apperr.BadRequest("unknown llm provider %q", cfg.Provider)
	}
}
