package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/acontexthq/acontext/internal/apperr"
	"github.com/acontexthq/acontext/internal/config"
	"github.com/acontexthq/acontext/pkg/models"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

type anthropicProvider struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

func newAnthropicProvider(cfg config.LLMConfig) (*anthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, apperr.BadRequest("anthropic api key is required")
	}
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &anthropicProvider{
		client:    anthropic.NewClient(options...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

func (p *anthropicProvider) Name() string { return "anthropic" }

func (p *anthropicProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	messages, err := anthropicMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := anthropicTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	if req.ForceTool != "" {
		params.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: req.ForceTool},
		}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, wrapAnthropicError(err)
	}

	resp := &Response{Raw: msg}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			toolUse := block.AsToolUse()
			var args map[string]any
			if len(toolUse.Input) > 0 {
				if err := json.Unmarshal(toolUse.Input, &args); err != nil {
					return nil, apperr.BadRequest("decode tool arguments for %s: %v", toolUse.Name, err)
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        toolUse.ID,
				Name:      toolUse.Name,
				Arguments: args,
			})
		}
	}
	return resp, nil
}

// anthropicMessages flattens neutral turns into the content-block
// form. Tool results ride user turns; consecutive same-role turns stay
// separate, which the API accepts.
func anthropicMessages(turns []Turn) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, turn := range turns {
		if turn.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		for _, p := range turn.Parts {
			switch p.Type {
			case models.PartTypeText:
				if p.Text != "" {
					content = append(content, anthropic.NewTextBlock(p.Text))
				}
			case models.PartTypeToolCall:
				input := map[string]any{}
				for k, v := range p.Arguments {
					input[k] = v
				}
				content = append(content, anthropic.NewToolUseBlock(p.ToolCallID, input, p.ToolName))
			case models.PartTypeToolResult:
				content = append(content, anthropic.NewToolResultBlock(p.ToolCallID, p.Result, p.IsError))
			}
		}
		if len(content) == 0 {
			continue
		}

		if turn.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	if len(result) == 0 {
		return nil, apperr.BadRequest("completion request has no messages")
	}
	return result, nil
}

func anthropicTools(tools []ToolDef) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		raw, err := json.Marshal(tool.Parameters)
		if err != nil {
			return nil, apperr.BadRequest("encode tool schema for %s: %v", tool.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, apperr.BadRequest("invalid tool schema for %s: %v", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, apperr.BadRequest("invalid tool schema for %s", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

func wrapAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429 || apiErr.StatusCode >= 500:
			return apperr.Unavailable(err, "anthropic request failed")
		case apiErr.StatusCode == 400:
			return apperr.BadRequest("anthropic rejected request: %v", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Timeout("anthropic request timed out")
	}
	return apperr.Unavailable(err, "anthropic request failed")
}
