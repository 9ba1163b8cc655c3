package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/acontexthq/acontext/internal/apperr"
	"github.com/acontexthq/acontext/internal/config"
	"github.com/acontexthq/acontext/pkg/models"
)

const defaultOpenAIModel = "gpt-4o"

type openAIProvider struct {
	client    *openai.Client
	model     string
	maxTokens int
}

func newOpenAIProvider(cfg config.LLMConfig) (*openAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, apperr.BadRequest("openai api key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &openAIProvider{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

func (p *openAIProvider) Name() string { return "openai" }

func (p *openAIProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	messages, err := openAIMessages(req.System, req.Messages)
	if err != nil {
		return nil, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	chatReq := openai.ChatCompletionRequest{
		Model:     p.model,
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	for _, tool := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	if req.ForceTool != "" {
		chatReq.ToolChoice = openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: req.ForceTool},
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, wrapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, apperr.Unavailable(nil, "openai returned no choices")
	}

	choice := resp.Choices[0].Message
	result := &Response{Content: choice.Content, Raw: resp}
	for _, tc := range choice.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, apperr.BadRequest("decode tool arguments for %s: %v", tc.Function.Name, err)
			}
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return result, nil
}

func openAIMessages(system string, turns []Turn) ([]openai.ChatCompletionMessage, error) {
	var result []openai.ChatCompletionMessage
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, turn := range turns {
		if turn.Role == "system" {
			continue
		}

		msg := openai.ChatCompletionMessage{Role: turn.Role}
		var toolResults []openai.ChatCompletionMessage
		for _, p := range turn.Parts {
			switch p.Type {
			case models.PartTypeText:
				msg.Content += p.Text
			case models.PartTypeToolCall:
				args, err := json.Marshal(p.Arguments)
				if err != nil {
					return nil, apperr.BadRequest("encode tool arguments for %s: %v", p.ToolName, err)
				}
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   p.ToolCallID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      p.ToolName,
						Arguments: string(args),
					},
				})
			case models.PartTypeToolResult:
				toolResults = append(toolResults, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					ToolCallID: p.ToolCallID,
					Content:    p.Result,
				})
			}
		}

		if msg.Content != "" || len(msg.ToolCalls) > 0 {
			result = append(result, msg)
		}
		result = append(result, toolResults...)
	}
	if len(result) == 0 {
		return nil, apperr.BadRequest("completion request has no messages")
	}
	return result, nil
}

func wrapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500:
			return apperr.Unavailable(err, "openai request failed")
		case apiErr.HTTPStatusCode == 400:
			return apperr.BadRequest("openai rejected request: %v", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Timeout("openai request timed out")
	}
	return apperr.Unavailable(err, "openai request failed")
}
