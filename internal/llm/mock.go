package llm

import (
	"context"
	"strings"
	"sync"

	"github.com/acontexthq/acontext/internal/apperr"
)

// MockRule matches a request and yields a canned response.
type MockRule struct {
	// Match returns true when the rule applies. A nil Match always
	// applies.
	Match func(req *Request) bool

	Response *Response
	Err      error
}

// MockProvider returns canned responses for tests and local
// development. Rules are evaluated in registration order; the first
// match wins. With no matching rule the provider returns an empty
// completion, which terminates agent loops.
type MockProvider struct {
	mu    sync.Mutex
	rules []MockRule

	// Requests records every completion call for assertions.
	Requests []*Request
}

// NewMockProvider creates an empty mock provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

func (m *MockProvider) Name() string { return "mock" }

// Stub registers a rule.
func (m *MockProvider) Stub(rule MockRule) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, rule)
	return m
}

// StubOnText registers a response for requests whose last user text
// contains substr.
func (m *MockProvider) StubOnText(substr string, resp *Response) *MockProvider {
	return m.Stub(MockRule{
		Match: func(req *Request) bool {
			return strings.Contains(lastUserText(req), substr)
		},
		Response: resp,
	})
}

func (m *MockProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Timeout("mock completion: %v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)

	for _, rule := range m.rules {
		if rule.Match != nil && !rule.Match(req) {
			continue
		}
		if rule.Err != nil {
			return nil, rule.Err
		}
		return rule.Response, nil
	}
	return &Response{}, nil
}

func lastUserText(req *Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role != "user" {
			continue
		}
		for _, p := range req.Messages[i].Parts {
			if p.Text != "" {
				return p.Text
			}
		}
	}
	return ""
}
