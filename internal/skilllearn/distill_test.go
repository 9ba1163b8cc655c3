package skilllearn

import (
	"context"
	"strings"
	"testing"

	"github.com/acontexthq/acontext/internal/apperr"
	"github.com/acontexthq/acontext/internal/llm"
	"github.com/acontexthq/acontext/pkg/models"
)

func successTask() *models.Task {
	return &models.Task{
		Status: models.TaskStatusSuccess,
		Data:   models.TaskData{Description: "Book an Italian restaurant in SF for Friday"},
	}
}

func TestDistillForcesStatusMatchedTool(t *testing.T) {
	provider := llm.NewMockProvider().Stub(llm.MockRule{
		Response: &llm.Response{ToolCalls: []llm.ToolCall{{
			Name: successAnalysisTool,
			Arguments: map[string]any{
				"goal":                  "book a restaurant",
				"approach":              "searched, filtered by cuisine, called",
				"key_decisions":         "chose OpenTable over phone",
				"generalizable_pattern": "confirm constraints before searching",
			},
		}}},
	})
	d := &Distiller{Provider: provider}

	block, err := d.Distill(context.Background(), successTask(), nil, nil)
	if err != nil {
		t.Fatalf("distill: %v", err)
	}
	if provider.Requests[0].ForceTool != successAnalysisTool {
		t.Fatalf("forced tool = %q", provider.Requests[0].ForceTool)
	}
	for _, want := range []string{"## Success analysis", "### generalizable pattern", "confirm constraints"} {
		if !strings.Contains(block, want) {
			t.Errorf("block missing %q:\n%s", want, block)
		}
	}
}

func TestDistillFailedTaskUsesFailureTool(t *testing.T) {
	provider := llm.NewMockProvider().Stub(llm.MockRule{
		Response: &llm.Response{ToolCalls: []llm.ToolCall{{
			Name: failureAnalysisTool,
			Arguments: map[string]any{
				"failure_point":        "booked the wrong date",
				"flawed_reasoning":     "assumed Friday meant this week",
				"corrective_approach":  "echo the resolved date back",
				"prevention_principle": "resolve relative dates explicitly",
			},
		}}},
	})
	d := &Distiller{Provider: provider}
	task := successTask()
	task.Status = models.TaskStatusFailed

	block, err := d.Distill(context.Background(), task, nil, nil)
	if err != nil {
		t.Fatalf("distill: %v", err)
	}
	if provider.Requests[0].ForceTool != failureAnalysisTool {
		t.Fatalf("forced tool = %q", provider.Requests[0].ForceTool)
	}
	if !strings.Contains(block, "## Failure analysis") {
		t.Errorf("block:\n%s", block)
	}
}

func TestDistillMissingFieldIsRetryable(t *testing.T) {
	provider := llm.NewMockProvider().Stub(llm.MockRule{
		Response: &llm.Response{ToolCalls: []llm.ToolCall{{
			Name: successAnalysisTool,
			Arguments: map[string]any{
				"goal":     "book a restaurant",
				"approach": "searched",
				// key_decisions and generalizable_pattern omitted
			},
		}}},
	})
	d := &Distiller{Provider: provider}

	if _, err := d.Distill(context.Background(), successTask(), nil, nil); !apperr.IsRetryable(err) {
		t.Fatalf("expected retryable, got %v", err)
	}
}

func TestDistillNoToolCallIsRetryable(t *testing.T) {
	provider := llm.NewMockProvider().Stub(llm.MockRule{
		Response: &llm.Response{Content: "here is my analysis in prose"},
	})
	d := &Distiller{Provider: provider}

	if _, err := d.Distill(context.Background(), successTask(), nil, nil); !apperr.IsRetryable(err) {
		t.Fatalf("expected retryable, got %v", err)
	}
}
