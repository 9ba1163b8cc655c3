package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	logger.Info(context.Background(), "client ready", "detail", "api_key=abcdefghijklmnop1234")

	out := buf.String()
	if strings.Contains(out, "abcdefghijklmnop1234") {
		t.Fatalf("secret leaked into log output: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected redaction marker, got: %s", out)
	}
}

func TestLoggerContextCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	ctx := WithSessionID(WithProjectID(context.Background(), "p-1"), "s-1")
	logger.Info(ctx, "processing")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("parse log record: %v", err)
	}
	if record["project_id"] != "p-1" || record["session_id"] != "s-1" {
		t.Fatalf("missing correlation fields: %v", record)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "json", Output: &buf})

	logger.Info(context.Background(), "dropped")
	if buf.Len() != 0 {
		t.Fatalf("info record should be filtered at warn level")
	}
	logger.Warn(context.Background(), "kept")
	if buf.Len() == 0 {
		t.Fatal("warn record should pass")
	}
}
