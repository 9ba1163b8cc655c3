package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadYAMLOverridesEnv(t *testing.T) {
	t.Setenv("ACONTEXT_BUFFER_MAX_TURNS", "7")
	t.Setenv("ACONTEXT_LLM_PROVIDER", "mock")

	dir := t.TempDir()
	path := filepath.Join(dir, "acontext.yaml")
	body := `
engine:
  buffer_max_turns: 12
  session_lock_ttl: 90s
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.BufferMaxTurns != 12 {
		t.Fatalf("expected yaml override 12, got %d", cfg.Engine.BufferMaxTurns)
	}
	if cfg.Engine.SessionLockTTL != 90*time.Second {
		t.Fatalf("expected 90s lock ttl, got %s", cfg.Engine.SessionLockTTL)
	}
	// Untouched keys keep env/default values.
	if cfg.Engine.Overflow != 5 {
		t.Fatalf("expected default overflow 5, got %d", cfg.Engine.Overflow)
	}
}

func TestValidateWorkerBackendRequiresURL(t *testing.T) {
	cfg := Default()
	cfg.LLM.Provider = "mock"
	cfg.Sandbox.Backend = "worker"
	cfg.Sandbox.Worker.CloudflareWorkerURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for missing cloudflare_worker_url")
	}
	cfg.Sandbox.Worker.CloudflareWorkerURL = "https://runner.example.workers.dev"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateLLMProvider(t *testing.T) {
	cfg := Default()
	cfg.LLM.Provider = "anthropic"
	cfg.LLM.APIKey = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected api key requirement")
	}
	cfg.LLM.Provider = "nope"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unknown provider error")
	}
}

func TestEnvExpansionInFile(t *testing.T) {
	t.Setenv("TEST_BUCKET_NAME", "acontext-blobs")
	dir := t.TempDir()
	path := filepath.Join(dir, "acontext.yaml")
	body := `
llm:
  provider: mock
blob:
  bucket: ${TEST_BUCKET_NAME}
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Blob.Bucket != "acontext-blobs" {
		t.Fatalf("expected env expansion, got %q", cfg.Blob.Bucket)
	}
}
