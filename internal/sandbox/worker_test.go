package sandbox

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/acontexthq/acontext/internal/apperr"
	"github.com/acontexthq/acontext/internal/config"
	"github.com/acontexthq/acontext/internal/observability"
)

func newTestWorker(t *testing.T, handler http.Handler) Backend {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	backend, err := newWorkerBackend(config.SandboxConfig{
		Worker: config.WorkerBackendConfig{CloudflareWorkerURL: srv.URL, AuthToken: "secret"},
	}, observability.NewLogger(observability.LogConfig{}))
	if err != nil {
		t.Fatalf("worker backend: %v", err)
	}
	return backend
}

func TestWorkerRequiresURL(t *testing.T) {
	_, err := newWorkerBackend(config.SandboxConfig{}, observability.NewLogger(observability.LogConfig{}))
	if !apperr.IsCode(err, apperr.CodeBadRequest) {
		t.Fatalf("expected BAD_REQUEST, got %v", err)
	}
}

func TestWorkerStartAndAuth(t *testing.T) {
	var gotAuth string
	backend := newTestWorker(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.Method != http.MethodPost || r.URL.Path != "/sandboxes" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "wkr-1"})
	}))

	id, err := backend.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if id != "wkr-1" {
		t.Fatalf("id = %q", id)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("auth header = %q", gotAuth)
	}
}

func TestWorkerExecRoundTrip(t *testing.T) {
	backend := newTestWorker(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sandboxes/wkr-1/exec") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req workerExecRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if len(req.Command) != 2 || req.Command[0] != "python" {
			t.Errorf("command = %v", req.Command)
		}
		_ = json.NewEncoder(w).Encode(workerExecResponse{
			Stdout:   []byte("hello\n"),
			ExitCode: 0,
		})
	}))

	res, err := backend.Exec(context.Background(), "wkr-1", ExecRequest{Command: []string{"python", "main.py"}})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if string(res.Stdout) != "hello\n" || res.ExitCode != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestWorkerNotFoundMapping(t *testing.T) {
	backend := newTestWorker(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	_, err := backend.Get(context.Background(), "gone")
	if !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestWorkerFileUploadDownload(t *testing.T) {
	files := map[string][]byte{}
	backend := newTestWorker(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		switch r.Method {
		case http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			files[path] = data
		case http.MethodGet:
			data, ok := files[path]
			if !ok {
				http.NotFound(w, r)
				return
			}
			_, _ = w.Write(data)
		}
	}))
	ctx := context.Background()

	if err := backend.UploadFile(ctx, "wkr-1", "/work/in.csv", []byte("a,b\n")); err != nil {
		t.Fatalf("upload: %v", err)
	}
	data, err := backend.DownloadFile(ctx, "wkr-1", "/work/in.csv")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(data) != "a,b\n" {
		t.Fatalf("data = %q", data)
	}
	if _, err := backend.DownloadFile(ctx, "wkr-1", "/missing"); !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}
