package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/acontexthq/acontext/internal/apperr"
	"github.com/acontexthq/acontext/internal/config"
	"github.com/acontexthq/acontext/internal/observability"
)

// workerBackend proxies sandbox operations to a remote runner over
// HTTP, e.g. a Cloudflare worker fronting a hosted provider. The
// runner owns the actual instances; this adapter only speaks its
// JSON surface.
type workerBackend struct {
	base   string
	token  string
	client *http.Client
	logger *observability.Logger
}

func newWorkerBackend(cfg config.SandboxConfig, logger *observability.Logger) (Backend, error) {
	if cfg.Worker.CloudflareWorkerURL == "" {
		return nil, apperr.BadRequest("sandbox.worker.cloudflare_worker_url is required")
	}
	if _, err := url.Parse(cfg.Worker.CloudflareWorkerURL); err != nil {
		return nil, apperr.BadRequest("invalid worker url: %v", err)
	}
	return &workerBackend{
		base:   strings.TrimRight(cfg.Worker.CloudflareWorkerURL, "/"),
		token:  cfg.Worker.AuthToken,
		client: &http.Client{Timeout: 60 * time.Second},
		logger: logger,
	}, nil
}

func (w *workerBackend) Name() string { return "worker" }

type workerStartResponse struct {
	ID string `json:"id"`
}

func (w *workerBackend) Start(ctx context.Context) (string, error) {
	var resp workerStartResponse
	if err := w.do(ctx, http.MethodPost, "/sandboxes", nil, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("worker returned no sandbox id")
	}
	return resp.ID, nil
}

func (w *workerBackend) Kill(ctx context.Context, backendID string) error {
	return w.do(ctx, http.MethodDelete, "/sandboxes/"+url.PathEscape(backendID), nil, nil)
}

type workerGetResponse struct {
	ID      string `json:"id"`
	Running bool   `json:"running"`
}

func (w *workerBackend) Get(ctx context.Context, backendID string) (*Instance, error) {
	var resp workerGetResponse
	if err := w.do(ctx, http.MethodGet, "/sandboxes/"+url.PathEscape(backendID), nil, &resp); err != nil {
		return nil, err
	}
	return &Instance{BackendID: backendID, Running: resp.Running}, nil
}

type workerExecRequest struct {
	Command    []string          `json:"command"`
	Stdin      []byte            `json:"stdin,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

type workerExecResponse struct {
	Stdout   []byte `json:"stdout"`
	Stderr   []byte `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

func (w *workerBackend) Exec(ctx context.Context, backendID string, req ExecRequest) (*ExecResult, error) {
	body := workerExecRequest{
		Command:    req.Command,
		Stdin:      req.Stdin,
		WorkingDir: req.WorkingDir,
		Env:        req.Env,
	}
	var resp workerExecResponse
	if err := w.do(ctx, http.MethodPost, "/sandboxes/"+url.PathEscape(backendID)+"/exec", body, &resp); err != nil {
		return nil, err
	}
	return &ExecResult{Stdout: resp.Stdout, Stderr: resp.Stderr, ExitCode: resp.ExitCode}, nil
}

func (w *workerBackend) UploadFile(ctx context.Context, backendID, path string, data []byte) error {
	u := w.fileURL(backendID, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	return w.send(req, nil)
}

func (w *workerBackend) DownloadFile(ctx context.Context, backendID, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.fileURL(backendID, path), nil)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = w.send(req, func(resp *http.Response) error {
		var readErr error
		data, readErr = io.ReadAll(resp.Body)
		return readErr
	})
	return data, err
}

func (w *workerBackend) fileURL(backendID, path string) string {
	return w.base + "/sandboxes/" + url.PathEscape(backendID) + "/files?path=" + url.QueryEscape(path)
}

// do issues a JSON request and decodes a JSON response into out.
func (w *workerBackend) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, w.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return w.send(req, func(resp *http.Response) error {
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

// send runs the request, maps status codes, and hands 2xx bodies to
// onOK.
func (w *workerBackend) send(req *http.Request, onOK func(*http.Response) error) error {
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperr.NotFound("worker sandbox resource %s", req.URL.Path)
	case resp.StatusCode >= 400:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("worker returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	if onOK != nil {
		return onOK(resp)
	}
	return nil
}
