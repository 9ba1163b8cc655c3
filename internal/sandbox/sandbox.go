// Package sandbox brokers isolated execution units across pluggable
// backends. The broker is stateful in one respect only: it owns a
// SandboxLog row per sandbox, translating the engine UUID to the
// backend-native identifier and accounting executed commands,
// downloaded files, and the keep-alive budget. Backend identifiers
// never leave this package.
package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/acontexthq/acontext/internal/apperr"
	"github.com/acontexthq/acontext/internal/config"
	"github.com/acontexthq/acontext/internal/observability"
	"github.com/acontexthq/acontext/internal/store"
	"github.com/acontexthq/acontext/pkg/models"
)

// Instance is a backend's view of one running sandbox.
type Instance struct {
	BackendID string
	Running   bool
}

// ExecRequest is one command to run inside a sandbox.
type ExecRequest struct {
	Command    []string
	Stdin      []byte
	WorkingDir string
	Env        map[string]string
}

// ExecResult is the captured outcome of one exec.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Backend adapts one sandbox provider. Implementations speak the
// provider's native identifiers; translation to engine UUIDs happens
// in the Broker.
type Backend interface {
	Name() string
	Start(ctx context.Context) (string, error)
	Kill(ctx context.Context, backendID string) error
	Get(ctx context.Context, backendID string) (*Instance, error)
	Exec(ctx context.Context, backendID string, req ExecRequest) (*ExecResult, error)
	UploadFile(ctx context.Context, backendID, path string, data []byte) error
	DownloadFile(ctx context.Context, backendID, path string) ([]byte, error)
}

// Factory builds one backend from configuration.
type Factory func(cfg config.SandboxConfig, logger *observability.Logger) (Backend, error)

// factories is the explicit backend registry, populated at startup.
var factories = map[string]Factory{
	"docker": newDockerBackend,
	"worker": newWorkerBackend,
}

// Broker owns sandbox lifecycle and the durable per-sandbox record.
type Broker struct {
	store   *store.Store
	logger  *observability.Logger
	metrics *observability.Metrics

	backends       map[string]Backend
	defaultBackend string
	keepalive      int64
}

// NewBroker constructs every configured backend and wires the broker.
// Only the default backend is required to construct successfully;
// others are registered best-effort so a missing Docker daemon does
// not block a worker-only deployment.
func NewBroker(cfg config.SandboxConfig, st *store.Store, logger *observability.Logger, metrics *observability.Metrics) (*Broker, error) {
	b := &Broker{
		store:          st,
		logger:         logger,
		metrics:        metrics,
		backends:       make(map[string]Backend, len(factories)),
		defaultBackend: cfg.Backend,
		keepalive:      cfg.DefaultKeepaliveSeconds,
	}
	for name, factory := range factories {
		backend, err := factory(cfg, logger)
		if err != nil {
			if name == cfg.Backend {
				return nil, err
			}
			logger.Warn(context.Background(), "sandbox backend unavailable", "backend", name, "error", err)
			continue
		}
		b.backends[name] = backend
	}
	if _, ok := b.backends[cfg.Backend]; !ok {
		return nil, apperr.BadRequest("default sandbox backend %q did not initialize", cfg.Backend)
	}
	return b, nil
}

// Create starts a sandbox on the named backend (empty selects the
// default) and records the mapping. The returned log carries the
// engine UUID callers use for every later operation.
func (b *Broker) Create(ctx context.Context, projectID uuid.UUID, backendName string) (*models.SandboxLog, error) {
	if backendName == "" {
		backendName = b.defaultBackend
	}
	backend, ok := b.backends[backendName]
	if !ok {
		return nil, apperr.BadRequest("unknown sandbox backend %q", backendName)
	}

	backendID, err := backend.Start(ctx)
	if err != nil {
		return nil, apperr.Unavailable(err, "start sandbox on %s", backendName)
	}

	log, err := b.store.CreateSandboxLog(ctx, projectID, backendName, backendID, b.keepalive)
	if err != nil {
		// The instance is up but unrecorded; tear it down rather than
		// leaking it.
		if killErr := backend.Kill(ctx, backendID); killErr != nil {
			b.logger.Error(ctx, "orphaned sandbox could not be killed", "backend", backendName, "error", killErr)
		}
		return nil, err
	}

	b.metrics.SandboxAliveSeconds.WithLabelValues(backendName).Add(float64(b.keepalive))
	b.logger.Info(ctx, "sandbox started", "sandbox_id", log.ID, "backend", backendName)
	return log, nil
}

// Get fetches the sandbox record, confirms the backend still knows
// the instance, and refreshes the keep-alive budget.
func (b *Broker) Get(ctx context.Context, id uuid.UUID) (*models.SandboxLog, error) {
	log, backend, err := b.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	inst, err := backend.Get(ctx, *log.BackendSandboxID)
	if err != nil {
		if apperr.IsCode(err, apperr.CodeNotFound) {
			return nil, err
		}
		return nil, apperr.Unavailable(err, "inspect sandbox %s", id)
	}
	if !inst.Running {
		return nil, apperr.NotFound("sandbox %s is no longer running", id)
	}
	if err := b.refreshKeepalive(ctx, log); err != nil {
		return nil, err
	}
	return log, nil
}

// Refresh extends the keep-alive budget without touching the backend.
func (b *Broker) Refresh(ctx context.Context, id uuid.UUID) (*models.SandboxLog, error) {
	log, _, err := b.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := b.refreshKeepalive(ctx, log); err != nil {
		return nil, err
	}
	return log, nil
}

// Exec runs one command, appends it to the sandbox history, and
// refreshes the keep-alive budget like any other observation.
func (b *Broker) Exec(ctx context.Context, id uuid.UUID, req ExecRequest) (*ExecResult, error) {
	if len(req.Command) == 0 {
		return nil, apperr.BadRequest("command is required")
	}
	log, backend, err := b.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := backend.Exec(ctx, *log.BackendSandboxID, req)
	if err != nil {
		return nil, apperr.Unavailable(err, "exec in sandbox %s", id)
	}
	cmd := models.SandboxCommand{Command: strings.Join(req.Command, " "), ExitCode: res.ExitCode}
	if err := b.store.AppendSandboxCommand(ctx, id, cmd); err != nil {
		return nil, err
	}
	if err := b.refreshKeepalive(ctx, log); err != nil {
		return nil, err
	}
	return res, nil
}

// UploadFile places a file into the sandbox filesystem.
func (b *Broker) UploadFile(ctx context.Context, id uuid.UUID, path string, data []byte) error {
	if path == "" {
		return apperr.BadRequest("path is required")
	}
	log, backend, err := b.resolve(ctx, id)
	if err != nil {
		return err
	}
	if err := backend.UploadFile(ctx, *log.BackendSandboxID, path, data); err != nil {
		return apperr.Unavailable(err, "upload to sandbox %s", id)
	}
	return b.refreshKeepalive(ctx, log)
}

// DownloadFile retrieves a file and records it in generated_files.
func (b *Broker) DownloadFile(ctx context.Context, id uuid.UUID, path string) ([]byte, error) {
	if path == "" {
		return nil, apperr.BadRequest("path is required")
	}
	log, backend, err := b.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := backend.DownloadFile(ctx, *log.BackendSandboxID, path)
	if err != nil {
		return nil, apperr.Unavailable(err, "download from sandbox %s", id)
	}
	sum := sha256.Sum256(data)
	file := models.SandboxFile{Path: path, Size: int64(len(data)), SHA256: hex.EncodeToString(sum[:])}
	if err := b.store.AppendSandboxFile(ctx, id, file); err != nil {
		return nil, err
	}
	if err := b.refreshKeepalive(ctx, log); err != nil {
		return nil, err
	}
	return data, nil
}

// Kill tears down the backend instance, settles the keep-alive budget
// to the actual lifetime, and nulls the backend id. The row survives
// for history and billing.
func (b *Broker) Kill(ctx context.Context, id uuid.UUID) error {
	log, backend, err := b.resolve(ctx, id)
	if err != nil {
		return err
	}
	if err := backend.Kill(ctx, *log.BackendSandboxID); err != nil && !apperr.IsCode(err, apperr.CodeNotFound) {
		return apperr.Unavailable(err, "kill sandbox %s", id)
	}

	lived := int64(time.Since(log.CreatedAt) / time.Second)
	if lived < 0 {
		lived = 0
	}
	delta := lived - log.WillTotalAliveSeconds
	if delta > 0 {
		delta = 0
	}
	if err := b.store.SetSandboxAliveSeconds(ctx, id, lived); err != nil {
		return err
	}
	if err := b.store.KillSandboxLog(ctx, id); err != nil {
		return err
	}
	b.metrics.SandboxAliveSeconds.WithLabelValues(log.Backend).Add(float64(delta))
	b.logger.Info(ctx, "sandbox killed", "sandbox_id", id, "backend", log.Backend, "alive_seconds", lived)
	return nil
}

// resolve loads the log and rejects sandboxes whose backend id has
// been nulled by a kill.
func (b *Broker) resolve(ctx context.Context, id uuid.UUID) (*models.SandboxLog, Backend, error) {
	log, err := b.store.GetSandboxLog(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !log.Alive() {
		return nil, nil, apperr.NotFound("sandbox %s", id)
	}
	backend, ok := b.backends[log.Backend]
	if !ok {
		return nil, nil, apperr.Unavailable(nil, "backend %q for sandbox %s is not configured", log.Backend, id)
	}
	return log, backend, nil
}

// refreshKeepalive recomputes will_total_alive_seconds as the default
// budget plus the sandbox's age and emits the positive delta.
func (b *Broker) refreshKeepalive(ctx context.Context, log *models.SandboxLog) error {
	total := b.keepalive + int64(time.Since(log.CreatedAt)/time.Second)
	delta := total - log.WillTotalAliveSeconds
	if delta <= 0 {
		return nil
	}
	if err := b.store.SetSandboxAliveSeconds(ctx, log.ID, total); err != nil {
		return err
	}
	log.WillTotalAliveSeconds = total
	b.metrics.SandboxAliveSeconds.WithLabelValues(log.Backend).Add(float64(delta))
	return nil
}
