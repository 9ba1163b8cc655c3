package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/acontexthq/acontext/internal/apperr"
	"github.com/acontexthq/acontext/internal/observability"
	"github.com/acontexthq/acontext/internal/store"
)

// fakeBackend records calls and returns scripted results.
type fakeBackend struct {
	startID   string
	startErr  error
	execRes   *ExecResult
	execErr   error
	getRes    *Instance
	killErr   error
	killed    []string
	execCmds  [][]string
	downloads []string
	fileData  []byte
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Start(ctx context.Context) (string, error) {
	return f.startID, f.startErr
}

func (f *fakeBackend) Kill(ctx context.Context, backendID string) error {
	f.killed = append(f.killed, backendID)
	return f.killErr
}

func (f *fakeBackend) Get(ctx context.Context, backendID string) (*Instance, error) {
	if f.getRes == nil {
		return &Instance{BackendID: backendID, Running: true}, nil
	}
	return f.getRes, nil
}

func (f *fakeBackend) Exec(ctx context.Context, backendID string, req ExecRequest) (*ExecResult, error) {
	f.execCmds = append(f.execCmds, req.Command)
	return f.execRes, f.execErr
}

func (f *fakeBackend) UploadFile(ctx context.Context, backendID, path string, data []byte) error {
	return nil
}

func (f *fakeBackend) DownloadFile(ctx context.Context, backendID, path string) ([]byte, error) {
	f.downloads = append(f.downloads, path)
	return f.fileData, nil
}

func newTestBroker(t *testing.T, backend Backend) (*Broker, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &Broker{
		store:          store.New(db, nil),
		logger:         observability.NewLogger(observability.LogConfig{}),
		metrics:        observability.NewMetrics(prometheus.NewRegistry()),
		backends:       map[string]Backend{"fake": backend},
		defaultBackend: "fake",
		keepalive:      600,
	}, mock
}

func sandboxRows(id uuid.UUID, backendID any, aliveSeconds int64, createdAt time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "project_id", "backend", "backend_sandbox_id", "history_commands",
		"generated_files", "will_total_alive_seconds", "created_at", "updated_at",
	}).AddRow(id, uuid.New(), "fake", backendID, []byte(`[]`), []byte(`[]`), aliveSeconds, createdAt, createdAt)
}

func TestCreateMapsBackendID(t *testing.T) {
	fb := &fakeBackend{startID: "container-1"}
	b, mock := newTestBroker(t, fb)

	mock.ExpectExec(`INSERT INTO sandbox_logs`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	log, err := b.Create(context.Background(), uuid.New(), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if log.Backend != "fake" {
		t.Fatalf("backend = %q", log.Backend)
	}
	if log.BackendSandboxID == nil || *log.BackendSandboxID != "container-1" {
		t.Fatalf("backend id = %v", log.BackendSandboxID)
	}
	if log.WillTotalAliveSeconds != 600 {
		t.Fatalf("alive seconds = %d", log.WillTotalAliveSeconds)
	}
}

func TestCreateUnknownBackend(t *testing.T) {
	b, _ := newTestBroker(t, &fakeBackend{})

	_, err := b.Create(context.Background(), uuid.New(), "kubernetes")
	if !apperr.IsCode(err, apperr.CodeBadRequest) {
		t.Fatalf("expected BAD_REQUEST, got %v", err)
	}
}

func TestCreateKillsOrphanOnRecordFailure(t *testing.T) {
	fb := &fakeBackend{startID: "container-2"}
	b, mock := newTestBroker(t, fb)

	mock.ExpectExec(`INSERT INTO sandbox_logs`).
		WillReturnError(errors.New("db down"))

	if _, err := b.Create(context.Background(), uuid.New(), ""); err == nil {
		t.Fatal("expected error")
	}
	if len(fb.killed) != 1 || fb.killed[0] != "container-2" {
		t.Fatalf("orphan not killed: %v", fb.killed)
	}
}

func TestStartFailureIsBackendUnavailable(t *testing.T) {
	fb := &fakeBackend{startErr: errors.New("daemon gone")}
	b, _ := newTestBroker(t, fb)

	_, err := b.Create(context.Background(), uuid.New(), "")
	if !apperr.IsCode(err, apperr.CodeBackendUnavailable) {
		t.Fatalf("expected BACKEND_UNAVAILABLE, got %v", err)
	}
}

func TestKilledSandboxIsNotFound(t *testing.T) {
	fb := &fakeBackend{}
	b, mock := newTestBroker(t, fb)
	id := uuid.New()

	// backend_sandbox_id is NULL after a kill.
	mock.ExpectQuery(`SELECT [^;]+FROM sandbox_logs`).
		WillReturnRows(sandboxRows(id, nil, 600, time.Now().UTC()))

	_, err := b.Exec(context.Background(), id, ExecRequest{Command: []string{"ls"}})
	if !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	if len(fb.execCmds) != 0 {
		t.Fatalf("backend exec reached for a dead sandbox")
	}
}

func TestExecAppendsHistory(t *testing.T) {
	fb := &fakeBackend{execRes: &ExecResult{Stdout: []byte("out"), ExitCode: 7}}
	b, mock := newTestBroker(t, fb)
	id := uuid.New()

	mock.ExpectQuery(`SELECT [^;]+FROM sandbox_logs`).
		WillReturnRows(sandboxRows(id, "container-3", 600, time.Now().UTC()))
	mock.ExpectExec(`UPDATE sandbox_logs\s+SET history_commands`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := b.Exec(context.Background(), id, ExecRequest{Command: []string{"python", "main.py"}})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.ExitCode != 7 {
		t.Fatalf("exit code = %d", res.ExitCode)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("history append not recorded: %v", err)
	}
}

func TestDownloadRecordsGeneratedFile(t *testing.T) {
	fb := &fakeBackend{fileData: []byte("report body")}
	b, mock := newTestBroker(t, fb)
	id := uuid.New()

	mock.ExpectQuery(`SELECT [^;]+FROM sandbox_logs`).
		WillReturnRows(sandboxRows(id, "container-4", 600, time.Now().UTC()))
	mock.ExpectExec(`UPDATE sandbox_logs\s+SET generated_files`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	data, err := b.DownloadFile(context.Background(), id, "/tmp/report.md")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(data) != "report body" {
		t.Fatalf("data = %q", data)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("file not recorded: %v", err)
	}
}

func TestGetRefreshesKeepalive(t *testing.T) {
	fb := &fakeBackend{}
	b, mock := newTestBroker(t, fb)
	id := uuid.New()
	created := time.Now().UTC().Add(-100 * time.Second)

	mock.ExpectQuery(`SELECT [^;]+FROM sandbox_logs`).
		WillReturnRows(sandboxRows(id, "container-5", 600, created))
	mock.ExpectExec(`UPDATE sandbox_logs SET will_total_alive_seconds`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	log, err := b.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// default + age: 600 + ~100s.
	if log.WillTotalAliveSeconds < 695 || log.WillTotalAliveSeconds > 705 {
		t.Fatalf("alive seconds = %d", log.WillTotalAliveSeconds)
	}
}

func TestExecRefreshesKeepalive(t *testing.T) {
	fb := &fakeBackend{execRes: &ExecResult{ExitCode: 0}}
	b, mock := newTestBroker(t, fb)
	id := uuid.New()
	created := time.Now().UTC().Add(-200 * time.Second)

	mock.ExpectQuery(`SELECT [^;]+FROM sandbox_logs`).
		WillReturnRows(sandboxRows(id, "container-8", 600, created))
	mock.ExpectExec(`UPDATE sandbox_logs\s+SET history_commands`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sandbox_logs SET will_total_alive_seconds`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if _, err := b.Exec(context.Background(), id, ExecRequest{Command: []string{"ls"}}); err != nil {
		t.Fatalf("exec: %v", err)
	}
	// default + age: 600 + ~200s.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("keep-alive not recomputed: %v", err)
	}
}

func TestFileTransferRefreshesKeepalive(t *testing.T) {
	fb := &fakeBackend{fileData: []byte("csv")}
	b, mock := newTestBroker(t, fb)
	id := uuid.New()
	created := time.Now().UTC().Add(-300 * time.Second)

	mock.ExpectQuery(`SELECT [^;]+FROM sandbox_logs`).
		WillReturnRows(sandboxRows(id, "container-9", 600, created))
	mock.ExpectExec(`UPDATE sandbox_logs SET will_total_alive_seconds`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := b.UploadFile(context.Background(), id, "/tmp/in.csv", []byte("csv")); err != nil {
		t.Fatalf("upload: %v", err)
	}

	mock.ExpectQuery(`SELECT [^;]+FROM sandbox_logs`).
		WillReturnRows(sandboxRows(id, "container-9", 600, created))
	mock.ExpectExec(`UPDATE sandbox_logs\s+SET generated_files`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sandbox_logs SET will_total_alive_seconds`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if _, err := b.DownloadFile(context.Background(), id, "/tmp/out.csv"); err != nil {
		t.Fatalf("download: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("keep-alive not recomputed: %v", err)
	}
}

func TestKillSettlesBudgetAndNullsBackendID(t *testing.T) {
	fb := &fakeBackend{}
	b, mock := newTestBroker(t, fb)
	id := uuid.New()
	created := time.Now().UTC().Add(-50 * time.Second)

	mock.ExpectQuery(`SELECT [^;]+FROM sandbox_logs`).
		WillReturnRows(sandboxRows(id, "container-6", 600, created))
	mock.ExpectExec(`UPDATE sandbox_logs SET will_total_alive_seconds`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sandbox_logs SET backend_sandbox_id = NULL`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := b.Kill(context.Background(), id); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if len(fb.killed) != 1 || fb.killed[0] != "container-6" {
		t.Fatalf("backend kill = %v", fb.killed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestKillToleratesBackendAlreadyGone(t *testing.T) {
	fb := &fakeBackend{killErr: apperr.NotFound("container gone")}
	b, mock := newTestBroker(t, fb)
	id := uuid.New()

	mock.ExpectQuery(`SELECT [^;]+FROM sandbox_logs`).
		WillReturnRows(sandboxRows(id, "container-7", 600, time.Now().UTC()))
	mock.ExpectExec(`UPDATE sandbox_logs SET will_total_alive_seconds`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sandbox_logs SET backend_sandbox_id = NULL`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := b.Kill(context.Background(), id); err != nil {
		t.Fatalf("kill: %v", err)
	}
}

func TestExecRequiresCommand(t *testing.T) {
	b, _ := newTestBroker(t, &fakeBackend{})

	_, err := b.Exec(context.Background(), uuid.New(), ExecRequest{})
	if !apperr.IsCode(err, apperr.CodeBadRequest) {
		t.Fatalf("expected BAD_REQUEST, got %v", err)
	}
}
