package engine

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/acontexthq/acontext/internal/apperr"
	"github.com/acontexthq/acontext/internal/config"
	"github.com/acontexthq/acontext/internal/llm"
	"github.com/acontexthq/acontext/internal/locks"
	"github.com/acontexthq/acontext/internal/observability"
	"github.com/acontexthq/acontext/internal/store"
	"github.com/acontexthq/acontext/pkg/models"
)

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		BufferMaxTurns:            10,
		Overflow:                  5,
		ContextWindow:             20,
		SessionLockTTL:            time.Minute,
		SkillLearnLockTTL:         time.Minute,
		TaskAgentMaxIterations:    3,
		SkillLearnerMaxIterations: 3,
	}
}

func newTestIngest(t *testing.T, provider llm.Provider) (*Ingest, sqlmock.Sqlmock, *locks.Coordinator) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	lc := locks.NewCoordinator(rdb)

	logger := observability.NewLogger(observability.LogConfig{})
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	ing := NewIngest(store.New(db, logger), lc, nil, provider, logger, metrics, testEngineConfig())
	return ing, mock, lc
}

func sessionRows(sessionID, projectID uuid.UUID, disableTracking bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "project_id", "user_id", "configs", "disable_task_tracking", "created_at",
	}).AddRow(sessionID, projectID, nil, []byte(`{}`), disableTracking, time.Now().UTC())
}

func pendingEvent(sessionID uuid.UUID) []byte {
	return []byte(`{"session_id":"` + sessionID.String() + `"}`)
}

func TestIngestNoPendingMessages(t *testing.T) {
	ing, mock, _ := newTestIngest(t, llm.NewMockProvider())
	sessionID, projectID := uuid.New(), uuid.New()

	mock.ExpectQuery(`FROM sessions WHERE id`).
		WillReturnRows(sessionRows(sessionID, projectID, false))
	mock.ExpectQuery(`SELECT id FROM messages`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if err := ing.Handle(context.Background(), pendingEvent(sessionID)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestIngestLockBusyIsRetryable(t *testing.T) {
	ing, mock, lc := newTestIngest(t, llm.NewMockProvider())
	sessionID, projectID := uuid.New(), uuid.New()

	mock.ExpectQuery(`FROM sessions WHERE id`).
		WillReturnRows(sessionRows(sessionID, projectID, false))
	if _, _, err := lc.AcquireToken(context.Background(), projectID, "session-ingest."+sessionID.String(), time.Minute); err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}

	err := ing.Handle(context.Background(), pendingEvent(sessionID))
	if !apperr.IsRetryable(err) {
		t.Fatalf("expected retryable while locked, got %v", err)
	}
}

func TestIngestDisabledProjectFailsBatch(t *testing.T) {
	ing, mock, _ := newTestIngest(t, llm.NewMockProvider())
	sessionID, projectID := uuid.New(), uuid.New()

	mock.ExpectQuery(`FROM sessions WHERE id`).
		WillReturnRows(sessionRows(sessionID, projectID, false))
	mock.ExpectQuery(`SELECT id FROM messages`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.New()).AddRow(uuid.New()))
	mock.ExpectQuery(`SELECT increment FROM metrics`).
		WillReturnRows(sqlmock.NewRows([]string{"increment"}).AddRow(int64(-1)))
	mock.ExpectExec(`UPDATE messages SET status`).
		WithArgs(string(models.MessageStatusFailed), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	if err := ing.Handle(context.Background(), pendingEvent(sessionID)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestIngestDisabledTrackingMarksSuccess(t *testing.T) {
	ing, mock, _ := newTestIngest(t, llm.NewMockProvider())
	sessionID, projectID := uuid.New(), uuid.New()

	mock.ExpectQuery(`FROM sessions WHERE id`).
		WillReturnRows(sessionRows(sessionID, projectID, true))
	mock.ExpectQuery(`SELECT id FROM messages`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.New()))
	mock.ExpectExec(`UPDATE messages SET status`).
		WithArgs(string(models.MessageStatusSuccess), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := ing.Handle(context.Background(), pendingEvent(sessionID)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestIngestRunsAgentAndSettlesBatch(t *testing.T) {
	// A plain-text reply ends the loop without tool calls.
	provider := llm.NewMockProvider().Stub(llm.MockRule{
		Response: &llm.Response{Content: "nothing to track"},
	})
	ing, mock, _ := newTestIngest(t, provider)
	sessionID, projectID := uuid.New(), uuid.New()
	msgID := uuid.New()

	mock.ExpectQuery(`FROM sessions WHERE id`).
		WillReturnRows(sessionRows(sessionID, projectID, false))
	mock.ExpectQuery(`SELECT id FROM messages`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(msgID))
	mock.ExpectQuery(`SELECT increment FROM metrics`).
		WillReturnRows(sqlmock.NewRows([]string{"increment"}))
	mock.ExpectExec(`UPDATE messages SET status`).
		WithArgs(string(models.MessageStatusRunning), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM messages WHERE id = ANY`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "session_id", "role", "parts", "task_id", "meta", "status", "created_at",
		}).AddRow(msgID, sessionID, "user", []byte(`[{"type":"text","text":"hi"}]`), nil, []byte(`{}`), "running", time.Now().UTC()))
	mock.ExpectQuery(`window_slice`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "session_id", "role", "parts", "task_id", "meta", "status", "created_at",
		}))
	mock.ExpectQuery(`SELECT t\.id`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "session_id", "ord", "status", "data", "created_at", "updated_at", "coalesce",
		}))
	mock.ExpectExec(`UPDATE messages SET status`).
		WithArgs(string(models.MessageStatusSuccess), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := ing.Handle(context.Background(), pendingEvent(sessionID)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(provider.Requests) != 1 {
		t.Fatalf("llm calls = %d", len(provider.Requests))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestIngestReleasesLock(t *testing.T) {
	ing, mock, lc := newTestIngest(t, llm.NewMockProvider())
	sessionID, projectID := uuid.New(), uuid.New()

	mock.ExpectQuery(`FROM sessions WHERE id`).
		WillReturnRows(sessionRows(sessionID, projectID, false))
	mock.ExpectQuery(`SELECT id FROM messages`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if err := ing.Handle(context.Background(), pendingEvent(sessionID)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	// A second acquire must succeed because Handle released on return.
	_, ok, err := lc.AcquireToken(context.Background(), projectID, "session-ingest."+sessionID.String(), time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !ok {
		t.Fatal("lock still held after handle returned")
	}
}

func TestIngestBadEventDeadLetters(t *testing.T) {
	ing, _, _ := newTestIngest(t, llm.NewMockProvider())

	err := ing.Handle(context.Background(), []byte(`not json`))
	if !apperr.IsCode(err, apperr.CodeBadRequest) {
		t.Fatalf("expected BAD_REQUEST, got %v", err)
	}
}
