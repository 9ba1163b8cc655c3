package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/acontexthq/acontext/internal/apperr"
	"github.com/acontexthq/acontext/internal/llm"
	"github.com/acontexthq/acontext/internal/locks"
	"github.com/acontexthq/acontext/internal/observability"
	"github.com/acontexthq/acontext/internal/skilllearn"
	"github.com/acontexthq/acontext/internal/store"
	"github.com/acontexthq/acontext/pkg/models"
)

type nullBlob struct{}

func (nullBlob) PutContent(ctx context.Context, projectID uuid.UUID, filename string, data []byte) (models.AssetMeta, error) {
	return models.AssetMeta{Content: string(data)}, nil
}

var _ skilllearn.ContentStore = nullBlob{}

func newTestSkillFlow(t *testing.T, provider llm.Provider) (*SkillFlow, sqlmock.Sqlmock, *locks.Coordinator) {
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
	sf := NewSkillFlow(store.New(db, logger), lc, nil, provider, nullBlob{}, logger, metrics, testEngineConfig())
	sf.lockRetryWait = time.Millisecond
	return sf, mock, lc
}

func learnEvent(t *testing.T, ev skillLearnIDs) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"project_id": ev.project,
		"session_id": ev.session,
		"task_id":    ev.task,
		"space_id":   ev.space,
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return body
}

type skillLearnIDs struct {
	project, session, task, space uuid.UUID
}

func newSkillLearnIDs() skillLearnIDs {
	return skillLearnIDs{
		project: uuid.New(),
		session: uuid.New(),
		task:    uuid.New(),
		space:   uuid.New(),
	}
}

func skillFlowTaskRows(ev skillLearnIDs, status models.TaskStatus) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "session_id", "ord", "status", "data", "created_at", "updated_at", "coalesce",
	}).AddRow(
		ev.task, ev.session, 1, string(status),
		[]byte(`{"description":"book a table"}`),
		time.Now().UTC(), time.Now().UTC(), pq.StringArray{},
	)
}

func TestSkillFlowStaleEventAcks(t *testing.T) {
	sf, mock, _ := newTestSkillFlow(t, llm.NewMockProvider())
	ev := newSkillLearnIDs()

	mock.ExpectQuery(`SELECT t\.id`).
		WillReturnRows(skillFlowTaskRows(ev, models.TaskStatusRunning))

	if err := sf.Handle(context.Background(), learnEvent(t, ev)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	// No distillation, no status writes.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSkillFlowLockBusyIsRetryable(t *testing.T) {
	sf, _, lc := newTestSkillFlow(t, llm.NewMockProvider())
	ev := newSkillLearnIDs()

	if _, _, err := lc.AcquireToken(context.Background(), ev.project, "skill-learn."+ev.task.String(), time.Minute); err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}

	err := sf.Handle(context.Background(), learnEvent(t, ev))
	if !apperr.IsRetryable(err) {
		t.Fatalf("expected retryable while locked, got %v", err)
	}
}

func TestSkillFlowDistillFailureIsRetryable(t *testing.T) {
	// A prose response instead of the forced analysis tool call.
	provider := llm.NewMockProvider().Stub(llm.MockRule{
		Response: &llm.Response{Content: "no tool call"},
	})
	sf, mock, _ := newTestSkillFlow(t, provider)
	ev := newSkillLearnIDs()

	mock.ExpectQuery(`SELECT t\.id`).
		WillReturnRows(skillFlowTaskRows(ev, models.TaskStatusSuccess))
	mock.ExpectQuery(`SELECT t\.id`).
		WillReturnRows(skillFlowTaskRows(ev, models.TaskStatusSuccess))
	mock.ExpectExec(`INSERT INTO learning_space_sessions`).
		WithArgs(ev.space, ev.session, string(models.LearningSessionRunning), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO learning_space_sessions`).
		WithArgs(ev.space, ev.session, string(models.LearningSessionFailed), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := sf.Handle(context.Background(), learnEvent(t, ev))
	if !apperr.IsRetryable(err) {
		t.Fatalf("expected retryable distill failure, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSkillFlowBadEventDeadLetters(t *testing.T) {
	sf, _, _ := newTestSkillFlow(t, llm.NewMockProvider())

	err := sf.Handle(context.Background(), []byte(`{`))
	if !apperr.IsCode(err, apperr.CodeBadRequest) {
		t.Fatalf("expected BAD_REQUEST, got %v", err)
	}
}
