package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/acontexthq/acontext/internal/apperr"
	"github.com/acontexthq/acontext/pkg/models"
)

func taskRows(id, sessionID uuid.UUID, order int, status models.TaskStatus) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "session_id", "ord", "status", "data", "created_at", "updated_at", "coalesce",
	}).AddRow(
		id, sessionID, order, string(status),
		[]byte(`{"description":"book a table"}`),
		time.Now().UTC(), time.Now().UTC(), pq.StringArray{},
	)
}

func TestAppendProgressRejectsTerminalTask(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery(`SELECT t\.id`).
		WillReturnRows(taskRows(id, uuid.New(), 1, models.TaskStatusSuccess))

	_, err := s.AppendProgressToTask(context.Background(), id, "step done")
	if !apperr.IsCode(err, apperr.CodeForbidden) {
		t.Fatalf("expected FORBIDDEN on terminal task, got %v", err)
	}
	// No UPDATE may have been issued.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAppendMessagesRejectsTerminalTask(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery(`SELECT t\.id`).
		WillReturnRows(taskRows(id, uuid.New(), 2, models.TaskStatusFailed))

	err := s.AppendMessagesToTask(context.Background(), []uuid.UUID{uuid.New()}, id)
	if !apperr.IsCode(err, apperr.CodeForbidden) {
		t.Fatalf("expected FORBIDDEN on terminal task, got %v", err)
	}
}

func TestInsertTaskRejectsBadAfterOrder(t *testing.T) {
	s, mock := newMockStore(t)
	sessionID := uuid.New()

	if _, err := s.InsertTask(context.Background(), sessionID, -1, models.TaskData{}); !apperr.IsCode(err, apperr.CodeBadRequest) {
		t.Fatalf("expected BAD_REQUEST for negative after_order, got %v", err)
	}

	mock.ExpectQuery(`SELECT count`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	if _, err := s.InsertTask(context.Background(), sessionID, 3, models.TaskData{}); !apperr.IsCode(err, apperr.CodeBadRequest) {
		t.Fatalf("expected BAD_REQUEST for after_order past end, got %v", err)
	}
}

func TestInsertTaskIntoEmptySession(t *testing.T) {
	s, mock := newMockStore(t)
	sessionID := uuid.New()

	mock.ExpectQuery(`SELECT count`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`UPDATE tasks SET ord = ord \+ 1`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO tasks`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	task, err := s.InsertTask(context.Background(), sessionID, 0, models.TaskData{Description: "add dark mode"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if task.Order != 1 {
		t.Fatalf("first task must take order 1, got %d", task.Order)
	}
	if task.Status != models.TaskStatusRunning {
		t.Fatalf("new task must start running, got %s", task.Status)
	}
}

func TestInsertTaskMidListShiftsLaterOrders(t *testing.T) {
	s, mock := newMockStore(t)
	sessionID := uuid.New()

	// Session holds orders 1..4; inserting after 2 must shift 3 and 4
	// up before the new task takes order 3, keeping 1..5 gap-free.
	mock.ExpectQuery(`SELECT count`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))
	mock.ExpectExec(`UPDATE tasks SET ord = ord \+ 1 WHERE session_id = \$1 AND ord > \$2`).
		WithArgs(sessionID, 2).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO tasks`).
		WithArgs(sqlmock.AnyArg(), sessionID, 3, string(models.TaskStatusRunning),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	task, err := s.InsertTask(context.Background(), sessionID, 2, models.TaskData{Description: "review estimates"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if task.Order != 3 {
		t.Fatalf("inserted task must take order 3, got %d", task.Order)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertTaskAtTailSkipsNoShifts(t *testing.T) {
	s, mock := newMockStore(t)
	sessionID := uuid.New()

	mock.ExpectQuery(`SELECT count`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectExec(`UPDATE tasks SET ord = ord \+ 1`).
		WithArgs(sessionID, 2).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO tasks`).
		WithArgs(sqlmock.AnyArg(), sessionID, 3, string(models.TaskStatusRunning),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	task, err := s.InsertTask(context.Background(), sessionID, 2, models.TaskData{Description: "ship it"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if task.Order != 3 {
		t.Fatalf("appended task must take order 3, got %d", task.Order)
	}
}
