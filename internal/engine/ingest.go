// Package engine wires the durable stores, the AMQP broker, and the
// agents into the two processing pipelines: session ingest and skill
// learning. Controllers here own locking, status transitions, and
// event publishing; the agents own the semantics.
package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/acontexthq/acontext/internal/apperr"
	"github.com/acontexthq/acontext/internal/broker"
	"github.com/acontexthq/acontext/internal/config"
	"github.com/acontexthq/acontext/internal/llm"
	"github.com/acontexthq/acontext/internal/locks"
	"github.com/acontexthq/acontext/internal/observability"
	"github.com/acontexthq/acontext/internal/store"
	"github.com/acontexthq/acontext/internal/taskagent"
	"github.com/acontexthq/acontext/pkg/models"
)

// taskCreationMetricTag is the daily project counter whose negative
// value disables the task pipeline for the project.
const taskCreationMetricTag = "new-task-created"

// Ingest consumes session-pending events: it drains a session's
// pending messages, runs the task agent over them, and schedules
// skill learning for every task the run terminated.
type Ingest struct {
	store    *store.Store
	locks    *locks.Coordinator
	broker   *broker.Broker
	provider llm.Provider
	logger   *observability.Logger
	metrics  *observability.Metrics
	cfg      config.EngineConfig
}

// NewIngest wires the session-ingest controller.
func NewIngest(st *store.Store, lc *locks.Coordinator, br *broker.Broker, provider llm.Provider, logger *observability.Logger, metrics *observability.Metrics, cfg config.EngineConfig) *Ingest {
	return &Ingest{
		store:    st,
		locks:    lc,
		broker:   br,
		provider: provider,
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg,
	}
}

// Handle processes one session-pending delivery. A held lock surfaces
// as retryable so the broker redelivers with delay; terminal faults
// dead-letter.
func (i *Ingest) Handle(ctx context.Context, body []byte) error {
	var ev broker.SessionPendingEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return apperr.BadRequest("decode session-pending event: %v", err)
	}
	ctx = observability.WithSessionID(ctx, ev.SessionID.String())

	session, err := i.store.GetSession(ctx, ev.SessionID)
	if err != nil {
		return err
	}
	ctx = observability.WithProjectID(ctx, session.ProjectID.String())

	qualifier := "session-ingest." + ev.SessionID.String()
	token, ok, err := i.locks.AcquireToken(ctx, session.ProjectID, qualifier, i.cfg.SessionLockTTL)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Retryable(nil, "session %s is being processed elsewhere", ev.SessionID)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := i.locks.ReleaseIfToken(releaseCtx, session.ProjectID, qualifier, token); err != nil {
			i.logger.Warn(releaseCtx, "session lock release failed", "error", err)
		}
	}()

	ids, err := i.store.SelectPendingIDs(ctx, ev.SessionID, i.cfg.BufferMaxTurns+i.cfg.Overflow)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	if session.DisableTaskTracking {
		return i.store.UpdateMessageStatusTo(ctx, ids, models.MessageStatusSuccess)
	}
	disabled, err := i.taskCreationDisabled(ctx, session.ProjectID)
	if err != nil {
		return err
	}
	if disabled {
		i.logger.Warn(ctx, "task creation disabled for project, failing batch", "messages", len(ids))
		return i.store.UpdateMessageStatusTo(ctx, ids, models.MessageStatusFailed)
	}

	if err := i.store.UpdateMessageStatusTo(ctx, ids, models.MessageStatusRunning); err != nil {
		return err
	}

	batch, err := i.store.FetchMessagesDataByIDs(ctx, ids)
	if err != nil {
		return err
	}
	var previous []*models.Message
	if len(batch) > 0 {
		previous, err = i.store.FetchPreviousMessagesByDatetime(ctx, ev.SessionID, batch[0].CreatedAt, i.cfg.ContextWindow)
		if err != nil {
			return err
		}
	}
	tasks, err := i.store.FetchCurrentTasks(ctx, ev.SessionID)
	if err != nil {
		return err
	}

	scope := &taskagent.Scope{SessionID: ev.SessionID, BatchMessageIDs: ids}
	loop := taskagent.NewLoop(i.provider, i.store, i.logger, i.metrics, i.cfg, scope)
	state, err := loop.Run(ctx, taskagent.BuildInitialTurns(previous, batch, tasks))
	if err != nil {
		// The batch is settled as failed; the explicit retry endpoint
		// can return it to running. Redelivering the session event
		// would skip these messages anyway.
		i.logger.Error(ctx, "task agent run failed", "messages", len(ids), "error", err)
		return i.store.UpdateMessageStatusTo(ctx, ids, models.MessageStatusFailed)
	}
	if err := i.store.UpdateMessageStatusTo(ctx, ids, models.MessageStatusSuccess); err != nil {
		return err
	}

	if len(state.TerminatedTaskIDs) > 0 {
		i.scheduleSkillLearning(ctx, session, state.TerminatedTaskIDs)
	}
	return nil
}

// taskCreationDisabled reports whether the project's daily
// new-task-created bucket carries the negative disable flag.
func (i *Ingest) taskCreationDisabled(ctx context.Context, projectID uuid.UUID) (bool, error) {
	value, err := i.store.GetMetricValue(ctx, projectID, taskCreationMetricTag)
	if err != nil {
		return false, err
	}
	return value < 0, nil
}

// scheduleSkillLearning publishes one learning-skill event per
// terminated task. Publish failures are logged and skipped; the next
// terminal transition of the task will reschedule it.
func (i *Ingest) scheduleSkillLearning(ctx context.Context, session *models.Session, taskIDs []uuid.UUID) {
	space, err := i.store.EnsureLearningSpace(ctx, session.ProjectID, session.UserID)
	if err != nil {
		i.logger.Error(ctx, "learning space resolution failed", "error", err)
		return
	}
	if err := i.store.SetSpaceSessionStatus(ctx, space.ID, session.ID, models.LearningSessionPending); err != nil {
		i.logger.Error(ctx, "learning session status update failed", "error", err)
	}
	for _, taskID := range taskIDs {
		ev := broker.SkillLearnEvent{
			ProjectID: session.ProjectID,
			SessionID: session.ID,
			TaskID:    taskID,
			SpaceID:   space.ID,
			UserID:    session.UserID,
		}
		if err := i.broker.Publish(ctx, broker.ExchangeLearningSkill, broker.QueueLearningSkill, ev); err != nil {
			i.logger.Error(ctx, "skill-learn publish failed", "task_id", taskID, "error", err)
		}
	}
}
