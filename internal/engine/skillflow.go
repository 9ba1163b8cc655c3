package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/acontexthq/acontext/internal/apperr"
	"github.com/acontexthq/acontext/internal/broker"
	"github.com/acontexthq/acontext/internal/config"
	"github.com/acontexthq/acontext/internal/llm"
	"github.com/acontexthq/acontext/internal/locks"
	"github.com/acontexthq/acontext/internal/observability"
	"github.com/acontexthq/acontext/internal/skilllearn"
	"github.com/acontexthq/acontext/internal/store"
	"github.com/acontexthq/acontext/pkg/models"
)

const (
	// lockAttempts bounds how often one delivery polls a busy task lock
	// before handing the event back to the broker's delay path.
	lockAttempts         = 3
	defaultLockRetryWait = 2 * time.Second
)

// SkillFlow consumes learning-skill events: distill one terminated
// task into an analysis block, then let the learner agent fold it
// into the learning space's skills.
type SkillFlow struct {
	store    *store.Store
	locks    *locks.Coordinator
	broker   *broker.Broker
	provider llm.Provider
	blob     skilllearn.ContentStore
	logger   *observability.Logger
	metrics  *observability.Metrics
	cfg      config.EngineConfig

	lockRetryWait time.Duration
}

// NewSkillFlow wires the skill-learn controller.
func NewSkillFlow(st *store.Store, lc *locks.Coordinator, br *broker.Broker, provider llm.Provider, blob skilllearn.ContentStore, logger *observability.Logger, metrics *observability.Metrics, cfg config.EngineConfig) *SkillFlow {
	return &SkillFlow{
		store:    st,
		locks:    lc,
		broker:   br,
		provider: provider,
		blob:     blob,
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg,

		lockRetryWait: defaultLockRetryWait,
	}
}

// Handle processes one learning-skill delivery. Distiller and learner
// failures are retryable so the broker redelivers up to the queue's
// retry budget.
func (f *SkillFlow) Handle(ctx context.Context, body []byte) error {
	var ev broker.SkillLearnEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return apperr.BadRequest("decode skill-learn event: %v", err)
	}
	ctx = observability.WithProjectID(ctx, ev.ProjectID.String())
	ctx = observability.WithSessionID(ctx, ev.SessionID.String())
	ctx = observability.WithTaskID(ctx, ev.TaskID.String())

	qualifier := "skill-learn." + ev.TaskID.String()
	token, acquired, err := f.acquireWithRetry(ctx, ev, qualifier)
	if err != nil {
		return err
	}
	if !acquired {
		f.metrics.SkillLearnRuns.WithLabelValues("lock_busy").Inc()
		return apperr.Retryable(nil, "task %s is being learned elsewhere", ev.TaskID)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := f.locks.ReleaseIfToken(releaseCtx, ev.ProjectID, qualifier, token); err != nil {
			f.logger.Warn(releaseCtx, "task lock release failed", "error", err)
		}
	}()

	task, err := f.store.GetTask(ctx, ev.TaskID)
	if err != nil {
		return err
	}
	if !task.Status.Terminal() {
		// The task was reopened after the event was published.
		f.metrics.SkillLearnRuns.WithLabelValues("stale").Inc()
		f.logger.Info(ctx, "skipping stale skill-learn event", "task_status", string(task.Status))
		return nil
	}

	taskMessages, err := f.store.FetchMessagesDataByIDs(ctx, task.RawMessageIDs)
	if err != nil {
		return err
	}
	allTasks, err := f.store.FetchCurrentTasks(ctx, ev.SessionID)
	if err != nil {
		return err
	}

	if err := f.store.SetSpaceSessionStatus(ctx, ev.SpaceID, ev.SessionID, models.LearningSessionRunning); err != nil {
		return err
	}

	distiller := &skilllearn.Distiller{Provider: f.provider}
	distilled, err := distiller.Distill(ctx, task, taskMessages, allTasks)
	if err != nil {
		f.metrics.SkillLearnRuns.WithLabelValues("distill_error").Inc()
		f.markFailed(ctx, ev)
		return err
	}

	skills, err := skilllearn.LoadSkills(ctx, f.store, ev.SpaceID)
	if err != nil {
		return err
	}
	scope := &skilllearn.Scope{
		Blob:      f.blob,
		ProjectID: ev.ProjectID,
		UserID:    ev.UserID,
		SpaceID:   ev.SpaceID,
		Skills:    skills,
	}
	loop := skilllearn.NewLoop(f.provider, f.store, f.logger, f.metrics, f.cfg, scope)
	if _, err := loop.Run(ctx, skilllearn.BuildLearnerTurns(distilled, skills)); err != nil {
		f.metrics.SkillLearnRuns.WithLabelValues("learn_error").Inc()
		f.markFailed(ctx, ev)
		return err
	}

	if err := f.store.SetSpaceSessionStatus(ctx, ev.SpaceID, ev.SessionID, models.LearningSessionCompleted); err != nil {
		return err
	}
	f.metrics.SkillLearnRuns.WithLabelValues("success").Inc()
	f.announceCompletion(ctx, ev)
	return nil
}

func (f *SkillFlow) acquireWithRetry(ctx context.Context, ev broker.SkillLearnEvent, qualifier string) (string, bool, error) {
	for attempt := 0; attempt < lockAttempts; attempt++ {
		token, ok, err := f.locks.AcquireToken(ctx, ev.ProjectID, qualifier, f.cfg.SkillLearnLockTTL)
		if err != nil {
			return "", false, err
		}
		if ok {
			return token, true, nil
		}
		if attempt == lockAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return "", false, apperr.Timeout("lock wait for task %s: %v", ev.TaskID, ctx.Err())
		case <-time.After(f.lockRetryWait):
		}
	}
	return "", false, nil
}

// markFailed records the learning failure on the space session; the
// broker's retry path may still recover the run later.
func (f *SkillFlow) markFailed(ctx context.Context, ev broker.SkillLearnEvent) {
	if err := f.store.SetSpaceSessionStatus(ctx, ev.SpaceID, ev.SessionID, models.LearningSessionFailed); err != nil {
		f.logger.Warn(ctx, "learning session status update failed", "error", err)
	}
}

// announceCompletion publishes the sop-complete notification consumed
// by external listeners. Best effort.
func (f *SkillFlow) announceCompletion(ctx context.Context, ev broker.SkillLearnEvent) {
	complete := broker.SOPCompleteEvent{
		ProjectID: ev.ProjectID,
		SessionID: ev.SessionID,
		SpaceID:   ev.SpaceID,
		Status:    string(models.LearningSessionCompleted),
	}
	if err := f.broker.Publish(ctx, broker.ExchangeSOPComplete, broker.QueueSOPComplete, complete); err != nil {
		f.logger.Warn(ctx, "sop-complete publish failed", "error", err)
	}
}
