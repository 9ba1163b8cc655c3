package engine

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/acontexthq/acontext/internal/blob"
	"github.com/acontexthq/acontext/internal/broker"
	"github.com/acontexthq/acontext/internal/config"
	"github.com/acontexthq/acontext/internal/llm"
	"github.com/acontexthq/acontext/internal/locks"
	"github.com/acontexthq/acontext/internal/observability"
	"github.com/acontexthq/acontext/internal/sandbox"
	"github.com/acontexthq/acontext/internal/store"
)

// Engine is the application container: every subsystem is initialized
// in stages, passed explicitly to the controllers, and torn down in
// reverse order.
type Engine struct {
	cfg *config.Config

	Logger  *observability.Logger
	Metrics *observability.Metrics

	db     *sql.DB
	Store  *store.Store
	rdb    *redis.Client
	Locks  *locks.Coordinator
	Broker *broker.Broker
	Blob   *blob.Store
	LLM    llm.Provider

	Sandbox *sandbox.Broker

	ingest    *Ingest
	skillflow *SkillFlow
	reaper    *Reaper

	cancelConsumers context.CancelFunc
}

// New initializes every subsystem. On error, anything already
// initialized is closed before returning.
func New(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (*Engine, error) {
	e := &Engine{cfg: cfg}
	e.Logger = observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	e.Metrics = observability.NewMetrics(reg)

	if err := e.init(ctx); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) init(ctx context.Context) error {
	db, err := sql.Open("postgres", e.cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(e.cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(e.cfg.Database.MaxIdleConns)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping database: %w", err)
	}
	e.db = db
	e.Store = store.New(db, e.Logger)

	rdb := redis.NewClient(&redis.Options{
		Addr:     e.cfg.Redis.Addr,
		Password: e.cfg.Redis.Password,
		DB:       e.cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("ping redis: %w", err)
	}
	e.rdb = rdb
	e.Locks = locks.NewCoordinator(rdb)

	br, err := broker.Connect(e.cfg.Broker, e.Logger, e.Metrics)
	if err != nil {
		return err
	}
	e.Broker = br

	bl, err := blob.New(ctx, e.cfg.Blob)
	if err != nil {
		return err
	}
	e.Blob = bl

	provider, err := llm.New(e.cfg.LLM)
	if err != nil {
		return err
	}
	e.LLM = provider

	sb, err := sandbox.NewBroker(e.cfg.Sandbox, e.Store, e.Logger, e.Metrics)
	if err != nil {
		return err
	}
	e.Sandbox = sb

	e.ingest = NewIngest(e.Store, e.Locks, e.Broker, e.LLM, e.Logger, e.Metrics, e.cfg.Engine)
	e.skillflow = NewSkillFlow(e.Store, e.Locks, e.Broker, e.LLM, e.Blob, e.Logger, e.Metrics, e.cfg.Engine)
	e.reaper = NewReaper(e.Store, e.Logger, e.Metrics, e.cfg.Engine)
	return nil
}

// Start registers the queue consumers and launches the reaper. The
// consumers run until Close.
func (e *Engine) Start(ctx context.Context) error {
	consumerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancelConsumers = cancel

	opts := broker.ConsumerOpts{
		MaxRetries: e.cfg.Engine.MaxRetries,
		BaseDelay:  e.cfg.Engine.RetryBaseDelay,
		Timeout:    e.cfg.Engine.ConsumerTimeout,
		Prefetch:   e.cfg.Broker.Prefetch,
	}
	if err := e.Broker.Consume(consumerCtx, broker.QueueSessionPending, e.ingest.Handle, opts); err != nil {
		cancel()
		return err
	}
	if err := e.Broker.Consume(consumerCtx, broker.QueueLearningSkill, e.skillflow.Handle, opts); err != nil {
		cancel()
		return err
	}

	e.reaper.Start()
	e.Logger.Info(ctx, "engine started",
		"llm_provider", e.cfg.LLM.Provider,
		"sandbox_backend", e.cfg.Sandbox.Backend)
	return nil
}

// Close tears subsystems down in reverse initialization order. Safe to
// call on a partially initialized engine.
func (e *Engine) Close() {
	ctx := context.Background()
	if e.reaper != nil {
		e.reaper.Stop()
		e.reaper = nil
	}
	if e.cancelConsumers != nil {
		e.cancelConsumers()
		e.cancelConsumers = nil
	}
	if e.Broker != nil {
		if err := e.Broker.Close(); err != nil {
			e.Logger.Warn(ctx, "broker close failed", "error", err)
		}
		e.Broker = nil
	}
	if e.rdb != nil {
		if err := e.rdb.Close(); err != nil {
			e.Logger.Warn(ctx, "redis close failed", "error", err)
		}
		e.rdb = nil
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			e.Logger.Warn(ctx, "database close failed", "error", err)
		}
		e.db = nil
	}
}
