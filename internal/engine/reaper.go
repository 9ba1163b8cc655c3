package engine

import (
	"context"
	"time"

	"github.com/acontexthq/acontext/internal/config"
	"github.com/acontexthq/acontext/internal/observability"
	"github.com/acontexthq/acontext/internal/store"
)

// Reaper returns messages stuck in running to pending so a crashed
// ingest run gets redelivered. Together with idempotent task
// operations this yields at-least-once processing.
type Reaper struct {
	store   *store.Store
	logger  *observability.Logger
	metrics *observability.Metrics

	interval time.Duration
	timeout  time.Duration

	started bool
	stop    chan struct{}
	done    chan struct{}
}

// NewReaper builds the reaper from the engine configuration.
func NewReaper(st *store.Store, logger *observability.Logger, metrics *observability.Metrics, cfg config.EngineConfig) *Reaper {
	return &Reaper{
		store:    st,
		logger:   logger,
		metrics:  metrics,
		interval: cfg.ReapInterval,
		timeout:  cfg.MessageProcessingTimeout,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the reap loop in its own goroutine.
func (r *Reaper) Start() {
	r.started = true
	go r.run()
}

// Stop halts the loop and waits for the in-flight sweep to finish.
// No-op when the loop was never started.
func (r *Reaper) Stop() {
	if !r.started {
		return
	}
	r.started = false
	close(r.stop)
	<-r.done
}

func (r *Reaper) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Reaper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := r.store.ReapStuckRunning(ctx, r.timeout)
	if err != nil {
		r.logger.Error(ctx, "reap sweep failed", "error", err)
		return
	}
	if n > 0 {
		r.metrics.MessagesReaped.Add(float64(n))
		r.logger.Warn(ctx, "returned stuck messages to pending", "count", n)
	}
}
