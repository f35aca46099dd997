// Package crank drives scheduled yield streams. It stands in for the
// rollup's own task scheduler: on every tick it finds pools whose task is
// due and fires the engine's single-shot scheduled stream for each. A failed
// firing is retried on the next tick; the engine guarantees it left no
// partial state behind.
package crank

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/atharvalabs/refi/vault/pkg/engine"
	"github.com/atharvalabs/refi/vault/pkg/store"
)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  store.Store
	Engine *engine.Engine

	// TickInterval is how often due tasks are polled. It bounds firing
	// latency, not firing frequency; the task's own interval does that.
	TickInterval time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	if cfg.TickInterval <= 0 {
		return errors.New("tick interval must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Runner struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{log: cfg.Logger, cfg: cfg}, nil
}

// Run polls for due tasks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("crank: starting", "tick_interval", r.cfg.TickInterval)

	ticker := r.cfg.Clock.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("crank: stopping", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("crank: tick panicked", "panic", rec)
		}
	}()

	due, err := r.cfg.Store.DueTasks(ctx, r.cfg.Clock.Now().UTC())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		r.log.Error("crank: failed to list due tasks", "error", err)
		return
	}

	for _, addr := range due {
		r.fire(ctx, addr)
	}
}

func (r *Runner) fire(ctx context.Context, addr solana.PublicKey) {
	res, err := r.cfg.Engine.StreamScheduled(ctx, addr)
	if err != nil {
		// The engine already counted and logged the failure; the task stays
		// due and retries next tick.
		return
	}
	r.log.Info("crank: fired scheduled stream",
		"pool", addr,
		"streamed", res.Streamed,
		"org_amount", res.OrgAmount)
}
