// Package engine implements the pool operation state machine: share
// accounting, the staking bridge, yield streaming, the delegation schedule
// controller, and the withdrawal engine. Every operation is atomic per pool
// and serialized per pool by the store.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/atharvalabs/refi/vault/pkg/marinade"
	"github.com/atharvalabs/refi/vault/pkg/metrics"
	"github.com/atharvalabs/refi/vault/pkg/pool"
	"github.com/atharvalabs/refi/vault/pkg/store"
)

// LiquidStaker is the external liquid-staking service. The exchange rate is
// read fresh per operation. Stake and Unstake return the confirmed amount
// received; local ledger state mutates only after confirmation.
type LiquidStaker interface {
	Rate(ctx context.Context) (marinade.Rate, error)
	Stake(ctx context.Context, lamports uint64) (uint64, error)
	Unstake(ctx context.Context, msol uint64) (uint64, error)
}

// Delegator is the execution-context migration capability. The engine
// sequences around it; the migration mechanics live outside.
type Delegator interface {
	Delegate(ctx context.Context, poolAddr solana.PublicKey) error
	CommitAndUndelegate(ctx context.Context, poolAddr solana.PublicKey) error
}

type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Store     store.Store
	Staker    LiquidStaker
	Delegator Delegator

	// AdminKey is the single identity allowed to create pools and move them
	// between execution contexts. Checked by equality per call.
	AdminKey solana.PublicKey

	// ProgramID namespaces derived pool addresses.
	ProgramID solana.PublicKey
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Staker == nil {
		return errors.New("liquid staker is required")
	}
	if cfg.Delegator == nil {
		return errors.New("delegator is required")
	}
	if cfg.AdminKey.IsZero() {
		return errors.New("admin key is required")
	}
	if cfg.ProgramID.IsZero() {
		return errors.New("program id is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Engine struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{log: cfg.Logger, cfg: cfg}, nil
}

// Pool returns a snapshot of one pool's state.
func (e *Engine) Pool(ctx context.Context, addr solana.PublicKey) (*store.State, error) {
	return e.cfg.Store.Get(ctx, addr)
}

// Pools returns snapshots of all pools.
func (e *Engine) Pools(ctx context.Context) ([]*store.State, error) {
	return e.cfg.Store.List(ctx)
}

// StreamEvents returns recent stream events for a pool, newest first.
func (e *Engine) StreamEvents(ctx context.Context, addr solana.PublicKey, limit int) ([]pool.StreamEvent, error) {
	return e.cfg.Store.StreamEvents(ctx, addr, limit)
}

func (e *Engine) observe(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = pool.CodeOf(err)
	}
	metrics.OperationsTotal.WithLabelValues(op, status).Inc()
	metrics.OperationDuration.WithLabelValues(op).Observe(e.cfg.Clock.Since(start).Seconds())
}
