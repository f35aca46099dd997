// Package rollup provides the execution-context delegation capability used
// by the engine. The real migration mechanics belong to the rollup
// infrastructure; this local implementation tracks handoffs so the daemon
// can run without it.
package rollup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gagliardetto/solana-go"
)

type LocalDelegatorConfig struct {
	Logger *slog.Logger
}

func (cfg *LocalDelegatorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// LocalDelegator records which pools are currently delegated and rejects
// inconsistent handoffs, mirroring the guarantees the real delegation
// program enforces on-chain.
type LocalDelegator struct {
	log *slog.Logger

	mu        sync.Mutex
	delegated map[solana.PublicKey]bool
}

func NewLocalDelegator(cfg LocalDelegatorConfig) (*LocalDelegator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &LocalDelegator{
		log:       cfg.Logger,
		delegated: make(map[solana.PublicKey]bool),
	}, nil
}

func (d *LocalDelegator) Delegate(ctx context.Context, poolAddr solana.PublicKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.delegated[poolAddr] {
		return fmt.Errorf("pool %s is already delegated", poolAddr)
	}
	d.delegated[poolAddr] = true
	d.log.Info("rollup: account authority delegated", "pool", poolAddr)
	return nil
}

func (d *LocalDelegator) CommitAndUndelegate(ctx context.Context, poolAddr solana.PublicKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.delegated[poolAddr] {
		return fmt.Errorf("pool %s is not delegated", poolAddr)
	}
	delete(d.delegated, poolAddr)
	d.log.Info("rollup: state committed and authority returned", "pool", poolAddr)
	return nil
}
