package marinade

import (
	"context"
	"errors"
	"log/slog"

	"github.com/atharvalabs/refi/vault/pkg/pool"
)

// RateSource provides the current mSOL/SOL exchange rate.
type RateSource interface {
	Rate(ctx context.Context) (Rate, error)
}

// BridgeConfig configures a rate-backed staking bridge.
type BridgeConfig struct {
	Logger *slog.Logger
	Rates  RateSource

	// UnstakeFeeBps models the liquidity-pool fee taken on instant unstakes.
	UnstakeFeeBps uint16
}

func (cfg *BridgeConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Rates == nil {
		return errors.New("rate source is required")
	}
	if cfg.UnstakeFeeBps > pool.MaxBps {
		return errors.New("unstake fee bps out of range")
	}
	return nil
}

// Bridge converts between lamports and mSOL at the rate source's live rate.
// It holds no protocol state of its own; it is the execution leg used when
// the daemon tracks the real protocol's rate but does not sign transactions.
type Bridge struct {
	log *slog.Logger
	cfg BridgeConfig
}

func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Bridge{log: cfg.Logger, cfg: cfg}, nil
}

func (b *Bridge) Rate(ctx context.Context) (Rate, error) {
	return b.cfg.Rates.Rate(ctx)
}

// Stake converts lamports to mSOL at the current rate.
func (b *Bridge) Stake(ctx context.Context, lamports uint64) (uint64, error) {
	if lamports == 0 {
		return 0, pool.ErrInvalidAmount
	}
	rate, err := b.cfg.Rates.Rate(ctx)
	if err != nil {
		return 0, err
	}
	msol, err := rate.MsolValue(lamports)
	if err != nil {
		return 0, err
	}
	b.log.Debug("marinade: bridge staked", "lamports", lamports, "msol_out", msol)
	return msol, nil
}

// Unstake converts msol back to lamports at the current rate, minus the
// configured instant-unstake fee.
func (b *Bridge) Unstake(ctx context.Context, msol uint64) (uint64, error) {
	if msol == 0 {
		return 0, pool.ErrInvalidAmount
	}
	rate, err := b.cfg.Rates.Rate(ctx)
	if err != nil {
		return 0, err
	}
	gross, err := rate.SolValue(msol)
	if err != nil {
		return 0, err
	}
	fee, err := pool.MulDiv(gross, uint64(b.cfg.UnstakeFeeBps), pool.MaxBps)
	if err != nil {
		return 0, err
	}
	payout := gross - fee
	b.log.Debug("marinade: bridge unstaked",
		"msol", msol, "payout_lamports", payout, "fee_lamports", fee)
	return payout, nil
}
