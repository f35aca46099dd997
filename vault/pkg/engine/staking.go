package engine

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/atharvalabs/refi/vault/pkg/marinade"
	"github.com/atharvalabs/refi/vault/pkg/pool"
	"github.com/atharvalabs/refi/vault/pkg/store"
)

// StakeResult reports the confirmed outcome of a stake.
type StakeResult struct {
	MsolReceived uint64
}

// Stake moves lamports from the pool vault into the liquid-staking service.
// Only the form of already-deposited assets changes; TotalDeposits and
// TotalShares are untouched. Local balances mutate only after the external
// call confirms the mSOL received.
func (e *Engine) Stake(ctx context.Context, poolAddr solana.PublicKey, lamports uint64) (res StakeResult, err error) {
	start := e.cfg.Clock.Now()
	defer func() { e.observe("stake", start, err) }()

	if lamports == 0 {
		return StakeResult{}, pool.ErrInvalidAmount
	}

	err = e.cfg.Store.Update(ctx, poolAddr, func(st *store.State) error {
		if !st.Pool.IsActive {
			return pool.ErrPoolNotActive
		}
		if lamports > st.Balances.PoolVaultLamports {
			return pool.ErrInsufficientFunds
		}

		msol, err := e.cfg.Staker.Stake(ctx, lamports)
		if err != nil {
			return fmt.Errorf("%w: stake: %w", pool.ErrExternalService, err)
		}

		st.Balances.PoolVaultLamports -= lamports
		if st.Balances.PoolMsol, err = pool.AddChecked(st.Balances.PoolMsol, msol); err != nil {
			return err
		}
		res = StakeResult{MsolReceived: msol}
		return nil
	})
	if err != nil {
		return StakeResult{}, err
	}

	e.log.Info("engine: staked",
		"pool", poolAddr, "lamports", lamports, "msol_received", res.MsolReceived)
	return res, nil
}

// UnstakeResult reports the confirmed outcome of an unstake.
type UnstakeResult struct {
	LamportsReceived uint64
}

// Unstake submits msol to the service's redemption path and credits the
// confirmed lamports back to the pool vault. Partial-liquidity conditions
// defer to the service's delayed-redemption mechanics; the bridge records
// only the transfer that actually arrived.
func (e *Engine) Unstake(ctx context.Context, poolAddr solana.PublicKey, msol uint64) (res UnstakeResult, err error) {
	start := e.cfg.Clock.Now()
	defer func() { e.observe("unstake", start, err) }()

	if msol == 0 {
		return UnstakeResult{}, pool.ErrInvalidAmount
	}

	err = e.cfg.Store.Update(ctx, poolAddr, func(st *store.State) error {
		if msol > st.Balances.PoolMsol {
			return pool.ErrInsufficientFunds
		}

		lamports, err := e.cfg.Staker.Unstake(ctx, msol)
		if err != nil {
			return fmt.Errorf("%w: unstake: %w", pool.ErrExternalService, err)
		}

		st.Balances.PoolMsol -= msol
		if st.Balances.PoolVaultLamports, err = pool.AddChecked(st.Balances.PoolVaultLamports, lamports); err != nil {
			return err
		}
		res = UnstakeResult{LamportsReceived: lamports}
		return nil
	})
	if err != nil {
		return UnstakeResult{}, err
	}

	e.log.Info("engine: unstaked",
		"pool", poolAddr, "msol", msol, "lamports_received", res.LamportsReceived)
	return res, nil
}

// poolValue returns the pool's current value in lamports: vault liquid
// balance plus the staking holdings at the given fresh rate.
func poolValue(st *store.State, rate marinade.Rate) (uint64, error) {
	staked, err := rate.SolValue(st.Balances.PoolMsol)
	if err != nil {
		return 0, err
	}
	return pool.AddChecked(st.Balances.PoolVaultLamports, staked)
}
