package engine

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/atharvalabs/refi/vault/pkg/pool"
	"github.com/atharvalabs/refi/vault/pkg/store"
)

// OrganizationWithdraw debits the organization payout vault. Only the pool's
// registered organization may call it; the payout vault holds only streamed
// yield, independent of deposits and shares.
func (e *Engine) OrganizationWithdraw(ctx context.Context, caller, poolAddr solana.PublicKey, amount uint64) (err error) {
	start := e.cfg.Clock.Now()
	defer func() { e.observe("organization_withdraw", start, err) }()

	if amount == 0 {
		return pool.ErrInvalidAmount
	}

	err = e.cfg.Store.Update(ctx, poolAddr, func(st *store.State) error {
		if !caller.Equals(st.Pool.Organization) {
			return pool.ErrUnauthorizedOrganization
		}
		if amount > st.Balances.OrgVaultLamports {
			return pool.ErrInsufficientWithdrawFunds
		}
		st.Balances.OrgVaultLamports -= amount
		return nil
	})
	if err != nil {
		return err
	}

	e.log.Info("engine: organization withdrawal",
		"pool", poolAddr, "organization", caller, "lamports", amount)
	return nil
}

// SupporterWithdrawResult reports a supporter redemption.
type SupporterWithdrawResult struct {
	SharesBurned     uint64
	LamportsReceived uint64
}

// SupporterWithdraw redeems shares for the supporter's proportional claim on
// the live pool value. The shares argument is shares-to-burn; the payout is
// computed from the current vault plus staking valuation at a fresh rate.
// When the vault is short of liquid lamports the shortfall is unstaked
// first. TotalDeposits shrinks proportionally so the bootstrap ratio
// invariant holds, collapsing to zero with the last share.
func (e *Engine) SupporterWithdraw(ctx context.Context, caller, poolAddr solana.PublicKey, shares uint64) (res SupporterWithdrawResult, err error) {
	start := e.cfg.Clock.Now()
	defer func() { e.observe("supporter_withdraw", start, err) }()

	if shares == 0 {
		return SupporterWithdrawResult{}, pool.ErrInvalidAmount
	}

	err = e.cfg.Store.Update(ctx, poolAddr, func(st *store.State) error {
		if st.Pool.TotalShares == 0 {
			return pool.ErrPoolEmpty
		}
		if st.Shares[caller] < shares {
			return pool.ErrInsufficientShares
		}

		rate, err := e.cfg.Staker.Rate(ctx)
		if err != nil {
			return fmt.Errorf("%w: rate: %w", pool.ErrExternalService, err)
		}
		current, err := poolValue(st, rate)
		if err != nil {
			return err
		}
		entitled, err := pool.MulDiv(shares, current, st.Pool.TotalShares)
		if err != nil {
			return err
		}

		// Unstake the shortfall when the vault cannot pay out liquid.
		if entitled > st.Balances.PoolVaultLamports {
			shortfall := entitled - st.Balances.PoolVaultLamports
			msolNeeded, err := rate.MsolValue(shortfall)
			if err != nil {
				return err
			}
			if msolNeeded > st.Balances.PoolMsol {
				msolNeeded = st.Balances.PoolMsol
			}
			if msolNeeded > 0 {
				lamports, err := e.cfg.Staker.Unstake(ctx, msolNeeded)
				if err != nil {
					return fmt.Errorf("%w: unstake for withdrawal: %w", pool.ErrExternalService, err)
				}
				st.Balances.PoolMsol -= msolNeeded
				if st.Balances.PoolVaultLamports, err = pool.AddChecked(st.Balances.PoolVaultLamports, lamports); err != nil {
					return err
				}
			}
			if entitled > st.Balances.PoolVaultLamports {
				// Redemption fees shave the payout; pay what arrived.
				entitled = st.Balances.PoolVaultLamports
			}
		}

		depositsOut, err := pool.MulDiv(shares, st.Pool.TotalDeposits, st.Pool.TotalShares)
		if err != nil {
			return err
		}

		st.Shares[caller] -= shares
		if st.Shares[caller] == 0 {
			delete(st.Shares, caller)
		}
		st.Pool.TotalShares -= shares
		if st.Pool.TotalShares == 0 {
			// Last share out: deposits collapse with it.
			st.Pool.TotalDeposits = 0
		} else {
			if st.Pool.TotalDeposits, err = pool.SubChecked(st.Pool.TotalDeposits, depositsOut); err != nil {
				return err
			}
		}
		st.Balances.PoolVaultLamports -= entitled

		// The redeemed value leaves the pool, so the stream baseline shrinks
		// with it; otherwise the next delta would be masked by the payout.
		if entitled >= st.Pool.LastStreamedVaultSol {
			st.Pool.LastStreamedVaultSol = 0
		} else {
			st.Pool.LastStreamedVaultSol -= entitled
		}

		res = SupporterWithdrawResult{
			SharesBurned:     shares,
			LamportsReceived: entitled,
		}
		return nil
	})
	if err != nil {
		return SupporterWithdrawResult{}, err
	}

	e.log.Info("engine: supporter withdrawal",
		"pool", poolAddr,
		"supporter", caller,
		"shares_burned", res.SharesBurned,
		"lamports", res.LamportsReceived)
	return res, nil
}
