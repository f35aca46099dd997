package engine

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/atharvalabs/refi/vault/pkg/metrics"
	"github.com/atharvalabs/refi/vault/pkg/pool"
	"github.com/atharvalabs/refi/vault/pkg/store"
)

// StreamResult reports the outcome of one streaming event. Streamed is false
// for a no-op (no positive yield delta since the last baseline).
type StreamResult struct {
	Streamed     bool
	TotalYield   uint64
	OrgAmount    uint64
	PoolAmount   uint64
	CurrentValue uint64
}

// Stream computes the yield accrued since the last baseline and routes the
// organization's basis-points cut into the payout vault. A non-positive
// delta is a no-op, never an error, and never moves the baseline down. Any
// failure leaves baseline and timestamps untouched.
func (e *Engine) Stream(ctx context.Context, poolAddr solana.PublicKey) (StreamResult, error) {
	return e.stream(ctx, poolAddr, false)
}

func (e *Engine) stream(ctx context.Context, poolAddr solana.PublicKey, automated bool) (res StreamResult, err error) {
	start := e.cfg.Clock.Now()
	defer func() { e.observe("stream", start, err) }()

	err = e.cfg.Store.Update(ctx, poolAddr, func(st *store.State) error {
		if !st.Pool.IsActive {
			return pool.ErrPoolNotActive
		}

		rate, err := e.cfg.Staker.Rate(ctx)
		if err != nil {
			return fmt.Errorf("%w: rate: %w", pool.ErrExternalService, err)
		}
		current, err := poolValue(st, rate)
		if err != nil {
			return err
		}

		if current <= st.Pool.LastStreamedVaultSol {
			// Slippage or no growth: nothing to stream, baseline stays.
			res = StreamResult{CurrentValue: current}
			return nil
		}
		delta := current - st.Pool.LastStreamedVaultSol

		orgCut, err := pool.MulDiv(delta, uint64(st.Pool.OrganizationYieldBps), pool.MaxBps)
		if err != nil {
			return err
		}

		// Unstake the shortfall when the vault cannot cover the cut in
		// liquid lamports.
		if orgCut > st.Balances.PoolVaultLamports {
			shortfall := orgCut - st.Balances.PoolVaultLamports
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
					return fmt.Errorf("%w: unstake for stream: %w", pool.ErrExternalService, err)
				}
				st.Balances.PoolMsol -= msolNeeded
				if st.Balances.PoolVaultLamports, err = pool.AddChecked(st.Balances.PoolVaultLamports, lamports); err != nil {
					return err
				}
			}
			if orgCut > st.Balances.PoolVaultLamports {
				// Redemption fees can leave the vault slightly short; pay
				// what is liquid rather than wedging the crank.
				e.log.Warn("engine: stream cut capped to liquid balance",
					"pool", poolAddr,
					"org_cut", orgCut,
					"liquid", st.Balances.PoolVaultLamports)
				orgCut = st.Balances.PoolVaultLamports
			}
		}

		st.Balances.PoolVaultLamports -= orgCut
		if st.Balances.OrgVaultLamports, err = pool.AddChecked(st.Balances.OrgVaultLamports, orgCut); err != nil {
			return err
		}

		now := e.cfg.Clock.Now().UTC()
		st.Pool.LastStreamedVaultSol = current
		st.Pool.LastStreamTS = now

		st.Events = append(st.Events, pool.StreamEvent{
			EventID:       uuid.NewString(),
			PoolAddress:   poolAddr,
			TotalYield:    delta,
			OrgAmount:     orgCut,
			PoolAmount:    delta - orgCut,
			VaultSolAfter: st.Pool.LastStreamedVaultSol,
			Automated:     automated,
			Timestamp:     now,
		})

		res = StreamResult{
			Streamed:     true,
			TotalYield:   delta,
			OrgAmount:    orgCut,
			PoolAmount:   delta - orgCut,
			CurrentValue: current,
		}
		return nil
	})
	if err != nil {
		return StreamResult{}, err
	}

	if res.Streamed {
		metrics.StreamedYieldLamports.Add(float64(res.OrgAmount))
		e.log.Info("engine: yield streamed",
			"pool", poolAddr,
			"total_yield", res.TotalYield,
			"org_amount", res.OrgAmount,
			"pool_amount", res.PoolAmount)
	} else {
		e.log.Debug("engine: stream no-op, no positive yield delta", "pool", poolAddr)
	}
	return res, nil
}
