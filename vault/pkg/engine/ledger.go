package engine

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/atharvalabs/refi/vault/pkg/pool"
	"github.com/atharvalabs/refi/vault/pkg/store"
)

// CreatePoolParams carries the inputs to pool creation.
type CreatePoolParams struct {
	Organization     solana.PublicKey
	OrganizationName string
	SpeciesName      string
	SpeciesID        pool.SpeciesID
}

// CreatePool initializes a new pool. Only the configured administrator may
// call it; the derived address space makes a second creation for the same
// (organization, species) pair fail with ErrPoolExists.
func (e *Engine) CreatePool(ctx context.Context, caller solana.PublicKey, p CreatePoolParams) (_ *pool.Pool, err error) {
	start := e.cfg.Clock.Now()
	defer func() { e.observe("create_pool", start, err) }()

	if !caller.Equals(e.cfg.AdminKey) {
		return nil, pool.ErrCreatePoolUnauthorized
	}

	rec, err := pool.New(pool.NewParams{
		ProgramID:        e.cfg.ProgramID,
		Organization:     p.Organization,
		OrganizationName: p.OrganizationName,
		SpeciesName:      p.SpeciesName,
		SpeciesID:        p.SpeciesID,
		CreatedAt:        e.cfg.Clock.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	st := &store.State{
		Pool:   rec,
		Shares: make(map[solana.PublicKey]uint64),
	}
	if err := e.cfg.Store.CreatePool(ctx, st); err != nil {
		return nil, err
	}

	e.log.Info("engine: pool created",
		"pool", rec.Addresses.Pool,
		"organization", rec.Organization,
		"species", rec.SpeciesName)
	return rec, nil
}

// DepositResult reports the outcome of a deposit.
type DepositResult struct {
	SharesIssued  uint64
	TotalDeposits uint64
	TotalShares   uint64
}

// Deposit moves amount lamports from the supporter into the pool vault and
// mints proportional shares: 1:1 on the bootstrap deposit, floor-rounded
// proportional afterwards. Overflow fails closed with no mutation.
func (e *Engine) Deposit(ctx context.Context, caller, poolAddr solana.PublicKey, amount uint64) (res DepositResult, err error) {
	start := e.cfg.Clock.Now()
	defer func() { e.observe("deposit", start, err) }()

	if amount == 0 {
		return DepositResult{}, pool.ErrInvalidAmount
	}

	err = e.cfg.Store.Update(ctx, poolAddr, func(st *store.State) error {
		if !st.Pool.IsActive {
			return pool.ErrPoolNotActive
		}

		shares, err := pool.SharesForDeposit(amount, st.Pool.TotalShares, st.Pool.TotalDeposits)
		if err != nil {
			return err
		}
		if st.Pool.TotalDeposits, err = pool.AddChecked(st.Pool.TotalDeposits, amount); err != nil {
			return err
		}
		if st.Pool.TotalShares, err = pool.AddChecked(st.Pool.TotalShares, shares); err != nil {
			return err
		}
		if st.Balances.PoolVaultLamports, err = pool.AddChecked(st.Balances.PoolVaultLamports, amount); err != nil {
			return err
		}
		if st.Shares[caller], err = pool.AddChecked(st.Shares[caller], shares); err != nil {
			return err
		}
		// Principal is not yield: the stream baseline absorbs the deposit so
		// only staking gains ever produce a payout.
		if st.Pool.LastStreamedVaultSol, err = pool.AddChecked(st.Pool.LastStreamedVaultSol, amount); err != nil {
			return err
		}

		res = DepositResult{
			SharesIssued:  shares,
			TotalDeposits: st.Pool.TotalDeposits,
			TotalShares:   st.Pool.TotalShares,
		}
		return nil
	})
	if err != nil {
		return DepositResult{}, err
	}

	e.log.Info("engine: deposit committed",
		"pool", poolAddr,
		"supporter", caller,
		"lamports", amount,
		"shares_issued", res.SharesIssued)
	return res, nil
}

// TransferShares moves shares between owners. Supply and deposit counters
// are unchanged; only the claim moves.
func (e *Engine) TransferShares(ctx context.Context, caller, poolAddr, to solana.PublicKey, shares uint64) (err error) {
	start := e.cfg.Clock.Now()
	defer func() { e.observe("transfer_shares", start, err) }()

	if shares == 0 {
		return pool.ErrInvalidAmount
	}
	if caller.Equals(to) {
		return fmt.Errorf("transfer to self: %w", pool.ErrInvalidAmount)
	}

	err = e.cfg.Store.Update(ctx, poolAddr, func(st *store.State) error {
		if st.Shares[caller] < shares {
			return pool.ErrInsufficientShares
		}
		st.Shares[caller] -= shares
		if st.Shares[caller] == 0 {
			delete(st.Shares, caller)
		}
		var err error
		if st.Shares[to], err = pool.AddChecked(st.Shares[to], shares); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.log.Info("engine: shares transferred",
		"pool", poolAddr, "from", caller, "to", to, "shares", shares)
	return nil
}
