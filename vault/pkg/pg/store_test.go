package pg_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	refitesting "github.com/atharvalabs/refi/utils/pkg/testing"
	"github.com/atharvalabs/refi/vault/pkg/pg"
	"github.com/atharvalabs/refi/vault/pkg/pool"
	"github.com/atharvalabs/refi/vault/pkg/store"
)

var (
	testProgramID = solana.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")

	log    *slog.Logger
	dbPool *pgxpool.Pool
)

func TestMain(m *testing.M) {
	log = refitesting.NewLogger()
	ctx := context.Background()

	db, err := refitesting.NewDB(ctx, log, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	if err := pg.RunMigrations(log, db.ConnStr()); err != nil {
		db.Close()
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		os.Exit(1)
	}

	dbPool, err = pgxpool.New(ctx, db.ConnStr())
	if err != nil {
		db.Close()
		fmt.Fprintf(os.Stderr, "failed to create pgx pool: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	dbPool.Close()
	db.Close()
	os.Exit(code)
}

func newStore(t *testing.T) *pg.Store {
	t.Helper()
	s, err := pg.NewStore(pg.StoreConfig{Logger: log, Pool: dbPool})
	require.NoError(t, err)
	return s
}

var speciesCounter byte

func newState(t *testing.T) *store.State {
	t.Helper()
	speciesCounter++
	var species pool.SpeciesID
	species[0] = speciesCounter
	species[1] = byte(time.Now().UnixNano())

	p, err := pool.New(pool.NewParams{
		ProgramID:        testProgramID,
		Organization:     solana.NewWallet().PublicKey(),
		OrganizationName: "org",
		SpeciesName:      "species",
		SpeciesID:        species,
		CreatedAt:        time.Now().UTC().Truncate(time.Microsecond),
	})
	require.NoError(t, err)
	return &store.State{Pool: p, Shares: make(map[solana.PublicKey]uint64)}
}

func TestRefi_Vault_PG_Store_CreatePool(t *testing.T) {
	ctx := t.Context()
	s := newStore(t)
	st := newState(t)

	require.NoError(t, s.CreatePool(ctx, st))

	t.Run("duplicate fails", func(t *testing.T) {
		require.ErrorIs(t, s.CreatePool(ctx, st), pool.ErrPoolExists)
	})

	t.Run("round trips", func(t *testing.T) {
		got, err := s.Get(ctx, st.Pool.Addresses.Pool)
		require.NoError(t, err)
		require.Equal(t, st.Pool.Addresses, got.Pool.Addresses)
		require.Equal(t, st.Pool.Organization, got.Pool.Organization)
		require.Equal(t, st.Pool.SpeciesID, got.Pool.SpeciesID)
		require.Equal(t, pool.Settled, got.Pool.Delegation)
		require.True(t, got.Pool.IsActive)
		require.Empty(t, got.Shares)
		require.Nil(t, got.Task)
	})

	t.Run("unknown pool not found", func(t *testing.T) {
		_, err := s.Get(ctx, solana.NewWallet().PublicKey())
		require.ErrorIs(t, err, pool.ErrPoolNotFound)
	})
}

func TestRefi_Vault_PG_Store_Update(t *testing.T) {
	ctx := t.Context()
	s := newStore(t)

	t.Run("commits full state", func(t *testing.T) {
		st := newState(t)
		require.NoError(t, s.CreatePool(ctx, st))
		addr := st.Pool.Addresses.Pool
		owner := solana.NewWallet().PublicKey()
		now := time.Now().UTC().Truncate(time.Microsecond)

		err := s.Update(ctx, addr, func(st *store.State) error {
			st.Pool.TotalDeposits = 1_000
			st.Pool.TotalShares = 1_000
			st.Pool.Delegation = pool.Delegated
			st.Pool.IsCrankScheduled = true
			st.Pool.LastStreamedVaultSol = 1_000
			st.Pool.LastStreamTS = now
			st.Balances.PoolVaultLamports = 600
			st.Balances.PoolMsol = 400
			st.Balances.OrgVaultLamports = 5
			st.Shares[owner] = 1_000
			st.Task = &pool.Task{
				TaskID:              9,
				ExecutionInterval:   24 * time.Hour,
				RemainingIterations: 3,
				NextRunAt:           now.Add(24 * time.Hour),
			}
			st.Events = append(st.Events, pool.StreamEvent{
				EventID:       "8b8f842e-44a2-41b1-86bb-9f2fa0f01036",
				PoolAddress:   addr,
				TotalYield:    100,
				OrgAmount:     5,
				PoolAmount:    95,
				VaultSolAfter: 1_000,
				Automated:     true,
				Timestamp:     now,
			})
			return nil
		})
		require.NoError(t, err)

		got, err := s.Get(ctx, addr)
		require.NoError(t, err)
		require.Equal(t, uint64(1_000), got.Pool.TotalDeposits)
		require.Equal(t, pool.Delegated, got.Pool.Delegation)
		require.True(t, got.Pool.IsCrankScheduled)
		require.Equal(t, now, got.Pool.LastStreamTS.UTC())
		require.Equal(t, pool.Balances{
			PoolVaultLamports: 600,
			PoolMsol:          400,
			OrgVaultLamports:  5,
		}, got.Balances)
		require.Equal(t, uint64(1_000), got.Shares[owner])
		require.NotNil(t, got.Task)
		require.Equal(t, uint64(9), got.Task.TaskID)
		require.Equal(t, 24*time.Hour, got.Task.ExecutionInterval)
		require.Equal(t, now.Add(24*time.Hour), got.Task.NextRunAt.UTC())

		events, err := s.StreamEvents(ctx, addr, 10)
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.Equal(t, uint64(100), events[0].TotalYield)
		require.True(t, events[0].Automated)
	})

	t.Run("rolls back on error", func(t *testing.T) {
		st := newState(t)
		require.NoError(t, s.CreatePool(ctx, st))
		addr := st.Pool.Addresses.Pool

		boom := errors.New("boom")
		err := s.Update(ctx, addr, func(st *store.State) error {
			st.Pool.TotalDeposits = 42
			return boom
		})
		require.ErrorIs(t, err, boom)

		got, err := s.Get(ctx, addr)
		require.NoError(t, err)
		require.Equal(t, uint64(0), got.Pool.TotalDeposits)
	})

	t.Run("unknown pool not found", func(t *testing.T) {
		err := s.Update(ctx, solana.NewWallet().PublicKey(), func(st *store.State) error {
			return nil
		})
		require.ErrorIs(t, err, pool.ErrPoolNotFound)
	})

	t.Run("deleting a task and zeroed shares", func(t *testing.T) {
		st := newState(t)
		require.NoError(t, s.CreatePool(ctx, st))
		addr := st.Pool.Addresses.Pool
		owner := solana.NewWallet().PublicKey()

		require.NoError(t, s.Update(ctx, addr, func(st *store.State) error {
			st.Shares[owner] = 10
			st.Task = &pool.Task{TaskID: 1, ExecutionInterval: 24 * time.Hour, RemainingIterations: 1, NextRunAt: time.Now().UTC()}
			return nil
		}))
		require.NoError(t, s.Update(ctx, addr, func(st *store.State) error {
			st.Shares[owner] = 0
			st.Task = nil
			return nil
		}))

		got, err := s.Get(ctx, addr)
		require.NoError(t, err)
		require.Empty(t, got.Shares)
		require.Nil(t, got.Task)
	})
}

func TestRefi_Vault_PG_Store_DueTasks(t *testing.T) {
	ctx := t.Context()
	s := newStore(t)
	now := time.Now().UTC()

	due := newState(t)
	require.NoError(t, s.CreatePool(ctx, due))
	require.NoError(t, s.Update(ctx, due.Pool.Addresses.Pool, func(st *store.State) error {
		st.Pool.Delegation = pool.Delegated
		st.Task = &pool.Task{TaskID: 1, ExecutionInterval: 24 * time.Hour, RemainingIterations: 1, NextRunAt: now.Add(-time.Minute)}
		return nil
	}))

	notYet := newState(t)
	require.NoError(t, s.CreatePool(ctx, notYet))
	require.NoError(t, s.Update(ctx, notYet.Pool.Addresses.Pool, func(st *store.State) error {
		st.Pool.Delegation = pool.Delegated
		st.Task = &pool.Task{TaskID: 2, ExecutionInterval: 24 * time.Hour, RemainingIterations: 1, NextRunAt: now.Add(time.Hour)}
		return nil
	}))

	settled := newState(t)
	require.NoError(t, s.CreatePool(ctx, settled))
	require.NoError(t, s.Update(ctx, settled.Pool.Addresses.Pool, func(st *store.State) error {
		st.Task = &pool.Task{TaskID: 3, ExecutionInterval: 24 * time.Hour, RemainingIterations: 1, NextRunAt: now.Add(-time.Minute)}
		return nil
	}))

	got, err := s.DueTasks(ctx, now)
	require.NoError(t, err)
	require.Contains(t, got, due.Pool.Addresses.Pool)
	require.NotContains(t, got, notYet.Pool.Addresses.Pool)
	require.NotContains(t, got, settled.Pool.Addresses.Pool)
}

func TestRefi_Vault_PG_Store_StreamEvents_NewestFirst(t *testing.T) {
	ctx := t.Context()
	s := newStore(t)
	st := newState(t)
	require.NoError(t, s.CreatePool(ctx, st))
	addr := st.Pool.Addresses.Pool

	base := time.Now().UTC().Truncate(time.Microsecond)
	ids := []string{
		"11111111-1111-4111-8111-111111111111",
		"22222222-2222-4222-8222-222222222222",
		"33333333-3333-4333-8333-333333333333",
	}
	for i, id := range ids {
		i := i
		require.NoError(t, s.Update(ctx, addr, func(st *store.State) error {
			st.Events = append(st.Events, pool.StreamEvent{
				EventID:     id,
				PoolAddress: addr,
				TotalYield:  uint64(i + 1),
				Timestamp:   base.Add(time.Duration(i) * time.Second),
			})
			return nil
		}))
	}

	events, err := s.StreamEvents(ctx, addr, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, ids[2], events[0].EventID)
	require.Equal(t, ids[1], events[1].EventID)
}

func TestRefi_Vault_PG_Store_List(t *testing.T) {
	ctx := t.Context()
	s := newStore(t)

	st := newState(t)
	require.NoError(t, s.CreatePool(ctx, st))

	states, err := s.List(ctx)
	require.NoError(t, err)

	var found bool
	for _, got := range states {
		if got.Pool.Addresses.Pool.Equals(st.Pool.Addresses.Pool) {
			found = true
		}
	}
	require.True(t, found)
}
