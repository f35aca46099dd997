package pg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atharvalabs/refi/vault/pkg/pool"
	"github.com/atharvalabs/refi/vault/pkg/store"
)

type StoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

type Store struct {
	log *slog.Logger
	cfg StoreConfig
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{log: cfg.Logger, cfg: cfg}, nil
}

const poolColumns = `address, pool_vault_address, org_vault_address, share_mint_address,
	msol_vault_address, organization_key, organization_name, species_name, species_id,
	is_active, is_crank_scheduled, total_deposits, total_shares, organization_yield_bps,
	last_streamed_vault_sol, last_stream_ts, delegation,
	pool_vault_lamports, pool_msol, org_vault_lamports, created_at`

func (s *Store) CreatePool(ctx context.Context, st *store.State) error {
	p := st.Pool
	_, err := s.cfg.Pool.Exec(ctx, `
		INSERT INTO pools (`+poolColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		p.Addresses.Pool.String(),
		p.Addresses.PoolVault.String(),
		p.Addresses.OrgVault.String(),
		p.Addresses.ShareMint.String(),
		p.Addresses.MsolVault.String(),
		p.Organization.String(),
		p.OrganizationName,
		p.SpeciesName,
		p.SpeciesID.Bytes(),
		p.IsActive,
		p.IsCrankScheduled,
		int64(p.TotalDeposits),
		int64(p.TotalShares),
		int16(p.OrganizationYieldBps),
		int64(p.LastStreamedVaultSol),
		nullableTime(p.LastStreamTS),
		string(p.Delegation),
		int64(st.Balances.PoolVaultLamports),
		int64(st.Balances.PoolMsol),
		int64(st.Balances.OrgVaultLamports),
		p.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return pool.ErrPoolExists
		}
		return fmt.Errorf("failed to insert pool: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, addr solana.PublicKey, fn func(st *store.State) error) error {
	tx, err := s.cfg.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	st, err := s.loadForUpdate(ctx, tx, addr)
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	if err := s.persist(ctx, tx, st); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) loadForUpdate(ctx context.Context, tx pgx.Tx, addr solana.PublicKey) (*store.State, error) {
	row := tx.QueryRow(ctx, `SELECT `+poolColumns+` FROM pools WHERE address = $1 FOR UPDATE`, addr.String())
	st, err := scanPoolRow(row)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `SELECT owner, shares FROM share_balances WHERE pool_address = $1`, addr.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query share balances: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var owner string
		var shares int64
		if err := rows.Scan(&owner, &shares); err != nil {
			return nil, fmt.Errorf("failed to scan share balance: %w", err)
		}
		pk, err := solana.PublicKeyFromBase58(owner)
		if err != nil {
			return nil, fmt.Errorf("failed to parse owner key %q: %w", owner, err)
		}
		st.Shares[pk] = uint64(shares)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read share balances: %w", err)
	}

	var (
		taskID     int64
		intervalMs int64
		remaining  int64
		nextRunAt  time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT task_id, execution_interval_ms, remaining_iterations, next_run_at
		FROM tasks WHERE pool_address = $1`, addr.String()).
		Scan(&taskID, &intervalMs, &remaining, &nextRunAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// no pending task
	case err != nil:
		return nil, fmt.Errorf("failed to query task: %w", err)
	default:
		st.Task = &pool.Task{
			TaskID:              uint64(taskID),
			ExecutionInterval:   time.Duration(intervalMs) * time.Millisecond,
			RemainingIterations: uint64(remaining),
			NextRunAt:           nextRunAt,
		}
	}

	return st, nil
}

func (s *Store) persist(ctx context.Context, tx pgx.Tx, st *store.State) error {
	p := st.Pool
	addr := p.Addresses.Pool.String()

	_, err := tx.Exec(ctx, `
		UPDATE pools SET
			is_active = $2,
			is_crank_scheduled = $3,
			total_deposits = $4,
			total_shares = $5,
			organization_yield_bps = $6,
			last_streamed_vault_sol = $7,
			last_stream_ts = $8,
			delegation = $9,
			pool_vault_lamports = $10,
			pool_msol = $11,
			org_vault_lamports = $12
		WHERE address = $1`,
		addr,
		p.IsActive,
		p.IsCrankScheduled,
		int64(p.TotalDeposits),
		int64(p.TotalShares),
		int16(p.OrganizationYieldBps),
		int64(p.LastStreamedVaultSol),
		nullableTime(p.LastStreamTS),
		string(p.Delegation),
		int64(st.Balances.PoolVaultLamports),
		int64(st.Balances.PoolMsol),
		int64(st.Balances.OrgVaultLamports),
	)
	if err != nil {
		return fmt.Errorf("failed to update pool: %w", err)
	}

	// Share balances are small per pool; rewrite the set wholesale.
	if _, err := tx.Exec(ctx, `DELETE FROM share_balances WHERE pool_address = $1`, addr); err != nil {
		return fmt.Errorf("failed to clear share balances: %w", err)
	}
	for owner, shares := range st.Shares {
		if shares == 0 {
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO share_balances (pool_address, owner, shares) VALUES ($1, $2, $3)`,
			addr, owner.String(), int64(shares)); err != nil {
			return fmt.Errorf("failed to insert share balance: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM tasks WHERE pool_address = $1`, addr); err != nil {
		return fmt.Errorf("failed to clear task: %w", err)
	}
	if st.Task != nil {
		if _, err := tx.Exec(ctx, `
			INSERT INTO tasks (pool_address, task_id, execution_interval_ms, remaining_iterations, next_run_at)
			VALUES ($1, $2, $3, $4, $5)`,
			addr,
			int64(st.Task.TaskID),
			st.Task.ExecutionInterval.Milliseconds(),
			int64(st.Task.RemainingIterations),
			st.Task.NextRunAt,
		); err != nil {
			return fmt.Errorf("failed to insert task: %w", err)
		}
	}

	for _, ev := range st.Events {
		if _, err := tx.Exec(ctx, `
			INSERT INTO stream_events (event_id, pool_address, total_yield, org_amount, pool_amount, vault_sol_after, automated, ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			ev.EventID,
			addr,
			int64(ev.TotalYield),
			int64(ev.OrgAmount),
			int64(ev.PoolAmount),
			int64(ev.VaultSolAfter),
			ev.Automated,
			ev.Timestamp,
		); err != nil {
			return fmt.Errorf("failed to insert stream event: %w", err)
		}
	}
	st.Events = nil

	return nil
}

func (s *Store) Get(ctx context.Context, addr solana.PublicKey) (*store.State, error) {
	tx, err := s.cfg.Pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+poolColumns+` FROM pools WHERE address = $1`, addr.String())
	st, err := scanPoolRow(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadAssociations(ctx, tx, st); err != nil {
		return nil, err
	}
	return st, tx.Commit(ctx)
}

func (s *Store) List(ctx context.Context) ([]*store.State, error) {
	tx, err := s.cfg.Pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `SELECT `+poolColumns+` FROM pools ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pools: %w", err)
	}
	defer rows.Close()

	var states []*store.State
	for rows.Next() {
		st, err := scanPoolRow(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pools: %w", err)
	}
	rows.Close()

	for _, st := range states {
		if err := s.loadAssociations(ctx, tx, st); err != nil {
			return nil, err
		}
	}
	return states, tx.Commit(ctx)
}

func (s *Store) loadAssociations(ctx context.Context, tx pgx.Tx, st *store.State) error {
	addr := st.Pool.Addresses.Pool.String()

	rows, err := tx.Query(ctx, `SELECT owner, shares FROM share_balances WHERE pool_address = $1`, addr)
	if err != nil {
		return fmt.Errorf("failed to query share balances: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var owner string
		var shares int64
		if err := rows.Scan(&owner, &shares); err != nil {
			return fmt.Errorf("failed to scan share balance: %w", err)
		}
		pk, err := solana.PublicKeyFromBase58(owner)
		if err != nil {
			return fmt.Errorf("failed to parse owner key %q: %w", owner, err)
		}
		st.Shares[pk] = uint64(shares)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read share balances: %w", err)
	}

	var (
		taskID     int64
		intervalMs int64
		remaining  int64
		nextRunAt  time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT task_id, execution_interval_ms, remaining_iterations, next_run_at
		FROM tasks WHERE pool_address = $1`, addr).
		Scan(&taskID, &intervalMs, &remaining, &nextRunAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to query task: %w", err)
	default:
		st.Task = &pool.Task{
			TaskID:              uint64(taskID),
			ExecutionInterval:   time.Duration(intervalMs) * time.Millisecond,
			RemainingIterations: uint64(remaining),
			NextRunAt:           nextRunAt,
		}
	}
	return nil
}

func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]solana.PublicKey, error) {
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT t.pool_address
		FROM tasks t
		JOIN pools p ON p.address = t.pool_address
		WHERE t.next_run_at <= $1 AND p.delegation = 'delegated'
		ORDER BY t.next_run_at`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due tasks: %w", err)
	}
	defer rows.Close()

	var due []solana.PublicKey
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("failed to scan due task: %w", err)
		}
		pk, err := solana.PublicKeyFromBase58(addr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse pool address %q: %w", addr, err)
		}
		due = append(due, pk)
	}
	return due, rows.Err()
}

func (s *Store) StreamEvents(ctx context.Context, addr solana.PublicKey, limit int) ([]pool.StreamEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT event_id, total_yield, org_amount, pool_amount, vault_sol_after, automated, ts
		FROM stream_events
		WHERE pool_address = $1
		ORDER BY ts DESC
		LIMIT $2`, addr.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stream events: %w", err)
	}
	defer rows.Close()

	var events []pool.StreamEvent
	for rows.Next() {
		var (
			ev                                        pool.StreamEvent
			totalYield, orgAmount, poolAmount, vAfter int64
		)
		if err := rows.Scan(&ev.EventID, &totalYield, &orgAmount, &poolAmount, &vAfter, &ev.Automated, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan stream event: %w", err)
		}
		ev.PoolAddress = addr
		ev.TotalYield = uint64(totalYield)
		ev.OrgAmount = uint64(orgAmount)
		ev.PoolAmount = uint64(poolAmount)
		ev.VaultSolAfter = uint64(vAfter)
		events = append(events, ev)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPoolRow(row rowScanner) (*store.State, error) {
	var (
		addrStr, poolVaultStr, orgVaultStr, shareMintStr, msolVaultStr string
		orgKeyStr, orgName, speciesName                                string
		speciesID                                                      []byte
		isActive, isCrankScheduled                                     bool
		totalDeposits, totalShares                                     int64
		yieldBps                                                       int16
		lastStreamed                                                   int64
		lastStreamTS                                                   *time.Time
		delegation                                                     string
		vaultLamports, poolMsol, orgVaultLamports                      int64
		createdAt                                                      time.Time
	)
	err := row.Scan(
		&addrStr, &poolVaultStr, &orgVaultStr, &shareMintStr, &msolVaultStr,
		&orgKeyStr, &orgName, &speciesName, &speciesID,
		&isActive, &isCrankScheduled, &totalDeposits, &totalShares, &yieldBps,
		&lastStreamed, &lastStreamTS, &delegation,
		&vaultLamports, &poolMsol, &orgVaultLamports, &createdAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pool.ErrPoolNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan pool row: %w", err)
	}

	parse := func(s string) (solana.PublicKey, error) {
		pk, err := solana.PublicKeyFromBase58(s)
		if err != nil {
			return solana.PublicKey{}, fmt.Errorf("failed to parse stored key %q: %w", s, err)
		}
		return pk, nil
	}

	p := &pool.Pool{
		OrganizationName:     orgName,
		SpeciesName:          speciesName,
		IsActive:             isActive,
		IsCrankScheduled:     isCrankScheduled,
		TotalDeposits:        uint64(totalDeposits),
		TotalShares:          uint64(totalShares),
		OrganizationYieldBps: uint16(yieldBps),
		LastStreamedVaultSol: uint64(lastStreamed),
		Delegation:           pool.DelegationStatus(delegation),
		CreatedAt:            createdAt,
	}
	if lastStreamTS != nil {
		p.LastStreamTS = *lastStreamTS
	}
	copy(p.SpeciesID[:], speciesID)

	if p.Addresses.Pool, err = parse(addrStr); err != nil {
		return nil, err
	}
	if p.Addresses.PoolVault, err = parse(poolVaultStr); err != nil {
		return nil, err
	}
	if p.Addresses.OrgVault, err = parse(orgVaultStr); err != nil {
		return nil, err
	}
	if p.Addresses.ShareMint, err = parse(shareMintStr); err != nil {
		return nil, err
	}
	if p.Addresses.MsolVault, err = parse(msolVaultStr); err != nil {
		return nil, err
	}
	if p.Organization, err = parse(orgKeyStr); err != nil {
		return nil, err
	}

	return &store.State{
		Pool: p,
		Balances: pool.Balances{
			PoolVaultLamports: uint64(vaultLamports),
			PoolMsol:          uint64(poolMsol),
			OrgVaultLamports:  uint64(orgVaultLamports),
		},
		Shares: make(map[solana.PublicKey]uint64),
	}, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
