package marinade

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/atharvalabs/refi/vault/pkg/pool"
)

// SimulatorConfig configures the in-process liquid-staking simulator.
type SimulatorConfig struct {
	Logger *slog.Logger

	// Initial protocol state. TotalStakedLamports / MsolSupply is the
	// starting exchange rate.
	MsolSupply          uint64
	TotalStakedLamports uint64

	// LiqPoolSolLamports is the instant liquidity available to the unstake
	// liquidity-pool leg. Unstakes beyond it are deferred to delayed
	// tickets.
	LiqPoolSolLamports uint64

	// TreasuryFeeBps is the fee the liquidity-pool leg takes on instant
	// unstakes, routed to the protocol treasury.
	TreasuryFeeBps uint16
}

func (cfg *SimulatorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.MsolSupply == 0 || cfg.TotalStakedLamports == 0 {
		return errors.New("initial msol supply and total staked lamports are required")
	}
	if cfg.TreasuryFeeBps > pool.MaxBps {
		return errors.New("treasury fee bps out of range")
	}
	return nil
}

// DelayedTicket is an unstake portion that could not be served from instant
// liquidity and waits for the protocol's delayed-redemption path.
type DelayedTicket struct {
	Msol     uint64
	Lamports uint64
}

// Simulator is a deterministic stand-in for the Marinade protocol: it tracks
// mSOL supply, total staked value, an instant-liquidity pool leg with a
// treasury fee, and delayed tickets for unstakes beyond instant liquidity.
// Used by tests and the daemon's dev mode.
type Simulator struct {
	log *slog.Logger

	mu             sync.Mutex
	msolSupply     uint64
	totalStaked    uint64
	liqPoolSol     uint64
	treasuryFeeBps uint16
	treasurySol    uint64
	tickets        []DelayedTicket
}

func NewSimulator(cfg SimulatorConfig) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Simulator{
		log:            cfg.Logger,
		msolSupply:     cfg.MsolSupply,
		totalStaked:    cfg.TotalStakedLamports,
		liqPoolSol:     cfg.LiqPoolSolLamports,
		treasuryFeeBps: cfg.TreasuryFeeBps,
	}, nil
}

// Rate returns the current exchange rate.
func (s *Simulator) Rate(ctx context.Context) (Rate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Rate{MsolSupply: s.msolSupply, TotalStakedLamports: s.totalStaked}, nil
}

// Stake deposits lamports and mints mSOL at the current rate.
func (s *Simulator) Stake(ctx context.Context, lamports uint64) (uint64, error) {
	if lamports == 0 {
		return 0, pool.ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rate := Rate{MsolSupply: s.msolSupply, TotalStakedLamports: s.totalStaked}
	msol, err := rate.MsolValue(lamports)
	if err != nil {
		return 0, err
	}
	var sum uint64
	if sum, err = pool.AddChecked(s.totalStaked, lamports); err != nil {
		return 0, err
	}
	s.totalStaked = sum
	if sum, err = pool.AddChecked(s.msolSupply, msol); err != nil {
		return 0, err
	}
	s.msolSupply = sum

	s.log.Debug("marinade-sim: staked", "lamports", lamports, "msol_out", msol)
	return msol, nil
}

// Unstake burns msol via the liquidity-pool leg. The instant portion pays
// out immediately minus the treasury fee; anything beyond instant liquidity
// becomes a delayed ticket and is not part of the returned lamports.
func (s *Simulator) Unstake(ctx context.Context, msol uint64) (uint64, error) {
	if msol == 0 {
		return 0, pool.ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if msol > s.msolSupply {
		return 0, pool.ErrInsufficientFunds
	}

	rate := Rate{MsolSupply: s.msolSupply, TotalStakedLamports: s.totalStaked}
	grossSol, err := rate.SolValue(msol)
	if err != nil {
		return 0, err
	}

	instant := grossSol
	if instant > s.liqPoolSol {
		instant = s.liqPoolSol
	}
	deferred := grossSol - instant

	fee, err := pool.MulDiv(instant, uint64(s.treasuryFeeBps), pool.MaxBps)
	if err != nil {
		return 0, err
	}
	payout := instant - fee

	s.msolSupply -= msol
	s.totalStaked -= grossSol
	s.liqPoolSol -= instant
	s.treasurySol += fee

	if deferred > 0 {
		// mSOL backing the deferred portion waits on the delayed path.
		deferredMsol, err := rate.MsolValue(deferred)
		if err != nil {
			return 0, err
		}
		s.tickets = append(s.tickets, DelayedTicket{Msol: deferredMsol, Lamports: deferred})
		s.log.Warn("marinade-sim: instant liquidity exhausted, deferred to ticket",
			"deferred_lamports", deferred)
	}

	s.log.Debug("marinade-sim: unstaked",
		"msol", msol, "payout_lamports", payout, "fee_lamports", fee, "deferred_lamports", deferred)
	return payout, nil
}

// Accrue simulates staking rewards by growing the total staked value by bps
// basis points without minting mSOL, which raises the exchange rate.
func (s *Simulator) Accrue(bps uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	gain, err := pool.MulDiv(s.totalStaked, bps, pool.MaxBps)
	if err != nil {
		return err
	}
	s.totalStaked += gain
	return nil
}

// AddLiquidity refills the instant-liquidity pool leg.
func (s *Simulator) AddLiquidity(lamports uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.liqPoolSol += lamports
}

// PendingTickets returns the delayed tickets accumulated so far.
func (s *Simulator) PendingTickets() []DelayedTicket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DelayedTicket, len(s.tickets))
	copy(out, s.tickets)
	return out
}

// TreasuryLamports returns the fees collected by the treasury.
func (s *Simulator) TreasuryLamports() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.treasurySol
}
