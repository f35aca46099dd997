// Package pool defines the conservation pool record, its deterministically
// derived account addresses, and the share/valuation arithmetic shared by the
// engine and its stores.
package pool

import (
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
)

const (
	// MaxNameLen bounds the display strings stored on a pool record.
	MaxNameLen = 50

	// DefaultOrganizationYieldBps is the share of realized yield routed to
	// the beneficiary organization: 20 bps = 0.20%.
	DefaultOrganizationYieldBps = 20

	// MaxBps is 100% expressed in basis points.
	MaxBps = 10_000

	// MinStreamInterval is the shortest accepted crank interval.
	MinStreamInterval = 24 * time.Hour
)

// Address derivation seed prefixes. Derivation is deterministic from
// (organization key, species id), so a second creation for the same pair
// collides on the pool address.
const (
	poolSeed      = "pool"
	poolVaultSeed = "pool_vault"
	orgVaultSeed  = "org_vault"
	poolMintSeed  = "pool_mint"
	poolMsolSeed  = "pool_msol"
)

// DelegationStatus tracks which execution context is authoritative for a
// pool record.
type DelegationStatus string

const (
	// Settled means the base settlement layer is authoritative.
	Settled DelegationStatus = "settled"
	// Delegated means authority is handed to the ephemeral rollup.
	Delegated DelegationStatus = "delegated"
	// Settling is the transient commit-back phase of undelegation.
	Settling DelegationStatus = "settling"
)

// SpeciesID is the fixed-width uniqueness seed for a pool.
type SpeciesID [32]byte

func (id SpeciesID) Bytes() []byte { return id[:] }

// Addresses holds the accounts derived for a pool.
type Addresses struct {
	Pool      solana.PublicKey
	PoolVault solana.PublicKey
	OrgVault  solana.PublicKey
	ShareMint solana.PublicKey
	MsolVault solana.PublicKey
}

// Derive computes the pool's account addresses under programID. The same
// (organization, species) pair always yields the same addresses.
func Derive(programID, organization solana.PublicKey, speciesID SpeciesID) (Addresses, error) {
	var addrs Addresses
	var err error

	derive := func(prefix string) (solana.PublicKey, error) {
		pk, _, err := solana.FindProgramAddress(
			[][]byte{[]byte(prefix), organization.Bytes(), speciesID.Bytes()},
			programID,
		)
		if err != nil {
			return solana.PublicKey{}, fmt.Errorf("failed to derive %s address: %w", prefix, err)
		}
		return pk, nil
	}

	if addrs.Pool, err = derive(poolSeed); err != nil {
		return Addresses{}, err
	}
	if addrs.PoolVault, err = derive(poolVaultSeed); err != nil {
		return Addresses{}, err
	}
	if addrs.OrgVault, err = derive(orgVaultSeed); err != nil {
		return Addresses{}, err
	}
	if addrs.ShareMint, err = derive(poolMintSeed); err != nil {
		return Addresses{}, err
	}
	if addrs.MsolVault, err = derive(poolMsolSeed); err != nil {
		return Addresses{}, err
	}
	return addrs, nil
}

// Pool is the per-organization-per-species vault record. It is created once
// and mutated by every operation; it is never deleted.
type Pool struct {
	Addresses Addresses

	Organization     solana.PublicKey
	OrganizationName string
	SpeciesName      string
	SpeciesID        SpeciesID

	IsActive         bool
	IsCrankScheduled bool

	TotalDeposits uint64
	TotalShares   uint64

	OrganizationYieldBps uint16

	LastStreamedVaultSol uint64
	LastStreamTS         time.Time

	Delegation DelegationStatus

	CreatedAt time.Time
}

// NewParams carries the inputs to pool creation.
type NewParams struct {
	ProgramID        solana.PublicKey
	Organization     solana.PublicKey
	OrganizationName string
	SpeciesName      string
	SpeciesID        SpeciesID
	CreatedAt        time.Time
}

// New builds a fresh pool record with all counters at zero. It validates the
// display strings but does not persist anything.
func New(p NewParams) (*Pool, error) {
	if len(p.OrganizationName) > MaxNameLen || len(p.SpeciesName) > MaxNameLen {
		return nil, ErrStringTooLong
	}
	if p.Organization.IsZero() {
		return nil, fmt.Errorf("organization key is required: %w", ErrInvalidAmount)
	}
	addrs, err := Derive(p.ProgramID, p.Organization, p.SpeciesID)
	if err != nil {
		return nil, err
	}
	return &Pool{
		Addresses:            addrs,
		Organization:         p.Organization,
		OrganizationName:     p.OrganizationName,
		SpeciesName:          p.SpeciesName,
		SpeciesID:            p.SpeciesID,
		IsActive:             true,
		OrganizationYieldBps: DefaultOrganizationYieldBps,
		Delegation:           Settled,
		CreatedAt:            p.CreatedAt,
	}, nil
}

// Balances are the pool's three account balances. They change only inside
// atomic operations.
type Balances struct {
	PoolVaultLamports uint64
	PoolMsol          uint64
	OrgVaultLamports  uint64
}

// Task is a pending recurring stream registration. One iteration is consumed
// per successful automated firing; the task is discarded at zero iterations
// or when the pool is undelegated.
type Task struct {
	TaskID              uint64
	ExecutionInterval   time.Duration
	RemainingIterations uint64
	NextRunAt           time.Time
}

// StreamEvent records one successful streaming event.
type StreamEvent struct {
	EventID       string
	PoolAddress   solana.PublicKey
	TotalYield    uint64
	OrgAmount     uint64
	PoolAmount    uint64
	VaultSolAfter uint64
	Automated     bool
	Timestamp     time.Time
}
