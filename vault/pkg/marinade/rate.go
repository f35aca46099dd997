// Package marinade wraps the external Marinade liquid-staking protocol: a
// read path for its published mSOL/SOL exchange rate and an in-process
// simulator of its stake/unstake mechanics for tests and dev mode.
package marinade

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/atharvalabs/refi/vault/pkg/pool"
)

// Marinade state account field offsets. msol_supply and
// total_virtual_staked_lamports are fixed-position u64 little-endian fields
// in the program's state account layout.
const (
	msolSupplyOffset  = 368
	totalStakedOffset = 376
	minStateLen       = totalStakedOffset + 8
)

// Rate is a snapshot of the mSOL/SOL exchange rate. It must be read fresh
// from the external service for every operation, never cached across
// operations.
type Rate struct {
	MsolSupply          uint64
	TotalStakedLamports uint64
}

// SolValue converts an mSOL amount to its SOL (lamport) value at this rate.
func (r Rate) SolValue(msol uint64) (uint64, error) {
	if msol == 0 {
		return 0, nil
	}
	if r.MsolSupply == 0 {
		return 0, pool.ErrArithmetic
	}
	return pool.MulDiv(msol, r.TotalStakedLamports, r.MsolSupply)
}

// MsolValue converts a lamport amount to mSOL at this rate.
func (r Rate) MsolValue(lamports uint64) (uint64, error) {
	if lamports == 0 {
		return 0, nil
	}
	if r.TotalStakedLamports == 0 {
		return 0, pool.ErrArithmetic
	}
	return pool.MulDiv(lamports, r.MsolSupply, r.TotalStakedLamports)
}

// ParseState decodes the exchange rate fields out of a raw Marinade state
// account.
func ParseState(data []byte) (Rate, error) {
	if len(data) < minStateLen {
		return Rate{}, fmt.Errorf("marinade state account too short: %d bytes", len(data))
	}
	r := Rate{
		MsolSupply:          binary.LittleEndian.Uint64(data[msolSupplyOffset : msolSupplyOffset+8]),
		TotalStakedLamports: binary.LittleEndian.Uint64(data[totalStakedOffset : totalStakedOffset+8]),
	}
	if r.MsolSupply == 0 {
		return Rate{}, errors.New("marinade state has zero msol supply")
	}
	return r, nil
}
