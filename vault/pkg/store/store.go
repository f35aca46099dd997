// Package store defines the persistence contract for pool state. A store
// must apply one operation's full mutation set atomically and serialize
// updates per pool; updates to different pools may proceed concurrently.
package store

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/atharvalabs/refi/vault/pkg/pool"
)

// State is the full mutable state of one pool: the record itself, its three
// account balances, outstanding share balances by owner, and the pending
// scheduled task if any.
type State struct {
	Pool     *pool.Pool
	Balances pool.Balances
	Shares   map[solana.PublicKey]uint64
	Task     *pool.Task

	// Events staged during an Update are persisted atomically with the rest
	// of the mutation.
	Events []pool.StreamEvent
}

// Clone returns a deep copy so callers can mutate freely before commit.
func (st *State) Clone() *State {
	p := *st.Pool
	shares := make(map[solana.PublicKey]uint64, len(st.Shares))
	for k, v := range st.Shares {
		shares[k] = v
	}
	var task *pool.Task
	if st.Task != nil {
		t := *st.Task
		task = &t
	}
	return &State{
		Pool:     &p,
		Balances: st.Balances,
		Shares:   shares,
		Task:     task,
	}
}

// Store persists pool state.
type Store interface {
	// CreatePool persists a fresh pool atomically; it fails with
	// pool.ErrPoolExists when the derived pool address is already taken.
	CreatePool(ctx context.Context, st *State) error

	// Update loads the state for addr, runs fn on a private copy, and
	// persists the result atomically. When fn returns an error nothing is
	// persisted and the error is returned unchanged. Updates to the same
	// pool are strictly serialized.
	Update(ctx context.Context, addr solana.PublicKey, fn func(st *State) error) error

	// Get returns a snapshot of the state for addr, or pool.ErrPoolNotFound.
	Get(ctx context.Context, addr solana.PublicKey) (*State, error)

	// List returns snapshots of every pool.
	List(ctx context.Context) ([]*State, error)

	// DueTasks returns the addresses of delegated pools whose scheduled task
	// is due at or before now.
	DueTasks(ctx context.Context, now time.Time) ([]solana.PublicKey, error)

	// StreamEvents returns up to limit most recent stream events for addr,
	// newest first.
	StreamEvents(ctx context.Context, addr solana.PublicKey, limit int) ([]pool.StreamEvent, error)
}
