package store

import (
	"context"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/atharvalabs/refi/vault/pkg/pool"
)

// Memory is an in-process Store keeping everything in maps. Per-pool
// serialization comes from a lock per entry; the registry lock only guards
// the map itself.
type Memory struct {
	mu      sync.RWMutex
	entries map[solana.PublicKey]*memoryEntry
}

type memoryEntry struct {
	mu     sync.Mutex
	state  *State
	events []pool.StreamEvent
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[solana.PublicKey]*memoryEntry)}
}

func (m *Memory) CreatePool(ctx context.Context, st *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := st.Pool.Addresses.Pool
	if _, ok := m.entries[addr]; ok {
		return pool.ErrPoolExists
	}
	m.entries[addr] = &memoryEntry{state: st.Clone()}
	return nil
}

func (m *Memory) entry(addr solana.PublicKey) (*memoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[addr]
	if !ok {
		return nil, pool.ErrPoolNotFound
	}
	return e, nil
}

func (m *Memory) Update(ctx context.Context, addr solana.PublicKey, fn func(st *State) error) error {
	e, err := m.entry(addr)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.state.Clone()
	if err := fn(next); err != nil {
		return err
	}
	events := next.Events
	next.Events = nil
	e.state = next
	e.events = append(e.events, events...)
	return nil
}

func (m *Memory) Get(ctx context.Context, addr solana.PublicKey) (*State, error) {
	e, err := m.entry(addr)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone(), nil
}

func (m *Memory) List(ctx context.Context) ([]*State, error) {
	m.mu.RLock()
	entries := make([]*memoryEntry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]*State, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.state.Clone())
		e.mu.Unlock()
	}
	return out, nil
}

func (m *Memory) DueTasks(ctx context.Context, now time.Time) ([]solana.PublicKey, error) {
	states, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	var due []solana.PublicKey
	for _, st := range states {
		if st.Pool.Delegation != pool.Delegated || st.Task == nil {
			continue
		}
		if !st.Task.NextRunAt.After(now) {
			due = append(due, st.Pool.Addresses.Pool)
		}
	}
	return due, nil
}

func (m *Memory) StreamEvents(ctx context.Context, addr solana.PublicKey, limit int) ([]pool.StreamEvent, error) {
	e, err := m.entry(addr)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]pool.StreamEvent, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, e.events[i])
	}
	return out, nil
}
