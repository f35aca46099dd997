package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/atharvalabs/refi/vault/pkg/metrics"
	"github.com/atharvalabs/refi/vault/pkg/pool"
	"github.com/atharvalabs/refi/vault/pkg/store"
)

// Delegate hands the pool's execution context to the ephemeral rollup.
// Administrator only; a pool that is not settled is rejected so the same
// record is never authoritative in two contexts.
func (e *Engine) Delegate(ctx context.Context, caller, poolAddr solana.PublicKey) (err error) {
	start := e.cfg.Clock.Now()
	defer func() { e.observe("delegate", start, err) }()

	if !caller.Equals(e.cfg.AdminKey) {
		return pool.ErrUnauthorized
	}

	err = e.cfg.Store.Update(ctx, poolAddr, func(st *store.State) error {
		if st.Pool.Delegation != pool.Settled {
			return pool.ErrAlreadyDelegated
		}
		if err := e.cfg.Delegator.Delegate(ctx, poolAddr); err != nil {
			return fmt.Errorf("%w: delegate: %w", pool.ErrExternalService, err)
		}
		st.Pool.Delegation = pool.Delegated
		return nil
	})
	if err != nil {
		return err
	}

	e.log.Info("engine: pool delegated", "pool", poolAddr)
	return nil
}

// Undelegate commits state back to the settlement layer. The pool passes
// through Settling while the commit is in flight; any pending task is
// discarded, which is the only cancellation path for a scheduled crank.
func (e *Engine) Undelegate(ctx context.Context, caller, poolAddr solana.PublicKey) (err error) {
	start := e.cfg.Clock.Now()
	defer func() { e.observe("undelegate", start, err) }()

	if !caller.Equals(e.cfg.AdminKey) {
		return pool.ErrUnauthorized
	}

	err = e.cfg.Store.Update(ctx, poolAddr, func(st *store.State) error {
		if st.Pool.Delegation != pool.Delegated {
			return pool.ErrNotDelegated
		}
		st.Pool.Delegation = pool.Settling
		if err := e.cfg.Delegator.CommitAndUndelegate(ctx, poolAddr); err != nil {
			return fmt.Errorf("%w: commit and undelegate: %w", pool.ErrExternalService, err)
		}
		st.Pool.Delegation = pool.Settled
		st.Pool.IsCrankScheduled = false
		st.Task = nil
		return nil
	})
	if err != nil {
		return err
	}

	e.log.Info("engine: pool undelegated", "pool", poolAddr)
	return nil
}

// ScheduleStreamsParams carries a crank registration.
type ScheduleStreamsParams struct {
	TaskID            uint64
	ExecutionInterval time.Duration
	Iterations        uint64
}

// ScheduleStreams registers a recurring automated stream. Valid only while
// delegated and signed by the pool's organization. Each firing behaves
// exactly like Stream; the task is consumed after Iterations successes.
func (e *Engine) ScheduleStreams(ctx context.Context, caller, poolAddr solana.PublicKey, p ScheduleStreamsParams) (err error) {
	start := e.cfg.Clock.Now()
	defer func() { e.observe("schedule_streams", start, err) }()

	if p.ExecutionInterval < pool.MinStreamInterval {
		return pool.ErrIntervalTooShort
	}
	if p.Iterations == 0 {
		return pool.ErrInvalidIterations
	}

	err = e.cfg.Store.Update(ctx, poolAddr, func(st *store.State) error {
		if !caller.Equals(st.Pool.Organization) {
			return pool.ErrUnauthorizedOrganization
		}
		if !st.Pool.IsActive {
			return pool.ErrPoolNotActive
		}
		if st.Pool.Delegation != pool.Delegated {
			return pool.ErrNotDelegated
		}
		if st.Pool.IsCrankScheduled || st.Task != nil {
			return pool.ErrCrankAlreadyScheduled
		}

		now := e.cfg.Clock.Now().UTC()
		st.Pool.IsCrankScheduled = true
		st.Pool.LastStreamTS = now
		st.Task = &pool.Task{
			TaskID:              p.TaskID,
			ExecutionInterval:   p.ExecutionInterval,
			RemainingIterations: p.Iterations,
			NextRunAt:           now.Add(p.ExecutionInterval),
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.log.Info("engine: crank scheduled",
		"pool", poolAddr,
		"task_id", p.TaskID,
		"interval", p.ExecutionInterval,
		"iterations", p.Iterations)
	return nil
}

// StreamScheduled fires one automated crank iteration. A successful stream
// (including a no-op delta) consumes one iteration and advances the next run
// time; a failure leaves the iteration count and baseline untouched so the
// task retries at the next tick.
func (e *Engine) StreamScheduled(ctx context.Context, poolAddr solana.PublicKey) (StreamResult, error) {
	var gate error
	err := e.cfg.Store.Update(ctx, poolAddr, func(st *store.State) error {
		if st.Pool.Delegation != pool.Delegated || st.Task == nil {
			gate = pool.ErrNotDelegated
		}
		return nil
	})
	if err != nil {
		return StreamResult{}, err
	}
	if gate != nil {
		return StreamResult{}, gate
	}

	res, streamErr := e.stream(ctx, poolAddr, true)
	if streamErr != nil {
		metrics.CrankFiringsTotal.WithLabelValues("error").Inc()
		e.log.Warn("engine: scheduled stream failed, will retry next tick",
			"pool", poolAddr, "error", streamErr)
		return StreamResult{}, streamErr
	}

	err = e.cfg.Store.Update(ctx, poolAddr, func(st *store.State) error {
		if st.Task == nil {
			return nil
		}
		st.Task.RemainingIterations--
		if st.Task.RemainingIterations == 0 {
			st.Task = nil
			st.Pool.IsCrankScheduled = false
			return nil
		}
		st.Task.NextRunAt = st.Task.NextRunAt.Add(st.Task.ExecutionInterval)
		return nil
	})
	if err != nil {
		return StreamResult{}, err
	}

	metrics.CrankFiringsTotal.WithLabelValues("ok").Inc()
	return res, nil
}
