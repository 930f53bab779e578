package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"github.com/austindbirch/logharbor/internal/ledger"
	"github.com/austindbirch/logharbor/internal/metrics"
)

// ExecutorOption configures an executor at registration
type ExecutorOption func(*Executor)

// AlwaysAdmit marks an executor whose units bypass the quota and fair share
// checks. Use it for child work that parents block on.
func AlwaysAdmit() ExecutorOption {
	return func(e *Executor) { e.alwaysAdmit = true }
}

// RetainHistory keeps reaped units around for History
func RetainHistory() ExecutorOption {
	return func(e *Executor) { e.retainHistory = true }
}

// Executor is a named submission front-end registered with a Supervisor.
// Units it accepts are queued until the supervisor admits them.
type Executor struct {
	name          string
	sup           *Supervisor
	alwaysAdmit   bool
	retainHistory bool

	queue   *ledger.Ledger[*Unit]
	live    *ledger.Ledger[*Unit]
	history *ledger.Ledger[*Unit]

	running  atomic.Int64
	faults   atomic.Int64
	released atomic.Bool

	mu          sync.Mutex
	outstanding int
	waiters     []chan struct{}
}

func newExecutor(name string, sup *Supervisor, opts ...ExecutorOption) *Executor {
	e := &Executor{
		name:    name,
		sup:     sup,
		queue:   ledger.New[*Unit](),
		live:    ledger.New[*Unit](),
		history: ledger.New[*Unit](),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Name() string {
	return e.name
}

// Submit queues an action, blocking while the worker pool is saturated
func (e *Executor) Submit(ctx context.Context, action func(context.Context) error) (*Unit, error) {
	if err := e.throttle(ctx); err != nil {
		return nil, err
	}
	return e.enqueue(newUnit(e, KindAction, action))
}

// SubmitThen queues an action whose continuation runs on the same worker
// right after it. The continuation receives the action's error and its
// own return value becomes the unit's outcome.
func (e *Executor) SubmitThen(ctx context.Context, action func(context.Context) error, then func(context.Context, error) error) (*Unit, error) {
	if err := e.throttle(ctx); err != nil {
		return nil, err
	}
	u := newUnit(e, KindContinuation, action)
	u.then = then
	return e.enqueue(u)
}

// QueueOnly queues an action without waiting for pool capacity
func (e *Executor) QueueOnly(action func(context.Context) error) (*Unit, error) {
	return e.enqueue(newUnit(e, KindAction, action))
}

// SubmitForResult queues fn and returns a handle yielding its value
func SubmitForResult[T any](ctx context.Context, e *Executor, fn func(context.Context) (T, error)) (*Handle[T], error) {
	if err := e.throttle(ctx); err != nil {
		return nil, err
	}
	h := &Handle[T]{}
	h.unit = newUnit(e, KindFunc, func(ctx context.Context) error {
		v, err := fn(ctx)
		h.value = v
		return err
	})
	if _, err := e.enqueue(h.unit); err != nil {
		return nil, err
	}
	return h, nil
}

// Wait blocks until every unit submitted so far has completed
func (e *Executor) Wait(ctx context.Context) error {
	e.mu.Lock()
	if e.outstanding == 0 {
		e.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	e.waiters = append(e.waiters, ch)
	e.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Queued is the number of units waiting for admission
func (e *Executor) Queued() int {
	return e.queue.Len()
}

// Running is the number of admitted units that have not completed
func (e *Executor) Running() int {
	return int(e.running.Load())
}

// Faults is the number of units that completed with an error
func (e *Executor) Faults() int64 {
	return e.faults.Load()
}

// History returns reaped units when the executor retains them
func (e *Executor) History() []*Unit {
	return e.history.Snapshot()
}

// Cancel cancels the owning supervisor, which affects every executor
func (e *Executor) Cancel() {
	e.sup.Cancel()
}

// Release stops the executor accepting work. The supervisor deregisters
// it once its accepted units have completed.
func (e *Executor) Release() {
	if e.released.CompareAndSwap(false, true) {
		e.sup.nudge()
	}
}

func (e *Executor) incomplete() int {
	return e.queue.Len() + int(e.running.Load())
}

// enqueue checks and queues under admitMu so a unit can never land after
// Cancel's drop, the loop's exit check, or the executor's deregistration
func (e *Executor) enqueue(u *Unit) (*Unit, error) {
	e.sup.admitMu.Lock()
	if e.sup.cancelled.Load() {
		e.sup.admitMu.Unlock()
		return nil, ErrCancelled
	}
	if e.released.Load() {
		e.sup.admitMu.Unlock()
		return nil, ErrReleased
	}
	e.mu.Lock()
	e.outstanding++
	e.mu.Unlock()

	e.queue.Add(u)
	e.sup.queued.Add(1)
	e.sup.admitMu.Unlock()

	e.sup.nudge()
	return u, nil
}

// throttle applies backpressure before a blocking submit. Always-admit
// executors never wait since their parents may be holding the workers.
func (e *Executor) throttle(ctx context.Context) error {
	if e.alwaysAdmit {
		return nil
	}
	b := &backoff.Backoff{
		Min:    2 * time.Millisecond,
		Max:    250 * time.Millisecond,
		Factor: 2,
		Jitter: true,
	}
	start := time.Now()
	warned := false
	for e.sup.saturated() {
		if e.sup.cancelled.Load() {
			return ErrCancelled
		}
		if !warned && time.Since(start) > e.sup.cfg.AdmissionTimeout {
			warned = true
			metrics.RecordThrottled()
			e.sup.logger.Plain().
				WithExecutor(e.name).
				WithError(ErrAdmissionTimeout).
				WithField("waited_ms", time.Since(start).Milliseconds()).
				Warn("Submit still waiting for worker capacity")
		}
		select {
		case <-ctx.Done():
			return ErrCancelled
		case <-time.After(b.Duration()):
		}
	}
	if e.sup.cancelled.Load() {
		return ErrCancelled
	}
	return nil
}

// unitFinished runs on the worker after the unit's done channel closed
func (e *Executor) unitFinished(u *Unit) {
	if u.admitted {
		e.running.Add(-1)
		e.sup.running.Add(-1)
	}
	if u.err != nil && u.admitted {
		e.faults.Add(1)
	}

	e.mu.Lock()
	e.outstanding--
	if e.outstanding == 0 {
		for _, ch := range e.waiters {
			close(ch)
		}
		e.waiters = nil
	}
	e.mu.Unlock()

	e.sup.nudge()
}

// reap removes completed units from the live list and reports faults.
// It returns the number of faulted units found.
func (e *Executor) reap() int {
	var finished []*Unit
	e.live.RemoveIf(func(u *Unit) bool {
		if u.completed() {
			finished = append(finished, u)
			return true
		}
		return false
	})

	faulted := 0
	for _, u := range finished {
		if u.err != nil {
			faulted++
			metrics.RecordFault(e.name)
			entry := e.sup.logger.Plain().
				WithExecutor(e.name).
				WithError(u.err).
				WithField("unit_id", u.ID).
				WithField("kind", u.Kind.String())
			if pe, ok := u.err.(*PanicError); ok {
				entry = entry.WithField("stack", string(pe.Stack))
			}
			entry.Error("Unit faulted")
		}
		if e.retainHistory {
			e.history.Add(u)
		}
	}
	return faulted
}

// dropQueued completes every queued unit with ErrCancelled
func (e *Executor) dropQueued() int {
	dropped := e.queue.Drain()
	e.sup.queued.Add(-int64(len(dropped)))
	for _, u := range dropped {
		u.finish(ErrCancelled)
		if e.retainHistory {
			e.history.Add(u)
		}
	}
	return len(dropped)
}
