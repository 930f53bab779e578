package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrCancelled is returned for submits after Cancel and recorded on
	// queued units that Cancel dropped before admission.
	ErrCancelled = errors.New("scheduler: cancelled")

	// ErrAdmissionTimeout is logged when a blocking submit has been
	// throttled for longer than the configured admission timeout.
	ErrAdmissionTimeout = errors.New("scheduler: submit throttled past admission timeout")

	ErrReleased = errors.New("scheduler: executor released")
)

// PanicError wraps a value recovered from a panicking unit
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("unit panicked: %v", e.Value)
}

// Kind distinguishes the three shapes of submitted work
type Kind int

const (
	KindAction Kind = iota
	KindContinuation
	KindFunc
)

func (k Kind) String() string {
	switch k {
	case KindAction:
		return "action"
	case KindContinuation:
		return "continuation"
	case KindFunc:
		return "func"
	default:
		return "unknown"
	}
}

// Unit is one piece of submitted work. Fields written by the worker are
// only read after Done is closed.
type Unit struct {
	ID    uint64
	Kind  Kind
	owner *Executor

	run  func(context.Context) error
	then func(context.Context, error) error

	done     chan struct{}
	err      error
	admitted bool

	SubmittedAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
}

func newUnit(owner *Executor, kind Kind, run func(context.Context) error) *Unit {
	return &Unit{
		ID:          owner.sup.nextID.Add(1),
		Kind:        kind,
		owner:       owner,
		run:         run,
		done:        make(chan struct{}),
		SubmittedAt: time.Now(),
	}
}

// Done is closed once the unit completed, faulted, or was dropped
func (u *Unit) Done() <-chan struct{} {
	return u.done
}

// Err returns the unit's outcome; only meaningful after Done is closed
func (u *Unit) Err() error {
	select {
	case <-u.done:
		return u.err
	default:
		return nil
	}
}

// Executor returns the name of the owning executor
func (u *Unit) Executor() string {
	return u.owner.name
}

func (u *Unit) completed() bool {
	select {
	case <-u.done:
		return true
	default:
		return false
	}
}

// execute runs the unit on the calling goroutine
func (u *Unit) execute(ctx context.Context) {
	u.StartedAt = time.Now()
	err := safeCall(ctx, u.run)
	if u.then != nil {
		actionErr := err
		err = safeCall(ctx, func(ctx context.Context) error {
			return u.then(ctx, actionErr)
		})
	}
	u.finish(err)
}

func (u *Unit) finish(err error) {
	u.err = err
	u.FinishedAt = time.Now()
	close(u.done)
	u.owner.unitFinished(u)
}

func safeCall(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(ctx)
}

// Handle is the result side of SubmitForResult
type Handle[T any] struct {
	unit  *Unit
	value T
}

// Done is closed once the value (or error) is available
func (h *Handle[T]) Done() <-chan struct{} {
	return h.unit.done
}

// Unit returns the underlying unit
func (h *Handle[T]) Unit() *Unit {
	return h.unit
}

// Wait blocks until the function ran and returns its result
func (h *Handle[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-h.unit.done:
		return h.value, h.unit.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
