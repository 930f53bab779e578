package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/austindbirch/logharbor/internal/logging"
	"github.com/austindbirch/logharbor/internal/metrics"
)

const eventually = 2 * time.Second

func newTestSupervisor(t *testing.T, cfg Config) *Supervisor {
	t.Helper()
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 5 * time.Millisecond
	}
	cfg.Logger = logging.NewWithZap("scheduler-test", zap.NewNop())
	s := NewSupervisor(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), eventually)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func blockUntil(release <-chan struct{}) func(context.Context) error {
	return func(context.Context) error {
		<-release
		return nil
	}
}

func TestQuotaBoundsConcurrency(t *testing.T) {
	s := newTestSupervisor(t, Config{Threads: 2})
	s.Start(context.Background())
	e := s.NewExecutor("uploads")

	var current, peak, ran atomic.Int64
	for i := 0; i < 5; i++ {
		_, err := e.Submit(context.Background(), func(context.Context) error {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
			ran.Add(1)
			return nil
		})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()
	require.NoError(t, e.Wait(ctx))

	assert.Equal(t, int64(5), ran.Load(), "Wait returned before every unit ran")
	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Equal(t, 0, s.Stats().Running)
}

func TestFairShareAcrossExecutors(t *testing.T) {
	s := newTestSupervisor(t, Config{Threads: 4})
	a := s.NewExecutor("a")
	b := s.NewExecutor("b")

	release := make(chan struct{})
	for i := 0; i < 6; i++ {
		_, err := a.QueueOnly(blockUntil(release))
		require.NoError(t, err)
		_, err = b.QueueOnly(blockUntil(release))
		require.NoError(t, err)
	}
	s.Start(context.Background())

	require.Eventually(t, func() bool { return s.Stats().Running == 4 }, eventually, time.Millisecond)
	assert.Equal(t, 2, a.Running())
	assert.Equal(t, 2, b.Running())
	assert.Equal(t, 8, s.Stats().Queued)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()
	require.NoError(t, a.Wait(ctx))
	require.NoError(t, b.Wait(ctx))
}

func TestAlwaysAdmitChildRunsWhenQuotaFull(t *testing.T) {
	s := newTestSupervisor(t, Config{Threads: 1})
	s.Start(context.Background())
	parents := s.NewExecutor("parents")
	children := s.NewExecutor("children", AlwaysAdmit())

	h, err := SubmitForResult(context.Background(), parents, func(ctx context.Context) (int, error) {
		child, err := SubmitForResult(ctx, children, func(context.Context) (int, error) {
			return 21, nil
		})
		if err != nil {
			return 0, err
		}
		v, err := child.Wait(ctx)
		return v * 2, err
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()
	v, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestSubmitForResultPropagatesError(t *testing.T) {
	s := newTestSupervisor(t, Config{Threads: 2})
	s.Start(context.Background())
	e := s.NewExecutor("results")

	errBoom := errors.New("boom")
	h, err := SubmitForResult(context.Background(), e, func(context.Context) (string, error) {
		return "partial", errBoom
	})
	require.NoError(t, err)

	select {
	case <-h.Done():
	case <-time.After(eventually):
		t.Fatal("handle never completed")
	}
	v, err := h.Wait(context.Background())
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, "partial", v)
	assert.Equal(t, KindFunc, h.Unit().Kind)
}

func TestSubmitThen(t *testing.T) {
	errUpload := errors.New("upload failed")

	tests := []struct {
		name      string
		actionErr error
		then      func(context.Context, error) error
		wantErr   error
	}{
		{
			name:      "continuation sees action error and clears it",
			actionErr: errUpload,
			then: func(_ context.Context, err error) error {
				if !errors.Is(err, errUpload) {
					return errors.New("continuation did not receive action error")
				}
				return nil
			},
		},
		{
			name:      "continuation error becomes the outcome",
			actionErr: nil,
			then: func(context.Context, error) error {
				return errUpload
			},
			wantErr: errUpload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSupervisor(t, Config{Threads: 1})
			s.Start(context.Background())
			e := s.NewExecutor("then")

			u, err := e.SubmitThen(context.Background(),
				func(context.Context) error { return tt.actionErr },
				tt.then,
			)
			require.NoError(t, err)
			require.Eventually(t, func() bool { return u.completed() }, eventually, time.Millisecond)

			if tt.wantErr != nil {
				assert.ErrorIs(t, u.Err(), tt.wantErr)
			} else {
				assert.NoError(t, u.Err())
			}
			assert.Equal(t, KindContinuation, u.Kind)
		})
	}
}

func TestFaultsAreCountedAndIsolated(t *testing.T) {
	s := newTestSupervisor(t, Config{Threads: 2})
	s.Start(context.Background())
	e := s.NewExecutor("faulty")

	before := testutil.ToFloat64(metrics.UnitFaultsTotal.WithLabelValues("faulty"))

	ok, err := e.Submit(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err)
	failed, err := e.Submit(context.Background(), func(context.Context) error { return errors.New("bad row") })
	require.NoError(t, err)
	panicked, err := e.Submit(context.Background(), func(context.Context) error { panic("nil blob") })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()
	require.NoError(t, e.Wait(ctx))

	assert.NoError(t, ok.Err())
	assert.EqualError(t, failed.Err(), "bad row")
	var pe *PanicError
	require.ErrorAs(t, panicked.Err(), &pe)
	assert.Equal(t, "nil blob", pe.Value)
	assert.NotEmpty(t, pe.Stack)

	assert.Equal(t, int64(2), e.Faults())
	require.Eventually(t, func() bool { return s.Errors() == 2 }, eventually, time.Millisecond)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.UnitFaultsTotal.WithLabelValues("faulty"))-before)
}

func TestCancelDropsQueuedAndDrainsRunning(t *testing.T) {
	s := newTestSupervisor(t, Config{Threads: 2})
	e := s.NewExecutor("cancel")

	release := make(chan struct{})
	units := make([]*Unit, 5)
	for i := range units {
		u, err := e.QueueOnly(blockUntil(release))
		require.NoError(t, err)
		units[i] = u
	}
	s.Start(context.Background())

	require.Eventually(t, func() bool {
		st := s.Stats()
		return st.Running == 2 && st.Queued == 3
	}, eventually, time.Millisecond)

	s.Cancel()

	for _, u := range units[2:] {
		select {
		case <-u.Done():
			assert.ErrorIs(t, u.Err(), ErrCancelled)
		default:
			t.Fatalf("queued unit %d was not dropped", u.ID)
		}
	}
	assert.Equal(t, 0, s.Stats().Queued)

	select {
	case <-s.Done():
		t.Fatal("supervisor stopped while units were still running")
	case <-time.After(20 * time.Millisecond):
	}

	_, err := e.QueueOnly(blockUntil(release))
	assert.ErrorIs(t, err, ErrCancelled)

	close(release)
	select {
	case <-s.Done():
	case <-time.After(eventually):
		t.Fatal("supervisor never stopped")
	}
	for _, u := range units[:2] {
		assert.NoError(t, u.Err())
	}
	assert.Equal(t, int64(0), s.Errors())
}

func TestExecutorCancelIsGlobal(t *testing.T) {
	s := newTestSupervisor(t, Config{Threads: 1})
	a := s.NewExecutor("a")
	b := s.NewExecutor("b")

	queued, err := b.QueueOnly(func(context.Context) error { return nil })
	require.NoError(t, err)

	a.Cancel()

	assert.True(t, s.Cancelled())
	<-queued.Done()
	assert.ErrorIs(t, queued.Err(), ErrCancelled)
	_, err = b.QueueOnly(func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrCancelled)

	s.Start(context.Background())
	select {
	case <-s.Done():
	case <-time.After(eventually):
		t.Fatal("supervisor never stopped")
	}
}

func TestCancelSignalsRunningUnits(t *testing.T) {
	s := newTestSupervisor(t, Config{Threads: 1})
	s.Start(context.Background())
	e := s.NewExecutor("cooperative")

	u, err := e.Submit(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.Running() == 1 }, eventually, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	assert.ErrorIs(t, u.Err(), context.Canceled)
	assert.Equal(t, int64(1), s.Errors())
}

func TestStartContextCancels(t *testing.T) {
	s := newTestSupervisor(t, Config{Threads: 1})
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	select {
	case <-s.Done():
	case <-time.After(eventually):
		t.Fatal("supervisor ignored start context")
	}
	assert.True(t, s.Cancelled())
}

func TestSubmitBlocksWhileSaturated(t *testing.T) {
	s := newTestSupervisor(t, Config{Threads: 1, QueueLimit: 2, AdmissionTimeout: 5 * time.Millisecond})
	e := s.NewExecutor("saturated")
	s.Start(context.Background())

	release := make(chan struct{})
	_, err := e.QueueOnly(blockUntil(release))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.pool.available() == 0 }, eventually, time.Millisecond)

	for i := 0; i < 2; i++ {
		_, err := e.QueueOnly(blockUntil(release))
		require.NoError(t, err)
	}
	require.True(t, s.saturated())

	before := testutil.ToFloat64(metrics.SubmitThrottledTotal)
	submitted := make(chan error, 1)
	go func() {
		_, err := e.Submit(context.Background(), func(context.Context) error { return nil })
		submitted <- err
	}()

	select {
	case err := <-submitted:
		t.Fatalf("Submit returned while saturated: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.SubmitThrottledTotal)-before >= 1
	}, eventually, time.Millisecond)

	close(release)
	select {
	case err := <-submitted:
		require.NoError(t, err)
	case <-time.After(eventually):
		t.Fatal("Submit never unblocked")
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()
	require.NoError(t, e.Wait(ctx))
}

func TestSubmitGivesUpWhenContextDone(t *testing.T) {
	s := newTestSupervisor(t, Config{Threads: 1, QueueLimit: 1})
	e := s.NewExecutor("impatient")
	s.Start(context.Background())

	release := make(chan struct{})
	defer close(release)
	_, err := e.QueueOnly(blockUntil(release))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.pool.available() == 0 }, eventually, time.Millisecond)
	_, err = e.QueueOnly(blockUntil(release))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = e.Submit(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestWaitHonorsContext(t *testing.T) {
	s := newTestSupervisor(t, Config{Threads: 1})
	s.Start(context.Background())
	e := s.NewExecutor("slow")

	release := make(chan struct{})
	defer close(release)
	_, err := e.Submit(context.Background(), blockUntil(release))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Wait(ctx), context.DeadlineExceeded)
}

func TestWaitWithNothingSubmitted(t *testing.T) {
	s := newTestSupervisor(t, Config{Threads: 1})
	s.Start(context.Background())
	e := s.NewExecutor("empty")
	assert.NoError(t, e.Wait(context.Background()))
}

func TestReleaseDeregistersWhenIdle(t *testing.T) {
	s := newTestSupervisor(t, Config{Threads: 1})
	s.Start(context.Background())
	e := s.NewExecutor("released")

	u, err := e.Submit(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err)
	e.Release()

	_, err = e.QueueOnly(func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrReleased)

	require.Eventually(t, func() bool { return s.Stats().Executors == 0 }, eventually, time.Millisecond)
	assert.NoError(t, u.Err())
}

func TestRetainHistory(t *testing.T) {
	s := newTestSupervisor(t, Config{Threads: 2})
	s.Start(context.Background())
	kept := s.NewExecutor("kept", RetainHistory())
	dropped := s.NewExecutor("dropped")

	for i := 0; i < 3; i++ {
		_, err := kept.Submit(context.Background(), func(context.Context) error { return nil })
		require.NoError(t, err)
		_, err = dropped.Submit(context.Background(), func(context.Context) error { return nil })
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(kept.History()) == 3 }, eventually, time.Millisecond)
	for _, u := range kept.History() {
		assert.False(t, u.FinishedAt.Before(u.StartedAt))
		assert.Equal(t, "kept", u.Executor())
	}
	assert.Empty(t, dropped.History())
}

func TestSubmitsRacingCancelAlwaysComplete(t *testing.T) {
	for round := 0; round < 50; round++ {
		s := newTestSupervisor(t, Config{Threads: 2, TickInterval: time.Millisecond})
		s.Start(context.Background())
		e := s.NewExecutor("racer")

		var (
			mu       sync.Mutex
			accepted []*Unit
			wg       sync.WaitGroup
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 20; j++ {
					u, err := e.QueueOnly(func(context.Context) error { return nil })
					if err != nil {
						assert.ErrorIs(t, err, ErrCancelled)
						return
					}
					mu.Lock()
					accepted = append(accepted, u)
					mu.Unlock()
				}
			}()
		}
		s.Cancel()
		wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), eventually)
		require.NoError(t, e.Wait(ctx), "round %d: accepted unit never completed", round)
		cancel()
		for _, u := range accepted {
			select {
			case <-u.Done():
			default:
				t.Fatalf("round %d: unit %d left incomplete", round, u.ID)
			}
		}
		select {
		case <-s.Done():
		case <-time.After(eventually):
			t.Fatalf("round %d: supervisor never stopped", round)
		}
	}
}

func TestSubmitAfterReleaseIsRejected(t *testing.T) {
	s := newTestSupervisor(t, Config{Threads: 1})
	s.Start(context.Background())
	e := s.NewExecutor("released")
	e.Release()

	_, err := e.QueueOnly(func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrReleased)
	require.Eventually(t, func() bool { return s.Stats().Executors == 0 }, eventually, time.Millisecond)
}

func TestOverflowDoesNotQueueBehindWaitingJobs(t *testing.T) {
	s := NewSupervisor(Config{Threads: 1, Logger: logging.NewWithZap("scheduler-test", zap.NewNop())})
	parents := s.NewExecutor("parents")
	children := s.NewExecutor("children", AlwaysAdmit())

	// pool not started: the parent sits in the channel with the worker
	// still counted idle
	parent := newUnit(parents, KindAction, func(context.Context) error { return nil })
	s.pool.dispatch(parent)

	ran := make(chan struct{})
	child := newUnit(children, KindAction, func(context.Context) error {
		close(ran)
		return nil
	})
	s.pool.dispatchOverflow(context.Background(), child)

	select {
	case <-ran:
	case <-time.After(eventually):
		t.Fatal("always-admit unit queued behind a unit waiting for the worker")
	}
	assert.Equal(t, 1, len(s.pool.jobs))
}
