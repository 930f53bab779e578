package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/austindbirch/logharbor/internal/ledger"
	"github.com/austindbirch/logharbor/internal/logging"
	"github.com/austindbirch/logharbor/internal/metrics"
)

// Config controls a Supervisor
type Config struct {
	Threads          int           // global concurrency quota and worker count
	TickInterval     time.Duration // admission pass interval
	QueueLimit       int           // queued units at which blocking submits throttle
	AdmissionTimeout time.Duration // throttle duration before a warning
	Logger           *logging.Logger
}

func (c Config) withDefaults() Config {
	if c.Threads <= 0 {
		c.Threads = 8
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 20 * time.Millisecond
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = 4 * c.Threads
	}
	if c.AdmissionTimeout <= 0 {
		c.AdmissionTimeout = time.Minute
	}
	if c.Logger == nil {
		c.Logger = logging.New("scheduler")
	}
	return c
}

// Stats is a point-in-time view of the supervisor
type Stats struct {
	Quota     int
	Running   int
	Queued    int
	Executors int
	Errors    int64
	Cancelled bool
}

// Supervisor owns the worker pool and admits queued units from its
// registered executors under a global quota with per-executor fair share.
type Supervisor struct {
	cfg    Config
	logger *logging.Logger
	pool   *workerPool

	executors *ledger.Ledger[*Executor]

	nextID    atomic.Uint64
	running   atomic.Int64
	queued    atomic.Int64
	errCount  atomic.Int64
	cancelled atomic.Bool

	// admitMu orders admission passes against Cancel's queue drop
	admitMu sync.Mutex
	rotate  int

	unitCtx    context.Context
	cancelUnit context.CancelFunc

	wake      chan struct{}
	done      chan struct{}
	startOnce sync.Once
}

func NewSupervisor(cfg Config) *Supervisor {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:        cfg,
		logger:     cfg.Logger,
		pool:       newWorkerPool(cfg.Threads),
		executors:  ledger.New[*Executor](),
		unitCtx:    ctx,
		cancelUnit: cancel,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// NewExecutor registers a named executor
func (s *Supervisor) NewExecutor(name string, opts ...ExecutorOption) *Executor {
	e := newExecutor(name, s, opts...)
	s.executors.Add(e)
	return e
}

// Start launches the workers and the admission loop. Cancelling ctx has
// the same effect as calling Cancel.
func (s *Supervisor) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.pool.start(s.unitCtx)
		go s.loop()
		go func() {
			select {
			case <-ctx.Done():
				s.Cancel()
			case <-s.done:
			}
		}()
		s.logger.Plain().
			WithField("threads", s.cfg.Threads).
			WithField("queue_limit", s.cfg.QueueLimit).
			Info("Supervisor started")
	})
}

// Cancel drops every queued unit and stops admitting new ones. Running
// units see their context cancelled and are left to finish.
func (s *Supervisor) Cancel() {
	if !s.cancelled.CompareAndSwap(false, true) {
		return
	}
	s.cancelUnit()

	s.admitMu.Lock()
	dropped := 0
	for _, e := range s.executors.Snapshot() {
		dropped += e.dropQueued()
	}
	s.admitMu.Unlock()

	s.logger.Plain().
		WithField("dropped", dropped).
		WithField("running", s.running.Load()).
		Info("Supervisor cancelled")
	s.nudge()
}

// Done is closed after Cancel once every admitted unit has finished
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Shutdown cancels and waits for the admission loop to exit
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.Cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancelled reports whether Cancel has been called
func (s *Supervisor) Cancelled() bool {
	return s.cancelled.Load()
}

// Errors is the number of faulted units observed by the reaper
func (s *Supervisor) Errors() int64 {
	return s.errCount.Load()
}

func (s *Supervisor) Stats() Stats {
	return Stats{
		Quota:     s.cfg.Threads,
		Running:   int(s.running.Load()),
		Queued:    int(s.queued.Load()),
		Executors: s.executors.Len(),
		Errors:    s.errCount.Load(),
		Cancelled: s.cancelled.Load(),
	}
}

func (s *Supervisor) loop() {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		s.tick()
		if s.finished() {
			break
		}
		select {
		case <-ticker.C:
		case <-s.wake:
		}
	}

	// final reap so faults that raced the exit are still counted
	for _, e := range s.executors.Snapshot() {
		s.errCount.Add(int64(e.reap()))
	}
	s.pool.stop()
	close(s.done)
	s.logger.Plain().WithField("errors", s.errCount.Load()).Info("Supervisor stopped")
}

// tick is one admission pass: reap, compute fair share, admit
func (s *Supervisor) tick() {
	for _, e := range s.executors.Snapshot() {
		s.errCount.Add(int64(e.reap()))
	}

	s.admitMu.Lock()
	defer s.admitMu.Unlock()

	for _, e := range s.executors.Snapshot() {
		if e.released.Load() && e.incomplete() == 0 {
			// reap again so faults finished since the first pass are counted
			s.errCount.Add(int64(e.reap()))
			s.deregister(e)
		}
	}
	execs := s.executors.Snapshot()

	if s.cancelled.Load() {
		// submits that raced Cancel
		for _, e := range execs {
			e.dropQueued()
		}
		return
	}
	if len(execs) == 0 {
		return
	}

	busy := 0
	for _, e := range execs {
		if e.incomplete() > 0 {
			busy++
		}
	}
	share := s.cfg.Threads / max(1, busy)
	if share < 1 {
		share = 1
	}

	s.rotate++
	for i := range execs {
		e := execs[(s.rotate+i)%len(execs)]
		s.admit(e, share)
		metrics.UpdateExecutor(e.name, e.queue.Len(), int(e.running.Load()))
	}
}

func (s *Supervisor) admit(e *Executor, share int) {
	for e.queue.Len() > 0 {
		if !e.alwaysAdmit {
			if int(e.running.Load()) >= share {
				return
			}
			if int(s.running.Load()) >= s.cfg.Threads {
				return
			}
		}
		u, ok := e.queue.PopFront()
		if !ok {
			return
		}
		s.queued.Add(-1)
		u.admitted = true
		e.running.Add(1)
		s.running.Add(1)
		e.live.Add(u)
		metrics.RecordAdmitted(e.name)

		if e.alwaysAdmit {
			s.pool.dispatchOverflow(s.unitCtx, u)
		} else {
			s.pool.dispatch(u)
		}
	}
}

// finished reports whether the loop may exit. It holds admitMu so no
// submit can slip in between the check and the exit.
func (s *Supervisor) finished() bool {
	s.admitMu.Lock()
	defer s.admitMu.Unlock()
	return s.cancelled.Load() && s.incomplete() == 0
}

func (s *Supervisor) incomplete() int {
	total := 0
	for _, e := range s.executors.Snapshot() {
		total += e.incomplete()
	}
	return total
}

// saturated reports whether blocking submits should wait
func (s *Supervisor) saturated() bool {
	return s.pool.available() == 0 && int(s.queued.Load()) >= s.cfg.QueueLimit
}

func (s *Supervisor) deregister(e *Executor) {
	s.executors.RemoveFirst(func(x *Executor) bool { return x == e })
	metrics.ForgetExecutor(e.name)
}

func (s *Supervisor) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
