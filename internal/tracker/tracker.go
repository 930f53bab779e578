package tracker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/austindbirch/logharbor/internal/delivery"
	"github.com/austindbirch/logharbor/internal/destination"
	"github.com/austindbirch/logharbor/internal/ledger"
	"github.com/austindbirch/logharbor/internal/logging"
	"github.com/austindbirch/logharbor/internal/metrics"
)

// Config controls queue names, the ingestion target and loop timing
type Config struct {
	SuccessQueue string
	FailureQueue string
	Database     string
	Table        string

	QueueInterval     time.Duration // fast loop: confirmation queue drains
	ReconcileInterval time.Duration // slow loop: destination reconciliation
	BatchSize         int
	MessageTTL        time.Duration // unmatched confirmations older than this are deleted
	FailureOverlap    time.Duration // failure log re-scan window
	FinalPassTimeout  time.Duration // bound on Complete's final pass

	Journal Journal
	Logger  *logging.Logger
}

func (c Config) withDefaults() Config {
	if c.QueueInterval <= 0 {
		c.QueueInterval = 5 * time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.MessageTTL <= 0 {
		c.MessageTTL = time.Hour
	}
	if c.FailureOverlap <= 0 {
		c.FailureOverlap = time.Minute
	}
	if c.FinalPassTimeout <= 0 {
		c.FinalPassTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logging.New("tracker")
	}
	return c
}

// Summary counts records per ledger at a point in time
type Summary struct {
	Pending   int
	Succeeded int
	Failed    int
	Failures  int64
	Baselined int64
}

// Tracker resolves pending deliveries to succeeded or failed from
// confirmation queues and periodic reconciliation against the destination.
type Tracker struct {
	cfg     Config
	queue   Queue
	dest    Destination
	journal Journal
	logger  *logging.Logger
	now     func() time.Time

	pending   *ledger.Ledger[delivery.Record]
	succeeded *ledger.Ledger[delivery.Record]
	failed    *ledger.Ledger[delivery.Record]

	// mu serializes resolution so a record moves between ledgers atomically
	mu sync.Mutex

	failures  atomic.Int64
	baselined atomic.Int64

	// passMu serializes protocol passes; cursor and watermark belong to it
	passMu    sync.Mutex
	cursor    string
	watermark time.Time
	runStart  time.Time

	started   atomic.Bool
	cancelled atomic.Bool
	stop      chan struct{}
	halt      chan struct{}
	loopDone  chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	haltOnce  sync.Once
}

func New(q Queue, dest Destination, cfg Config) *Tracker {
	cfg = cfg.withDefaults()
	now := time.Now().UTC()
	return &Tracker{
		cfg:       cfg,
		queue:     q,
		dest:      dest,
		journal:   cfg.Journal,
		logger:    cfg.Logger,
		now:       func() time.Time { return time.Now().UTC() },
		pending:   ledger.New[delivery.Record](),
		succeeded: ledger.New[delivery.Record](),
		failed:    ledger.New[delivery.Record](),
		runStart:  now,
		watermark: now,
		stop:      make(chan struct{}),
		halt:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
}

// Track reserves a pending record for an item before it is handed to the
// destination. The duplicate check and the insert are one atomic step.
func (t *Tracker) Track(ctx context.Context, rec delivery.Record) error {
	t.mu.Lock()
	if t.knownLocked(rec.RelativePath) || t.pending.Any(byCorrelation(rec.CorrelationID)) {
		t.mu.Unlock()
		return errors.Wrapf(ErrDuplicate, "track %s", rec.RelativePath)
	}
	t.pending.Add(rec)
	t.mu.Unlock()

	t.logger.WithContext(ctx).
		WithCorrelation(rec.CorrelationID).
		WithPath(rec.RelativePath).
		Debug("Tracking delivery")
	t.journalTransition(ctx, rec)
	t.updateGauges()
	return nil
}

// Update replaces the pending record with the same correlation id, e.g.
// once its upload recorded the blob URI and size. Records that already
// resolved are left alone.
func (t *Tracker) Update(ctx context.Context, rec delivery.Record) {
	t.mu.Lock()
	ok := t.pending.Update(byCorrelation(rec.CorrelationID), func(delivery.Record) delivery.Record { return rec })
	t.mu.Unlock()
	if ok {
		t.journalTransition(ctx, rec)
	}
}

// Abandon fails a pending record whose item never reached the ingestion
// service because submitting, uploading or publishing it failed. The
// failure counts against Complete.
func (t *Tracker) Abandon(ctx context.Context, rec delivery.Record, cause error) {
	t.mu.Lock()
	cur, ok := t.pending.RemoveFirst(byCorrelation(rec.CorrelationID))
	if ok {
		cur = cur.Fail(t.now(), cause.Error())
		t.failed.Add(cur)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	t.failures.Add(1)
	t.logger.WithContext(ctx).
		WithCorrelation(cur.CorrelationID).
		WithPath(cur.RelativePath).
		WithError(cause).
		Error("Delivery abandoned before ingestion")
	t.journalTransition(ctx, cur)
	t.updateGauges()
}

func byCorrelation(id string) func(delivery.Record) bool {
	return func(r delivery.Record) bool { return r.CorrelationID == id }
}

// IsKnown reports whether the path is pending or already at the destination
func (t *Tracker) IsKnown(relativePath string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.knownLocked(relativePath)
}

// CheckDuplicate returns ErrDuplicate for known paths
func (t *Tracker) CheckDuplicate(relativePath string) error {
	if t.IsKnown(relativePath) {
		return errors.Wrapf(ErrDuplicate, "%s", relativePath)
	}
	return nil
}

func (t *Tracker) knownLocked(path string) bool {
	byPath := func(r delivery.Record) bool { return delivery.PathMatches(r.RelativePath, path) }
	return t.pending.Any(byPath) || t.succeeded.Any(byPath)
}

// LoadBaseline marks paths the destination ingested since the given time
// as succeeded so producers skip them. It returns the number added.
func (t *Tracker) LoadBaseline(ctx context.Context, since time.Time) (int, error) {
	text, args := destination.DistinctPaths(t.cfg.Database, t.cfg.Table, "", since)
	rows, err := t.dest.Query(ctx, text, args...)
	if err != nil {
		return 0, errors.Wrapf(ErrQueryFailed, "load baseline: %v", err)
	}

	at := t.now()
	added := 0
	for _, row := range rows {
		path, err := row.String(destination.ColRelativePath)
		if err != nil {
			t.noteError(ctx, err)
			continue
		}
		t.mu.Lock()
		if !t.knownLocked(path) {
			t.succeeded.Add(delivery.Baseline(path, at))
			added++
		}
		t.mu.Unlock()
	}
	t.baselined.Add(int64(added))
	t.updateGauges()

	t.logger.WithContext(ctx).
		WithField("since", since).
		WithField("paths", added).
		Info("Loaded ingestion baseline")
	return added, nil
}

func (t *Tracker) Summary() Summary {
	return Summary{
		Pending:   t.pending.Len(),
		Succeeded: t.succeeded.Len(),
		Failed:    t.failed.Len(),
		Failures:  t.failures.Load(),
		Baselined: t.baselined.Load(),
	}
}

// Pending returns a snapshot of records awaiting confirmation
func (t *Tracker) Pending() []delivery.Record { return t.pending.Snapshot() }

func (t *Tracker) Succeeded() []delivery.Record { return t.succeeded.Snapshot() }

func (t *Tracker) Failed() []delivery.Record { return t.failed.Snapshot() }

func (t *Tracker) journalTransition(ctx context.Context, rec delivery.Record) {
	if t.journal == nil {
		return
	}
	if err := t.journal.RecordTransition(ctx, rec); err != nil {
		t.logger.WithContext(ctx).
			WithCorrelation(rec.CorrelationID).
			WithError(err).
			Warn("Failed to journal delivery transition")
	}
}

func (t *Tracker) noteError(ctx context.Context, err error) {
	metrics.RecordTrackerError(errorKind(err))
	t.logger.WithContext(ctx).WithError(err).Warn("Tracker pass error, retrying next tick")
}

func (t *Tracker) updateGauges() {
	metrics.UpdateLedger(t.pending.Len(), t.succeeded.Len(), t.failed.Len())
}
