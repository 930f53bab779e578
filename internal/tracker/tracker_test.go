package tracker

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/austindbirch/logharbor/internal/delivery"
	"github.com/austindbirch/logharbor/internal/destination"
	"github.com/austindbirch/logharbor/internal/logging"
	"github.com/austindbirch/logharbor/internal/queue"
)

const (
	successURI = "ingestion_successes"
	failureURI = "ingestion_failures"
)

type call struct {
	text string
	args []any
}

type fakeDestination struct {
	mu         sync.Mutex
	ingested   []destination.Row
	failures   []destination.Row
	cursor     string
	queryErr   error
	commandErr error
	queries    []call
	commands   []call
}

func (d *fakeDestination) Query(_ context.Context, text string, args ...any) ([]destination.Row, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries = append(d.queries, call{text, args})
	if d.queryErr != nil {
		return nil, d.queryErr
	}
	rows := d.ingested
	d.ingested = nil
	return rows, nil
}

func (d *fakeDestination) Command(_ context.Context, text string, args ...any) ([]destination.Row, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = append(d.commands, call{text, args})
	if d.commandErr != nil {
		return nil, d.commandErr
	}
	if strings.Contains(text, "ingestion_failures") {
		return d.failures, nil
	}
	return []destination.Row{{destination.ColCursor: d.cursor}}, nil
}

type fakeJournal struct {
	mu     sync.Mutex
	states []delivery.State
}

func (j *fakeJournal) RecordTransition(_ context.Context, rec delivery.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.states = append(j.states, rec.State())
	return nil
}

type brokenQueue struct{}

func (brokenQueue) PopMessages(context.Context, string, int) ([]queue.Message, error) {
	return nil, errors.New("connection refused")
}

func (brokenQueue) DeleteMessage(context.Context, string, queue.Message) error {
	return errors.New("connection refused")
}

func newTestTracker(t *testing.T, q Queue, d Destination, opts ...func(*Config)) *Tracker {
	t.Helper()
	cfg := Config{
		SuccessQueue:      successURI,
		FailureQueue:      failureURI,
		Database:          "diagnostics",
		Table:             "logs",
		QueueInterval:     5 * time.Millisecond,
		ReconcileInterval: 20 * time.Millisecond,
		BatchSize:         2,
		MessageTTL:        time.Hour,
		Logger:            logging.NewWithZap("tracker-test", zap.NewNop()),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return New(q, d, cfg)
}

func pushSuccess(t *testing.T, q *queue.Memory, id, path string, insertedAt time.Time) {
	t.Helper()
	body, err := json.Marshal(delivery.SuccessMessage{IngestionSourceId: id, IngestionSourcePath: path, SucceededOn: insertedAt})
	require.NoError(t, err)
	q.PushAt(successURI, body, insertedAt)
}

func pushFailure(t *testing.T, q *queue.Memory, id, path, code string) {
	t.Helper()
	body, err := json.Marshal(delivery.FailureMessage{IngestionSourceId: id, IngestionSourcePath: path, ErrorCode: code, FailedOn: time.Now()})
	require.NoError(t, err)
	q.Push(failureURI, body)
}

func track(t *testing.T, tr *Tracker, source, rel string) delivery.Record {
	t.Helper()
	rec := delivery.NewRecord(source, rel)
	require.NoError(t, tr.Track(context.Background(), rec))
	return rec
}

func TestSuccessConfirmationResolvesPending(t *testing.T) {
	q := queue.NewMemory(time.Minute)
	tr := newTestTracker(t, q, &fakeDestination{})
	rec := track(t, tr, "/src/host1/app.csv", "uploads/host1/app.csv")

	pushSuccess(t, q, rec.CorrelationID, "uploads/host1/app.csv", time.Now())
	tr.drainPass(context.Background())

	sum := tr.Summary()
	assert.Equal(t, 0, sum.Pending)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 0, q.Len(successURI), "matched message must be deleted")

	got := tr.Succeeded()[0]
	assert.Equal(t, rec.CorrelationID, got.CorrelationID)
	assert.Equal(t, delivery.StateSucceeded, got.State())
}

func TestSuccessFallsBackToPathMatch(t *testing.T) {
	q := queue.NewMemory(time.Minute)
	tr := newTestTracker(t, q, &fakeDestination{})
	rec := track(t, tr, "/src/host1/app.csv.gz", "uploads/host1/app.csv.gz")

	pushSuccess(t, q, "unknown-id", "HOST1/app", time.Now())
	tr.drainPass(context.Background())

	require.Len(t, tr.Succeeded(), 1)
	assert.Equal(t, rec.CorrelationID, tr.Succeeded()[0].CorrelationID)
	assert.Empty(t, tr.Pending())
}

func TestUnmatchedConfirmations(t *testing.T) {
	tests := []struct {
		name        string
		insertedAgo time.Duration
		wantLen     int
	}{
		{name: "stale message is deleted", insertedAgo: 2 * time.Hour, wantLen: 0},
		{name: "recent message is left for later", insertedAgo: time.Minute, wantLen: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := queue.NewMemory(time.Minute)
			tr := newTestTracker(t, q, &fakeDestination{})
			rec := track(t, tr, "/src/a.csv", "uploads/a.csv")
			before := tr.Summary()

			pushSuccess(t, q, "someone-else", "uploads/zzz.csv", time.Now().Add(-tt.insertedAgo))
			tr.drainPass(context.Background())

			assert.Equal(t, tt.wantLen, q.Len(successURI))
			assert.Equal(t, before, tr.Summary(), "unmatched confirmations change no counters")
			assert.Equal(t, rec.CorrelationID, tr.Pending()[0].CorrelationID)
		})
	}
}

func TestFailureConfirmationCountsFailure(t *testing.T) {
	q := queue.NewMemory(time.Minute)
	journal := &fakeJournal{}
	tr := newTestTracker(t, q, &fakeDestination{}, func(c *Config) { c.Journal = journal })
	rec := track(t, tr, "/src/a.csv", "uploads/a.csv")

	pushFailure(t, q, rec.CorrelationID, "uploads/a.csv", "BadRequest_EmptyBlob")
	tr.drainPass(context.Background())

	sum := tr.Summary()
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, int64(1), sum.Failures)
	assert.Equal(t, 0, q.Len(failureURI))
	assert.Equal(t, "BadRequest_EmptyBlob", tr.Failed()[0].FailureDetail)
	assert.Equal(t, []delivery.State{delivery.StatePending, delivery.StateFailed}, journal.states)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.False(t, tr.Complete(ctx), "Complete must report failure")
}

func TestResolutionIsIdempotent(t *testing.T) {
	q := queue.NewMemory(time.Minute)
	tr := newTestTracker(t, q, &fakeDestination{})
	rec := track(t, tr, "/src/a.csv", "uploads/a.csv")

	pushSuccess(t, q, rec.CorrelationID, "uploads/a.csv", time.Now())
	pushSuccess(t, q, rec.CorrelationID, "uploads/a.csv", time.Now())
	pushFailure(t, q, rec.CorrelationID, "uploads/a.csv", "late")
	tr.drainPass(context.Background())

	sum := tr.Summary()
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 0, sum.Failed)
	assert.Equal(t, int64(0), sum.Failures)
	assert.Equal(t, 0, q.Len(successURI), "duplicate confirmations are consumed")
	assert.Equal(t, 0, q.Len(failureURI))
}

func TestDrainRunsBatchesUntilShort(t *testing.T) {
	q := queue.NewMemory(time.Minute)
	tr := newTestTracker(t, q, &fakeDestination{})

	for i := 0; i < 5; i++ {
		rec := track(t, tr, "", "uploads/file-"+string(rune('a'+i))+".csv")
		pushSuccess(t, q, rec.CorrelationID, rec.RelativePath, time.Now())
	}
	tr.drainPass(context.Background())

	assert.Equal(t, 5, tr.Summary().Succeeded)
	assert.Equal(t, 0, q.Len(successURI))
}

func TestUndecodableMessageIsDiscarded(t *testing.T) {
	q := queue.NewMemory(time.Minute)
	tr := newTestTracker(t, q, &fakeDestination{})
	track(t, tr, "", "uploads/a.csv")

	q.Push(successURI, []byte("{not json"))
	tr.drainPass(context.Background())

	assert.Equal(t, 0, q.Len(successURI))
	assert.Equal(t, 1, tr.Summary().Pending)
}

func TestReconciliation(t *testing.T) {
	dest := &fakeDestination{
		cursor: "17",
		ingested: []destination.Row{
			{destination.ColRelativePath: "host1/app"},
			{destination.ColRelativePath: "host9/preexisting.csv"},
			{"wrong_column": "x"},
		},
	}
	tr := newTestTracker(t, queue.NewMemory(time.Minute), dest)
	rec := track(t, tr, "/src/host1/app.csv", "uploads/host1/app.csv")

	tr.reconcilePass(context.Background())

	sum := tr.Summary()
	assert.Equal(t, 0, sum.Pending)
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, int64(1), sum.Baselined)
	assert.Equal(t, "17", tr.cursor)
	assert.True(t, tr.IsKnown("host9/preexisting.csv"), "baseline path must block re-submission")

	var matched delivery.Record
	for _, r := range tr.Succeeded() {
		if r.CorrelationID == rec.CorrelationID {
			matched = r
		}
	}
	assert.Equal(t, delivery.StateSucceeded, matched.State())

	// next pass filters on the cursor reported after the first
	dest.cursor = "18"
	tr.reconcilePass(context.Background())
	require.Len(t, dest.queries, 2)
	assert.Contains(t, dest.queries[1].args, "17")
	assert.Equal(t, "18", tr.cursor)
}

func TestReconciliationDuplicateIsNoop(t *testing.T) {
	dest := &fakeDestination{ingested: []destination.Row{
		{destination.ColRelativePath: "uploads/a.csv"},
		{destination.ColRelativePath: "uploads/a.csv"},
	}}
	tr := newTestTracker(t, queue.NewMemory(time.Minute), dest)
	track(t, tr, "", "uploads/a.csv")

	tr.reconcilePass(context.Background())

	sum := tr.Summary()
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, int64(0), sum.Baselined)
}

func TestFailureLogScan(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	dest := &fakeDestination{failures: []destination.Row{
		{
			destination.ColSourceID:     nil,
			destination.ColRelativePath: "uploads/bad.csv",
			destination.ColErrorCode:    "Stream_WrongNumberOfFields",
			destination.ColDetails:      "row 12",
			destination.ColFailedAt:     now.Add(-30 * time.Second),
		},
	}}
	tr := newTestTracker(t, queue.NewMemory(time.Minute), dest)
	tr.now = func() time.Time { return now }
	tr.runStart = now.Add(-10 * time.Minute)
	tr.watermark = tr.runStart
	track(t, tr, "", "uploads/bad.csv")
	track(t, tr, "", "uploads/good.csv")

	tr.reconcilePass(context.Background())

	sum := tr.Summary()
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, int64(1), sum.Failures)
	assert.Equal(t, "Stream_WrongNumberOfFields: row 12", tr.Failed()[0].FailureDetail)
	assert.Equal(t, now.Add(-time.Minute), tr.watermark)

	// the overlap window re-reads the same row without double counting
	tr.now = func() time.Time { return now.Add(10 * time.Second) }
	tr.reconcilePass(context.Background())
	assert.Equal(t, int64(1), tr.Summary().Failures)
	assert.Equal(t, 1, tr.Summary().Pending)

	var scans []call
	for _, c := range dest.commands {
		if strings.Contains(c.text, "ingestion_failures") {
			scans = append(scans, c)
		}
	}
	require.Len(t, scans, 2)
	assert.Equal(t, now.Add(-time.Minute), scans[1].args[2])
}

func TestWatermarkNeverMovesBeforeRunStart(t *testing.T) {
	tr := newTestTracker(t, queue.NewMemory(time.Minute), &fakeDestination{})
	start := tr.watermark
	tr.now = func() time.Time { return start.Add(5 * time.Second) }

	tr.reconcilePass(context.Background())
	assert.Equal(t, start, tr.watermark)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	dest := &fakeDestination{queryErr: errors.New("timeout"), cursor: "5"}
	tr := newTestTracker(t, brokenQueue{}, dest)
	track(t, tr, "", "uploads/a.csv")

	assert.NotPanics(t, func() {
		tr.drainPass(context.Background())
		tr.reconcilePass(context.Background())
	})
	assert.Equal(t, "", tr.cursor, "cursor must not advance past a failed query")
	assert.Equal(t, 1, tr.Summary().Pending)

	dest.queryErr = nil
	dest.ingested = []destination.Row{{destination.ColRelativePath: "uploads/a.csv"}}
	tr.reconcilePass(context.Background())
	assert.Equal(t, 0, tr.Summary().Pending)
	assert.Equal(t, "5", tr.cursor)
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: errors.Wrap(ErrQueueUnavailable, "pop"), want: "queue_unavailable"},
		{err: errors.Wrapf(ErrQueryFailed, "cursor: %v", "x"), want: "query_failed"},
		{err: errors.Wrap(destination.ErrMalformedRow, "col"), want: "malformed_row"},
		{err: errors.New("other"), want: "other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorKind(tt.err))
	}
}

func TestTrackRejectsDuplicates(t *testing.T) {
	q := queue.NewMemory(time.Minute)
	tr := newTestTracker(t, q, &fakeDestination{})
	first := track(t, tr, "/src/a.csv", "uploads/a.csv")

	err := tr.Track(context.Background(), delivery.NewRecord("/src/a.csv", "uploads/a.csv"))
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.ErrorIs(t, tr.CheckDuplicate("uploads/A.CSV"), ErrDuplicate)
	assert.NoError(t, tr.CheckDuplicate("uploads/b.csv"))

	// a failed path may be retried
	pushFailure(t, q, first.CorrelationID, "uploads/a.csv", "E")
	tr.drainPass(context.Background())
	assert.False(t, tr.IsKnown("uploads/a.csv"))
	assert.NoError(t, tr.Track(context.Background(), delivery.NewRecord("/src/a.csv", "uploads/a.csv")))
}

func TestConcurrentTrackReservesOnce(t *testing.T) {
	tr := newTestTracker(t, queue.NewMemory(time.Minute), &fakeDestination{})

	paths := []string{"app.log", "host1/app.log", "uploads/host1/app.log", "APP.LOG"}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rel := paths[i%len(paths)]
			if err := tr.Track(context.Background(), delivery.NewRecord("/src/"+rel, rel)); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrDuplicate)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, tr.Summary().Pending)
}

func TestLoadBaseline(t *testing.T) {
	dest := &fakeDestination{ingested: []destination.Row{
		{destination.ColRelativePath: "uploads/old.csv"},
		{destination.ColRelativePath: "uploads/pending.csv"},
		{destination.ColRelativePath: 7},
	}}
	tr := newTestTracker(t, queue.NewMemory(time.Minute), dest)
	track(t, tr, "", "uploads/pending.csv")

	since := time.Now().Add(-24 * time.Hour)
	added, err := tr.LoadBaseline(context.Background(), since)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.True(t, tr.IsKnown("uploads/old.csv"))
	assert.Equal(t, since, dest.queries[0].args[2])

	dest.queryErr = errors.New("down")
	_, err = tr.LoadBaseline(context.Background(), since)
	assert.ErrorIs(t, err, ErrQueryFailed)
}

func TestLoopResolvesAndCompletes(t *testing.T) {
	q := queue.NewMemory(time.Minute)
	tr := newTestTracker(t, q, &fakeDestination{})
	rec := track(t, tr, "", "uploads/a.csv")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)

	pushSuccess(t, q, rec.CorrelationID, rec.RelativePath, time.Now())
	require.Eventually(t, func() bool { return tr.Summary().Succeeded == 1 }, 2*time.Second, 5*time.Millisecond)

	done, cancelDone := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelDone()
	assert.True(t, tr.Complete(done))

	select {
	case <-tr.loopDone:
	default:
		t.Fatal("loop still running after Complete")
	}
}

func TestLoopKeepsRunningWhilePending(t *testing.T) {
	q := queue.NewMemory(time.Minute)
	tr := newTestTracker(t, q, &fakeDestination{})
	rec := track(t, tr, "", "uploads/a.csv")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)
	tr.Cancel()

	select {
	case <-tr.loopDone:
		t.Fatal("loop exited with a pending record")
	case <-time.After(30 * time.Millisecond):
	}

	pushSuccess(t, q, rec.CorrelationID, rec.RelativePath, time.Now())
	select {
	case <-tr.loopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit once pending drained")
	}
	assert.Equal(t, 1, tr.Summary().Succeeded)
}

func TestCompleteIsBoundedByContext(t *testing.T) {
	tr := newTestTracker(t, queue.NewMemory(time.Minute), &fakeDestination{})
	track(t, tr, "", "uploads/never-confirmed.csv")

	loopCtx, cancelLoop := context.WithCancel(context.Background())
	defer cancelLoop()
	tr.Start(loopCtx)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	ok := tr.Complete(ctx)
	assert.True(t, ok, "no failures were observed")
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, tr.Summary().Pending)

	select {
	case <-tr.loopDone:
	case <-time.After(time.Second):
		t.Fatal("loop not halted after Complete")
	}
}

func TestCompleteWithoutStartRunsFinalPass(t *testing.T) {
	q := queue.NewMemory(time.Minute)
	tr := newTestTracker(t, q, &fakeDestination{})
	rec := track(t, tr, "", "uploads/a.csv")
	pushSuccess(t, q, rec.CorrelationID, rec.RelativePath, time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.True(t, tr.Complete(ctx))
	assert.Equal(t, 1, tr.Summary().Succeeded)
}

func TestCompleteRunsFinalPassAfterDeadline(t *testing.T) {
	q := queue.NewMemory(time.Minute)
	tr := newTestTracker(t, q, &fakeDestination{}, func(c *Config) {
		c.QueueInterval = time.Hour
		c.ReconcileInterval = time.Hour
	})
	rec := track(t, tr, "", "uploads/late.csv")

	loopCtx, cancelLoop := context.WithCancel(context.Background())
	defer cancelLoop()
	tr.Start(loopCtx)
	pushSuccess(t, q, rec.CorrelationID, rec.RelativePath, time.Now())

	expired, cancel := context.WithCancel(context.Background())
	cancel()

	assert.True(t, tr.Complete(expired))
	sum := tr.Summary()
	assert.Equal(t, 0, sum.Pending)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 0, q.Len(successURI))
}

func TestUpdateReplacesPendingRecord(t *testing.T) {
	journal := &fakeJournal{}
	tr := newTestTracker(t, queue.NewMemory(time.Minute), &fakeDestination{}, func(c *Config) { c.Journal = journal })
	rec := track(t, tr, "/src/a.csv", "uploads/a.csv")

	rec.BlobURI = "file:///blobs/uploads/a.csv"
	rec.Size = 42
	tr.Update(context.Background(), rec)

	pending := tr.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "file:///blobs/uploads/a.csv", pending[0].BlobURI)
	assert.Equal(t, int64(42), pending[0].Size)
	assert.Len(t, journal.states, 2)

	// resolved records are not resurrected
	pushSuccess(t, tr.queue.(*queue.Memory), rec.CorrelationID, rec.RelativePath, time.Now())
	tr.drainPass(context.Background())
	tr.Update(context.Background(), rec)
	assert.Empty(t, tr.Pending())
	assert.Equal(t, 1, tr.Summary().Succeeded)
}

func TestAbandonFailsPendingRecord(t *testing.T) {
	tr := newTestTracker(t, queue.NewMemory(time.Minute), &fakeDestination{})
	rec := track(t, tr, "/src/a.csv", "uploads/a.csv")

	tr.Abandon(context.Background(), rec, errors.New("nsqd unreachable"))
	tr.Abandon(context.Background(), rec, errors.New("again"))

	sum := tr.Summary()
	assert.Equal(t, 0, sum.Pending)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, int64(1), sum.Failures)
	assert.Equal(t, "nsqd unreachable", tr.Failed()[0].FailureDetail)
	assert.NoError(t, tr.Track(context.Background(), delivery.NewRecord("/src/a.csv", "uploads/a.csv")), "failed paths may be retried")
}
