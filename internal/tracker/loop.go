package tracker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/logharbor/internal/delivery"
	"github.com/austindbirch/logharbor/internal/destination"
	"github.com/austindbirch/logharbor/internal/metrics"
	"github.com/austindbirch/logharbor/internal/queue"
	"github.com/austindbirch/logharbor/internal/tracing"
)

// Start launches the protocol loop. It keeps running after Cancel until
// nothing is pending, and stops at once when ctx is done.
func (t *Tracker) Start(ctx context.Context) {
	t.startOnce.Do(func() {
		t.started.Store(true)
		go t.loop(ctx)
		t.logger.WithContext(ctx).
			WithField("queue_interval", t.cfg.QueueInterval.String()).
			WithField("reconcile_interval", t.cfg.ReconcileInterval.String()).
			Info("Tracker started")
	})
}

// Cancel asks the loop to exit once pending records drain
func (t *Tracker) Cancel() {
	t.stopOnce.Do(func() {
		t.cancelled.Store(true)
		close(t.stop)
	})
}

// Complete cancels the loop, waits for it (bounded by ctx), runs a final
// drain and reconciliation pass (bounded by FinalPassTimeout, even when
// ctx already expired), and reports whether no delivery failed.
func (t *Tracker) Complete(ctx context.Context) bool {
	t.Cancel()
	if t.started.Load() {
		select {
		case <-t.loopDone:
		case <-ctx.Done():
			t.logger.WithContext(ctx).
				WithField("pending", t.pending.Len()).
				Warn("Tracker loop did not finish before deadline")
		}
	}
	t.haltOnce.Do(func() { close(t.halt) })

	// the caller's deadline bounds the wait above, not the final pass
	final, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.FinalPassTimeout)
	defer cancel()
	t.drainPass(final)
	t.reconcilePass(final)

	sum := t.Summary()
	entry := t.logger.WithContext(ctx).
		WithField("pending", sum.Pending).
		WithField("succeeded", sum.Succeeded).
		WithField("failed", sum.Failed).
		WithField("failures", sum.Failures)
	if sum.Pending > 0 {
		entry.Warn("Tracker completed with unconfirmed deliveries")
	} else {
		entry.Info("Tracker completed")
	}
	return sum.Failures == 0
}

func (t *Tracker) loop(ctx context.Context) {
	defer close(t.loopDone)

	fast := time.NewTicker(t.cfg.QueueInterval)
	defer fast.Stop()
	slow := time.NewTicker(t.cfg.ReconcileInterval)
	defer slow.Stop()

	stop := t.stop
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.halt:
			return
		case <-stop:
			stop = nil
		case <-fast.C:
			t.drainPass(ctx)
		case <-slow.C:
			t.reconcilePass(ctx)
		}
		if t.cancelled.Load() && t.pending.Len() == 0 {
			return
		}
	}
}

// drainPass empties the success queue, then the failure queue
func (t *Tracker) drainPass(ctx context.Context) {
	t.passMu.Lock()
	defer t.passMu.Unlock()

	start := time.Now()
	if err := t.drain(ctx, t.cfg.SuccessQueue, false); err != nil {
		t.noteError(ctx, err)
	}
	if err := t.drain(ctx, t.cfg.FailureQueue, true); err != nil {
		t.noteError(ctx, err)
	}
	metrics.ObservePass("drain", time.Since(start))
	t.updateGauges()
}

// reconcilePass pulls ingested paths and the failure log from the destination
func (t *Tracker) reconcilePass(ctx context.Context) {
	t.passMu.Lock()
	defer t.passMu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "tracker.reconcile",
		attribute.String("database", t.cfg.Database),
		attribute.String("table", t.cfg.Table),
	)
	defer span.End()

	start := time.Now()
	if err := t.reconcile(ctx); err != nil {
		tracing.SetSpanError(ctx, err)
		t.noteError(ctx, err)
	}
	if err := t.scanFailures(ctx); err != nil {
		tracing.SetSpanError(ctx, err)
		t.noteError(ctx, err)
	}
	metrics.ObservePass("reconcile", time.Since(start))
	t.updateGauges()
}

func (t *Tracker) drain(ctx context.Context, queueURI string, failures bool) error {
	if queueURI == "" {
		return nil
	}
	for {
		msgs, err := t.queue.PopMessages(ctx, queueURI, t.cfg.BatchSize)
		if err != nil {
			return errors.Wrapf(ErrQueueUnavailable, "pop %s: %v", queueURI, err)
		}
		for _, m := range msgs {
			t.handleMessage(ctx, queueURI, failures, m)
		}
		if len(msgs) < t.cfg.BatchSize || ctx.Err() != nil {
			return nil
		}
	}
}

func (t *Tracker) handleMessage(ctx context.Context, queueURI string, failures bool, m queue.Message) {
	var res resolution
	if failures {
		fm, err := delivery.DecodeFailure(m.Body)
		if err != nil {
			t.discardPoison(ctx, queueURI, m, err)
			return
		}
		res = t.resolveFailure(ctx, "failure_queue", fm.IngestionSourceId, fm.IngestionSourcePath, fm.Summary(), t.orNow(fm.FailedOn))
	} else {
		sm, err := delivery.DecodeSuccess(m.Body)
		if err != nil {
			t.discardPoison(ctx, queueURI, m, err)
			return
		}
		res = t.resolveSuccess(ctx, "success_queue", sm.IngestionSourceId, sm.IngestionSourcePath, t.orNow(sm.SucceededOn))
	}

	switch {
	case res != unmatched:
		t.deleteMessage(ctx, queueURI, m)
	case t.now().Sub(m.InsertedAt) > t.cfg.MessageTTL:
		// stale deletions leave the ledgers and Summary untouched
		t.deleteMessage(ctx, queueURI, m)
		metrics.RecordStale(queueURI)
		t.logger.WithContext(ctx).
			WithField("queue", queueURI).
			WithField("message_id", m.ID).
			Debug("Deleted stale confirmation")
	default:
		if r, ok := t.queue.(releaser); ok {
			if err := r.ReleaseMessage(ctx, queueURI, m); err != nil {
				t.noteError(ctx, errors.Wrapf(ErrQueueUnavailable, "release %s: %v", m.ID, err))
			}
		}
	}
}

func (t *Tracker) discardPoison(ctx context.Context, queueURI string, m queue.Message, err error) {
	metrics.RecordTrackerError("malformed_row")
	t.logger.WithContext(ctx).
		WithField("queue", queueURI).
		WithField("message_id", m.ID).
		WithError(err).
		Warn("Discarding undecodable confirmation")
	t.deleteMessage(ctx, queueURI, m)
}

func (t *Tracker) deleteMessage(ctx context.Context, queueURI string, m queue.Message) {
	if err := t.queue.DeleteMessage(ctx, queueURI, m); err != nil {
		t.noteError(ctx, errors.Wrapf(ErrQueueUnavailable, "delete %s: %v", m.ID, err))
	}
}

// reconcile resolves paths ingested after the cursor, then advances the
// cursor to the position the destination reports afterwards
func (t *Tracker) reconcile(ctx context.Context) error {
	text, args := destination.DistinctPaths(t.cfg.Database, t.cfg.Table, t.cursor, t.runStart)
	rows, err := t.dest.Query(ctx, text, args...)
	if err != nil {
		return errors.Wrapf(ErrQueryFailed, "distinct paths: %v", err)
	}

	at := t.now()
	for _, row := range rows {
		path, err := row.String(destination.ColRelativePath)
		if err != nil {
			t.noteError(ctx, err)
			continue
		}
		t.resolveReconciled(ctx, path, at)
	}

	text, args = destination.CurrentCursor(t.cfg.Database, t.cfg.Table)
	cur, err := t.dest.Command(ctx, text, args...)
	if err != nil {
		return errors.Wrapf(ErrQueryFailed, "cursor: %v", err)
	}
	if len(cur) > 0 {
		c, err := cur[0].String(destination.ColCursor)
		if err != nil {
			return err
		}
		t.cursor = c
	}
	return nil
}

// scanFailures resolves failure-log entries after the watermark. The
// watermark trails the scan by FailureOverlap so late rows are re-read.
func (t *Tracker) scanFailures(ctx context.Context) error {
	scanAt := t.now()
	text, args := destination.FailuresSince(t.cfg.Database, t.cfg.Table, t.watermark)
	rows, err := t.dest.Command(ctx, text, args...)
	if err != nil {
		return errors.Wrapf(ErrQueryFailed, "failure log: %v", err)
	}

	for _, row := range rows {
		path, err := row.String(destination.ColRelativePath)
		if err != nil {
			t.noteError(ctx, err)
			continue
		}
		detail := delivery.FailureMessage{
			ErrorCode: row.OptionalString(destination.ColErrorCode),
			Details:   row.OptionalString(destination.ColDetails),
		}.Summary()
		at, err := row.Time(destination.ColFailedAt)
		if err != nil {
			at = scanAt
		}
		t.resolveFailure(ctx, "failure_log", row.OptionalString(destination.ColSourceID), path, detail, at)
	}

	if next := scanAt.Add(-t.cfg.FailureOverlap); next.After(t.watermark) {
		t.watermark = next
	}
	return nil
}

func (t *Tracker) orNow(at time.Time) time.Time {
	if at.IsZero() {
		return t.now()
	}
	return at
}
