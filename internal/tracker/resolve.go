package tracker

import (
	"context"
	"time"

	"github.com/austindbirch/logharbor/internal/delivery"
	"github.com/austindbirch/logharbor/internal/metrics"
)

type resolution int

const (
	unmatched resolution = iota
	moved
	alreadyTerminal
)

func (r resolution) String() string {
	switch r {
	case moved:
		return "matched"
	case alreadyTerminal:
		return "duplicate"
	default:
		return "unmatched"
	}
}

// resolveLocked moves the pending record identified by id, or failing
// that by path, into the ledger apply transitions it to. Identities that
// already resolved are reported as alreadyTerminal and change nothing.
// Callers hold t.mu.
func (t *Tracker) resolveLocked(id, path string, apply func(delivery.Record) delivery.Record) (delivery.Record, resolution) {
	if id != "" {
		byID := func(r delivery.Record) bool { return r.CorrelationID == id }
		if rec, ok := t.pending.RemoveFirst(byID); ok {
			return t.moveLocked(apply(rec)), moved
		}
		if t.succeeded.Any(byID) || t.failed.Any(byID) {
			return delivery.Record{}, alreadyTerminal
		}
	}
	if path != "" {
		if rec, ok := t.pending.RemoveFirst(func(r delivery.Record) bool { return r.Matches(path) }); ok {
			return t.moveLocked(apply(rec)), moved
		}
		byPath := func(r delivery.Record) bool { return r.Matches(path) }
		if t.succeeded.Any(byPath) || t.failed.Any(byPath) {
			return delivery.Record{}, alreadyTerminal
		}
	}
	return delivery.Record{}, unmatched
}

func (t *Tracker) moveLocked(rec delivery.Record) delivery.Record {
	if rec.State() == delivery.StateFailed {
		t.failed.Add(rec)
	} else {
		t.succeeded.Add(rec)
	}
	return rec
}

func (t *Tracker) resolveSuccess(ctx context.Context, source, id, path string, at time.Time) resolution {
	t.mu.Lock()
	rec, res := t.resolveLocked(id, path, func(r delivery.Record) delivery.Record { return r.Succeed(at) })
	t.mu.Unlock()

	metrics.RecordConfirmation(source, res.String())
	if res == moved {
		t.logger.WithContext(ctx).
			WithCorrelation(rec.CorrelationID).
			WithPath(rec.RelativePath).
			WithField("source", source).
			Info("Delivery succeeded")
		t.journalTransition(ctx, rec)
	}
	return res
}

func (t *Tracker) resolveFailure(ctx context.Context, source, id, path, detail string, at time.Time) resolution {
	t.mu.Lock()
	rec, res := t.resolveLocked(id, path, func(r delivery.Record) delivery.Record { return r.Fail(at, detail) })
	t.mu.Unlock()

	metrics.RecordConfirmation(source, res.String())
	if res == moved {
		t.failures.Add(1)
		t.logger.WithContext(ctx).
			WithCorrelation(rec.CorrelationID).
			WithPath(rec.RelativePath).
			WithField("source", source).
			WithField("detail", detail).
			Error("Delivery failed")
		t.journalTransition(ctx, rec)
	}
	return res
}

// resolveReconciled resolves a path the destination reports as ingested.
// Paths no pending record claims become baseline successes so they are
// never queued again.
func (t *Tracker) resolveReconciled(ctx context.Context, path string, at time.Time) resolution {
	t.mu.Lock()
	rec, res := t.resolveLocked("", path, func(r delivery.Record) delivery.Record { return r.Succeed(at) })
	if res == unmatched {
		t.succeeded.Add(delivery.Baseline(path, at))
	}
	t.mu.Unlock()

	switch res {
	case moved:
		metrics.RecordConfirmation("reconcile", "matched")
		t.logger.WithContext(ctx).
			WithCorrelation(rec.CorrelationID).
			WithPath(rec.RelativePath).
			Info("Delivery succeeded via reconciliation")
		t.journalTransition(ctx, rec)
	case unmatched:
		t.baselined.Add(1)
		metrics.RecordConfirmation("reconcile", "baseline")
		t.logger.WithContext(ctx).WithPath(path).Debug("Recorded pre-existing ingestion")
	default:
		metrics.RecordConfirmation("reconcile", "duplicate")
	}
	return res
}
