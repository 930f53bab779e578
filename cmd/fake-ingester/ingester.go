package main

import (
	"context"
	"encoding/json"
	"io"
	"sync/atomic"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/logharbor/internal/delivery"
	"github.com/austindbirch/logharbor/internal/destination"
	"github.com/austindbirch/logharbor/internal/logging"
	"github.com/austindbirch/logharbor/internal/tracing"
)

var requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "logharbor_fake_ingester_requests_total",
	Help: "Ingestion requests handled by the fake ingester by outcome",
}, []string{"outcome"})

// errSimulated is returned for the first FailFirstN requests so nsq
// redelivers them
var errSimulated = errors.New("simulated transient ingestion failure")

type commander interface {
	Command(ctx context.Context, text string, args ...any) ([]destination.Row, error)
}

type blobOpener interface {
	Open(uri string) (io.ReadCloser, error)
}

type publisher interface {
	Publish(topic string, body []byte) error
}

type ingesterConfig struct {
	successTopic string
	failureTopic string
	failFirstN   int
	delay        time.Duration
}

// ingester plays the part of the ingestion service: it loads each
// requested blob, records the outcome in the destination tables and
// reports it on the confirmation topics the request asked for
type ingester struct {
	cfg    ingesterConfig
	dest   commander
	blobs  blobOpener
	pub    publisher
	logger *logging.Logger
	seen   atomic.Int64
}

func (in *ingester) HandleMessage(m *nsq.Message) error {
	return in.process(context.Background(), m.Body)
}

func (in *ingester) process(ctx context.Context, body []byte) error {
	var req delivery.IngestionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		requestsTotal.WithLabelValues("bad_payload").Inc()
		in.logger.Plain().WithError(err).Error("bad ingestion request payload")
		return nil
	}

	ctx = tracing.ExtractHeaders(ctx, req.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "fake_ingester.ingest",
		attribute.String("correlation_id", req.Id),
		attribute.String("blob_path", req.BlobPath),
	)
	defer span.End()

	if in.cfg.delay > 0 {
		select {
		case <-time.After(in.cfg.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Simulate flakiness: first N requests are requeued
	if n := in.seen.Add(1); n <= int64(in.cfg.failFirstN) {
		requestsTotal.WithLabelValues("requeued").Inc()
		in.logger.WithContext(ctx).
			WithCorrelation(req.Id).
			Warnf("FAILING (%d/%d) %s", n, in.cfg.failFirstN, req.RelativePath)
		return errSimulated
	}

	size, err := in.load(req.BlobPath)
	switch {
	case err != nil:
		return in.fail(ctx, req, "BadRequest_BlobNotFound", err.Error())
	case size == 0:
		return in.fail(ctx, req, "BadRequest_EmptyBlob", "blob has no data")
	}
	return in.succeed(ctx, req, size)
}

func (in *ingester) load(uri string) (int64, error) {
	rc, err := in.blobs.Open(uri)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	return io.Copy(io.Discard, rc)
}

func (in *ingester) succeed(ctx context.Context, req delivery.IngestionRequest, size int64) error {
	text, args := destination.RecordIngested(req.Id, req.DatabaseName, req.TableName, req.RelativePath, req.BlobPath, size)
	if _, err := in.dest.Command(ctx, text, args...); err != nil {
		tracing.SetSpanError(ctx, err)
		return errors.Wrap(err, "record ingestion")
	}
	requestsTotal.WithLabelValues("succeeded").Inc()

	if req.ReportLevel == delivery.ReportFailuresAndSuccesses && reportsToQueue(req.ReportMethod) {
		if err := in.publish(in.cfg.successTopic, req.Success(time.Now().UTC())); err != nil {
			return err
		}
	}
	in.logger.WithContext(ctx).
		WithCorrelation(req.Id).
		WithPath(req.RelativePath).
		WithField("size", size).
		Info("ingested")
	return nil
}

func (in *ingester) fail(ctx context.Context, req delivery.IngestionRequest, code, details string) error {
	tracing.AddSpanEvent(ctx, "ingest.failed", attribute.String("error_code", code))
	requestsTotal.WithLabelValues("failed").Inc()

	if req.ReportMethod == delivery.ReportTable || req.ReportMethod == delivery.ReportQueueAndTable {
		text, args := destination.RecordFailure(req.Id, req.DatabaseName, req.TableName, req.RelativePath, code, details)
		if _, err := in.dest.Command(ctx, text, args...); err != nil {
			return errors.Wrap(err, "record failure")
		}
	}
	if req.ReportLevel != delivery.ReportNone && reportsToQueue(req.ReportMethod) {
		if err := in.publish(in.cfg.failureTopic, req.Failure(time.Now().UTC(), code, details, true)); err != nil {
			return err
		}
	}
	in.logger.WithContext(ctx).
		WithCorrelation(req.Id).
		WithPath(req.RelativePath).
		WithField("error_code", code).
		Warn("ingestion failed")
	return nil
}

func (in *ingester) publish(topic string, msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode confirmation")
	}
	return errors.Wrapf(in.pub.Publish(topic, b), "publish %s", topic)
}

func reportsToQueue(m delivery.ReportMethod) bool {
	return m == delivery.ReportQueue || m == delivery.ReportQueueAndTable
}
