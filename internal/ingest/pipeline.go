package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/logharbor/internal/blob"
	"github.com/austindbirch/logharbor/internal/delivery"
	"github.com/austindbirch/logharbor/internal/logging"
	"github.com/austindbirch/logharbor/internal/metrics"
	"github.com/austindbirch/logharbor/internal/scheduler"
	"github.com/austindbirch/logharbor/internal/tracing"
)

const publishExecutor = "publish"

// Publisher sends an encoded ingestion request to a topic. *nsq.Producer
// satisfies it.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// Tracker is the part of the delivery tracker producers talk to. Track
// reserves a pending record or rejects a known path atomically.
type Tracker interface {
	Track(ctx context.Context, rec delivery.Record) error
	Update(ctx context.Context, rec delivery.Record)
	Abandon(ctx context.Context, rec delivery.Record, cause error)
}

type Config struct {
	Database            string
	Table               string
	Format              string
	IngestionMapping    string
	Container           string
	Folder              string // prefix joined onto every relative path
	RequestsTopic       string
	RetainBlobOnSuccess bool
	Logger              *logging.Logger
}

// Pipeline uploads local files and hands them to the ingestion service.
// Every file is tracked as pending from the moment it is enqueued.
// Each producer gets its own executor so the supervisor can share worker
// capacity between them; request publishing runs on an always-admit
// executor that upload units wait on.
type Pipeline struct {
	cfg      Config
	sup      *scheduler.Supervisor
	uploader blob.Uploader
	pub      Publisher
	tracker  Tracker
	logger   *logging.Logger

	mu        sync.Mutex
	producers map[string]*scheduler.Executor
	publish   *scheduler.Executor

	enqueued atomic.Int64
	rejected atomic.Int64
}

func New(sup *scheduler.Supervisor, up blob.Uploader, pub Publisher, tr Tracker, cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = logging.New("ingest")
	}
	if cfg.Format == "" {
		cfg.Format = "csv"
	}
	return &Pipeline{
		cfg:       cfg,
		sup:       sup,
		uploader:  up,
		pub:       pub,
		tracker:   tr,
		logger:    cfg.Logger,
		producers: make(map[string]*scheduler.Executor),
		publish:   sup.NewExecutor(publishExecutor, scheduler.AlwaysAdmit()),
	}
}

// Enqueue reserves a pending record for src and queues its upload on the
// producer's executor. Paths the tracker already knows are rejected with
// its duplicate error before any work is queued.
func (p *Pipeline) Enqueue(ctx context.Context, producer string, src blob.Source) (*scheduler.Unit, error) {
	rec := delivery.NewRecord(src.Path, delivery.RelativePath(p.cfg.Folder, src.RelativePath))
	if err := p.tracker.Track(ctx, rec); err != nil {
		p.rejected.Add(1)
		p.logger.WithContext(ctx).
			WithExecutor(producer).
			WithPath(rec.RelativePath).
			Debug("Skipping already known file")
		return nil, err
	}

	exec := p.executor(producer)
	u, err := exec.SubmitThen(ctx,
		func(ctx context.Context) error {
			return p.upload(ctx, &rec)
		},
		func(ctx context.Context, err error) error {
			if err == nil {
				p.tracker.Update(ctx, rec)
				err = p.handOff(ctx, rec)
			}
			if err != nil {
				p.tracker.Abandon(ctx, rec, err)
			}
			return err
		},
	)
	if err != nil {
		p.tracker.Abandon(ctx, rec, err)
		return nil, errors.Wrapf(err, "enqueue %s", rec.RelativePath)
	}
	p.enqueued.Add(1)
	return u, nil
}

// Wait blocks until every enqueued file was uploaded and published
func (p *Pipeline) Wait(ctx context.Context) error {
	p.mu.Lock()
	execs := make([]*scheduler.Executor, 0, len(p.producers)+1)
	for _, e := range p.producers {
		execs = append(execs, e)
	}
	p.mu.Unlock()
	execs = append(execs, p.publish)

	for _, e := range execs {
		if err := e.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close releases every executor so the supervisor drops them once idle
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.producers {
		e.Release()
	}
	p.publish.Release()
}

// Faults is the number of files whose upload or hand-off failed
func (p *Pipeline) Faults() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int64
	for _, e := range p.producers {
		n += e.Faults()
	}
	return n
}

func (p *Pipeline) Enqueued() int64 { return p.enqueued.Load() }

func (p *Pipeline) Rejected() int64 { return p.rejected.Load() }

func (p *Pipeline) executor(producer string) *scheduler.Executor {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.producers[producer]
	if !ok {
		e = p.sup.NewExecutor(producer)
		p.producers[producer] = e
	}
	return e
}

func (p *Pipeline) upload(ctx context.Context, rec *delivery.Record) error {
	ctx, span := tracing.StartSpan(ctx, "ingest.upload",
		attribute.String("correlation_id", rec.CorrelationID),
		attribute.String("relative_path", rec.RelativePath),
	)
	defer span.End()

	start := time.Now()
	uri, size, err := p.uploader.Upload(ctx, blob.Source{Path: rec.SourcePath, RelativePath: rec.RelativePath}, p.cfg.Container)
	if err != nil {
		metrics.RecordUpload("error", 0, time.Since(start))
		tracing.SetSpanError(ctx, err)
		return errors.Wrapf(err, "upload %s", rec.SourcePath)
	}
	metrics.RecordUpload("ok", size, time.Since(start))
	span.SetAttributes(attribute.Int64("size_bytes", size))

	rec.BlobURI = uri
	rec.Size = size
	return nil
}

// handOff publishes the request on the publish executor and waits for it
func (p *Pipeline) handOff(ctx context.Context, rec delivery.Record) error {
	h, err := scheduler.SubmitForResult(ctx, p.publish, func(ctx context.Context) (delivery.IngestionRequest, error) {
		return p.publishRequest(ctx, rec)
	})
	if err != nil {
		return err
	}
	_, err = h.Wait(ctx)
	return err
}

func (p *Pipeline) publishRequest(ctx context.Context, rec delivery.Record) (delivery.IngestionRequest, error) {
	ctx, span := tracing.StartSpan(ctx, "ingest.publish",
		attribute.String("correlation_id", rec.CorrelationID),
		attribute.String("topic", p.cfg.RequestsTopic),
	)
	defer span.End()

	req := delivery.NewIngestionRequest(rec, p.cfg.Database, p.cfg.Table, p.cfg.Format)
	req.IngestionMapping = p.cfg.IngestionMapping
	req.RetainBlobOnSuccess = p.cfg.RetainBlobOnSuccess
	req.TraceHeaders = tracing.InjectHeaders(ctx)

	body, err := json.Marshal(req)
	if err != nil {
		return req, errors.Wrap(err, "encode ingestion request")
	}
	if err := p.pub.Publish(p.cfg.RequestsTopic, body); err != nil {
		tracing.SetSpanError(ctx, err)
		return req, errors.Wrapf(err, "publish %s", p.cfg.RequestsTopic)
	}
	metrics.RecordRequestPublished()

	p.logger.WithContext(ctx).
		WithCorrelation(rec.CorrelationID).
		WithPath(rec.RelativePath).
		WithField("blob", rec.BlobURI).
		WithField("size", rec.Size).
		Info("Ingestion request published")
	return req, nil
}
