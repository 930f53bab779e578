package cmd

import (
	"context"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/logharbor/internal/blob"
	"github.com/austindbirch/logharbor/internal/config"
	"github.com/austindbirch/logharbor/internal/db"
	"github.com/austindbirch/logharbor/internal/destination"
	"github.com/austindbirch/logharbor/internal/health"
	"github.com/austindbirch/logharbor/internal/ingest"
	"github.com/austindbirch/logharbor/internal/logging"
	"github.com/austindbirch/logharbor/internal/metrics"
	"github.com/austindbirch/logharbor/internal/queue"
	"github.com/austindbirch/logharbor/internal/scheduler"
	"github.com/austindbirch/logharbor/internal/tracing"
	"github.com/austindbirch/logharbor/internal/tracker"
)

type runOptions struct {
	source         string
	producer       string
	folder         string
	confirmTimeout time.Duration
}

var runOpts runOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Upload every file under a directory and wait for ingestion",
	Long: `Walk --source, upload each file to the blob store, publish an ingestion
request for it and track the request until the destination confirms it.

Files already present at the destination (see --dedup-lookback) are skipped.
Each top-level directory is uploaded by its own producer unless --producer
is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runIngestion(ctx, loadConfig(), runOpts)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runOpts.source, "source", "", "directory of log files to upload")
	runCmd.Flags().StringVar(&runOpts.producer, "producer", "", "upload everything as a single producer")
	runCmd.Flags().StringVar(&runOpts.folder, "folder", "", "destination folder prefix for relative paths")
	runCmd.Flags().DurationVar(&runOpts.confirmTimeout, "confirm-timeout", 10*time.Minute, "how long to wait for outstanding confirmations")
	runCmd.Flags().String("database", "", "destination database")
	runCmd.Flags().String("table", "", "destination table")
	runCmd.Flags().String("format", "", "data format of the uploaded files")
	runCmd.Flags().Int("threads", 0, "concurrent uploads")
	runCmd.Flags().String("blob-root", "", "directory backing the blob store")
	runCmd.Flags().String("container", "", "blob container")
	runCmd.Flags().Duration("dedup-lookback", 0, "skip files the destination ingested within this window")
	runCmd.Flags().String("nsqd", "", "nsqd TCP address")
	runCmd.Flags().String("lookupd", "", "nsqlookupd HTTP address")
	_ = runCmd.MarkFlagRequired("source")

	for _, name := range []string{"database", "table", "format", "threads", "blob-root", "container", "dedup-lookback", "nsqd", "lookupd"} {
		viper.BindPFlag(name, runCmd.Flags().Lookup(name))
	}
}

func runIngestion(ctx context.Context, cfg config.Config, opts runOptions) error {
	logging.SetLevel(cfg.LogLevel)
	logging.SetDefaultService(cfg.AppName)
	defer logging.Sync()
	logger := logging.New(cfg.AppName)

	shutdownTracing, err := tracing.InitTracing(ctx, cfg.AppName, tracing.Options{Endpoint: cfg.OTLPEndpoint})
	if err != nil {
		return errors.Wrap(err, "init tracing")
	}
	defer shutdownTracing()

	jobs, err := collectSources(opts.source, opts.producer)
	if err != nil {
		return err
	}
	logger.Plain().WithField("files", len(jobs)).WithField("source", opts.source).Info("Collected source files")

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		return errors.Wrap(err, "db connect")
	}
	defer pool.Close()
	if err := db.EnsureSchema(ctx, pool); err != nil {
		return err
	}

	prod, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return errors.Wrap(err, "nsq producer")
	}
	prod.SetLogger(logger.StdLog(), nsq.LogLevelWarning)
	defer prod.Stop()

	confirmations, err := queue.NewNSQ(queue.NSQOptions{
		NsqdTCPAddr:    cfg.NSQ.NsqdTCPAddr,
		LookupHTTPAddr: cfg.NSQ.LookupHTTPAddr,
		Channel:        cfg.NSQ.TrackerChannel,
		MsgTimeout:     cfg.NSQ.MsgTimeout,
		MaxInFlight:    cfg.NSQ.MaxInFlight,
		Logger:         logging.New("queue"),
	}, cfg.NSQ.SuccessTopic, cfg.NSQ.FailureTopic)
	if err != nil {
		return errors.Wrap(err, "nsq consumers")
	}
	defer confirmations.Stop()

	tr := tracker.New(confirmations, destination.NewPostgres(pool), tracker.Config{
		SuccessQueue:      cfg.NSQ.SuccessTopic,
		FailureQueue:      cfg.NSQ.FailureTopic,
		Database:          cfg.Destination.Database,
		Table:             cfg.Destination.Table,
		QueueInterval:     cfg.Tracker.QueueInterval,
		ReconcileInterval: cfg.Tracker.ReconcileInterval,
		BatchSize:         cfg.Tracker.BatchSize,
		MessageTTL:        cfg.Tracker.MessageTTL,
		FailureOverlap:    cfg.Tracker.FailureOverlap,
		FinalPassTimeout:  cfg.Tracker.FinalPassTimeout,
		Journal:           db.NewJournal(pool),
		Logger:            logging.New("tracker"),
	})
	if lookback := cfg.Tracker.DedupLookback; lookback > 0 {
		if _, err := tr.LoadBaseline(ctx, time.Now().UTC().Add(-lookback)); err != nil {
			logger.Plain().WithError(err).Warn("Could not load ingestion baseline, duplicates will not be skipped")
		}
	}

	store, err := blob.NewDirStore(cfg.Blob.Root)
	if err != nil {
		return err
	}

	sup := scheduler.NewSupervisor(scheduler.Config{
		Threads:          cfg.Scheduler.Threads,
		TickInterval:     cfg.Scheduler.TickInterval,
		QueueLimit:       cfg.Scheduler.QueueLimit,
		AdmissionTimeout: cfg.Scheduler.AdmissionTimeout,
		Logger:           logging.New("scheduler"),
	})
	pipeline := ingest.New(sup, store, prod, tr, ingest.Config{
		Database:            cfg.Destination.Database,
		Table:               cfg.Destination.Table,
		Format:              cfg.Destination.Format,
		IngestionMapping:    cfg.Destination.IngestionMapping,
		Container:           cfg.Blob.Container,
		Folder:              opts.folder,
		RequestsTopic:       cfg.NSQ.RequestsTopic,
		RetainBlobOnSuccess: cfg.Destination.RetainBlobOnSuccess,
		Logger:              logging.New("ingest"),
	})

	// HTTP health and metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool, func() (int, int, int) {
		s := tr.Summary()
		return s.Pending, s.Succeeded, s.Failed
	}))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: mux}

	// gRPC health for orchestrators
	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		return errors.Wrap(err, "gRPC listen")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Plain().WithField("addr", cfg.HTTPPort).Info("HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "HTTP serve")
		}
		return nil
	})
	g.Go(func() error {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("gRPC listening")
		return errors.Wrap(grpcSrv.Serve(lis), "gRPC serve")
	})
	g.Go(func() error {
		defer func() {
			hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
			grpcSrv.GracefulStop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		}()
		hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		return ingestAll(gctx, logger, sup, tr, pipeline, jobs, opts.confirmTimeout)
	})
	return g.Wait()
}

// ingestAll enqueues every job, waits for uploads, then waits for the
// destination to confirm them
func ingestAll(ctx context.Context, logger *logging.Logger, sup *scheduler.Supervisor, tr *tracker.Tracker, pipeline *ingest.Pipeline, jobs []sourceJob, confirmTimeout time.Duration) error {
	sup.Start(ctx)
	tr.Start(ctx)

	for _, j := range jobs {
		if _, err := pipeline.Enqueue(ctx, j.producer, j.src); err != nil {
			if errors.Is(err, tracker.ErrDuplicate) {
				continue
			}
			return errors.Wrapf(err, "enqueue %s", j.src.Path)
		}
	}
	if err := pipeline.Wait(ctx); err != nil {
		return errors.Wrap(err, "wait for uploads")
	}
	pipeline.Close()

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		logger.Plain().WithError(err).Warn("Supervisor did not stop cleanly")
	}

	completeCtx, cancelComplete := context.WithTimeout(ctx, confirmTimeout)
	defer cancelComplete()
	ok := tr.Complete(completeCtx)

	sum := tr.Summary()
	faults := pipeline.Faults()
	logger.Plain().
		WithField("enqueued", pipeline.Enqueued()).
		WithField("skipped", pipeline.Rejected()).
		WithField("upload_faults", faults).
		WithField("succeeded", sum.Succeeded).
		WithField("failed", sum.Failed).
		WithField("unconfirmed", sum.Pending).
		Info("Ingestion run finished")

	if !ok || faults > 0 {
		return errors.Errorf("ingestion run failed: %d deliveries failed, %d uploads faulted", sum.Failures, faults)
	}
	return nil
}
