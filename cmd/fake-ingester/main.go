package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/logharbor/internal/blob"
	"github.com/austindbirch/logharbor/internal/config"
	"github.com/austindbirch/logharbor/internal/db"
	"github.com/austindbirch/logharbor/internal/destination"
	"github.com/austindbirch/logharbor/internal/health"
	"github.com/austindbirch/logharbor/internal/logging"
	"github.com/austindbirch/logharbor/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logging.SetLevel(cfg.LogLevel)
	logger := logging.New("logharbor-fake-ingester")

	shutdown, err := tracing.InitTracing(ctx, "logharbor-fake-ingester", tracing.Options{Endpoint: cfg.OTLPEndpoint})
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	// DB connect
	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()
	if err := db.EnsureSchema(ctx, pool); err != nil {
		logger.Plain().WithError(err).Fatal("schema setup failed")
	}

	store, err := blob.NewDirStore(cfg.Blob.Root)
	if err != nil {
		logger.Plain().WithError(err).Fatal("blob store unavailable")
	}

	// Confirmation producer
	prod, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	prod.SetLogger(logger.StdLog(), nsq.LogLevelWarning)
	defer prod.Stop()

	// Prom metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(requestsTotal)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool, nil))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.FakeIngester.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("fake-ingester HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("fake-ingester HTTP server failed")
		}
	}()

	// Request consumer
	conf := nsq.NewConfig()
	conf.MaxInFlight = cfg.NSQ.MaxInFlight
	consumer, err := nsq.NewConsumer(cfg.NSQ.RequestsTopic, cfg.NSQ.IngesterChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	consumer.SetLogger(logger.StdLog(), nsq.LogLevelWarning)
	consumer.AddHandler(&ingester{
		cfg: ingesterConfig{
			successTopic: cfg.NSQ.SuccessTopic,
			failureTopic: cfg.NSQ.FailureTopic,
			failFirstN:   cfg.FakeIngester.FailFirstN,
			delay:        cfg.FakeIngester.ProcessingDelay,
		},
		dest:   destination.NewPostgres(pool),
		blobs:  store,
		pub:    prod,
		logger: logger,
	})

	// Connecting directly to NSQD forces channel creation
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	logger.Plain().
		WithField("topic", cfg.NSQ.RequestsTopic).
		WithField("fail_first_n", cfg.FakeIngester.FailFirstN).
		Info("fake-ingester started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	consumer.Stop()
	<-consumer.StopChan
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("fake-ingester stopped")
}
