package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr     string        // e.g. nsqd:4150
	LookupHTTPAddr  string        // e.g. http://nsqlookupd:4161
	RequestsTopic   string        // ingestion requests published by the pipeline
	SuccessTopic    string        // success confirmations
	FailureTopic    string        // failure confirmations
	TrackerChannel  string        // channel the tracker consumes confirmations on
	IngesterChannel string        // channel the ingestion service consumes requests on
	MsgTimeout      time.Duration // visibility timeout for undeleted confirmations
	MaxInFlight     int
}

type Scheduler struct {
	Threads          int           // global concurrency quota
	TickInterval     time.Duration // admission pass interval
	QueueLimit       int           // queued units before blocking submits throttle
	AdmissionTimeout time.Duration // throttle duration before a warning is logged
}

type Tracker struct {
	QueueInterval     time.Duration // fast loop: confirmation queue drains
	ReconcileInterval time.Duration // slow loop: destination reconciliation
	BatchSize         int           // messages per drain
	MessageTTL        time.Duration // unmatched confirmations older than this are deleted
	FailureOverlap    time.Duration // failure log watermark lag
	DedupLookback     time.Duration // baseline window for already-ingested paths; 0 disables
	FinalPassTimeout  time.Duration // bound on the tracker's final pass at completion
}

type Destination struct {
	Database            string
	Table               string
	Format              string
	IngestionMapping    string
	RetainBlobOnSuccess bool
}

type Blob struct {
	Root      string // directory acting as the blob store
	Container string
}

type FakeIngester struct {
	FailFirstN      int           // number of requests to fail initially
	ProcessingDelay time.Duration // simulated ingestion latency
	HTTPPort        string
}

type Monitor struct {
	NsqdHTTPAddr string        // nsqd stats endpoint, e.g. nsqd:4151
	HTTPPort     string        // listen address for /metrics and /health
	PollInterval time.Duration // stats poll interval
}

type Config struct {
	AppName      string
	HTTPPort     string // :8080
	GRPCPort     string // :50051
	LogLevel     string
	OTLPEndpoint string
	DB           DB
	NSQ          NSQ
	Scheduler    Scheduler
	Tracker      Tracker
	Destination  Destination
	Blob         Blob
	FakeIngester FakeIngester
	Monitor      Monitor
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// ensurePort prefixes a bare port number with ':'
func ensurePort(p string) string {
	if p == "" || strings.Contains(p, ":") {
		return p
	}
	return ":" + p
}

func FromEnv() Config {
	return Config{
		AppName:      getenv("APP_NAME", "logharbor"),
		HTTPPort:     ensurePort(getenv("HTTP_PORT", ":8080")),
		GRPCPort:     ensurePort(getenv("GRPC_PORT", ":50051")),
		LogLevel:     getenv("LOG_LEVEL", "info"),
		OTLPEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "logharbor"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:     getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr:  getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			RequestsTopic:   getenv("NSQ_REQUESTS_TOPIC", "ingestion_requests"),
			SuccessTopic:    getenv("NSQ_SUCCESS_TOPIC", "ingestion_successes"),
			FailureTopic:    getenv("NSQ_FAILURE_TOPIC", "ingestion_failures"),
			TrackerChannel:  getenv("NSQ_TRACKER_CHANNEL", "tracker"),
			IngesterChannel: getenv("NSQ_INGESTER_CHANNEL", "ingester"),
			MsgTimeout:      getenvDuration("NSQ_MSG_TIMEOUT", 30*time.Second),
			MaxInFlight:     getenvInt("NSQ_MAX_IN_FLIGHT", 256),
		},
		Scheduler: Scheduler{
			Threads:          getenvInt("THREADS", 8),
			TickInterval:     getenvDuration("SCHEDULER_TICK", 20*time.Millisecond),
			QueueLimit:       getenvInt("SCHEDULER_QUEUE_LIMIT", 64),
			AdmissionTimeout: getenvDuration("SCHEDULER_ADMISSION_TIMEOUT", time.Minute),
		},
		Tracker: Tracker{
			QueueInterval:     getenvDuration("TRACKER_QUEUE_INTERVAL", 5*time.Second),
			ReconcileInterval: getenvDuration("TRACKER_RECONCILE_INTERVAL", time.Minute),
			BatchSize:         getenvInt("TRACKER_BATCH_SIZE", 32),
			MessageTTL:        getenvDuration("TRACKER_MESSAGE_TTL", time.Hour),
			FailureOverlap:    getenvDuration("TRACKER_FAILURE_OVERLAP", time.Minute),
			DedupLookback:     getenvDuration("TRACKER_DEDUP_LOOKBACK", 0),
			FinalPassTimeout:  getenvDuration("TRACKER_FINAL_PASS_TIMEOUT", 30*time.Second),
		},
		Destination: Destination{
			Database:            getenv("DEST_DATABASE", "diagnostics"),
			Table:               getenv("DEST_TABLE", "logs"),
			Format:              getenv("DEST_FORMAT", "csv"),
			IngestionMapping:    getenv("DEST_INGESTION_MAPPING", ""),
			RetainBlobOnSuccess: getenvBool("DEST_RETAIN_BLOB", true),
		},
		Blob: Blob{
			Root:      getenv("BLOB_ROOT", "/var/lib/logharbor/blobs"),
			Container: getenv("BLOB_CONTAINER", "uploads"),
		},
		FakeIngester: FakeIngester{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			ProcessingDelay: getenvDuration("FAKE_INGESTER_DELAY", 0),
			HTTPPort:        ensurePort(getenv("FAKE_INGESTER_HTTP_PORT", ":8083")),
		},
		Monitor: Monitor{
			NsqdHTTPAddr: getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			HTTPPort:     ensurePort(getenv("MONITOR_HTTP_PORT", ":8084")),
			PollInterval: getenvDuration("MONITOR_POLL_INTERVAL", 15*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
