package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	UnitsAdmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logharbor_units_admitted_total",
			Help: "Total number of task units admitted onto workers, by executor.",
		},
		[]string{"executor"},
	)

	UnitFaultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logharbor_unit_faults_total",
			Help: "Total number of task units that faulted or were cancelled, by executor.",
		},
		[]string{"executor"},
	)

	ExecutorQueued = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logharbor_executor_queued_units",
			Help: "Units queued but not yet admitted, by executor.",
		},
		[]string{"executor"},
	)

	ExecutorRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logharbor_executor_running_units",
			Help: "Units admitted and not yet complete, by executor.",
		},
		[]string{"executor"},
	)

	SubmitThrottledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logharbor_submit_throttled_total",
			Help: "Total number of blocking submits that waited past the admission timeout.",
		},
	)

	LedgerRecords = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logharbor_ledger_records",
			Help: "Delivery records by state.",
		},
		[]string{"state"}, // pending, succeeded, failed
	)

	ConfirmationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logharbor_confirmations_total",
			Help: "Confirmations processed, by source and outcome.",
		},
		[]string{"source", "outcome"}, // source: success_queue, failure_queue, reconcile, failure_log
	)

	StaleMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logharbor_stale_messages_deleted_total",
			Help: "Unmatched confirmation messages deleted after their TTL, by queue.",
		},
		[]string{"queue"},
	)

	TrackerErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logharbor_tracker_errors_total",
			Help: "Transient tracker errors, by kind.",
		},
		[]string{"kind"}, // queue_unavailable, query_failed, malformed_row
	)

	TrackerPassSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "logharbor_tracker_pass_seconds",
			Help:    "Duration of tracker protocol passes.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"pass"}, // drain, reconcile
	)

	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logharbor_uploads_total",
			Help: "Uploads by outcome.",
		},
		[]string{"outcome"},
	)

	UploadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logharbor_upload_bytes_total",
			Help: "Total bytes uploaded to blob storage.",
		},
	)

	UploadLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "logharbor_upload_latency_seconds",
			Help:    "Upload latency.",
			Buckets: prometheus.DefBuckets,
		},
	)

	RequestsPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logharbor_ingestion_requests_published_total",
			Help: "Total number of ingestion requests published.",
		},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		UnitsAdmittedTotal, UnitFaultsTotal, ExecutorQueued, ExecutorRunning, SubmitThrottledTotal,
		LedgerRecords, ConfirmationsTotal, StaleMessagesTotal, TrackerErrorsTotal, TrackerPassSeconds,
		UploadsTotal, UploadBytesTotal, UploadLatency, RequestsPublishedTotal,
	)
}

func RecordAdmitted(executor string) {
	UnitsAdmittedTotal.WithLabelValues(executor).Inc()
}

func RecordFault(executor string) {
	UnitFaultsTotal.WithLabelValues(executor).Inc()
}

func UpdateExecutor(executor string, queued, running int) {
	ExecutorQueued.WithLabelValues(executor).Set(float64(queued))
	ExecutorRunning.WithLabelValues(executor).Set(float64(running))
}

// ForgetExecutor drops the per-executor series once it is released
func ForgetExecutor(executor string) {
	ExecutorQueued.DeleteLabelValues(executor)
	ExecutorRunning.DeleteLabelValues(executor)
}

func RecordThrottled() {
	SubmitThrottledTotal.Inc()
}

func UpdateLedger(pending, succeeded, failed int) {
	LedgerRecords.WithLabelValues("pending").Set(float64(pending))
	LedgerRecords.WithLabelValues("succeeded").Set(float64(succeeded))
	LedgerRecords.WithLabelValues("failed").Set(float64(failed))
}

func RecordConfirmation(source, outcome string) {
	ConfirmationsTotal.WithLabelValues(source, outcome).Inc()
}

func RecordStale(queue string) {
	StaleMessagesTotal.WithLabelValues(queue).Inc()
}

func RecordTrackerError(kind string) {
	TrackerErrorsTotal.WithLabelValues(kind).Inc()
}

func ObservePass(pass string, d time.Duration) {
	TrackerPassSeconds.WithLabelValues(pass).Observe(d.Seconds())
}

func RecordUpload(outcome string, bytes int64, d time.Duration) {
	UploadsTotal.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		UploadBytesTotal.Add(float64(bytes))
	}
	UploadLatency.Observe(d.Seconds())
}

func RecordRequestPublished() {
	RequestsPublishedTotal.Inc()
}
