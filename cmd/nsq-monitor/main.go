package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/logharbor/internal/config"
	"github.com/austindbirch/logharbor/internal/logging"
)

// NSQStats represents the JSON structure returned by NSQ stats API
type NSQStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

// watch maps a topic to the channel whose depth is its backlog
type watch map[string]string

var (
	// Backlog of the channel that drains each logharbor topic
	queueBacklog = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "logharbor_queue_backlog",
		Help: "Messages waiting on the consuming channel of each logharbor topic",
	}, []string{"topic"})

	// Channel-specific metrics
	channelDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "logharbor_nsq_channel_depth",
		Help: "Depth of NSQ channels by topic and channel",
	}, []string{"topic", "channel"})

	channelInflight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "logharbor_nsq_channel_inflight",
		Help: "In-flight messages for NSQ channels by topic and channel",
	}, []string{"topic", "channel"})
)

func init() {
	prometheus.MustRegister(queueBacklog)
	prometheus.MustRegister(channelDepth)
	prometheus.MustRegister(channelInflight)
}

var logger = logging.New("logharbor-nsq-monitor")

func main() {
	cfg := config.FromEnv()
	logging.SetLevel(cfg.LogLevel)

	watched := watch{
		cfg.NSQ.RequestsTopic: cfg.NSQ.IngesterChannel,
		cfg.NSQ.SuccessTopic:  cfg.NSQ.TrackerChannel,
		cfg.NSQ.FailureTopic:  cfg.NSQ.TrackerChannel,
	}

	logger.Plain().
		WithField("addr", cfg.Monitor.HTTPPort).
		WithField("nsqd", cfg.Monitor.NsqdHTTPAddr).
		WithField("interval", cfg.Monitor.PollInterval.String()).
		Info("NSQ monitor starting")

	// Start metrics collection in background
	go collectMetrics(cfg.Monitor.NsqdHTTPAddr, watched, cfg.Monitor.PollInterval)

	// Expose metrics endpoint
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})

	if err := http.ListenAndServe(cfg.Monitor.HTTPPort, nil); err != nil {
		logger.Plain().WithError(err).Fatal("NSQ monitor HTTP server failed")
	}
}

func collectMetrics(nsqdHost string, watched watch, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		if err := updateMetrics(nsqdHost, watched); err != nil {
			logger.Plain().WithError(err).Warn("Error updating metrics")
		}
	}
}

func updateMetrics(nsqdHost string, watched watch) error {
	resp, err := http.Get(fmt.Sprintf("http://%s/stats?format=json", nsqdHost))
	if err != nil {
		return errors.Wrap(err, "failed to get NSQ stats")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("nsqd stats returned %s", resp.Status)
	}

	var stats NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return errors.Wrap(err, "failed to decode NSQ stats")
	}

	for _, topic := range stats.Topics {
		consumer, ok := watched[topic.TopicName]
		if !ok {
			continue
		}
		for _, channel := range topic.Channels {
			if channel.ChannelName == consumer {
				queueBacklog.WithLabelValues(topic.TopicName).Set(float64(channel.Depth))
			}
			channelDepth.WithLabelValues(topic.TopicName, channel.ChannelName).Set(float64(channel.Depth))
			channelInflight.WithLabelValues(topic.TopicName, channel.ChannelName).Set(float64(channel.InFlightCount))
		}
	}

	return nil
}
