// Package metrics exposes Prometheus collectors for the notifier.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "code"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "code"},
	)

	// Dispatch
	observations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_observations_total",
			Help: "Queue observations processed, by result.",
		},
		[]string{"result"},
	)
	dispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "queue_dispatch_duration_seconds",
			Help:    "Time spent dispatching one observation (seconds).",
			Buckets: prometheus.DefBuckets,
		},
	)
	accountsMatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_accounts_matched_total",
			Help: "Eligible accounts found, by queue position.",
		},
		[]string{"position"},
	)
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Notification attempts by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)
	telegramStages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telegram_stage_messages_total",
			Help: "Staged Telegram alerts by stage and outcome.",
		},
		[]string{"stage", "outcome"},
	)

	// Cache
	cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapshot_cache_requests_total",
			Help: "Latest-snapshot cache lookups by result.",
		},
		[]string{"result"}, // hit, miss, error
	)
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call twice.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,

			observations,
			dispatchDuration,
			accountsMatched,
			notifications,
			telegramStages,

			cacheRequests,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest counts one request and records its latency.
func ObserveHTTPRequest(method, route, code string, d time.Duration) {
	httpRequests.WithLabelValues(method, route, code).Inc()
	httpDuration.WithLabelValues(method, route, code).Observe(d.Seconds())
}

// IncCacheHit counts a snapshot served from Redis.
func IncCacheHit() { cacheRequests.WithLabelValues("hit").Inc() }

// IncCacheMiss counts a snapshot lookup that fell through to MongoDB.
func IncCacheMiss() { cacheRequests.WithLabelValues("miss").Inc() }

// IncCacheError counts a failed Redis call.
func IncCacheError() { cacheRequests.WithLabelValues("error").Inc() }

// Recorder feeds dispatch and Telegram stage events into the collectors.
type Recorder struct{}

// ObserveDispatch counts one observation and its duration.
func (Recorder) ObserveDispatch(result string, elapsed time.Duration) {
	observations.WithLabelValues(result).Inc()
	dispatchDuration.Observe(elapsed.Seconds())
}

// AccountsMatched adds the eligible accounts found at a position.
func (Recorder) AccountsMatched(position, count int) {
	if count <= 0 {
		return
	}
	accountsMatched.WithLabelValues(strconv.Itoa(position)).Add(float64(count))
}

// NotificationOutcome counts one channel attempt.
func (Recorder) NotificationOutcome(channel, outcome string) {
	notifications.WithLabelValues(channel, outcome).Inc()
}

// ObserveTelegramStage counts one staged Telegram message.
func (Recorder) ObserveTelegramStage(stage int, err error) {
	outcome := "sent"
	if err != nil {
		outcome = "failed"
	}
	telegramStages.WithLabelValues(strconv.Itoa(stage), outcome).Inc()
}
