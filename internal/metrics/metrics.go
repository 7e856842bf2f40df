// Package metrics exposes Prometheus collectors for the channel crawler.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerTasksTotal           *prometheus.CounterVec
	crawlerLockAttemptsTotal    *prometheus.CounterVec
	crawlerJoinsTotal           *prometheus.CounterVec
	crawlerRateLimitWaitSeconds prometheus.Histogram
	crawlerPacingDelaySeconds   *prometheus.HistogramVec
	crawlerIdentityBansTotal    prometheus.Counter
	crawlerActiveIdentities     prometheus.Gauge
	crawlerFallbackTier         prometheus.Gauge
	crawlerCycleDurationSeconds *prometheus.HistogramVec
	crawlerRecordsEmittedTotal  *prometheus.CounterVec
	crawlerNotificationsTotal   *prometheus.CounterVec
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_tasks_total",
				Help: "Channel crawl tasks by terminal state.",
			},
			[]string{"state"},
		)

		crawlerLockAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_lock_attempts_total",
				Help: "Channel lock attempts by result.",
			},
			[]string{"result"},
		)

		crawlerJoinsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_joins_total",
				Help: "Channel join calls by result.",
			},
			[]string{"result"},
		)

		crawlerRateLimitWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_wait_seconds",
				Help:    "Waits requested by the platform before a retry.",
				Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600},
			},
		)

		crawlerPacingDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_pacing_delay_seconds",
				Help:    "Delay introduced by per-identity join and fetch pacing.",
				Buckets: []float64{0.1, 0.5, 1, 3, 5, 10, 15, 30},
			},
			[]string{"kind"},
		)

		crawlerIdentityBansTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_identity_bans_total",
				Help: "Identities transitioned to banned.",
			},
		)

		crawlerActiveIdentities = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_identities",
				Help: "Identities that are not banned.",
			},
		)

		crawlerFallbackTier = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_fallback_tier",
				Help: "1 while the scheduler runs in the fallback tier.",
			},
		)

		crawlerCycleDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_cycle_duration_seconds",
				Help:    "Wall time of one scheduling cycle, labeled by tier.",
				Buckets: []float64{1, 5, 30, 60, 300, 900, 1800, 3600},
			},
			[]string{"tier"},
		)

		crawlerRecordsEmittedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_records_emitted_total",
				Help: "Records forwarded downstream, labeled by sink.",
			},
			[]string{"sink"},
		)

		crawlerNotificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_notifications_total",
				Help: "Operator notifications by kind and result.",
			},
			[]string{"kind", "result"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Admin API requests by method, route pattern and status code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTask counts a crawl task reaching a terminal state.
func ObserveTask(state string) {
	Init()
	crawlerTasksTotal.WithLabelValues(state).Inc()
}

// ObserveLock counts a lock attempt: granted, denied or error.
func ObserveLock(result string) {
	Init()
	crawlerLockAttemptsTotal.WithLabelValues(result).Inc()
}

// ObserveJoin counts a join call.
func ObserveJoin(result string) {
	Init()
	crawlerJoinsTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimitWait records a platform-requested pause.
func ObserveRateLimitWait(d time.Duration) {
	Init()
	crawlerRateLimitWaitSeconds.Observe(d.Seconds())
}

// ObservePacingDelay records time spent waiting on the identity throttle.
func ObservePacingDelay(kind string, d time.Duration) {
	Init()
	crawlerPacingDelaySeconds.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveBan counts one identity ban transition.
func ObserveBan() {
	Init()
	crawlerIdentityBansTotal.Inc()
}

// SetActiveIdentities publishes the non-banned identity count.
func SetActiveIdentities(n int) {
	Init()
	crawlerActiveIdentities.Set(float64(n))
}

// SetFallback flips the tier gauge.
func SetFallback(fallback bool) {
	Init()
	if fallback {
		crawlerFallbackTier.Set(1)
		return
	}
	crawlerFallbackTier.Set(0)
}

// ObserveCycle records the duration of one cycle.
func ObserveCycle(tier string, d time.Duration) {
	Init()
	crawlerCycleDurationSeconds.WithLabelValues(tier).Observe(d.Seconds())
}

// ObserveRecordsEmitted counts records handed to a sink.
func ObserveRecordsEmitted(sink string, n int) {
	Init()
	if n > 0 {
		crawlerRecordsEmittedTotal.WithLabelValues(sink).Add(float64(n))
	}
}

// ObserveNotification counts a notification outcome: sent, failed or dropped.
func ObserveNotification(kind, result string) {
	Init()
	crawlerNotificationsTotal.WithLabelValues(kind, result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
