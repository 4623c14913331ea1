// Package metrics exposes Prometheus collectors for the archiver service.
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
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	queueDepth                 prometheus.Gauge
	retryDelaySeconds          prometheus.Histogram
	integrityChecksTotal       *prometheus.CounterVec
	integritySweepSeconds      prometheus.Histogram
	storageBytes               prometheus.Gauge
	scheduleRunsTotal          *prometheus.CounterVec
	notificationsTotal         *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parker_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parker_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "parker_capture_queue_depth",
				Help: "Captures waiting for a worker slot.",
			},
		)

		retryDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "parker_capture_retry_delay_seconds",
				Help:    "Backoff delays applied before re-dispatching a failed attempt.",
				Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
			},
		)

		integrityChecksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parker_integrity_checks_total",
				Help: "Artifact verifications, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		integritySweepSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "parker_integrity_sweep_seconds",
				Help:    "Wall time of full integrity sweeps.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
		)

		storageBytes = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "parker_storage_bytes",
				Help: "Bytes held in the artifact storage area.",
			},
		)

		scheduleRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parker_schedule_runs_total",
				Help: "Scheduled captures submitted, labeled by result.",
			},
			[]string{"result"},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parker_notifications_total",
				Help: "Terminal-capture notifications, labeled by result.",
			},
			[]string{"result"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetQueueDepth records the number of captures waiting for dispatch.
func SetQueueDepth(n int) {
	Init()
	queueDepth.Set(float64(n))
}

// ObserveRetryDelay records a backoff delay.
func ObserveRetryDelay(d time.Duration) {
	Init()
	retryDelaySeconds.Observe(d.Seconds())
}

// ObserveIntegrity increments the verification counter for outcome.
func ObserveIntegrity(outcome string) {
	Init()
	integrityChecksTotal.WithLabelValues(outcome).Inc()
}

// ObserveIntegritySweep records the duration of a full sweep.
func ObserveIntegritySweep(d time.Duration) {
	Init()
	integritySweepSeconds.Observe(d.Seconds())
}

// SetStorageBytes records current artifact storage usage.
func SetStorageBytes(n int64) {
	Init()
	storageBytes.Set(float64(n))
}

// ObserveScheduleRun increments the scheduler counter.
func ObserveScheduleRun(result string) {
	Init()
	scheduleRunsTotal.WithLabelValues(result).Inc()
}

// ObserveNotification increments the notification counter.
func ObserveNotification(result string) {
	Init()
	notificationsTotal.WithLabelValues(result).Inc()
}
