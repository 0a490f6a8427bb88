// Package metrics exposes Prometheus collectors for the harvester service.
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
	harvesterTasksTotal          *prometheus.CounterVec
	harvesterRetriesTotal        *prometheus.CounterVec
	harvesterTaskDurationSeconds *prometheus.HistogramVec
	harvesterRateLimitDelays     *prometheus.HistogramVec
	harvesterActiveWorkers       prometheus.Gauge
	harvesterWorkerCount         prometheus.Gauge
	harvesterQueueDepth          *prometheus.GaugeVec
	harvesterProxiesHealthy      prometheus.Gauge
	harvesterProxiesTotal        prometheus.Gauge
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		harvesterTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_tasks_total",
				Help: "Total number of tasks processed, labeled by kind and outcome.",
			},
			[]string{"kind", "status"},
		)

		harvesterRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_retries_total",
				Help: "Total number of task retry attempts, labeled by kind.",
			},
			[]string{"kind"},
		)

		harvesterTaskDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_task_duration_seconds",
				Help:    "Histogram of task processing time, labeled by kind.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"kind"},
		)

		harvesterRateLimitDelays = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations, labeled by domain.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		harvesterActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_workers",
				Help: "Number of workers currently processing a task.",
			},
		)

		harvesterWorkerCount = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_worker_count",
				Help: "Number of workers in the pool.",
			},
		)

		harvesterQueueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvester_queue_depth",
				Help: "Pending envelopes per queue.",
			},
			[]string{"queue"},
		)

		harvesterProxiesHealthy = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_proxies_healthy",
				Help: "Number of proxies currently considered healthy.",
			},
		)

		harvesterProxiesTotal = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_proxies_total",
				Help: "Number of proxies in the pool.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
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

// ObserveTask records one finished task with its processing time.
func ObserveTask(kind, status string, duration time.Duration) {
	harvesterTasksTotal.WithLabelValues(kind, status).Inc()
	harvesterTaskDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveRetry increments the retry counter for the given kind.
func ObserveRetry(kind string) {
	harvesterRetriesTotal.WithLabelValues(kind).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	harvesterRateLimitDelays.WithLabelValues(domain).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	harvesterActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	harvesterActiveWorkers.Dec()
}

// SetWorkerCount records the current pool size.
func SetWorkerCount(n int) {
	harvesterWorkerCount.Set(float64(n))
}

// SetQueueDepth records the pending count for one queue.
func SetQueueDepth(queueName string, n int) {
	harvesterQueueDepth.WithLabelValues(queueName).Set(float64(n))
}

// SetProxyStats records pool totals from the latest health sweep.
func SetProxyStats(total, healthy int) {
	harvesterProxiesTotal.Set(float64(total))
	harvesterProxiesHealthy.Set(float64(healthy))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
