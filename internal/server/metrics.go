package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry           *prometheus.Registry
	requestsTotal      *prometheus.CounterVec
	retryAttemptsTotal *prometheus.CounterVec
	platformDuration   *prometheus.HistogramVec
	dlqDepth           prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipay_gateway_requests_total",
		Help: "Payment requests handled by the gateway",
	}, []string{"op", "result"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipay_platform_retry_attempts_total",
		Help: "Retry attempts for platform completion",
	}, []string{"result"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipay_platform_call_duration_seconds",
		Help:    "Latency of platform API calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pipay_dlq_depth",
		Help: "Number of completions waiting in the DLQ",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(requests, retries, duration, dlq)

	return &metricsRegistry{
		registry:           r,
		requestsTotal:      requests,
		retryAttemptsTotal: retries,
		platformDuration:   duration,
		dlqDepth:           dlq,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incRequest(op, result string) {
	m.requestsTotal.WithLabelValues(op, result).Inc()
}

func (m *metricsRegistry) incRetry(result string) {
	m.retryAttemptsTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) observePlatform(op string, start time.Time) {
	m.platformDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsRegistry) setDLQDepth(depth int) {
	m.dlqDepth.Set(float64(depth))
}
