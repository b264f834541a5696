package engine

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"slidewrangler/internal/reconcile"
)

// PrometheusMetricsRecorder exposes operation outcomes as Prometheus series:
// a result counter labelled by operation and status, and a duration
// histogram labelled by operation.
type PrometheusMetricsRecorder struct {
	results   *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

var _ reconcile.MetricsRecorder = (*PrometheusMetricsRecorder)(nil)

// NewPrometheusMetricsRecorder registers the collectors on reg; pass
// prometheus.DefaultRegisterer for the process-global registry.
func NewPrometheusMetricsRecorder(reg prometheus.Registerer) (*PrometheusMetricsRecorder, error) {
	r := &PrometheusMetricsRecorder{
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slidewrangler",
			Name:      "operations_total",
			Help:      "Engine operations by operation and outcome.",
		}, []string{"operation", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "slidewrangler",
			Name:      "operation_duration_seconds",
			Help:      "Engine operation durations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	if reg != nil {
		if err := reg.Register(r.results); err != nil {
			return nil, err
		}
		if err := reg.Register(r.durations); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Observe records one operation outcome.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	r.results.WithLabelValues(operation, status).Inc()
	r.durations.WithLabelValues(operation).Observe(duration.Seconds())
}
