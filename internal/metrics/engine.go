package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Upstream engine Prometheus metrics.
var (
	engineQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "facetsearch",
			Name:      "engine_query_duration_seconds",
			Help:      "Upstream search engine round-trip duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"backend"},
	)

	engineErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "facetsearch",
			Name:      "engine_errors_total",
			Help:      "Total upstream search engine failures",
		},
		[]string{"backend"},
	)
)

var registerEngineOnce sync.Once

// RegisterEngineMetrics registers engine metrics. Safe to call repeatedly;
// only the first call registers.
func RegisterEngineMetrics() {
	registerEngineOnce.Do(func() {
		prometheus.MustRegister(engineQueryDuration)
		prometheus.MustRegister(engineErrorsTotal)
	})
}

// ObserveEngineQuery records one upstream engine round trip.
func ObserveEngineQuery(backend string, d time.Duration, ok bool) {
	engineQueryDuration.WithLabelValues(backend).Observe(d.Seconds())
	if !ok {
		engineErrorsTotal.WithLabelValues(backend).Inc()
	}
}
