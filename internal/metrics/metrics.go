package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ratelimit-service/internal/ratelimit"
)

// Metrics implements ratelimit.Observer on its own registry.
type Metrics struct {
	registry      *prometheus.Registry
	consumeTotal  *prometheus.CounterVec
	consumeTiming *prometheus.HistogramVec
	blocksStarted *prometheus.CounterVec
	sweptBuckets  prometheus.Counter
}

var _ ratelimit.Observer = (*Metrics)(nil)

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		consumeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_consume_total",
			Help: "Consume calls by scope and outcome.",
		}, []string{"scope", "outcome"}),
		consumeTiming: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ratelimit_consume_duration_seconds",
			Help:    "Consume latency including storage round trips.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"scope"}),
		blocksStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_blocks_started_total",
			Help: "Blocks started because a bucket exceeded its limit.",
		}, []string{"scope"}),
		sweptBuckets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_swept_buckets_total",
			Help: "Expired buckets removed by the sweeper.",
		}),
	}

	m.registry.MustRegister(
		m.consumeTotal,
		m.consumeTiming,
		m.blocksStarted,
		m.sweptBuckets,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveConsume(scope ratelimit.Scope, outcome ratelimit.Outcome, elapsed time.Duration) {
	m.consumeTotal.WithLabelValues(scope.String(), string(outcome)).Inc()
	m.consumeTiming.WithLabelValues(scope.String()).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveBlockStarted(scope ratelimit.Scope) {
	m.blocksStarted.WithLabelValues(scope.String()).Inc()
}

func (m *Metrics) ObserveSwept(n int64) {
	if n > 0 {
		m.sweptBuckets.Add(float64(n))
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
