package tokenkeeper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records refresh and retry activity. A nil *Metrics records nothing.
type Metrics struct {
	refreshes *prometheus.CounterVec
	duration  prometheus.Histogram
	fanout    prometheus.Histogram
	inflight  prometheus.Gauge
	teardowns prometheus.Counter
	retries   *prometheus.CounterVec
}

// NewMetrics registers the session collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenkeeper_refreshes_total",
			Help: "Refresh endpoint calls by result.",
		}, []string{"result"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tokenkeeper_refresh_duration_seconds",
			Help:    "Duration of refresh cycles, including fan-out.",
			Buckets: prometheus.DefBuckets,
		}),
		fanout: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tokenkeeper_refresh_waiters",
			Help:    "Callers served by a single refresh.",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		}),
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tokenkeeper_refresh_in_flight",
			Help: "1 while a refresh is outstanding.",
		}),
		teardowns: factory.NewCounter(prometheus.CounterOpts{
			Name: "tokenkeeper_teardowns_total",
			Help: "Sessions torn down after an unrecoverable refresh failure.",
		}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenkeeper_request_retries_total",
			Help: "Requests that hit 401, by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) refreshStarted() {
	if m == nil {
		return
	}
	m.inflight.Set(1)
}

func (m *Metrics) refreshFinished(err error, waiters int, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.refreshes.WithLabelValues(result).Inc()
	m.duration.Observe(d.Seconds())
	m.fanout.Observe(float64(waiters))
	m.inflight.Set(0)
}

func (m *Metrics) teardown() {
	if m == nil {
		return
	}
	m.teardowns.Inc()
}

func (m *Metrics) retry(outcome string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(outcome).Inc()
}
