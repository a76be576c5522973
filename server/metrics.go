package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"imagegallery/bridge"
)

// Metrics records sign-in flow outcomes for /metrics.
type Metrics struct {
	registry  *prometheus.Registry
	stages    *prometheus.CounterVec
	exchanges *prometheus.HistogramVec
}

// NewMetrics creates collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gallery",
			Subsystem: "auth",
			Name:      "stage_total",
			Help:      "Sign-in flow stages reached, by outcome.",
		}, []string{"stage", "outcome"}),
		exchanges: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gallery",
			Subsystem: "auth",
			Name:      "token_exchange_seconds",
			Help:      "Duration of back-channel token exchanges.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.stages,
		m.exchanges,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveStage counts a flow stage. Failures are labelled with their kind.
func (m *Metrics) ObserveStage(stage bridge.State, err error) {
	m.stages.WithLabelValues(stage.String(), outcome(err)).Inc()
}

// ObserveExchange records a token exchange.
func (m *Metrics) ObserveExchange(d time.Duration, err error) {
	m.exchanges.WithLabelValues(outcome(err)).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return bridge.Kind(err)
}
