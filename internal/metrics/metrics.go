// Package metrics exposes Prometheus instruments for the order book.
package metrics

import (
	"math/big"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/optionbook/internal/domain"
	"github.com/alanyoungcy/optionbook/internal/fixedpoint"
)

const namespace = "optionbook"

// Metrics holds every instrument on its own registry so tests and multiple
// engines never collide on the default one.
type Metrics struct {
	registry *prometheus.Registry

	Operations        *prometheus.CounterVec
	OperationLatency  *prometheus.HistogramVec
	Events            *prometheus.CounterVec
	CustodyUnderlying prometheus.Gauge
	LockedPremiums    prometheus.Gauge
	PublishFailures   *prometheus.CounterVec
}

// New registers all instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "State-changing operations by outcome",
		}, []string{"op", "result"}), // result: ok or an error kind
		OperationLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Time to check, apply and commit an operation",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}, []string{"op"}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Engine events by type",
		}, []string{"type"}),
		CustodyUnderlying: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "custody",
			Name:      "underlying_units",
			Help:      "Underlying held for open asks and active options, in whole units",
		}),
		LockedPremiums: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "custody",
			Name:      "locked_premium_units",
			Help:      "Premiums held for open bids, in whole units",
		}),
		PublishFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "sink_failures_total",
			Help:      "Event sink failures by sink",
		}, []string{"sink"}),
	}
}

// ObserveOperation records one engine operation.
func (m *Metrics) ObserveOperation(op string, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = string(domain.KindOf(err))
	}
	m.Operations.WithLabelValues(op, result).Inc()
	if elapsed > 0 {
		m.OperationLatency.WithLabelValues(op).Observe(elapsed.Seconds())
	}
}

// ObserveEvent counts a published event.
func (m *Metrics) ObserveEvent(typ domain.EventType) {
	m.Events.WithLabelValues(string(typ)).Inc()
}

// ObserveSinkFailure counts an event that a sink could not accept.
func (m *Metrics) ObserveSinkFailure(sink string) {
	m.PublishFailures.WithLabelValues(sink).Inc()
}

// SetCustody updates the custody gauges from a registry report.
func (m *Metrics) SetCustody(r domain.CustodyReport) {
	m.CustodyUnderlying.Set(Units(r.Underlying))
	m.LockedPremiums.Set(Units(r.LockedPremiums))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Units converts an 18-decimal amount to a float for gauges.
func Units(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := decimal.NewFromBigInt(v, -fixedpoint.Decimals).Float64()
	return f
}
