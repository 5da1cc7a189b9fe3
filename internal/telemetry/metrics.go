package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for shipcheck.
type Metrics struct {
	Registry *prometheus.Registry

	Dispatched      *prometheus.CounterVec
	Outcomes        *prometheus.CounterVec
	CarrierDuration *prometheus.HistogramVec
	CarrierErrors   *prometheus.CounterVec
	CircuitState    *prometheus.GaugeVec
	DeadLetters     prometheus.Counter
	Panics          prometheus.Counter
}

// NewMetrics registers metrics on a private registry, so tests can create as many as they like.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Dispatched: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipcheck_dispatch_total",
				Help: "Shipments considered by the dispatcher, by result (enqueued, skipped)",
			},
			[]string{"result"},
		),
		Outcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipcheck_worker_outcomes_total",
				Help: "Processed messages by carrier and outcome",
			},
			[]string{"carrier", "outcome"},
		),
		CarrierDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shipcheck_carrier_request_duration_seconds",
				Help:    "Carrier adapter call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"carrier"},
		),
		CarrierErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipcheck_carrier_errors_total",
				Help: "Carrier adapter errors by carrier and error kind",
			},
			[]string{"carrier", "kind"},
		),
		CircuitState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shipcheck_circuit_state",
				Help: "Circuit breaker state per carrier: 0 closed, 1 half-open, 2 open",
			},
			[]string{"carrier"},
		),
		DeadLetters: f.NewCounter(prometheus.CounterOpts{
			Name: "shipcheck_dead_letters_total",
			Help: "Messages moved to the dead-letter list",
		}),
		Panics: f.NewCounter(prometheus.CounterOpts{
			Name: "shipcheck_worker_panics_total",
			Help: "Recovered panics while processing a message",
		}),
	}
}

func (m *Metrics) RecordDispatch(enqueued, skipped int) {
	if m == nil {
		return
	}
	m.Dispatched.WithLabelValues("enqueued").Add(float64(enqueued))
	m.Dispatched.WithLabelValues("skipped").Add(float64(skipped))
}

func (m *Metrics) RecordOutcome(carrier, outcome string) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(carrier, outcome).Inc()
}

func (m *Metrics) RecordCarrierCall(carrier string, seconds float64, errKind string) {
	if m == nil {
		return
	}
	m.CarrierDuration.WithLabelValues(carrier).Observe(seconds)
	if errKind != "" {
		m.CarrierErrors.WithLabelValues(carrier, errKind).Inc()
	}
}

func (m *Metrics) SetCircuitState(carrier string, state float64) {
	if m == nil {
		return
	}
	m.CircuitState.WithLabelValues(carrier).Set(state)
}

func (m *Metrics) RecordDeadLetters(n int) {
	if m == nil {
		return
	}
	m.DeadLetters.Add(float64(n))
}

func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.Panics.Inc()
}
