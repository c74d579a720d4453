package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shivay/dispatch-service/internal/domain/model"
)

const namespace = "dispatch"

// Metrics is the service-wide Prometheus surface. A nil *Metrics is valid and
// records nothing, so services can be built without a registry in tests.
type Metrics struct {
	Registry *prometheus.Registry

	casesCreated   prometheus.Counter
	transitions    *prometheus.CounterVec
	assignments    *prometheus.CounterVec
	passDuration   prometheus.Histogram
	resourceEvents *prometheus.CounterVec
	ingress        *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		casesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cases_created_total",
			Help:      "Cases accepted by the state machine.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "case_transitions_total",
			Help:      "Accepted case status transitions.",
		}, []string{"from", "to"}),
		assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignments_total",
			Help:      "Assignment records written, by outcome.",
		}, []string{"outcome"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "assignment_pass_seconds",
			Help:      "Duration of one assignment engine pass.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		resourceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resource_updates_total",
			Help:      "Applied resource updates, by kind and source.",
		}, []string{"kind", "source"}),
		ingress: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingress_messages_total",
			Help:      "Messages consumed from buses and streams, by source and result.",
		}, []string{"source", "result"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.casesCreated, m.transitions, m.assignments, m.passDuration, m.resourceEvents, m.ingress,
	)
	return m
}

// RegisterHub exposes broadcast counters read straight from the hub on scrape.
func (m *Metrics) RegisterHub(stats func() model.HubStats) {
	if m == nil {
		return
	}
	m.Registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "published_total",
			Help:      "Envelopes stamped by the broadcast hub.",
		}, func() float64 { return float64(stats().Published) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "dropped_total",
			Help:      "Envelopes dropped on full subscriber buffers.",
		}, func() float64 { return float64(stats().Dropped) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "subscribers",
			Help:      "Connected observers.",
		}, func() float64 { return float64(stats().TotalSubscribers) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "topics",
			Help:      "Live topic cells.",
		}, func() float64 { return float64(stats().TotalTopics) }),
	)
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) CaseCreated() {
	if m != nil {
		m.casesCreated.Inc()
	}
}

func (m *Metrics) CaseTransition(from, to model.CaseStatus) {
	if m != nil {
		m.transitions.WithLabelValues(string(from), string(to)).Inc()
	}
}

func (m *Metrics) Assignment(outcome model.AssignmentOutcome) {
	if m != nil {
		m.assignments.WithLabelValues(string(outcome)).Inc()
	}
}

func (m *Metrics) PassDuration(d time.Duration) {
	if m != nil {
		m.passDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) ResourceUpdate(kind, source string) {
	if m != nil {
		m.resourceEvents.WithLabelValues(kind, source).Inc()
	}
}

func (m *Metrics) Ingress(source string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ingress.WithLabelValues(source, result).Inc()
}
