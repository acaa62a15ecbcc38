package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors. A nil *Metrics is valid and records
// nothing, which keeps tests free of registry wiring.
type Metrics struct {
	registry *prometheus.Registry

	// Workflow metrics
	TransitionCounter *prometheus.CounterVec
	DecisionCounter   *prometheus.CounterVec
	BulkCounter       *prometheus.CounterVec
	ReceiptCounter    *prometheus.CounterVec

	// Idempotency metrics
	IdempotencyCounter *prometheus.CounterVec

	// Request metrics
	RequestDurationHistogram *prometheus.HistogramVec
	APIRequestCounter        *prometheus.CounterVec
}

// New registers every collector under namespace on a fresh registry.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TransitionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "po_transitions_total",
				Help:      "Total number of purchase order state transitions",
			},
			[]string{"from", "to"},
		),
		DecisionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "po_approval_decisions_total",
				Help:      "Total number of approval decisions recorded",
			},
			[]string{"decision"},
		),
		BulkCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "po_bulk_batches_total",
				Help:      "Total number of bulk approval batches by outcome",
			},
			[]string{"outcome"},
		),
		ReceiptCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "po_receipt_items_total",
				Help:      "Total number of receipt items by outcome",
			},
			[]string{"outcome"},
		),
		IdempotencyCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "idempotency_requests_total",
				Help:      "Total number of guarded requests by result",
			},
			[]string{"result"},
		),
		RequestDurationHistogram: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		APIRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
	}
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.TransitionCounter.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Decision(decision string) {
	if m == nil {
		return
	}
	m.DecisionCounter.WithLabelValues(decision).Inc()
}

func (m *Metrics) Bulk(outcome string) {
	if m == nil {
		return
	}
	m.BulkCounter.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ReceiptItem(outcome string) {
	if m == nil {
		return
	}
	m.ReceiptCounter.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Idempotency(result string) {
	if m == nil {
		return
	}
	m.IdempotencyCounter.WithLabelValues(result).Inc()
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDurationHistogram.WithLabelValues(method, path).Observe(d.Seconds())
	m.APIRequestCounter.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}
