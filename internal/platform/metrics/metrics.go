// Package metrics holds the Prometheus collectors for the HTTP surface and
// the billing workflow. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Outcome labels.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequests        *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
	settlements         *prometheus.CounterVec
	settlementAmount    prometheus.Counter
	cancellations       *prometheus.CounterVec
	orderTransitions    *prometheus.CounterVec
	codeAllocations *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests
// to avoid clashing with the default registry.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinic_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clinic_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		settlements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinic_settlements_total",
				Help: "Settlement attempts by outcome",
			},
			[]string{"outcome"},
		),
		settlementAmount: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "clinic_settlement_amount_total",
				Help: "Sum of settled invoice totals",
			},
		),
		cancellations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinic_invoice_cancellations_total",
				Help: "Invoice cancellation attempts by outcome",
			},
			[]string{"outcome"},
		),
		orderTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinic_order_transitions_total",
				Help: "Service order status transitions",
			},
			[]string{"from", "to"},
		),
		codeAllocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinic_code_allocations_total",
				Help: "Sequential code allocations by prefix",
			},
			[]string{"prefix"},
		),
	}
	reg.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.settlements,
		m.settlementAmount,
		m.cancellations,
		m.orderTransitions,
		m.codeAllocations,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) Settlement(outcome string, total decimal.Decimal) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(outcome).Inc()
	if outcome == OutcomeSuccess && total.IsPositive() {
		m.settlementAmount.Add(total.InexactFloat64())
	}
}

func (m *Metrics) Cancellation(outcome string) {
	if m == nil {
		return
	}
	m.cancellations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) OrderTransition(from, to string) {
	if m == nil {
		return
	}
	m.orderTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) CodeAllocated(prefix string) {
	if m == nil {
		return
	}
	m.codeAllocations.WithLabelValues(prefix).Inc()
}
