package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "checkout"

// Checkout results.
const (
	ResultPlaced      = "placed"
	ResultOutOfStock  = "out_of_stock"
	ResultPricing     = "pricing_error"
	ResultPersistence = "persistence_error"
	ResultNotFound    = "not_found"
	ResultInvalid     = "invalid"
)

// Compensation outcomes.
const (
	CompensationApplied       = "applied"
	CompensationAlreadyClosed = "already_closed"
	CompensationExhausted     = "exhausted"
)

type Metrics struct {
	Checkouts        *prometheus.CounterVec
	CheckoutDuration prometheus.Histogram
	Compensations    *prometheus.CounterVec
	Reconciliations  *prometheus.CounterVec
	Cancellations    prometheus.Counter
}

// New builds the collectors and registers them on reg. Tests pass a fresh
// prometheus.NewRegistry so runs do not collide.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Checkout attempts by result.",
		}, []string{"result"}),
		CheckoutDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_duration_seconds",
			Help:      "Time spent in ReserveAndOrder.",
			Buckets:   prometheus.DefBuckets,
		}),
		Compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Stock compensations by outcome.",
		}, []string{"outcome"}),
		Reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Reconciliation entries by state change.",
		}, []string{"state"}),
		Cancellations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_cancellations_total",
			Help:      "Orders cancelled with stock restored.",
		}),
	}
	reg.MustRegister(m.Checkouts, m.CheckoutDuration, m.Compensations, m.Reconciliations, m.Cancellations)
	return m
}
