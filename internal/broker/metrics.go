package broker

import (
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics are per broker. They are always collected and only exported when
// the broker is given a Registerer.
type metrics struct {
	submitted prometheus.Counter
	completed *prometheus.CounterVec
	retries   prometheus.Counter
	pending   prometheus.Gauge
	busy      prometheus.Gauge
	duration  prometheus.Histogram

	reg prometheus.Registerer
}

func newMetrics(name string, reg prometheus.Registerer) (*metrics, error) {
	labels := prometheus.Labels{"broker": name}
	m := &metrics{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "asyncdb",
			Name:        "units_submitted_total",
			Help:        "Units of work admitted to the queue.",
			ConstLabels: labels,
		}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "asyncdb",
			Name:        "units_completed_total",
			Help:        "Units of work resolved, by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "asyncdb",
			Name:        "transaction_retries_total",
			Help:        "Transactions retried after a transient driver error.",
			ConstLabels: labels,
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "asyncdb",
			Name:        "units_pending",
			Help:        "Units of work waiting for a worker.",
			ConstLabels: labels,
		}),
		busy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "asyncdb",
			Name:        "workers_busy",
			Help:        "Workers currently running a unit.",
			ConstLabels: labels,
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "asyncdb",
			Name:        "unit_duration_seconds",
			Help:        "Time from submission to resolution.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
		reg: reg,
	}

	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				m.unregister()
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.submitted, m.completed, m.retries, m.pending, m.busy, m.duration}
}

func (m *metrics) unregister() {
	if m.reg == nil {
		return
	}
	for _, c := range m.collectors() {
		m.reg.Unregister(c)
	}
}

// observe records a resolved unit.
func (m *metrics) observe(err error, since time.Time) {
	m.completed.WithLabelValues(outcome(err)).Inc()
	m.duration.Observe(time.Since(since).Seconds())
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var e *Error
	if !errors.As(err, &e) {
		return "error"
	}
	return strings.ToLower(string(e.Code))
}
