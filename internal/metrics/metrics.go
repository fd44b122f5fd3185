// Package metrics exposes Prometheus collectors for run execution and event
// delivery.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	runsStarted     *prometheus.CounterVec
	runsFinished    *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	runsActive      prometheus.Gauge
	eventsPublished *prometheus.CounterVec
	eventsRejected  prometheus.Counter
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the instance registered with the global Prometheus
// registry. Collectors are created once so repeated construction in tests
// does not panic on duplicate registration.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNew(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNew builds a Metrics registered with reg. Registration errors other
// than an identical collector already being present panic.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentd",
			Subsystem: "runs",
			Name:      "started_total",
			Help:      "Runs accepted for execution.",
		}, []string{"kind"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentd",
			Subsystem: "runs",
			Name:      "finished_total",
			Help:      "Runs that reached a terminal status.",
		}, []string{"kind", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentd",
			Subsystem: "runs",
			Name:      "duration_seconds",
			Help:      "Time from acceptance to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"kind", "status"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentd",
			Subsystem: "runs",
			Name:      "active",
			Help:      "Runs currently executing.",
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentd",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events appended to a task channel.",
		}, []string{"type"}),
		eventsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentd",
			Subsystem: "events",
			Name:      "rejected_total",
			Help:      "Publishes refused because the task channel was closed or missing.",
		}),
	}

	m.runsStarted = register(reg, m.runsStarted)
	m.runsFinished = register(reg, m.runsFinished)
	m.runDuration = register(reg, m.runDuration)
	m.runsActive = register(reg, m.runsActive)
	m.eventsPublished = register(reg, m.eventsPublished)
	m.eventsRejected = register(reg, m.eventsRejected)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) RunStarted(kind string) {
	if m == nil {
		return
	}
	m.runsStarted.WithLabelValues(kind).Inc()
	m.runsActive.Inc()
}

func (m *Metrics) RunFinished(kind, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(kind, status).Inc()
	m.runDuration.WithLabelValues(kind, status).Observe(d.Seconds())
	m.runsActive.Dec()
}

func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) EventRejected() {
	if m == nil {
		return
	}
	m.eventsRejected.Inc()
}
