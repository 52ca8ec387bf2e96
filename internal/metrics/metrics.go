package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "simpool"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	allocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "allocations_total",
			Help:      "Allocation attempts by outcome (reused, created, no_match, capacity_exhausted, create_failed).",
		}, []string{"outcome"},
	)
	frees = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "frees_total",
			Help:      "Completed frees by disposition (erase, delete).",
		}, []string{"disposition"},
	)
	teardownFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "teardown_failures_total",
			Help:      "Termination handles that failed during free.",
		},
	)
	instances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "instances",
			Help:      "Current number of simulators per set (free, allocated).",
		}, []string{"set"},
	)
	bootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "boot_duration_seconds",
			Help:      "Time from boot initiation until the simulator reported booted.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "simulator",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between simulator states.",
		}, []string{"from", "to"},
	)
	events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "simulator",
			Name:      "events_total",
			Help:      "Lifecycle events delivered, by kind.",
		}, []string{"kind"},
	)
	unexpectedTerminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "simulator",
			Name:      "unexpected_terminations_total",
			Help:      "Terminations not requested by the pool, by kind.",
		}, []string{"kind"},
	)
	exportFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "export_failures_total",
			Help:      "History export attempts that failed, by sink.",
		}, []string{"sink"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{allocations, frees, teardownFailures, instances, bootDuration, stateTransitions, events, unexpectedTerminations, exportFailures}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncAllocation(outcome string) {
	if regOK.Load() {
		allocations.WithLabelValues(outcome).Inc()
	}
}

func IncFree(disposition string) {
	if regOK.Load() {
		frees.WithLabelValues(disposition).Inc()
	}
}

func AddTeardownFailures(n int) {
	if regOK.Load() && n > 0 {
		teardownFailures.Add(float64(n))
	}
}

func SetInstances(free, allocated int) {
	if regOK.Load() {
		instances.WithLabelValues("free").Set(float64(free))
		instances.WithLabelValues("allocated").Set(float64(allocated))
	}
}

func ObserveBootDuration(seconds float64) {
	if regOK.Load() {
		bootDuration.Observe(seconds)
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func IncEvent(kind string) {
	if regOK.Load() {
		events.WithLabelValues(kind).Inc()
	}
}

func IncUnexpectedTermination(kind string) {
	if regOK.Load() {
		unexpectedTerminations.WithLabelValues(kind).Inc()
	}
}

func IncHistoryExportFailure(sink string) {
	if regOK.Load() {
		exportFailures.WithLabelValues(sink).Inc()
	}
}
