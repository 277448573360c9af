package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceInstalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackd",
			Subsystem: "service",
			Name:      "installs_total",
			Help:      "Number of successful package installs or updates.",
		}, []string{"service", "version"},
	)
	serviceInstallFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackd",
			Subsystem: "service",
			Name:      "install_failures_total",
			Help:      "Number of failed installs, by failure stage.",
		}, []string{"service", "stage"},
	)
	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackd",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service starts.",
		}, []string{"service"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackd",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of stops (graceful or forced).",
		}, []string{"service"},
	)
	serviceCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackd",
			Subsystem: "service",
			Name:      "crashes_total",
			Help:      "Number of unexpected process exits.",
		}, []string{"service"},
	)
	configReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackd",
			Subsystem: "service",
			Name:      "config_reloads_total",
			Help:      "Number of restarts triggered by config changes.",
		}, []string{"service"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackd",
			Subsystem: "service",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"service", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "stackd",
			Subsystem: "service",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"service", "state"},
	)
)

// Register registers all metrics with the provided registerer. Safe to call
// multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serviceInstalls, serviceInstallFailures, serviceStarts, serviceStops,
		serviceCrashes, configReloads, stateTransitions, currentStates,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
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

// Handler serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has been called.

func IncInstall(service, version string) {
	if regOK.Load() {
		serviceInstalls.WithLabelValues(service, version).Inc()
	}
}

func IncInstallFailure(service, stage string) {
	if regOK.Load() {
		serviceInstallFailures.WithLabelValues(service, stage).Inc()
	}
}

func IncStart(service string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(service).Inc()
	}
}

func IncStop(service string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(service).Inc()
	}
}

func IncCrash(service string) {
	if regOK.Load() {
		serviceCrashes.WithLabelValues(service).Inc()
	}
}

func IncConfigReload(service string) {
	if regOK.Load() {
		configReloads.WithLabelValues(service).Inc()
	}
}

func RecordStateTransition(service, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(service, from, to).Inc()
	}
}

func SetCurrentState(service, state string, active bool) {
	if regOK.Load() {
		var v float64
		if active {
			v = 1
		}
		currentStates.WithLabelValues(service, state).Set(v)
	}
}
