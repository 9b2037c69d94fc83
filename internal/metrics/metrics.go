package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register and
// every helper no-ops until that happens.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devrig",
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of process starts.",
		}, []string{"name"},
	)
	processRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devrig",
			Subsystem: "process",
			Name:      "restarts_total",
			Help:      "Number of policy-driven restarts.",
		}, []string{"name"},
	)
	processCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devrig",
			Subsystem: "process",
			Name:      "crashes_total",
			Help:      "Number of unexpected exits.",
		}, []string{"name"},
	)
	processReady = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devrig",
			Subsystem: "process",
			Name:      "ready_total",
			Help:      "Number of transitions into the ready state.",
		}, []string{"name"},
	)
	processHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "devrig",
			Subsystem: "process",
			Name:      "healthy",
			Help:      "Last health probe result (1 healthy, 0 unhealthy).",
		}, []string{"name"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "devrig",
			Subsystem: "process",
			Name:      "current_state",
			Help:      "Current state of processes (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
)

// Register registers all metrics with the provided registerer. Safe to call
// multiple times.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{processStarts, processRestarts, processCrashes, processReady, processHealthy, currentStates}
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

// RegisterDefault registers against the default Prometheus registry.
func RegisterDefault() error { return Register(prometheus.DefaultRegisterer) }

// Handler serves the default gatherer; the caller wires the route.
func Handler() http.Handler { return promhttp.Handler() }

// Serve runs a standalone metrics listener on addr.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}

func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		processRestarts.WithLabelValues(name).Inc()
	}
}

func IncCrash(name string) {
	if regOK.Load() {
		processCrashes.WithLabelValues(name).Inc()
	}
}

func IncReady(name string) {
	if regOK.Load() {
		processReady.WithLabelValues(name).Inc()
	}
}

func SetHealthy(name string, healthy bool) {
	if !regOK.Load() {
		return
	}
	v := 0.0
	if healthy {
		v = 1.0
	}
	processHealthy.WithLabelValues(name).Set(v)
}

// SetCurrentState flips the per-state gauge when a process changes state.
func SetCurrentState(name, state string, active bool) {
	if !regOK.Load() {
		return
	}
	v := 0.0
	if active {
		v = 1.0
	}
	currentStates.WithLabelValues(name, state).Set(v)
}
