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

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "voicerig",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service starts.",
		}, []string{"service"},
	)
	serviceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "voicerig",
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Number of monitor-triggered service restarts.",
		}, []string{"service"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "voicerig",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of service stops (graceful or kill).",
		}, []string{"service"},
	)
	serviceUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "voicerig",
			Subsystem: "service",
			Name:      "up",
			Help:      "Last probe outcome per service (1 healthy, 0 not).",
		}, []string{"service"},
	)
	probeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "voicerig",
			Subsystem: "service",
			Name:      "probe_failures_total",
			Help:      "Number of failed health probes per service.",
		}, []string{"service"},
	)

	workerRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "voicerig",
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Number of worker restarts performed by the supervisor.",
		},
	)
	workerBackoff = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "voicerig",
			Subsystem: "worker",
			Name:      "backoff_seconds",
			Help:      "Delay the supervisor will wait before the next restart.",
		},
	)
	workerPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "voicerig",
			Subsystem: "worker",
			Name:      "phase",
			Help:      "Current supervisor phase (1 = active phase, 0 = inactive).",
		}, []string{"phase"},
	)

	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "voicerig",
			Subsystem: "registry",
			Name:      "connections_active",
			Help:      "Currently registered transport sessions.",
		},
	)
	identitiesMinted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "voicerig",
			Subsystem: "registry",
			Name:      "identities_total",
			Help:      "Session identities minted.",
		},
	)
	emergencyCleanups = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "voicerig",
			Subsystem: "registry",
			Name:      "emergency_cleanups_total",
			Help:      "Emergency cleanups performed before worker restarts.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serviceStarts, serviceRestarts, serviceStops, serviceUp, probeFailures,
		workerRestarts, workerBackoff, workerPhase,
		activeConnections, identitiesMinted, emergencyCleanups,
	}
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

// Handler returns an http.Handler serving Prometheus metrics for the
// DefaultGatherer. The caller wires the route and server.
func Handler() http.Handler { return promhttp.Handler() }

// Lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncServiceStart(service string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(service).Inc()
	}
}

func IncServiceRestart(service string) {
	if regOK.Load() {
		serviceRestarts.WithLabelValues(service).Inc()
	}
}

func IncServiceStop(service string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(service).Inc()
	}
}

func SetServiceUp(service string, up bool) {
	if regOK.Load() {
		v := 0.0
		if up {
			v = 1.0
		}
		serviceUp.WithLabelValues(service).Set(v)
	}
}

func IncProbeFailure(service string) {
	if regOK.Load() {
		probeFailures.WithLabelValues(service).Inc()
	}
}

func IncWorkerRestart() {
	if regOK.Load() {
		workerRestarts.Inc()
	}
}

func SetWorkerBackoff(seconds float64) {
	if regOK.Load() {
		workerBackoff.Set(seconds)
	}
}

func SetWorkerPhase(phase string, active bool) {
	if regOK.Load() {
		v := 0.0
		if active {
			v = 1.0
		}
		workerPhase.WithLabelValues(phase).Set(v)
	}
}

func SetActiveConnections(n int) {
	if regOK.Load() {
		activeConnections.Set(float64(n))
	}
}

func IncIdentityMinted() {
	if regOK.Load() {
		identitiesMinted.Inc()
	}
}

func IncEmergencyCleanup() {
	if regOK.Load() {
		emergencyCleanups.Inc()
	}
}
