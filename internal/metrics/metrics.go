// Package metrics exposes Prometheus collectors for the supervisor's own
// domain: process state, crash/restart counts, and the current mode.
// Structurally this mirrors the reference implementation's own metrics
// package (package-level collectors, a Register gate, no-op helpers before
// registration) retargeted at ProcessState/Mode instead of a generic
// process-manager's state machine.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	regOK atomic.Bool

	crashesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supervisor",
			Subsystem: "process",
			Name:      "crashes_total",
			Help:      "Number of crash exits observed per process.",
		}, []string{"name"},
	)
	restartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supervisor",
			Subsystem: "process",
			Name:      "manual_restarts_total",
			Help:      "Number of manual (zero-downtime) restarts per process.",
		}, []string{"name"},
	)
	buildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supervisor",
			Subsystem: "build",
			Name:      "attempts_total",
			Help:      "Build attempts per process, labeled by outcome.",
		}, []string{"name", "outcome"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "supervisor",
			Subsystem: "process",
			Name:      "current_state",
			Help:      "Current state of each process (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	consecutiveCrashes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "supervisor",
			Subsystem: "process",
			Name:      "consecutive_crashes",
			Help:      "Current consecutive-crash count per process.",
		}, []string{"name"},
	)
	modeGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "supervisor",
			Name:      "mode",
			Help:      "Current run mode (0 = release, 1 = dev).",
		},
	)
)

// Register registers all collectors with r. Safe to call more than once.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{crashesTotal, restartsTotal, buildsTotal, currentState, consecutiveCrashes, modeGauge}
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

// Handler serves the default registry's Prometheus exposition.
func Handler() http.Handler { return promhttp.Handler() }

func IncCrash(name string) {
	if regOK.Load() {
		crashesTotal.WithLabelValues(name).Inc()
	}
}

func IncManualRestart(name string) {
	if regOK.Load() {
		restartsTotal.WithLabelValues(name).Inc()
	}
}

func IncBuild(name, outcome string) {
	if regOK.Load() {
		buildsTotal.WithLabelValues(name, outcome).Inc()
	}
}

func SetState(name, state string, active bool) {
	if regOK.Load() {
		v := 0.0
		if active {
			v = 1
		}
		currentState.WithLabelValues(name, state).Set(v)
	}
}

func SetConsecutiveCrashes(name string, n int) {
	if regOK.Load() {
		consecutiveCrashes.WithLabelValues(name).Set(float64(n))
	}
}

func SetMode(dev bool) {
	if regOK.Load() {
		v := 0.0
		if dev {
			v = 1
		}
		modeGauge.Set(v)
	}
}
