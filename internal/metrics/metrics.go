package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "metricwatch"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "cycles_total",
			Help:      "Supervisor cycles by outcome (ok, failed, panic).",
		}, []string{"result"},
	)
	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one supervisor cycle.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	configState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "state",
			Help:      "Counter configuration state (1 = current state).",
		}, []string{"state"},
	)
	configChanges = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "changes_total",
			Help:      "Number of fingerprint changes of the counter configuration.",
		},
	)
	subagentRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subagent",
			Name:      "running",
			Help:      "Whether the sub-agent was running at the last liveness check.",
		}, []string{"kind"},
	)
	restartAttempts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subagent",
			Name:      "restart_attempts",
			Help:      "Consecutive restart attempts of the sub-agent.",
		}, []string{"kind"},
	)
	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subagent",
			Name:      "operations_total",
			Help:      "Lifecycle operations issued to sub-agents.",
		}, []string{"kind", "op", "result"},
	)
	tokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credential",
			Name:      "refreshes_total",
			Help:      "Token refresh attempts by outcome.",
		}, []string{"result"},
	)
	tokenExpiry = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "credential",
			Name:      "expiry_timestamp_seconds",
			Help:      "Unix time at which the cached token expires; 0 when unknown.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{cycles, cycleDuration, configState, configChanges, subagentRunning,
		restartAttempts, operations, tokenRefreshes, tokenExpiry}
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

// Handler serves the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func ObserveCycle(result string, seconds float64) {
	if regOK.Load() {
		cycles.WithLabelValues(result).Inc()
		cycleDuration.Observe(seconds)
	}
}

// SetConfigState marks current as the only active state.
func SetConfigState(current string, all ...string) {
	if !regOK.Load() {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		configState.WithLabelValues(s).Set(v)
	}
}

func IncConfigChange() {
	if regOK.Load() {
		configChanges.Inc()
	}
}

func SetSubagent(kind string, running bool, attempts int) {
	if regOK.Load() {
		v := 0.0
		if running {
			v = 1
		}
		subagentRunning.WithLabelValues(kind).Set(v)
		restartAttempts.WithLabelValues(kind).Set(float64(attempts))
	}
}

func IncOperation(kind, op string, ok bool) {
	if regOK.Load() {
		operations.WithLabelValues(kind, op, result(ok)).Inc()
	}
}

func IncTokenRefresh(ok bool) {
	if regOK.Load() {
		tokenRefreshes.WithLabelValues(result(ok)).Inc()
	}
}

func SetTokenExpiry(unix int64) {
	if regOK.Load() {
		tokenExpiry.Set(float64(unix))
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
