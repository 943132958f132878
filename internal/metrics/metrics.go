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

	rpcCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oms",
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "RPC calls to daemons by outcome (ok|error).",
		}, []string{"result"},
	)
	rpcDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "oms",
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "Round-trip duration of RPC calls.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		},
	)
	traceDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "oms",
			Subsystem: "rpc",
			Name:      "trace_dropped_total",
			Help:      "Trace records dropped because the trace writer was saturated.",
		},
	)
	nodePolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oms",
			Subsystem: "node",
			Name:      "polls_total",
			Help:      "Status polls per node by outcome (ok|error).",
		}, []string{"node", "result"},
	)
	livenessProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oms",
			Subsystem: "liveness",
			Name:      "probes_total",
			Help:      "Camera liveness probes by method and verdict.",
		}, []string{"method", "result"},
	)
	camerasAlive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "oms",
			Subsystem: "liveness",
			Name:      "cameras_alive",
			Help:      "Cameras reported alive by the last probe cycle.",
		},
	)
	runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oms",
			Subsystem: "run",
			Name:      "finished_total",
			Help:      "Finished orchestration runs by kind (restart|connect|camera_connect) and final state.",
		}, []string{"kind", "state"},
	)
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "oms",
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Duration of orchestration runs.",
			Buckets:   []float64{1, 5, 10, 20, 30, 45, 60, 90, 120, 180},
		}, []string{"kind"},
	)
	restartJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oms",
			Subsystem: "restart",
			Name:      "jobs_total",
			Help:      "Restart jobs by outcome (confirmed|settled|failed).",
		}, []string{"result"},
	)
	connectStepFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oms",
			Subsystem: "connect",
			Name:      "step_failures_total",
			Help:      "Connect sequence steps that produced no data.",
		}, []string{"step"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		rpcCalls, rpcDuration, traceDropped, nodePolls, livenessProbes, camerasAlive,
		runs, runDuration, restartJobs, connectStepFailures,
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func ObserveRPC(ok bool, seconds float64) {
	if regOK.Load() {
		rpcCalls.WithLabelValues(result(ok)).Inc()
		rpcDuration.Observe(seconds)
	}
}

func IncTraceDropped() {
	if regOK.Load() {
		traceDropped.Inc()
	}
}

func IncNodePoll(node string, ok bool) {
	if regOK.Load() {
		nodePolls.WithLabelValues(node, result(ok)).Inc()
	}
}

func IncProbe(method string, alive bool) {
	if regOK.Load() {
		r := "dead"
		if alive {
			r = "alive"
		}
		livenessProbes.WithLabelValues(method, r).Inc()
	}
}

func SetCamerasAlive(n int) {
	if regOK.Load() {
		camerasAlive.Set(float64(n))
	}
}

func ObserveRun(kind, state string, seconds float64) {
	if regOK.Load() {
		runs.WithLabelValues(kind, state).Inc()
		runDuration.WithLabelValues(kind).Observe(seconds)
	}
}

func AddRestartJobs(outcome string, n int) {
	if regOK.Load() && n > 0 {
		restartJobs.WithLabelValues(outcome).Add(float64(n))
	}
}

func IncConnectStepFailure(step string) {
	if regOK.Load() {
		connectStepFailures.WithLabelValues(step).Inc()
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
