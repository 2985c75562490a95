// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	GateEvaluations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rollout_gate_evaluations_total",
		Help: "Total number of gate evaluations by scorer and status",
	}, []string{"scorer", "status"})
	StageTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rollout_stage_transitions_total",
		Help: "Total number of state machine transitions by from/to state",
	}, []string{"from", "to"})
	Rollbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rollout_rollbacks_total",
		Help: "Total number of automatic rollbacks by reason",
	}, []string{"reason"})
	CanaryWeight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rollout_canary_weight",
		Help: "Current canary traffic weight (0-100) by deployment",
	}, []string{"deployment"})
	MonitorTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rollout_monitor_tick_duration_seconds",
		Help:    "Histogram of score monitor tick durations",
		Buckets: prometheus.DefBuckets,
	})
	QueryClientFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rollout_queryclient_failures_total",
		Help: "Total number of QueryClient requests that exhausted retries or failed with a non-retryable error",
	})
	QueryClientBackoff = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rollout_queryclient_last_backoff_ms",
		Help: "Last backoff duration applied by the QueryClient, in milliseconds",
	})
)

func init() {
	prometheus.MustRegister(GateEvaluations, StageTransitions, Rollbacks, CanaryWeight, MonitorTickDuration, QueryClientFailures, QueryClientBackoff)
}

// StartMetricsServer exposes /metrics and returns a server for
// controlled shutdown.
func StartMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
