// Package telemetry exposes the harness's own prometheus metrics: trial
// outcomes and latencies, and load-test worker activity.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	trialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "policybench_trials_total",
		Help: "Trials executed by backend, category and outcome",
	}, []string{"backend", "category", "outcome"})

	trialDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "policybench_trial_duration_seconds",
		Help:    "Duration of successful trials",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"backend", "category"})

	workersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "policybench_workers_active",
		Help: "Concurrent load-test workers currently issuing operations",
	})

	baselineRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "policybench_baselines_recorded_total",
		Help: "Baseline summaries recorded per category",
	}, []string{"category"})
)

func ObserveTrial(backend, category string, success bool, d time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	trialsTotal.WithLabelValues(backend, category, outcome).Inc()
	if success {
		trialDuration.WithLabelValues(backend, category).Observe(d.Seconds())
	}
}

func WorkerStarted()  { workersActive.Inc() }
func WorkerFinished() { workersActive.Dec() }

func BaselineRecorded(category string) {
	baselineRecords.WithLabelValues(category).Inc()
}
