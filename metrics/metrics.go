// Package metrics registers Prometheus metrics for the settlement engine.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "settlement_"

	// ResultSuccess and ResultError label run and request outcomes.
	ResultSuccess = "success"
	ResultError   = "error"
)

var (
	registerOnce sync.Once

	runTotal   *prometheus.CounterVec
	runLatency *prometheus.HistogramVec

	remittancesCreated prometheus.Counter
	workersSkipped     *prometheus.CounterVec

	statusReports *prometheus.CounterVec
)

// Init registers all metrics. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		runTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "runs_total",
				Help: "Total settlement runs by result",
			},
			[]string{"result"},
		)
		runLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "run_latency_seconds",
				Help:    "Settlement run latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		remittancesCreated = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "remittances_created_total",
				Help: "Total non-zero remittances created",
			},
		)
		workersSkipped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "workers_skipped_total",
				Help: "Workers skipped during a run, by reason",
			},
			[]string{"reason"},
		)
		statusReports = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "remittance_status_reports_total",
				Help: "External payment rail verdicts by status",
			},
			[]string{"status"},
		)

		prometheus.MustRegister(
			runTotal,
			runLatency,
			remittancesCreated,
			workersSkipped,
			statusReports,
		)
	})
}

// ObserveRun records one settlement run.
func ObserveRun(result string, d time.Duration) {
	if runTotal == nil {
		return
	}
	runTotal.WithLabelValues(result).Inc()
	runLatency.WithLabelValues(result).Observe(d.Seconds())
}

// AddRemittances counts non-zero remittances created.
func AddRemittances(n int) {
	if remittancesCreated == nil || n <= 0 {
		return
	}
	remittancesCreated.Add(float64(n))
}

// SkipWorker counts a worker skipped during a run ("zero", "conflict",
// "error").
func SkipWorker(reason string) {
	if workersSkipped == nil {
		return
	}
	workersSkipped.WithLabelValues(reason).Inc()
}

// ObserveStatusReport counts an external status verdict.
func ObserveStatusReport(status string) {
	if statusReports == nil {
		return
	}
	statusReports.WithLabelValues(status).Inc()
}
