// Package metrics exposes the platform's Prometheus counters and gauges
// using github.com/prometheus/client_golang in place of a hand-rolled
// atomic-counter Metrics struct.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/gauge the core emits.
type Metrics struct {
	JobsSubmitted   *prometheus.CounterVec
	JobsClaimed     *prometheus.CounterVec
	JobsSucceeded   *prometheus.CounterVec
	JobsFailed      *prometheus.CounterVec
	JobsCancelled   *prometheus.CounterVec
	JobsRetried     *prometheus.CounterVec
	WalletOps       *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
	ReconcilerRuns  prometheus.Counter
	RunnersActive   prometheus.Gauge
}

// New registers and returns a Metrics bundle against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatchcore_jobs_submitted_total",
			Help: "Jobs submitted, by job type.",
		}, []string{"job_type"}),
		JobsClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatchcore_jobs_claimed_total",
			Help: "Jobs claimed by a runner, by job type.",
		}, []string{"job_type"}),
		JobsSucceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatchcore_jobs_succeeded_total",
			Help: "Jobs that reached Succeeded, by job type.",
		}, []string{"job_type"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatchcore_jobs_failed_total",
			Help: "Jobs that reached Failed, by job type.",
		}, []string{"job_type"}),
		JobsCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatchcore_jobs_cancelled_total",
			Help: "Jobs that reached Cancelled, by job type.",
		}, []string{"job_type"}),
		JobsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatchcore_jobs_retried_total",
			Help: "Jobs moved to PendingRetry, by job type.",
		}, []string{"job_type"}),
		WalletOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatchcore_wallet_operations_total",
			Help: "Billing operations, by kind (reserve/settle/release/credit/refund) and outcome.",
		}, []string{"kind", "outcome"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatchcore_queue_depth",
			Help: "Pending job ids held by the broker, by priority band.",
		}, []string{"band"}),
		ReconcilerRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatchcore_reconciler_runs_total",
			Help: "Completed Reconciler scan cycles.",
		}),
		RunnersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatchcore_runners_active",
			Help: "Runners whose last heartbeat is within the staleness threshold.",
		}),
	}
	reg.MustRegister(
		m.JobsSubmitted, m.JobsClaimed, m.JobsSucceeded, m.JobsFailed,
		m.JobsCancelled, m.JobsRetried, m.WalletOps, m.QueueDepth,
		m.ReconcilerRuns, m.RunnersActive,
	)
	return m
}
