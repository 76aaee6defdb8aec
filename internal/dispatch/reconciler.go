package dispatch

import (
	"context"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/bsn2000/dispatchcore/internal/billing"
	"github.com/bsn2000/dispatchcore/internal/corerr"
	"github.com/bsn2000/dispatchcore/internal/ledgerstore"
	"github.com/bsn2000/dispatchcore/internal/metrics"
	"github.com/bsn2000/dispatchcore/internal/models"
	"github.com/bsn2000/dispatchcore/internal/queue"
	"github.com/bsn2000/dispatchcore/internal/retry"
)

// duePromoter is implemented by broker backends with no native delayed-queue
// primitive, whose scheduled entries need an external ticker to move them
// into their ready band. redisbroker.Broker implements it; memory.Broker
// promotes internally off its own ticker and does not.
type duePromoter interface {
	PromoteDue(ctx context.Context, now time.Time) (int, error)
}

// Reconciler runs a periodic scan: it re-enqueues Pending/PendingRetry
// jobs so that ids the broker lost (e.g. a restarted in-memory broker) are
// recovered, and reclaims Running jobs whose runner has gone silent past
// staleness. The scan does not check which ids the broker still holds:
// every Pending job and every due PendingRetry job is enqueued again on
// each scan, and a PendingRetry job whose NextAttemptAt is still ahead is
// scheduled again; Claim's status CAS discards the duplicate ids.
// Scheduling uses robfig/cron/v3; a broker that needs an external
// delayed-retry promoter (redisbroker.Broker) is driven
// on its own faster time.Ticker, started alongside Start, since cron's
// minimum granularity is too coarse for sub-second promotion latency.
type Reconciler struct {
	store           ledgerstore.Store
	broker          queue.Broker
	billing         *billing.Service
	staleness       time.Duration
	promoteInterval time.Duration
	log             *zerolog.Logger
	metrics         *metrics.Metrics

	cron        *cronlib.Cron
	stopPromote chan struct{}
}

// NewReconciler builds a Reconciler that has not yet started ticking.
// promoteInterval is how often a broker implementing duePromoter (i.e.
// redisbroker.Broker) is polled to promote due scheduled entries; it is
// unused against a broker that doesn't implement that interface.
func NewReconciler(store ledgerstore.Store, broker queue.Broker, billingSvc *billing.Service, staleness, promoteInterval time.Duration, log *zerolog.Logger, m *metrics.Metrics) *Reconciler {
	return &Reconciler{store: store, broker: broker, billing: billingSvc, staleness: staleness, promoteInterval: promoteInterval, log: log, metrics: m}
}

// Start schedules the reconciliation scan on cronSchedule (e.g. "@every 15s")
// and begins running it. If the broker implements duePromoter, it also
// starts a faster ticker that drives PromoteDue so scheduled retries don't
// stall waiting on cron's coarser granularity. Call Stop to halt both.
func (r *Reconciler) Start(cronSchedule string) error {
	r.cron = cronlib.New()
	_, err := r.cron.AddFunc(cronSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.Scan(ctx); err != nil && r.log != nil {
			r.log.Error().Err(err).Msg("reconciler scan failed")
		}
	})
	if err != nil {
		return err
	}
	r.cron.Start()

	if promoter, ok := r.broker.(duePromoter); ok && r.promoteInterval > 0 {
		r.stopPromote = make(chan struct{})
		go r.runPromoter(promoter, r.stopPromote)
	}
	return nil
}

func (r *Reconciler) runPromoter(promoter duePromoter, stop chan struct{}) {
	ticker := time.NewTicker(r.promoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.promoteInterval)
			_, err := promoter.PromoteDue(ctx, now)
			cancel()
			if err != nil && r.log != nil {
				r.log.Error().Err(err).Msg("promote due scheduled jobs failed")
			}
		}
	}
}

// Stop halts the cron schedule, waiting for any in-flight scan to finish,
// and stops the delayed-retry promoter ticker if one was started.
func (r *Reconciler) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
	if r.stopPromote != nil {
		close(r.stopPromote)
		r.stopPromote = nil
	}
}

// Scan runs one reconciliation cycle. It is exported so callers such as
// tests can trigger a scan synchronously.
func (r *Reconciler) Scan(ctx context.Context) error {
	if err := r.reenqueueOrphans(ctx, models.StatusPending); err != nil {
		return err
	}
	if err := r.reenqueueOrphans(ctx, models.StatusPendingRetry); err != nil {
		return err
	}
	if err := r.reclaimStale(ctx); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.ReconcilerRuns.Inc()
	}
	return nil
}

func (r *Reconciler) reenqueueOrphans(ctx context.Context, status models.JobStatus) error {
	jobs, err := r.store.ListJobsByStatus(ctx, status)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.NextAttemptAt != nil && job.NextAttemptAt.After(time.Now()) {
			if err := r.broker.Schedule(ctx, job.ID, job.Priority, *job.NextAttemptAt); err != nil {
				return err
			}
			continue
		}
		if status == models.StatusPendingRetry {
			if _, err := r.store.CASRetryToPending(ctx, job.ID); err != nil {
				continue // store error; the next scan picks this job up again.
			}
		}
		if err := r.broker.Enqueue(ctx, job.ID, job.Priority); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) reclaimStale(ctx context.Context) error {
	cutoff := time.Now().Add(-r.staleness)
	staleJobs, err := r.store.ListRunningStale(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, job := range staleJobs {
		jt, jtErr := r.store.GetJobType(ctx, job.JobTypeID)
		policy := models.RetryPolicy{MaxAttempts: 1}
		jobTypeName := job.JobTypeID.String()
		if jtErr == nil && jt.RetryPolicy != nil {
			policy = *jt.RetryPolicy
		}
		if jtErr == nil {
			jobTypeName = jt.Name
		}

		// A crashed runner is a transient failure from the attempt budget's
		// point of view, same as Fail's own classification.
		if retry.Classify(corerr.NewTransient("runner went silent past staleness threshold"), job.AttemptCount, policy) == retry.OutcomeFailed {
			if _, err := r.store.CASRunningToFailed(ctx, job.ID, "runner went silent past staleness threshold; attempts exhausted"); err != nil {
				return err
			}
			if r.billing != nil {
				if err := r.billing.Release(ctx, job.CustomerID, job.EstimatedCostCents, job.ID); err != nil {
					return err
				}
			}
			if r.metrics != nil {
				r.metrics.JobsFailed.WithLabelValues(jobTypeName).Inc()
			}
			continue
		}

		nextAttemptAt := time.Now()
		updated, err := r.store.ReclaimStaleRunning(ctx, job.ID, nextAttemptAt)
		if err != nil || updated == nil {
			continue
		}
		if err := r.broker.Enqueue(ctx, job.ID, job.Priority); err != nil {
			return err
		}
	}

	staleRunners, err := r.store.ListStaleRunners(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, runner := range staleRunners {
		if err := r.store.MarkRunnerOffline(ctx, runner.ID); err != nil {
			return err
		}
	}
	return nil
}
