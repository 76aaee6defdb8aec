// Package dispatch is the Dispatch Core: the job lifecycle state machine
// (Submit/Claim/Complete/Fail/Cancel) plus the Reconciler that recovers
// orphaned and stale jobs. It composes the Ledger Store, Queue Broker,
// Billing Core and Retry Core, atomically where the three are tightly
// coupled (Complete) and independently elsewhere.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bsn2000/dispatchcore/internal/billing"
	"github.com/bsn2000/dispatchcore/internal/corerr"
	"github.com/bsn2000/dispatchcore/internal/ledgerstore"
	"github.com/bsn2000/dispatchcore/internal/metrics"
	"github.com/bsn2000/dispatchcore/internal/models"
	"github.com/bsn2000/dispatchcore/internal/queue"
	"github.com/bsn2000/dispatchcore/internal/ratelimit"
	"github.com/bsn2000/dispatchcore/internal/retry"
)

// Core wires the Ledger Store, Queue Broker, Billing Core and Retry Core
// into the five lifecycle operations.
type Core struct {
	store    ledgerstore.Store
	broker   queue.Broker
	billing  *billing.Service
	strategy retry.Strategy
	limiter  *ratelimit.Limiter
	metrics  *metrics.Metrics
}

// New builds a Dispatch Core. limiter may be nil to disable rate limiting.
func New(store ledgerstore.Store, broker queue.Broker, billingSvc *billing.Service, strategy retry.Strategy, limiter *ratelimit.Limiter, m *metrics.Metrics) *Core {
	if strategy == nil {
		strategy = retry.ExponentialBackoff{}
	}
	return &Core{store: store, broker: broker, billing: billingSvc, strategy: strategy, limiter: limiter, metrics: m}
}

// Submit implements Dispatch.Submit: validates the job type,
// reserves the estimated cost, inserts the Job row Pending, and enqueues
// its id. Reservation happens before the insert so a funds failure never
// leaves a half-created job.
func (c *Core) Submit(ctx context.Context, customerID, jobTypeID uuid.UUID, projectID *uuid.UUID, priority models.Priority, input []byte) (*models.Job, error) {
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: invalid priority %d", corerr.ErrNotFound, priority)
	}
	jt, err := c.store.GetJobType(ctx, jobTypeID)
	if err != nil {
		return nil, err
	}
	if !jt.Enabled {
		return nil, corerr.ErrJobTypeDisabled
	}
	if c.limiter != nil {
		if err := c.limiter.AllowSubmit(customerID.String()); err != nil {
			return nil, err
		}
	}

	jobID := uuid.New()
	if err := c.billing.Reserve(ctx, customerID, jt.StandardCostCents, jobID); err != nil {
		return nil, err
	}

	job := &models.Job{
		ID:                 jobID,
		CustomerID:         customerID,
		JobTypeID:          jobTypeID,
		ProjectID:          projectID,
		Status:             models.StatusPending,
		Priority:           priority,
		Input:              input,
		EstimatedCostCents: jt.StandardCostCents,
	}
	if err := c.store.InsertJob(ctx, job); err != nil {
		// Roll back the reservation; the job never became visible.
		_ = c.billing.Release(ctx, customerID, jt.StandardCostCents, jobID)
		return nil, fmt.Errorf("insert job: %w", err)
	}
	if err := c.broker.Enqueue(ctx, jobID, priority); err != nil {
		// Undo the insert and the reservation; the caller gets an error
		// and must not be left holding a job_id that was never enqueued.
		_, _ = c.store.CASToCancelled(ctx, jobID)
		_ = c.billing.Release(ctx, customerID, jt.StandardCostCents, jobID)
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	if c.metrics != nil {
		c.metrics.JobsSubmitted.WithLabelValues(jt.Name).Inc()
	}
	return job, nil
}

// Claim implements Dispatch.Claim: CAS the given job from
// Pending to Running for runnerID; a PendingRetry job whose NextAttemptAt
// has passed is first moved back to Pending. Returns nil, nil if the CAS
// lost the race (another runner claimed it first) — callers should treat
// that as "try the next candidate", not an error.
func (c *Core) Claim(ctx context.Context, jobID uuid.UUID, runnerID string) (*models.Job, error) {
	// A scheduled retry's id comes off the broker while its row is still
	// PendingRetry; once it is due it goes back to Pending so the CAS below
	// can claim it.
	if cur, gerr := c.store.GetJob(ctx, jobID); gerr == nil && cur.Status == models.StatusPendingRetry &&
		(cur.NextAttemptAt == nil || !cur.NextAttemptAt.After(time.Now())) {
		_, _ = c.store.CASRetryToPending(ctx, jobID)
	}
	if c.limiter != nil {
		// The slot is taken before the CAS and handed back below if the CAS
		// loses, since multiple slots may race to claim the same candidate id.
		job, err := c.store.GetJob(ctx, jobID)
		if err == nil {
			if lerr := c.limiter.AcquireRunningSlot(job.CustomerID.String()); lerr != nil {
				return nil, lerr
			}
		}
	}
	job, err := c.store.CASPendingToRunning(ctx, jobID, runnerID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		if c.limiter != nil {
			// Lost the CAS race; release the slot we speculatively took.
			if j2, gerr := c.store.GetJob(ctx, jobID); gerr == nil {
				c.limiter.ReleaseRunningSlot(j2.CustomerID.String())
			}
		}
		return nil, nil
	}
	if c.metrics != nil {
		jt, terr := c.store.GetJobType(ctx, job.JobTypeID)
		name := job.JobTypeID.String()
		if terr == nil {
			name = jt.Name
		}
		c.metrics.JobsClaimed.WithLabelValues(name).Inc()
	}
	return job, nil
}

// Complete implements Dispatch.Complete: in one transaction,
// CAS Running to Succeeded and settle the reservation against finalCostCents.
func (c *Core) Complete(ctx context.Context, jobID uuid.UUID, finalCostCents int64, output []byte) (*models.Job, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	jt, err := c.store.GetJobType(ctx, job.JobTypeID)
	if err != nil {
		return nil, err
	}

	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin complete tx: %w", err)
	}
	defer tx.Rollback()

	updated, err := c.store.CASRunningToSucceededInTx(ctx, tx, jobID, finalCostCents, output)
	if err != nil {
		return nil, err
	}
	if err := c.billing.Settle(ctx, tx, job.CustomerID, job.EstimatedCostCents, finalCostCents, jt.AllowedOverageCents, jobID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit complete: %w", err)
	}
	if c.limiter != nil {
		c.limiter.ReleaseRunningSlot(job.CustomerID.String())
	}

	if c.metrics != nil {
		c.metrics.JobsSucceeded.WithLabelValues(jt.Name).Inc()
	}
	return updated, nil
}

// Fail implements Dispatch.Fail: classifies procErr and either schedules a
// retry, leaving the reservation untouched, or finalizes Failed and
// releases the reservation.
func (c *Core) Fail(ctx context.Context, jobID uuid.UUID, procErr error) (*models.Job, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	jt, err := c.store.GetJobType(ctx, job.JobTypeID)
	if err != nil {
		return nil, err
	}
	policy := models.RetryPolicy{MaxAttempts: 1}
	if jt.RetryPolicy != nil {
		policy = *jt.RetryPolicy
	}

	outcome := retry.Classify(procErr, job.AttemptCount, policy)
	if outcome == retry.OutcomeRetry {
		nextAttemptAt := retry.NextAttemptAt(c.strategy, policy, job.AttemptCount, time.Now())
		updated, err := c.store.CASRunningToPendingRetry(ctx, jobID, procErr.Error(), nextAttemptAt)
		if err != nil {
			return nil, err
		}
		if err := c.broker.Schedule(ctx, jobID, job.Priority, nextAttemptAt); err != nil {
			return nil, fmt.Errorf("schedule retry: %w", err)
		}
		if c.limiter != nil {
			c.limiter.ReleaseRunningSlot(job.CustomerID.String())
		}
		if c.metrics != nil {
			c.metrics.JobsRetried.WithLabelValues(jt.Name).Inc()
		}
		return updated, nil
	}

	updated, err := c.store.CASRunningToFailed(ctx, jobID, procErr.Error())
	if err != nil {
		return nil, err
	}
	if err := c.billing.Release(ctx, job.CustomerID, job.EstimatedCostCents, jobID); err != nil {
		return nil, fmt.Errorf("release after failure: %w", err)
	}
	if c.limiter != nil {
		c.limiter.ReleaseRunningSlot(job.CustomerID.String())
	}
	if c.metrics != nil {
		c.metrics.JobsFailed.WithLabelValues(jt.Name).Inc()
	}
	return updated, nil
}

// Cancel implements Dispatch.Cancel: only Pending and PendingRetry jobs
// are cancellable. Running jobs are rejected; there is no preemption of
// in-flight work.
func (c *Core) Cancel(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.StatusPending && job.Status != models.StatusPendingRetry {
		return nil, corerr.ErrNotCancellable
	}

	updated, err := c.store.CASToCancelled(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := c.broker.Remove(ctx, jobID); err != nil {
		return nil, fmt.Errorf("remove cancelled job from broker: %w", err)
	}
	if err := c.billing.Release(ctx, job.CustomerID, job.EstimatedCostCents, jobID); err != nil {
		return nil, fmt.Errorf("release on cancel: %w", err)
	}
	if c.metrics != nil {
		jt, terr := c.store.GetJobType(ctx, job.JobTypeID)
		name := job.JobTypeID.String()
		if terr == nil {
			name = jt.Name
		}
		c.metrics.JobsCancelled.WithLabelValues(name).Inc()
	}
	return updated, nil
}

// Get implements Dispatch.get_job.
func (c *Core) Get(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	return c.store.GetJob(ctx, jobID)
}
