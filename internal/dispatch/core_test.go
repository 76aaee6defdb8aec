package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bsn2000/dispatchcore/internal/billing"
	"github.com/bsn2000/dispatchcore/internal/corerr"
	"github.com/bsn2000/dispatchcore/internal/ledgerstore/memstore"
	"github.com/bsn2000/dispatchcore/internal/metrics"
	"github.com/bsn2000/dispatchcore/internal/models"
	"github.com/bsn2000/dispatchcore/internal/queue/memory"
	"github.com/bsn2000/dispatchcore/internal/retry"
)

type testFixture struct {
	core       *Core
	store      *memstore.Store
	customerID uuid.UUID
	jobTypeID  uuid.UUID
}

func newFixture(t *testing.T, walletBalanceCents int64, policy *models.RetryPolicy) *testFixture {
	t.Helper()
	store := memstore.New()
	broker := memory.New(20 * time.Millisecond)
	t.Cleanup(func() { broker.Close() })

	m := metrics.New(prometheus.NewRegistry())
	billingSvc := billing.New(store, m)
	core := New(store, broker, billingSvc, retry.ExponentialBackoff{}, nil, m)

	customerID := uuid.New()
	store.SeedWallet(customerID, walletBalanceCents)

	jt := &models.JobType{
		ID:                  uuid.New(),
		Name:                "render",
		ProcessingLogicID:   "echo",
		StandardCostCents:   100,
		AllowedOverageCents: 0,
		Enabled:             true,
		RetryPolicy:         policy,
	}
	if err := store.CreateJobType(context.Background(), jt); err != nil {
		t.Fatalf("create job type: %v", err)
	}

	return &testFixture{core: core, store: store, customerID: customerID, jobTypeID: jt.ID}
}

func Test_Submit_ReservesFundsAndEnqueuesPending(t *testing.T) {
	f := newFixture(t, 10_000, nil)
	ctx := context.Background()

	job, err := f.core.Submit(ctx, f.customerID, f.jobTypeID, nil, models.PriorityMedium, []byte(`{}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != models.StatusPending {
		t.Fatalf("status = %v, want Pending", job.Status)
	}

	w, _ := f.store.GetWalletByCustomer(ctx, f.customerID)
	if w.ReservedCents != 100 {
		t.Errorf("reserved = %d, want 100", w.ReservedCents)
	}
}

func Test_Submit_RejectsWhenInsufficientFunds(t *testing.T) {
	f := newFixture(t, 50, nil)
	_, err := f.core.Submit(context.Background(), f.customerID, f.jobTypeID, nil, models.PriorityMedium, []byte(`{}`))
	if !corerr.IsInsufficientFunds(err) {
		t.Fatalf("got %v, want InsufficientFundsError", err)
	}
}

func Test_Submit_RejectsDisabledJobType(t *testing.T) {
	f := newFixture(t, 10_000, nil)
	ctx := context.Background()
	jt, _ := f.store.GetJobType(ctx, f.jobTypeID)
	_ = f.store.SetJobTypeEnabled(ctx, jt.ID, false)

	_, err := f.core.Submit(ctx, f.customerID, f.jobTypeID, nil, models.PriorityMedium, []byte(`{}`))
	if err != corerr.ErrJobTypeDisabled {
		t.Fatalf("got %v, want ErrJobTypeDisabled", err)
	}
}

func Test_HappyPath_SubmitClaimComplete(t *testing.T) {
	f := newFixture(t, 10_000, nil)
	ctx := context.Background()

	job, err := f.core.Submit(ctx, f.customerID, f.jobTypeID, nil, models.PriorityHigh, []byte(`{}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	claimed, err := f.core.Claim(ctx, job.ID, "runner-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil {
		t.Fatal("expected claim to succeed")
	}
	if claimed.Status != models.StatusRunning {
		t.Fatalf("status = %v, want Running", claimed.Status)
	}

	completed, err := f.core.Complete(ctx, job.ID, 90, []byte(`"ok"`))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status != models.StatusSucceeded {
		t.Fatalf("status = %v, want Succeeded", completed.Status)
	}

	w, _ := f.store.GetWalletByCustomer(ctx, f.customerID)
	if w.ReservedCents != 0 {
		t.Errorf("reserved = %d, want 0", w.ReservedCents)
	}
	if w.BalanceCents != 10_000-90 {
		t.Errorf("balance = %d, want %d", w.BalanceCents, 10_000-90)
	}
}

func Test_Claim_LosingTheCASRaceReturnsNilWithoutError(t *testing.T) {
	f := newFixture(t, 10_000, nil)
	ctx := context.Background()

	job, _ := f.core.Submit(ctx, f.customerID, f.jobTypeID, nil, models.PriorityMedium, []byte(`{}`))
	if _, err := f.core.Claim(ctx, job.ID, "runner-1"); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	second, err := f.core.Claim(ctx, job.ID, "runner-2")
	if err != nil {
		t.Fatalf("second claim should not error, got %v", err)
	}
	if second != nil {
		t.Fatal("second claim should return nil, job already running")
	}
}

func Test_Fail_TransientErrorSchedulesRetryWithReservationIntact(t *testing.T) {
	f := newFixture(t, 10_000, &models.RetryPolicy{
		MaxAttempts: 5, InitialIntervalSeconds: 0.01, BackoffMultiplier: 1,
	})
	ctx := context.Background()

	job, _ := f.core.Submit(ctx, f.customerID, f.jobTypeID, nil, models.PriorityMedium, []byte(`{}`))
	_, _ = f.core.Claim(ctx, job.ID, "runner-1")

	updated, err := f.core.Fail(ctx, job.ID, corerr.NewTransient("temporary glitch"))
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if updated.Status != models.StatusPendingRetry {
		t.Fatalf("status = %v, want PendingRetry", updated.Status)
	}

	w, _ := f.store.GetWalletByCustomer(ctx, f.customerID)
	if w.ReservedCents != 100 {
		t.Errorf("reserved = %d, want 100 (untouched across retry)", w.ReservedCents)
	}
}

func Test_Fail_ExhaustingAttemptsFinalizesFailedAndReleasesReservation(t *testing.T) {
	f := newFixture(t, 10_000, &models.RetryPolicy{
		MaxAttempts: 1, InitialIntervalSeconds: 0.01, BackoffMultiplier: 1,
	})
	ctx := context.Background()

	job, _ := f.core.Submit(ctx, f.customerID, f.jobTypeID, nil, models.PriorityMedium, []byte(`{}`))
	_, _ = f.core.Claim(ctx, job.ID, "runner-1")

	updated, err := f.core.Fail(ctx, job.ID, corerr.NewTransient("still broken"))
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if updated.Status != models.StatusFailed {
		t.Fatalf("status = %v, want Failed (attempt budget exhausted)", updated.Status)
	}

	w, _ := f.store.GetWalletByCustomer(ctx, f.customerID)
	if w.ReservedCents != 0 {
		t.Errorf("reserved = %d, want 0 (released on terminal failure)", w.ReservedCents)
	}
}

func Test_Fail_PermanentErrorFailsImmediatelyRegardlessOfAttemptBudget(t *testing.T) {
	f := newFixture(t, 10_000, &models.RetryPolicy{
		MaxAttempts: 10, InitialIntervalSeconds: 0.01, BackoffMultiplier: 1,
	})
	ctx := context.Background()

	job, _ := f.core.Submit(ctx, f.customerID, f.jobTypeID, nil, models.PriorityMedium, []byte(`{}`))
	_, _ = f.core.Claim(ctx, job.ID, "runner-1")

	updated, err := f.core.Fail(ctx, job.ID, corerr.NewPermanent("bad input, never retry"))
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if updated.Status != models.StatusFailed {
		t.Fatalf("status = %v, want Failed", updated.Status)
	}
}

func Test_Cancel_PendingJobReleasesReservationAndRemovesFromBroker(t *testing.T) {
	f := newFixture(t, 10_000, nil)
	ctx := context.Background()

	job, _ := f.core.Submit(ctx, f.customerID, f.jobTypeID, nil, models.PriorityMedium, []byte(`{}`))
	cancelled, err := f.core.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != models.StatusCancelled {
		t.Fatalf("status = %v, want Cancelled", cancelled.Status)
	}

	w, _ := f.store.GetWalletByCustomer(ctx, f.customerID)
	if w.ReservedCents != 0 {
		t.Errorf("reserved = %d, want 0", w.ReservedCents)
	}
	if _, ok, _ := f.core.broker.BlockingPop(ctx, 50*time.Millisecond); ok {
		t.Error("cancelled job should have been removed from the broker")
	}
}

func Test_Cancel_RunningJobIsRejected(t *testing.T) {
	f := newFixture(t, 10_000, nil)
	ctx := context.Background()

	job, _ := f.core.Submit(ctx, f.customerID, f.jobTypeID, nil, models.PriorityMedium, []byte(`{}`))
	_, _ = f.core.Claim(ctx, job.ID, "runner-1")

	_, err := f.core.Cancel(ctx, job.ID)
	if err != corerr.ErrNotCancellable {
		t.Fatalf("got %v, want ErrNotCancellable", err)
	}
}

func Test_Cancel_TwiceIsRejectedTheSecondTime(t *testing.T) {
	f := newFixture(t, 10_000, nil)
	ctx := context.Background()

	job, _ := f.core.Submit(ctx, f.customerID, f.jobTypeID, nil, models.PriorityMedium, []byte(`{}`))
	if _, err := f.core.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if _, err := f.core.Cancel(ctx, job.ID); err == nil {
		t.Fatal("second cancel on an already-terminal job should fail")
	}
}
