package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bsn2000/dispatchcore/internal/corerr"
	"github.com/bsn2000/dispatchcore/internal/ledgerstore/memstore"
	"github.com/bsn2000/dispatchcore/internal/metrics"
)

func newTestService(t *testing.T) (*Service, *memstore.Store, uuid.UUID) {
	t.Helper()
	store := memstore.New()
	m := metrics.New(prometheus.NewRegistry())
	customerID := uuid.New()
	store.SeedWallet(customerID, 10_000)
	return New(store, m), store, customerID
}

func Test_Reserve_MovesFundsFromAvailableToReserved(t *testing.T) {
	svc, store, customerID := newTestService(t)
	jobID := uuid.New()

	if err := svc.Reserve(context.Background(), customerID, 3_000, jobID); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	w, err := store.GetWalletByCustomer(context.Background(), customerID)
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if w.ReservedCents != 3_000 {
		t.Errorf("reserved = %d, want 3000", w.ReservedCents)
	}
	if w.Available() != 7_000 {
		t.Errorf("available = %d, want 7000", w.Available())
	}
}

func Test_Reserve_RejectsWhenInsufficientFunds(t *testing.T) {
	svc, _, customerID := newTestService(t)
	err := svc.Reserve(context.Background(), customerID, 50_000, uuid.New())
	if !corerr.IsInsufficientFunds(err) {
		t.Fatalf("got %v, want InsufficientFundsError", err)
	}
}

func Test_Release_ReturnsReservationWithoutTouchingBalance(t *testing.T) {
	svc, store, customerID := newTestService(t)
	jobID := uuid.New()
	ctx := context.Background()

	if err := svc.Reserve(ctx, customerID, 2_000, jobID); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := svc.Release(ctx, customerID, 2_000, jobID); err != nil {
		t.Fatalf("release: %v", err)
	}

	w, _ := store.GetWalletByCustomer(ctx, customerID)
	if w.ReservedCents != 0 {
		t.Errorf("reserved = %d, want 0", w.ReservedCents)
	}
	if w.BalanceCents != 10_000 {
		t.Errorf("balance = %d, want unchanged 10000", w.BalanceCents)
	}
}

func Test_Settle_ChargesFinalCostAndReleasesUnusedReservation(t *testing.T) {
	svc, store, customerID := newTestService(t)
	jobID := uuid.New()
	ctx := context.Background()

	if err := svc.Reserve(ctx, customerID, 5_000, jobID); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	tx, err := store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	if err := svc.Settle(ctx, tx, customerID, 5_000, 4_200, 0, jobID); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	w, _ := store.GetWalletByCustomer(ctx, customerID)
	if w.ReservedCents != 0 {
		t.Errorf("reserved = %d, want 0", w.ReservedCents)
	}
	if w.BalanceCents != 10_000-4_200 {
		t.Errorf("balance = %d, want %d", w.BalanceCents, 10_000-4_200)
	}
}

func Test_Settle_AllowsOverageWithinBudget(t *testing.T) {
	svc, store, customerID := newTestService(t)
	jobID := uuid.New()
	ctx := context.Background()

	_ = svc.Reserve(ctx, customerID, 1_000, jobID)
	tx, _ := store.BeginTx(ctx)
	if err := svc.Settle(ctx, tx, customerID, 1_000, 1_200, 500, jobID); err != nil {
		t.Fatalf("settle within allowed overage: %v", err)
	}
}

func Test_Settle_RejectsOverageBeyondBudget(t *testing.T) {
	svc, store, customerID := newTestService(t)
	jobID := uuid.New()
	ctx := context.Background()

	_ = svc.Reserve(ctx, customerID, 1_000, jobID)
	tx, _ := store.BeginTx(ctx)
	err := svc.Settle(ctx, tx, customerID, 1_000, 2_000, 500, jobID)
	var overage *corerr.OverageError
	if !errors.As(err, &overage) {
		t.Fatalf("got %v, want *corerr.OverageError", err)
	}
}

func Test_Credit_AddsToBalanceWithoutAffectingReserved(t *testing.T) {
	svc, store, customerID := newTestService(t)
	ctx := context.Background()
	_ = svc.Reserve(ctx, customerID, 1_000, uuid.New())

	if err := svc.Credit(ctx, customerID, 500, "promo credit"); err != nil {
		t.Fatalf("credit: %v", err)
	}

	w, _ := store.GetWalletByCustomer(ctx, customerID)
	if w.BalanceCents != 10_500 {
		t.Errorf("balance = %d, want 10500", w.BalanceCents)
	}
	if w.ReservedCents != 1_000 {
		t.Errorf("reserved = %d, want unchanged 1000", w.ReservedCents)
	}
}

func Test_Refund_AddsBackPreviouslyChargedFunds(t *testing.T) {
	svc, store, customerID := newTestService(t)
	ctx := context.Background()

	if err := svc.Refund(ctx, customerID, 750, uuid.New(), "failed job refund"); err != nil {
		t.Fatalf("refund: %v", err)
	}
	w, _ := store.GetWalletByCustomer(ctx, customerID)
	if w.BalanceCents != 10_750 {
		t.Errorf("balance = %d, want 10750", w.BalanceCents)
	}
}

func Test_WalletOf_ReturnsUnknownCustomerForMissingWallet(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.WalletOf(context.Background(), uuid.New())
	if err != corerr.ErrUnknownCustomer {
		t.Fatalf("got %v, want ErrUnknownCustomer", err)
	}
}
