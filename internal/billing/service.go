// Package billing is the Billing Core: reserve, settle, release, credit
// and refund against a customer's wallet, built as five
// ledger-row-producing operations over the wallet's two-layer
// balance/reserved model.
package billing

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/bsn2000/dispatchcore/internal/corerr"
	"github.com/bsn2000/dispatchcore/internal/ledgerstore"
	"github.com/bsn2000/dispatchcore/internal/metrics"
	"github.com/bsn2000/dispatchcore/internal/models"
)

// Service is the Billing Core. Its SQLite-backed store has no real
// row-level locking, so Service layers a per-customer mutex on top of the
// store's own transactions: an exclusive lock on the wallet row held at
// the Go level rather than the database's.
type Service struct {
	store   ledgerstore.Store
	metrics *metrics.Metrics

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

// New builds a Billing Core over store.
func New(store ledgerstore.Store, m *metrics.Metrics) *Service {
	return &Service{store: store, metrics: m, locks: make(map[uuid.UUID]*sync.Mutex)}
}

func (s *Service) lockFor(customerID uuid.UUID) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[customerID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[customerID] = l
	}
	return l
}

func (s *Service) record(kind string, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.WalletOps.WithLabelValues(kind, outcome).Inc()
}

// Reserve implements Billing.reserve: moves amountCents from available into
// reserved, failing with InsufficientFundsError if balance - reserved would
// go negative.
func (s *Service) Reserve(ctx context.Context, customerID uuid.UUID, amountCents int64, jobID uuid.UUID) error {
	lock := s.lockFor(customerID)
	lock.Lock()
	defer lock.Unlock()

	err := s.store.ReserveFunds(ctx, customerID, amountCents, jobID)
	s.record("reserve", err)
	return err
}

// Release implements Billing.release: returns a reservation to available
// without moving money, used on Cancel.
func (s *Service) Release(ctx context.Context, customerID uuid.UUID, amountCents int64, jobID uuid.UUID) error {
	lock := s.lockFor(customerID)
	lock.Lock()
	defer lock.Unlock()

	err := s.store.ReleaseReservation(ctx, customerID, amountCents, jobID)
	s.record("release", err)
	return err
}

// Settle implements Billing.settle: charges finalCostCents against balance
// and clears reservedCents from reserved, inside the caller's transaction
// so it commits atomically with the Job CAS to Succeeded. finalCostCents
// greater than reservedCents by more than the job type's allowed overage
// is rejected by default.
func (s *Service) Settle(ctx context.Context, tx *ledgerstore.Tx, customerID uuid.UUID, reservedCents, finalCostCents int64, allowedOverageCents int64, jobID uuid.UUID) error {
	lock := s.lockFor(customerID)
	lock.Lock()
	defer lock.Unlock()

	if finalCostCents > reservedCents+allowedOverageCents {
		err := &corerr.OverageError{ReservedCents: reservedCents, FinalCents: finalCostCents, AllowedCents: allowedOverageCents}
		s.record("settle", err)
		return err
	}
	err := s.store.SettleInTx(ctx, tx, customerID, reservedCents, finalCostCents, jobID)
	s.record("settle", err)
	return err
}

// Credit implements Billing.credit: adds funds to balance with no effect on
// reserved, e.g. a top-up.
func (s *Service) Credit(ctx context.Context, customerID uuid.UUID, amountCents int64, description string) error {
	lock := s.lockFor(customerID)
	lock.Lock()
	defer lock.Unlock()

	err := s.store.Credit(ctx, customerID, amountCents, description)
	s.record("credit", err)
	return err
}

// Refund implements Billing.refund: returns previously charged funds to
// balance, e.g. reimbursing a job that was charged when it Succeeded.
func (s *Service) Refund(ctx context.Context, customerID uuid.UUID, amountCents int64, jobID uuid.UUID, description string) error {
	lock := s.lockFor(customerID)
	lock.Lock()
	defer lock.Unlock()

	err := s.store.Refund(ctx, customerID, amountCents, jobID, description)
	s.record("refund", err)
	return err
}

// WalletOf returns the current wallet snapshot for a customer, e.g. for the
// submission surface's balance display.
func (s *Service) WalletOf(ctx context.Context, customerID uuid.UUID) (*models.Wallet, error) {
	return s.store.GetWalletByCustomer(ctx, customerID)
}
