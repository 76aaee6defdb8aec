// Package memstore is an in-memory ledgerstore.Store fake: a map-backed
// struct implementing the real interface, so dispatch, billing and runner
// tests don't need SQLite.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bsn2000/dispatchcore/internal/corerr"
	"github.com/bsn2000/dispatchcore/internal/ledgerstore"
	"github.com/bsn2000/dispatchcore/internal/models"
)

// Store is the in-memory fake. All methods lock a single mutex; it is not
// meant to be fast, only a faithful enough double of SQLiteStore's
// observable behavior.
type Store struct {
	mu sync.Mutex

	customers map[uuid.UUID]*models.Customer
	projects  map[uuid.UUID]*models.Project
	jobTypes  map[uuid.UUID]*models.JobType
	wallets   map[uuid.UUID]*models.Wallet // keyed by customer id
	txs       []*models.WalletTransaction
	jobs      map[uuid.UUID]*models.Job
	runners   map[string]*models.Runner
}

var _ ledgerstore.Store = (*Store)(nil)

// New builds an empty Store.
func New() *Store {
	return &Store{
		customers: make(map[uuid.UUID]*models.Customer),
		projects:  make(map[uuid.UUID]*models.Project),
		jobTypes:  make(map[uuid.UUID]*models.JobType),
		wallets:   make(map[uuid.UUID]*models.Wallet),
		jobs:      make(map[uuid.UUID]*models.Job),
		runners:   make(map[string]*models.Runner),
	}
}

func (s *Store) BeginTx(ctx context.Context) (*ledgerstore.Tx, error) {
	// memstore has no real transaction isolation; it relies on the single
	// mutex for atomicity, so an empty *Tx (nil underlying *sql.Tx, which
	// Tx.Commit/Rollback treat as a no-op) is enough for callers to pass
	// through SettleInTx/CASRunningToSucceededInTx.
	return &ledgerstore.Tx{}, nil
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateCustomer(ctx context.Context, c *models.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = time.Now()
	s.customers[c.ID] = c
	return nil
}

func (s *Store) GetCustomer(ctx context.Context, id uuid.UUID) (*models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[id]
	if !ok {
		return nil, corerr.ErrUnknownCustomer
	}
	return c, nil
}

func (s *Store) CreateProject(ctx context.Context, p *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now()
	s.projects[p.ID] = p
	return nil
}

func (s *Store) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, corerr.ErrNotFound
	}
	return p, nil
}

func (s *Store) CreateReseller(ctx context.Context, r *models.Reseller) error {
	return nil
}

func (s *Store) CreateJobType(ctx context.Context, jt *models.JobType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if jt.ID == uuid.Nil {
		jt.ID = uuid.New()
	}
	s.jobTypes[jt.ID] = jt
	return nil
}

func (s *Store) GetJobType(ctx context.Context, id uuid.UUID) (*models.JobType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jt, ok := s.jobTypes[id]
	if !ok {
		return nil, corerr.ErrUnknownJobType
	}
	return jt, nil
}

func (s *Store) ListJobTypes(ctx context.Context) ([]*models.JobType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.JobType, 0, len(s.jobTypes))
	for _, jt := range s.jobTypes {
		out = append(out, jt)
	}
	return out, nil
}

func (s *Store) SetJobTypeEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	jt, ok := s.jobTypes[id]
	if !ok {
		return corerr.ErrUnknownJobType
	}
	jt.Enabled = enabled
	return nil
}

func (s *Store) CreateWallet(ctx context.Context, w *models.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	now := time.Now()
	w.CreatedAt, w.UpdatedAt = now, now
	s.wallets[w.CustomerID] = w
	return nil
}

func (s *Store) GetWalletByCustomer(ctx context.Context, customerID uuid.UUID) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getWalletLocked(customerID)
}

func (s *Store) getWalletLocked(customerID uuid.UUID) (*models.Wallet, error) {
	w, ok := s.wallets[customerID]
	if !ok {
		return nil, corerr.ErrUnknownCustomer
	}
	copy := *w
	return &copy, nil
}

func (s *Store) ListTransactions(ctx context.Context, walletID uuid.UUID, limit int) ([]*models.WalletTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WalletTransaction
	for i := len(s.txs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.txs[i].WalletID == walletID {
			out = append(out, s.txs[i])
		}
	}
	return out, nil
}

func (s *Store) appendTxLocked(walletID uuid.UUID, amount int64, kind models.TxKind, jobID *uuid.UUID, desc string) {
	s.txs = append(s.txs, &models.WalletTransaction{
		ID: uuid.New(), WalletID: walletID, AmountCents: amount, Kind: kind, JobID: jobID,
		Description: desc, CreatedAt: time.Now(),
	})
}

func (s *Store) ReserveFunds(ctx context.Context, customerID uuid.UUID, amountCents int64, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[customerID]
	if !ok {
		return corerr.ErrUnknownCustomer
	}
	if w.Available() < amountCents {
		return &corerr.InsufficientFundsError{CustomerID: customerID.String(), Requested: amountCents, Available: w.Available()}
	}
	w.ReservedCents += amountCents
	w.UpdatedAt = time.Now()
	s.appendTxLocked(w.ID, amountCents, models.TxReserve, &jobID, "reserve")
	return nil
}

func (s *Store) ReleaseReservation(ctx context.Context, customerID uuid.UUID, amountCents int64, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[customerID]
	if !ok {
		return corerr.ErrUnknownCustomer
	}
	w.ReservedCents -= amountCents
	w.UpdatedAt = time.Now()
	s.appendTxLocked(w.ID, amountCents, models.TxRelease, &jobID, "release")
	return nil
}

func (s *Store) SettleInTx(ctx context.Context, tx *ledgerstore.Tx, customerID uuid.UUID, reservedCents, finalCents int64, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[customerID]
	if !ok {
		return corerr.ErrUnknownCustomer
	}
	w.ReservedCents -= reservedCents
	w.BalanceCents -= finalCents
	w.UpdatedAt = time.Now()
	s.appendTxLocked(w.ID, -finalCents, models.TxCharge, &jobID, "charge")
	if finalCents < reservedCents {
		s.appendTxLocked(w.ID, reservedCents-finalCents, models.TxRelease, &jobID, "release unused reservation")
	}
	return nil
}

func (s *Store) Credit(ctx context.Context, customerID uuid.UUID, amountCents int64, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[customerID]
	if !ok {
		return corerr.ErrUnknownCustomer
	}
	w.BalanceCents += amountCents
	w.UpdatedAt = time.Now()
	s.appendTxLocked(w.ID, amountCents, models.TxCredit, nil, description)
	return nil
}

func (s *Store) Refund(ctx context.Context, customerID uuid.UUID, amountCents int64, jobID uuid.UUID, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[customerID]
	if !ok {
		return corerr.ErrUnknownCustomer
	}
	w.BalanceCents += amountCents
	w.UpdatedAt = time.Now()
	s.appendTxLocked(w.ID, amountCents, models.TxRefund, &jobID, description)
	return nil
}

func (s *Store) InsertJob(ctx context.Context, j *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	j.CreatedAt = time.Now()
	copy := *j
	s.jobs[j.ID] = &copy
	return nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, corerr.ErrNotFound
	}
	copy := *j
	return &copy, nil
}

func (s *Store) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.jobs {
		if j.Status == status {
			copy := *j
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (s *Store) ListRunningStale(ctx context.Context, olderThan time.Time) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.jobs {
		if j.Status != models.StatusRunning || j.RunnerID == nil {
			continue
		}
		runner, ok := s.runners[*j.RunnerID]
		if !ok || runner.LastHeartbeat.Before(olderThan) {
			copy := *j
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (s *Store) CASPendingToRunning(ctx context.Context, jobID uuid.UUID, runnerID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != models.StatusPending {
		return nil, nil
	}
	now := time.Now()
	j.Status = models.StatusRunning
	j.RunnerID = &runnerID
	j.StartedAt = &now
	j.AttemptCount++
	copy := *j
	return &copy, nil
}

func (s *Store) CASRunningToSucceededInTx(ctx context.Context, tx *ledgerstore.Tx, jobID uuid.UUID, finalCostCents int64, output []byte) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != models.StatusRunning {
		return nil, &corerr.ConflictError{JobID: jobID.String(), WantStatus: "running", ActualStatus: "not running"}
	}
	now := time.Now()
	j.Status = models.StatusSucceeded
	j.FinalCostCents = &finalCostCents
	j.Output = output
	j.CompletedAt = &now
	copy := *j
	return &copy, nil
}

func (s *Store) CASRunningToFailed(ctx context.Context, jobID uuid.UUID, lastError string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != models.StatusRunning {
		return nil, &corerr.ConflictError{JobID: jobID.String(), WantStatus: "running", ActualStatus: "not running"}
	}
	now := time.Now()
	j.Status = models.StatusFailed
	j.LastError = lastError
	j.CompletedAt = &now
	j.RunnerID = nil
	copy := *j
	return &copy, nil
}

func (s *Store) CASRunningToPendingRetry(ctx context.Context, jobID uuid.UUID, lastError string, nextAttemptAt time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != models.StatusRunning {
		return nil, &corerr.ConflictError{JobID: jobID.String(), WantStatus: "running", ActualStatus: "not running"}
	}
	j.Status = models.StatusPendingRetry
	j.LastError = lastError
	j.NextAttemptAt = &nextAttemptAt
	j.RunnerID = nil
	copy := *j
	return &copy, nil
}

func (s *Store) CASRetryToPending(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != models.StatusPendingRetry {
		return nil, nil
	}
	j.Status = models.StatusPending
	j.NextAttemptAt = nil
	copy := *j
	return &copy, nil
}

func (s *Store) CASToCancelled(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || (j.Status != models.StatusPending && j.Status != models.StatusPendingRetry) {
		return nil, &corerr.ConflictError{JobID: jobID.String(), WantStatus: "pending/pending_retry", ActualStatus: "not cancellable"}
	}
	now := time.Now()
	j.Status = models.StatusCancelled
	j.CompletedAt = &now
	copy := *j
	return &copy, nil
}

func (s *Store) ReclaimStaleRunning(ctx context.Context, jobID uuid.UUID, nextAttemptAt time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != models.StatusRunning {
		return nil, nil
	}
	j.Status = models.StatusPendingRetry
	j.NextAttemptAt = &nextAttemptAt
	j.RunnerID = nil
	j.LastError = "runner heartbeat stale"
	copy := *j
	return &copy, nil
}

func (s *Store) UpsertRunner(ctx context.Context, r *models.Runner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.LastHeartbeat = time.Now()
	copy := *r
	s.runners[r.ID] = &copy
	return nil
}

func (s *Store) GetRunner(ctx context.Context, id string) (*models.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[id]
	if !ok {
		return nil, corerr.ErrUnknownRunner
	}
	copy := *r
	return &copy, nil
}

func (s *Store) Heartbeat(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[id]
	if !ok {
		return corerr.ErrUnknownRunner
	}
	r.LastHeartbeat = at
	r.Status = models.RunnerActive
	return nil
}

func (s *Store) ListStaleRunners(ctx context.Context, olderThan time.Time) ([]*models.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Runner
	for _, r := range s.runners {
		if r.LastHeartbeat.Before(olderThan) && r.Status != models.RunnerOffline {
			copy := *r
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (s *Store) MarkRunnerOffline(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[id]
	if !ok {
		return corerr.ErrUnknownRunner
	}
	r.Status = models.RunnerOffline
	return nil
}

// SeedWallet is a test helper for directly creating a wallet, bypassing
// CreateCustomer/CreateWallet's id-generation ceremony.
func (s *Store) SeedWallet(customerID uuid.UUID, balanceCents int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[customerID] = &models.Wallet{
		ID: uuid.New(), CustomerID: customerID, BalanceCents: balanceCents,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
}
