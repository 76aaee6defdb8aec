// Package ledgerstore is the Ledger Store: the durable,
// transactional store of customers, wallets, wallet transactions, job
// types, jobs and runners. It is the only source of truth for money and job
// state; the Queue Broker holds only ids as a fast path.
package ledgerstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/bsn2000/dispatchcore/internal/models"
)

// querier is satisfied by both *sql.DB and *sql.Tx, letting callers pass a
// transaction handle through when one is open and the *sql.DB itself
// otherwise.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Tx is an open Ledger Store transaction. Callers use it to span a Job
// status CAS and a wallet mutation in one unit of work, the way Dispatch's
// Complete transition must.
type Tx struct {
	tx *sql.Tx
}

// Commit commits the underlying transaction. A Tx with no underlying
// *sql.Tx (memstore's fake, which relies on its own mutex instead) is a
// no-op, since there's nothing to commit.
func (t *Tx) Commit() error {
	if t.tx == nil {
		return nil
	}
	return t.tx.Commit()
}

// Rollback rolls back the underlying transaction. Safe to call after
// Commit, and a no-op when there's no underlying *sql.Tx.
func (t *Tx) Rollback() error {
	if t.tx == nil {
		return nil
	}
	return t.tx.Rollback()
}

// Store is the Ledger Store contract. The SQLite implementation in this
// package is the only one shipped, but the interface admits any relational
// store with transactions, row-level locking and append-only insertion.
type Store interface {
	// BeginTx opens a new Ledger Store transaction.
	BeginTx(ctx context.Context) (*Tx, error)

	// Customers / Projects / Resellers.
	CreateCustomer(ctx context.Context, c *models.Customer) error
	GetCustomer(ctx context.Context, id uuid.UUID) (*models.Customer, error)
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	CreateReseller(ctx context.Context, r *models.Reseller) error

	// JobTypes.
	CreateJobType(ctx context.Context, jt *models.JobType) error
	GetJobType(ctx context.Context, id uuid.UUID) (*models.JobType, error)
	ListJobTypes(ctx context.Context) ([]*models.JobType, error)
	SetJobTypeEnabled(ctx context.Context, id uuid.UUID, enabled bool) error

	// Wallets.
	CreateWallet(ctx context.Context, w *models.Wallet) error
	GetWalletByCustomer(ctx context.Context, customerID uuid.UUID) (*models.Wallet, error)
	ListTransactions(ctx context.Context, walletID uuid.UUID, limit int) ([]*models.WalletTransaction, error)

	// Billing mutations. Each runs in its own transaction (or, for Settle,
	// is called by Dispatch from within an already-open Tx so the Job CAS
	// and the wallet mutation commit together — see BeginTx).
	ReserveFunds(ctx context.Context, customerID uuid.UUID, amountCents int64, jobID uuid.UUID) error
	ReleaseReservation(ctx context.Context, customerID uuid.UUID, amountCents int64, jobID uuid.UUID) error
	SettleInTx(ctx context.Context, tx *Tx, customerID uuid.UUID, reservedCents, finalCents int64, jobID uuid.UUID) error
	Credit(ctx context.Context, customerID uuid.UUID, amountCents int64, description string) error
	Refund(ctx context.Context, customerID uuid.UUID, amountCents int64, jobID uuid.UUID, description string) error

	// Jobs.
	InsertJob(ctx context.Context, j *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error)
	ListRunningStale(ctx context.Context, olderThan time.Time) ([]*models.Job, error)

	// CASPendingToRunning performs the Claim transition: if jobID is still
	// Pending it is claimed for runnerID. Returns nil, nil if the job is no
	// longer claimable.
	CASPendingToRunning(ctx context.Context, jobID uuid.UUID, runnerID string) (*models.Job, error)

	// CASRunningToSucceededInTx finalizes a successful job inside tx,
	// paired with SettleInTx for the wallet side of Complete.
	CASRunningToSucceededInTx(ctx context.Context, tx *Tx, jobID uuid.UUID, finalCostCents int64, output []byte) (*models.Job, error)

	// CASRunningToFailed finalizes a permanently failed job.
	CASRunningToFailed(ctx context.Context, jobID uuid.UUID, lastError string) (*models.Job, error)

	// CASRunningToPendingRetry schedules a retry, clearing runner_id.
	CASRunningToPendingRetry(ctx context.Context, jobID uuid.UUID, lastError string, nextAttemptAt time.Time) (*models.Job, error)

	// CASRetryToPending promotes a due PendingRetry job back to Pending
	// (used by Dispatch's Claim when a scheduled retry's id comes off the
	// broker, and by the Reconciler).
	CASRetryToPending(ctx context.Context, jobID uuid.UUID) (*models.Job, error)

	// CASToCancelled cancels a Pending or PendingRetry job.
	CASToCancelled(ctx context.Context, jobID uuid.UUID) (*models.Job, error)

	// ReclaimStaleRunning removes a stale runner assignment and resets a Running
	// job back to PendingRetry for Reconciler-driven recovery.
	ReclaimStaleRunning(ctx context.Context, jobID uuid.UUID, nextAttemptAt time.Time) (*models.Job, error)

	// Runners.
	UpsertRunner(ctx context.Context, r *models.Runner) error
	GetRunner(ctx context.Context, id string) (*models.Runner, error)
	Heartbeat(ctx context.Context, id string, at time.Time) error
	ListStaleRunners(ctx context.Context, olderThan time.Time) ([]*models.Runner, error)
	MarkRunnerOffline(ctx context.Context, id string) error

	Close() error
}
