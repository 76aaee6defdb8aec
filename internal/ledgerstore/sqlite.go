package ledgerstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bsn2000/dispatchcore/internal/corerr"
	"github.com/bsn2000/dispatchcore/internal/models"
)

// SQLiteStore implements Store over a single SQLite file, following the
// teacher's NewSQLiteRepository/initSchema pattern generalized to the full
// data model.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// Open creates (or attaches to) a SQLite-backed Ledger Store at path.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping ledger store: %w", err)
	}
	// SQLite has no per-row locking; a single writer connection turns the
	// process-wide write path into the serialization point row-level locks
	// would otherwise provide (see DESIGN.md).
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) BeginTx(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// --- Customers / Projects / Resellers ---------------------------------

func (s *SQLiteStore) CreateCustomer(ctx context.Context, c *models.Customer) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = time.Now()
	var resellerID any
	if c.ResellerID != nil {
		resellerID = c.ResellerID.String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, email, reseller_id, created_at) VALUES (?, ?, ?, ?, ?)
	`, c.ID.String(), c.Name, c.Email, resellerID, c.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("create customer: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCustomer(ctx context.Context, id uuid.UUID) (*models.Customer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, email, reseller_id, created_at FROM customers WHERE id = ?`, id.String())
	var c models.Customer
	var idStr string
	var resellerID sql.NullString
	var createdAt int64
	if err := row.Scan(&idStr, &c.Name, &c.Email, &resellerID, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, corerr.ErrUnknownCustomer
		}
		return nil, fmt.Errorf("get customer: %w", err)
	}
	c.ID = uuid.MustParse(idStr)
	c.CreatedAt = time.Unix(createdAt, 0)
	if resellerID.Valid {
		rid := uuid.MustParse(resellerID.String)
		c.ResellerID = &rid
	}
	return &c, nil
}

func (s *SQLiteStore) CreateProject(ctx context.Context, p *models.Project) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, customer_id, name, created_at) VALUES (?, ?, ?, ?)
	`, p.ID.String(), p.CustomerID.String(), p.Name, p.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, customer_id, name, created_at FROM projects WHERE id = ?`, id.String())
	var p models.Project
	var idStr, custStr string
	var createdAt int64
	if err := row.Scan(&idStr, &custStr, &p.Name, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, corerr.ErrNotFound
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	p.ID = uuid.MustParse(idStr)
	p.CustomerID = uuid.MustParse(custStr)
	p.CreatedAt = time.Unix(createdAt, 0)
	return &p, nil
}

func (s *SQLiteStore) CreateReseller(ctx context.Context, r *models.Reseller) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO resellers (id, name) VALUES (?, ?)`, r.ID.String(), r.Name)
	if err != nil {
		return fmt.Errorf("create reseller: %w", err)
	}
	return nil
}

// --- JobTypes -----------------------------------------------------------

func (s *SQLiteStore) CreateJobType(ctx context.Context, jt *models.JobType) error {
	if jt.ID == uuid.Nil {
		jt.ID = uuid.New()
	}
	var maxAttempts any
	var initial, mult, maxSec any
	if jt.RetryPolicy != nil {
		maxAttempts = jt.RetryPolicy.MaxAttempts
		initial = jt.RetryPolicy.InitialIntervalSeconds
		mult = jt.RetryPolicy.BackoffMultiplier
		maxSec = jt.RetryPolicy.MaxIntervalSeconds
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_types (id, name, processing_logic_id, processor_type, standard_cost_cents,
			allowed_overage_cents, enabled, retry_max_attempts, retry_initial_seconds, retry_multiplier, retry_max_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, jt.ID.String(), jt.Name, jt.ProcessingLogicID, string(jt.ProcessorType), jt.StandardCostCents,
		jt.AllowedOverageCents, boolToInt(jt.Enabled), maxAttempts, initial, mult, maxSec)
	if err != nil {
		return fmt.Errorf("create job type: %w", err)
	}
	return nil
}

func scanJobType(row interface{ Scan(dest ...any) error }) (*models.JobType, error) {
	var jt models.JobType
	var idStr, processorType string
	var enabled int
	var maxAttempts sql.NullInt64
	var initial, mult, maxSec sql.NullFloat64
	if err := row.Scan(&idStr, &jt.Name, &jt.ProcessingLogicID, &processorType, &jt.StandardCostCents,
		&jt.AllowedOverageCents, &enabled, &maxAttempts, &initial, &mult, &maxSec); err != nil {
		return nil, err
	}
	jt.ID = uuid.MustParse(idStr)
	jt.ProcessorType = models.ProcessorType(processorType)
	jt.Enabled = enabled != 0
	if maxAttempts.Valid {
		jt.RetryPolicy = &models.RetryPolicy{
			MaxAttempts:            int(maxAttempts.Int64),
			InitialIntervalSeconds: initial.Float64,
			BackoffMultiplier:      mult.Float64,
			MaxIntervalSeconds:     maxSec.Float64,
		}
	}
	return &jt, nil
}

const jobTypeCols = `id, name, processing_logic_id, processor_type, standard_cost_cents,
	allowed_overage_cents, enabled, retry_max_attempts, retry_initial_seconds, retry_multiplier, retry_max_seconds`

func (s *SQLiteStore) GetJobType(ctx context.Context, id uuid.UUID) (*models.JobType, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobTypeCols+` FROM job_types WHERE id = ?`, id.String())
	jt, err := scanJobType(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, corerr.ErrUnknownJobType
		}
		return nil, fmt.Errorf("get job type: %w", err)
	}
	return jt, nil
}

func (s *SQLiteStore) ListJobTypes(ctx context.Context) ([]*models.JobType, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobTypeCols+` FROM job_types ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list job types: %w", err)
	}
	defer rows.Close()
	var out []*models.JobType
	for rows.Next() {
		jt, err := scanJobType(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job type: %w", err)
		}
		out = append(out, jt)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetJobTypeEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE job_types SET enabled = ? WHERE id = ?`, boolToInt(enabled), id.String())
	if err != nil {
		return fmt.Errorf("set job type enabled: %w", err)
	}
	return nil
}

// --- Wallets --------------------------------------------------------------

func (s *SQLiteStore) CreateWallet(ctx context.Context, w *models.Wallet) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	now := time.Now()
	w.CreatedAt, w.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallets (id, customer_id, balance_cents, reserved_cents, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, w.ID.String(), w.CustomerID.String(), w.BalanceCents, w.ReservedCents, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("create wallet: %w", err)
	}
	return nil
}

func scanWallet(row interface{ Scan(dest ...any) error }) (*models.Wallet, error) {
	var w models.Wallet
	var idStr, custStr string
	var createdAt, updatedAt int64
	if err := row.Scan(&idStr, &custStr, &w.BalanceCents, &w.ReservedCents, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	w.ID = uuid.MustParse(idStr)
	w.CustomerID = uuid.MustParse(custStr)
	w.CreatedAt = time.Unix(createdAt, 0)
	w.UpdatedAt = time.Unix(updatedAt, 0)
	return &w, nil
}

const walletCols = `id, customer_id, balance_cents, reserved_cents, created_at, updated_at`

func (s *SQLiteStore) getWalletTx(ctx context.Context, q querier, customerID uuid.UUID) (*models.Wallet, error) {
	row := q.QueryRowContext(ctx, `SELECT `+walletCols+` FROM wallets WHERE customer_id = ?`, customerID.String())
	w, err := scanWallet(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, corerr.ErrUnknownCustomer
		}
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return w, nil
}

func (s *SQLiteStore) GetWalletByCustomer(ctx context.Context, customerID uuid.UUID) (*models.Wallet, error) {
	return s.getWalletTx(ctx, s.db, customerID)
}

func (s *SQLiteStore) ListTransactions(ctx context.Context, walletID uuid.UUID, limit int) ([]*models.WalletTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, wallet_id, amount_cents, kind, job_id, description, created_at
		FROM wallet_transactions WHERE wallet_id = ? ORDER BY created_at DESC LIMIT ?
	`, walletID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()
	var out []*models.WalletTransaction
	for rows.Next() {
		var t models.WalletTransaction
		var idStr, walletStr, kind string
		var jobID sql.NullString
		var createdAt int64
		if err := rows.Scan(&idStr, &walletStr, &t.AmountCents, &kind, &jobID, &t.Description, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.ID = uuid.MustParse(idStr)
		t.WalletID = uuid.MustParse(walletStr)
		t.Kind = models.TxKind(kind)
		t.CreatedAt = time.Unix(createdAt, 0)
		if jobID.Valid {
			jid := uuid.MustParse(jobID.String)
			t.JobID = &jid
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func insertWalletTx(ctx context.Context, q querier, walletID uuid.UUID, amount int64, kind models.TxKind, jobID *uuid.UUID, desc string) error {
	var jobIDVal any
	if jobID != nil {
		jobIDVal = jobID.String()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO wallet_transactions (id, wallet_id, amount_cents, kind, job_id, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), walletID.String(), amount, string(kind), jobIDVal, desc, time.Now().Unix())
	return err
}

// ReserveFunds implements Billing.reserve: checked inside one
// transaction so the balance-vs-reserved comparison and the UPDATE are
// atomic even without real row locks.
func (s *SQLiteStore) ReserveFunds(ctx context.Context, customerID uuid.UUID, amountCents int64, jobID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reserve tx: %w", err)
	}
	defer tx.Rollback()

	w, err := s.getWalletTx(ctx, tx, customerID)
	if err != nil {
		return err
	}
	if w.Available() < amountCents {
		return &corerr.InsufficientFundsError{CustomerID: customerID.String(), Requested: amountCents, Available: w.Available()}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE wallets SET reserved_cents = reserved_cents + ?, updated_at = ? WHERE id = ?`,
		amountCents, time.Now().Unix(), w.ID.String()); err != nil {
		return fmt.Errorf("reserve: %w", err)
	}
	if err := insertWalletTx(ctx, tx, w.ID, amountCents, models.TxReserve, &jobID, "reserve for job "+jobID.String()); err != nil {
		return fmt.Errorf("reserve ledger row: %w", err)
	}
	return tx.Commit()
}

// ReleaseReservation implements Billing.release.
func (s *SQLiteStore) ReleaseReservation(ctx context.Context, customerID uuid.UUID, amountCents int64, jobID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin release tx: %w", err)
	}
	defer tx.Rollback()

	w, err := s.getWalletTx(ctx, tx, customerID)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE wallets SET reserved_cents = reserved_cents - ?, updated_at = ? WHERE id = ?`,
		amountCents, time.Now().Unix(), w.ID.String()); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	if err := insertWalletTx(ctx, tx, w.ID, amountCents, models.TxRelease, &jobID, "release for job "+jobID.String()); err != nil {
		return fmt.Errorf("release ledger row: %w", err)
	}
	return tx.Commit()
}

// SettleInTx implements Billing.settle inside a caller-supplied
// transaction so it commits atomically with the Job CAS in Dispatch.Complete.
func (s *SQLiteStore) SettleInTx(ctx context.Context, tx *Tx, customerID uuid.UUID, reservedCents, finalCents int64, jobID uuid.UUID) error {
	w, err := s.getWalletTx(ctx, tx.tx, customerID)
	if err != nil {
		return err
	}
	if _, err := tx.tx.ExecContext(ctx, `
		UPDATE wallets SET reserved_cents = reserved_cents - ?, balance_cents = balance_cents - ?, updated_at = ? WHERE id = ?
	`, reservedCents, finalCents, time.Now().Unix(), w.ID.String()); err != nil {
		return fmt.Errorf("settle: %w", err)
	}
	if err := insertWalletTx(ctx, tx.tx, w.ID, -finalCents, models.TxCharge, &jobID, "charge for job "+jobID.String()); err != nil {
		return fmt.Errorf("settle charge row: %w", err)
	}
	if finalCents < reservedCents {
		// Auditability row for the implicitly released difference.
		diff := reservedCents - finalCents
		if err := insertWalletTx(ctx, tx.tx, w.ID, diff, models.TxRelease, &jobID, "release of unused reservation for job "+jobID.String()); err != nil {
			return fmt.Errorf("settle release row: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Credit(ctx context.Context, customerID uuid.UUID, amountCents int64, description string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin credit tx: %w", err)
	}
	defer tx.Rollback()

	w, err := s.getWalletTx(ctx, tx, customerID)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE wallets SET balance_cents = balance_cents + ?, updated_at = ? WHERE id = ?`,
		amountCents, time.Now().Unix(), w.ID.String()); err != nil {
		return fmt.Errorf("credit: %w", err)
	}
	if err := insertWalletTx(ctx, tx, w.ID, amountCents, models.TxCredit, nil, description); err != nil {
		return fmt.Errorf("credit ledger row: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Refund(ctx context.Context, customerID uuid.UUID, amountCents int64, jobID uuid.UUID, description string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin refund tx: %w", err)
	}
	defer tx.Rollback()

	w, err := s.getWalletTx(ctx, tx, customerID)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE wallets SET balance_cents = balance_cents + ?, updated_at = ? WHERE id = ?`,
		amountCents, time.Now().Unix(), w.ID.String()); err != nil {
		return fmt.Errorf("refund: %w", err)
	}
	if err := insertWalletTx(ctx, tx, w.ID, amountCents, models.TxRefund, &jobID, description); err != nil {
		return fmt.Errorf("refund ledger row: %w", err)
	}
	return tx.Commit()
}

// --- Jobs -------------------------------------------------------------

const jobCols = `id, customer_id, job_type_id, project_id, status, priority, input, output,
	last_error, attempt_count, next_attempt_at, estimated_cost_cents, final_cost_cents,
	runner_id, created_at, started_at, completed_at`

func scanJob(row interface{ Scan(dest ...any) error }) (*models.Job, error) {
	var j models.Job
	var idStr, custStr, jobTypeStr, status string
	var projectID, runnerID sql.NullString
	var input, output []byte
	var nextAttemptAt, startedAt, completedAt sql.NullInt64
	var finalCost sql.NullInt64
	var createdAt int64
	if err := row.Scan(&idStr, &custStr, &jobTypeStr, &projectID, &status, &j.Priority, &input, &output,
		&j.LastError, &j.AttemptCount, &nextAttemptAt, &j.EstimatedCostCents, &finalCost,
		&runnerID, &createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	j.ID = uuid.MustParse(idStr)
	j.CustomerID = uuid.MustParse(custStr)
	j.JobTypeID = uuid.MustParse(jobTypeStr)
	j.Status = models.JobStatus(status)
	j.CreatedAt = time.Unix(createdAt, 0)
	if len(input) > 0 {
		j.Input = json.RawMessage(input)
	}
	if len(output) > 0 {
		j.Output = json.RawMessage(output)
	}
	if projectID.Valid {
		pid := uuid.MustParse(projectID.String)
		j.ProjectID = &pid
	}
	if runnerID.Valid {
		rid := runnerID.String
		j.RunnerID = &rid
	}
	if nextAttemptAt.Valid {
		t := time.Unix(nextAttemptAt.Int64, 0)
		j.NextAttemptAt = &t
	}
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0)
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		j.CompletedAt = &t
	}
	if finalCost.Valid {
		j.FinalCostCents = &finalCost.Int64
	}
	return &j, nil
}

func (s *SQLiteStore) InsertJob(ctx context.Context, j *models.Job) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	j.CreatedAt = time.Now()
	var projectID any
	if j.ProjectID != nil {
		projectID = j.ProjectID.String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, customer_id, job_type_id, project_id, status, priority, input, output,
			last_error, attempt_count, next_attempt_at, estimated_cost_cents, final_cost_cents,
			runner_id, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, '', 0, NULL, ?, NULL, NULL, ?, NULL, NULL)
	`, j.ID.String(), j.CustomerID.String(), j.JobTypeID.String(), projectID, string(j.Status), int(j.Priority),
		[]byte(j.Input), j.EstimatedCostCents, j.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, id.String())
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, corerr.ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE status = ? ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	defer rows.Close()
	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

const jobColsQualified = `j.id, j.customer_id, j.job_type_id, j.project_id, j.status, j.priority, j.input, j.output,
	j.last_error, j.attempt_count, j.next_attempt_at, j.estimated_cost_cents, j.final_cost_cents,
	j.runner_id, j.created_at, j.started_at, j.completed_at`

func (s *SQLiteStore) ListRunningStale(ctx context.Context, olderThan time.Time) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColsQualified+`
		FROM jobs j
		JOIN runners r ON r.id = j.runner_id
		WHERE j.status = 'running' AND r.last_heartbeat < ?
	`, olderThan.Unix())
	if err != nil {
		return nil, fmt.Errorf("list running stale: %w", err)
	}
	defer rows.Close()
	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CASPendingToRunning implements Dispatch.Claim's status CAS.
func (s *SQLiteStore) CASPendingToRunning(ctx context.Context, jobID uuid.UUID, runnerID string) (*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'running', runner_id = ?, started_at = ?, attempt_count = attempt_count + 1
		WHERE id = ? AND status = 'pending'
	`, runnerID, now, jobID.String())
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim rows affected: %w", err)
	}
	if n == 0 {
		return nil, nil // lost the CAS race or the job isn't claimable; caller discards.
	}
	row := tx.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, jobID.String())
	j, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("reload claimed job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) CASRunningToSucceededInTx(ctx context.Context, tx *Tx, jobID uuid.UUID, finalCostCents int64, output []byte) (*models.Job, error) {
	now := time.Now().Unix()
	res, err := tx.tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'succeeded', final_cost_cents = ?, output = ?, completed_at = ?
		WHERE id = ? AND status = 'running'
	`, finalCostCents, output, now, jobID.String())
	if err != nil {
		return nil, fmt.Errorf("complete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, &corerr.ConflictError{JobID: jobID.String(), WantStatus: "running", ActualStatus: "not running"}
	}
	row := tx.tx.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, jobID.String())
	return scanJob(row)
}

func (s *SQLiteStore) CASRunningToFailed(ctx context.Context, jobID uuid.UUID, lastError string) (*models.Job, error) {
	return s.casRunningTerminal(ctx, jobID, "failed", lastError)
}

func (s *SQLiteStore) casRunningTerminal(ctx context.Context, jobID uuid.UUID, status, lastError string) (*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin fail tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, last_error = ?, completed_at = ?, runner_id = NULL
		WHERE id = ? AND status = 'running'
	`, status, lastError, now, jobID.String())
	if err != nil {
		return nil, fmt.Errorf("terminal update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &corerr.ConflictError{JobID: jobID.String(), WantStatus: "running", ActualStatus: "not running"}
	}
	row := tx.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, jobID.String())
	j, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	return j, tx.Commit()
}

func (s *SQLiteStore) CASRunningToPendingRetry(ctx context.Context, jobID uuid.UUID, lastError string, nextAttemptAt time.Time) (*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin retry tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending_retry', last_error = ?, next_attempt_at = ?, runner_id = NULL
		WHERE id = ? AND status = 'running'
	`, lastError, nextAttemptAt.Unix(), jobID.String())
	if err != nil {
		return nil, fmt.Errorf("retry update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &corerr.ConflictError{JobID: jobID.String(), WantStatus: "running", ActualStatus: "not running"}
	}
	row := tx.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, jobID.String())
	j, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	return j, tx.Commit()
}

func (s *SQLiteStore) CASRetryToPending(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin promote tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', next_attempt_at = NULL
		WHERE id = ? AND status = 'pending_retry'
	`, jobID.String())
	if err != nil {
		return nil, fmt.Errorf("promote: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	row := tx.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, jobID.String())
	j, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	return j, tx.Commit()
}

func (s *SQLiteStore) CASToCancelled(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin cancel tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'cancelled', completed_at = ?
		WHERE id = ? AND status IN ('pending', 'pending_retry')
	`, now, jobID.String())
	if err != nil {
		return nil, fmt.Errorf("cancel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &corerr.ConflictError{JobID: jobID.String(), WantStatus: "pending/pending_retry", ActualStatus: "not cancellable"}
	}
	row := tx.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, jobID.String())
	j, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	return j, tx.Commit()
}

func (s *SQLiteStore) ReclaimStaleRunning(ctx context.Context, jobID uuid.UUID, nextAttemptAt time.Time) (*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reclaim tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending_retry', next_attempt_at = ?, runner_id = NULL, last_error = 'runner heartbeat stale'
		WHERE id = ? AND status = 'running'
	`, nextAttemptAt.Unix(), jobID.String())
	if err != nil {
		return nil, fmt.Errorf("reclaim: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	row := tx.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, jobID.String())
	j, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	return j, tx.Commit()
}

// --- Runners --------------------------------------------------------------

func (s *SQLiteStore) UpsertRunner(ctx context.Context, r *models.Runner) error {
	r.LastHeartbeat = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runners (id, name, status, compatible_job_types, last_heartbeat)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, status = excluded.status,
			compatible_job_types = excluded.compatible_job_types, last_heartbeat = excluded.last_heartbeat
	`, r.ID, r.Name, string(r.Status), strings.Join(r.CompatibleJobTypes, ","), r.LastHeartbeat.Unix())
	if err != nil {
		return fmt.Errorf("upsert runner: %w", err)
	}
	return nil
}

func scanRunner(row interface{ Scan(dest ...any) error }) (*models.Runner, error) {
	var r models.Runner
	var status, compat string
	var hb int64
	if err := row.Scan(&r.ID, &r.Name, &status, &compat, &hb); err != nil {
		return nil, err
	}
	r.Status = models.RunnerStatus(status)
	if compat != "" {
		r.CompatibleJobTypes = strings.Split(compat, ",")
	}
	r.LastHeartbeat = time.Unix(hb, 0)
	return &r, nil
}

func (s *SQLiteStore) GetRunner(ctx context.Context, id string) (*models.Runner, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, status, compatible_job_types, last_heartbeat FROM runners WHERE id = ?`, id)
	r, err := scanRunner(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, corerr.ErrUnknownRunner
		}
		return nil, fmt.Errorf("get runner: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runners SET last_heartbeat = ?, status = 'active' WHERE id = ?`, at.Unix(), id)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return corerr.ErrUnknownRunner
	}
	return nil
}

func (s *SQLiteStore) ListStaleRunners(ctx context.Context, olderThan time.Time) ([]*models.Runner, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, status, compatible_job_types, last_heartbeat FROM runners
		WHERE last_heartbeat < ? AND status != 'offline'
	`, olderThan.Unix())
	if err != nil {
		return nil, fmt.Errorf("list stale runners: %w", err)
	}
	defer rows.Close()
	var out []*models.Runner
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, fmt.Errorf("scan runner: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkRunnerOffline(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runners SET status = 'offline' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark runner offline: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
