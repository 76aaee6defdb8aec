// Package models defines the entities shared by every core component:
// customers, wallets, job types, jobs and runners.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the state of a Job in the dispatch state machine.
type JobStatus string

const (
	StatusPending      JobStatus = "pending"
	StatusRunning      JobStatus = "running"
	StatusSucceeded    JobStatus = "succeeded"
	StatusFailed       JobStatus = "failed"
	StatusCancelled    JobStatus = "cancelled"
	StatusPendingRetry JobStatus = "pending_retry"
)

// Terminal reports whether status is one of the absorbing states.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Priority is one of the four dispatch bands. Lower value sorts first.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityMedium   Priority = 2
	PriorityLow      Priority = 3
)

// NumBands is the number of distinct priority bands.
const NumBands = 4

// Valid reports whether p is one of the four defined bands.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority parses a priority name, defaulting to Medium when s is empty.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "":
		return PriorityMedium, true
	case "critical":
		return PriorityCritical, true
	case "high":
		return PriorityHigh, true
	case "medium":
		return PriorityMedium, true
	case "low":
		return PriorityLow, true
	default:
		return 0, false
	}
}

// ProcessorType describes how a runner invokes a job type's processing logic.
type ProcessorType string

const (
	ProcessorSync  ProcessorType = "sync"
	ProcessorAsync ProcessorType = "async"
	ProcessorBatch ProcessorType = "batch"
)

// RetryPolicy governs attempt accounting and backoff for a JobType.
type RetryPolicy struct {
	MaxAttempts            int     `json:"max_attempts"`
	InitialIntervalSeconds float64 `json:"initial_interval_seconds"`
	BackoffMultiplier      float64 `json:"backoff_multiplier"`
	MaxIntervalSeconds     float64 `json:"max_interval_seconds"`
}

// JobType binds a named job kind to a runner-side processor and its cost.
type JobType struct {
	ID                  uuid.UUID
	Name                string
	ProcessingLogicID   string
	ProcessorType       ProcessorType
	StandardCostCents   int64
	AllowedOverageCents int64
	Enabled             bool
	RetryPolicy         *RetryPolicy
}

// Customer is a tenant of the platform.
type Customer struct {
	ID         uuid.UUID
	Name       string
	Email      string
	ResellerID *uuid.UUID
	CreatedAt  time.Time
}

// Project optionally groups a customer's jobs.
type Project struct {
	ID         uuid.UUID
	CustomerID uuid.UUID
	Name       string
	CreatedAt  time.Time
}

// Reseller optionally owns a set of customers.
type Reseller struct {
	ID   uuid.UUID
	Name string
}

// TxKind classifies a WalletTransaction row.
type TxKind string

const (
	TxCharge  TxKind = "charge"
	TxRefund  TxKind = "refund"
	TxCredit  TxKind = "credit"
	TxReserve TxKind = "reserve"
	TxRelease TxKind = "release"
)

// Wallet is a customer's prepaid balance; balance and reserved amount
// invariants are enforced by the billing package.
type Wallet struct {
	ID            uuid.UUID
	CustomerID    uuid.UUID
	BalanceCents  int64
	ReservedCents int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Available is balance minus reserved; must stay >= 0.
func (w Wallet) Available() int64 {
	return w.BalanceCents - w.ReservedCents
}

// WalletTransaction is an append-only ledger row.
type WalletTransaction struct {
	ID          uuid.UUID
	WalletID    uuid.UUID
	AmountCents int64
	Kind        TxKind
	JobID       *uuid.UUID
	Description string
	CreatedAt   time.Time
}

// RunnerStatus is the lifecycle state of a worker process.
type RunnerStatus string

const (
	RunnerActive   RunnerStatus = "active"
	RunnerIdle     RunnerStatus = "idle"
	RunnerOffline  RunnerStatus = "offline"
	RunnerDraining RunnerStatus = "draining"
)

// Runner is a registered worker process, referenced weakly by Jobs.
type Runner struct {
	ID                 string
	Name               string
	Status             RunnerStatus
	CompatibleJobTypes []string
	LastHeartbeat      time.Time
}

// AcceptsAll reports whether the runner declared no compatibility filter.
func (r Runner) AcceptsAll() bool {
	return len(r.CompatibleJobTypes) == 0
}

// Compatible reports whether the runner can execute the given processing logic id.
func (r Runner) Compatible(processingLogicID string) bool {
	if r.AcceptsAll() {
		return true
	}
	for _, id := range r.CompatibleJobTypes {
		if id == processingLogicID {
			return true
		}
	}
	return false
}

// Job is the central work item entity.
type Job struct {
	ID                 uuid.UUID
	CustomerID         uuid.UUID
	JobTypeID          uuid.UUID
	ProjectID          *uuid.UUID
	Status             JobStatus
	Priority           Priority
	Input              json.RawMessage
	Output             json.RawMessage
	LastError          string
	AttemptCount       int
	NextAttemptAt      *time.Time
	EstimatedCostCents int64
	FinalCostCents     *int64
	RunnerID           *string
	CreatedAt          time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
}
