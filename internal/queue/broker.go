// Package queue is the Queue Broker: a fast-path holder of job
// ids, ordered by strict cross-band priority with per-band FIFO, plus a
// delayed structure for scheduled retries. The Ledger Store remains the
// source of truth for Job state; the broker only ever holds ids.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/bsn2000/dispatchcore/internal/models"
)

// Broker is the Queue Broker contract. Two backends are provided: an
// in-process memory.Broker for single-node deployments and tests, and a
// redisbroker.Broker for multi-node deployments.
type Broker interface {
	// Enqueue makes jobID immediately poppable in its priority band.
	Enqueue(ctx context.Context, jobID uuid.UUID, priority models.Priority) error

	// BlockingPop waits up to timeout for a job id, trying bands in strict
	// priority order (Critical before High before Medium before Low) and
	// FIFO within a band. Returns uuid.Nil, false on timeout.
	BlockingPop(ctx context.Context, timeout time.Duration) (uuid.UUID, bool, error)

	// Schedule places jobID into the delayed structure, to become poppable
	// no earlier than readyAt.
	Schedule(ctx context.Context, jobID uuid.UUID, priority models.Priority, readyAt time.Time) error

	// Remove deletes jobID from whichever structure holds it, if any. Used
	// by Cancel so a cancelled job is never handed to a runner.
	Remove(ctx context.Context, jobID uuid.UUID) error

	// Depth reports the number of ids currently held per priority band,
	// for the QueueDepth gauge.
	Depth(ctx context.Context) (map[models.Priority]int, error)

	Close() error
}
