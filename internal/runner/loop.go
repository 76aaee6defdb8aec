// Package runner is the Runner Loop: register, heartbeat, and a
// claim/execute/report cycle running across a fixed number of concurrency
// slots, each a dequeue goroutine, with a separate heartbeat goroutine and
// a graceful drain on shutdown. The goroutine group is managed with
// golang.org/x/sync/errgroup; slots and the heartbeat never return an
// error, so the group ends only when the run context is cancelled.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bsn2000/dispatchcore/internal/corerr"
	"github.com/bsn2000/dispatchcore/internal/dispatch"
	"github.com/bsn2000/dispatchcore/internal/ledgerstore"
	"github.com/bsn2000/dispatchcore/internal/metrics"
	"github.com/bsn2000/dispatchcore/internal/models"
	"github.com/bsn2000/dispatchcore/internal/queue"
)

// Processor executes one job's processing logic. It returns the job's
// output payload and the final cost to settle, or an error classified via
// corerr.NewTransient/NewPermanent (unclassified errors default to
// Transient).
type Processor func(ctx context.Context, job *models.Job) (output []byte, finalCostCents int64, err error)

// Registry maps a JobType's ProcessingLogicID to the Processor that
// executes it.
type Registry map[string]Processor

// Config configures a Loop's concurrency and timing.
type Config struct {
	ID                string
	Name              string
	CompatibleTypes   []string // empty means AcceptsAll
	Concurrency       int
	HeartbeatInterval time.Duration
	PopTimeout        time.Duration
	DrainGracePeriod  time.Duration
}

// Loop is the Runner Loop: one process, Config.Concurrency execution slots.
type Loop struct {
	cfg      Config
	store    ledgerstore.Store
	broker   queue.Broker
	dispatch *dispatch.Core
	registry Registry
	metrics  *metrics.Metrics
	log      *zerolog.Logger
}

// New builds a Loop. registry must have an entry for every ProcessingLogicID
// the loop's compatible job types can produce.
func New(cfg Config, store ledgerstore.Store, broker queue.Broker, core *dispatch.Core, registry Registry, m *metrics.Metrics, log *zerolog.Logger) *Loop {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = 2 * time.Second
	}
	return &Loop{cfg: cfg, store: store, broker: broker, dispatch: core, registry: registry, metrics: m, log: log}
}

// Run registers the runner, starts its heartbeat and its execution slots,
// and blocks until ctx is cancelled, at which point it drains: in-flight
// jobs get up to DrainGracePeriod to finish before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	runner := &models.Runner{
		ID:                 l.cfg.ID,
		Name:                l.cfg.Name,
		Status:              models.RunnerActive,
		CompatibleJobTypes: l.cfg.CompatibleTypes,
	}
	if err := l.store.UpsertRunner(ctx, runner); err != nil {
		return fmt.Errorf("register runner: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < l.cfg.Concurrency; i++ {
		group.Go(func() error {
			l.slotLoop(groupCtx)
			return nil
		})
	}
	group.Go(func() error {
		l.heartbeatLoop(groupCtx)
		return nil
	})

	<-ctx.Done()
	l.log.Info().Str("runner_id", l.cfg.ID).Msg("draining")
	if err := l.store.UpsertRunner(context.Background(), &models.Runner{
		ID: l.cfg.ID, Name: l.cfg.Name, Status: models.RunnerDraining, CompatibleJobTypes: l.cfg.CompatibleTypes,
	}); err != nil {
		l.log.Warn().Err(err).Msg("failed to mark runner draining")
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), l.cfg.DrainGracePeriod)
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-drainCtx.Done():
		l.log.Warn().Str("runner_id", l.cfg.ID).Msg("drain grace period exceeded, slots abandoned in place")
	}
	return l.store.MarkRunnerOffline(context.Background(), l.cfg.ID)
}

func (l *Loop) heartbeatLoop(ctx context.Context) {
	interval := l.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.store.Heartbeat(ctx, l.cfg.ID, time.Now()); err != nil {
				l.log.Warn().Err(err).Str("runner_id", l.cfg.ID).Msg("heartbeat failed")
			}
		}
	}
}

// slotLoop is one concurrency slot's claim/execute/report cycle.
func (l *Loop) slotLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		jobID, ok, err := l.broker.BlockingPop(ctx, l.cfg.PopTimeout)
		if err != nil || !ok {
			continue
		}

		job, err := l.store.GetJob(ctx, jobID)
		if err != nil {
			l.log.Warn().Err(err).Str("job_id", jobID.String()).Msg("claimed id has no job row")
			continue
		}
		jt, err := l.store.GetJobType(ctx, job.JobTypeID)
		if err != nil {
			l.log.Warn().Err(err).Str("job_id", jobID.String()).Msg("failed to load job type")
			continue
		}
		if !runnerAccepts(l.cfg.CompatibleTypes, jt.ProcessingLogicID) {
			// Not ours: put it back for a compatible runner and try the next.
			if err := l.broker.Enqueue(ctx, jobID, job.Priority); err != nil {
				l.log.Warn().Err(err).Str("job_id", jobID.String()).Msg("failed to requeue incompatible job")
			}
			continue
		}

		claimed, err := l.dispatch.Claim(ctx, jobID, l.cfg.ID)
		if err != nil {
			l.log.Warn().Err(err).Str("job_id", jobID.String()).Msg("claim failed")
			continue
		}
		if claimed == nil {
			continue // lost the CAS race to another runner.
		}

		// A claimed job is not cancelled when draining starts; Run waits up
		// to DrainGracePeriod for it.
		l.execute(context.WithoutCancel(ctx), claimed, jt.ProcessingLogicID)
	}
}

func runnerAccepts(compatible []string, processingLogicID string) bool {
	if len(compatible) == 0 {
		return true
	}
	for _, id := range compatible {
		if id == processingLogicID {
			return true
		}
	}
	return false
}

func (l *Loop) execute(ctx context.Context, job *models.Job, processingLogicID string) {
	processor, ok := l.registry[processingLogicID]
	if !ok {
		_, err := l.dispatch.Fail(ctx, job.ID, corerr.NewPermanent("no processor registered for %q", processingLogicID))
		if err != nil {
			l.log.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to fail unroutable job")
		}
		return
	}

	output, finalCostCents, err := processor(ctx, job)
	if err != nil {
		if _, ferr := l.dispatch.Fail(ctx, job.ID, err); ferr != nil {
			l.log.Error().Err(ferr).Str("job_id", job.ID.String()).Msg("failed to record job failure")
		}
		return
	}
	if _, cerr := l.dispatch.Complete(ctx, job.ID, finalCostCents, output); cerr != nil {
		var overage *corerr.OverageError
		if errors.As(cerr, &overage) {
			// A final cost beyond the allowed overage is a Permanent failure.
			if _, ferr := l.dispatch.Fail(ctx, job.ID, corerr.NewPermanent("%s", cerr.Error())); ferr != nil {
				l.log.Error().Err(ferr).Str("job_id", job.ID.String()).Msg("failed to record overage failure")
			}
			return
		}
		l.log.Error().Err(cerr).Str("job_id", job.ID.String()).Msg("failed to record job completion")
	}
}
