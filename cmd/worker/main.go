// Command worker runs a Runner Loop process against the shared Ledger
// Store and Queue Broker, executing whatever processors are registered
// below. A real deployment would register one processor per
// ProcessingLogicID the operator has job types for; this binary registers
// a demonstration "echo" processor in place of a real one.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/bsn2000/dispatchcore/internal/billing"
	"github.com/bsn2000/dispatchcore/internal/config"
	"github.com/bsn2000/dispatchcore/internal/corerr"
	"github.com/bsn2000/dispatchcore/internal/dispatch"
	"github.com/bsn2000/dispatchcore/internal/ledgerstore"
	"github.com/bsn2000/dispatchcore/internal/logging"
	"github.com/bsn2000/dispatchcore/internal/metrics"
	"github.com/bsn2000/dispatchcore/internal/models"
	"github.com/bsn2000/dispatchcore/internal/queue"
	"github.com/bsn2000/dispatchcore/internal/queue/memory"
	"github.com/bsn2000/dispatchcore/internal/queue/redisbroker"
	"github.com/bsn2000/dispatchcore/internal/ratelimit"
	"github.com/bsn2000/dispatchcore/internal/runner"
)

// echoProcessor simulates processing latency and deterministically fails
// when the input payload sets "fail": true.
func echoProcessor(ctx context.Context, job *models.Job) ([]byte, int64, error) {
	var payload struct {
		Fail      bool `json:"fail"`
		Permanent bool `json:"permanent"`
	}
	_ = json.Unmarshal(job.Input, &payload)

	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}

	if payload.Fail {
		if payload.Permanent {
			return nil, 0, corerr.NewPermanent("processor reported a non-retryable failure")
		}
		return nil, 0, corerr.NewTransient("processor reported a transient failure")
	}
	return job.Input, job.EstimatedCostCents, nil
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	runnerID := flag.String("runner-id", uuid.NewString(), "runner identifier")
	runnerName := flag.String("runner-name", "worker", "runner display name")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	store, err := ledgerstore.Open(cfg.Ledger.SQLitePath)
	if err != nil {
		log.Fatal().Err(err).Msg("open ledger store")
	}
	defer store.Close()

	var broker queue.Broker
	if cfg.Queue.Backend == "redis" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Queue.RedisURL})
		broker = redisbroker.New(rdb, cfg.Queue.KeyPrefix)
	} else {
		broker = memory.New(cfg.Queue.PromoterInterval)
	}
	defer broker.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	billingSvc := billing.New(store, m)
	limiter := ratelimit.New(ratelimit.Config{
		SubmissionsPerSecond: cfg.RateLimit.SubmissionsPerSecond,
		SubmissionBurst:      cfg.RateLimit.SubmissionBurst,
		MaxConcurrentRunning: cfg.RateLimit.MaxConcurrentRunning,
	})
	core := dispatch.New(store, broker, billingSvc, nil, limiter, m)

	registry := runner.Registry{
		"echo": echoProcessor,
	}

	loop := runner.New(runner.Config{
		ID:                *runnerID,
		Name:              *runnerName,
		Concurrency:       cfg.Runner.MaxConcurrentJobs,
		HeartbeatInterval: cfg.Runner.HeartbeatInterval,
		PopTimeout:        cfg.Queue.PopTimeout,
		DrainGracePeriod:  cfg.Runner.DrainGracePeriod,
	}, store, broker, core, registry, m, log)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutting down worker")
		cancel()
	}()

	log.Info().Str("runner_id", *runnerID).Msg("runner loop starting")
	if err := loop.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("runner loop error")
	}
	log.Info().Msg("runner loop stopped")
}
