// Command api runs the submission surface: the Ledger Store, Queue Broker,
// Billing Core and Dispatch Core wired behind the httpapi HTTP server.
// Runners are a separate process (cmd/worker) that share the same Ledger
// Store and Queue Broker.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/bsn2000/dispatchcore/internal/billing"
	"github.com/bsn2000/dispatchcore/internal/config"
	"github.com/bsn2000/dispatchcore/internal/dispatch"
	"github.com/bsn2000/dispatchcore/internal/httpapi"
	"github.com/bsn2000/dispatchcore/internal/ledgerstore"
	"github.com/bsn2000/dispatchcore/internal/logging"
	"github.com/bsn2000/dispatchcore/internal/metrics"
	"github.com/bsn2000/dispatchcore/internal/queue"
	"github.com/bsn2000/dispatchcore/internal/queue/memory"
	"github.com/bsn2000/dispatchcore/internal/queue/redisbroker"
	"github.com/bsn2000/dispatchcore/internal/ratelimit"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
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

	reconciler := dispatch.NewReconciler(store, broker, billingSvc, cfg.Reconciler.StalenessThreshold, cfg.Queue.PromoterInterval, log, m)
	if err := reconciler.Start(cfg.Reconciler.CronSchedule); err != nil {
		log.Fatal().Err(err).Msg("start reconciler")
	}
	defer reconciler.Stop()

	server := httpapi.New(core, billingSvc, store, log)
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("submission surface starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-sigCh
	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
