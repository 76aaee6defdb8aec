package runner

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/bsn2000/dispatchcore/internal/billing"
	"github.com/bsn2000/dispatchcore/internal/dispatch"
	"github.com/bsn2000/dispatchcore/internal/ledgerstore/memstore"
	"github.com/bsn2000/dispatchcore/internal/metrics"
	"github.com/bsn2000/dispatchcore/internal/models"
	"github.com/bsn2000/dispatchcore/internal/queue/memory"
	"github.com/bsn2000/dispatchcore/internal/retry"
)

func discardLogger() *zerolog.Logger {
	l := zerolog.New(io.Discard)
	return &l
}

func Test_RunnerAccepts_NoFilterAcceptsEverything(t *testing.T) {
	if !runnerAccepts(nil, "anything") {
		t.Error("empty compatibility list should accept every processing logic id")
	}
}

func Test_RunnerAccepts_FiltersByProcessingLogicID(t *testing.T) {
	compatible := []string{"render", "transcode"}
	if !runnerAccepts(compatible, "render") {
		t.Error("expected render to be accepted")
	}
	if runnerAccepts(compatible, "encrypt") {
		t.Error("expected encrypt to be rejected")
	}
}

func Test_Loop_ClaimsExecutesAndCompletesAJob(t *testing.T) {
	store := memstore.New()
	broker := memory.New(20 * time.Millisecond)
	defer broker.Close()

	m := metrics.New(prometheus.NewRegistry())
	billingSvc := billing.New(store, m)
	core := dispatch.New(store, broker, billingSvc, retry.ExponentialBackoff{}, nil, m)

	customerID := uuid.New()
	store.SeedWallet(customerID, 10_000)
	jt := &models.JobType{ID: uuid.New(), Name: "render", ProcessingLogicID: "echo", StandardCostCents: 100, Enabled: true}
	ctx := context.Background()
	if err := store.CreateJobType(ctx, jt); err != nil {
		t.Fatalf("create job type: %v", err)
	}
	job, err := core.Submit(ctx, customerID, jt.ID, nil, models.PriorityMedium, []byte(`{}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := broker.Enqueue(ctx, job.ID, job.Priority); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	registry := Registry{"echo": func(ctx context.Context, job *models.Job) ([]byte, int64, error) {
		return []byte(`"done"`), 80, nil
	}}
	loop := New(Config{
		ID: "runner-test", Name: "test", Concurrency: 1,
		HeartbeatInterval: 10 * time.Millisecond, PopTimeout: 20 * time.Millisecond, DrainGracePeriod: time.Second,
	}, store, broker, core, registry, m, discardLogger())

	runCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	if err := loop.Run(runCtx); err != nil {
		t.Fatalf("run: %v", err)
	}

	completed, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if completed.Status != models.StatusSucceeded {
		t.Fatalf("status = %v, want Succeeded", completed.Status)
	}
}

func Test_Loop_RequeuesJobsItIsNotCompatibleWith(t *testing.T) {
	store := memstore.New()
	broker := memory.New(20 * time.Millisecond)
	defer broker.Close()

	m := metrics.New(prometheus.NewRegistry())
	billingSvc := billing.New(store, m)
	core := dispatch.New(store, broker, billingSvc, retry.ExponentialBackoff{}, nil, m)

	customerID := uuid.New()
	store.SeedWallet(customerID, 10_000)
	jt := &models.JobType{ID: uuid.New(), Name: "transcode", ProcessingLogicID: "transcode-v2", StandardCostCents: 100, Enabled: true}
	ctx := context.Background()
	_ = store.CreateJobType(ctx, jt)
	job, _ := core.Submit(ctx, customerID, jt.ID, nil, models.PriorityMedium, json.RawMessage(`{}`))
	_ = broker.Enqueue(ctx, job.ID, job.Priority)

	loop := New(Config{
		ID: "runner-test", Name: "test", Concurrency: 1, CompatibleTypes: []string{"echo"},
		HeartbeatInterval: 10 * time.Millisecond, PopTimeout: 20 * time.Millisecond, DrainGracePeriod: time.Second,
	}, store, broker, core, Registry{}, m, discardLogger())

	runCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	_ = loop.Run(runCtx)

	// Still Pending: the runner put it back rather than claiming it.
	untouched, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if untouched.Status != models.StatusPending {
		t.Fatalf("status = %v, want Pending (incompatible job should be requeued, not claimed)", untouched.Status)
	}
}

func Test_Loop_FailsJobWithNoRegisteredProcessor(t *testing.T) {
	store := memstore.New()
	broker := memory.New(20 * time.Millisecond)
	defer broker.Close()

	m := metrics.New(prometheus.NewRegistry())
	billingSvc := billing.New(store, m)
	core := dispatch.New(store, broker, billingSvc, retry.ExponentialBackoff{}, nil, m)

	customerID := uuid.New()
	store.SeedWallet(customerID, 10_000)
	jt := &models.JobType{ID: uuid.New(), Name: "mystery", ProcessingLogicID: "unregistered", StandardCostCents: 100, Enabled: true}
	ctx := context.Background()
	_ = store.CreateJobType(ctx, jt)
	job, _ := core.Submit(ctx, customerID, jt.ID, nil, models.PriorityMedium, json.RawMessage(`{}`))
	_ = broker.Enqueue(ctx, job.ID, job.Priority)

	loop := New(Config{
		ID: "runner-test", Name: "test", Concurrency: 1,
		HeartbeatInterval: 10 * time.Millisecond, PopTimeout: 20 * time.Millisecond, DrainGracePeriod: time.Second,
	}, store, broker, core, Registry{}, m, discardLogger())

	runCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_ = loop.Run(runCtx)

	updated, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if updated.Status != models.StatusFailed {
		t.Fatalf("status = %v, want Failed", updated.Status)
	}
	if updated.LastError == "" {
		t.Error("expected a last_error message explaining the missing processor")
	}
}
