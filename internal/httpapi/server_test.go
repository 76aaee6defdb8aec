package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bsn2000/dispatchcore/internal/billing"
	"github.com/bsn2000/dispatchcore/internal/dispatch"
	"github.com/bsn2000/dispatchcore/internal/ledgerstore/memstore"
	"github.com/bsn2000/dispatchcore/internal/models"
	"github.com/bsn2000/dispatchcore/internal/queue/memory"
	"github.com/bsn2000/dispatchcore/internal/retry"
)

func newTestServer(t *testing.T) (*Server, *memstore.Store, uuid.UUID, uuid.UUID) {
	t.Helper()
	store := memstore.New()
	broker := memory.New(20 * time.Millisecond)
	t.Cleanup(func() { broker.Close() })

	billingSvc := billing.New(store, nil)
	core := dispatch.New(store, broker, billingSvc, retry.ExponentialBackoff{}, nil, nil)

	customerID := uuid.New()
	store.SeedWallet(customerID, 10_000)
	jt := &models.JobType{ID: uuid.New(), Name: "render", ProcessingLogicID: "echo", StandardCostCents: 100, Enabled: true}
	if err := store.CreateJobType(context.Background(), jt); err != nil {
		t.Fatalf("create job type: %v", err)
	}

	log := zerolog.New(io.Discard)
	return New(core, billingSvc, store, &log), store, customerID, jt.ID
}

func doRequest(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func Test_SubmitJob_ReturnsCreatedWithPendingJob(t *testing.T) {
	srv, _, customerID, jobTypeID := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/v1/jobs", submitJobRequest{
		CustomerID: customerID.String(),
		JobTypeID:  jobTypeID.String(),
		Priority:   "high",
		Input:      json.RawMessage(`{"x":1}`),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body=%s", rec.Code, rec.Body.String())
	}

	var job models.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if job.Status != models.StatusPending {
		t.Errorf("status = %v, want Pending", job.Status)
	}
}

func Test_SubmitJob_RejectsMalformedCustomerID(t *testing.T) {
	srv, _, _, jobTypeID := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/v1/jobs", submitJobRequest{
		CustomerID: "not-a-uuid",
		JobTypeID:  jobTypeID.String(),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func Test_SubmitJob_InsufficientFundsMapsTo402(t *testing.T) {
	srv, store, _, jobTypeID := newTestServer(t)
	poorCustomer := uuid.New()
	store.SeedWallet(poorCustomer, 1)

	rec := doRequest(t, srv, http.MethodPost, "/v1/jobs", submitJobRequest{
		CustomerID: poorCustomer.String(),
		JobTypeID:  jobTypeID.String(),
	})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402, body=%s", rec.Code, rec.Body.String())
	}
}

func Test_GetJob_ReturnsNotFoundForUnknownID(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/v1/jobs/"+uuid.New().String(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func Test_CancelJob_ThenGetShowsCancelled(t *testing.T) {
	srv, _, customerID, jobTypeID := newTestServer(t)

	createRec := doRequest(t, srv, http.MethodPost, "/v1/jobs", submitJobRequest{
		CustomerID: customerID.String(), JobTypeID: jobTypeID.String(),
	})
	var job models.Job
	_ = json.Unmarshal(createRec.Body.Bytes(), &job)

	cancelRec := doRequest(t, srv, http.MethodDelete, "/v1/jobs/"+job.ID.String(), nil)
	if cancelRec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, want 200, body=%s", cancelRec.Code, cancelRec.Body.String())
	}

	getRec := doRequest(t, srv, http.MethodGet, "/v1/jobs/"+job.ID.String(), nil)
	var got models.Job
	_ = json.Unmarshal(getRec.Body.Bytes(), &got)
	if got.Status != models.StatusCancelled {
		t.Fatalf("status = %v, want Cancelled", got.Status)
	}
}

func Test_RegisterRunnerThenHeartbeat(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	registerRec := doRequest(t, srv, http.MethodPost, "/v1/runners/runner-1/register", registerRunnerRequest{
		Name: "worker-1",
	})
	if registerRec.Code != http.StatusOK {
		t.Fatalf("register status = %d, want 200, body=%s", registerRec.Code, registerRec.Body.String())
	}

	hbRec := doRequest(t, srv, http.MethodPost, "/v1/runners/runner-1/heartbeat", nil)
	if hbRec.Code != http.StatusNoContent {
		t.Fatalf("heartbeat status = %d, want 204", hbRec.Code)
	}
}

func Test_GetWallet_ReturnsBalanceAndReserved(t *testing.T) {
	srv, _, customerID, jobTypeID := newTestServer(t)
	_ = doRequest(t, srv, http.MethodPost, "/v1/jobs", submitJobRequest{
		CustomerID: customerID.String(), JobTypeID: jobTypeID.String(),
	})

	rec := doRequest(t, srv, http.MethodGet, "/v1/customers/"+customerID.String()+"/wallet", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var wallet models.Wallet
	if err := json.Unmarshal(rec.Body.Bytes(), &wallet); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wallet.ReservedCents != 100 {
		t.Errorf("reserved = %d, want 100", wallet.ReservedCents)
	}
}
