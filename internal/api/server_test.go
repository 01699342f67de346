package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/config"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/jobqueue"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/models"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/ratelimit"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/service"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/workerpool"
)

func newTestServer(t *testing.T, limiter *ratelimit.Limiter) (http.Handler, *service.Service) {
	t.Helper()
	svc := service.New(jobqueue.New(jobqueue.Options{PollInterval: 10 * time.Millisecond}), workerpool.NewManager(2, 4), nil, nil)
	t.Cleanup(func() { svc.Shutdown(true) })

	srv := New(config.Config{}, svc, limiter)
	return srv.Router(), svc
}

func postJSON(t *testing.T, router http.Handler, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func get(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestSubmitAndStatusRoundTrip(t *testing.T) {
	router, svc := newTestServer(t, nil)
	svc.RegisterHandler("email_digest", func(ctx context.Context, job *models.JobRecord) (any, error) {
		return map[string]any{"sent": 5}, nil
	})

	rec := postJSON(t, router, "/background-jobs", map[string]any{
		"type":    "email_digest",
		"payload": map[string]any{"tenant": "acme"},
	}, map[string]string{"X-Owner-ID": "tenant-1"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp submitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.JobID == "" || resp.Status != "queued" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	deadline := time.Now().Add(5 * time.Second)
	var job models.JobRecord
	for {
		st := get(t, router, "/background-jobs/"+resp.JobID)
		if st.Code != http.StatusOK {
			t.Fatalf("status request failed: %d", st.Code)
		}
		if err := json.Unmarshal(st.Body.Bytes(), &job); err != nil {
			t.Fatalf("decode job: %v", err)
		}
		if job.Status == models.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck in %s", job.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if job.Type != "email_digest" {
		t.Fatalf("unexpected job type %q", job.Type)
	}
	if job.OwnerID == nil || *job.OwnerID != "tenant-1" {
		t.Fatalf("owner not recorded: %+v", job.OwnerID)
	}

	// The query form resolves the same record.
	qs := get(t, router, "/background-jobs?job_id="+resp.JobID)
	if qs.Code != http.StatusOK {
		t.Fatalf("query status failed: %d", qs.Code)
	}
}

func TestSubmitValidation(t *testing.T) {
	router, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/background-jobs", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid json, got %d", rec.Code)
	}

	if rec := postJSON(t, router, "/background-jobs", map[string]any{"payload": map[string]any{}}, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing type, got %d", rec.Code)
	}

	if rec := postJSON(t, router, "/background-jobs", map[string]any{"type": "no_such_type"}, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", rec.Code)
	}
}

func TestSubmitRateLimited(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	limiter := ratelimit.NewLimiter(client, 2, 0.001, time.Hour)
	router, svc := newTestServer(t, limiter)
	svc.RegisterHandler("email_digest", func(ctx context.Context, job *models.JobRecord) (any, error) {
		return nil, nil
	})

	hdr := map[string]string{"X-Owner-ID": "tenant-9"}
	body := map[string]any{"type": "email_digest"}
	for i := 0; i < 2; i++ {
		if rec := postJSON(t, router, "/background-jobs", body, hdr); rec.Code != http.StatusAccepted {
			t.Fatalf("submit %d: expected 202, got %d", i, rec.Code)
		}
	}
	if rec := postJSON(t, router, "/background-jobs", body, hdr); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after bucket drained, got %d", rec.Code)
	}

	// A different owner has an untouched bucket.
	other := map[string]string{"X-Owner-ID": "tenant-10"}
	if rec := postJSON(t, router, "/background-jobs", body, other); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for fresh owner, got %d", rec.Code)
	}
}

func TestGetJobNotFound(t *testing.T) {
	router, _ := newTestServer(t, nil)

	if rec := get(t, router, "/background-jobs/job_missing"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := get(t, router, "/background-jobs"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without job_id, got %d", rec.Code)
	}
}

func TestCancelEndpoint(t *testing.T) {
	router, svc := newTestServer(t, nil)

	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	svc.RegisterHandler("slow", func(ctx context.Context, job *models.JobRecord) (any, error) {
		started <- struct{}{}
		<-gate
		return nil, nil
	})
	defer close(gate)

	if _, err := svc.SubmitJob(context.Background(), "slow", nil, "", ""); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started

	id, err := svc.SubmitJob(context.Background(), "slow", nil, "", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	rec := postJSON(t, router, "/background-jobs/"+id+"/cancel", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	// Cancelling a finished job conflicts.
	if rec := postJSON(t, router, "/background-jobs/"+id+"/cancel", nil, nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for second cancel, got %d", rec.Code)
	}
	if rec := postJSON(t, router, "/background-jobs/job_missing/cancel", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", rec.Code)
	}
}

func TestQueueStatsEndpoint(t *testing.T) {
	router, svc := newTestServer(t, nil)
	svc.RegisterHandler("noop", func(ctx context.Context, job *models.JobRecord) (any, error) {
		return nil, nil
	})
	for i := 0; i < 3; i++ {
		if _, err := svc.SubmitJob(context.Background(), "noop", nil, "", ""); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	rec := get(t, router, "/background-jobs/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats models.QueueStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Submitted != 3 {
		t.Fatalf("expected 3 submitted, got %d", stats.Submitted)
	}
}

func TestPoolEndpoints(t *testing.T) {
	router, svc := newTestServer(t, nil)

	done := make(chan struct{})
	if _, err := svc.SubmitToPool("pdf-render", func(ctx context.Context) error {
		close(done)
		return nil
	}, ""); err != nil {
		t.Fatalf("submit to pool: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool task never ran")
	}

	rec := get(t, router, "/pools/pdf-render/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats models.PoolStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Name != "pdf-render" || stats.Total != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	if rec := get(t, router, "/pools/ghost/stats"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown pool, got %d", rec.Code)
	}

	all := get(t, router, "/pools")
	if all.Code != http.StatusOK || !strings.Contains(all.Body.String(), "pdf-render") {
		t.Fatalf("pool listing missing pool: %d %s", all.Code, all.Body.String())
	}

	if rec := postJSON(t, router, "/pools/pdf-render/shutdown?wait=true", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := get(t, router, "/pools/pdf-render/stats"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after shutdown, got %d", rec.Code)
	}
}

func TestDLQWithoutEscalator(t *testing.T) {
	router, _ := newTestServer(t, nil)
	if rec := get(t, router, "/dlq"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without escalator, got %d", rec.Code)
	}
}

func TestHealthzReportsQueue(t *testing.T) {
	router, _ := newTestServer(t, nil)

	rec := get(t, router, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected healthz body: %v", body)
	}
	if _, ok := body["queue"]; !ok {
		t.Fatal("healthz missing queue stats")
	}
}

func TestMetricsMounted(t *testing.T) {
	router, _ := newTestServer(t, nil)

	rec := get(t, router, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "bgjobs_") {
		t.Fatalf("expected bgjobs metrics, got: %s", firstLine(rec.Body.String()))
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
