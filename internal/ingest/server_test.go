package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	taskdomain "gridq/internal/domain/task"
	"gridq/internal/infra/observability"
	"gridq/internal/infra/store"
)

const (
	testSecret = "test-secret"
	testToken  = "test-admin-token"
)

func newTestServer(t *testing.T) (*Server, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	srv := NewServer(st, Config{
		ListenAddr:    ":0",
		Secret:        testSecret,
		AdminToken:    testToken,
		WatchInterval: 50 * time.Millisecond,
	}, nil, nil, nil)
	return srv, st
}

// leaseTask enqueues and leases one task so callbacks have a live leaseholder.
func leaseTask(t *testing.T, st *store.MemoryStore, leasedBy string) *taskdomain.Task {
	t.Helper()
	backend := "slurm"
	_, err := st.Enqueue(context.Background(), taskdomain.Spec{
		TaskType:      "demo_sleep",
		TargetBackend: &backend,
	})
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	leased, err := st.LeaseOne(context.Background(), taskdomain.LeaseRequest{
		LeasedBy:      leasedBy,
		LeaseSeconds:  120,
		TargetBackend: &backend,
	})
	if err != nil {
		t.Fatalf("Failed to lease: %v", err)
	}
	if leased == nil {
		t.Fatal("Expected to lease the enqueued task")
	}
	return leased
}

func postResult(t *testing.T, srv *Server, body []byte, sig string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/task-result", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sig != "" {
		req.Header.Set(SignatureHeader, sig)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Errorf("Expected ok body, got %s", rec.Body.String())
	}
}

func TestTaskResult_SignedDone(t *testing.T) {
	srv, st := newTestServer(t)
	leased := leaseTask(t, st, "host:abc")

	body, _ := json.Marshal(ResultEnvelope{
		TaskID:   leased.ID,
		LeasedBy: "host:abc",
		OK:       true,
		Result:   taskdomain.Document{"x": float64(1)},
	})
	rec := postResult(t, srv, body, Sign(testSecret, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"status":"done"`) {
		t.Errorf("Expected status done, got %s", rec.Body.String())
	}

	after, err := st.Get(context.Background(), leased.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if after.Status != taskdomain.StatusDone {
		t.Errorf("Expected done, got %s", after.Status)
	}
	if after.Result["x"] != float64(1) {
		t.Errorf("Expected result to be stored, got %v", after.Result)
	}
	if after.LeaseExpiresAt != nil {
		t.Error("lease_expires_at must be nulled on done")
	}
}

func TestTaskResult_DuplicateIsNoOp(t *testing.T) {
	srv, st := newTestServer(t)
	leased := leaseTask(t, st, "host:abc")

	body, _ := json.Marshal(ResultEnvelope{
		TaskID:   leased.ID,
		LeasedBy: "host:abc",
		OK:       true,
		Result:   taskdomain.Document{"x": float64(1)},
	})
	sig := Sign(testSecret, body)

	first := postResult(t, srv, body, sig)
	second := postResult(t, srv, body, sig)

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("Both deliveries should be 200, got %d then %d", first.Code, second.Code)
	}

	after, _ := st.Get(context.Background(), leased.ID)
	if after.Status != taskdomain.StatusDone {
		t.Errorf("Status must stay done after duplicate, got %s", after.Status)
	}
}

func TestTaskResult_SignedFailure(t *testing.T) {
	srv, st := newTestServer(t)
	leased := leaseTask(t, st, "host:abc")

	body, _ := json.Marshal(ResultEnvelope{
		TaskID:   leased.ID,
		LeasedBy: "host:abc",
		OK:       false,
	})
	rec := postResult(t, srv, body, Sign(testSecret, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"failed"`) {
		t.Errorf("Expected status failed, got %s", rec.Body.String())
	}

	after, _ := st.Get(context.Background(), leased.ID)
	if after.Status != taskdomain.StatusFailed {
		t.Errorf("Expected failed, got %s", after.Status)
	}
	if after.Error != "unknown error" {
		t.Errorf("Expected default error text, got %q", after.Error)
	}
}

func TestTaskResult_BadSignature(t *testing.T) {
	srv, st := newTestServer(t)
	leased := leaseTask(t, st, "host:abc")

	body, _ := json.Marshal(ResultEnvelope{TaskID: leased.ID, LeasedBy: "host:abc", OK: true})

	cases := []struct {
		name string
		sig  string
	}{
		{"missing", ""},
		{"wrong", Sign("other-secret", body)},
		{"garbage", "not-hex"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postResult(t, srv, body, tc.sig)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("Expected 401, got %d", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), "bad signature") {
				t.Errorf("Expected bad signature body, got %s", rec.Body.String())
			}
			after, _ := st.Get(context.Background(), leased.ID)
			if after.Status != taskdomain.StatusLeased {
				t.Errorf("Row must be untouched on auth failure, got %s", after.Status)
			}
		})
	}
}

func TestTaskResult_EmptySecretRejectsAll(t *testing.T) {
	st := store.NewMemoryStore()
	srv := NewServer(st, Config{Secret: ""}, nil, nil, nil)

	body := []byte(`{"task_id":"x","leased_by":"y","ok":true}`)
	rec := postResult(t, srv, body, Sign("", body))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("Empty secret must reject even self-consistent signatures, got %d", rec.Code)
	}
}

func TestTaskResult_StaleLeaseholderCannotClobber(t *testing.T) {
	srv, st := newTestServer(t)
	leased := leaseTask(t, st, "host:L1")

	// Simulate a requeue plus re-lease by a second orchestrator.
	if ok, err := st.MarkFailed(context.Background(), leased.ID, "host:L1", "lost", true); err != nil || !ok {
		t.Fatalf("Requeue failed: ok=%v err=%v", ok, err)
	}
	backend := "slurm"
	relased, err := st.LeaseOne(context.Background(), taskdomain.LeaseRequest{
		LeasedBy: "host:L2", LeaseSeconds: 120, TargetBackend: &backend,
	})
	if err != nil || relased == nil {
		t.Fatalf("Re-lease failed: %v", err)
	}

	body, _ := json.Marshal(ResultEnvelope{TaskID: leased.ID, LeasedBy: "host:L1", OK: true})
	rec := postResult(t, srv, body, Sign(testSecret, body))
	if rec.Code != http.StatusOK {
		t.Fatalf("Stale callback still answers 200, got %d", rec.Code)
	}

	after, _ := st.Get(context.Background(), leased.ID)
	if after.Status != taskdomain.StatusLeased || after.LeasedBy != "host:L2" {
		t.Errorf("Stale callback must not disturb the new lease: status=%s leased_by=%s",
			after.Status, after.LeasedBy)
	}
}

func TestTaskResult_EmitsSpanWithOutcome(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	st := store.NewMemoryStore()
	srv := NewServer(st, Config{Secret: testSecret}, nil, nil,
		observability.NewTracerProviderWith(provider.Tracer("test")))
	leased := leaseTask(t, st, "host:abc")

	body, _ := json.Marshal(ResultEnvelope{TaskID: leased.ID, LeasedBy: "host:abc", OK: true})
	if rec := postResult(t, srv, body, Sign(testSecret, body)); rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Name() != observability.SpanIngestResult {
		t.Fatalf("Expected one ingest span, got %d", len(spans))
	}
	var sawOutcome, sawTaskID bool
	for _, attr := range spans[0].Attributes() {
		switch string(attr.Key) {
		case observability.AttrStatus:
			sawOutcome = attr.Value.AsString() == "done"
		case observability.AttrTaskID:
			sawTaskID = attr.Value.AsString() == leased.ID
		}
	}
	if !sawOutcome || !sawTaskID {
		t.Errorf("Span should record outcome and task id, got %v", spans[0].Attributes())
	}
}

func TestAdmin_RequiresToken(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, header := range []string{"", "Bearer wrong", "Basic " + testToken} {
		req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("Header %q: expected 401, got %d", header, rec.Code)
		}
	}
}

func TestAdmin_ListGetCancelStats(t *testing.T) {
	srv, st := newTestServer(t)
	task, err := st.Enqueue(context.Background(), taskdomain.Spec{TaskType: "demo_sleep"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	do := func(method, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("Authorization", "Bearer "+testToken)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	if rec := do(http.MethodGet, "/api/tasks?status=queued"); rec.Code != http.StatusOK {
		t.Errorf("List: expected 200, got %d", rec.Code)
	}
	if rec := do(http.MethodGet, "/api/tasks?status=bogus"); rec.Code != http.StatusBadRequest {
		t.Errorf("List with bad status: expected 400, got %d", rec.Code)
	}
	if rec := do(http.MethodGet, "/api/tasks/"+task.ID); rec.Code != http.StatusOK {
		t.Errorf("Get: expected 200, got %d", rec.Code)
	}
	if rec := do(http.MethodGet, "/api/tasks/missing"); rec.Code != http.StatusNotFound {
		t.Errorf("Get missing: expected 404, got %d", rec.Code)
	}
	if rec := do(http.MethodGet, "/api/tasks/stats"); rec.Code != http.StatusOK {
		t.Errorf("Stats: expected 200, got %d", rec.Code)
	}

	if rec := do(http.MethodPost, "/api/tasks/"+task.ID+"/cancel"); rec.Code != http.StatusOK {
		t.Errorf("Cancel: expected 200, got %d", rec.Code)
	}
	// Second cancel conflicts: terminal states are sticky.
	if rec := do(http.MethodPost, "/api/tasks/"+task.ID+"/cancel"); rec.Code != http.StatusConflict {
		t.Errorf("Re-cancel: expected 409, got %d", rec.Code)
	}
}

func TestWatch_PushesFrames(t *testing.T) {
	srv, st := newTestServer(t)
	if _, err := st.Enqueue(context.Background(), taskdomain.Spec{TaskType: "demo_sleep"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/tasks/watch"
	header := http.Header{"Authorization": {"Bearer " + testToken}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial failed: %v (resp=%v)", err, resp)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame watchFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if frame.Counts[taskdomain.StatusQueued] != 1 {
		t.Errorf("Expected one queued task in frame, got %v", frame.Counts)
	}
	if len(frame.Recent) != 1 {
		t.Errorf("Expected one recent task, got %d", len(frame.Recent))
	}
}

func TestSignRoundTrip(t *testing.T) {
	body := []byte(`{"task_id":"a"}`)
	sig := Sign("k", body)
	if !VerifySignature("k", body, sig) {
		t.Error("Signature should verify against the same secret and body")
	}
	if VerifySignature("k", []byte(`{"task_id":"b"}`), sig) {
		t.Error("Signature must not verify against a different body")
	}
	if VerifySignature("other", body, sig) {
		t.Error("Signature must not verify against a different secret")
	}
}
