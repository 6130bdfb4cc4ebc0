package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"gridq/internal/backend"
	taskdomain "gridq/internal/domain/task"
	"gridq/internal/ingest"
)

const testSecret = "worker-secret"

// captureIngest records signed envelopes the way the real ingest would.
func captureIngest(t *testing.T, got *atomic.Pointer[ingest.ResultEnvelope]) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("Read body: %v", err)
		}
		if !ingest.VerifySignature(testSecret, body, r.Header.Get(ingest.SignatureHeader)) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var envelope ingest.ResultEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		got.Store(&envelope)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true,"status":"done"}`))
	}))
}

func writeTaskFile(t *testing.T, tf TaskFile) string {
	t.Helper()
	data, err := json.Marshal(tf)
	if err != nil {
		t.Fatalf("Marshal task file: %v", err)
	}
	path := filepath.Join(t.TempDir(), "task.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("Write task file: %v", err)
	}
	return path
}

func TestLoadTaskFile(t *testing.T) {
	path := writeTaskFile(t, TaskFile{
		TaskID:   "t1",
		LeasedBy: "host:abc",
		TaskType: "demo_sleep",
		Payload:  taskdomain.Document{"sleep_s": float64(0)},
	})

	tf, err := LoadTaskFile(path)
	if err != nil {
		t.Fatalf("LoadTaskFile failed: %v", err)
	}
	if tf.TaskID != "t1" || tf.TaskType != "demo_sleep" {
		t.Errorf("Unexpected task file contents: %+v", tf)
	}

	if _, err := LoadTaskFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Expected error for missing file")
	}

	incomplete := writeTaskFile(t, TaskFile{TaskID: "t2"})
	if _, err := LoadTaskFile(incomplete); err == nil {
		t.Error("Expected error for incomplete task file")
	}
}

func TestRunner_PostsSuccessEnvelope(t *testing.T) {
	var got atomic.Pointer[ingest.ResultEnvelope]
	ts := captureIngest(t, &got)
	defer ts.Close()

	runner := NewRunner(
		backend.NewLocal(nil),
		NewResultClient(ts.URL, testSecret, nil),
		nil,
	)
	err := runner.Run(context.Background(), &TaskFile{
		TaskID:   "t1",
		LeasedBy: "host:abc",
		TaskType: "demo_sleep",
		Payload:  taskdomain.Document{"sleep_s": float64(0)},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	envelope := got.Load()
	if envelope == nil {
		t.Fatal("Expected an envelope to be delivered")
	}
	if !envelope.OK {
		t.Errorf("Expected ok envelope, got error %q", envelope.Error)
	}
	if envelope.TaskID != "t1" || envelope.LeasedBy != "host:abc" {
		t.Errorf("Envelope addressing wrong: %+v", envelope)
	}
	if envelope.Result["slept"] != float64(0) {
		t.Errorf("Expected result document, got %v", envelope.Result)
	}
}

func TestRunner_PostsFailureEnvelope(t *testing.T) {
	var got atomic.Pointer[ingest.ResultEnvelope]
	ts := captureIngest(t, &got)
	defer ts.Close()

	runner := NewRunner(
		backend.NewLocal(nil),
		NewResultClient(ts.URL, testSecret, nil),
		nil,
	)
	err := runner.Run(context.Background(), &TaskFile{
		TaskID:   "t2",
		LeasedBy: "host:abc",
		TaskType: "demo_sleep",
		Payload:  taskdomain.Document{"sleep_s": "bogus"},
	})
	if err != nil {
		t.Fatalf("Run should succeed when the failure envelope is delivered: %v", err)
	}

	envelope := got.Load()
	if envelope == nil {
		t.Fatal("Expected an envelope to be delivered")
	}
	if envelope.OK {
		t.Error("Expected a failure envelope")
	}
	if envelope.Error == "" {
		t.Error("Failure envelope must carry the error text")
	}
}

func TestResultClient_WrongSecretIsPermanent(t *testing.T) {
	var got atomic.Pointer[ingest.ResultEnvelope]
	ts := captureIngest(t, &got)
	defer ts.Close()

	client := NewResultClient(ts.URL, "wrong-secret", nil)
	err := client.Post(context.Background(), ingest.ResultEnvelope{TaskID: "t3", LeasedBy: "x", OK: true})
	if err == nil {
		t.Fatal("Expected delivery to fail against a mismatched secret")
	}
	if got.Load() != nil {
		t.Error("No envelope should have been accepted")
	}
}
