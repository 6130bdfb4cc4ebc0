package janitor

import (
	"context"
	"errors"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	taskdomain "gridq/internal/domain/task"
	"gridq/internal/infra/observability"
)

// stubStore records the sweep calls; the embedded interface panics on
// anything the janitor has no business calling.
type stubStore struct {
	taskdomain.Store

	report    taskdomain.RequeueReport
	err       error
	counts    int
	sweeps    int
	threshold int
}

func (s *stubStore) CountStale(ctx context.Context, runningStaleSeconds int) (taskdomain.RequeueReport, error) {
	s.counts++
	s.threshold = runningStaleSeconds
	return s.report, s.err
}

func (s *stubStore) RequeueStale(ctx context.Context, runningStaleSeconds int) (taskdomain.RequeueReport, error) {
	s.sweeps++
	s.threshold = runningStaleSeconds
	return s.report, s.err
}

func TestCount_DryRunDoesNotSweep(t *testing.T) {
	s := &stubStore{report: taskdomain.RequeueReport{ExpiredLeases: 3, StaleRunning: 1}}
	j := New(s, 0, nil, nil, nil)

	report, err := j.Count(context.Background())
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if report.Total() != 4 {
		t.Errorf("Expected 4 stale rows, got %d", report.Total())
	}
	if s.sweeps != 0 {
		t.Error("Dry run must not call RequeueStale")
	}
	if s.threshold != DefaultRunningStaleSeconds {
		t.Errorf("Zero threshold should use the default, got %d", s.threshold)
	}
}

func TestSweep_UsesConfiguredThreshold(t *testing.T) {
	s := &stubStore{report: taskdomain.RequeueReport{StaleRunning: 2}}
	j := New(s, 120, nil, nil, nil)

	report, err := j.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if report.StaleRunning != 2 || s.sweeps != 1 {
		t.Errorf("Sweep not recorded: report=%+v sweeps=%d", report, s.sweeps)
	}
	if s.threshold != 120 {
		t.Errorf("Expected threshold 120, got %d", s.threshold)
	}
}

func TestSweep_EmitsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	s := &stubStore{report: taskdomain.RequeueReport{ExpiredLeases: 1}}
	j := New(s, 0, nil, nil, observability.NewTracerProviderWith(provider.Tracer("test")))

	if _, err := j.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Name() != observability.SpanJanitorSweep {
		t.Fatalf("Expected one sweep span, got %d", len(spans))
	}
}

func TestSweep_PropagatesStoreError(t *testing.T) {
	s := &stubStore{err: errors.New("connection reset")}
	j := New(s, 0, nil, nil, nil)

	if _, err := j.Sweep(context.Background()); err == nil {
		t.Fatal("Expected store error to propagate")
	}
	if _, err := j.Count(context.Background()); err == nil {
		t.Fatal("Expected store error to propagate")
	}
}
