package task

import (
	"testing"
)

func TestStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusQueued, false},
		{StatusLeased, false},
		{StatusRunning, false},
		{StatusDone, true},
		{StatusFailed, true},
		{StatusCanceled, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Errorf("IsTerminal(%s) = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("running")
	if err != nil {
		t.Fatalf("ParseStatus(running) returned error: %v", err)
	}
	if st != StatusRunning {
		t.Fatalf("ParseStatus(running) = %v", st)
	}
	if _, err := ParseStatus("succeeded"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestDocumentMerged(t *testing.T) {
	base := Document{"stage": "submitted", "job": "42"}
	patch := Document{"stage": "waiting", "state": "RUNNING"}

	merged := base.Merged(patch)

	if merged["stage"] != "waiting" {
		t.Fatalf("patch key should win, got %v", merged["stage"])
	}
	if merged["job"] != "42" {
		t.Fatalf("base key should survive, got %v", merged["job"])
	}
	if merged["state"] != "RUNNING" {
		t.Fatalf("new key should appear, got %v", merged["state"])
	}
	if base["stage"] != "submitted" {
		t.Fatal("Merged must not mutate the receiver")
	}
}

func TestDocumentMergedNilSafety(t *testing.T) {
	var nilDoc Document
	if got := nilDoc.Merged(nil); got != nil {
		t.Fatalf("nil merged with nil should stay nil, got %v", got)
	}
	if got := nilDoc.Merged(Document{"a": 1}); got["a"] != 1 {
		t.Fatalf("merge into nil receiver failed: %v", got)
	}
	if got := (Document{"a": 1}).Merged(nil); got["a"] != 1 {
		t.Fatalf("merge of nil patch failed: %v", got)
	}
}

func TestDocumentClone(t *testing.T) {
	if got := (Document)(nil).Clone(); got != nil {
		t.Fatalf("nil clone should stay nil, got %v", got)
	}
	orig := Document{"k": "v"}
	cl := orig.Clone()
	cl["k"] = "changed"
	if orig["k"] != "v" {
		t.Fatal("Clone must not share storage with the original")
	}
}

func TestSpecNormalize(t *testing.T) {
	spec := Spec{TaskType: "demo_sleep"}
	if err := spec.Normalize(); err != nil {
		t.Fatalf("Normalize returned error: %v", err)
	}
	if spec.Priority != DefaultPriority {
		t.Fatalf("expected default priority %d, got %d", DefaultPriority, spec.Priority)
	}
	if spec.MaxAttempts != DefaultMaxAttempts {
		t.Fatalf("expected default max_attempts %d, got %d", DefaultMaxAttempts, spec.MaxAttempts)
	}
	if spec.N != 1 {
		t.Fatalf("expected n defaulted to 1, got %d", spec.N)
	}
	if spec.Payload == nil {
		t.Fatal("expected payload defaulted to empty document")
	}

	empty := Spec{}
	if err := empty.Normalize(); err == nil {
		t.Fatal("expected error for missing task_type")
	}
}

func TestRequeueReportTotal(t *testing.T) {
	r := RequeueReport{ExpiredLeases: 2, StaleRunning: 3}
	if r.Total() != 5 {
		t.Fatalf("Total() = %d, want 5", r.Total())
	}
}
