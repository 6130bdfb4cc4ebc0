package backend

import (
	"context"
	"errors"
	"testing"

	taskdomain "gridq/internal/domain/task"
	gridqerrors "gridq/internal/errors"
)

func TestLocal_SupportsRegisteredTypes(t *testing.T) {
	l := NewLocal(nil)

	for _, taskType := range []string{"demo_sleep", "latin_square_from_prefix", "mols_search"} {
		if !l.Supports(taskType) {
			t.Errorf("Expected local backend to support %q", taskType)
		}
	}
	if l.Supports("boinc_demo_sleep") {
		t.Error("Local backend should not claim boinc task types")
	}
}

func TestLocal_ExecuteDemoSleep(t *testing.T) {
	l := NewLocal(nil)

	task := &taskdomain.Task{
		ID:       "t1",
		TaskType: "demo_sleep",
		Payload:  taskdomain.Document{"sleep_s": float64(0)},
	}
	exec, err := l.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if exec.Detached() {
		t.Error("Local executions must be synchronous")
	}
	if exec.Result["ok"] != true {
		t.Errorf("Expected ok=true in result, got %v", exec.Result)
	}
	if exec.Result["slept"] != 0 {
		t.Errorf("Expected slept=0, got %v", exec.Result["slept"])
	}
	echo, ok := exec.Result["echo"].(taskdomain.Document)
	if !ok {
		t.Fatalf("Expected payload echo, got %T", exec.Result["echo"])
	}
	if echo["sleep_s"] != float64(0) {
		t.Errorf("Echo should carry the original payload, got %v", echo)
	}
}

func TestLocal_DemoSleepValidation(t *testing.T) {
	l := NewLocal(nil)

	cases := []struct {
		name    string
		payload taskdomain.Document
	}{
		{"negative", taskdomain.Document{"sleep_s": float64(-1)}},
		{"too large", taskdomain.Document{"sleep_s": float64(7200)}},
		{"fractional", taskdomain.Document{"sleep_s": 1.5}},
		{"non-numeric", taskdomain.Document{"sleep_s": "soon"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Execute(context.Background(), &taskdomain.Task{
				ID: "t2", TaskType: "demo_sleep", Payload: tc.payload,
			})
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !gridqerrors.IsPermanent(err) {
				t.Errorf("Validation failures must be permanent, got %v", err)
			}
		})
	}
}

func TestLocal_UnknownTypeIsPermanent(t *testing.T) {
	l := NewLocal(nil)

	_, err := l.Execute(context.Background(), &taskdomain.Task{ID: "t3", TaskType: "nope"})
	if err == nil {
		t.Fatal("Expected error for unregistered task type")
	}
	var perm *gridqerrors.PermanentError
	if !errors.As(err, &perm) {
		t.Errorf("Expected PermanentError, got %T", err)
	}
}

func TestLocal_RegisterOverrides(t *testing.T) {
	l := NewLocal(nil)
	l.Register("demo_sleep", func(ctx context.Context, task *taskdomain.Task) (taskdomain.Document, error) {
		return taskdomain.Document{"stub": true}, nil
	})

	exec, err := l.Execute(context.Background(), &taskdomain.Task{ID: "t4", TaskType: "demo_sleep"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if exec.Result["stub"] != true {
		t.Errorf("Expected the overriding executor to run, got %v", exec.Result)
	}
}
