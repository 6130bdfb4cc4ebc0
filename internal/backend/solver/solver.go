// Package solver hosts the combinatorial executors the local backend runs
// in-process: completing a partial latin square and searching for an
// orthogonal latin square pair. Both honor a wall-clock deadline and a work
// budget from the task payload, and both report exhausting the budget as a
// timeout outcome, not an error.
package solver

import (
	"encoding/json"
	"fmt"
	"time"

	taskdomain "gridq/internal/domain/task"
)

// Search outcome statuses recorded in the result document.
const (
	StatusDone       = "done"
	StatusNoSolution = "no_solution"
	StatusTimeout    = "timeout"
)

const (
	defaultTimeLimitSec = 60
	maxTimeLimitSec     = 1800
	defaultMaxSteps     = 2_000_000
	defaultMaxNodes     = 3_000_000
)

// budgetSpec is the payload's budget block.
type budgetSpec struct {
	TimeLimitSec int   `json:"time_limit_sec"`
	MaxSteps     int64 `json:"max_steps"`
	MaxNodes     int64 `json:"max_nodes"`
}

func (b *budgetSpec) normalize() {
	if b.TimeLimitSec <= 0 {
		b.TimeLimitSec = defaultTimeLimitSec
	}
	if b.TimeLimitSec > maxTimeLimitSec {
		b.TimeLimitSec = maxTimeLimitSec
	}
	if b.MaxSteps <= 0 {
		b.MaxSteps = defaultMaxSteps
	}
	if b.MaxNodes <= 0 {
		b.MaxNodes = defaultMaxNodes
	}
}

func (b budgetSpec) deadline(from time.Time) time.Time {
	return from.Add(time.Duration(b.TimeLimitSec) * time.Second)
}

// decodePayload maps the task's payload document onto a typed spec.
func decodePayload(payload taskdomain.Document, into any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func copySquare(a [][]int) [][]int {
	out := make([][]int, len(a))
	for i := range a {
		out[i] = make([]int, len(a[i]))
		copy(out[i], a[i])
	}
	return out
}
