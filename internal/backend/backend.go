// Package backend defines the adapter contract between the orchestrator and
// the systems that actually execute tasks. A backend either runs a task
// synchronously in-process and returns the result document, or submits it to
// an external scheduler and hands back a handle plus a state poller; detached
// results arrive through the callback ingest, never through the adapter.
package backend

import (
	"context"

	taskdomain "gridq/internal/domain/task"
)

// JobState is the normalized view of a detached job's scheduler state.
type JobState string

const (
	JobPending JobState = "PENDING"
	JobRunning JobState = "RUNNING"
	// JobFinished means the scheduler no longer tracks the job; the result
	// envelope should arrive via callback shortly, if it hasn't already.
	JobFinished JobState = "FINISHED"
	// JobFailed means the scheduler itself reported a terminal failure; no
	// callback will arrive.
	JobFailed JobState = "FAILED"
)

// Terminal reports whether the scheduler will emit no further state changes.
func (s JobState) Terminal() bool {
	return s == JobFinished || s == JobFailed
}

// JobStatus pairs the normalized state with the scheduler's raw detail line,
// which reconciliation forwards in heartbeat metadata.
type JobStatus struct {
	State  JobState
	Detail string
}

// PollFunc polls a detached job's external state.
type PollFunc func(ctx context.Context) (JobStatus, error)

// Execution describes how a backend ran, or is running, a task. Exactly one
// shape applies: a synchronous execution carries the final result document;
// a detached execution carries the external handle and a poller.
type Execution struct {
	Result taskdomain.Document
	Handle string
	Poll   PollFunc
}

// Detached reports whether finalization happens out-of-process.
func (e *Execution) Detached() bool {
	return e.Poll != nil
}

// Backend executes tasks of the types it supports.
type Backend interface {
	// Name is the identity recorded in the task row's backend column.
	Name() string
	// Supports reports whether this backend can execute the task type.
	Supports(taskType string) bool
	// Detached reports whether executions finalize out-of-process. The
	// orchestrator marks a synchronous task running before Execute and a
	// detached one after, once the external handle exists.
	Detached() bool
	// Execute runs the task to completion (synchronous) or submits it
	// (detached). A returned error means the attempt failed before any
	// result existed; the orchestrator charges it against the retry budget
	// unless the error is permanent.
	Execute(ctx context.Context, task *taskdomain.Task) (*Execution, error)
}
