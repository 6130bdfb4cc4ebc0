// Package task defines the queue's domain model and the store port.
//
// A Task is one durable work item. All coordination between producers,
// orchestrators, the callback ingest, and the janitor happens through the
// Store operations; the row's lease columns are the only shared state.
package task

import (
	"errors"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusLeased   Status = "leased"
	StatusRunning  Status = "running"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// AllStatuses lists every valid status, in lifecycle order.
func AllStatuses() []Status {
	return []Status{StatusQueued, StatusLeased, StatusRunning, StatusDone, StatusFailed, StatusCanceled}
}

// ParseStatus validates a user-supplied status string.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses() {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Default values applied when an enqueue spec leaves them unset. They match
// the column defaults in the schema.
const (
	DefaultPriority    = 100
	DefaultMaxAttempts = 10
	DefaultLeaseSecs   = 120
)

// Sentinel errors shared by every Store implementation.
var (
	// ErrNotFound is returned when no row matches the given id.
	ErrNotFound = errors.New("task not found")

	// ErrConflict is returned when an operation targets a row whose
	// terminal status forbids it, e.g. canceling a done task.
	ErrConflict = errors.New("task already terminal")
)

// Document is an arbitrary structured payload, stored as a JSON object.
type Document map[string]any

// Clone returns a shallow copy of the document. Nil stays nil.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Merged returns a new document with patch's top-level keys written over
// the receiver's. This mirrors the store-side jsonb `||` merge used by
// heartbeats: shallow, last write wins, nil-safe on both sides.
func (d Document) Merged(patch Document) Document {
	if d == nil && patch == nil {
		return nil
	}
	out := make(Document, len(d)+len(patch))
	for k, v := range d {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Task is the persisted row for a single unit of work.
type Task struct {
	ID       string `json:"id"`
	TaskType string `json:"task_type"`
	Status   Status `json:"status"`

	// N is a problem-size hint carried alongside the payload; priority is
	// the lease ordering key, higher first.
	N        int `json:"n"`
	Priority int `json:"priority"`

	// Attempts increments exactly once per queued -> leased transition.
	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	// TargetBackend selects which orchestrator pool may lease the row.
	// nil means "only orchestrators configured with no backend filter".
	TargetBackend *string `json:"target_backend,omitempty"`

	// Backend and BackendJobID are stamped by mark_running once an
	// execution has an external identity.
	Backend      string `json:"backend,omitempty"`
	BackendJobID string `json:"backend_job_id,omitempty"`

	LeasedBy        string     `json:"leased_by,omitempty"`
	LeasedAt        *time.Time `json:"leased_at,omitempty"`
	LeaseExpiresAt  *time.Time `json:"lease_expires_at,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`

	Payload Document `json:"payload"`
	Result  Document `json:"result,omitempty"`
	Error   string   `json:"error,omitempty"`

	// WorkerMeta accumulates heartbeat metadata, shallow-merged per beat.
	WorkerMeta Document `json:"worker_meta,omitempty"`

	ExitCode   *int       `json:"exit_code,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// RunID groups tasks enqueued as one batch.
	RunID string `json:"run_id,omitempty"`
}

// Spec is a producer's request to enqueue one task.
type Spec struct {
	TaskType      string   `json:"task_type"`
	Payload       Document `json:"payload"`
	N             int      `json:"n"`
	Priority      int      `json:"priority"`
	MaxAttempts   int      `json:"max_attempts"`
	TargetBackend *string  `json:"target_backend,omitempty"`
	RunID         string   `json:"run_id,omitempty"`
}

// Normalize applies defaults and validates the spec.
func (s *Spec) Normalize() error {
	if s.TaskType == "" {
		return errors.New("task_type is required")
	}
	if s.Payload == nil {
		s.Payload = Document{}
	}
	if s.N <= 0 {
		s.N = 1
	}
	if s.Priority == 0 {
		s.Priority = DefaultPriority
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = DefaultMaxAttempts
	}
	return nil
}
