package task

import "context"

// LeaseRequest identifies the caller and scope of a lease_one call.
type LeaseRequest struct {
	// LeasedBy is the orchestrator identity ("host:uuid") written into the
	// claimed row and required by every subsequent mutating op.
	LeasedBy string

	// LeaseSeconds is how far lease_expires_at is pushed into the future.
	LeaseSeconds int

	// TargetBackend scopes the scan: nil matches only rows whose
	// target_backend is null, a value matches exactly that backend.
	TargetBackend *string
}

// Filter narrows List results. Zero values mean "no constraint".
type Filter struct {
	Status   Status
	TaskType string
	RunID    string
	Limit    int
	Offset   int
}

// RequeueReport counts the rows a requeue_stale pass touched (or, in a
// dry run, would touch).
type RequeueReport struct {
	ExpiredLeases int64 `json:"expired_leases"`
	StaleRunning  int64 `json:"stale_running"`
}

// Total is the combined number of requeued rows.
func (r RequeueReport) Total() int64 {
	return r.ExpiredLeases + r.StaleRunning
}

// Store is the queue persistence port. Implementations must make every
// method atomic: each call is a single transaction that commits or rolls
// back as a whole.
//
// The guarded mutators (Heartbeat, MarkRunning, MarkDone, MarkFailed)
// return false without error when the row no longer matches the caller's
// leased_by and status preconditions. Callers treat false as "my lease is
// stale, abandon the task"; the row itself is never disturbed.
type Store interface {
	// EnsureSchema creates the enum, table, indices and updated_at trigger
	// if they do not exist.
	EnsureSchema(ctx context.Context) error

	// Enqueue inserts a new queued row from the spec and returns it.
	Enqueue(ctx context.Context, spec Spec) (*Task, error)

	// Get retrieves a task by id. Returns ErrNotFound when absent.
	Get(ctx context.Context, id string) (*Task, error)

	// LeaseOne atomically claims the highest-priority eligible row for
	// req.LeasedBy and returns it. Eligible rows are queued, or leased with
	// an expired lease; canceled and attempt-exhausted rows never match.
	// Attempts increments only when the prior status was queued. Returns
	// (nil, nil) when no row is eligible.
	LeaseOne(ctx context.Context, req LeaseRequest) (*Task, error)

	// Heartbeat extends the lease, stamps last_heartbeat_at, and shallow-
	// merges meta into worker_meta. Requires leased_by match and status in
	// {leased, running}.
	Heartbeat(ctx context.Context, id, leasedBy string, leaseSeconds int, meta Document) (bool, error)

	// MarkRunning transitions leased -> running and stamps the backend
	// identity. started_at is set only on the first call.
	MarkRunning(ctx context.Context, id, leasedBy, backend, backendJobID string) (bool, error)

	// MarkDone finalizes the task: status=done, result stored, error
	// cleared, exit_code=0, lease_expires_at nulled. Requires leased_by
	// match on a non-terminal row.
	MarkDone(ctx context.Context, id, leasedBy string, result Document) (bool, error)

	// MarkFailed records a failure. retry=true requeues the row (clears
	// lease metadata) instead of finalizing; retry=false stamps
	// failed/exit_code=1 and keeps leased_by for post-mortem. Requires
	// leased_by match on a non-terminal row.
	MarkFailed(ctx context.Context, id, leasedBy, errText string, retry bool) (bool, error)

	// Cancel transitions any non-terminal row to canceled and returns the
	// updated row. Returns ErrConflict when the row is already terminal
	// and ErrNotFound when absent.
	Cancel(ctx context.Context, id string) (*Task, error)

	// CountStale reports how many rows RequeueStale would touch, without
	// mutating anything.
	CountStale(ctx context.Context, runningStaleSeconds int) (RequeueReport, error)

	// RequeueStale rescues abandoned rows in one transaction: expired
	// leased rows return to queued with lease metadata cleared; running
	// rows whose heartbeat is older than runningStaleSeconds additionally
	// lose their backend handle and started_at.
	RequeueStale(ctx context.Context, runningStaleSeconds int) (RequeueReport, error)

	// List returns tasks newest-first, narrowed by the filter.
	List(ctx context.Context, filter Filter) ([]*Task, error)

	// CountByStatus returns row counts keyed by status.
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// DeleteByRunID removes every task in a batch and reports the count.
	DeleteByRunID(ctx context.Context, runID string) (int64, error)
}
