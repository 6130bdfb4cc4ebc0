package ingest

import taskdomain "gridq/internal/domain/task"

// ResultEnvelope is the JSON body detached workers POST to /v1/task-result.
// leased_by must be the identity of the orchestrator that submitted the job;
// the store's ownership guard discards envelopes from stale leaseholders.
type ResultEnvelope struct {
	TaskID   string              `json:"task_id"`
	LeasedBy string              `json:"leased_by"`
	OK       bool                `json:"ok"`
	Result   taskdomain.Document `json:"result,omitempty"`
	Error    string              `json:"error,omitempty"`
}
