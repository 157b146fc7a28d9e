package domain

import "time"

// JobStatus is the lifecycle state of one ingested batch.
// The core only ever sets pending, running and completed; failed is
// reserved for callers marking a crashed run from outside.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is one ingested batch of claims validated as a unit.
type Job struct {
	TenantID string    `json:"tenantId"`
	JobID    string    `json:"jobId"`
	Status   JobStatus `json:"status"`
	RowCount int       `json:"rowCount"`

	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Error      string     `json:"error,omitempty"`
}
