package model

import (
	"encoding/json"
	"time"
)

// JobStatus represents the current lifecycle state of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusAssigned  JobStatus = "assigned"
	JobStatusExecuting JobStatus = "executing"
	JobStatusRetrying  JobStatus = "retrying"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether a job in this status has left the system
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobPriority represents the priority tier of a job
type JobPriority int

const (
	JobPriorityLow    JobPriority = 1
	JobPriorityNormal JobPriority = 2
	JobPriorityHigh   JobPriority = 3
	JobPriorityUrgent JobPriority = 4
)

// String returns the priority name used in config and logs
func (p JobPriority) String() string {
	switch p {
	case JobPriorityLow:
		return "low"
	case JobPriorityNormal:
		return "normal"
	case JobPriorityHigh:
		return "high"
	case JobPriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// ParsePriority parses a priority name. Unknown names map to normal.
func ParsePriority(name string) JobPriority {
	switch name {
	case "low":
		return JobPriorityLow
	case "high":
		return JobPriorityHigh
	case "urgent":
		return JobPriorityUrgent
	default:
		return JobPriorityNormal
	}
}

// Job represents a unit of submitted work. The payload is opaque to the
// scheduler; only the type tag is interpreted.
type Job struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Priority JobPriority     `json:"priority"`
	Status   JobStatus       `json:"status"`

	Timeout    time.Duration `json:"timeout"`
	RetryCount int           `json:"retry_count"`
	MaxRetries int           `json:"max_retries"`
	// Promoted is set once the anti-starvation bump from normal to high
	// has been applied; a job is promoted at most once.
	Promoted bool `json:"promoted,omitempty"`

	AssignedWorker string `json:"assigned_worker,omitempty"`
	// RunLocal marks jobs the admission policy kept on the local node.
	RunLocal bool `json:"run_local,omitempty"`
	// AllowLocalFallback permits local execution when no remote worker
	// can take the job.
	AllowLocalFallback bool `json:"allow_local_fallback,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	// EnqueuedAt is reset each time the job enters the pending queue.
	// A job that waits in the queue longer than its timeout fails
	// terminally instead of sitting there forever.
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SubmitOptions carries caller-supplied scheduling metadata
type SubmitOptions struct {
	Timeout            time.Duration
	MaxRetries         int
	Priority           JobPriority
	Profile            *TaskProfile
	AllowLocalFallback bool
}

// JobResult represents the outcome of a job execution
type JobResult struct {
	JobID       string          `json:"job_id"`
	WorkerID    string          `json:"worker_id"`
	Status      JobStatus       `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Duration    time.Duration   `json:"duration"`
	CompletedAt time.Time       `json:"completed_at"`
}
