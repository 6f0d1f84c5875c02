package models

import "time"

// TaskState is the outcome of one task attempt.
type TaskState string

const (
	TaskStateRunning     TaskState = "running"
	TaskStateSuccess     TaskState = "success"
	TaskStateFailed      TaskState = "failed"
	TaskStateCompensated TaskState = "compensated"
)

// TaskExecution is one attempt of a task node within an instance. The log
// is append-only: retries create new records, never overwrites.
type TaskExecution struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id"`
	NodeID     string         `json:"node_id"`
	Type       NodeType       `json:"type"`
	State      TaskState      `json:"state"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	RetryCount int            `json:"retry_count"`

	// BranchID is set when the task ran inside a parallel gateway branch.
	BranchID string `json:"branch_id,omitempty"`

	// Compensation carries the node's declared rollback action so the
	// compensation walk does not depend on the definition still resolving.
	Compensation *CompensationSpec `json:"compensation,omitempty"`

	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}
