package models

import "time"

// InstanceState is the lifecycle state of a workflow instance.
type InstanceState string

const (
	InstanceStateActive      InstanceState = "ACTIVE"
	InstanceStateSuspended   InstanceState = "SUSPENDED"
	InstanceStateCompleted   InstanceState = "COMPLETED"
	InstanceStateFailed      InstanceState = "FAILED"
	InstanceStateCompensated InstanceState = "COMPENSATED"
)

// Terminal reports whether the state admits no further transitions.
func (s InstanceState) Terminal() bool {
	return s == InstanceStateCompleted || s == InstanceStateFailed || s == InstanceStateCompensated
}

// WaitKind classifies what a suspended instance is waiting for.
type WaitKind string

const (
	WaitKindReply    WaitKind = "reply"    // correlated service task response
	WaitKindDecision WaitKind = "decision" // human task decision
	WaitKindTimer    WaitKind = "timer"    // durable timer deadline
)

// WaitCondition is the durable "waiting for event X" record persisted when
// an instance suspends, so recovery never depends on in-memory state.
type WaitCondition struct {
	Kind          WaitKind  `json:"kind"`
	NodeID        string    `json:"node_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	TimerID       string    `json:"timer_id,omitempty"`
	HumanTaskID   string    `json:"human_task_id,omitempty"`
	Since         time.Time `json:"since"`
}

// JoinState records which forked branches have reached a parallel join.
type JoinState struct {
	Expected []string  `json:"expected"`
	Arrived  []string  `json:"arrived"`
	Since    time.Time `json:"since"`
}

// Complete reports whether every expected branch has arrived.
func (j *JoinState) Complete() bool {
	return len(j.Arrived) >= len(j.Expected)
}

// WorkflowInstance is the mutable run of a workflow definition. All
// transitions of one instance are serialized by the engine; the record is
// persisted after every transition.
type WorkflowInstance struct {
	ID         string        `json:"id"`
	WorkflowID string        `json:"workflow_id"`
	Version    int           `json:"version"`
	State      InstanceState `json:"state"`
	CurrentNode string       `json:"current_node,omitempty"`

	WaitingFor *WaitCondition `json:"waiting_for,omitempty"`

	// TriggerKey is the idempotency key of the triggering message. The
	// engine refuses to start a second instance of the same workflow for
	// the same key, so a redelivered trigger is a no-op.
	TriggerKey string `json:"trigger_key,omitempty"`

	// CancelRequested marks the instance for cancellation; the engine runs
	// compensation the next time it observes the instance.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// FailureReason is set when the instance ends FAILED or COMPENSATED.
	FailureReason string `json:"failure_reason,omitempty"`

	// Joins tracks parallel gateway progress per join node id, persisted
	// after every branch completion so a restart never loses fork state.
	Joins map[string]*JoinState `json:"joins,omitempty"`

	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}
