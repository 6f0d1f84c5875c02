package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNoMatchingRoute is returned when an exclusive gateway has no true
	// condition and no default route. The instance fails.
	ErrNoMatchingRoute = errors.New("no matching route")

	// ErrTaskExecution wraps a task attempt failure. Retried per the node's
	// retry policy; exhaustion triggers compensation.
	ErrTaskExecution = errors.New("task execution failed")

	// ErrSLABreach marks a human task whose deadline passed unresolved.
	ErrSLABreach = errors.New("sla breached")

	// ErrCompensation marks a failed compensator. The compensation walk
	// logs it and continues.
	ErrCompensation = errors.New("compensation failed")

	// ErrInstanceTerminal is returned for operations against an instance
	// that already reached a terminal state.
	ErrInstanceTerminal = errors.New("instance is in a terminal state")
)

// TaskError carries the node and attempt of a failed task execution.
type TaskError struct {
	NodeID  string
	Attempt int
	Err     error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s attempt %d: %v", e.NodeID, e.Attempt, e.Err)
}

func (e *TaskError) Unwrap() []error {
	return []error{ErrTaskExecution, e.Err}
}
