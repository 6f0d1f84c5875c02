package persistence

import (
	"errors"
	"fmt"
)

var (
	// ErrDefinitionNotFound indicates no definition exists for the id or
	// (id, version) pair.
	ErrDefinitionNotFound = errors.New("workflow definition not found")

	// ErrDefinitionImmutable indicates an attempt to overwrite a
	// published definition version.
	ErrDefinitionImmutable = errors.New("published workflow definition is immutable")

	// ErrInstanceNotFound indicates an instance lookup by id or
	// correlation id found nothing.
	ErrInstanceNotFound = errors.New("workflow instance not found")

	// ErrInstanceAlreadyExists indicates a create with a duplicate id.
	ErrInstanceAlreadyExists = errors.New("workflow instance already exists")

	// ErrVariableNotFound indicates the variable has never been written.
	ErrVariableNotFound = errors.New("process variable not found")

	// ErrHumanTaskNotFound indicates a human task lookup found nothing.
	ErrHumanTaskNotFound = errors.New("human task not found")

	// ErrTimerNotFound indicates a timer lookup found nothing.
	ErrTimerNotFound = errors.New("timer not found")
)

// StoreError wraps store-level failures with operation context.
type StoreError struct {
	Op  string // operation being performed, e.g. "SetVariable"
	Key string // aggregate key if applicable
	Err error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Key, e.Err)
	}

	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
