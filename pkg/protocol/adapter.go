// Package protocol defines the contracts between the workflow engine and
// pluggable worker adapters.
package protocol

import (
	"context"

	"github.com/fluxway/fluxway/pkg/models"
)

// Result is what a worker adapter hands back to the engine.
type Result struct {
	// Output is merged into instance variables by the calling task node.
	Output map[string]any

	// ExternalRef identifies work opened in an external system, e.g. the
	// ticket a human task adapter created.
	ExternalRef string
}

// WorkerAdapter performs one domain action on behalf of a task node. Deliver
// must be idempotent with respect to the message's idempotency key: the bus
// guarantees at-least-once, so the same message may arrive twice.
type WorkerAdapter interface {
	Deliver(ctx context.Context, msg *models.Message) (*Result, error)
}

// AdapterFactory creates adapter instances and describes their config.
type AdapterFactory interface {
	// ID returns the unique identifier for this adapter type.
	ID() string

	// Create builds an adapter from a validated node config.
	Create(config map[string]any) (WorkerAdapter, error)

	// Schema returns the JSON schema the node config is validated against.
	Schema() map[string]any
}

// ScriptFunc is a registered pure function backing a script task. It
// receives the instance's current variables and returns variable updates.
type ScriptFunc func(ctx context.Context, variables map[string]any) (map[string]any, error)
