package models

import "time"

// HumanTaskState tracks the lifecycle of a human checkpoint.
type HumanTaskState string

const (
	HumanTaskStateOpen      HumanTaskState = "open"
	HumanTaskStateResolved  HumanTaskState = "resolved"
	HumanTaskStateEscalated HumanTaskState = "escalated"
)

// HumanTask is the durable record of a user task: the external collaboration
// handle, the assignee, the SLA deadline and the eventual decision.
type HumanTask struct {
	ID         string `json:"id"`
	InstanceID string `json:"instance_id"`
	NodeID     string `json:"node_id"`

	// ExternalRef is the handle in the external system, e.g. a ticket or
	// issue number returned by the worker adapter that opened it.
	ExternalRef string `json:"external_ref,omitempty"`

	Assignee    string    `json:"assignee,omitempty"`
	SLADeadline time.Time `json:"sla_deadline"`

	State    HumanTaskState `json:"state"`
	Decision map[string]any `json:"decision,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}
