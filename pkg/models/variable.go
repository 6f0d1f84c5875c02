package models

import "time"

// VariableVersion is one immutable version of a process variable. Every
// write appends a new version; history is never overwritten. Version
// numbers are strictly increasing per (instance_id, name).
type VariableVersion struct {
	InstanceID string    `json:"instance_id"`
	Name       string    `json:"name"`
	Value      any       `json:"value"`
	Version    int       `json:"version"`
	CreatedBy  string    `json:"created_by"`
	UpdatedBy  string    `json:"updated_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
