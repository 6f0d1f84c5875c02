// Package models defines the core domain models for message-driven workflow
// orchestration: the message envelope, workflow definitions, running
// instances, process variables, task execution records and durable timers.
package models

import (
	"time"
)

// Priority bounds for messages. Priority 1 is the lowest, 5 the highest.
const (
	PriorityMin = 1
	PriorityMax = 5
)

// BroadcastTarget in Routing.To fans the message out to every active
// consumer group at publish time.
const BroadcastTarget = "*"

// Routing carries the addressing envelope of a message.
type Routing struct {
	From          string   `json:"from"`
	To            []string `json:"to,omitempty"`
	Topic         string   `json:"topic"                    validate:"required"`
	ReplyTo       string   `json:"reply_to,omitempty"`
	CorrelationID string   `json:"correlation_id,omitempty"`
}

// Payload is the strongly-typed outer structure around an explicitly
// untyped Data map.
type Payload struct {
	Subject string         `json:"subject,omitempty"`
	Body    string         `json:"body,omitempty"`
	Action  string         `json:"action,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// MessageMetadata carries delivery bookkeeping. RetryCount is mutated only
// by re-publication on failure; the stored record itself is immutable.
type MessageMetadata struct {
	TTLMs          int64    `json:"ttl_ms,omitempty"`
	RetryCount     int      `json:"retry_count"`
	MaxRetries     int      `json:"max_retries"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
	Tags           []string `json:"tags,omitempty"`

	// RetryBackoffMs is set by the bus when a failed message is
	// re-published, so consumers can honor the delay.
	RetryBackoffMs int64 `json:"retry_backoff_ms,omitempty"`
}

// Message is the immutable record moved through the bus. ID is assigned by
// the stream store on append and is empty until the message is published.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Priority  int             `json:"priority"  validate:"min=1,max=5"`
	Routing   Routing         `json:"routing"   validate:"required"`
	Payload   Payload         `json:"payload"`
	Metadata  MessageMetadata `json:"metadata"`
	CreatedAt time.Time       `json:"created_at"`
}

// IsBroadcast reports whether the message targets every consumer group.
func (m *Message) IsBroadcast() bool {
	for _, to := range m.Routing.To {
		if to == BroadcastTarget {
			return true
		}
	}

	return false
}

// ClampPriority normalizes out-of-range priorities into the valid band.
func ClampPriority(priority int) int {
	if priority < PriorityMin {
		return PriorityMin
	}

	if priority > PriorityMax {
		return PriorityMax
	}

	return priority
}

// FailureInfo is attached to a message when it is moved to the dead-letter
// partition after exhausting retries.
type FailureInfo struct {
	Error      string    `json:"error"`
	Group      string    `json:"group"`
	Consumer   string    `json:"consumer,omitempty"`
	RetryCount int       `json:"retry_count"`
	FailedAt   time.Time `json:"failed_at"`
}

// DeadLetter wraps the original message verbatim together with the failure
// envelope. The original is never modified.
type DeadLetter struct {
	Message     Message     `json:"message"`
	FailureInfo FailureInfo `json:"failure_info"`
}
