// Package events defines the lifecycle event types published to the audit
// topic on every message and instance transition.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventType string

// AuditTopic is the internal pubsub topic the bus and engine publish
// lifecycle events to; the audit sink is its only consumer.
const AuditTopic = "fluxway.audit"

const EventTypeMetadataKey = "event_type"

const (
	// Message lifecycle events.
	MessagePublishedEvent    EventType = "message.published"
	MessageAckedEvent        EventType = "message.acked"
	MessageFailedEvent       EventType = "message.failed"
	MessageDeadLetteredEvent EventType = "message.deadlettered"
	MessageReplayedEvent     EventType = "message.replayed"

	// Instance lifecycle events.
	InstanceStartedEvent     EventType = "instance.started"
	InstanceSuspendedEvent   EventType = "instance.suspended"
	InstanceResumedEvent     EventType = "instance.resumed"
	InstanceCompletedEvent   EventType = "instance.completed"
	InstanceFailedEvent      EventType = "instance.failed"
	InstanceCancelledEvent   EventType = "instance.cancelled"
	InstanceCompensatedEvent EventType = "instance.compensated"

	// Task lifecycle events.
	TaskStartedEvent   EventType = "task.started"
	TaskCompletedEvent EventType = "task.completed"
	TaskFailedEvent    EventType = "task.failed"

	// Timer and escalation events.
	TimerFiredEvent  EventType = "timer.fired"
	SLABreachedEvent EventType = "sla.breached"

	// Compensation events.
	CompensationStartedEvent   EventType = "compensation.started"
	CompensationCompletedEvent EventType = "compensation.completed"
	CompensationFailedEvent    EventType = "compensation.failed"
)

// Event is anything routable to the audit sink.
type Event interface {
	GetType() EventType
	GetBase() BaseEvent
}

// BaseEvent carries the fields shared by every lifecycle event. AgentID
// identifies the acting component (engine id, consumer id, group).
type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	AgentID   string         `json:"agent_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (b BaseEvent) GetBase() BaseEvent {
	return b
}

// NewBaseEvent builds the shared envelope for a lifecycle event.
func NewBaseEvent(eventType EventType, agentID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		AgentID:   agentID,
	}
}

// Message lifecycle events

type MessagePublished struct {
	BaseEvent

	MessageID string `json:"message_id"`
	Topic     string `json:"topic"`
	Priority  int    `json:"priority"`
	Broadcast bool   `json:"broadcast,omitempty"`
}

func (e MessagePublished) GetType() EventType { return MessagePublishedEvent }

type MessageAcked struct {
	BaseEvent

	MessageID string `json:"message_id"`
	Group     string `json:"group"`
	Consumer  string `json:"consumer"`
}

func (e MessageAcked) GetType() EventType { return MessageAckedEvent }

type MessageFailed struct {
	BaseEvent

	MessageID  string `json:"message_id"`
	Group      string `json:"group"`
	Error      string `json:"error"`
	RetryCount int    `json:"retry_count"`
	WillRetry  bool   `json:"will_retry"`
}

func (e MessageFailed) GetType() EventType { return MessageFailedEvent }

type MessageDeadLettered struct {
	BaseEvent

	MessageID  string `json:"message_id"`
	Group      string `json:"group"`
	Error      string `json:"error"`
	RetryCount int    `json:"retry_count"`
}

func (e MessageDeadLettered) GetType() EventType { return MessageDeadLetteredEvent }

type MessageReplayed struct {
	BaseEvent

	MessageID    string `json:"message_id"`
	NewMessageID string `json:"new_message_id"`
}

func (e MessageReplayed) GetType() EventType { return MessageReplayedEvent }

// Instance lifecycle events

type InstanceTransition struct {
	BaseEvent

	InstanceID string `json:"instance_id"`
	WorkflowID string `json:"workflow_id"`
	Version    int    `json:"version"`
	NodeID     string `json:"node_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (e InstanceTransition) GetType() EventType { return e.Type }

// Task lifecycle events

type TaskTransition struct {
	BaseEvent

	InstanceID string `json:"instance_id"`
	NodeID     string `json:"node_id"`
	TaskType   string `json:"task_type"`
	RetryCount int    `json:"retry_count,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

func (e TaskTransition) GetType() EventType { return e.Type }

// Timer and escalation events

type TimerFired struct {
	BaseEvent

	TimerID    string `json:"timer_id"`
	InstanceID string `json:"instance_id,omitempty"`
	NodeID     string `json:"node_id,omitempty"`
	Late       bool   `json:"late,omitempty"`
}

func (e TimerFired) GetType() EventType { return TimerFiredEvent }

type SLABreached struct {
	BaseEvent

	InstanceID  string `json:"instance_id"`
	NodeID      string `json:"node_id"`
	HumanTaskID string `json:"human_task_id"`
	Assignee    string `json:"assignee,omitempty"`
	Escalation  string `json:"escalation"`
}

func (e SLABreached) GetType() EventType { return SLABreachedEvent }

// Compensation events

type CompensationTransition struct {
	BaseEvent

	InstanceID string `json:"instance_id"`
	NodeID     string `json:"node_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (e CompensationTransition) GetType() EventType { return e.Type }

// Decode rebuilds a typed event from its wire form. Unknown types decode
// into a bare BaseEvent so the audit trail never drops an event it does
// not recognize.
func Decode(eventType EventType, payload []byte) (Event, error) {
	var event Event

	switch eventType {
	case MessagePublishedEvent:
		event = &MessagePublished{}
	case MessageAckedEvent:
		event = &MessageAcked{}
	case MessageFailedEvent:
		event = &MessageFailed{}
	case MessageDeadLetteredEvent:
		event = &MessageDeadLettered{}
	case MessageReplayedEvent:
		event = &MessageReplayed{}
	case InstanceStartedEvent, InstanceSuspendedEvent, InstanceResumedEvent,
		InstanceCompletedEvent, InstanceFailedEvent, InstanceCancelledEvent,
		InstanceCompensatedEvent:
		event = &InstanceTransition{}
	case TaskStartedEvent, TaskCompletedEvent, TaskFailedEvent:
		event = &TaskTransition{}
	case TimerFiredEvent:
		event = &TimerFired{}
	case SLABreachedEvent:
		event = &SLABreached{}
	case CompensationStartedEvent, CompensationCompletedEvent, CompensationFailedEvent:
		event = &CompensationTransition{}
	default:
		event = &unknownEvent{}
	}

	err := json.Unmarshal(payload, event)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", eventType, err)
	}

	return event, nil
}

type unknownEvent struct {
	BaseEvent
}

func (e unknownEvent) GetType() EventType { return e.Type }
