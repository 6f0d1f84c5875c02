package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// TimerKind selects how a timer's deadline is produced.
type TimerKind string

const (
	TimerKindDuration TimerKind = "duration" // fixed delay from arming
	TimerKindDate     TimerKind = "date"     // fixed absolute deadline
	TimerKindCycle    TimerKind = "cycle"    // recurring cron cycle
)

// TimerState tracks a durable timer record.
type TimerState string

const (
	TimerStatePending   TimerState = "pending"
	TimerStateFired     TimerState = "fired"
	TimerStateCancelled TimerState = "cancelled"
)

// TimerPurpose distinguishes why a timer exists, so the engine knows how to
// route the firing.
type TimerPurpose string

const (
	TimerPurposeNode        TimerPurpose = "node"         // in-flow timer node
	TimerPurposeTaskTimeout TimerPurpose = "task_timeout" // service task deadline
	TimerPurposeSLA         TimerPurpose = "sla"          // human task SLA
	TimerPurposeTrigger     TimerPurpose = "trigger"      // cycle trigger of a definition
)

// Timer is a durable deadline record. Engine restarts re-arm pending timers
// from this record; a deadline that elapsed while the engine was down fires
// immediately on recovery.
type Timer struct {
	ID      string       `json:"id"`
	Kind    TimerKind    `json:"kind"`
	Purpose TimerPurpose `json:"purpose"`

	// InstanceID is empty for trigger timers; DefinitionID is set instead.
	InstanceID   string `json:"instance_id,omitempty"`
	DefinitionID string `json:"definition_id,omitempty"`
	Version      int    `json:"version,omitempty"`
	NodeID       string `json:"node_id,omitempty"`
	HumanTaskID  string `json:"human_task_id,omitempty"`

	FireAt         time.Time  `json:"fire_at"`
	CronExpression string     `json:"cron_expression,omitempty"`
	State          TimerState `json:"state"`
	CreatedAt      time.Time  `json:"created_at"`
	FiredAt        *time.Time `json:"fired_at,omitempty"`
}

// cronParser accepts the standard 5-field format (minute hour dom month dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCron checks a cycle timer's cron expression.
func ValidateCron(expression string) error {
	if expression == "" {
		return errors.New("cycle timer requires a cron expression")
	}

	_, err := cronParser.Parse(expression)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expression, err)
	}

	return nil
}

// NextCycle computes the next fire time of a cycle timer after the given
// reference time.
func NextCycle(expression string, after time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(expression)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expression, err)
	}

	return schedule.Next(after), nil
}

// Rearm advances a fired cycle timer to its next deadline. Non-cycle timers
// cannot be re-armed.
func (t *Timer) Rearm(now time.Time) error {
	if t.Kind != TimerKindCycle {
		return fmt.Errorf("timer %s is %s, only cycle timers re-arm", t.ID, t.Kind)
	}

	next, err := NextCycle(t.CronExpression, now)
	if err != nil {
		return err
	}

	t.FireAt = next
	t.State = TimerStatePending
	t.FiredAt = nil

	return nil
}
