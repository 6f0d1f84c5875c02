package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fluxway/fluxway/pkg/events"
	"github.com/fluxway/fluxway/pkg/models"
	"github.com/fluxway/fluxway/pkg/persistence"
)

type timerNodeConfig struct {
	Kind       string `json:"kind"`
	DurationMs int64  `json:"duration_ms"`
	Date       string `json:"date"`
	Cron       string `json:"cron"`
}

// runTimerNode arms a durable timer for an in-flow timer node and suspends
// the instance until it fires.
func (e *Engine) runTimerNode(ctx context.Context, instance *models.WorkflowInstance, node *models.WorkflowNode) (string, error) {
	cfg, err := decodeNodeConfig[timerNodeConfig](node)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()

	timer := &models.Timer{
		ID:         uuid.New().String(),
		Kind:       models.TimerKind(cfg.Kind),
		Purpose:    models.TimerPurposeNode,
		InstanceID: instance.ID,
		NodeID:     node.ID,
		State:      models.TimerStatePending,
		CreatedAt:  now,
	}

	switch timer.Kind {
	case models.TimerKindDuration:
		timer.FireAt = now.Add(time.Duration(cfg.DurationMs) * time.Millisecond)
	case models.TimerKindDate:
		fireAt, err := time.Parse(time.RFC3339, cfg.Date)
		if err != nil {
			return "", fmt.Errorf("timer node '%s': %w", node.ID, err)
		}

		timer.FireAt = fireAt
	case models.TimerKindCycle:
		fireAt, err := models.NextCycle(cfg.Cron, now)
		if err != nil {
			return "", fmt.Errorf("timer node '%s': %w", node.ID, err)
		}

		timer.FireAt = fireAt
		timer.CronExpression = cfg.Cron
	default:
		return "", fmt.Errorf("timer node '%s' has unknown kind '%s'", node.ID, cfg.Kind)
	}

	err = e.persistence.SaveTimer(ctx, timer)
	if err != nil {
		return "", err
	}

	return "", e.suspend(ctx, instance, &models.WaitCondition{
		Kind:    models.WaitKindTimer,
		NodeID:  node.ID,
		TimerID: timer.ID,
	})
}

// RecoverTimers runs the startup scan: pending timers are logged and any
// deadline that elapsed while the engine was down fires immediately.
func (e *Engine) RecoverTimers(ctx context.Context) error {
	pending, err := e.persistence.PendingTimers(ctx)
	if err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "Timer recovery scan", "pending", len(pending))

	e.fireDue(ctx)

	return nil
}

func (e *Engine) runTimerLoop(ctx context.Context) {
	ticker := time.NewTicker(e.config.TimerPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.fireDue(ctx)
		}
	}
}

func (e *Engine) fireDue(ctx context.Context) {
	due, err := e.persistence.DueTimers(ctx, time.Now().UTC())
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to list due timers", "error", err)

		return
	}

	for _, timer := range due {
		err := e.fireTimer(ctx, timer)
		if err != nil {
			e.logger.ErrorContext(ctx, "Timer firing failed",
				"timer_id", timer.ID, "purpose", timer.Purpose, "error", err)
		}
	}
}

// fireTimer marks the timer fired, then routes the firing by purpose. The
// fired mark comes first so a crash mid-handling never double-fires; the
// affected instance stays suspended and is visible to operators.
func (e *Engine) fireTimer(ctx context.Context, timer *models.Timer) error {
	now := time.Now().UTC()
	late := now.Sub(timer.FireAt) > e.config.TimerPoll

	timer.State = models.TimerStateFired
	timer.FiredAt = &now

	err := e.persistence.SaveTimer(ctx, timer)
	if err != nil {
		return err
	}

	e.emit(ctx, events.TimerFired{
		BaseEvent:  events.NewBaseEvent(events.TimerFiredEvent, e.agentID),
		TimerID:    timer.ID,
		InstanceID: timer.InstanceID,
		NodeID:     timer.NodeID,
		Late:       late,
	})

	switch timer.Purpose {
	case models.TimerPurposeNode:
		return e.fireNodeTimer(ctx, timer)
	case models.TimerPurposeTaskTimeout:
		return e.fireTaskTimeout(ctx, timer)
	case models.TimerPurposeSLA:
		return e.fireSLATimer(ctx, timer)
	case models.TimerPurposeTrigger:
		return e.fireTriggerTimer(ctx, timer)
	default:
		return fmt.Errorf("timer %s has unknown purpose '%s'", timer.ID, timer.Purpose)
	}
}

func (e *Engine) fireNodeTimer(ctx context.Context, timer *models.Timer) error {
	unlock := e.lock(timer.InstanceID)
	defer unlock()

	instance, def, ok, err := e.waitingOn(ctx, timer)
	if err != nil || !ok {
		return err
	}

	next, err := e.nextAfter(def, timer.NodeID)
	if err != nil {
		return err
	}

	return e.resume(ctx, instance, def, next)
}

// fireTaskTimeout treats an expired service task wait as a failed attempt:
// the task re-runs while attempts remain, otherwise compensation starts.
func (e *Engine) fireTaskTimeout(ctx context.Context, timer *models.Timer) error {
	unlock := e.lock(timer.InstanceID)
	defer unlock()

	instance, def, ok, err := e.waitingOn(ctx, timer)
	if err != nil || !ok {
		return err
	}

	node := def.NodeByID(timer.NodeID)
	if node == nil {
		return fmt.Errorf("timed out node '%s' missing from definition", timer.NodeID)
	}

	cause := errors.New("no reply within deadline")

	record := e.openTaskRecord(ctx, instance.ID, timer.NodeID)
	if record != nil {
		e.finishTaskRecord(ctx, record, models.TaskStateFailed, nil, cause)
	}

	cfg, err := decodeNodeConfig[serviceTaskConfig](node)
	if err != nil {
		return err
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = e.config.DefaultMaxRetries
	}

	if e.failedAttempts(ctx, instance.ID, timer.NodeID) < maxRetries {
		instance.State = models.InstanceStateActive
		instance.WaitingFor = nil

		err := e.persistence.SaveInstance(ctx, instance)
		if err != nil {
			return err
		}

		return e.advance(ctx, instance, def, timer.NodeID)
	}

	taskErr := &TaskError{NodeID: timer.NodeID, Attempt: maxRetries, Err: cause}

	return e.compensate(ctx, instance, taskErr.Error())
}

func (e *Engine) fireSLATimer(ctx context.Context, timer *models.Timer) error {
	unlock := e.lock(timer.InstanceID)
	defer unlock()

	instance, def, ok, err := e.waitingOn(ctx, timer)
	if err != nil || !ok {
		return err
	}

	return e.escalate(ctx, instance, def, timer)
}

// fireTriggerTimer starts a fresh instance of the pinned definition; cycle
// timers re-arm for the next occurrence.
func (e *Engine) fireTriggerTimer(ctx context.Context, timer *models.Timer) error {
	def, err := e.persistence.DefinitionByID(ctx, timer.DefinitionID, timer.Version)
	if err != nil {
		return err
	}

	_, err = e.StartInstance(ctx, def, nil)
	if err != nil {
		return err
	}

	if timer.Kind == models.TimerKindCycle {
		err := timer.Rearm(time.Now().UTC())
		if err != nil {
			return err
		}

		return e.persistence.SaveTimer(ctx, timer)
	}

	return nil
}

// waitingOn loads the timer's instance and reports whether it is still
// suspended on this exact timer. A stale firing (instance moved on, timer
// superseded) is a no-op.
func (e *Engine) waitingOn(ctx context.Context, timer *models.Timer) (*models.WorkflowInstance, *models.WorkflowDefinition, bool, error) {
	instance, err := e.persistence.InstanceByID(ctx, timer.InstanceID)
	if err != nil {
		if errors.Is(err, persistence.ErrInstanceNotFound) {
			return nil, nil, false, nil
		}

		return nil, nil, false, err
	}

	if instance.State != models.InstanceStateSuspended ||
		instance.WaitingFor == nil || instance.WaitingFor.TimerID != timer.ID {
		return nil, nil, false, nil
	}

	if instance.CancelRequested {
		return nil, nil, false, e.compensate(ctx, instance, "cancelled")
	}

	def, err := e.persistence.DefinitionByID(ctx, instance.WorkflowID, instance.Version)
	if err != nil {
		return nil, nil, false, err
	}

	return instance, def, true, nil
}

// ArmTriggerTimer registers a recurring cycle trigger for a published
// definition version.
func (e *Engine) ArmTriggerTimer(ctx context.Context, def *models.WorkflowDefinition, cronExpression string) (*models.Timer, error) {
	now := time.Now().UTC()

	fireAt, err := models.NextCycle(cronExpression, now)
	if err != nil {
		return nil, err
	}

	timer := &models.Timer{
		ID:             uuid.New().String(),
		Kind:           models.TimerKindCycle,
		Purpose:        models.TimerPurposeTrigger,
		DefinitionID:   def.ID,
		Version:        def.Version,
		FireAt:         fireAt,
		CronExpression: cronExpression,
		State:          models.TimerStatePending,
		CreatedAt:      now,
	}

	err = e.persistence.SaveTimer(ctx, timer)
	if err != nil {
		return nil, err
	}

	return timer, nil
}
