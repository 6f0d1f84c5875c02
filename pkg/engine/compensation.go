package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fluxway/fluxway/pkg/events"
	"github.com/fluxway/fluxway/pkg/models"
)

// compensate rolls an instance back: the instance first transitions to
// FAILED durably, then every successfully completed task that declared a
// compensator is undone in reverse chronological order. A failed
// compensator is logged and the walk continues; rollback is best-effort.
// The instance ends COMPENSATED either way. A restart mid-rollback finds
// the instance FAILED, never in a state that looks still runnable.
func (e *Engine) compensate(ctx context.Context, instance *models.WorkflowInstance, reason string) error {
	err := e.failInstance(ctx, instance, reason)
	if err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "Compensation started",
		"instance_id", instance.ID, "reason", reason)
	e.emit(ctx, events.CompensationTransition{
		BaseEvent:  events.NewBaseEvent(events.CompensationStartedEvent, e.agentID),
		InstanceID: instance.ID,
	})

	records, err := e.persistence.TaskExecutions(ctx, instance.ID)
	if err != nil {
		return err
	}

	for i := len(records) - 1; i >= 0; i-- {
		record := records[i]
		if record.State != models.TaskStateSuccess || record.Compensation == nil {
			continue
		}

		err := e.runCompensator(ctx, instance, record)
		if err != nil {
			e.logger.ErrorContext(ctx, "Compensator failed",
				"instance_id", instance.ID, "node_id", record.NodeID,
				"error", fmt.Errorf("%w: %w", ErrCompensation, err))
			e.emit(ctx, events.CompensationTransition{
				BaseEvent:  events.NewBaseEvent(events.CompensationFailedEvent, e.agentID),
				InstanceID: instance.ID,
				NodeID:     record.NodeID,
				Error:      err.Error(),
			})
		}
	}

	now := time.Now().UTC()
	instance.State = models.InstanceStateCompensated
	instance.WaitingFor = nil
	instance.FailureReason = reason
	instance.EndTime = &now

	err = e.persistence.SaveInstance(ctx, instance)
	if err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "Compensation completed", "instance_id", instance.ID)
	e.emit(ctx, events.CompensationTransition{
		BaseEvent:  events.NewBaseEvent(events.CompensationCompletedEvent, e.agentID),
		InstanceID: instance.ID,
	})
	e.emit(ctx, events.InstanceTransition{
		BaseEvent:  events.NewBaseEvent(events.InstanceCompensatedEvent, e.agentID),
		InstanceID: instance.ID,
		WorkflowID: instance.WorkflowID,
		Version:    instance.Version,
		Reason:     reason,
	})

	return nil
}

// runCompensator undoes one completed task via its declared compensation
// action and appends the outcome to the execution log.
func (e *Engine) runCompensator(ctx context.Context, instance *models.WorkflowInstance, completed *models.TaskExecution) error {
	spec := completed.Compensation

	adapter, err := e.registry.CreateAdapter(spec.Adapter, spec.Data)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	record := &models.TaskExecution{
		ID:         uuid.New().String(),
		InstanceID: instance.ID,
		NodeID:     completed.NodeID,
		Type:       completed.Type,
		State:      models.TaskStateRunning,
		Input:      spec.Data,
		StartTime:  now,
	}

	recordErr := e.persistence.RecordTaskExecution(ctx, record)
	if recordErr != nil {
		e.logger.ErrorContext(ctx, "Failed to record compensator start", "node_id", completed.NodeID, "error", recordErr)
	}

	msg := &models.Message{
		Priority: 2,
		Routing: models.Routing{
			From:  e.agentID,
			Topic: "fluxway.compensation",
		},
		Payload: models.Payload{
			Subject: completed.NodeID,
			Action:  spec.Action,
			Data:    spec.Data,
		},
		Metadata: models.MessageMetadata{
			IdempotencyKey: instance.ID + ":" + completed.ID + ":compensation",
		},
		CreatedAt: now,
	}

	deliverCtx, cancel := context.WithTimeout(ctx, e.config.DefaultTaskTimeout)
	result, err := adapter.Deliver(deliverCtx, msg)

	cancel()

	end := time.Now().UTC()
	record.EndTime = &end

	if err != nil {
		record.State = models.TaskStateFailed
		record.Error = err.Error()
	} else {
		record.State = models.TaskStateCompensated

		if result != nil {
			record.Output = result.Output
		}
	}

	recordErr = e.persistence.RecordTaskExecution(ctx, record)
	if recordErr != nil {
		e.logger.ErrorContext(ctx, "Failed to record compensator finish", "node_id", completed.NodeID, "error", recordErr)
	}

	return err
}
