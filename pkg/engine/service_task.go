package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fluxway/fluxway/pkg/events"
	"github.com/fluxway/fluxway/pkg/models"
	"github.com/fluxway/fluxway/pkg/template"
)

// serviceTaskConfig is the decoded config of a service task node.
type serviceTaskConfig struct {
	Adapter      string                   `json:"adapter"`
	Action       string                   `json:"action"`
	Data         map[string]any           `json:"data"`
	Mode         string                   `json:"mode"` // "direct" (default) or "publish"
	Topic        string                   `json:"topic"`
	Priority     int                      `json:"priority"`
	TimeoutMs    int64                    `json:"timeout_ms"`
	MaxRetries   int                      `json:"max_retries"`
	Compensation *models.CompensationSpec `json:"compensation"`
}

func decodeNodeConfig[T any](node *models.WorkflowNode) (*T, error) {
	raw, err := json.Marshal(node.Config)
	if err != nil {
		return nil, fmt.Errorf("invalid config of node '%s': %w", node.ID, err)
	}

	var cfg T

	err = json.Unmarshal(raw, &cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid config of node '%s': %w", node.ID, err)
	}

	return &cfg, nil
}

// runServiceTask executes a service task. Direct mode calls the adapter
// inline with a per-attempt timeout and in-process retries; publish mode
// sends a message and suspends until the correlated reply arrives.
func (e *Engine) runServiceTask(ctx context.Context, instance *models.WorkflowInstance, def *models.WorkflowDefinition, node *models.WorkflowNode) (string, error) {
	cfg, err := decodeNodeConfig[serviceTaskConfig](node)
	if err != nil {
		return "", err
	}

	variables, err := e.persistence.Variables(ctx, instance.ID)
	if err != nil {
		return "", err
	}

	data, err := e.renderData(cfg.Data, instance, variables)
	if err != nil {
		return "", &TaskError{NodeID: node.ID, Attempt: 0, Err: err}
	}

	if cfg.Mode == "publish" {
		return e.publishServiceTask(ctx, instance, node, cfg, data)
	}

	return e.directServiceTask(ctx, instance, def, node, cfg, data)
}

func (e *Engine) directServiceTask(ctx context.Context, instance *models.WorkflowInstance, def *models.WorkflowDefinition, node *models.WorkflowNode, cfg *serviceTaskConfig, data map[string]any) (string, error) {
	adapter, err := e.registry.CreateAdapter(cfg.Adapter, node.Config)
	if err != nil {
		return "", &TaskError{NodeID: node.ID, Attempt: 0, Err: err}
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = e.config.DefaultMaxRetries
	}

	timeout := e.config.DefaultTaskTimeout
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}

	msg := e.taskMessage(instance, node, cfg, data, "")

	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := e.config.RetryBackoff << (attempt - 1)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		record := e.startTaskRecord(ctx, instance, node, data, attempt, cfg.Compensation)

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := adapter.Deliver(attemptCtx, msg)
		cancel()

		if err != nil {
			lastErr = err

			e.finishTaskRecord(ctx, record, models.TaskStateFailed, nil, err)

			continue
		}

		e.finishTaskRecord(ctx, record, models.TaskStateSuccess, result.Output, nil)

		err = e.mergeOutput(ctx, instance.ID, node.ID, result.Output)
		if err != nil {
			return "", err
		}

		return e.nextAfter(def, node.ID)
	}

	return "", &TaskError{NodeID: node.ID, Attempt: maxRetries, Err: lastErr}
}

func (e *Engine) publishServiceTask(ctx context.Context, instance *models.WorkflowInstance, node *models.WorkflowNode, cfg *serviceTaskConfig, data map[string]any) (string, error) {
	correlationID := uuid.New().String()
	msg := e.taskMessage(instance, node, cfg, data, correlationID)

	record := e.startTaskRecord(ctx, instance, node, data, e.failedAttempts(ctx, instance.ID, node.ID), cfg.Compensation)

	_, err := e.bus.Publish(ctx, msg)
	if err != nil {
		e.finishTaskRecord(ctx, record, models.TaskStateFailed, nil, err)

		return "", &TaskError{NodeID: node.ID, Attempt: record.RetryCount, Err: err}
	}

	waiting := &models.WaitCondition{
		Kind:          models.WaitKindReply,
		NodeID:        node.ID,
		CorrelationID: correlationID,
	}

	if cfg.TimeoutMs > 0 {
		timer := &models.Timer{
			ID:         uuid.New().String(),
			Kind:       models.TimerKindDuration,
			Purpose:    models.TimerPurposeTaskTimeout,
			InstanceID: instance.ID,
			NodeID:     node.ID,
			FireAt:     time.Now().UTC().Add(time.Duration(cfg.TimeoutMs) * time.Millisecond),
			State:      models.TimerStatePending,
			CreatedAt:  time.Now().UTC(),
		}

		err = e.persistence.SaveTimer(ctx, timer)
		if err != nil {
			return "", err
		}

		waiting.TimerID = timer.ID
	}

	return "", e.suspend(ctx, instance, waiting)
}

// resumeReply completes the service task the instance is waiting on with
// the correlated reply's payload data.
func (e *Engine) resumeReply(ctx context.Context, instance *models.WorkflowInstance, def *models.WorkflowDefinition, msg *models.Message) error {
	waiting := instance.WaitingFor

	e.cancelTimer(ctx, waiting.TimerID)

	record := e.openTaskRecord(ctx, instance.ID, waiting.NodeID)
	if record != nil {
		e.finishTaskRecord(ctx, record, models.TaskStateSuccess, msg.Payload.Data, nil)
	}

	err := e.mergeOutput(ctx, instance.ID, waiting.NodeID, msg.Payload.Data)
	if err != nil {
		return err
	}

	next, err := e.nextAfter(def, waiting.NodeID)
	if err != nil {
		return err
	}

	return e.resume(ctx, instance, def, next)
}

// taskMessage builds the bus message a service task hands to its adapter
// or publishes.
func (e *Engine) taskMessage(instance *models.WorkflowInstance, node *models.WorkflowNode, cfg *serviceTaskConfig, data map[string]any, correlationID string) *models.Message {
	priority := cfg.Priority
	if priority == 0 {
		priority = 3
	}

	return &models.Message{
		Priority: priority,
		Routing: models.Routing{
			From:          e.agentID,
			Topic:         cfg.Topic,
			ReplyTo:       instance.ID,
			CorrelationID: correlationID,
		},
		Payload: models.Payload{
			Subject: node.Name,
			Action:  cfg.Action,
			Data:    data,
		},
		Metadata: models.MessageMetadata{
			IdempotencyKey: instance.ID + ":" + node.ID + ":" + correlationID,
		},
		CreatedAt: time.Now().UTC(),
	}
}

func (e *Engine) renderData(data map[string]any, instance *models.WorkflowInstance, variables map[string]any) (map[string]any, error) {
	if data == nil {
		return map[string]any{}, nil
	}

	return template.RenderMap(data, map[string]any{
		"variables": variables,
		"vars":      variables,
		"instance": map[string]any{
			"id":          instance.ID,
			"workflow_id": instance.WorkflowID,
			"version":     instance.Version,
		},
	})
}

// mergeOutput stores each output key as a new variable version.
func (e *Engine) mergeOutput(ctx context.Context, instanceID, nodeID string, output map[string]any) error {
	for name, value := range output {
		_, err := e.persistence.SetVariable(ctx, instanceID, name, value, nodeID)
		if err != nil {
			return err
		}
	}

	return nil
}

// startTaskRecord appends a running task attempt to the execution log.
func (e *Engine) startTaskRecord(ctx context.Context, instance *models.WorkflowInstance, node *models.WorkflowNode, input map[string]any, attempt int, compensation *models.CompensationSpec) *models.TaskExecution {
	record := &models.TaskExecution{
		ID:           uuid.New().String(),
		InstanceID:   instance.ID,
		NodeID:       node.ID,
		Type:         node.Type,
		State:        models.TaskStateRunning,
		Input:        input,
		RetryCount:   attempt,
		Compensation: compensation,
		StartTime:    time.Now().UTC(),
	}

	err := e.persistence.RecordTaskExecution(ctx, record)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to record task start", "node_id", node.ID, "error", err)
	}

	e.emit(ctx, events.TaskTransition{
		BaseEvent:  events.NewBaseEvent(events.TaskStartedEvent, e.agentID),
		InstanceID: instance.ID,
		NodeID:     node.ID,
		TaskType:   string(node.Type),
		RetryCount: attempt,
	})

	return record
}

func (e *Engine) finishTaskRecord(ctx context.Context, record *models.TaskExecution, state models.TaskState, output map[string]any, cause error) {
	now := time.Now().UTC()
	record.State = state
	record.Output = output
	record.EndTime = &now

	eventType := events.TaskCompletedEvent

	if cause != nil {
		record.Error = cause.Error()
		eventType = events.TaskFailedEvent
	}

	err := e.persistence.RecordTaskExecution(ctx, record)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to record task finish", "node_id", record.NodeID, "error", err)
	}

	e.emit(ctx, events.TaskTransition{
		BaseEvent:  events.NewBaseEvent(eventType, e.agentID),
		InstanceID: record.InstanceID,
		NodeID:     record.NodeID,
		TaskType:   string(record.Type),
		RetryCount: record.RetryCount,
		Error:      record.Error,
		DurationMs: now.Sub(record.StartTime).Milliseconds(),
	})
}

// openTaskRecord finds the still-running attempt of a node, if any.
func (e *Engine) openTaskRecord(ctx context.Context, instanceID, nodeID string) *models.TaskExecution {
	records, err := e.persistence.TaskExecutions(ctx, instanceID)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to list task executions", "instance_id", instanceID, "error", err)

		return nil
	}

	for i := len(records) - 1; i >= 0; i-- {
		if records[i].NodeID == nodeID && records[i].State == models.TaskStateRunning {
			return records[i]
		}
	}

	return nil
}

// failedAttempts counts failed attempts of a node within an instance.
func (e *Engine) failedAttempts(ctx context.Context, instanceID, nodeID string) int {
	records, err := e.persistence.TaskExecutions(ctx, instanceID)
	if err != nil {
		return 0
	}

	count := 0

	for _, record := range records {
		if record.NodeID == nodeID && record.State == models.TaskStateFailed {
			count++
		}
	}

	return count
}

func (e *Engine) cancelTimer(ctx context.Context, timerID string) {
	if timerID == "" {
		return
	}

	timer, err := e.persistence.TimerByID(ctx, timerID)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to load timer for cancellation", "timer_id", timerID, "error", err)

		return
	}

	if timer.State != models.TimerStatePending {
		return
	}

	timer.State = models.TimerStateCancelled

	err = e.persistence.SaveTimer(ctx, timer)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to cancel timer", "timer_id", timerID, "error", err)
	}
}
