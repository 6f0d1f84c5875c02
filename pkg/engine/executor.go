package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fluxway/fluxway/pkg/events"
	"github.com/fluxway/fluxway/pkg/models"
	"github.com/fluxway/fluxway/pkg/otelhelper"
)

// advance runs the instance through the graph from the given node until it
// suspends on a wait condition, completes, or fails. The caller holds the
// instance lock.
func (e *Engine) advance(ctx context.Context, instance *models.WorkflowInstance, def *models.WorkflowDefinition, nodeID string) error {
	current := nodeID

	for current != "" {
		if instance.CancelRequested {
			return e.compensate(ctx, instance, "cancelled")
		}

		node := def.NodeByID(current)
		if node == nil {
			return e.failInstance(ctx, instance, fmt.Sprintf("unknown node '%s'", current))
		}

		instance.CurrentNode = current

		err := e.persistence.SaveInstance(ctx, instance)
		if err != nil {
			return err
		}

		next, err := e.runNodeTraced(ctx, instance, def, node)

		switch {
		case err == nil:
		case errors.Is(err, ErrNoMatchingRoute):
			return e.failInstance(ctx, instance, err.Error())
		case errors.Is(err, ErrTaskExecution):
			return e.compensate(ctx, instance, err.Error())
		default:
			return err
		}

		current = next
	}

	return nil
}

// runNodeTraced wraps one node execution in a span when tracing is wired.
func (e *Engine) runNodeTraced(ctx context.Context, instance *models.WorkflowInstance, def *models.WorkflowDefinition, node *models.WorkflowNode) (string, error) {
	if e.tracer == nil {
		return e.runNode(ctx, instance, def, node)
	}

	spanCtx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.node."+string(node.Type),
		attribute.String(otelhelper.WorkflowIDKey, instance.WorkflowID),
		attribute.String(otelhelper.InstanceIDKey, instance.ID),
		attribute.String(otelhelper.NodeIDKey, node.ID),
	)
	defer span.End()

	next, err := e.runNode(spanCtx, instance, def, node)
	if err != nil {
		otelhelper.SetError(span, err, attribute.String(otelhelper.NodeIDKey, node.ID))
	}

	return next, err
}

func (e *Engine) runNode(ctx context.Context, instance *models.WorkflowInstance, def *models.WorkflowDefinition, node *models.WorkflowNode) (string, error) {
	switch node.Type {
	case models.NodeTypeStart:
		return e.nextAfter(def, node.ID)
	case models.NodeTypeEnd:
		return "", e.completeInstance(ctx, instance)
	case models.NodeTypeServiceTask:
		return e.runServiceTask(ctx, instance, def, node)
	case models.NodeTypeUserTask:
		return e.runUserTask(ctx, instance, def, node)
	case models.NodeTypeScriptTask:
		return e.runScriptTask(ctx, instance, def, node, "")
	case models.NodeTypeExclusiveGateway:
		return e.runExclusiveGateway(ctx, instance, node)
	case models.NodeTypeParallelFork:
		return e.runParallelFork(ctx, instance, def, node)
	case models.NodeTypeParallelJoin:
		return e.runParallelJoin(ctx, instance, def, node)
	case models.NodeTypeTimer:
		return e.runTimerNode(ctx, instance, node)
	default:
		return "", fmt.Errorf("node '%s' has unsupported type '%s'", node.ID, node.Type)
	}
}

// nextAfter returns the single outgoing edge target of a node. Nodes with
// multiple outgoing edges route through gateways instead.
func (e *Engine) nextAfter(def *models.WorkflowDefinition, nodeID string) (string, error) {
	edges := def.OutgoingEdges(nodeID)

	switch len(edges) {
	case 0:
		return "", fmt.Errorf("node '%s' has no outgoing edge", nodeID)
	case 1:
		return edges[0].To, nil
	default:
		return "", fmt.Errorf("node '%s' has %d outgoing edges, expected one", nodeID, len(edges))
	}
}

func (e *Engine) completeInstance(ctx context.Context, instance *models.WorkflowInstance) error {
	now := time.Now().UTC()
	instance.State = models.InstanceStateCompleted
	instance.WaitingFor = nil
	instance.EndTime = &now

	err := e.persistence.SaveInstance(ctx, instance)
	if err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "Instance completed", "instance_id", instance.ID, "workflow_id", instance.WorkflowID)
	e.emit(ctx, events.InstanceTransition{
		BaseEvent:  events.NewBaseEvent(events.InstanceCompletedEvent, e.agentID),
		InstanceID: instance.ID,
		WorkflowID: instance.WorkflowID,
		Version:    instance.Version,
	})

	return nil
}

func (e *Engine) failInstance(ctx context.Context, instance *models.WorkflowInstance, reason string) error {
	now := time.Now().UTC()
	instance.State = models.InstanceStateFailed
	instance.WaitingFor = nil
	instance.FailureReason = reason
	instance.EndTime = &now

	err := e.persistence.SaveInstance(ctx, instance)
	if err != nil {
		return err
	}

	e.logger.ErrorContext(ctx, "Instance failed",
		"instance_id", instance.ID, "workflow_id", instance.WorkflowID, "reason", reason)
	e.emit(ctx, events.InstanceTransition{
		BaseEvent:  events.NewBaseEvent(events.InstanceFailedEvent, e.agentID),
		InstanceID: instance.ID,
		WorkflowID: instance.WorkflowID,
		Version:    instance.Version,
		NodeID:     instance.CurrentNode,
		Reason:     reason,
	})

	return nil
}

// suspend parks the instance on a durable wait condition.
func (e *Engine) suspend(ctx context.Context, instance *models.WorkflowInstance, waiting *models.WaitCondition) error {
	waiting.Since = time.Now().UTC()
	instance.State = models.InstanceStateSuspended
	instance.WaitingFor = waiting

	err := e.persistence.SaveInstance(ctx, instance)
	if err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "Instance suspended",
		"instance_id", instance.ID, "node_id", waiting.NodeID, "wait_kind", waiting.Kind)
	e.emit(ctx, events.InstanceTransition{
		BaseEvent:  events.NewBaseEvent(events.InstanceSuspendedEvent, e.agentID),
		InstanceID: instance.ID,
		WorkflowID: instance.WorkflowID,
		Version:    instance.Version,
		NodeID:     waiting.NodeID,
		Reason:     string(waiting.Kind),
	})

	return nil
}

// resume clears the wait condition and continues from the given node. The
// caller holds the instance lock.
func (e *Engine) resume(ctx context.Context, instance *models.WorkflowInstance, def *models.WorkflowDefinition, fromNode string) error {
	instance.State = models.InstanceStateActive
	instance.WaitingFor = nil

	err := e.persistence.SaveInstance(ctx, instance)
	if err != nil {
		return err
	}

	e.emit(ctx, events.InstanceTransition{
		BaseEvent:  events.NewBaseEvent(events.InstanceResumedEvent, e.agentID),
		InstanceID: instance.ID,
		WorkflowID: instance.WorkflowID,
		Version:    instance.Version,
		NodeID:     fromNode,
	})

	return e.advance(ctx, instance, def, fromNode)
}
