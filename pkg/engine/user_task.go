package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fluxway/fluxway/pkg/events"
	"github.com/fluxway/fluxway/pkg/models"
)

// userTaskConfig is the decoded config of a user task node.
type userTaskConfig struct {
	Adapter  string         `json:"adapter"`
	Assignee string         `json:"assignee"`
	Data     map[string]any `json:"data"`
	SLAMs    int64          `json:"sla_ms"`

	// OnTimeout names the node the instance escalates to when the SLA
	// deadline passes unresolved.
	OnTimeout string `json:"on_timeout"`
}

const defaultSLA = 24 * time.Hour

// runUserTask opens a human checkpoint through the node's adapter, arms the
// SLA timer and suspends until a decision arrives or the SLA breaches.
func (e *Engine) runUserTask(ctx context.Context, instance *models.WorkflowInstance, def *models.WorkflowDefinition, node *models.WorkflowNode) (string, error) {
	cfg, err := decodeNodeConfig[userTaskConfig](node)
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

	adapter, err := e.registry.CreateAdapter(cfg.Adapter, node.Config)
	if err != nil {
		return "", &TaskError{NodeID: node.ID, Attempt: 0, Err: err}
	}

	humanTaskID := uuid.New().String()
	now := time.Now().UTC()

	sla := defaultSLA
	if cfg.SLAMs > 0 {
		sla = time.Duration(cfg.SLAMs) * time.Millisecond
	}

	data["assignee"] = cfg.Assignee
	data["human_task_id"] = humanTaskID

	msg := &models.Message{
		Priority: 3,
		Routing: models.Routing{
			From:          e.agentID,
			Topic:         "fluxway.humantask",
			ReplyTo:       instance.ID,
			CorrelationID: humanTaskID,
		},
		Payload: models.Payload{
			Subject: node.Name,
			Action:  "open",
			Data:    data,
		},
		Metadata: models.MessageMetadata{
			IdempotencyKey: instance.ID + ":" + node.ID + ":" + humanTaskID,
		},
		CreatedAt: now,
	}

	result, err := adapter.Deliver(ctx, msg)
	if err != nil {
		return "", &TaskError{NodeID: node.ID, Attempt: 0, Err: err}
	}

	humanTask := &models.HumanTask{
		ID:          humanTaskID,
		InstanceID:  instance.ID,
		NodeID:      node.ID,
		ExternalRef: result.ExternalRef,
		Assignee:    cfg.Assignee,
		SLADeadline: now.Add(sla),
		State:       models.HumanTaskStateOpen,
		CreatedAt:   now,
	}

	err = e.persistence.SaveHumanTask(ctx, humanTask)
	if err != nil {
		return "", err
	}

	timer := &models.Timer{
		ID:          uuid.New().String(),
		Kind:        models.TimerKindDate,
		Purpose:     models.TimerPurposeSLA,
		InstanceID:  instance.ID,
		NodeID:      node.ID,
		HumanTaskID: humanTaskID,
		FireAt:      humanTask.SLADeadline,
		State:       models.TimerStatePending,
		CreatedAt:   now,
	}

	err = e.persistence.SaveTimer(ctx, timer)
	if err != nil {
		return "", err
	}

	e.logger.InfoContext(ctx, "Human task opened",
		"instance_id", instance.ID, "node_id", node.ID,
		"human_task_id", humanTaskID, "assignee", cfg.Assignee,
		"sla_deadline", humanTask.SLADeadline)

	return "", e.suspend(ctx, instance, &models.WaitCondition{
		Kind:          models.WaitKindDecision,
		NodeID:        node.ID,
		CorrelationID: humanTaskID,
		TimerID:       timer.ID,
		HumanTaskID:   humanTaskID,
	})
}

// resumeDecision resolves the human task the instance is waiting on. A
// decision arriving after escalation is recorded but does not move the
// instance again.
func (e *Engine) resumeDecision(ctx context.Context, instance *models.WorkflowInstance, def *models.WorkflowDefinition, msg *models.Message) error {
	waiting := instance.WaitingFor

	humanTask, err := e.persistence.HumanTaskByID(ctx, waiting.HumanTaskID)
	if err != nil {
		return err
	}

	if humanTask.State != models.HumanTaskStateOpen {
		e.logger.WarnContext(ctx, "Decision for non-open human task ignored",
			"human_task_id", humanTask.ID, "state", humanTask.State)

		return nil
	}

	now := time.Now().UTC()
	humanTask.State = models.HumanTaskStateResolved
	humanTask.Decision = msg.Payload.Data
	humanTask.ResolvedAt = &now

	err = e.persistence.SaveHumanTask(ctx, humanTask)
	if err != nil {
		return err
	}

	e.cancelTimer(ctx, waiting.TimerID)

	err = e.mergeOutput(ctx, instance.ID, waiting.NodeID, msg.Payload.Data)
	if err != nil {
		return err
	}

	next, err := e.nextAfter(def, waiting.NodeID)
	if err != nil {
		return err
	}

	return e.resume(ctx, instance, def, next)
}

// escalate handles an SLA breach: the human task is marked escalated and
// the instance continues on the node's declared on_timeout route. A breach
// is never silently dropped.
func (e *Engine) escalate(ctx context.Context, instance *models.WorkflowInstance, def *models.WorkflowDefinition, timer *models.Timer) error {
	humanTask, err := e.persistence.HumanTaskByID(ctx, timer.HumanTaskID)
	if err != nil {
		return err
	}

	if humanTask.State != models.HumanTaskStateOpen {
		return nil
	}

	node := def.NodeByID(humanTask.NodeID)
	if node == nil {
		return fmt.Errorf("human task node '%s' missing from definition", humanTask.NodeID)
	}

	cfg, err := decodeNodeConfig[userTaskConfig](node)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	humanTask.State = models.HumanTaskStateEscalated
	humanTask.ResolvedAt = &now

	err = e.persistence.SaveHumanTask(ctx, humanTask)
	if err != nil {
		return err
	}

	e.logger.WarnContext(ctx, "Human task SLA breached",
		"instance_id", instance.ID, "node_id", node.ID,
		"human_task_id", humanTask.ID, "assignee", humanTask.Assignee,
		"error", fmt.Errorf("%w: task %s", ErrSLABreach, humanTask.ID))
	e.emit(ctx, events.SLABreached{
		BaseEvent:   events.NewBaseEvent(events.SLABreachedEvent, e.agentID),
		InstanceID:  instance.ID,
		NodeID:      node.ID,
		HumanTaskID: humanTask.ID,
		Assignee:    humanTask.Assignee,
		Escalation:  cfg.OnTimeout,
	})

	return e.resume(ctx, instance, def, cfg.OnTimeout)
}
