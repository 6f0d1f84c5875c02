package engine

import (
	"context"

	"github.com/fluxway/fluxway/pkg/models"
)

type scriptTaskConfig struct {
	Function string `json:"function"`
}

// runScriptTask evaluates a registered pure function against the instance's
// current variables and stores its updates as new variable versions.
// branchID is set when the task runs inside a parallel branch.
func (e *Engine) runScriptTask(ctx context.Context, instance *models.WorkflowInstance, def *models.WorkflowDefinition, node *models.WorkflowNode, branchID string) (string, error) {
	cfg, err := decodeNodeConfig[scriptTaskConfig](node)
	if err != nil {
		return "", err
	}

	fn, err := e.registry.Script(cfg.Function)
	if err != nil {
		return "", &TaskError{NodeID: node.ID, Attempt: 0, Err: err}
	}

	variables, err := e.persistence.Variables(ctx, instance.ID)
	if err != nil {
		return "", err
	}

	record := e.startTaskRecord(ctx, instance, node, variables, 0, nil)
	record.BranchID = branchID

	updates, err := fn(ctx, variables)
	if err != nil {
		e.finishTaskRecord(ctx, record, models.TaskStateFailed, nil, err)

		return "", &TaskError{NodeID: node.ID, Attempt: 0, Err: err}
	}

	e.finishTaskRecord(ctx, record, models.TaskStateSuccess, updates, nil)

	err = e.mergeOutput(ctx, instance.ID, node.ID, updates)
	if err != nil {
		return "", err
	}

	return e.nextAfter(def, node.ID)
}
