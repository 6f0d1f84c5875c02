package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fluxway/fluxway/pkg/events"
	"github.com/fluxway/fluxway/pkg/models"
	"github.com/fluxway/fluxway/pkg/template"
)

type exclusiveGatewayConfig struct {
	Conditions []models.GatewayCondition `json:"conditions"`
	Default    string                    `json:"default"`
}

// runExclusiveGateway evaluates the gateway's named conditions in declared
// order; the first true condition wins. With no true condition the declared
// default routes, otherwise the instance fails on ErrNoMatchingRoute.
// Identical variables always produce an identical route.
func (e *Engine) runExclusiveGateway(ctx context.Context, instance *models.WorkflowInstance, node *models.WorkflowNode) (string, error) {
	cfg, err := decodeNodeConfig[exclusiveGatewayConfig](node)
	if err != nil {
		return "", err
	}

	variables, err := e.persistence.Variables(ctx, instance.ID)
	if err != nil {
		return "", err
	}

	for _, condition := range cfg.Conditions {
		holds, err := template.EvaluateCondition(condition.Expression, instance, variables)
		if err != nil {
			return "", fmt.Errorf("condition '%s' of gateway '%s': %w", condition.Name, node.ID, err)
		}

		if holds {
			e.logger.InfoContext(ctx, "Gateway routed",
				"instance_id", instance.ID, "node_id", node.ID, "condition", condition.Name)

			return condition.To, nil
		}
	}

	if cfg.Default != "" {
		e.logger.InfoContext(ctx, "Gateway routed to default",
			"instance_id", instance.ID, "node_id", node.ID)

		return cfg.Default, nil
	}

	return "", fmt.Errorf("%w: gateway '%s'", ErrNoMatchingRoute, node.ID)
}

type parallelForkConfig struct {
	Join string `json:"join"`
}

// runParallelFork runs each outgoing branch concurrently and rejoins at the
// configured join node. Branch membership is persisted on the instance
// before the first branch starts, so a crash mid-fork never loses track of
// what was expected. Branch variable writes are versioned appends;
// conflicting names resolve last-writer-wins with full history retained.
//
// Branches are restricted to synchronous nodes (service tasks in direct
// mode, script tasks); suspending nodes belong outside forks.
func (e *Engine) runParallelFork(ctx context.Context, instance *models.WorkflowInstance, def *models.WorkflowDefinition, node *models.WorkflowNode) (string, error) {
	cfg, err := decodeNodeConfig[parallelForkConfig](node)
	if err != nil {
		return "", err
	}

	if cfg.Join == "" {
		return "", fmt.Errorf("parallel fork '%s' has no join configured", node.ID)
	}

	edges := def.OutgoingEdges(node.ID)

	expected := make([]string, len(edges))
	for i, edge := range edges {
		expected[i] = edge.To
	}

	if instance.Joins == nil {
		instance.Joins = make(map[string]*models.JoinState)
	}

	instance.Joins[cfg.Join] = &models.JoinState{Expected: expected, Since: time.Now().UTC()}

	err = e.persistence.SaveInstance(ctx, instance)
	if err != nil {
		return "", err
	}

	var (
		wg     sync.WaitGroup
		joinMu sync.Mutex
	)

	errs := make([]error, len(edges))

	for i, edge := range edges {
		wg.Add(1)

		go func(i int, branchRoot string) {
			defer wg.Done()

			err := e.runBranch(ctx, instance, def, branchRoot, cfg.Join)
			if err != nil {
				errs[i] = err

				return
			}

			joinMu.Lock()
			defer joinMu.Unlock()

			state := instance.Joins[cfg.Join]
			state.Arrived = append(state.Arrived, branchRoot)

			saveErr := e.persistence.SaveInstance(ctx, instance)
			if saveErr != nil {
				errs[i] = saveErr
			}
		}(i, edge.To)
	}

	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return "", err
		}
	}

	return cfg.Join, nil
}

// runBranch executes one fork branch synchronously up to the join node.
func (e *Engine) runBranch(ctx context.Context, instance *models.WorkflowInstance, def *models.WorkflowDefinition, branchRoot, joinID string) error {
	current := branchRoot

	for current != "" && current != joinID {
		node := def.NodeByID(current)
		if node == nil {
			return fmt.Errorf("unknown node '%s' in branch '%s'", current, branchRoot)
		}

		var (
			next string
			err  error
		)

		switch node.Type {
		case models.NodeTypeServiceTask:
			next, err = e.runBranchServiceTask(ctx, instance, def, node)
		case models.NodeTypeScriptTask:
			next, err = e.runScriptTask(ctx, instance, def, node, branchRoot)
		default:
			return fmt.Errorf("node '%s' (%s) cannot run inside a parallel branch", node.ID, node.Type)
		}

		if err != nil {
			return err
		}

		current = next
	}

	return nil
}

// runBranchServiceTask runs a service task inside a branch; publish mode is
// rejected because branches cannot suspend.
func (e *Engine) runBranchServiceTask(ctx context.Context, instance *models.WorkflowInstance, def *models.WorkflowDefinition, node *models.WorkflowNode) (string, error) {
	cfg, err := decodeNodeConfig[serviceTaskConfig](node)
	if err != nil {
		return "", err
	}

	if cfg.Mode == "publish" {
		return "", fmt.Errorf("service task '%s' uses publish mode inside a parallel branch", node.ID)
	}

	variables, err := e.persistence.Variables(ctx, instance.ID)
	if err != nil {
		return "", err
	}

	data, err := e.renderData(cfg.Data, instance, variables)
	if err != nil {
		return "", &TaskError{NodeID: node.ID, Attempt: 0, Err: err}
	}

	return e.directServiceTask(ctx, instance, def, node, cfg, data)
}

// runParallelJoin continues past the join once every expected branch
// arrived. Reaching a join without recorded fork state is a definition
// error.
func (e *Engine) runParallelJoin(ctx context.Context, instance *models.WorkflowInstance, def *models.WorkflowDefinition, node *models.WorkflowNode) (string, error) {
	state, ok := instance.Joins[node.ID]
	if !ok {
		return "", fmt.Errorf("join '%s' reached without a fork", node.ID)
	}

	if !state.Complete() {
		return "", fmt.Errorf("join '%s' reached with %d of %d branches", node.ID, len(state.Arrived), len(state.Expected))
	}

	e.logger.InfoContext(ctx, "Parallel branches joined",
		"instance_id", instance.ID, "node_id", node.ID, "branches", len(state.Arrived))
	e.emit(ctx, events.InstanceTransition{
		BaseEvent:  events.NewBaseEvent(events.InstanceResumedEvent, e.agentID),
		InstanceID: instance.ID,
		WorkflowID: instance.WorkflowID,
		Version:    instance.Version,
		NodeID:     node.ID,
		Reason:     "parallel join complete",
	})

	return e.nextAfter(def, node.ID)
}
