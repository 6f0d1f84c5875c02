package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fluxway/fluxway/pkg/models"
)

var validate = validator.New()

// ValidateDefinition checks a workflow definition structurally and against
// the registered adapters and script functions. Definitions that pass are
// safe for the engine to run without re-checking node wiring.
func (r *Registry) ValidateDefinition(def *models.WorkflowDefinition) error {
	err := validate.Struct(def)
	if err != nil {
		return fmt.Errorf("definition validation failed: %w", err)
	}

	nodeIDs := make(map[string]bool, len(def.Nodes))
	startCount := 0
	endCount := 0

	for _, node := range def.Nodes {
		if nodeIDs[node.ID] {
			return fmt.Errorf("duplicate node id '%s'", node.ID)
		}

		nodeIDs[node.ID] = true

		switch node.Type {
		case models.NodeTypeStart:
			startCount++
		case models.NodeTypeEnd:
			endCount++
		default:
		}
	}

	if startCount != 1 {
		return fmt.Errorf("definition '%s' must have exactly one start node, has %d", def.ID, startCount)
	}

	if endCount == 0 {
		return fmt.Errorf("definition '%s' has no end node", def.ID)
	}

	for _, edge := range def.Edges {
		if !nodeIDs[edge.From] {
			return fmt.Errorf("edge '%s' leaves unknown node '%s'", edge.ID, edge.From)
		}

		if !nodeIDs[edge.To] {
			return fmt.Errorf("edge '%s' enters unknown node '%s'", edge.ID, edge.To)
		}
	}

	for _, node := range def.Nodes {
		err := r.validateNode(def, node, nodeIDs)
		if err != nil {
			return fmt.Errorf("node '%s': %w", node.ID, err)
		}
	}

	return nil
}

func (r *Registry) validateNode(def *models.WorkflowDefinition, node *models.WorkflowNode, nodeIDs map[string]bool) error {
	switch node.Type {
	case models.NodeTypeServiceTask:
		return r.validateServiceTask(node)
	case models.NodeTypeUserTask:
		return r.validateUserTask(node)
	case models.NodeTypeScriptTask:
		return r.validateScriptTask(node)
	case models.NodeTypeExclusiveGateway:
		return validateExclusiveGateway(node, nodeIDs)
	case models.NodeTypeParallelFork:
		if len(def.OutgoingEdges(node.ID)) < 2 {
			return errors.New("parallel fork needs at least two outgoing edges")
		}

		join, _ := node.Config["join"].(string)
		if join == "" {
			return errors.New("parallel fork requires a join node")
		}

		joinNode := def.NodeByID(join)
		if joinNode == nil || joinNode.Type != models.NodeTypeParallelJoin {
			return fmt.Errorf("join '%s' is not a parallel join node", join)
		}

		return nil
	case models.NodeTypeTimer:
		return validateTimerNode(node)
	default:
		return nil
	}
}

func (r *Registry) validateServiceTask(node *models.WorkflowNode) error {
	adapter, _ := node.Config["adapter"].(string)
	if adapter == "" {
		return errors.New("service task requires an adapter")
	}

	if !r.HasAdapter(adapter) {
		return fmt.Errorf("adapter '%s' not registered", adapter)
	}

	if comp, ok := node.Config["compensation"].(map[string]any); ok {
		compAdapter, _ := comp["adapter"].(string)
		if compAdapter == "" {
			return errors.New("compensation requires an adapter")
		}

		if !r.HasAdapter(compAdapter) {
			return fmt.Errorf("compensation adapter '%s' not registered", compAdapter)
		}
	}

	return nil
}

func (r *Registry) validateUserTask(node *models.WorkflowNode) error {
	adapter, _ := node.Config["adapter"].(string)
	if adapter == "" {
		return errors.New("user task requires an adapter")
	}

	if !r.HasAdapter(adapter) {
		return fmt.Errorf("adapter '%s' not registered", adapter)
	}

	// Escalation on SLA expiry must be declared up front; a breach is never
	// silently ignored at runtime.
	onTimeout, _ := node.Config["on_timeout"].(string)
	if onTimeout == "" {
		return errors.New("user task requires an on_timeout escalation target")
	}

	return nil
}

func (r *Registry) validateScriptTask(node *models.WorkflowNode) error {
	function, _ := node.Config["function"].(string)
	if function == "" {
		return errors.New("script task requires a function")
	}

	if !r.HasScript(function) {
		return fmt.Errorf("script function '%s' not registered", function)
	}

	return nil
}

func validateExclusiveGateway(node *models.WorkflowNode, nodeIDs map[string]bool) error {
	conditions, _ := node.Config["conditions"].([]any)
	defaultTo, _ := node.Config["default"].(string)

	if len(conditions) == 0 && defaultTo == "" {
		return errors.New("exclusive gateway needs conditions or a default route")
	}

	if defaultTo != "" && !nodeIDs[defaultTo] {
		return fmt.Errorf("default route targets unknown node '%s'", defaultTo)
	}

	for i, raw := range conditions {
		condition, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("condition %d is not an object", i)
		}

		name, _ := condition["name"].(string)
		expression, _ := condition["expression"].(string)
		to, _ := condition["to"].(string)

		if name == "" || expression == "" || to == "" {
			return fmt.Errorf("condition %d needs name, expression and to", i)
		}

		if !nodeIDs[to] {
			return fmt.Errorf("condition '%s' targets unknown node '%s'", name, to)
		}
	}

	return nil
}

func validateTimerNode(node *models.WorkflowNode) error {
	kind, _ := node.Config["kind"].(string)

	switch models.TimerKind(kind) {
	case models.TimerKindDuration:
		duration, ok := node.Config["duration_ms"].(float64)
		if !ok || duration <= 0 {
			return errors.New("duration timer requires a positive duration_ms")
		}
	case models.TimerKindDate:
		date, _ := node.Config["date"].(string)

		_, err := time.Parse(time.RFC3339, date)
		if err != nil {
			return fmt.Errorf("date timer requires an RFC3339 date: %w", err)
		}
	case models.TimerKindCycle:
		cronExpr, _ := node.Config["cron"].(string)

		return models.ValidateCron(cronExpr)
	default:
		return fmt.Errorf("unknown timer kind '%s'", kind)
	}

	return nil
}
