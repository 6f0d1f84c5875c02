package models

import "time"

// NodeType enumerates the node kinds a workflow graph may contain.
type NodeType string

const (
	NodeTypeStart            NodeType = "start"
	NodeTypeEnd              NodeType = "end"
	NodeTypeServiceTask      NodeType = "service_task"
	NodeTypeUserTask         NodeType = "user_task"
	NodeTypeScriptTask       NodeType = "script_task"
	NodeTypeExclusiveGateway NodeType = "exclusive_gateway"
	NodeTypeParallelFork     NodeType = "parallel_fork"
	NodeTypeParallelJoin     NodeType = "parallel_join"
	NodeTypeTimer            NodeType = "timer"
)

// WorkflowNode is one node instance inside a workflow definition. Type
// specific settings live in Config and are validated against the node
// type's JSON schema at registration time.
type WorkflowNode struct {
	ID     string         `json:"id"     validate:"required"`
	Type   NodeType       `json:"type"   validate:"required"`
	Name   string         `json:"name"   validate:"required,min=1"`
	Config map[string]any `json:"config,omitempty"`
}

// Edge connects two nodes. Edges leaving a parallel fork are branch roots;
// an exclusive gateway routes through its conditions instead of plain edges.
type Edge struct {
	ID   string `json:"id"`
	From string `json:"from" validate:"required"`
	To   string `json:"to"   validate:"required"`
}

// GatewayCondition is one named boolean condition of an exclusive gateway,
// evaluated in author-defined order. Expression is a template rendered
// against instance variables; the condition holds when it renders "true".
type GatewayCondition struct {
	Name       string `json:"name"       validate:"required"`
	Expression string `json:"expression" validate:"required"`
	To         string `json:"to"         validate:"required"`
}

// CompensationSpec declares the rollback action paired with a service task.
type CompensationSpec struct {
	Adapter string         `json:"adapter" validate:"required"`
	Action  string         `json:"action"  validate:"required"`
	Data    map[string]any `json:"data,omitempty"`
}

// WorkflowDefinition is a versioned, immutable-once-published workflow
// graph. Running instances stay pinned to the version they started with.
type WorkflowDefinition struct {
	ID          string          `json:"id"           validate:"required"`
	Version     int             `json:"version"      validate:"min=1"`
	Name        string          `json:"name"         validate:"required,min=3"`
	Description string          `json:"description,omitempty"`
	Nodes       []*WorkflowNode `json:"nodes"        validate:"required,min=1,dive"`
	Edges       []*Edge         `json:"edges"        validate:"dive"`

	// TriggerTopic matches incoming bus messages to this definition. An
	// empty topic means the workflow starts only by timer or explicit call.
	TriggerTopic string `json:"trigger_topic,omitempty"`

	Published   bool       `json:"published"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// NodeByID returns the node with the given id, or nil.
func (d *WorkflowDefinition) NodeByID(id string) *WorkflowNode {
	for _, node := range d.Nodes {
		if node.ID == id {
			return node
		}
	}

	return nil
}

// StartNode returns the definition's single start node, or nil.
func (d *WorkflowDefinition) StartNode() *WorkflowNode {
	for _, node := range d.Nodes {
		if node.Type == NodeTypeStart {
			return node
		}
	}

	return nil
}

// OutgoingEdges returns the edges leaving the given node, in definition
// order.
func (d *WorkflowDefinition) OutgoingEdges(nodeID string) []*Edge {
	var out []*Edge

	for _, edge := range d.Edges {
		if edge.From == nodeID {
			out = append(out, edge)
		}
	}

	return out
}

// IncomingEdges returns the edges arriving at the given node.
func (d *WorkflowDefinition) IncomingEdges(nodeID string) []*Edge {
	var in []*Edge

	for _, edge := range d.Edges {
		if edge.To == nodeID {
			in = append(in, edge)
		}
	}

	return in
}
