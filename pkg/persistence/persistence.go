// Package persistence provides the durable process store abstraction for
// workflow definitions, instances, process variables, task execution
// records, human tasks and timers.
package persistence

import (
	"context"
	"time"

	"github.com/fluxway/fluxway/pkg/models"
)

// Persistence is the process store. A suspended instance must be fully
// loadable from a cold start: recovery never depends on in-memory state.
//
// Implementations serialize variable writes per (instance_id, name) and
// guarantee strictly increasing version numbers per that key.
type Persistence interface {
	// Workflow definitions. Versions are immutable once published;
	// saving an already-published (id, version) fails.
	SaveDefinition(ctx context.Context, def *models.WorkflowDefinition) error
	DefinitionByID(ctx context.Context, id string, version int) (*models.WorkflowDefinition, error)
	LatestDefinition(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	Definitions(ctx context.Context) ([]*models.WorkflowDefinition, error)

	// Workflow instances. Terminal instances are archived, never deleted:
	// they stay queryable with their full variable history.
	CreateInstance(ctx context.Context, instance *models.WorkflowInstance) error
	SaveInstance(ctx context.Context, instance *models.WorkflowInstance) error
	InstanceByID(ctx context.Context, id string) (*models.WorkflowInstance, error)

	// InstanceByCorrelation finds the suspended instance waiting on the
	// given correlation id, or ErrInstanceNotFound.
	InstanceByCorrelation(ctx context.Context, correlationID string) (*models.WorkflowInstance, error)

	// InstanceByTrigger finds the instance of a workflow started by the
	// message with the given idempotency key, or ErrInstanceNotFound. The
	// engine uses it to make trigger processing idempotent under
	// redelivery.
	InstanceByTrigger(ctx context.Context, workflowID, triggerKey string) (*models.WorkflowInstance, error)

	// Instances lists instances, optionally filtered by state ("" = all).
	Instances(ctx context.Context, state models.InstanceState) ([]*models.WorkflowInstance, error)

	// Process variables. Every write appends a new version.
	SetVariable(ctx context.Context, instanceID, name string, value any, actor string) (*models.VariableVersion, error)
	Variable(ctx context.Context, instanceID, name string) (*models.VariableVersion, error)
	VariableHistory(ctx context.Context, instanceID, name string) ([]*models.VariableVersion, error)

	// Variables returns the latest value of every variable of an instance.
	Variables(ctx context.Context, instanceID string) (map[string]any, error)

	// Task execution records. One record per attempt; completing an
	// attempt updates its record in place, retries append new records.
	RecordTaskExecution(ctx context.Context, record *models.TaskExecution) error
	TaskExecutions(ctx context.Context, instanceID string) ([]*models.TaskExecution, error)

	// Human tasks.
	SaveHumanTask(ctx context.Context, task *models.HumanTask) error
	HumanTaskByID(ctx context.Context, id string) (*models.HumanTask, error)

	// Durable timers.
	SaveTimer(ctx context.Context, timer *models.Timer) error
	TimerByID(ctx context.Context, id string) (*models.Timer, error)
	DueTimers(ctx context.Context, before time.Time) ([]*models.Timer, error)
	PendingTimers(ctx context.Context) ([]*models.Timer, error)

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
