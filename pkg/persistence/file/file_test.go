package file

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxway/fluxway/pkg/models"
	"github.com/fluxway/fluxway/pkg/persistence"
)

func newTestPersistence(t *testing.T) *Persistence {
	t.Helper()

	p, err := NewPersistence(t.TempDir())
	require.NoError(t, err)

	return p
}

func testDefinition(id string, version int, published bool) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:      id,
		Version: version,
		Name:    "Order Processing",
		Nodes: []*models.WorkflowNode{
			{ID: "start", Type: models.NodeTypeStart, Name: "Start"},
			{ID: "end", Type: models.NodeTypeEnd, Name: "End"},
		},
		Edges: []*models.Edge{
			{From: "start", To: "end"},
		},
		TriggerTopic: "orders.created",
		Published:    published,
	}
}

func testInstance(id string) *models.WorkflowInstance {
	return &models.WorkflowInstance{
		ID:          id,
		WorkflowID:  "order-processing",
		Version:     1,
		State:       models.InstanceStateActive,
		CurrentNode: "start",
		StartTime:   time.Now().UTC(),
	}
}

func TestSaveDefinition_PublishedVersionIsImmutable(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	require.NoError(t, p.SaveDefinition(ctx, testDefinition("wf", 1, true)))

	err := p.SaveDefinition(ctx, testDefinition("wf", 1, true))
	assert.ErrorIs(t, err, persistence.ErrDefinitionImmutable)

	// A draft can be overwritten until it is published.
	require.NoError(t, p.SaveDefinition(ctx, testDefinition("wf", 2, false)))
	require.NoError(t, p.SaveDefinition(ctx, testDefinition("wf", 2, true)))
}

func TestLatestDefinition_IgnoresDrafts(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	require.NoError(t, p.SaveDefinition(ctx, testDefinition("wf", 1, true)))
	require.NoError(t, p.SaveDefinition(ctx, testDefinition("wf", 2, true)))
	require.NoError(t, p.SaveDefinition(ctx, testDefinition("wf", 3, false)))

	def, err := p.LatestDefinition(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, 2, def.Version)
}

func TestDefinitionByID_NotFound(t *testing.T) {
	p := newTestPersistence(t)

	_, err := p.DefinitionByID(context.Background(), "missing", 1)
	assert.ErrorIs(t, err, persistence.ErrDefinitionNotFound)
}

func TestCreateInstance_RejectsDuplicates(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	require.NoError(t, p.CreateInstance(ctx, testInstance("i1")))

	err := p.CreateInstance(ctx, testInstance("i1"))
	assert.ErrorIs(t, err, persistence.ErrInstanceAlreadyExists)
}

func TestInstanceByCorrelation(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	waiting := testInstance("i1")
	waiting.State = models.InstanceStateSuspended
	waiting.WaitingFor = &models.WaitCondition{
		Kind:          models.WaitKindReply,
		NodeID:        "charge",
		CorrelationID: "corr-42",
		Since:         time.Now().UTC(),
	}

	require.NoError(t, p.CreateInstance(ctx, waiting))
	require.NoError(t, p.CreateInstance(ctx, testInstance("i2")))

	found, err := p.InstanceByCorrelation(ctx, "corr-42")
	require.NoError(t, err)
	assert.Equal(t, "i1", found.ID)

	_, err = p.InstanceByCorrelation(ctx, "corr-unknown")
	assert.ErrorIs(t, err, persistence.ErrInstanceNotFound)
}

func TestInstances_FilterByState(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	active := testInstance("i1")
	require.NoError(t, p.CreateInstance(ctx, active))

	completed := testInstance("i2")
	completed.State = models.InstanceStateCompleted
	require.NoError(t, p.CreateInstance(ctx, completed))

	all, err := p.Instances(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onlyCompleted, err := p.Instances(ctx, models.InstanceStateCompleted)
	require.NoError(t, err)
	require.Len(t, onlyCompleted, 1)
	assert.Equal(t, "i2", onlyCompleted[0].ID)
}

func TestSetVariable_VersionsAreMonotonic(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	require.NoError(t, p.CreateInstance(ctx, testInstance("i1")))

	v1, err := p.SetVariable(ctx, "i1", "amount", 100, "trigger")
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	v2, err := p.SetVariable(ctx, "i1", "amount", 250, "charge")
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	latest, err := p.Variable(ctx, "i1", "amount")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	history, err := p.VariableHistory(ctx, "i1", "amount")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 1, history[0].Version)
	assert.Equal(t, 2, history[1].Version)
}

func TestVariables_ReturnsLatestValues(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	require.NoError(t, p.CreateInstance(ctx, testInstance("i1")))

	_, err := p.SetVariable(ctx, "i1", "amount", 100, "trigger")
	require.NoError(t, err)

	_, err = p.SetVariable(ctx, "i1", "amount", 250, "charge")
	require.NoError(t, err)

	_, err = p.SetVariable(ctx, "i1", "customer", "acme", "trigger")
	require.NoError(t, err)

	variables, err := p.Variables(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"amount": float64(250), "customer": "acme"}, variables)
}

func TestVariable_NotFound(t *testing.T) {
	p := newTestPersistence(t)

	_, err := p.Variable(context.Background(), "i1", "missing")
	assert.ErrorIs(t, err, persistence.ErrVariableNotFound)
}

func TestRecordTaskExecution_UpdatesInPlaceByID(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	record := &models.TaskExecution{
		ID:         "t1",
		InstanceID: "i1",
		NodeID:     "charge",
		Type:       models.NodeTypeServiceTask,
		State:      models.TaskStateRunning,
		StartTime:  time.Now().UTC(),
	}

	require.NoError(t, p.RecordTaskExecution(ctx, record))

	record.State = models.TaskStateSuccess
	require.NoError(t, p.RecordTaskExecution(ctx, record))

	// A retry appends a fresh record instead of overwriting.
	retry := &models.TaskExecution{
		ID:         "t2",
		InstanceID: "i1",
		NodeID:     "charge",
		Type:       models.NodeTypeServiceTask,
		State:      models.TaskStateFailed,
		StartTime:  time.Now().UTC(),
	}
	require.NoError(t, p.RecordTaskExecution(ctx, retry))

	records, err := p.TaskExecutions(ctx, "i1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, models.TaskStateSuccess, records[0].State)
	assert.Equal(t, models.TaskStateFailed, records[1].State)
}

func TestTimers_DueAndPending(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()
	now := time.Now().UTC()

	past := &models.Timer{
		ID:         "tm1",
		Kind:       models.TimerKindDuration,
		Purpose:    models.TimerPurposeNode,
		InstanceID: "i1",
		FireAt:     now.Add(-time.Minute),
		State:      models.TimerStatePending,
		CreatedAt:  now,
	}
	future := &models.Timer{
		ID:         "tm2",
		Kind:       models.TimerKindDuration,
		Purpose:    models.TimerPurposeNode,
		InstanceID: "i1",
		FireAt:     now.Add(time.Hour),
		State:      models.TimerStatePending,
		CreatedAt:  now,
	}
	fired := &models.Timer{
		ID:         "tm3",
		Kind:       models.TimerKindDuration,
		Purpose:    models.TimerPurposeNode,
		InstanceID: "i1",
		FireAt:     now.Add(-time.Hour),
		State:      models.TimerStateFired,
		CreatedAt:  now,
	}

	require.NoError(t, p.SaveTimer(ctx, past))
	require.NoError(t, p.SaveTimer(ctx, future))
	require.NoError(t, p.SaveTimer(ctx, fired))

	due, err := p.DueTimers(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "tm1", due[0].ID)

	pending, err := p.PendingTimers(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestColdRestart_SuspendedInstanceFullyLoadable(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	p, err := NewPersistence(dir)
	require.NoError(t, err)

	instance := testInstance("i1")
	instance.State = models.InstanceStateSuspended
	instance.WaitingFor = &models.WaitCondition{
		Kind:          models.WaitKindDecision,
		NodeID:        "approve",
		CorrelationID: "ht-1",
		HumanTaskID:   "ht-1",
		Since:         time.Now().UTC(),
	}

	require.NoError(t, p.CreateInstance(ctx, instance))

	_, err = p.SetVariable(ctx, "i1", "amount", 100, "trigger")
	require.NoError(t, err)

	require.NoError(t, p.SaveHumanTask(ctx, &models.HumanTask{
		ID:          "ht-1",
		InstanceID:  "i1",
		NodeID:      "approve",
		Assignee:    "ops",
		SLADeadline: time.Now().UTC().Add(time.Hour),
		State:       models.HumanTaskStateOpen,
		CreatedAt:   time.Now().UTC(),
	}))
	require.NoError(t, p.Close(ctx))

	// A brand new process over the same directory sees everything.
	reopened, err := NewPersistence(dir)
	require.NoError(t, err)

	loaded, err := reopened.InstanceByID(ctx, "i1")
	require.NoError(t, err)
	require.NotNil(t, loaded.WaitingFor)
	assert.Equal(t, models.WaitKindDecision, loaded.WaitingFor.Kind)
	assert.Equal(t, "ht-1", loaded.WaitingFor.HumanTaskID)

	variables, err := reopened.Variables(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, float64(100), variables["amount"])

	task, err := reopened.HumanTaskByID(ctx, "ht-1")
	require.NoError(t, err)
	assert.Equal(t, models.HumanTaskStateOpen, task.State)
}
