package web_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxway/fluxway/pkg/audit"
	"github.com/fluxway/fluxway/pkg/bus"
	"github.com/fluxway/fluxway/pkg/engine"
	"github.com/fluxway/fluxway/pkg/events"
	"github.com/fluxway/fluxway/pkg/models"
	"github.com/fluxway/fluxway/pkg/persistence"
	"github.com/fluxway/fluxway/pkg/persistence/file"
	"github.com/fluxway/fluxway/pkg/stream/memory"
	"github.com/fluxway/fluxway/pkg/web"
)

type stubCanceller struct {
	cancelled []string
	err       error
}

func (s *stubCanceller) CancelInstance(_ context.Context, instanceID string) error {
	if s.err != nil {
		return s.err
	}

	s.cancelled = append(s.cancelled, instanceID)

	return nil
}

type webFixture struct {
	app       *fiber.App
	bus       *bus.Bus
	persist   persistence.Persistence
	auditLog  *audit.Log
	canceller *stubCanceller
}

func setupTestApp(t *testing.T) *webFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := memory.NewStore("", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	messageBus := bus.NewBus(store, nil, logger, bus.Config{DefaultMaxRetries: 1})

	persist, err := file.NewPersistence(t.TempDir())
	require.NoError(t, err)

	auditLog := audit.NewLog(100)
	canceller := &stubCanceller{}

	handlers := web.NewHandlers(messageBus, persist, auditLog, canceller, logger)

	return &webFixture{
		app:       web.NewApp(handlers),
		bus:       messageBus,
		persist:   persist,
		auditLog:  auditLog,
		canceller: canceller,
	}
}

func (f *webFixture) request(t *testing.T, method, target string) (int, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(method, target, nil)

	resp, err := f.app.Test(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var body map[string]any

	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &body))
	}

	return resp.StatusCode, body
}

func seedInstance(t *testing.T, persist persistence.Persistence, id string, state models.InstanceState) *models.WorkflowInstance {
	t.Helper()

	instance := &models.WorkflowInstance{
		ID:          id,
		WorkflowID:  "order-flow",
		Version:     1,
		State:       state,
		CurrentNode: "charge",
		StartTime:   time.Now().UTC(),
	}
	require.NoError(t, persist.CreateInstance(context.Background(), instance))

	return instance
}

func TestGetInstances_FiltersByState(t *testing.T) {
	f := setupTestApp(t)
	seedInstance(t, f.persist, "i-1", models.InstanceStateActive)
	seedInstance(t, f.persist, "i-2", models.InstanceStateFailed)

	status, body := f.request(t, http.MethodGet, "/instances")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), body["count"])

	status, body = f.request(t, http.MethodGet, "/instances?state=FAILED")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, float64(1), body["count"])

	instances, ok := body["instances"].([]any)
	require.True(t, ok)
	first, ok := instances[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "i-2", first["id"])
}

func TestGetInstance_ReturnsVariablesAndTasks(t *testing.T) {
	ctx := context.Background()
	f := setupTestApp(t)
	seedInstance(t, f.persist, "i-1", models.InstanceStateActive)

	_, err := f.persist.SetVariable(ctx, "i-1", "amount", 250, "trigger")
	require.NoError(t, err)

	require.NoError(t, f.persist.RecordTaskExecution(ctx, &models.TaskExecution{
		ID:         "t-1",
		InstanceID: "i-1",
		NodeID:     "charge",
		Type:       models.NodeTypeServiceTask,
		State:      models.TaskStateSuccess,
		StartTime:  time.Now().UTC(),
	}))

	status, body := f.request(t, http.MethodGet, "/instances/i-1")
	require.Equal(t, http.StatusOK, status)

	instance, ok := body["instance"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "i-1", instance["id"])

	variables, ok := body["variables"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(250), variables["amount"])

	tasks, ok := body["tasks"].([]any)
	require.True(t, ok)
	assert.Len(t, tasks, 1)
}

func TestGetInstance_UnknownReturnsNotFound(t *testing.T) {
	f := setupTestApp(t)

	status, body := f.request(t, http.MethodGet, "/instances/ghost")
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "instance not found", body["detail"])
}

func TestGetVariableHistory_ReturnsEveryVersion(t *testing.T) {
	ctx := context.Background()
	f := setupTestApp(t)
	seedInstance(t, f.persist, "i-1", models.InstanceStateActive)

	_, err := f.persist.SetVariable(ctx, "i-1", "amount", 100, "trigger")
	require.NoError(t, err)
	_, err = f.persist.SetVariable(ctx, "i-1", "amount", 250, "charge")
	require.NoError(t, err)

	status, body := f.request(t, http.MethodGet, "/instances/i-1/variables/amount/history")
	require.Equal(t, http.StatusOK, status)

	history, ok := body["history"].([]any)
	require.True(t, ok)
	assert.Len(t, history, 2)

	status, _ = f.request(t, http.MethodGet, "/instances/i-1/variables/ghost/history")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCancelInstance_DelegatesToCanceller(t *testing.T) {
	f := setupTestApp(t)

	status, body := f.request(t, http.MethodPost, "/instances/i-1/cancel")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "i-1", body["cancelled"])
	assert.Equal(t, []string{"i-1"}, f.canceller.cancelled)
}

func TestCancelInstance_TerminalInstanceConflicts(t *testing.T) {
	f := setupTestApp(t)
	f.canceller.err = engine.ErrInstanceTerminal

	status, _ := f.request(t, http.MethodPost, "/instances/i-1/cancel")
	assert.Equal(t, http.StatusConflict, status)
}

func TestGetPending_ListsUnackedEntries(t *testing.T) {
	ctx := context.Background()
	f := setupTestApp(t)

	subscription, err := f.bus.Subscribe(ctx, "#", "workers", "w1")
	require.NoError(t, err)

	_, err = f.bus.Publish(ctx, &models.Message{
		Priority: 4,
		Routing:  models.Routing{From: "test", Topic: "orders.created"},
		Payload:  models.Payload{Action: "created"},
	})
	require.NoError(t, err)

	readCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, err = subscription.Next(readCtx)
	require.NoError(t, err)

	status, body := f.request(t, http.MethodGet, "/partitions/fluxway.p4/groups/workers/pending")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["count"])
	assert.Equal(t, "fluxway.p4", body["partition"])

	status, _ = f.request(t, http.MethodGet, "/partitions/fluxway.p9/groups/workers/pending")
	assert.Equal(t, http.StatusNotFound, status)
}

// deadLetter drives one published message into the dead-letter partition.
func deadLetter(t *testing.T, f *webFixture) string {
	t.Helper()

	ctx := context.Background()

	subscription, err := f.bus.Subscribe(ctx, "#", "workers", "w1")
	require.NoError(t, err)

	_, err = f.bus.Publish(ctx, &models.Message{
		Priority: 3,
		Routing:  models.Routing{From: "test", Topic: "jobs.render"},
		Payload:  models.Payload{Action: "render"},
	})
	require.NoError(t, err)

	readCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	delivery, err := subscription.Next(readCtx)
	require.NoError(t, err)

	err = f.bus.Fail(ctx, delivery, errors.New("handler blew up"))
	require.ErrorIs(t, err, bus.ErrPoisonMessage)

	records, err := f.bus.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)

	return records[0].RecordID
}

func TestGetDeadLetters_ListsFailureEnvelopes(t *testing.T) {
	f := setupTestApp(t)
	deadLetter(t, f)

	status, body := f.request(t, http.MethodGet, "/deadletter")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["count"])

	status, _ = f.request(t, http.MethodGet, "/deadletter?count=nope")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestReplayDeadLetter_RepublishesMessage(t *testing.T) {
	f := setupTestApp(t)
	recordID := deadLetter(t, f)

	status, body := f.request(t, http.MethodPost, "/deadletter/"+recordID+"/replay")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, recordID, body["replayed"])
	assert.NotEmpty(t, body["message_id"])

	status, _ = f.request(t, http.MethodPost, "/deadletter/0-999/replay")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestGetAudit_FiltersByAgent(t *testing.T) {
	f := setupTestApp(t)

	f.auditLog.Append(events.MessagePublished{
		BaseEvent: events.NewBaseEvent(events.MessagePublishedEvent, "engine-1"),
		MessageID: "1-0",
		Topic:     "orders.created",
		Priority:  3,
	})
	f.auditLog.Append(events.MessagePublished{
		BaseEvent: events.NewBaseEvent(events.MessagePublishedEvent, "engine-2"),
		MessageID: "2-0",
		Topic:     "orders.created",
		Priority:  3,
	})

	status, body := f.request(t, http.MethodGet, "/audit?agent_id=engine-1")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["total"])

	status, _ = f.request(t, http.MethodGet, "/audit?from=yesterday")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestGetAudit_WithoutSinkReturnsNotFound(t *testing.T) {
	f := setupTestApp(t)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handlers := web.NewHandlers(f.bus, f.persist, nil, f.canceller, logger)
	app := web.NewApp(handlers)

	req := httptest.NewRequest(http.MethodGet, "/audit", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
