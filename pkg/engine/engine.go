// Package engine runs workflow instances: it matches bus messages to
// workflow triggers, advances instances through their definition graph,
// suspends them on durable wait conditions and resumes them on correlated
// replies, human decisions and timer firings.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxway/fluxway/pkg/bus"
	"github.com/fluxway/fluxway/pkg/events"
	"github.com/fluxway/fluxway/pkg/models"
	"github.com/fluxway/fluxway/pkg/persistence"
	"github.com/fluxway/fluxway/pkg/registry"
)

const engineGroup = "fluxway-engine"

// Config tunes engine behavior.
type Config struct {
	// DefaultMaxRetries applies to service tasks without an explicit
	// max_retries in their config.
	DefaultMaxRetries int

	// DefaultTaskTimeout bounds direct adapter calls without an explicit
	// timeout_ms.
	DefaultTaskTimeout time.Duration

	// RetryBackoff is the base delay between direct task attempts,
	// doubling per attempt.
	RetryBackoff time.Duration

	// TimerPoll is the durable timer polling interval.
	TimerPoll time.Duration

	// ReclaimInterval is how often the engine sweeps its consumer group
	// for deliveries stranded in another consumer's pending list.
	ReclaimInterval time.Duration

	// ReclaimMinIdle is how long a pending delivery must sit untouched
	// before it is taken over.
	ReclaimMinIdle time.Duration

	// PartitionMaxLen bounds each priority partition; the maintenance
	// sweep trims older records beyond it.
	PartitionMaxLen int64
}

func (c Config) withDefaults() Config {
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = 3
	}

	if c.DefaultTaskTimeout <= 0 {
		c.DefaultTaskTimeout = 30 * time.Second
	}

	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}

	if c.TimerPoll <= 0 {
		c.TimerPoll = time.Second
	}

	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = 30 * time.Second
	}

	if c.ReclaimMinIdle <= 0 {
		c.ReclaimMinIdle = time.Minute
	}

	if c.PartitionMaxLen <= 0 {
		c.PartitionMaxLen = 100_000
	}

	return c
}

// Engine coordinates workflow instances. One engine process owns its
// instances exclusively; per-instance mutexes serialize transitions so an
// instance never advances concurrently.
type Engine struct {
	agentID     string
	bus         *bus.Bus
	persistence persistence.Persistence
	registry    *registry.Registry
	audit       message.Publisher
	logger      *slog.Logger
	config      Config
	tracer      trace.Tracer

	locks sync.Map // instance id -> *sync.Mutex
}

// SetTracer enables per-node spans.
func (e *Engine) SetTracer(tracer trace.Tracer) {
	e.tracer = tracer
}

func NewEngine(
	agentID string,
	b *bus.Bus,
	store persistence.Persistence,
	reg *registry.Registry,
	audit message.Publisher,
	logger *slog.Logger,
	config Config,
) *Engine {
	return &Engine{
		agentID:     agentID,
		bus:         b,
		persistence: store,
		registry:    reg,
		audit:       audit,
		logger:      logger.With("module", "engine", "agent_id", agentID),
		config:      config.withDefaults(),
	}
}

// Run consumes the bus until the context is cancelled: each message either
// resumes a waiting instance (correlated reply or human decision) or starts
// instances of definitions whose trigger topic matches. The timer service
// runs alongside, after a recovery scan of durable timers.
func (e *Engine) Run(ctx context.Context) error {
	err := e.RecoverTimers(ctx)
	if err != nil {
		return fmt.Errorf("timer recovery failed: %w", err)
	}

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()

		e.runTimerLoop(ctx)
	}()

	go func() {
		defer wg.Done()

		e.runMaintenanceLoop(ctx)
	}()

	subscription, err := e.bus.Subscribe(ctx, "#", engineGroup, e.agentID)
	if err != nil {
		return fmt.Errorf("engine subscription failed: %w", err)
	}

	e.logger.InfoContext(ctx, "Engine started")

	for {
		delivery, err := subscription.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				break
			}

			e.logger.ErrorContext(ctx, "Failed to read next message", "error", err)

			continue
		}

		e.handleDelivery(ctx, delivery)
	}

	wg.Wait()

	e.logger.InfoContext(ctx, "Engine stopped")

	return nil
}

func (e *Engine) handleDelivery(ctx context.Context, delivery *bus.Delivery) {
	err := e.dispatch(ctx, delivery.Message)
	if err != nil {
		failErr := e.bus.Fail(ctx, delivery, err)
		if failErr != nil && !errors.Is(failErr, bus.ErrPoisonMessage) {
			e.logger.ErrorContext(ctx, "Failed to fail message", "record_id", delivery.RecordID, "error", failErr)
		}

		return
	}

	err = e.bus.Ack(ctx, delivery)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to ack message", "record_id", delivery.RecordID, "error", err)
	}
}

// runMaintenanceLoop periodically takes over deliveries stranded in a
// crashed consumer's pending list and bounds partition growth.
func (e *Engine) runMaintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(e.config.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reclaimStranded(ctx)

			err := e.bus.TrimPartitions(ctx, e.config.PartitionMaxLen)
			if err != nil {
				e.logger.ErrorContext(ctx, "Failed to trim partitions", "error", err)
			}
		}
	}
}

// reclaimStranded re-dispatches deliveries left pending by consumers that
// died before acking. At-least-once holds: a reclaimed message may have
// been processed already, which trigger deduplication absorbs.
func (e *Engine) reclaimStranded(ctx context.Context) {
	deliveries, err := e.bus.Reclaim(ctx, engineGroup, e.agentID, e.config.ReclaimMinIdle)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to reclaim pending deliveries", "error", err)

		return
	}

	if len(deliveries) == 0 {
		return
	}

	e.logger.InfoContext(ctx, "Reclaimed stranded deliveries", "count", len(deliveries))

	for _, delivery := range deliveries {
		e.handleDelivery(ctx, delivery)
	}
}

// dispatch routes one message: correlated messages resume the instance
// waiting on them, everything else is matched against trigger topics.
func (e *Engine) dispatch(ctx context.Context, msg *models.Message) error {
	if msg.Routing.CorrelationID != "" {
		instance, err := e.persistence.InstanceByCorrelation(ctx, msg.Routing.CorrelationID)
		if err == nil {
			return e.Resume(ctx, instance.ID, msg)
		}

		if !errors.Is(err, persistence.ErrInstanceNotFound) {
			return err
		}

		// Correlation unknown: fall through to trigger matching so a
		// correlated external message can still start workflows.
	}

	return e.trigger(ctx, msg)
}

// trigger starts a new instance for every published definition whose
// trigger topic matches the message topic.
func (e *Engine) trigger(ctx context.Context, msg *models.Message) error {
	definitions, err := e.persistence.Definitions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list definitions: %w", err)
	}

	latest := make(map[string]*models.WorkflowDefinition)

	for _, def := range definitions {
		if !def.Published || def.TriggerTopic == "" {
			continue
		}

		if !bus.TopicMatches(def.TriggerTopic, msg.Routing.Topic) {
			continue
		}

		if current, ok := latest[def.ID]; !ok || def.Version > current.Version {
			latest[def.ID] = def
		}
	}

	for _, def := range latest {
		if msg.Metadata.IdempotencyKey != "" {
			existing, err := e.persistence.InstanceByTrigger(ctx, def.ID, msg.Metadata.IdempotencyKey)
			if err == nil {
				// Redelivery of an already-processed trigger.
				e.logger.InfoContext(ctx, "Skipping duplicate trigger",
					"workflow_id", def.ID, "idempotency_key", msg.Metadata.IdempotencyKey, "instance_id", existing.ID)

				continue
			}

			if !errors.Is(err, persistence.ErrInstanceNotFound) {
				return err
			}
		}

		_, err := e.StartInstance(ctx, def, msg)
		if err != nil {
			return fmt.Errorf("failed to start instance of %s: %w", def.ID, err)
		}
	}

	return nil
}

// StartInstance creates and advances a new instance of the definition. The
// triggering message's payload data is stored as initial variables.
func (e *Engine) StartInstance(ctx context.Context, def *models.WorkflowDefinition, msg *models.Message) (*models.WorkflowInstance, error) {
	start := def.StartNode()
	if start == nil {
		return nil, fmt.Errorf("definition %s has no start node", def.ID)
	}

	instance := &models.WorkflowInstance{
		ID:          uuid.New().String(),
		WorkflowID:  def.ID,
		Version:     def.Version,
		State:       models.InstanceStateActive,
		CurrentNode: start.ID,
		StartTime:   time.Now().UTC(),
	}

	if msg != nil {
		instance.TriggerKey = msg.Metadata.IdempotencyKey
	}

	err := e.persistence.CreateInstance(ctx, instance)
	if err != nil {
		return nil, err
	}

	if msg != nil {
		for name, value := range msg.Payload.Data {
			_, err := e.persistence.SetVariable(ctx, instance.ID, name, value, "trigger")
			if err != nil {
				return nil, err
			}
		}
	}

	e.logger.InfoContext(ctx, "Instance started",
		"instance_id", instance.ID, "workflow_id", def.ID, "version", def.Version)
	e.emit(ctx, events.InstanceTransition{
		BaseEvent:  events.NewBaseEvent(events.InstanceStartedEvent, e.agentID),
		InstanceID: instance.ID,
		WorkflowID: def.ID,
		Version:    def.Version,
		NodeID:     start.ID,
	})

	unlock := e.lock(instance.ID)
	defer unlock()

	err = e.advance(ctx, instance, def, start.ID)
	if err != nil {
		return instance, err
	}

	return instance, nil
}

// Resume continues a suspended instance with the given message: a
// correlated reply completes the waiting service task, a decision resolves
// the waiting human task.
func (e *Engine) Resume(ctx context.Context, instanceID string, msg *models.Message) error {
	unlock := e.lock(instanceID)
	defer unlock()

	instance, err := e.persistence.InstanceByID(ctx, instanceID)
	if err != nil {
		return err
	}

	if instance.State.Terminal() {
		return fmt.Errorf("%w: %s", ErrInstanceTerminal, instanceID)
	}

	waiting := instance.WaitingFor
	if waiting == nil {
		return fmt.Errorf("instance %s is not waiting", instanceID)
	}

	def, err := e.persistence.DefinitionByID(ctx, instance.WorkflowID, instance.Version)
	if err != nil {
		return err
	}

	switch waiting.Kind {
	case models.WaitKindReply:
		return e.resumeReply(ctx, instance, def, msg)
	case models.WaitKindDecision:
		return e.resumeDecision(ctx, instance, def, msg)
	default:
		return fmt.Errorf("instance %s waits on %s, not resumable by message", instanceID, waiting.Kind)
	}
}

// CancelInstance marks an instance for cancellation and runs compensation
// if the instance is currently at rest. An instance mid-transition picks
// the mark up at its next observation.
func (e *Engine) CancelInstance(ctx context.Context, instanceID string) error {
	unlock := e.lock(instanceID)
	defer unlock()

	instance, err := e.persistence.InstanceByID(ctx, instanceID)
	if err != nil {
		return err
	}

	if instance.State.Terminal() {
		return fmt.Errorf("%w: %s", ErrInstanceTerminal, instanceID)
	}

	instance.CancelRequested = true

	err = e.persistence.SaveInstance(ctx, instance)
	if err != nil {
		return err
	}

	e.emit(ctx, events.InstanceTransition{
		BaseEvent:  events.NewBaseEvent(events.InstanceCancelledEvent, e.agentID),
		InstanceID: instance.ID,
		WorkflowID: instance.WorkflowID,
		Version:    instance.Version,
		NodeID:     instance.CurrentNode,
		Reason:     "cancel requested",
	})

	if instance.State == models.InstanceStateSuspended {
		return e.compensate(ctx, instance, "cancelled")
	}

	return nil
}

// MigrateInstance re-pins a suspended instance to another definition
// version. The target version must contain the instance's current node.
func (e *Engine) MigrateInstance(ctx context.Context, instanceID string, toVersion int) error {
	unlock := e.lock(instanceID)
	defer unlock()

	instance, err := e.persistence.InstanceByID(ctx, instanceID)
	if err != nil {
		return err
	}

	if instance.State.Terminal() {
		return fmt.Errorf("%w: %s", ErrInstanceTerminal, instanceID)
	}

	target, err := e.persistence.DefinitionByID(ctx, instance.WorkflowID, toVersion)
	if err != nil {
		return err
	}

	if target.NodeByID(instance.CurrentNode) == nil {
		return fmt.Errorf("version %d of %s has no node '%s'", toVersion, instance.WorkflowID, instance.CurrentNode)
	}

	instance.Version = toVersion

	err = e.persistence.SaveInstance(ctx, instance)
	if err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "Instance migrated",
		"instance_id", instanceID, "workflow_id", instance.WorkflowID, "version", toVersion)

	return nil
}

func (e *Engine) lock(instanceID string) func() {
	mu, _ := e.locks.LoadOrStore(instanceID, &sync.Mutex{})
	mutex := mu.(*sync.Mutex)
	mutex.Lock()

	return mutex.Unlock
}

// emit publishes an engine lifecycle event to the audit topic best-effort.
func (e *Engine) emit(ctx context.Context, event events.Event) {
	if e.audit == nil {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to encode audit event", "error", err)

		return
	}

	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	err = e.audit.Publish(events.AuditTopic, msg)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish audit event", "error", err)
	}
}
