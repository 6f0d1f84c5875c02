// Package bus provides the priority-aware publish/subscribe layer over the
// stream store: routing by priority partition, consumer-group delivery,
// retry with backoff, dead-letter handling and broadcast fan-out.
//
// The bus guarantees at-least-once delivery and does not deduplicate;
// duplicate handling is the subscriber's responsibility via the message
// idempotency key.
package bus

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
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxway/fluxway/pkg/events"
	"github.com/fluxway/fluxway/pkg/models"
	"github.com/fluxway/fluxway/pkg/otelhelper"
	"github.com/fluxway/fluxway/pkg/stream"
)

var (
	// ErrPoisonMessage marks a message that exhausted its retries and was
	// moved to the dead-letter partition.
	ErrPoisonMessage = errors.New("poison message moved to dead-letter")

	// ErrMessageNotFound indicates a dead-letter replay for an unknown id.
	ErrMessageNotFound = errors.New("message not found")
)

const (
	defaultStarvationLimit = 50
	defaultMaxRetries      = 3
	defaultBaseBackoff     = 500 * time.Millisecond
	defaultPollBlock       = 200 * time.Millisecond
)

// Config tunes bus behaviour. Zero values fall back to defaults.
type Config struct {
	// StarvationLimit is the number of consecutive higher-priority reads
	// after which one lower-priority message is served.
	StarvationLimit int

	// DefaultMaxRetries applies to messages published without an explicit
	// retry budget.
	DefaultMaxRetries int

	// BaseBackoff is doubled on every re-publication of a failed message.
	BaseBackoff time.Duration

	// PollBlock bounds each cooperative wait inside Subscription.Next.
	PollBlock time.Duration
}

func (c Config) withDefaults() Config {
	if c.StarvationLimit <= 0 {
		c.StarvationLimit = defaultStarvationLimit
	}

	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = defaultMaxRetries
	}

	if c.BaseBackoff <= 0 {
		c.BaseBackoff = defaultBaseBackoff
	}

	if c.PollBlock <= 0 {
		c.PollBlock = defaultPollBlock
	}

	return c
}

// Bus is the message bus. Safe for concurrent use.
type Bus struct {
	store  stream.Store
	audit  message.Publisher
	logger *slog.Logger
	config Config

	tracer trace.Tracer

	mu     sync.Mutex
	groups map[string]struct{}
}

// SetTracer enables per-publish spans.
func (b *Bus) SetTracer(tracer trace.Tracer) {
	b.tracer = tracer
}

// NewBus builds a bus over the given stream store. audit may be nil; when
// set, every lifecycle transition is published to the audit topic without
// ever blocking or failing the operational path.
func NewBus(store stream.Store, audit message.Publisher, logger *slog.Logger, config Config) *Bus {
	return &Bus{
		store:  store,
		audit:  audit,
		logger: logger.With("module", "bus"),
		config: config.withDefaults(),
		groups: make(map[string]struct{}),
	}
}

// Publish appends the message to its priority partition and returns the
// store-assigned id as the delivery receipt. A failed append is retryable:
// the message was never sent.
func (b *Bus) Publish(ctx context.Context, msg *models.Message) (string, error) {
	if msg == nil || msg.Routing.Topic == "" {
		return "", errors.New("message topic is required")
	}

	msg.Priority = models.ClampPriority(msg.Priority)

	if b.tracer != nil {
		var span trace.Span

		ctx, span = otelhelper.StartSpan(ctx, b.tracer, "bus.publish",
			attribute.String(otelhelper.TopicKey, msg.Routing.Topic),
			attribute.Int(otelhelper.PriorityKey, msg.Priority),
		)
		defer span.End()
	}

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	if msg.Metadata.IdempotencyKey == "" {
		msg.Metadata.IdempotencyKey = watermill.NewULID()
	}

	if msg.Metadata.MaxRetries <= 0 {
		msg.Metadata.MaxRetries = b.config.DefaultMaxRetries
	}

	if msg.IsBroadcast() {
		return b.publishBroadcast(ctx, msg)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}

	id, err := b.store.Append(ctx, stream.PriorityPartition(msg.Priority), stream.Record{
		Topic:   msg.Routing.Topic,
		Payload: payload,
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", msg.Routing.Topic, err)
	}

	msg.ID = id

	b.publishAudit(ctx, events.MessagePublished{
		BaseEvent: events.NewBaseEvent(events.MessagePublishedEvent, msg.Routing.From),
		MessageID: id,
		Topic:     msg.Routing.Topic,
		Priority:  msg.Priority,
	})

	return id, nil
}

// publishBroadcast copies the message onto every known consumer group's
// broadcast partition at publish time. The idempotency key serves as the
// receipt since the copies get distinct record ids.
func (b *Bus) publishBroadcast(ctx context.Context, msg *models.Message) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}

	groups, err := b.broadcastGroups(ctx)
	if err != nil {
		return "", err
	}

	for _, group := range groups {
		_, err := b.store.Append(ctx, stream.BroadcastPartition(group), stream.Record{
			Topic:   msg.Routing.Topic,
			Payload: payload,
		})
		if err != nil {
			return "", fmt.Errorf("failed to broadcast to group %s: %w", group, err)
		}
	}

	msg.ID = msg.Metadata.IdempotencyKey

	b.publishAudit(ctx, events.MessagePublished{
		BaseEvent: events.NewBaseEvent(events.MessagePublishedEvent, msg.Routing.From),
		MessageID: msg.ID,
		Topic:     msg.Routing.Topic,
		Priority:  msg.Priority,
		Broadcast: true,
	})

	return msg.ID, nil
}

// broadcastGroups merges the groups this process has seen with the durable
// group registry, so broadcasts reach groups subscribed through other
// processes or before a restart.
func (b *Bus) broadcastGroups(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})

	b.mu.Lock()
	for group := range b.groups {
		seen[group] = struct{}{}
	}
	b.mu.Unlock()

	records, err := b.store.Scan(ctx, stream.GroupRegistryPartition, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read group registry: %w", err)
	}

	for _, record := range records {
		if record.Topic != "" {
			seen[record.Topic] = struct{}{}
		}
	}

	groups := make([]string, 0, len(seen))
	for group := range seen {
		groups = append(groups, group)
	}

	return groups, nil
}

// registerGroup makes the group visible to broadcast fan-out from every
// process, not just the one that subscribed. Registration is append-once
// per group.
func (b *Bus) registerGroup(ctx context.Context, group string) error {
	records, err := b.store.Scan(ctx, stream.GroupRegistryPartition, 0)
	if err != nil {
		return fmt.Errorf("failed to read group registry: %w", err)
	}

	for _, record := range records {
		if record.Topic == group {
			return nil
		}
	}

	_, err = b.store.Append(ctx, stream.GroupRegistryPartition, stream.Record{Topic: group})
	if err != nil {
		return fmt.Errorf("failed to register group %s: %w", group, err)
	}

	return nil
}

// Subscribe returns a restartable iterator over messages matching the
// topic pattern, delivered through the named consumer group.
func (b *Bus) Subscribe(ctx context.Context, topicPattern, group, consumer string) (*Subscription, error) {
	if group == "" || consumer == "" {
		return nil, errors.New("subscription group and consumer are required")
	}

	b.mu.Lock()
	_, known := b.groups[group]
	b.groups[group] = struct{}{}
	b.mu.Unlock()

	if !known {
		err := b.registerGroup(ctx, group)
		if err != nil {
			return nil, err
		}
	}

	partitions := []stream.Partition{stream.BroadcastPartition(group)}
	for priority := models.PriorityMax; priority >= models.PriorityMin; priority-- {
		partitions = append(partitions, stream.PriorityPartition(priority))
	}

	return &Subscription{
		bus:        b,
		pattern:    topicPattern,
		group:      group,
		consumer:   consumer,
		partitions: partitions,
	}, nil
}

// Ack acknowledges a delivery, removing it from the consumer's PEL.
func (b *Bus) Ack(ctx context.Context, d *Delivery) error {
	err := b.store.Ack(ctx, d.Partition, d.Group, d.RecordID)
	if err != nil {
		return err
	}

	b.publishAudit(ctx, events.MessageAcked{
		BaseEvent: events.NewBaseEvent(events.MessageAckedEvent, d.Consumer),
		MessageID: d.RecordID,
		Group:     d.Group,
		Consumer:  d.Consumer,
	})

	return nil
}

// Fail reports a processing failure. Below the retry budget the message is
// re-published with backoff metadata; otherwise it moves verbatim, plus a
// failure envelope, to the dead-letter partition and ErrPoisonMessage is
// returned so callers can alert.
func (b *Bus) Fail(ctx context.Context, d *Delivery, cause error) error {
	msg := d.Message
	retryCount := msg.Metadata.RetryCount + 1

	if retryCount < msg.Metadata.MaxRetries {
		retry := *msg
		retry.ID = ""
		retry.Metadata.RetryCount = retryCount
		retry.Metadata.RetryBackoffMs = (b.config.BaseBackoff << retryCount).Milliseconds()

		_, err := b.Publish(ctx, &retry)
		if err != nil {
			return fmt.Errorf("failed to re-publish for retry: %w", err)
		}

		err = b.store.Ack(ctx, d.Partition, d.Group, d.RecordID)
		if err != nil {
			return err
		}

		b.publishAudit(ctx, events.MessageFailed{
			BaseEvent:  events.NewBaseEvent(events.MessageFailedEvent, d.Consumer),
			MessageID:  d.RecordID,
			Group:      d.Group,
			Error:      cause.Error(),
			RetryCount: retryCount,
			WillRetry:  true,
		})

		return nil
	}

	deadLetter := models.DeadLetter{
		Message: *msg,
		FailureInfo: models.FailureInfo{
			Error:      cause.Error(),
			Group:      d.Group,
			Consumer:   d.Consumer,
			RetryCount: retryCount,
			FailedAt:   time.Now().UTC(),
		},
	}

	payload, err := json.Marshal(deadLetter)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter: %w", err)
	}

	_, err = b.store.Append(ctx, stream.DeadLetterPartition, stream.Record{
		Topic:   msg.Routing.Topic,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("failed to dead-letter message: %w", err)
	}

	err = b.store.Ack(ctx, d.Partition, d.Group, d.RecordID)
	if err != nil {
		return err
	}

	b.publishAudit(ctx, events.MessageDeadLettered{
		BaseEvent:  events.NewBaseEvent(events.MessageDeadLetteredEvent, d.Consumer),
		MessageID:  d.RecordID,
		Group:      d.Group,
		Error:      cause.Error(),
		RetryCount: retryCount,
	})

	b.logger.ErrorContext(ctx, "Message moved to dead-letter partition",
		"record_id", d.RecordID, "topic", msg.Routing.Topic, "group", d.Group, "error", cause)

	return fmt.Errorf("%w: %s", ErrPoisonMessage, d.RecordID)
}

// DeadLetters lists the dead-letter partition contents, newest last.
func (b *Bus) DeadLetters(ctx context.Context, count int64) ([]DeadLetterRecord, error) {
	records, err := b.store.Scan(ctx, stream.DeadLetterPartition, count)
	if err != nil {
		return nil, err
	}

	out := make([]DeadLetterRecord, 0, len(records))

	for _, record := range records {
		var dl models.DeadLetter

		err := json.Unmarshal(record.Payload, &dl)
		if err != nil {
			continue
		}

		out = append(out, DeadLetterRecord{RecordID: record.ID, DeadLetter: dl})
	}

	return out, nil
}

// DeadLetterRecord pairs a dead-letter entry with its partition record id.
type DeadLetterRecord struct {
	RecordID   string            `json:"record_id"`
	DeadLetter models.DeadLetter `json:"dead_letter"`
}

// ReplayDeadLetter re-publishes a dead-lettered message with a fresh retry
// budget. Replay is an explicit operator action; the bus never replays
// dead letters on its own.
func (b *Bus) ReplayDeadLetter(ctx context.Context, recordID string) (string, error) {
	records, err := b.store.Scan(ctx, stream.DeadLetterPartition, 0)
	if err != nil {
		return "", err
	}

	for _, record := range records {
		if record.ID != recordID {
			continue
		}

		var dl models.DeadLetter

		err := json.Unmarshal(record.Payload, &dl)
		if err != nil {
			return "", fmt.Errorf("failed to decode dead letter %s: %w", recordID, err)
		}

		msg := dl.Message
		msg.ID = ""
		msg.Metadata.RetryCount = 0
		msg.Metadata.RetryBackoffMs = 0

		id, err := b.Publish(ctx, &msg)
		if err != nil {
			return "", err
		}

		b.publishAudit(ctx, events.MessageReplayed{
			BaseEvent:    events.NewBaseEvent(events.MessageReplayedEvent, "operator"),
			MessageID:    recordID,
			NewMessageID: id,
		})

		return id, nil
	}

	return "", fmt.Errorf("%w: dead letter %s", ErrMessageNotFound, recordID)
}

// Pending exposes a group's pending-entry list for a partition.
func (b *Bus) Pending(ctx context.Context, partition stream.Partition, group string) ([]stream.PendingEntry, error) {
	return b.store.Pending(ctx, partition, group)
}

// Reclaim moves stale pending entries of the group to the given consumer.
func (b *Bus) Reclaim(ctx context.Context, group, consumer string, minIdle time.Duration) ([]*Delivery, error) {
	var out []*Delivery

	partitions := []stream.Partition{stream.BroadcastPartition(group)}
	for priority := models.PriorityMax; priority >= models.PriorityMin; priority-- {
		partitions = append(partitions, stream.PriorityPartition(priority))
	}

	for _, partition := range partitions {
		records, err := b.store.Reclaim(ctx, partition, group, consumer, minIdle)
		if err != nil {
			return nil, err
		}

		for _, record := range records {
			delivery, err := newDelivery(record, partition, group, consumer)
			if err != nil {
				b.logger.ErrorContext(ctx, "Skipping undecodable reclaimed record",
					"record_id", record.ID, "partition", partition, "error", err)

				continue
			}

			out = append(out, delivery)
		}
	}

	return out, nil
}

// TrimPartitions bounds every priority partition to maxLen records. The
// dead-letter partition is never trimmed; dead letters leave only through
// explicit operator replay.
func (b *Bus) TrimPartitions(ctx context.Context, maxLen int64) error {
	for priority := models.PriorityMin; priority <= models.PriorityMax; priority++ {
		err := b.store.Trim(ctx, stream.PriorityPartition(priority), maxLen)
		if err != nil {
			return err
		}
	}

	return nil
}

// publishAudit emits a lifecycle event best-effort. Audit loss is
// tolerated; operational flow never depends on it.
func (b *Bus) publishAudit(ctx context.Context, event events.Event) {
	if b.audit == nil {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.ErrorContext(ctx, "Failed to encode audit event", "error", err)

		return
	}

	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	err = b.audit.Publish(events.AuditTopic, msg)
	if err != nil {
		b.logger.ErrorContext(ctx, "Failed to publish audit event", "error", err)
	}
}

// Store exposes the underlying stream store for operational surfaces.
func (b *Bus) Store() stream.Store {
	return b.store
}
