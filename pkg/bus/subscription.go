package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fluxway/fluxway/pkg/models"
	"github.com/fluxway/fluxway/pkg/stream"
)

// Delivery is one message handed to a consumer, carrying everything needed
// to acknowledge or fail it later.
type Delivery struct {
	Message   *models.Message
	Partition stream.Partition
	Group     string
	Consumer  string
	RecordID  string
}

func newDelivery(record stream.Record, partition stream.Partition, group, consumer string) (*Delivery, error) {
	var msg models.Message

	err := json.Unmarshal(record.Payload, &msg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode message %s: %w", record.ID, err)
	}

	msg.ID = record.ID

	return &Delivery{
		Message:   &msg,
		Partition: partition,
		Group:     group,
		Consumer:  consumer,
		RecordID:  record.ID,
	}, nil
}

// Subscription is a restartable, infinite iterator of matching messages.
// Next suspends cooperatively when nothing is ready. Partitions are polled
// in strict priority order 5→1, except that after StarvationLimit
// consecutive higher-priority reads a single sweep runs lowest-first,
// serves one message and returns to strict order, so lower-priority
// backlogs are never starved indefinitely and never invert the ordering
// for more than one delivery at a time.
type Subscription struct {
	bus        *Bus
	pattern    string
	group      string
	consumer   string
	partitions []stream.Partition // broadcast first, then p5..p1

	highStreak int
}

// Next returns the next matching message, blocking until one arrives or
// the context is cancelled.
func (s *Subscription) Next(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		delivery, err := s.sweep(ctx)
		if err != nil {
			return nil, err
		}

		if delivery != nil {
			return delivery, nil
		}

		// Idle: wait on the highest-priority partition for a bounded
		// interval, then re-sweep everything. Lower-priority appends are
		// picked up on the next sweep at worst one interval later.
		records, err := s.bus.store.ReadGroup(ctx, s.partitions[1], s.group, s.consumer, 1, s.bus.config.PollBlock)
		if err != nil {
			return nil, err
		}

		if len(records) > 0 {
			delivery, ok := s.accept(ctx, records[0], s.partitions[1], false)
			if ok {
				return delivery, nil
			}
		}
	}
}

// sweep polls every partition once without blocking, honoring the
// anti-starvation order.
func (s *Subscription) sweep(ctx context.Context) (*Delivery, error) {
	order := s.partitions
	inverted := s.highStreak >= s.bus.config.StarvationLimit

	if inverted {
		order = s.invertedOrder()
	}

	for _, partition := range order {
		records, err := s.bus.store.ReadGroup(ctx, partition, s.group, s.consumer, 1, 0)
		if err != nil {
			return nil, err
		}

		if len(records) == 0 {
			continue
		}

		delivery, ok := s.accept(ctx, records[0], partition, inverted)
		if !ok {
			continue
		}

		return delivery, nil
	}

	return nil, nil
}

// invertedOrder scans the lowest priority first while keeping the
// broadcast partition's precedence.
func (s *Subscription) invertedOrder() []stream.Partition {
	order := make([]stream.Partition, 0, len(s.partitions))
	order = append(order, s.partitions[0])

	for i := len(s.partitions) - 1; i >= 1; i-- {
		order = append(order, s.partitions[i])
	}

	return order
}

// accept decodes a read record and applies topic filtering and starvation
// accounting. Non-matching records are acknowledged and skipped: a group
// subscribes with a single pattern, so no other consumer of this group
// will ever want them.
func (s *Subscription) accept(ctx context.Context, record stream.Record, partition stream.Partition, inverted bool) (*Delivery, bool) {
	delivery, err := newDelivery(record, partition, s.group, s.consumer)
	if err != nil {
		s.bus.logger.ErrorContext(ctx, "Skipping undecodable record", "record_id", record.ID, "error", err)
		_ = s.bus.store.Ack(ctx, partition, s.group, record.ID)

		return nil, false
	}

	if !TopicMatches(s.pattern, record.Topic) {
		_ = s.bus.store.Ack(ctx, partition, s.group, record.ID)

		return nil, false
	}

	// An inverted sweep yields exactly one delivery before strict order
	// resumes, whatever partition it came from. Serving the lowest
	// priority in strict order also clears the streak: nothing above it
	// had a backlog.
	if inverted || partition == stream.PriorityPartition(models.PriorityMin) {
		s.highStreak = 0
	} else {
		s.highStreak++
	}

	return delivery, true
}

// TopicMatches reports whether a hierarchical topic matches a pattern.
// Patterns use dot-separated segments where "*" matches exactly one
// segment and a trailing "#" matches any remainder. "#" alone, or an
// empty pattern, matches everything.
func TopicMatches(pattern, topic string) bool {
	if pattern == "" || pattern == "#" {
		return true
	}

	patternParts := strings.Split(pattern, ".")
	topicParts := strings.Split(topic, ".")

	for i, part := range patternParts {
		if part == "#" {
			return true
		}

		if i >= len(topicParts) {
			return false
		}

		if part != "*" && part != topicParts[i] {
			return false
		}
	}

	return len(patternParts) == len(topicParts)
}
