package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxway/fluxway/pkg/models"
	"github.com/fluxway/fluxway/pkg/stream"
	"github.com/fluxway/fluxway/pkg/stream/memory"
)

func newTestBus(t *testing.T, config Config) *Bus {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := memory.NewStore("", logger)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = store.Close()
	})

	return NewBus(store, nil, logger, config)
}

func testMessage(topic string, priority int) *models.Message {
	return &models.Message{
		Priority: priority,
		Routing: models.Routing{
			From:  "test",
			Topic: topic,
		},
		Payload: models.Payload{
			Data: map[string]any{"n": 1},
		},
	}
}

func TestPublish_RequiresTopic(t *testing.T) {
	b := newTestBus(t, Config{})

	_, err := b.Publish(context.Background(), &models.Message{Priority: 3})
	require.Error(t, err)
}

func TestPublish_AssignsReceiptAndIdempotencyKey(t *testing.T) {
	b := newTestBus(t, Config{})

	msg := testMessage("orders.created", 3)

	id, err := b.Publish(context.Background(), msg)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, msg.ID)
	assert.NotEmpty(t, msg.Metadata.IdempotencyKey)
	assert.False(t, msg.CreatedAt.IsZero())
}

func TestPublish_ClampsPriority(t *testing.T) {
	b := newTestBus(t, Config{})
	ctx := context.Background()

	msg := testMessage("t", 99)
	_, err := b.Publish(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, models.PriorityMax, msg.Priority)

	msg = testMessage("t", -1)
	_, err = b.Publish(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, models.PriorityMin, msg.Priority)
}

func TestSubscribe_DeliversHigherPriorityFirst(t *testing.T) {
	b := newTestBus(t, Config{})
	ctx := context.Background()

	_, err := b.Publish(ctx, testMessage("t.low", 1))
	require.NoError(t, err)

	_, err = b.Publish(ctx, testMessage("t.high", 5))
	require.NoError(t, err)

	_, err = b.Publish(ctx, testMessage("t.mid", 3))
	require.NoError(t, err)

	sub, err := b.Subscribe(ctx, "t.#", "g1", "c1")
	require.NoError(t, err)

	var topics []string

	for range 3 {
		delivery, err := sub.Next(ctx)
		require.NoError(t, err)

		topics = append(topics, delivery.Message.Routing.Topic)
		require.NoError(t, b.Ack(ctx, delivery))
	}

	assert.Equal(t, []string{"t.high", "t.mid", "t.low"}, topics)
}

func TestSubscribe_AntiStarvationServesLowPriority(t *testing.T) {
	b := newTestBus(t, Config{StarvationLimit: 3})
	ctx := context.Background()

	_, err := b.Publish(ctx, testMessage("t.low", 1))
	require.NoError(t, err)

	for range 5 {
		_, err = b.Publish(ctx, testMessage("t.high", 5))
		require.NoError(t, err)
	}

	sub, err := b.Subscribe(ctx, "#", "g1", "c1")
	require.NoError(t, err)

	var topics []string

	for range 6 {
		delivery, err := sub.Next(ctx)
		require.NoError(t, err)

		topics = append(topics, delivery.Message.Routing.Topic)
		require.NoError(t, b.Ack(ctx, delivery))
	}

	// The low-priority message is served before the high backlog drains.
	assert.Contains(t, topics[:4], "t.low")
}

func TestSubscribe_AntiStarvationResumesStrictOrder(t *testing.T) {
	b := newTestBus(t, Config{StarvationLimit: 3})
	ctx := context.Background()

	for range 10 {
		_, err := b.Publish(ctx, testMessage("t.high", 5))
		require.NoError(t, err)
	}

	for range 10 {
		_, err := b.Publish(ctx, testMessage("t.mid", 2))
		require.NoError(t, err)
	}

	sub, err := b.Subscribe(ctx, "#", "g1", "c1")
	require.NoError(t, err)

	var priorities []int

	for range 20 {
		delivery, err := sub.Next(ctx)
		require.NoError(t, err)

		priorities = append(priorities, delivery.Message.Priority)
		require.NoError(t, b.Ack(ctx, delivery))
	}

	// Exactly one lower-priority message per starvation window, then back
	// to the high backlog. The mid backlog must not drain in a block
	// while high-priority messages wait.
	expected := []int{5, 5, 5, 2, 5, 5, 5, 2, 5, 5, 5, 2, 5, 2, 2, 2, 2, 2, 2, 2}
	assert.Equal(t, expected, priorities)
}

func TestSubscribe_GroupSharesDeliveries(t *testing.T) {
	b := newTestBus(t, Config{})
	ctx := context.Background()

	_, err := b.Publish(ctx, testMessage("t.a", 3))
	require.NoError(t, err)

	sub1, err := b.Subscribe(ctx, "#", "g1", "c1")
	require.NoError(t, err)

	delivery, err := sub1.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Ack(ctx, delivery))

	// The same group gets nothing more; a new group re-reads the record.
	sub2, err := b.Subscribe(ctx, "#", "g2", "c1")
	require.NoError(t, err)

	delivery2, err := sub2.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t.a", delivery2.Message.Routing.Topic)
}

func TestSubscribe_SkipsNonMatchingTopics(t *testing.T) {
	b := newTestBus(t, Config{})
	ctx := context.Background()

	_, err := b.Publish(ctx, testMessage("other.topic", 3))
	require.NoError(t, err)

	_, err = b.Publish(ctx, testMessage("orders.created", 3))
	require.NoError(t, err)

	sub, err := b.Subscribe(ctx, "orders.#", "g1", "c1")
	require.NoError(t, err)

	delivery, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "orders.created", delivery.Message.Routing.Topic)
}

func TestFail_RetriesThenDeadLetters(t *testing.T) {
	b := newTestBus(t, Config{DefaultMaxRetries: 2})
	ctx := context.Background()

	_, err := b.Publish(ctx, testMessage("t.a", 3))
	require.NoError(t, err)

	sub, err := b.Subscribe(ctx, "#", "g1", "c1")
	require.NoError(t, err)

	// First failure re-publishes with an incremented retry count.
	delivery, err := sub.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Fail(ctx, delivery, errors.New("boom")))

	delivery, err = sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, delivery.Message.Metadata.RetryCount)
	assert.Positive(t, delivery.Message.Metadata.RetryBackoffMs)

	// Second failure exhausts the budget.
	err = b.Fail(ctx, delivery, errors.New("boom again"))
	require.ErrorIs(t, err, ErrPoisonMessage)

	deadLetters, err := b.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, deadLetters, 1)
	assert.Equal(t, "boom again", deadLetters[0].DeadLetter.FailureInfo.Error)
	assert.Equal(t, "t.a", deadLetters[0].DeadLetter.Message.Routing.Topic)
}

func TestReplayDeadLetter_ResetsRetryBudget(t *testing.T) {
	b := newTestBus(t, Config{DefaultMaxRetries: 1})
	ctx := context.Background()

	_, err := b.Publish(ctx, testMessage("t.a", 3))
	require.NoError(t, err)

	sub, err := b.Subscribe(ctx, "#", "g1", "c1")
	require.NoError(t, err)

	delivery, err := sub.Next(ctx)
	require.NoError(t, err)
	require.ErrorIs(t, b.Fail(ctx, delivery, errors.New("boom")), ErrPoisonMessage)

	deadLetters, err := b.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, deadLetters, 1)

	newID, err := b.ReplayDeadLetter(ctx, deadLetters[0].RecordID)
	require.NoError(t, err)
	assert.NotEmpty(t, newID)

	replayed, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, replayed.Message.Metadata.RetryCount)
}

func TestReplayDeadLetter_UnknownRecord(t *testing.T) {
	b := newTestBus(t, Config{})

	_, err := b.ReplayDeadLetter(context.Background(), "1-0")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestBroadcast_FansOutToActiveGroups(t *testing.T) {
	b := newTestBus(t, Config{})
	ctx := context.Background()

	sub1, err := b.Subscribe(ctx, "#", "g1", "c1")
	require.NoError(t, err)

	sub2, err := b.Subscribe(ctx, "#", "g2", "c1")
	require.NoError(t, err)

	msg := testMessage("announce", 3)
	msg.Routing.To = []string{models.BroadcastTarget}

	receipt, err := b.Publish(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, msg.Metadata.IdempotencyKey, receipt)

	d1, err := sub1.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "announce", d1.Message.Routing.Topic)

	d2, err := sub2.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "announce", d2.Message.Routing.Topic)
}

func TestBroadcast_SurvivesPublisherRestart(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	store, err := memory.NewStore("", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	consumerBus := NewBus(store, nil, logger, Config{})

	sub, err := consumerBus.Subscribe(ctx, "#", "workers", "w1")
	require.NoError(t, err)

	// A fresh bus over the same store, with no in-process knowledge of
	// the group, as after a publisher restart.
	publisherBus := NewBus(store, nil, logger, Config{})

	msg := testMessage("control.pause", 4)
	msg.Routing.To = []string{models.BroadcastTarget}

	_, err = publisherBus.Publish(ctx, msg)
	require.NoError(t, err)

	delivery, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "control.pause", delivery.Message.Routing.Topic)
	require.NoError(t, consumerBus.Ack(ctx, delivery))
}

func TestReclaim_RedeliversStaleWork(t *testing.T) {
	b := newTestBus(t, Config{})
	ctx := context.Background()

	_, err := b.Publish(ctx, testMessage("t.a", 3))
	require.NoError(t, err)

	sub, err := b.Subscribe(ctx, "#", "g1", "crashed")
	require.NoError(t, err)

	_, err = sub.Next(ctx)
	require.NoError(t, err)

	// The crashed consumer never acked; another takes over its work.
	deliveries, err := b.Reclaim(ctx, "g1", "survivor", 0)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "t.a", deliveries[0].Message.Routing.Topic)
	assert.Equal(t, "survivor", deliveries[0].Consumer)

	require.NoError(t, b.Ack(ctx, deliveries[0]))

	pending, err := b.Pending(ctx, stream.PriorityPartition(3), "g1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestNext_HonorsContextCancellation(t *testing.T) {
	b := newTestBus(t, Config{PollBlock: 20 * time.Millisecond})

	sub, err := b.Subscribe(context.Background(), "#", "g1", "c1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTopicMatches(t *testing.T) {
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"#", "anything.at.all", true},
		{"", "x", true},
		{"orders.created", "orders.created", true},
		{"orders.created", "orders.updated", false},
		{"orders.*", "orders.created", true},
		{"orders.*", "orders.created.eu", false},
		{"orders.#", "orders.created.eu", true},
		{"orders.#", "orders", true},
		{"*.created", "orders.created", true},
		{"orders", "orders.created", false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, TopicMatches(tc.pattern, tc.topic), "pattern %q topic %q", tc.pattern, tc.topic)
	}
}
