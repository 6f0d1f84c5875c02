package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxway/fluxway/pkg/events"
)

func TestSink_CapturesPublishedEvents(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	channel := gochannel.NewGoChannel(gochannel.Config{}, watermill.NewSlogLogger(logger))

	log := NewLog(0)
	sink := NewSink(channel, log, logger, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sink.Start(ctx))

	event := events.MessagePublished{
		BaseEvent: events.NewBaseEvent(events.MessagePublishedEvent, "agent-a"),
		MessageID: "1-0",
		Topic:     "orders.created",
		Priority:  4,
	}

	payload, err := json.Marshal(event)
	require.NoError(t, err)

	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(events.MessagePublishedEvent))

	require.NoError(t, channel.Publish(events.AuditTopic, msg))

	require.Eventually(t, func() bool {
		return log.Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	entries, _ := log.Query(Filter{})
	require.Len(t, entries, 1)
	assert.Equal(t, events.MessagePublishedEvent, entries[0].Type)
	assert.Equal(t, "agent-a", entries[0].AgentID)
	assert.Zero(t, sink.Dropped())
}

func TestSink_StartIsIdempotent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	channel := gochannel.NewGoChannel(gochannel.Config{}, watermill.NewSlogLogger(logger))

	sink := NewSink(channel, NewLog(0), logger, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sink.Start(ctx))
	require.NoError(t, sink.Start(ctx))
}
