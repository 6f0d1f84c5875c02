package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/fluxway/fluxway/pkg/bus"
	"github.com/fluxway/fluxway/pkg/channels/kafka"
	"github.com/fluxway/fluxway/pkg/models"
)

// priorityHeader names the Kafka header carrying an explicit priority.
const priorityHeader = "priority"

// Ingestor consumes Kafka topics and republishes each record as a bus
// message. Delivery is at-least-once: the Kafka offset is committed only
// after the bus append is durable, and the record's UUID doubles as the
// idempotency key so redeliveries collapse downstream.
type Ingestor struct {
	id              string
	bus             *bus.Bus
	subscriber      message.Subscriber
	topics          []string
	topicPrefix     string
	defaultPriority int
	logger          *slog.Logger
}

func NewIngestor(
	id string,
	messageBus *bus.Bus,
	brokers []string,
	topics []string,
	topicPrefix string,
	defaultPriority int,
	logger *slog.Logger,
) (*Ingestor, error) {
	subscriber, err := kafka.CreateSubscriber(watermill.NewSlogLogger(logger), brokers, "fluxway-ingest")
	if err != nil {
		return nil, err
	}

	return &Ingestor{
		id:              id,
		bus:             messageBus,
		subscriber:      subscriber,
		topics:          topics,
		topicPrefix:     topicPrefix,
		defaultPriority: models.ClampPriority(defaultPriority),
		logger:          logger.With("module", "ingestor"),
	}, nil
}

// Start consumes every configured topic until the context is cancelled or
// a termination signal arrives.
func (i *Ingestor) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signals
		i.logger.Info("Received signal, shutting down gracefully", "signal", sig)
		cancel()
	}()

	var wg sync.WaitGroup

	for _, topic := range i.topics {
		messages, err := i.subscriber.Subscribe(runCtx, topic)
		if err != nil {
			cancel()
			wg.Wait()

			return err
		}

		i.logger.InfoContext(runCtx, "Consuming Kafka topic", "topic", topic)

		wg.Add(1)

		go func(topic string, messages <-chan *message.Message) {
			defer wg.Done()

			for msg := range messages {
				i.handle(runCtx, topic, msg)
			}
		}(topic, messages)
	}

	wg.Wait()

	err := i.subscriber.Close()
	if err != nil {
		i.logger.ErrorContext(ctx, "Failed to close Kafka subscriber", "error", err)
	}

	i.logger.InfoContext(ctx, "Ingestor stopped")

	return nil
}

// handle republishes one Kafka record. Nack keeps the offset uncommitted
// so the record is redelivered; the bus append is the commit point.
func (i *Ingestor) handle(ctx context.Context, topic string, msg *message.Message) {
	busMessage := i.convert(topic, msg)

	recordID, err := i.bus.Publish(ctx, busMessage)
	if err != nil {
		i.logger.ErrorContext(ctx, "Failed to publish ingested record",
			"topic", topic, "uuid", msg.UUID, "error", err)
		msg.Nack()

		return
	}

	i.logger.DebugContext(ctx, "Ingested record",
		"topic", topic, "uuid", msg.UUID, "record_id", recordID)
	msg.Ack()
}

func (i *Ingestor) convert(topic string, msg *message.Message) *models.Message {
	priority := i.defaultPriority
	if raw := msg.Metadata.Get(priorityHeader); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err == nil {
			priority = models.ClampPriority(parsed)
		}
	}

	payload := models.Payload{}

	data := map[string]any{}
	if err := json.Unmarshal(msg.Payload, &data); err == nil {
		payload.Data = data
	} else {
		payload.Body = string(msg.Payload)
	}

	return &models.Message{
		Priority: priority,
		Routing: models.Routing{
			From:  i.id,
			Topic: i.topicPrefix + topic,
		},
		Payload: payload,
		Metadata: models.MessageMetadata{
			IdempotencyKey: msg.UUID,
		},
	}
}
