// Package kafka builds watermill Kafka channels for bridging external
// Kafka topics onto the bus.
package kafka

import (
	"errors"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
)

var ErrNoBrokers = errors.New("no kafka brokers configured")

// CreateSubscriber builds a consumer-group subscriber reading from the
// oldest available offset.
func CreateSubscriber(logger watermill.LoggerAdapter, brokers []string, serviceName string) (*kafka.Subscriber, error) {
	if len(brokers) == 0 || brokers[0] == "" {
		return nil, ErrNoBrokers
	}

	saramaSubscriberConfig := kafka.DefaultSaramaSubscriberConfig()
	saramaSubscriberConfig.Consumer.Offsets.Initial = sarama.OffsetOldest

	return kafka.NewSubscriber(
		kafka.SubscriberConfig{
			Brokers:               brokers,
			Unmarshaler:           kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaSubscriberConfig,
			ConsumerGroup:         "cg-" + serviceName,
			OTELEnabled:           true,
		},
		logger,
	)
}

// CreatePublisher builds a publisher for emitting bus events back onto
// Kafka.
func CreatePublisher(logger watermill.LoggerAdapter, brokers []string) (*kafka.Publisher, error) {
	if len(brokers) == 0 || brokers[0] == "" {
		return nil, ErrNoBrokers
	}

	saramaPublisherConfig := sarama.NewConfig()
	saramaPublisherConfig.Producer.Return.Successes = true

	return kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaPublisherConfig,
			OTELEnabled:           true,
		},
		logger,
	)
}
