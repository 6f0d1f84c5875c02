// fluxway-ingest bridges external Kafka topics onto the message bus.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/fluxway/fluxway/pkg/bus"
	"github.com/fluxway/fluxway/pkg/cmd"
	"github.com/fluxway/fluxway/pkg/log"
)

func main() {
	command := &cli.Command{
		Name:                  "fluxway-ingest",
		EnableShellCompletion: true,
		Usage:                 "Bridge external Kafka topics onto the message bus",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "ingest-id",
				Aliases: []string{"id"},
				Usage:   "Custom ingest ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("INGEST_ID"),
			},
			&cli.StringFlag{
				Name:     "kafka-brokers",
				Usage:    "Comma-separated Kafka broker addresses",
				Required: true,
				Sources:  cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:     "kafka-topics",
				Usage:    "Comma-separated Kafka topics to consume",
				Required: true,
				Sources:  cli.EnvVars("KAFKA_TOPICS"),
			},
			&cli.StringFlag{
				Name:    "topic-prefix",
				Usage:   "Bus topic prefix prepended to each Kafka topic",
				Value:   "ingest.",
				Sources: cli.EnvVars("TOPIC_PREFIX"),
			},
			&cli.IntFlag{
				Name:    "default-priority",
				Usage:   "Priority for records without a priority header (1-5)",
				Value:   3,
				Sources: cli.EnvVars("DEFAULT_PRIORITY"),
			},
			&cli.StringFlag{
				Name:     "stream-url",
				Usage:    "Stream store URL (redis://host:port/db or memory:///path)",
				Required: true,
				Sources:  cli.EnvVars("STREAM_URL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			ingestID := command.String("ingest-id")
			if ingestID == "" {
				ingestID = "ingest-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("fluxway-ingest").With("ingest_id", ingestID)

			logger.InfoContext(ctx, "Initializing Fluxway Ingest")

			store, err := cmd.NewStreamStore(ctx, command.String("stream-url"), logger)
			if err != nil {
				return fmt.Errorf("failed to create stream store: %w", err)
			}

			defer func() {
				if err := store.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close stream store", "error", err)
				}
			}()

			messageBus := bus.NewBus(store, nil, logger, bus.Config{})

			ingestor, err := NewIngestor(
				ingestID,
				messageBus,
				strings.Split(command.String("kafka-brokers"), ","),
				strings.Split(command.String("kafka-topics"), ","),
				command.String("topic-prefix"),
				command.Int("default-priority"),
				logger,
			)
			if err != nil {
				return fmt.Errorf("failed to create ingestor: %w", err)
			}

			return ingestor.Start(ctx)
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
