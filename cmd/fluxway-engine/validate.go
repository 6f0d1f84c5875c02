package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/fluxway/fluxway/pkg/cmd"
	"github.com/fluxway/fluxway/pkg/log"
)

var errInvalidDefinitions = errors.New("invalid workflow definitions found")

// NewValidateCommand checks every stored workflow definition against the
// registered adapters and script functions.
func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:    "validate",
		Aliases: []string{"v"},
		Usage:   "Validate stored workflow definitions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			logger := log.WithModule("fluxway-engine").With("action", "validate")

			persist, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return fmt.Errorf("failed to create persistence: %w", err)
			}

			defer func() {
				if err := persist.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			registry := cmd.NewRegistry(logger)

			definitions, err := persist.Definitions(ctx)
			if err != nil {
				return fmt.Errorf("failed to fetch definitions: %w", err)
			}

			logger.InfoContext(ctx, "Validating workflow definitions", "definitions", len(definitions))

			invalid := 0

			for _, def := range definitions {
				err = registry.ValidateDefinition(def)
				if err != nil {
					_, _ = fmt.Fprintf(os.Stdout, "%s v%d: INVALID: %v\n", def.ID, def.Version, err)
					invalid++

					continue
				}

				_, _ = fmt.Fprintf(os.Stdout, "%s v%d: OK\n", def.ID, def.Version)
			}

			if invalid > 0 {
				return fmt.Errorf("%w: %d of %d", errInvalidDefinitions, invalid, len(definitions))
			}

			return nil
		},
	}
}
