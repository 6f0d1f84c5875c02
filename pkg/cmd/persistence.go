package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fluxway/fluxway/pkg/persistence"
	"github.com/fluxway/fluxway/pkg/persistence/file"
	"github.com/fluxway/fluxway/pkg/persistence/postgresql"
)

// NewPersistence builds the persistence layer named by databaseURL.
// postgres:// and postgresql:// URLs select the PostgreSQL backend; any
// other value is treated as a directory for file persistence.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	provider, rest := splitProviderURL(databaseURL)

	switch provider {
	case "postgres", "postgresql":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	case "file", "":
		return file.NewPersistence(rest)
	default:
		return nil, fmt.Errorf("unsupported persistence provider: %s", provider)
	}
}
