package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fluxway/fluxway/pkg/models"
	"github.com/fluxway/fluxway/pkg/persistence"
)

// DefinitionRepository handles workflow definition database operations.
type DefinitionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewDefinitionRepository creates a new definition repository.
func NewDefinitionRepository(db *sql.DB, logger *slog.Logger) *DefinitionRepository {
	return &DefinitionRepository{db: db, logger: logger}
}

// Save upserts a definition version. A published version is immutable.
func (dr *DefinitionRepository) Save(ctx context.Context, def *models.WorkflowDefinition) error {
	var published bool

	err := dr.db.QueryRowContext(ctx,
		"SELECT published FROM workflow_definitions WHERE id = $1 AND version = $2",
		def.ID, def.Version,
	).Scan(&published)

	switch {
	case err == nil && published:
		return fmt.Errorf("%w: %s v%d", persistence.ErrDefinitionImmutable, def.ID, def.Version)
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return &persistence.StoreError{Op: "SaveDefinition", Key: def.ID, Err: err}
	}

	nodesJSON, err := json.Marshal(def.Nodes)
	if err != nil {
		return fmt.Errorf("failed to marshal nodes: %w", err)
	}

	edgesJSON, err := json.Marshal(def.Edges)
	if err != nil {
		return fmt.Errorf("failed to marshal edges: %w", err)
	}

	query := `
		INSERT INTO workflow_definitions (
			id, version, name, description, trigger_topic, nodes, edges,
			published, created_at, published_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id, version) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			trigger_topic = EXCLUDED.trigger_topic,
			nodes = EXCLUDED.nodes,
			edges = EXCLUDED.edges,
			published = EXCLUDED.published,
			published_at = EXCLUDED.published_at
	`

	_, err = dr.db.ExecContext(ctx, query,
		def.ID,
		def.Version,
		def.Name,
		def.Description,
		def.TriggerTopic,
		nodesJSON,
		edgesJSON,
		def.Published,
		def.CreatedAt,
		def.PublishedAt,
	)
	if err != nil {
		return &persistence.StoreError{Op: "SaveDefinition", Key: def.ID, Err: err}
	}

	return nil
}

// GetByID retrieves one definition version.
func (dr *DefinitionRepository) GetByID(ctx context.Context, id string, version int) (*models.WorkflowDefinition, error) {
	row := dr.db.QueryRowContext(ctx, `
		SELECT id, version, name, description, trigger_topic, nodes, edges,
			   published, created_at, published_at
		FROM workflow_definitions
		WHERE id = $1 AND version = $2
	`, id, version)

	def, err := scanDefinition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s v%d", persistence.ErrDefinitionNotFound, id, version)
		}

		return nil, &persistence.StoreError{Op: "DefinitionByID", Key: id, Err: err}
	}

	return def, nil
}

// GetLatest retrieves the highest published version of a definition.
func (dr *DefinitionRepository) GetLatest(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	row := dr.db.QueryRowContext(ctx, `
		SELECT id, version, name, description, trigger_topic, nodes, edges,
			   published, created_at, published_at
		FROM workflow_definitions
		WHERE id = $1 AND published = TRUE
		ORDER BY version DESC
		LIMIT 1
	`, id)

	def, err := scanDefinition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", persistence.ErrDefinitionNotFound, id)
		}

		return nil, &persistence.StoreError{Op: "LatestDefinition", Key: id, Err: err}
	}

	return def, nil
}

// GetAll retrieves every stored definition version.
func (dr *DefinitionRepository) GetAll(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	rows, err := dr.db.QueryContext(ctx, `
		SELECT id, version, name, description, trigger_topic, nodes, edges,
			   published, created_at, published_at
		FROM workflow_definitions
		ORDER BY id, version
	`)
	if err != nil {
		return nil, &persistence.StoreError{Op: "Definitions", Err: err}
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			dr.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var defs []*models.WorkflowDefinition

	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, &persistence.StoreError{Op: "Definitions", Err: err}
		}

		defs = append(defs, def)
	}

	return defs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (*models.WorkflowDefinition, error) {
	var (
		def         models.WorkflowDefinition
		nodesJSON   []byte
		edgesJSON   []byte
		publishedAt sql.NullTime
	)

	err := row.Scan(
		&def.ID,
		&def.Version,
		&def.Name,
		&def.Description,
		&def.TriggerTopic,
		&nodesJSON,
		&edgesJSON,
		&def.Published,
		&def.CreatedAt,
		&publishedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(nodesJSON, &def.Nodes)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal nodes: %w", err)
	}

	if len(edgesJSON) > 0 {
		err = json.Unmarshal(edgesJSON, &def.Edges)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal edges: %w", err)
		}
	}

	if publishedAt.Valid {
		def.PublishedAt = &publishedAt.Time
	}

	return &def, nil
}
