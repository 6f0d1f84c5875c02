package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fluxway/fluxway/pkg/models"
	"github.com/fluxway/fluxway/pkg/persistence"
)

// VariableRepository handles versioned process variable operations. Writes
// append rows; the (instance_id, name, version) primary key guards against
// concurrent writers producing the same version.
type VariableRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewVariableRepository creates a new variable repository.
func NewVariableRepository(db *sql.DB, logger *slog.Logger) *VariableRepository {
	return &VariableRepository{db: db, logger: logger}
}

// setVariableAttempts bounds version-collision retries in Set.
const setVariableAttempts = 5

// Set appends the next version of a variable and returns it. Two writers
// racing for the same key compute the same next version and collide on
// the primary key; the loser recomputes and retries.
func (vr *VariableRepository) Set(ctx context.Context, instanceID, name string, value any, actor string) (*models.VariableVersion, error) {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal variable value: %w", err)
	}

	now := time.Now().UTC()

	var version int

	err = retryOnVersionCollision(setVariableAttempts, func() error {
		return vr.db.QueryRowContext(ctx, `
			INSERT INTO process_variables (
				instance_id, name, version, value, created_by, updated_by,
				created_at, updated_at
			)
			SELECT $1, $2, COALESCE(MAX(version), 0) + 1, $3, $4, $4, $5, $5
			FROM process_variables
			WHERE instance_id = $1 AND name = $2
			RETURNING version
		`, instanceID, name, valueJSON, actor, now).Scan(&version)
	})
	if err != nil {
		return nil, &persistence.StoreError{Op: "SetVariable", Key: instanceID + "/" + name, Err: err}
	}

	return &models.VariableVersion{
		InstanceID: instanceID,
		Name:       name,
		Value:      value,
		Version:    version,
		CreatedBy:  actor,
		UpdatedBy:  actor,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// retryOnVersionCollision re-runs fn while it fails with a postgres
// unique_violation, up to the attempt bound. Any other error, or success,
// returns immediately.
func retryOnVersionCollision(attempts int, fn func() error) error {
	var err error

	for range attempts {
		err = fn()
		if err == nil || !isUniqueViolation(err) {
			return err
		}
	}

	return err
}

// Latest returns the current version of a variable.
func (vr *VariableRepository) Latest(ctx context.Context, instanceID, name string) (*models.VariableVersion, error) {
	row := vr.db.QueryRowContext(ctx, `
		SELECT instance_id, name, version, value, created_by, updated_by,
			   created_at, updated_at
		FROM process_variables
		WHERE instance_id = $1 AND name = $2
		ORDER BY version DESC
		LIMIT 1
	`, instanceID, name)

	variable, err := scanVariable(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s", persistence.ErrVariableNotFound, instanceID, name)
		}

		return nil, &persistence.StoreError{Op: "Variable", Key: instanceID + "/" + name, Err: err}
	}

	return variable, nil
}

// History returns every version of a variable in ascending version order.
func (vr *VariableRepository) History(ctx context.Context, instanceID, name string) ([]*models.VariableVersion, error) {
	rows, err := vr.db.QueryContext(ctx, `
		SELECT instance_id, name, version, value, created_by, updated_by,
			   created_at, updated_at
		FROM process_variables
		WHERE instance_id = $1 AND name = $2
		ORDER BY version
	`, instanceID, name)
	if err != nil {
		return nil, &persistence.StoreError{Op: "VariableHistory", Key: instanceID + "/" + name, Err: err}
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			vr.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var history []*models.VariableVersion

	for rows.Next() {
		variable, err := scanVariable(rows)
		if err != nil {
			return nil, &persistence.StoreError{Op: "VariableHistory", Err: err}
		}

		history = append(history, variable)
	}

	if len(history) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", persistence.ErrVariableNotFound, instanceID, name)
	}

	return history, rows.Err()
}

// LatestAll returns the current value of every variable of an instance.
func (vr *VariableRepository) LatestAll(ctx context.Context, instanceID string) (map[string]any, error) {
	rows, err := vr.db.QueryContext(ctx, `
		SELECT DISTINCT ON (name) name, value
		FROM process_variables
		WHERE instance_id = $1
		ORDER BY name, version DESC
	`, instanceID)
	if err != nil {
		return nil, &persistence.StoreError{Op: "Variables", Key: instanceID, Err: err}
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			vr.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	out := make(map[string]any)

	for rows.Next() {
		var (
			name      string
			valueJSON []byte
		)

		err := rows.Scan(&name, &valueJSON)
		if err != nil {
			return nil, &persistence.StoreError{Op: "Variables", Key: instanceID, Err: err}
		}

		var value any

		err = json.Unmarshal(valueJSON, &value)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal variable %s: %w", name, err)
		}

		out[name] = value
	}

	return out, rows.Err()
}

func scanVariable(row rowScanner) (*models.VariableVersion, error) {
	var (
		variable  models.VariableVersion
		valueJSON []byte
	)

	err := row.Scan(
		&variable.InstanceID,
		&variable.Name,
		&variable.Version,
		&valueJSON,
		&variable.CreatedBy,
		&variable.UpdatedBy,
		&variable.CreatedAt,
		&variable.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(valueJSON, &variable.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal variable value: %w", err)
	}

	return &variable, nil
}
