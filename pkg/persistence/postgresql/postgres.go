// Package postgresql provides the PostgreSQL implementation of the process
// store.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/fluxway/fluxway/pkg/models"
	"github.com/fluxway/fluxway/pkg/persistence/sqlbase"
)

// Persistence implements the process store on PostgreSQL.
type Persistence struct {
	db             *sql.DB
	logger         *slog.Logger
	definitionRepo *DefinitionRepository
	instanceRepo   *InstanceRepository
	variableRepo   *VariableRepository
	taskRepo       *TaskRepository
	humanTaskRepo  *HumanTaskRepository
	timerRepo      *TimerRepository
}

// NewPersistence connects to PostgreSQL and runs pending migrations.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:             database,
		logger:         logger,
		definitionRepo: NewDefinitionRepository(database, logger),
		instanceRepo:   NewInstanceRepository(database, logger),
		variableRepo:   NewVariableRepository(database, logger),
		taskRepo:       NewTaskRepository(database, logger),
		humanTaskRepo:  NewHumanTaskRepository(database, logger),
		timerRepo:      NewTimerRepository(database, logger),
	}, nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) SaveDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	return p.definitionRepo.Save(ctx, def)
}

func (p *Persistence) DefinitionByID(ctx context.Context, id string, version int) (*models.WorkflowDefinition, error) {
	return p.definitionRepo.GetByID(ctx, id, version)
}

func (p *Persistence) LatestDefinition(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	return p.definitionRepo.GetLatest(ctx, id)
}

func (p *Persistence) Definitions(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	return p.definitionRepo.GetAll(ctx)
}

func (p *Persistence) CreateInstance(ctx context.Context, instance *models.WorkflowInstance) error {
	return p.instanceRepo.Create(ctx, instance)
}

func (p *Persistence) SaveInstance(ctx context.Context, instance *models.WorkflowInstance) error {
	return p.instanceRepo.Save(ctx, instance)
}

func (p *Persistence) InstanceByID(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	return p.instanceRepo.GetByID(ctx, id)
}

func (p *Persistence) InstanceByCorrelation(ctx context.Context, correlationID string) (*models.WorkflowInstance, error) {
	return p.instanceRepo.GetByCorrelation(ctx, correlationID)
}

func (p *Persistence) InstanceByTrigger(ctx context.Context, workflowID, triggerKey string) (*models.WorkflowInstance, error) {
	return p.instanceRepo.GetByTrigger(ctx, workflowID, triggerKey)
}

func (p *Persistence) Instances(ctx context.Context, state models.InstanceState) ([]*models.WorkflowInstance, error) {
	return p.instanceRepo.GetAll(ctx, state)
}

func (p *Persistence) SetVariable(ctx context.Context, instanceID, name string, value any, actor string) (*models.VariableVersion, error) {
	return p.variableRepo.Set(ctx, instanceID, name, value, actor)
}

func (p *Persistence) Variable(ctx context.Context, instanceID, name string) (*models.VariableVersion, error) {
	return p.variableRepo.Latest(ctx, instanceID, name)
}

func (p *Persistence) VariableHistory(ctx context.Context, instanceID, name string) ([]*models.VariableVersion, error) {
	return p.variableRepo.History(ctx, instanceID, name)
}

func (p *Persistence) Variables(ctx context.Context, instanceID string) (map[string]any, error) {
	return p.variableRepo.LatestAll(ctx, instanceID)
}

func (p *Persistence) RecordTaskExecution(ctx context.Context, record *models.TaskExecution) error {
	return p.taskRepo.Record(ctx, record)
}

func (p *Persistence) TaskExecutions(ctx context.Context, instanceID string) ([]*models.TaskExecution, error) {
	return p.taskRepo.GetByInstance(ctx, instanceID)
}

func (p *Persistence) SaveHumanTask(ctx context.Context, task *models.HumanTask) error {
	return p.humanTaskRepo.Save(ctx, task)
}

func (p *Persistence) HumanTaskByID(ctx context.Context, id string) (*models.HumanTask, error) {
	return p.humanTaskRepo.GetByID(ctx, id)
}

func (p *Persistence) SaveTimer(ctx context.Context, timer *models.Timer) error {
	return p.timerRepo.Save(ctx, timer)
}

func (p *Persistence) TimerByID(ctx context.Context, id string) (*models.Timer, error) {
	return p.timerRepo.GetByID(ctx, id)
}

func (p *Persistence) DueTimers(ctx context.Context, before time.Time) ([]*models.Timer, error) {
	return p.timerRepo.GetDue(ctx, before)
}

func (p *Persistence) PendingTimers(ctx context.Context) ([]*models.Timer, error) {
	return p.timerRepo.GetPending(ctx)
}
