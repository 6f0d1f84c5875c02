// Package file provides the file-system implementation of the process
// store. One JSON document per aggregate under a root directory; good for
// development and tests, PostgreSQL is the production path.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fluxway/fluxway/pkg/models"
	"github.com/fluxway/fluxway/pkg/persistence"
)

// Persistence implements persistence.Persistence on the local file system.
// A single mutex serializes all writes, which also covers the per
// (instance, name) variable write ordering requirement.
type Persistence struct {
	root string
	mu   sync.Mutex
}

// NewPersistence creates the store rooted at the given directory.
func NewPersistence(root string) (*Persistence, error) {
	root = strings.Replace(root, "file://", "", 1)

	for _, dir := range []string{"definitions", "instances", "variables", "tasks", "humantasks", "timers"} {
		err := os.MkdirAll(filepath.Join(root, dir), 0o755)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}

	return &Persistence{root: root}, nil
}

func (p *Persistence) Close(_ context.Context) error {
	return nil
}

func (p *Persistence) HealthCheck(_ context.Context) error {
	_, err := os.Stat(p.root)
	if err != nil {
		return err
	}

	return nil
}

// writeJSON writes atomically via a temp file rename.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"

	err = os.WriteFile(tmp, data, 0o644)
	if err != nil {
		return err
	}

	return os.Rename(tmp, path)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, v)
}

// Workflow definitions

func (p *Persistence) definitionPath(id string, version int) string {
	return filepath.Join(p.root, "definitions", fmt.Sprintf("%s-v%d.json", id, version))
}

func (p *Persistence) SaveDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	path := p.definitionPath(def.ID, def.Version)

	var existing models.WorkflowDefinition

	err := readJSON(path, &existing)
	if err == nil && existing.Published {
		return fmt.Errorf("%w: %s v%d", persistence.ErrDefinitionImmutable, def.ID, def.Version)
	}

	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}

	err = writeJSON(path, def)
	if err != nil {
		return &persistence.StoreError{Op: "SaveDefinition", Key: def.ID, Err: err}
	}

	return nil
}

func (p *Persistence) DefinitionByID(ctx context.Context, id string, version int) (*models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition

	err := readJSON(p.definitionPath(id, version), &def)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s v%d", persistence.ErrDefinitionNotFound, id, version)
		}

		return nil, &persistence.StoreError{Op: "DefinitionByID", Key: id, Err: err}
	}

	return &def, nil
}

func (p *Persistence) LatestDefinition(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	defs, err := p.Definitions(ctx)
	if err != nil {
		return nil, err
	}

	var latest *models.WorkflowDefinition

	for _, def := range defs {
		if def.ID != id || !def.Published {
			continue
		}

		if latest == nil || def.Version > latest.Version {
			latest = def
		}
	}

	if latest == nil {
		return nil, fmt.Errorf("%w: %s", persistence.ErrDefinitionNotFound, id)
	}

	return latest, nil
}

func (p *Persistence) Definitions(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	entries, err := os.ReadDir(filepath.Join(p.root, "definitions"))
	if err != nil {
		return nil, &persistence.StoreError{Op: "Definitions", Err: err}
	}

	var out []*models.WorkflowDefinition

	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		var def models.WorkflowDefinition

		err := readJSON(filepath.Join(p.root, "definitions", entry.Name()), &def)
		if err != nil {
			continue
		}

		out = append(out, &def)
	}

	return out, nil
}

// Workflow instances

func (p *Persistence) instancePath(id string) string {
	return filepath.Join(p.root, "instances", id+".json")
}

func (p *Persistence) CreateInstance(ctx context.Context, instance *models.WorkflowInstance) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	path := p.instancePath(instance.ID)

	_, err := os.Stat(path)
	if err == nil {
		return fmt.Errorf("%w: %s", persistence.ErrInstanceAlreadyExists, instance.ID)
	}

	err = writeJSON(path, instance)
	if err != nil {
		return &persistence.StoreError{Op: "CreateInstance", Key: instance.ID, Err: err}
	}

	return nil
}

func (p *Persistence) SaveInstance(ctx context.Context, instance *models.WorkflowInstance) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := writeJSON(p.instancePath(instance.ID), instance)
	if err != nil {
		return &persistence.StoreError{Op: "SaveInstance", Key: instance.ID, Err: err}
	}

	return nil
}

func (p *Persistence) InstanceByID(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	var instance models.WorkflowInstance

	err := readJSON(p.instancePath(id), &instance)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", persistence.ErrInstanceNotFound, id)
		}

		return nil, &persistence.StoreError{Op: "InstanceByID", Key: id, Err: err}
	}

	return &instance, nil
}

func (p *Persistence) InstanceByCorrelation(ctx context.Context, correlationID string) (*models.WorkflowInstance, error) {
	instances, err := p.Instances(ctx, "")
	if err != nil {
		return nil, err
	}

	for _, instance := range instances {
		if instance.WaitingFor != nil && instance.WaitingFor.CorrelationID == correlationID {
			return instance, nil
		}
	}

	return nil, fmt.Errorf("%w: correlation %s", persistence.ErrInstanceNotFound, correlationID)
}

func (p *Persistence) InstanceByTrigger(ctx context.Context, workflowID, triggerKey string) (*models.WorkflowInstance, error) {
	instances, err := p.Instances(ctx, "")
	if err != nil {
		return nil, err
	}

	for _, instance := range instances {
		if instance.WorkflowID == workflowID && instance.TriggerKey == triggerKey {
			return instance, nil
		}
	}

	return nil, fmt.Errorf("%w: trigger %s/%s", persistence.ErrInstanceNotFound, workflowID, triggerKey)
}

func (p *Persistence) Instances(ctx context.Context, state models.InstanceState) ([]*models.WorkflowInstance, error) {
	entries, err := os.ReadDir(filepath.Join(p.root, "instances"))
	if err != nil {
		return nil, &persistence.StoreError{Op: "Instances", Err: err}
	}

	var out []*models.WorkflowInstance

	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		var instance models.WorkflowInstance

		err := readJSON(filepath.Join(p.root, "instances", entry.Name()), &instance)
		if err != nil {
			continue
		}

		if state != "" && instance.State != state {
			continue
		}

		out = append(out, &instance)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })

	return out, nil
}

// Process variables

func (p *Persistence) variablePath(instanceID, name string) string {
	return filepath.Join(p.root, "variables", instanceID, name+".json")
}

func (p *Persistence) SetVariable(ctx context.Context, instanceID, name string, value any, actor string) (*models.VariableVersion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	dir := filepath.Join(p.root, "variables", instanceID)

	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return nil, &persistence.StoreError{Op: "SetVariable", Key: instanceID + "/" + name, Err: err}
	}

	var history []*models.VariableVersion

	path := p.variablePath(instanceID, name)

	err = readJSON(path, &history)
	if err != nil && !os.IsNotExist(err) {
		return nil, &persistence.StoreError{Op: "SetVariable", Key: instanceID + "/" + name, Err: err}
	}

	now := time.Now().UTC()
	version := &models.VariableVersion{
		InstanceID: instanceID,
		Name:       name,
		Value:      value,
		Version:    len(history) + 1,
		CreatedBy:  actor,
		UpdatedBy:  actor,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	history = append(history, version)

	err = writeJSON(path, history)
	if err != nil {
		return nil, &persistence.StoreError{Op: "SetVariable", Key: instanceID + "/" + name, Err: err}
	}

	return version, nil
}

func (p *Persistence) Variable(ctx context.Context, instanceID, name string) (*models.VariableVersion, error) {
	history, err := p.VariableHistory(ctx, instanceID, name)
	if err != nil {
		return nil, err
	}

	return history[len(history)-1], nil
}

func (p *Persistence) VariableHistory(ctx context.Context, instanceID, name string) ([]*models.VariableVersion, error) {
	var history []*models.VariableVersion

	err := readJSON(p.variablePath(instanceID, name), &history)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s/%s", persistence.ErrVariableNotFound, instanceID, name)
		}

		return nil, &persistence.StoreError{Op: "VariableHistory", Key: instanceID + "/" + name, Err: err}
	}

	if len(history) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", persistence.ErrVariableNotFound, instanceID, name)
	}

	return history, nil
}

func (p *Persistence) Variables(ctx context.Context, instanceID string) (map[string]any, error) {
	dir := filepath.Join(p.root, "variables", instanceID)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}

		return nil, &persistence.StoreError{Op: "Variables", Key: instanceID, Err: err}
	}

	out := make(map[string]any)

	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), ".json")
		if name == entry.Name() {
			continue
		}

		var history []*models.VariableVersion

		err := readJSON(filepath.Join(dir, entry.Name()), &history)
		if err != nil || len(history) == 0 {
			continue
		}

		out[name] = history[len(history)-1].Value
	}

	return out, nil
}

// Task execution records

func (p *Persistence) tasksPath(instanceID string) string {
	return filepath.Join(p.root, "tasks", instanceID+".json")
}

func (p *Persistence) RecordTaskExecution(ctx context.Context, record *models.TaskExecution) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var records []*models.TaskExecution

	path := p.tasksPath(record.InstanceID)

	err := readJSON(path, &records)
	if err != nil && !os.IsNotExist(err) {
		return &persistence.StoreError{Op: "RecordTaskExecution", Key: record.InstanceID, Err: err}
	}

	replaced := false

	for i, existing := range records {
		if existing.ID == record.ID {
			records[i] = record
			replaced = true

			break
		}
	}

	if !replaced {
		records = append(records, record)
	}

	err = writeJSON(path, records)
	if err != nil {
		return &persistence.StoreError{Op: "RecordTaskExecution", Key: record.InstanceID, Err: err}
	}

	return nil
}

func (p *Persistence) TaskExecutions(ctx context.Context, instanceID string) ([]*models.TaskExecution, error) {
	var records []*models.TaskExecution

	err := readJSON(p.tasksPath(instanceID), &records)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, &persistence.StoreError{Op: "TaskExecutions", Key: instanceID, Err: err}
	}

	sort.SliceStable(records, func(i, j int) bool { return records[i].StartTime.Before(records[j].StartTime) })

	return records, nil
}

// Human tasks

func (p *Persistence) humanTaskPath(id string) string {
	return filepath.Join(p.root, "humantasks", id+".json")
}

func (p *Persistence) SaveHumanTask(ctx context.Context, task *models.HumanTask) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := writeJSON(p.humanTaskPath(task.ID), task)
	if err != nil {
		return &persistence.StoreError{Op: "SaveHumanTask", Key: task.ID, Err: err}
	}

	return nil
}

func (p *Persistence) HumanTaskByID(ctx context.Context, id string) (*models.HumanTask, error) {
	var task models.HumanTask

	err := readJSON(p.humanTaskPath(id), &task)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", persistence.ErrHumanTaskNotFound, id)
		}

		return nil, &persistence.StoreError{Op: "HumanTaskByID", Key: id, Err: err}
	}

	return &task, nil
}

// Durable timers

func (p *Persistence) timerPath(id string) string {
	return filepath.Join(p.root, "timers", id+".json")
}

func (p *Persistence) SaveTimer(ctx context.Context, timer *models.Timer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := writeJSON(p.timerPath(timer.ID), timer)
	if err != nil {
		return &persistence.StoreError{Op: "SaveTimer", Key: timer.ID, Err: err}
	}

	return nil
}

func (p *Persistence) TimerByID(ctx context.Context, id string) (*models.Timer, error) {
	var timer models.Timer

	err := readJSON(p.timerPath(id), &timer)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", persistence.ErrTimerNotFound, id)
		}

		return nil, &persistence.StoreError{Op: "TimerByID", Key: id, Err: err}
	}

	return &timer, nil
}

func (p *Persistence) DueTimers(ctx context.Context, before time.Time) ([]*models.Timer, error) {
	timers, err := p.PendingTimers(ctx)
	if err != nil {
		return nil, err
	}

	var due []*models.Timer

	for _, timer := range timers {
		if !timer.FireAt.After(before) {
			due = append(due, timer)
		}
	}

	return due, nil
}

func (p *Persistence) PendingTimers(ctx context.Context) ([]*models.Timer, error) {
	entries, err := os.ReadDir(filepath.Join(p.root, "timers"))
	if err != nil {
		return nil, &persistence.StoreError{Op: "PendingTimers", Err: err}
	}

	var out []*models.Timer

	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		var timer models.Timer

		err := readJSON(filepath.Join(p.root, "timers", entry.Name()), &timer)
		if err != nil {
			continue
		}

		if timer.State != models.TimerStatePending {
			continue
		}

		out = append(out, &timer)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })

	return out, nil
}
