// Package tasks is the persisted state machine behind long-running, pollable operations.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dispatch/internal/common"
	"github.com/ternarybob/dispatch/internal/interfaces"
	"github.com/ternarybob/dispatch/internal/models"
)

var (
	// ErrTerminalState is returned for any change to a completed, failed or cancelled task
	ErrTerminalState = errors.New("task is in a terminal state")

	// ErrInvalidTransition is returned when a status update would move a task backwards
	ErrInvalidTransition = errors.New("invalid task status transition")

	// ErrCancelled is returned by checkpoints once the user cancelled the task
	ErrCancelled = errors.New("task cancelled")
)

// CancelledMessage is the terminal message of a user-cancelled task
const CancelledMessage = "Cancelled by user"

// Patch is a partial task update. Nil fields are left unchanged.
type Patch struct {
	Status      *models.TaskStatus
	Progress    *int
	Message     *string
	Result      json.RawMessage
	Error       *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Ptr returns a pointer to v, for building patches
func Ptr[T any](v T) *T {
	return &v
}

// ListOptions filters task listings
type ListOptions = interfaces.TaskListOptions

// Manager owns task records. Read-modify-write on one task is serialized by a per-task mutex.
type Manager struct {
	storage interfaces.TaskStorage
	logger  arbor.ILogger
	now     func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	subsMu      sync.RWMutex
	subscribers map[int]chan *models.Task
	nextSubID   int
}

// NewManager creates a task manager over the given storage
func NewManager(storage interfaces.TaskStorage, logger arbor.ILogger) *Manager {
	return &Manager{
		storage:     storage,
		logger:      logger,
		now:         time.Now,
		locks:       make(map[string]*sync.Mutex),
		subscribers: make(map[int]chan *models.Task),
	}
}

func (m *Manager) lock(id string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}

func (m *Manager) forget(id string) {
	m.locksMu.Lock()
	delete(m.locks, id)
	m.locksMu.Unlock()
}

// Create persists a new PENDING task at progress 0
func (m *Manager) Create(ctx context.Context, taskType models.TaskType, resourceID string) (*models.Task, error) {
	now := m.now()
	task := &models.Task{
		ID:         common.NewTaskID(),
		Type:       taskType,
		ResourceID: resourceID,
		Status:     models.TaskStatusPending,
		Message:    "Queued",
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := m.storage.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	m.logger.Info().
		Str("task_id", task.ID).
		Str("type", string(task.Type)).
		Str("resource_id", resourceID).
		Msg("Task created")

	m.publish(task)
	return task.Clone(), nil
}

// Get returns a task by id
func (m *Manager) Get(ctx context.Context, id string) (*models.Task, error) {
	return m.storage.GetTask(ctx, id)
}

// List returns tasks newest first
func (m *Manager) List(ctx context.Context, opts ListOptions) ([]*models.Task, error) {
	return m.storage.ListTasks(ctx, &opts)
}

// ListActive returns every pending or running task
func (m *Manager) ListActive(ctx context.Context) ([]*models.Task, error) {
	var active []*models.Task
	for _, status := range []models.TaskStatus{models.TaskStatusRunning, models.TaskStatusPending} {
		tasks, err := m.storage.ListTasks(ctx, &interfaces.TaskListOptions{Status: status})
		if err != nil {
			return nil, err
		}
		active = append(active, tasks...)
	}
	return active, nil
}

// HasActive reports whether a pending or running task of the type exists for the resource
func (m *Manager) HasActive(ctx context.Context, taskType models.TaskType, resourceID string) (bool, error) {
	for _, status := range []models.TaskStatus{models.TaskStatusRunning, models.TaskStatusPending} {
		tasks, err := m.storage.ListTasks(ctx, &interfaces.TaskListOptions{
			Status:     status,
			Type:       taskType,
			ResourceID: resourceID,
			Limit:      1,
		})
		if err != nil {
			return false, err
		}
		if len(tasks) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Update merges a patch into the task.
// Terminal tasks reject every change. Status only moves forward, StartedAt is stamped on entering RUNNING
// and CompletedAt on entering a terminal status when the caller leaves them unset.
// Progress is clamped to 0..100 and a decrease is ignored while RUNNING.
func (m *Manager) Update(ctx context.Context, id string, patch Patch) (*models.Task, error) {
	unlock := m.lock(id)
	defer unlock()

	task, err := m.storage.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminalState, id, task.Status)
	}

	now := m.now()

	if patch.Status != nil && *patch.Status != task.Status {
		next := *patch.Status
		if !validTransition(task.Status, next) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.Status, next)
		}
		task.Status = next
	}

	if patch.StartedAt != nil {
		task.StartedAt = patch.StartedAt
	} else if task.Status == models.TaskStatusRunning && task.StartedAt == nil {
		task.StartedAt = &now
	}

	if patch.Progress != nil {
		progress := clampProgress(*patch.Progress)
		if task.Status != models.TaskStatusRunning || progress >= task.Progress {
			task.Progress = progress
		}
	}
	if patch.Message != nil {
		task.Message = *patch.Message
	}
	if patch.Result != nil {
		task.Result = patch.Result
	}
	if patch.Error != nil {
		task.Error = *patch.Error
	}

	if patch.CompletedAt != nil {
		task.CompletedAt = patch.CompletedAt
	} else if task.Status.IsTerminal() && task.CompletedAt == nil {
		task.CompletedAt = &now
	}

	task.UpdatedAt = now
	if err := m.storage.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to update task %s: %w", id, err)
	}

	if task.Status.IsTerminal() {
		m.logger.Info().
			Str("task_id", id).
			Str("status", string(task.Status)).
			Int("progress", task.Progress).
			Str("error", task.Error).
			Msg("Task finished")
	}

	m.publish(task)
	return task.Clone(), nil
}

// Claim moves a PENDING task to RUNNING under the task's lock, so exactly one runner wins it.
// Any other state returns ErrInvalidTransition.
func (m *Manager) Claim(ctx context.Context, id string) (*models.Task, error) {
	unlock := m.lock(id)
	defer unlock()

	task, err := m.storage.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, task.Status)
	}

	now := m.now()
	task.Status = models.TaskStatusRunning
	task.Progress = 0
	task.Message = "Started"
	task.StartedAt = &now
	task.UpdatedAt = now

	if err := m.storage.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to claim task %s: %w", id, err)
	}

	m.publish(task)
	return task.Clone(), nil
}

// Cancel moves a pending or running task to CANCELLED. Cancelling a cancelled task is a no-op.
// Work in flight is not interrupted; runners observe the state at their next checkpoint.
func (m *Manager) Cancel(ctx context.Context, id string) (*models.Task, error) {
	unlock := m.lock(id)
	defer unlock()

	task, err := m.storage.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status == models.TaskStatusCancelled {
		return task, nil
	}
	if task.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminalState, id, task.Status)
	}

	now := m.now()
	task.Status = models.TaskStatusCancelled
	task.Message = CancelledMessage
	task.CompletedAt = &now
	task.UpdatedAt = now

	if err := m.storage.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to cancel task %s: %w", id, err)
	}

	m.logger.Info().Str("task_id", id).Int("progress", task.Progress).Msg("Task cancelled")
	m.publish(task)
	return task.Clone(), nil
}

// IsCancelled reports whether the task has been cancelled
func (m *Manager) IsCancelled(ctx context.Context, id string) (bool, error) {
	task, err := m.storage.GetTask(ctx, id)
	if err != nil {
		return false, err
	}
	return task.Status == models.TaskStatusCancelled, nil
}

// Delete removes a task record regardless of state
func (m *Manager) Delete(ctx context.Context, id string) error {
	unlock := m.lock(id)
	err := m.storage.DeleteTask(ctx, id)
	unlock()
	m.forget(id)
	return err
}

// DeleteTerminal removes terminal tasks that finished more than olderThan ago
func (m *Manager) DeleteTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := m.now().Add(-olderThan)
	n, err := m.storage.DeleteTerminalTasks(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info().Int("deleted", n).Str("cutoff", cutoff.Format(time.RFC3339)).Msg("Terminal tasks deleted")
	}
	return n, nil
}

// Terminal messages of tasks whose process stopped while they were active
const (
	InterruptedMessage = "Interrupted by restart"
	ShutdownMessage    = "Interrupted by shutdown"
)

// FailInterrupted marks every pending or running task FAILED. Call it once at startup, before any
// runner starts, so tasks orphaned by a previous process do not stay active forever.
func (m *Manager) FailInterrupted(ctx context.Context) (int, error) {
	active, err := m.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, task := range active {
		_, err := m.Update(ctx, task.ID, Patch{
			Status:  Ptr(models.TaskStatusFailed),
			Message: Ptr(InterruptedMessage),
			Error:   Ptr(InterruptedMessage),
		})
		if err != nil {
			m.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to mark interrupted task")
			continue
		}
		failed++
	}

	if failed > 0 {
		m.logger.Warn().Int("tasks", failed).Msg("Tasks interrupted by restart marked failed")
	}
	return failed, nil
}

// Subscribe returns a channel receiving a snapshot after every change, plus a function to unsubscribe.
// Slow subscribers lose intermediate snapshots; terminal snapshots displace the oldest queued one.
func (m *Manager) Subscribe(buffer int) (<-chan *models.Task, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan *models.Task, buffer)

	m.subsMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = ch
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subscribers, id)
			m.subsMu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) publish(task *models.Task) {
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()

	for _, ch := range m.subscribers {
		snapshot := task.Clone()
		select {
		case ch <- snapshot:
			continue
		default:
		}
		if !snapshot.Status.IsTerminal() {
			continue
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}
}

func validTransition(from, to models.TaskStatus) bool {
	switch from {
	case models.TaskStatusPending:
		return to == models.TaskStatusRunning || to.IsTerminal()
	case models.TaskStatusRunning:
		return to.IsTerminal()
	default:
		return false
	}
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
