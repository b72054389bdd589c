package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/dispatch/internal/interfaces"
	"github.com/ternarybob/dispatch/internal/models"
)

// TaskStorage persists task records in Badger
type TaskStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewTaskStorage creates a new TaskStorage instance
func NewTaskStorage(db *BadgerDB, logger arbor.ILogger) *TaskStorage {
	return &TaskStorage{
		db:     db,
		logger: logger,
	}
}

func (s *TaskStorage) SaveTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if err := s.db.Store().Upsert(task.ID, task); err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

func (s *TaskStorage) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	if err := s.db.Store().Get(id, &task); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &task, nil
}

func (s *TaskStorage) ListTasks(ctx context.Context, opts *interfaces.TaskListOptions) ([]*models.Task, error) {
	query := badgerhold.Where("ID").Ne("")

	if opts != nil {
		if opts.Status != "" {
			query = query.And("Status").Eq(opts.Status)
		}
		if opts.Type != "" {
			query = query.And("Type").Eq(opts.Type)
		}
		if opts.ResourceID != "" {
			query = query.And("ResourceID").Eq(opts.ResourceID)
		}
	}

	query = query.SortBy("CreatedAt").Reverse()

	if opts != nil {
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
	}

	var tasks []models.Task
	if err := s.db.Store().Find(&tasks, query); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	result := make([]*models.Task, len(tasks))
	for i := range tasks {
		result[i] = &tasks[i]
	}
	return result, nil
}

func (s *TaskStorage) DeleteTask(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.Task{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

func (s *TaskStorage) DeleteTerminalTasks(ctx context.Context, completedBefore time.Time) (int, error) {
	var tasks []models.Task
	query := badgerhold.Where("Status").In(models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusCancelled)
	if err := s.db.Store().Find(&tasks, query); err != nil {
		return 0, fmt.Errorf("failed to find terminal tasks: %w", err)
	}

	deleted := 0
	for _, task := range tasks {
		// CompletedAt is a pointer, so the cutoff is applied here rather than in the query
		finished := task.UpdatedAt
		if task.CompletedAt != nil {
			finished = *task.CompletedAt
		}
		if !finished.Before(completedBefore) {
			continue
		}
		if err := s.db.Store().Delete(task.ID, &models.Task{}); err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
			s.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to delete terminal task")
			continue
		}
		deleted++
	}

	return deleted, nil
}
