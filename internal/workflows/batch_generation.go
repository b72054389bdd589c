// Package workflows holds the entry points that turn a user action into a tracked task.
package workflows

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dispatch/internal/dispatch"
	"github.com/ternarybob/dispatch/internal/models"
	"github.com/ternarybob/dispatch/internal/tasks"
)

// ErrTaskActive is returned when the resource already has a pending or running batch
var ErrTaskActive = errors.New("an active task already exists for this resource")

// Batch progress is reported inside this range; the ends are reserved for setup and completion
const (
	progressStart = 5
	progressEnd   = 95
)

// Item is one generation request of a batch
type Item struct {
	ID              string          `json:"id"`
	Sequence        int             `json:"sequence"`
	Prompt          string          `json:"prompt"`
	Params          dispatch.Params `json:"params"`
	EstimatedTokens int             `json:"estimated_tokens,omitempty"`
}

// BatchInput starts a batch generation
type BatchInput struct {
	ResourceID string `json:"resource_id"`
	Operation  string `json:"operation"`
	Items      []Item `json:"items"`
}

// BatchOutput is stored as the task result
type BatchOutput struct {
	Total     int               `json:"total"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Results   []dispatch.Result `json:"results"`
}

// BatchGeneration runs a set of prompts through the dispatcher as one task
type BatchGeneration struct {
	manager    *tasks.Manager
	runner     *tasks.Runner
	dispatcher *dispatch.Dispatcher
	candidates []models.ModelConfig
	logger     arbor.ILogger

	resourcesMu sync.Mutex
	resources   map[string]*resourceLock
}

type resourceLock struct {
	mu   sync.Mutex
	refs int
}

// NewBatchGeneration creates the workflow. candidates is the configured model list, in configuration order.
func NewBatchGeneration(manager *tasks.Manager, runner *tasks.Runner, dispatcher *dispatch.Dispatcher, candidates []models.ModelConfig, logger arbor.ILogger) *BatchGeneration {
	return &BatchGeneration{
		manager:    manager,
		runner:     runner,
		dispatcher: dispatcher,
		candidates: candidates,
		logger:     logger,
		resources:  make(map[string]*resourceLock),
	}
}

// lockResource serialises the active check and the create for one resource
func (w *BatchGeneration) lockResource(id string) func() {
	w.resourcesMu.Lock()
	l, ok := w.resources[id]
	if !ok {
		l = &resourceLock{}
		w.resources[id] = l
	}
	l.refs++
	w.resourcesMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		w.resourcesMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(w.resources, id)
		}
		w.resourcesMu.Unlock()
	}
}

// Start creates the task and launches the batch in the background, returning the task id
func (w *BatchGeneration) Start(ctx context.Context, input BatchInput) (string, error) {
	if len(input.Items) == 0 {
		return "", fmt.Errorf("batch has no items")
	}
	if input.Operation == "" {
		input.Operation = string(models.TaskTypeBatchGeneration)
	}

	task, err := w.create(ctx, input.ResourceID)
	if err != nil {
		return "", err
	}

	if err := w.runner.Start(ctx, task.ID, w.workflow(input)); err != nil {
		message := err.Error()
		if _, updateErr := w.manager.Update(ctx, task.ID, tasks.Patch{
			Status:  tasks.Ptr(models.TaskStatusFailed),
			Message: tasks.Ptr("Failed to start: " + message),
			Error:   tasks.Ptr(message),
		}); updateErr != nil {
			w.logger.Warn().Err(updateErr).Str("task_id", task.ID).Msg("Failed to mark unstarted task failed")
		}
		return "", err
	}
	return task.ID, nil
}

func (w *BatchGeneration) create(ctx context.Context, resourceID string) (*models.Task, error) {
	if resourceID == "" {
		return w.manager.Create(ctx, models.TaskTypeBatchGeneration, "")
	}

	unlock := w.lockResource(resourceID)
	defer unlock()

	active, err := w.manager.HasActive(ctx, models.TaskTypeBatchGeneration, resourceID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, fmt.Errorf("%w: %s", ErrTaskActive, resourceID)
	}
	return w.manager.Create(ctx, models.TaskTypeBatchGeneration, resourceID)
}

func (w *BatchGeneration) workflow(input BatchInput) tasks.Workflow {
	return func(ctx context.Context, p *tasks.Progress) (interface{}, error) {
		logger := p.Logger()
		total := len(input.Items)

		if err := p.Report(ctx, progressStart, fmt.Sprintf("Dispatching %d items", total)); err != nil {
			return nil, err
		}

		requests := make([]dispatch.Request, total)
		for i, item := range input.Items {
			id := item.ID
			if id == "" {
				id = fmt.Sprintf("item-%d", i+1)
			}
			requests[i] = dispatch.Request{
				ID:              id,
				Operation:       input.Operation,
				Sequence:        item.Sequence,
				Prompt:          item.Prompt,
				Params:          item.Params,
				EstimatedTokens: item.EstimatedTokens,
				Candidates:      w.candidates,
			}
		}

		onProgress := func(done, total int) {
			message := fmt.Sprintf("Generated %d of %d", done, total)
			if err := p.Report(ctx, tasks.Proportional(done, total, progressStart, progressEnd), message); err != nil {
				logger.Debug().Err(err).Str("task_id", p.TaskID()).Msg("Progress not recorded")
			}
		}

		results := w.dispatcher.DispatchBatch(ctx, requests, onProgress,
			dispatch.WithCheckpoint(p.Checkpoint),
			dispatch.WithTaskID(p.TaskID()),
		)

		if err := p.Checkpoint(ctx); err != nil {
			return nil, err
		}

		dispatch.SortBySequence(results)
		succeeded := dispatch.Succeeded(results)

		logger.Info().
			Str("task_id", p.TaskID()).
			Int("total", total).
			Int("succeeded", succeeded).
			Msg("Batch generation finished")

		if succeeded == 0 {
			return nil, fmt.Errorf("all %d items failed: %w", total, dispatch.FirstError(results))
		}

		return &BatchOutput{
			Total:     total,
			Succeeded: succeeded,
			Failed:    total - succeeded,
			Results:   results,
		}, nil
	}
}
