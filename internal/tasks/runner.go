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
	"github.com/ternarybob/dispatch/internal/models"
)

// Workflow is the body of a task. Its return value is stored as the task result (JSON).
// Returning ErrCancelled, or any error after the task was cancelled, leaves the task CANCELLED.
type Workflow func(ctx context.Context, progress *Progress) (interface{}, error)

// Runner executes workflows in panic-safe goroutines and records their outcome on the task
type Runner struct {
	manager *Manager
	logger  arbor.ILogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a runner. Workflows run under the runner's own context, not the caller's,
// so a task outlives the request that started it.
func NewRunner(manager *Manager, logger arbor.ILogger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		manager: manager,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start claims a PENDING task and launches its workflow. A task already claimed by another
// Start returns ErrInvalidTransition and its workflow is not run again.
func (r *Runner) Start(ctx context.Context, taskID string, workflow Workflow) error {
	if err := r.ctx.Err(); err != nil {
		return fmt.Errorf("runner is shut down: %w", err)
	}
	if _, err := r.manager.Claim(ctx, taskID); err != nil {
		return err
	}

	logger := r.logger.WithCorrelationId(taskID)
	logger.Info().Str("task_id", taskID).Msg("Task running")

	r.wg.Add(1)
	common.SafeGo(logger, "task:"+taskID, func() {
		defer r.wg.Done()
		r.run(taskID, workflow, logger)
	}, func(panicErr error) {
		r.fail(taskID, panicErr, logger)
	})
	return nil
}

func (r *Runner) run(taskID string, workflow Workflow, logger arbor.ILogger) {
	ctx := r.ctx
	start := time.Now()

	result, err := workflow(ctx, &Progress{manager: r.manager, taskID: taskID, logger: logger})

	cancelled, checkErr := r.manager.IsCancelled(context.Background(), taskID)
	if checkErr == nil && cancelled {
		logger.Info().Str("task_id", taskID).Dur("elapsed", time.Since(start)).Msg("Task stopped after cancellation")
		return
	}

	// The runner context only ends on Shutdown; a user cancel was caught above
	if err != nil && r.ctx.Err() != nil {
		r.interrupt(taskID, logger)
		return
	}

	if errors.Is(err, ErrCancelled) {
		if _, cancelErr := r.manager.Cancel(context.Background(), taskID); cancelErr != nil {
			logger.Warn().Err(cancelErr).Str("task_id", taskID).Msg("Failed to mark task cancelled")
		}
		return
	}

	if err != nil {
		r.fail(taskID, err, logger)
		return
	}

	var payload json.RawMessage
	if result != nil {
		payload, err = json.Marshal(result)
		if err != nil {
			r.fail(taskID, fmt.Errorf("failed to encode task result: %w", err), logger)
			return
		}
	}

	if _, err := r.manager.Update(context.Background(), taskID, Patch{
		Status:   Ptr(models.TaskStatusCompleted),
		Progress: Ptr(100),
		Message:  Ptr("Completed"),
		Result:   payload,
	}); err != nil {
		logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to mark task completed")
		return
	}

	logger.Info().Str("task_id", taskID).Dur("elapsed", time.Since(start)).Msg("Task completed")
}

// fail records err on the task. Progress keeps its last value.
func (r *Runner) fail(taskID string, err error, logger arbor.ILogger) {
	message := err.Error()
	if _, updateErr := r.manager.Update(context.Background(), taskID, Patch{
		Status:  Ptr(models.TaskStatusFailed),
		Message: Ptr("Failed: " + message),
		Error:   Ptr(message),
	}); updateErr != nil {
		logger.Warn().Err(updateErr).Str("task_id", taskID).Msg("Failed to mark task failed")
		return
	}
	logger.Error().Err(err).Str("task_id", taskID).Msg("Task failed")
}

// interrupt fails a task stopped by Shutdown rather than by its user
func (r *Runner) interrupt(taskID string, logger arbor.ILogger) {
	if _, err := r.manager.Update(context.Background(), taskID, Patch{
		Status:  Ptr(models.TaskStatusFailed),
		Message: Ptr(ShutdownMessage),
		Error:   Ptr(ShutdownMessage),
	}); err != nil {
		logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to mark interrupted task")
		return
	}
	logger.Warn().Str("task_id", taskID).Msg("Task interrupted by shutdown")
}

// Shutdown cancels the runner context and waits up to timeout for workflows to return
func (r *Runner) Shutdown(timeout time.Duration) {
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		r.logger.Warn().Dur("timeout", timeout).Msg("Task runner shutdown timed out with workflows still running")
	}
}

// Progress is the workflow's handle on its task
type Progress struct {
	manager *Manager
	taskID  string
	logger  arbor.ILogger
}

// TaskID returns the id of the task being run
func (p *Progress) TaskID() string {
	return p.taskID
}

// Logger returns the task-scoped logger
func (p *Progress) Logger() arbor.ILogger {
	return p.logger
}

// Report updates progress and message. Returns ErrCancelled once the task was cancelled.
func (p *Progress) Report(ctx context.Context, percent int, message string) error {
	_, err := p.manager.Update(ctx, p.taskID, Patch{
		Progress: Ptr(percent),
		Message:  Ptr(message),
	})
	if errors.Is(err, ErrTerminalState) {
		if cancelled, _ := p.manager.IsCancelled(ctx, p.taskID); cancelled {
			return ErrCancelled
		}
	}
	return err
}

// Checkpoint returns ErrCancelled when the task was cancelled or ctx is done, nil otherwise.
// Workflows call it between steps; work already in flight is never interrupted by it.
func (p *Progress) Checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	cancelled, err := p.manager.IsCancelled(ctx, p.taskID)
	if err != nil {
		return err
	}
	if cancelled {
		return ErrCancelled
	}
	return nil
}

// Proportional maps done/total onto the lo..hi progress range
func Proportional(done, total, lo, hi int) int {
	if total <= 0 {
		return hi
	}
	if done < 0 {
		done = 0
	}
	if done > total {
		done = total
	}
	return lo + (hi-lo)*done/total
}
