package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
)

// Janitor periodically deletes terminal tasks older than the retention age
type Janitor struct {
	manager   *Manager
	logger    arbor.ILogger
	retention time.Duration
	cron      *cron.Cron
	compact   func() (int, error)
	running   bool
}

// NewJanitor creates a janitor. Schedules use six fields, seconds first.
func NewJanitor(manager *Manager, retention time.Duration, logger arbor.ILogger) *Janitor {
	return &Janitor{
		manager:   manager,
		logger:    logger,
		retention: retention,
		cron:      cron.New(cron.WithSeconds()),
	}
}

// WithCompaction runs fn after any sweep that deleted tasks, typically storage garbage collection
func (j *Janitor) WithCompaction(fn func() (int, error)) *Janitor {
	j.compact = fn
	return j
}

// Start schedules cleanup. An empty schedule leaves the janitor idle.
func (j *Janitor) Start(schedule string) error {
	if schedule == "" || j.running {
		return nil
	}

	if _, err := j.cron.AddFunc(schedule, j.runCleanup); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}
	j.cron.Start()
	j.running = true

	j.logger.Info().
		Str("schedule", schedule).
		Dur("retention", j.retention).
		Msg("Task janitor started")
	return nil
}

// Stop halts the schedule and waits for a running cleanup to finish
func (j *Janitor) Stop() {
	if !j.running {
		return
	}
	<-j.cron.Stop().Done()
	j.running = false
	j.logger.Info().Msg("Task janitor stopped")
}

// RunOnce performs one cleanup pass
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	deleted, err := j.manager.DeleteTerminal(ctx, j.retention)
	if err != nil || deleted == 0 || j.compact == nil {
		return deleted, err
	}

	rewritten, err := j.compact()
	if err != nil {
		j.logger.Warn().Err(err).Msg("Storage compaction after task cleanup failed")
		return deleted, nil
	}
	j.logger.Debug().Int("deleted", deleted).Int("files_rewritten", rewritten).Msg("Storage compacted after task cleanup")
	return deleted, nil
}

func (j *Janitor) runCleanup() {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error().Str("panic", fmt.Sprintf("%v", r)).Msg("PANIC RECOVERED in task cleanup")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := j.RunOnce(ctx); err != nil {
		j.logger.Warn().Err(err).Msg("Task cleanup failed")
	}
}
