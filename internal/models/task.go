package models

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the state of a long-running task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is one of completed, failed or cancelled
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// IsActive reports whether the task is pending or running
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusPending || s == TaskStatusRunning
}

// TaskType names the workflow a task runs
type TaskType string

const (
	TaskTypeBatchGeneration TaskType = "batch_generation"
)

// Task is the persisted, pollable record of one user-initiated long-running operation.
//
// Status moves pending -> running -> completed|failed|cancelled. Once terminal the record is frozen.
type Task struct {
	ID          string          `json:"id"`
	Type        TaskType        `json:"type" badgerhold:"index"`
	ResourceID  string          `json:"resource_id,omitempty" badgerhold:"index"` // Parent resource the task works on (project, channel)
	Status      TaskStatus      `json:"status" badgerhold:"index"`
	Progress    int             `json:"progress"` // 0-100
	Message     string          `json:"message"`
	Result      json.RawMessage `json:"result,omitempty"` // Workflow output, stored as JSON
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Clone returns a copy safe to hand to readers
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.StartedAt != nil {
		s := *t.StartedAt
		c.StartedAt = &s
	}
	if t.CompletedAt != nil {
		e := *t.CompletedAt
		c.CompletedAt = &e
	}
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	return &c
}
