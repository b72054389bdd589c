package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/dispatch/internal/models"
)

// ErrNotFound is returned by storage when a record does not exist
var ErrNotFound = errors.New("not found")

// UsageStorage persists per-model usage counters so quotas survive restarts.
// Implementations only load and save; window arithmetic and locking belong to the quota store.
type UsageStorage interface {
	// GetUsage returns the stored counters for a model, or ErrNotFound
	GetUsage(ctx context.Context, modelID string) (*models.UsageCounters, error)

	// SaveUsage writes the counters for counters.ModelID, replacing any previous value
	SaveUsage(ctx context.Context, counters *models.UsageCounters) error

	// ListUsage returns every stored counter set
	ListUsage(ctx context.Context) ([]*models.UsageCounters, error)

	// DeleteUsage removes the counters for a model
	DeleteUsage(ctx context.Context, modelID string) error
}

// SharedUsageStorage is implemented by backends that several processes write concurrently.
// The quota store re-reads them before every eligibility check and commits through IncrementUsage.
type SharedUsageStorage interface {
	UsageStorage

	// IncrementUsage atomically resets expired windows at now, then adds one request and tokens.
	// Returns the counters as stored.
	IncrementUsage(ctx context.Context, modelID string, tokens int, now time.Time) (*models.UsageCounters, error)
}

// CallListOptions filters and pages ledger queries. Zero values mean "no filter".
type CallListOptions struct {
	ModelID   string
	Operation string
	TaskID    string
	Status    models.CallStatus
	Since     time.Time
	Limit     int
	Offset    int
}

// CallStorage persists the API call ledger
type CallStorage interface {
	SaveCall(ctx context.Context, call *models.APICall) error
	GetCall(ctx context.Context, id string) (*models.APICall, error)

	// ListCalls returns matching calls newest first plus the total match count before paging
	ListCalls(ctx context.Context, opts *CallListOptions) ([]*models.APICall, int, error)
}

// TaskListOptions filters and pages task queries
type TaskListOptions struct {
	Status     models.TaskStatus
	Type       models.TaskType
	ResourceID string
	Limit      int
	Offset     int
}

// TaskStorage persists task records
type TaskStorage interface {
	SaveTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, opts *TaskListOptions) ([]*models.Task, error)
	DeleteTask(ctx context.Context, id string) error

	// DeleteTerminalTasks removes completed, failed and cancelled tasks finished before the cutoff.
	// Returns the number of removed tasks.
	DeleteTerminalTasks(ctx context.Context, completedBefore time.Time) (int, error)
}
