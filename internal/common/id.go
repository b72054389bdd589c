package common

import (
	"github.com/google/uuid"
)

// NewTaskID generates a unique task ID. Format: task_<uuid>
func NewTaskID() string {
	return "task_" + uuid.New().String()
}

// NewCallID generates a unique ledger row ID. Format: call_<uuid>
func NewCallID() string {
	return "call_" + uuid.New().String()
}
