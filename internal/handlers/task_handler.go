package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dispatch/internal/interfaces"
	"github.com/ternarybob/dispatch/internal/models"
	"github.com/ternarybob/dispatch/internal/tasks"
)

const (
	defaultTaskLimit = 50
	maxTaskLimit     = 500
)

// TaskHandler serves the progress polling API
type TaskHandler struct {
	manager *tasks.Manager
	logger  arbor.ILogger
}

func NewTaskHandler(manager *tasks.Manager, logger arbor.ILogger) *TaskHandler {
	return &TaskHandler{
		manager: manager,
		logger:  logger,
	}
}

// ListTasksHandler returns tasks newest first
// GET /api/tasks?status=&type=&resource_id=&limit=&offset=
func (h *TaskHandler) ListTasksHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	query := r.URL.Query()
	limit, offset := GetLimitOffset(r, defaultTaskLimit, maxTaskLimit)
	opts := tasks.ListOptions{
		Status:     models.TaskStatus(query.Get("status")),
		Type:       models.TaskType(query.Get("type")),
		ResourceID: query.Get("resource_id"),
		Limit:      limit,
		Offset:     offset,
	}

	list, err := h.manager.List(r.Context(), opts)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list tasks")
		WriteError(w, http.StatusInternalServerError, "Failed to list tasks")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"tasks":  list,
		"count":  len(list),
		"limit":  limit,
		"offset": offset,
	})
}

// ActiveTasksHandler returns pending and running tasks
// GET /api/tasks/active
func (h *TaskHandler) ActiveTasksHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	list, err := h.manager.ListActive(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list active tasks")
		WriteError(w, http.StatusInternalServerError, "Failed to list active tasks")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": list,
		"count": len(list),
	})
}

// GetTaskHandler returns one task
// GET /api/tasks/{id}
func (h *TaskHandler) GetTaskHandler(w http.ResponseWriter, r *http.Request) {
	taskID := PathSegment(r, 2)
	if taskID == "" {
		WriteError(w, http.StatusBadRequest, "Task ID is required")
		return
	}

	task, err := h.manager.Get(r.Context(), taskID)
	if err != nil {
		h.writeTaskError(w, taskID, err, "Failed to get task")
		return
	}

	WriteJSON(w, http.StatusOK, task)
}

// CancelTaskHandler requests cancellation. In-flight upstream calls finish; nothing new starts.
// POST /api/tasks/{id}/cancel
func (h *TaskHandler) CancelTaskHandler(w http.ResponseWriter, r *http.Request) {
	taskID := PathSegment(r, 2)
	if taskID == "" {
		WriteError(w, http.StatusBadRequest, "Task ID is required")
		return
	}

	task, err := h.manager.Cancel(r.Context(), taskID)
	if err != nil {
		h.writeTaskError(w, taskID, err, "Failed to cancel task")
		return
	}

	WriteJSON(w, http.StatusOK, task)
}

// DeleteTaskHandler removes a finished task. Active tasks must be cancelled first.
// DELETE /api/tasks/{id}
func (h *TaskHandler) DeleteTaskHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	taskID := PathSegment(r, 2)
	if taskID == "" {
		WriteError(w, http.StatusBadRequest, "Task ID is required")
		return
	}

	task, err := h.manager.Get(ctx, taskID)
	if err != nil {
		h.writeTaskError(w, taskID, err, "Failed to delete task")
		return
	}
	if task.Status.IsActive() {
		WriteError(w, http.StatusConflict, "Task is still active, cancel it first")
		return
	}

	if err := h.manager.Delete(ctx, taskID); err != nil {
		h.writeTaskError(w, taskID, err, "Failed to delete task")
		return
	}

	h.logger.Info().Str("task_id", taskID).Msg("Task deleted")
	WriteSuccess(w, "Task deleted")
}

// DeleteTerminalHandler bulk-deletes terminal tasks finished more than older_than ago (default 24h)
// DELETE /api/tasks/terminal?older_than=24h
func (h *TaskHandler) DeleteTerminalHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "DELETE") {
		return
	}

	olderThan, ok := GetDurationParam(r, "older_than", 24*time.Hour)
	if !ok {
		WriteError(w, http.StatusBadRequest, "older_than must be a duration such as 24h")
		return
	}

	deleted, err := h.manager.DeleteTerminal(r.Context(), olderThan)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to delete terminal tasks")
		WriteError(w, http.StatusInternalServerError, "Failed to delete terminal tasks")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"deleted":    deleted,
		"older_than": olderThan.String(),
	})
}

func (h *TaskHandler) writeTaskError(w http.ResponseWriter, taskID string, err error, message string) {
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		WriteError(w, http.StatusNotFound, "Task not found")
	case errors.Is(err, tasks.ErrTerminalState):
		WriteError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error().Err(err).Str("task_id", taskID).Msg(message)
		WriteError(w, http.StatusInternalServerError, message)
	}
}
