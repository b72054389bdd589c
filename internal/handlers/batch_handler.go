package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dispatch/internal/models"
	"github.com/ternarybob/dispatch/internal/workflows"
)

const maxBatchBody = 8 << 20

// BatchHandler starts batch generation tasks
type BatchHandler struct {
	workflow *workflows.BatchGeneration
	logger   arbor.ILogger
}

func NewBatchHandler(workflow *workflows.BatchGeneration, logger arbor.ILogger) *BatchHandler {
	return &BatchHandler{
		workflow: workflow,
		logger:   logger,
	}
}

// CreateBatchHandler validates the batch, starts it in the background and returns the task id.
// Progress is polled through /api/tasks/{id} or streamed on /ws/tasks.
// POST /api/batches
func (h *BatchHandler) CreateBatchHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var input workflows.BatchInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBody)).Decode(&input); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if len(input.Items) == 0 {
		WriteError(w, http.StatusBadRequest, "Batch has no items")
		return
	}
	for i, item := range input.Items {
		if item.Prompt == "" {
			WriteError(w, http.StatusBadRequest, "Item "+itemLabel(item.ID, i)+" has an empty prompt")
			return
		}
	}

	taskID, err := h.workflow.Start(r.Context(), input)
	if errors.Is(err, workflows.ErrTaskActive) {
		WriteError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("resource_id", input.ResourceID).Msg("Failed to start batch")
		WriteError(w, http.StatusInternalServerError, "Failed to start batch")
		return
	}

	h.logger.Info().
		Str("task_id", taskID).
		Str("resource_id", input.ResourceID).
		Int("items", len(input.Items)).
		Msg("Batch accepted")

	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"task_id": taskID,
		"status":  models.TaskStatusRunning,
		"items":   len(input.Items),
	})
}

func itemLabel(id string, index int) string {
	if id != "" {
		return id
	}
	return "#" + strconv.Itoa(index+1)
}
