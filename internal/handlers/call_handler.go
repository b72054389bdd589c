package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dispatch/internal/interfaces"
	"github.com/ternarybob/dispatch/internal/ledger"
	"github.com/ternarybob/dispatch/internal/models"
)

// CallHandler exposes the API call ledger for cost and usage reporting
type CallHandler struct {
	ledger *ledger.Ledger
	logger arbor.ILogger
	now    func() time.Time
}

func NewCallHandler(calls *ledger.Ledger, logger arbor.ILogger) *CallHandler {
	return &CallHandler{
		ledger: calls,
		logger: logger,
		now:    time.Now,
	}
}

// ListCallsHandler returns one page of ledger rows, newest first
// GET /api/calls?model_id=&operation=&status=&task_id=&limit=&offset=
func (h *CallHandler) ListCallsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	query := r.URL.Query()
	limit, offset := GetLimitOffset(r, 50, 500)

	page, err := h.ledger.List(r.Context(), interfaces.CallListOptions{
		ModelID:   query.Get("model_id"),
		Operation: query.Get("operation"),
		TaskID:    query.Get("task_id"),
		Status:    models.CallStatus(query.Get("status")),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list calls")
		WriteError(w, http.StatusInternalServerError, "Failed to list calls")
		return
	}

	WriteJSON(w, http.StatusOK, page)
}

// GetCallHandler returns one ledger row
// GET /api/calls/{id}
func (h *CallHandler) GetCallHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	callID := PathSegment(r, 2)
	call, err := h.ledger.Get(r.Context(), callID)
	if errors.Is(err, interfaces.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "Call not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("call_id", callID).Msg("Failed to get call")
		WriteError(w, http.StatusInternalServerError, "Failed to get call")
		return
	}

	WriteJSON(w, http.StatusOK, call)
}

// TotalsHandler aggregates calls, tokens and estimated cost
// GET /api/calls/totals?by=model|operation&since=24h
func (h *CallHandler) TotalsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	window, ok := GetDurationParam(r, "since", 24*time.Hour)
	if !ok {
		WriteError(w, http.StatusBadRequest, "since must be a duration such as 24h")
		return
	}
	var since time.Time
	if window > 0 {
		since = h.now().Add(-window)
	}

	by := r.URL.Query().Get("by")
	if by == "" {
		by = "model"
	}

	var (
		totals []models.CallTotals
		err    error
	)
	switch by {
	case "model":
		totals, err = h.ledger.TotalsByModel(r.Context(), since)
	case "operation":
		totals, err = h.ledger.TotalsByOperation(r.Context(), since)
	default:
		WriteError(w, http.StatusBadRequest, "by must be model or operation")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("by", by).Msg("Failed to aggregate calls")
		WriteError(w, http.StatusInternalServerError, "Failed to aggregate calls")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"by":     by,
		"since":  since,
		"totals": totals,
	})
}
