package handlers

import (
	"net/http"
	"sort"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dispatch/internal/models"
	"github.com/ternarybob/dispatch/internal/quota"
)

// ModelUsage is one row of the usage report
type ModelUsage struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	ProviderModelID    string    `json:"provider_model_id"`
	Priority           int       `json:"priority"`
	Enabled            bool      `json:"enabled"`
	RPM                int       `json:"rpm"`
	TPM                int       `json:"tpm"`
	RPD                int       `json:"rpd"`
	RequestsThisMinute int       `json:"requests_this_minute"`
	TokensThisMinute   int       `json:"tokens_this_minute"`
	RequestsToday      int       `json:"requests_today"`
	MinuteWindowStart  time.Time `json:"minute_window_start"`
	DayWindowStart     time.Time `json:"day_window_start"`
	InflightRequests   int       `json:"inflight_requests"`
	Eligible           bool      `json:"eligible"`
}

// UsageHandler reports per-model quota usage
type UsageHandler struct {
	store  *quota.Store
	models []models.ModelConfig
	logger arbor.ILogger
}

func NewUsageHandler(store *quota.Store, configured []models.ModelConfig, logger arbor.ILogger) *UsageHandler {
	return &UsageHandler{
		store:  store,
		models: configured,
		logger: logger,
	}
}

// ListModelsHandler returns every configured model in selection order with its counters and eligibility
// GET /api/usage/models
func (h *UsageHandler) ListModelsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	rows := make([]ModelUsage, 0, len(h.models))
	for _, m := range h.models {
		status, err := h.store.Check(r.Context(), m)
		if err != nil {
			h.logger.Error().Err(err).Str("model_id", m.ID).Msg("Failed to read model usage")
			WriteError(w, http.StatusInternalServerError, "Failed to read model usage")
			return
		}

		rows = append(rows, ModelUsage{
			ID:                 m.ID,
			Name:               m.Name(),
			ProviderModelID:    m.ProviderModelID,
			Priority:           m.Priority,
			Enabled:            m.Enabled,
			RPM:                m.RPM,
			TPM:                m.TPM,
			RPD:                m.RPD,
			RequestsThisMinute: status.Counters.RequestsThisMinute,
			TokensThisMinute:   status.Counters.TokensThisMinute,
			RequestsToday:      status.Counters.RequestsToday,
			MinuteWindowStart:  status.Counters.MinuteWindowStart,
			DayWindowStart:     status.Counters.DayWindowStart,
			InflightRequests:   status.InflightRequests,
			Eligible:           status.Eligible,
		})
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"models": sortByPriority(rows),
	})
}

// ResetModelHandler clears a model's counters
// POST /api/usage/models/{id}/reset
func (h *UsageHandler) ResetModelHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	modelID := PathSegment(r, 3)
	if !h.configured(modelID) {
		WriteError(w, http.StatusNotFound, "Model not found")
		return
	}

	if err := h.store.Reset(r.Context(), modelID); err != nil {
		h.logger.Error().Err(err).Str("model_id", modelID).Msg("Failed to reset model usage")
		WriteError(w, http.StatusInternalServerError, "Failed to reset model usage")
		return
	}

	h.logger.Info().Str("model_id", modelID).Msg("Model usage reset by operator")
	WriteSuccess(w, "Usage reset")
}

func (h *UsageHandler) configured(modelID string) bool {
	for _, m := range h.models {
		if m.ID == modelID {
			return true
		}
	}
	return false
}

func sortByPriority(rows []ModelUsage) []ModelUsage {
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Priority < rows[j].Priority
	})
	return rows
}
