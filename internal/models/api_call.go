package models

import "time"

// CallStatus is the lifecycle state of a ledger row
type CallStatus string

const (
	CallStatusPending CallStatus = "pending"
	CallStatusSuccess CallStatus = "success"
	CallStatusFailed  CallStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed
func (s CallStatus) IsTerminal() bool {
	return s == CallStatusSuccess || s == CallStatusFailed
}

// APICall is one append-only ledger row describing a single upstream dispatch attempt.
// It is written PENDING before the call and finalized exactly once.
type APICall struct {
	ID            string     `json:"id"`
	ModelID       string     `json:"model_id,omitempty" badgerhold:"index"` // Empty when no model was available
	Operation     string     `json:"operation" badgerhold:"index"`
	TaskID        string     `json:"task_id,omitempty"`
	Status        CallStatus `json:"status" badgerhold:"index"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	LatencyMs     int64      `json:"latency_ms"`
	InputTokens   int        `json:"input_tokens"`
	OutputTokens  int        `json:"output_tokens"`
	Error         string     `json:"error,omitempty"`
	RateLimited   bool       `json:"rate_limited,omitempty"` // Upstream rejected the call with a quota/429 error
	EstimatedCost float64    `json:"estimated_cost"`
}

// CallTotals is an aggregate row returned by the ledger reports
type CallTotals struct {
	Key           string  `json:"key"` // Model id or operation tag depending on the report
	Calls         int     `json:"calls"`
	Succeeded     int     `json:"succeeded"`
	Failed        int     `json:"failed"`
	Pending       int     `json:"pending"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	EstimatedCost float64 `json:"estimated_cost"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
}

// CallPage is one page of ledger rows
type CallPage struct {
	Calls  []*APICall `json:"calls"`
	Total  int        `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}
