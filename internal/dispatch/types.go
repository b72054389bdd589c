package dispatch

import (
	"context"
	"errors"
	"sort"

	"github.com/ternarybob/dispatch/internal/ledger"
	"github.com/ternarybob/dispatch/internal/models"
	"github.com/ternarybob/dispatch/internal/quota"
)

var (
	// ErrNoCapacity means every candidate model is at one of its limits
	ErrNoCapacity = errors.New("all quota limits reached")

	// ErrCancelled marks requests skipped because the batch was cancelled before they started
	ErrCancelled = errors.New("cancelled")

	// ErrDuplicateRequest marks a request whose id already appeared earlier in the batch
	ErrDuplicateRequest = errors.New("duplicate request id")
)

// Params are per-request generation settings
type Params struct {
	System      string  `json:"system,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Request is one independent generation request in a batch
type Request struct {
	ID              string               `json:"id"`
	Operation       string               `json:"operation"`
	Sequence        int                  `json:"sequence"` // Caller ordering key, e.g. chapter number
	Prompt          string               `json:"prompt"`
	Params          Params               `json:"params"`
	EstimatedTokens int                  `json:"estimated_tokens,omitempty"`
	Candidates      []models.ModelConfig `json:"-"`
}

// Result is the terminal outcome of one request. Exactly one Result is produced per Request.
type Result struct {
	RequestID    string `json:"request_id"`
	Sequence     int    `json:"sequence"`
	Success      bool   `json:"success"`
	Text         string `json:"text,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	ModelID      string `json:"model_id,omitempty"`
	CallID       string `json:"call_id,omitempty"`
	Error        string `json:"error,omitempty"`
	Err          error  `json:"-"`
}

// ProgressFunc receives the number of resolved requests. Calls are serialized and done never decreases.
type ProgressFunc func(done, total int)

// CheckpointFunc is consulted before each request starts; a non-nil error skips the request
type CheckpointFunc func(ctx context.Context) error

// ModelSelector picks a model with a quota reservation held, or nil when none has capacity
type ModelSelector interface {
	Select(ctx context.Context, candidates []models.ModelConfig, estimatedTokens int) (*quota.Selection, error)
	Release(res *quota.Reservation)
}

// CallLedger records each upstream attempt and settles its reservation
type CallLedger interface {
	Begin(ctx context.Context, operation, modelID, taskID string) (string, error)
	Complete(ctx context.Context, callID string, outcome ledger.Outcome) error
}

// SortBySequence orders results by their caller sequence key, then request id
func SortBySequence(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Sequence != results[j].Sequence {
			return results[i].Sequence < results[j].Sequence
		}
		return results[i].RequestID < results[j].RequestID
	})
}

// Succeeded counts successful results
func Succeeded(results []Result) int {
	n := 0
	for _, r := range results {
		if r.Success {
			n++
		}
	}
	return n
}

// FirstError returns the first failure in results, or nil
func FirstError(results []Result) error {
	for _, r := range results {
		if !r.Success && r.Err != nil {
			return r.Err
		}
	}
	return nil
}
