// Package ledger records every upstream dispatch attempt and settles its quota reservation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dispatch/internal/common"
	"github.com/ternarybob/dispatch/internal/interfaces"
	"github.com/ternarybob/dispatch/internal/models"
	"github.com/ternarybob/dispatch/internal/quota"
)

var (
	// ErrAlreadyCompleted is returned when a call record already holds a terminal status
	ErrAlreadyCompleted = errors.New("call already completed")

	// ErrInterrupted is recorded on calls left PENDING by a previous process
	ErrInterrupted = errors.New("interrupted by restart")
)

// Outcome is the terminal result of one upstream call
type Outcome struct {
	Status       models.CallStatus
	InputTokens  int
	OutputTokens int
	Err          error
	RateLimited  bool
	Reservation  *quota.Reservation // Settled by Complete: committed on success, released on failure
}

// Option configures a Ledger
type Option func(*Ledger)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithModels lets the ledger price calls by the provider model id behind a configured model id
func WithModels(configs []models.ModelConfig) Option {
	return func(l *Ledger) {
		for _, m := range configs {
			l.providerIDs[m.ID] = m.ProviderModelID
		}
	}
}

// Ledger is the API call ledger
type Ledger struct {
	storage interfaces.CallStorage
	usage   *quota.Store
	pricing PricingTable
	logger  arbor.ILogger
	now     func() time.Time

	providerIDs map[string]string

	mu       sync.Mutex
	pending  map[string]*models.APICall // Begun in this process, not yet completed
	unpriced map[string]bool
}

// New creates a ledger. usage may be nil when calls are not quota-tracked.
func New(storage interfaces.CallStorage, usage *quota.Store, pricing PricingTable, logger arbor.ILogger, opts ...Option) *Ledger {
	if pricing == nil {
		pricing = StaticPricing{}
	}
	l := &Ledger{
		storage:     storage,
		usage:       usage,
		pricing:     pricing,
		logger:      logger,
		now:         time.Now,
		providerIDs: make(map[string]string),
		pending:     make(map[string]*models.APICall),
		unpriced:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Begin writes a PENDING record before the upstream call and returns its id.
// modelID is empty when no model was available.
func (l *Ledger) Begin(ctx context.Context, operation, modelID, taskID string) (string, error) {
	call := &models.APICall{
		ID:        common.NewCallID(),
		ModelID:   modelID,
		Operation: operation,
		TaskID:    taskID,
		Status:    models.CallStatusPending,
		StartedAt: l.now(),
	}

	if err := l.storage.SaveCall(ctx, call); err != nil {
		return "", fmt.Errorf("failed to begin call record: %w", err)
	}

	l.mu.Lock()
	l.pending[call.ID] = call
	l.mu.Unlock()

	return call.ID, nil
}

// claim removes a call from the pending set so exactly one Complete proceeds.
// Calls begun before a restart are read back from storage.
func (l *Ledger) claim(ctx context.Context, callID string) (*models.APICall, error) {
	l.mu.Lock()
	call, ok := l.pending[callID]
	if ok {
		delete(l.pending, callID)
	}
	l.mu.Unlock()
	if ok {
		return call, nil
	}

	stored, err := l.storage.GetCall(ctx, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to load call %s: %w", callID, err)
	}
	if stored.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyCompleted, callID, stored.Status)
	}
	return stored, nil
}

// Complete finalizes a call record exactly once, computes its estimated cost and settles the quota
// reservation. A success commits input+output tokens to the usage store; a failure only releases.
func (l *Ledger) Complete(ctx context.Context, callID string, outcome Outcome) error {
	if !outcome.Status.IsTerminal() {
		return fmt.Errorf("complete %s: status %q is not terminal", callID, outcome.Status)
	}

	call, err := l.claim(ctx, callID)
	if err != nil {
		if outcome.Reservation != nil && l.usage != nil {
			l.usage.Release(outcome.Reservation)
		}
		return err
	}

	completedAt := l.now()
	call.Status = outcome.Status
	call.CompletedAt = &completedAt
	call.LatencyMs = completedAt.Sub(call.StartedAt).Milliseconds()
	call.InputTokens = max(outcome.InputTokens, 0)
	call.OutputTokens = max(outcome.OutputTokens, 0)
	call.RateLimited = outcome.RateLimited
	if outcome.Err != nil {
		call.Error = outcome.Err.Error()
	}
	call.EstimatedCost = l.estimateCost(call)

	var settleErr error
	if outcome.Reservation != nil && l.usage != nil {
		if outcome.Status == models.CallStatusSuccess {
			settleErr = l.usage.Commit(ctx, outcome.Reservation, call.InputTokens+call.OutputTokens)
		} else {
			l.usage.Release(outcome.Reservation)
		}
	}

	if err := l.storage.SaveCall(ctx, call); err != nil {
		return fmt.Errorf("failed to complete call record %s: %w", callID, err)
	}

	l.logger.Debug().
		Str("call_id", call.ID).
		Str("model_id", call.ModelID).
		Str("operation", call.Operation).
		Str("status", string(call.Status)).
		Int("input_tokens", call.InputTokens).
		Int("output_tokens", call.OutputTokens).
		Int64("latency_ms", call.LatencyMs).
		Float64("estimated_cost", call.EstimatedCost).
		Msg("Call completed")

	if settleErr != nil {
		return fmt.Errorf("call %s recorded but usage not committed: %w", callID, settleErr)
	}
	return nil
}

// Get returns one call record
func (l *Ledger) Get(ctx context.Context, callID string) (*models.APICall, error) {
	return l.storage.GetCall(ctx, callID)
}

// AbandonPending fails every PENDING row not begun by this ledger. Run it once at startup: the
// process that began those calls is gone, and their reservations died with it.
func (l *Ledger) AbandonPending(ctx context.Context) (int, error) {
	abandoned, skipped := 0, 0
	for {
		calls, _, err := l.storage.ListCalls(ctx, &interfaces.CallListOptions{
			Status: models.CallStatusPending,
			Limit:  maxPageSize,
			Offset: skipped,
		})
		if err != nil {
			return abandoned, fmt.Errorf("failed to list pending calls: %w", err)
		}
		if len(calls) == 0 {
			break
		}

		for _, call := range calls {
			l.mu.Lock()
			_, open := l.pending[call.ID]
			l.mu.Unlock()
			if open {
				skipped++
				continue
			}

			if err := l.Complete(ctx, call.ID, Outcome{Status: models.CallStatusFailed, Err: ErrInterrupted}); err != nil {
				l.logger.Warn().Err(err).Str("call_id", call.ID).Msg("Failed to abandon pending call")
				skipped++
				continue
			}
			abandoned++
		}
	}

	if abandoned > 0 {
		l.logger.Warn().Int("calls", abandoned).Msg("Pending calls from a previous run marked failed")
	}
	return abandoned, nil
}

func (l *Ledger) estimateCost(call *models.APICall) float64 {
	if call.ModelID == "" {
		return 0
	}

	providerID := l.providerIDs[call.ModelID]
	if providerID != "" {
		if rate, ok := l.pricing.Rate(providerID); ok {
			return rate.Cost(call.InputTokens, call.OutputTokens)
		}
	}
	if rate, ok := l.pricing.Rate(call.ModelID); ok {
		return rate.Cost(call.InputTokens, call.OutputTokens)
	}

	l.mu.Lock()
	warned := l.unpriced[call.ModelID]
	l.unpriced[call.ModelID] = true
	l.mu.Unlock()
	if !warned {
		l.logger.Warn().
			Str("model_id", call.ModelID).
			Str("provider_model_id", providerID).
			Msg("No pricing for model, cost recorded as 0")
	}
	return 0
}
