// Package dispatch runs batches of independent generation requests with bounded concurrency and pacing.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/dispatch/internal/interfaces"
	"github.com/ternarybob/dispatch/internal/ledger"
	"github.com/ternarybob/dispatch/internal/models"
)

// Options configures a Dispatcher
type Options struct {
	Concurrency    int           // Max requests in flight per batch
	PacingStarts   int           // At most PacingStarts request starts per PacingInterval, 0 disables
	PacingInterval time.Duration
	CallTimeout    time.Duration // Deadline for a single upstream call, 0 means none
	DefaultTokens  int           // Estimate used when a request carries none

	// IsRateLimited tags upstream quota rejections in the ledger
	IsRateLimited func(error) bool
}

// BatchOption customizes one DispatchBatch call
type BatchOption func(*batchConfig)

type batchConfig struct {
	checkpoint  CheckpointFunc
	taskID      string
	concurrency int
}

// WithCheckpoint sets the cancellation check run before each request starts
func WithCheckpoint(fn CheckpointFunc) BatchOption {
	return func(c *batchConfig) {
		c.checkpoint = fn
	}
}

// WithTaskID tags every ledger row of the batch with the owning task
func WithTaskID(taskID string) BatchOption {
	return func(c *batchConfig) {
		c.taskID = taskID
	}
}

// WithConcurrency overrides the dispatcher's concurrency for one batch
func WithConcurrency(n int) BatchOption {
	return func(c *batchConfig) {
		c.concurrency = n
	}
}

// Dispatcher is the batch dispatcher
type Dispatcher struct {
	selector  ModelSelector
	ledger    CallLedger
	generator interfaces.Generator
	logger    arbor.ILogger
	options   Options
	limiter   *rate.Limiter // Shared by every batch, nil when pacing is off
}

// New creates a dispatcher
func New(selector ModelSelector, calls CallLedger, generator interfaces.Generator, logger arbor.ILogger, options Options) *Dispatcher {
	if options.Concurrency <= 0 {
		options.Concurrency = 1
	}

	var limiter *rate.Limiter
	if options.PacingStarts > 0 && options.PacingInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(options.PacingInterval/time.Duration(options.PacingStarts)), options.PacingStarts)
	}

	return &Dispatcher{
		selector:  selector,
		ledger:    calls,
		generator: generator,
		logger:    logger,
		options:   options,
		limiter:   limiter,
	}
}

// DispatchBatch runs every request and returns exactly one Result per request, in request order.
// Individual failures never abort siblings and never surface as an error.
func (d *Dispatcher) DispatchBatch(ctx context.Context, requests []Request, onProgress ProgressFunc, opts ...BatchOption) []Result {
	cfg := batchConfig{concurrency: d.options.Concurrency}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.concurrency <= 0 {
		cfg.concurrency = 1
	}

	total := len(requests)
	results := make([]Result, total)
	if total == 0 {
		return results
	}

	var (
		mu   sync.Mutex
		done int
	)
	resolve := func(i int, r Result) {
		if r.Err != nil {
			r.Error = r.Err.Error()
		}
		mu.Lock()
		defer mu.Unlock()
		results[i] = r
		done++
		if onProgress != nil {
			onProgress(done, total)
		}
	}

	start := time.Now()
	seen := make(map[string]bool, total)
	sem := make(chan struct{}, cfg.concurrency)
	var wg sync.WaitGroup

	for i, req := range requests {
		if seen[req.ID] {
			resolve(i, failed(req, fmt.Errorf("%w: %s", ErrDuplicateRequest, req.ID)))
			continue
		}
		seen[req.ID] = true

		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				resolve(i, failed(req, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())))
				return
			}
			defer func() { <-sem }()

			resolve(i, d.runSafe(ctx, req, &cfg))
		}(i, req)
	}
	wg.Wait()

	succeeded := Succeeded(results)
	d.logger.Info().
		Str("task_id", cfg.taskID).
		Int("total", total).
		Int("succeeded", succeeded).
		Int("failed", total-succeeded).
		Dur("elapsed", time.Since(start)).
		Msg("Batch dispatch finished")

	return results
}

// runSafe converts a panic in one request into a failed result
func (d *Dispatcher) runSafe(ctx context.Context, req Request, cfg *batchConfig) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("request_id", req.ID).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("PANIC in batch request - recovered")
			result = failed(req, fmt.Errorf("panic: %v", r))
		}
	}()
	return d.run(ctx, req, cfg)
}

func (d *Dispatcher) run(ctx context.Context, req Request, cfg *batchConfig) Result {
	if err := ctx.Err(); err != nil {
		return failed(req, fmt.Errorf("%w: %v", ErrCancelled, err))
	}
	if cfg.checkpoint != nil {
		if err := cfg.checkpoint(ctx); err != nil {
			return failed(req, err)
		}
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return failed(req, fmt.Errorf("%w: %v", ErrCancelled, err))
		}
	}

	estimated := req.EstimatedTokens
	if estimated <= 0 {
		estimated = d.options.DefaultTokens
	}

	selection, err := d.selector.Select(ctx, req.Candidates, estimated)
	if err != nil {
		return failed(req, fmt.Errorf("model selection failed: %w", err))
	}
	if selection == nil {
		d.recordNoCapacity(ctx, req, cfg.taskID)
		return failed(req, ErrNoCapacity)
	}

	model := selection.Model
	callID, err := d.ledger.Begin(ctx, req.Operation, model.ID, cfg.taskID)
	if err != nil {
		d.selector.Release(selection.Reservation)
		return failed(req, err)
	}

	resp, callErr := d.generate(ctx, model, req)

	outcome := ledger.Outcome{Reservation: selection.Reservation}
	if callErr != nil {
		outcome.Status = models.CallStatusFailed
		outcome.Err = callErr
		outcome.RateLimited = d.options.IsRateLimited != nil && d.options.IsRateLimited(callErr)
	} else {
		outcome.Status = models.CallStatusSuccess
		outcome.InputTokens = resp.InputTokens
		outcome.OutputTokens = resp.OutputTokens
	}

	// The call already happened; its row and usage are recorded even if the batch was cancelled meanwhile
	if err := d.ledger.Complete(context.WithoutCancel(ctx), callID, outcome); err != nil {
		d.logger.Error().
			Err(err).
			Str("call_id", callID).
			Str("request_id", req.ID).
			Msg("Failed to complete ledger record")
	}

	if callErr != nil {
		d.logger.Warn().
			Err(callErr).
			Str("request_id", req.ID).
			Str("model_id", model.ID).
			Bool("rate_limited", outcome.RateLimited).
			Msg("Generation call failed")

		r := failed(req, callErr)
		r.ModelID = model.ID
		r.CallID = callID
		return r
	}

	return Result{
		RequestID:    req.ID,
		Sequence:     req.Sequence,
		Success:      true,
		Text:         resp.Text,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		ModelID:      model.ID,
		CallID:       callID,
	}
}

func (d *Dispatcher) generate(ctx context.Context, model models.ModelConfig, req Request) (*interfaces.GenerateResponse, error) {
	callCtx := ctx
	if d.options.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.options.CallTimeout)
		defer cancel()
	}

	resp, err := d.generator.Generate(callCtx, &interfaces.GenerateRequest{
		Model:       model.ProviderModelID,
		APIKey:      model.APIKey,
		Prompt:      req.Prompt,
		System:      req.Params.System,
		Temperature: req.Params.Temperature,
		MaxTokens:   req.Params.MaxTokens,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("call timed out after %s: %w", d.options.CallTimeout, err)
		}
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("generator returned no response")
	}
	return resp, nil
}

// recordNoCapacity writes a failed ledger row with no model so exhaustion shows up in reports
func (d *Dispatcher) recordNoCapacity(ctx context.Context, req Request, taskID string) {
	callID, err := d.ledger.Begin(ctx, req.Operation, "", taskID)
	if err != nil {
		d.logger.Warn().Err(err).Str("request_id", req.ID).Msg("Failed to record capacity exhaustion")
		return
	}
	if err := d.ledger.Complete(context.WithoutCancel(ctx), callID, ledger.Outcome{Status: models.CallStatusFailed, Err: ErrNoCapacity}); err != nil {
		d.logger.Warn().Err(err).Str("call_id", callID).Msg("Failed to record capacity exhaustion")
	}
}

func failed(req Request, err error) Result {
	return Result{
		RequestID: req.ID,
		Sequence:  req.Sequence,
		Err:       err,
	}
}
