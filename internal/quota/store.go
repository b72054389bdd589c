// Package quota tracks per-model usage windows and picks which model serves the next upstream call.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dispatch/internal/interfaces"
	"github.com/ternarybob/dispatch/internal/models"
)

// ErrUnknownModel is returned for a model id the store has never been told about
var ErrUnknownModel = errors.New("unknown model")

// Reservation is a provisional, in-memory claim on one request slot of a model.
// It is settled exactly once, by Commit on success or Release on failure.
type Reservation struct {
	ModelID    string
	Tokens     int
	ReservedAt time.Time

	settled bool // guarded by the owning entry's mutex
}

// modelEntry is the hot state of one model. Its mutex makes check-then-reserve atomic per model.
type modelEntry struct {
	mu               sync.Mutex
	loaded           bool
	counters         models.UsageCounters
	inflightRequests int
	inflightTokens   int
}

// Option configures a Store
type Option func(*Store)

// WithClock replaces time.Now, used by tests to cross window boundaries without sleeping
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithModels registers the configured models so lookups by id can be validated
func WithModels(configs []models.ModelConfig) Option {
	return func(s *Store) {
		for _, m := range configs {
			s.known[m.ID] = m
		}
	}
}

// Store is the Usage Counter Store. Counters are loaded lazily from storage on first touch
// and written back after every committed call. Shared storage is re-read on every touch instead,
// so processes see each other's commits; only in-flight reservations stay per process.
type Store struct {
	storage interfaces.UsageStorage
	shared  interfaces.SharedUsageStorage
	logger  arbor.ILogger
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]*modelEntry
	known   map[string]models.ModelConfig
}

// NewStore creates a usage counter store over the given persistence
func NewStore(storage interfaces.UsageStorage, logger arbor.ILogger, opts ...Option) *Store {
	s := &Store{
		storage: storage,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*modelEntry),
		known:   make(map[string]models.ModelConfig),
	}
	if shared, ok := storage.(interfaces.SharedUsageStorage); ok {
		s.shared = shared
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) entry(modelID string) *modelEntry {
	s.mu.RLock()
	e, ok := s.entries[modelID]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[modelID]; ok {
		return e
	}
	e = &modelEntry{}
	s.entries[modelID] = e
	return e
}

func (s *Store) remember(model models.ModelConfig) {
	s.mu.RLock()
	_, ok := s.known[model.ID]
	s.mu.RUnlock()
	if ok {
		return
	}
	s.mu.Lock()
	s.known[model.ID] = model
	s.mu.Unlock()
}

func (s *Store) isKnown(modelID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.known[modelID]
	return ok
}

// load reads persisted counters into the entry. Caller holds e.mu.
func (s *Store) load(ctx context.Context, modelID string, e *modelEntry) error {
	if e.loaded && s.shared == nil {
		return nil
	}

	counters, err := s.storage.GetUsage(ctx, modelID)
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		e.counters = models.UsageCounters{ModelID: modelID}
	case err != nil:
		return fmt.Errorf("failed to load usage for %s: %w", modelID, err)
	default:
		e.counters = *counters
	}

	e.loaded = true
	return nil
}

// TryReserve checks the model against all three limits, counting reservations still in flight,
// and on success records a reservation. Returns false without error when the model is not eligible.
func (s *Store) TryReserve(ctx context.Context, model models.ModelConfig, estimatedTokens int) (*Reservation, bool, error) {
	s.remember(model)

	if !model.HasCapacity() {
		return nil, false, nil
	}
	if estimatedTokens < 0 {
		estimatedTokens = 0
	}

	e := s.entry(model.ID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := s.load(ctx, model.ID, e); err != nil {
		return nil, false, err
	}

	now := s.now()
	e.counters.ResetExpired(now)

	if !eligible(model, &e.counters, e.inflightRequests, e.inflightTokens) {
		return nil, false, nil
	}

	e.inflightRequests++
	e.inflightTokens += estimatedTokens

	s.logger.Debug().
		Str("model_id", model.ID).
		Int("requests_this_minute", e.counters.RequestsThisMinute).
		Int("requests_today", e.counters.RequestsToday).
		Int("inflight", e.inflightRequests).
		Msg("Quota reserved")

	return &Reservation{
		ModelID:    model.ID,
		Tokens:     estimatedTokens,
		ReservedAt: now,
	}, true, nil
}

// Commit settles a reservation as a successful call and persists the incremented counters.
// This is the only path that increments usage.
func (s *Store) Commit(ctx context.Context, res *Reservation, actualTokens int) error {
	if res == nil {
		return fmt.Errorf("commit: nil reservation")
	}
	if actualTokens < 0 {
		actualTokens = 0
	}

	e := s.entry(res.ModelID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if res.settled {
		return nil
	}
	res.settled = true
	e.inflightRequests--
	e.inflightTokens -= res.Tokens

	now := s.now()
	if s.shared != nil {
		counters, err := s.shared.IncrementUsage(ctx, res.ModelID, actualTokens, now)
		if err != nil {
			return fmt.Errorf("failed to persist usage for %s: %w", res.ModelID, err)
		}
		e.counters = *counters
		e.loaded = true
		return nil
	}

	if err := s.load(ctx, res.ModelID, e); err != nil {
		return err
	}

	e.counters.ResetExpired(now)
	e.counters.RequestsThisMinute++
	e.counters.TokensThisMinute += actualTokens
	e.counters.RequestsToday++
	e.counters.UpdatedAt = now

	snapshot := e.counters
	if err := s.storage.SaveUsage(ctx, &snapshot); err != nil {
		return fmt.Errorf("failed to persist usage for %s: %w", res.ModelID, err)
	}
	return nil
}

// Release settles a reservation without consuming quota
func (s *Store) Release(res *Reservation) {
	if res == nil {
		return
	}

	e := s.entry(res.ModelID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if res.settled {
		return
	}
	res.settled = true
	e.inflightRequests--
	e.inflightTokens -= res.Tokens
}

// Status is a point-in-time view of one model's usage
type Status struct {
	Counters         models.UsageCounters
	InflightRequests int
	Eligible         bool
}

// Check returns the model's counters after a lazy window reset and whether it would be admitted now.
// It reserves nothing.
func (s *Store) Check(ctx context.Context, model models.ModelConfig) (*Status, error) {
	s.remember(model)

	e := s.entry(model.ID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := s.load(ctx, model.ID, e); err != nil {
		return nil, err
	}
	e.counters.ResetExpired(s.now())

	return &Status{
		Counters:         e.counters,
		InflightRequests: e.inflightRequests,
		Eligible:         model.Enabled && model.HasCapacity() && eligible(model, &e.counters, e.inflightRequests, e.inflightTokens),
	}, nil
}

// Snapshot returns a copy of the model's counters after a lazy window reset
func (s *Store) Snapshot(ctx context.Context, modelID string) (*models.UsageCounters, error) {
	if !s.isKnown(modelID) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}

	e := s.entry(modelID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := s.load(ctx, modelID, e); err != nil {
		return nil, err
	}
	e.counters.ResetExpired(s.now())

	counters := e.counters
	return &counters, nil
}

// Reset clears a model's counters in memory and storage. In-flight reservations are kept.
func (s *Store) Reset(ctx context.Context, modelID string) error {
	if !s.isKnown(modelID) {
		return fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}

	e := s.entry(modelID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := s.storage.DeleteUsage(ctx, modelID); err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		return fmt.Errorf("failed to reset usage for %s: %w", modelID, err)
	}
	e.counters = models.UsageCounters{ModelID: modelID}
	e.loaded = true

	s.logger.Info().Str("model_id", modelID).Msg("Usage counters reset")
	return nil
}

func eligible(model models.ModelConfig, c *models.UsageCounters, inflightRequests, inflightTokens int) bool {
	return c.RequestsThisMinute+inflightRequests < model.RPM &&
		c.TokensThisMinute+inflightTokens < model.TPM &&
		c.RequestsToday+inflightRequests < model.RPD
}
