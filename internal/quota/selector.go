package quota

import (
	"context"
	"sort"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dispatch/internal/models"
)

// Selection is the model chosen for one request together with its quota reservation
type Selection struct {
	Model       models.ModelConfig
	Reservation *Reservation
}

// Selector picks the first eligible model in priority order. No load balancing.
type Selector struct {
	store  *Store
	logger arbor.ILogger
}

// NewSelector creates a selector over the usage store
func NewSelector(store *Store, logger arbor.ILogger) *Selector {
	return &Selector{
		store:  store,
		logger: logger,
	}
}

// Store returns the usage store the selector reserves against
func (s *Selector) Store() *Store {
	return s.store
}

// Select returns the highest-priority enabled candidate under all of its limits, with a reservation held.
// A nil Selection with a nil error means no model has capacity; errors are persistence faults only.
func (s *Selector) Select(ctx context.Context, candidates []models.ModelConfig, estimatedTokens int) (*Selection, error) {
	for _, model := range Order(candidates) {
		res, ok, err := s.store.TryReserve(ctx, model, estimatedTokens)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Selection{Model: model, Reservation: res}, nil
		}
	}

	s.logger.Warn().
		Int("candidates", len(candidates)).
		Msg("All quota limits reached")
	return nil, nil
}

// Eligible reports whether the model would be selected right now if it were first in line
func (s *Selector) Eligible(ctx context.Context, model models.ModelConfig) (bool, error) {
	status, err := s.store.Check(ctx, model)
	if err != nil {
		return false, err
	}
	return status.Eligible, nil
}

// Order filters candidates to enabled models with non-zero limits and sorts them by priority.
// Equal priorities keep their configuration order.
func Order(candidates []models.ModelConfig) []models.ModelConfig {
	ordered := make([]models.ModelConfig, 0, len(candidates))
	for _, m := range candidates {
		if m.Enabled && m.HasCapacity() {
			ordered = append(ordered, m)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})
	return ordered
}

// Release returns an unused reservation, for callers that selected a model but never made the call
func (s *Selector) Release(res *Reservation) {
	s.store.Release(res)
}
