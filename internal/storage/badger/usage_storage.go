package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/dispatch/internal/interfaces"
	"github.com/ternarybob/dispatch/internal/models"
)

// UsageStorage persists per-model usage counters in Badger, keyed by model id
type UsageStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewUsageStorage creates a new UsageStorage instance
func NewUsageStorage(db *BadgerDB, logger arbor.ILogger) *UsageStorage {
	return &UsageStorage{
		db:     db,
		logger: logger,
	}
}

func (s *UsageStorage) GetUsage(ctx context.Context, modelID string) (*models.UsageCounters, error) {
	var counters models.UsageCounters
	if err := s.db.Store().Get(modelID, &counters); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get usage for %s: %w", modelID, err)
	}
	counters.ModelID = modelID
	return &counters, nil
}

func (s *UsageStorage) SaveUsage(ctx context.Context, counters *models.UsageCounters) error {
	if counters.ModelID == "" {
		return fmt.Errorf("model ID is required")
	}
	if err := s.db.Store().Upsert(counters.ModelID, counters); err != nil {
		return fmt.Errorf("failed to save usage for %s: %w", counters.ModelID, err)
	}
	return nil
}

func (s *UsageStorage) ListUsage(ctx context.Context) ([]*models.UsageCounters, error) {
	var rows []models.UsageCounters
	if err := s.db.Store().Find(&rows, badgerhold.Where("ModelID").Ne("").SortBy("ModelID")); err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}

	result := make([]*models.UsageCounters, len(rows))
	for i := range rows {
		result[i] = &rows[i]
	}
	return result, nil
}

func (s *UsageStorage) DeleteUsage(ctx context.Context, modelID string) error {
	err := s.db.Store().Delete(modelID, &models.UsageCounters{})
	if err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
		return fmt.Errorf("failed to delete usage for %s: %w", modelID, err)
	}
	return nil
}
