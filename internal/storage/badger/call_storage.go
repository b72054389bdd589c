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

// CallStorage persists API call ledger rows in Badger
type CallStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewCallStorage creates a new CallStorage instance
func NewCallStorage(db *BadgerDB, logger arbor.ILogger) *CallStorage {
	return &CallStorage{
		db:     db,
		logger: logger,
	}
}

func (s *CallStorage) SaveCall(ctx context.Context, call *models.APICall) error {
	if call.ID == "" {
		return fmt.Errorf("call ID is required")
	}
	if err := s.db.Store().Upsert(call.ID, call); err != nil {
		return fmt.Errorf("failed to save call: %w", err)
	}
	return nil
}

func (s *CallStorage) GetCall(ctx context.Context, id string) (*models.APICall, error) {
	var call models.APICall
	if err := s.db.Store().Get(id, &call); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}
	return &call, nil
}

func (s *CallStorage) ListCalls(ctx context.Context, opts *interfaces.CallListOptions) ([]*models.APICall, int, error) {
	if opts == nil {
		opts = &interfaces.CallListOptions{}
	}

	total, err := s.db.Store().Count(&models.APICall{}, callFilter(opts))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count calls: %w", err)
	}

	query := callFilter(opts).SortBy("StartedAt").Reverse()
	if opts.Offset > 0 {
		query = query.Skip(opts.Offset)
	}
	if opts.Limit > 0 {
		query = query.Limit(opts.Limit)
	}

	var calls []models.APICall
	if err := s.db.Store().Find(&calls, query); err != nil {
		return nil, 0, fmt.Errorf("failed to list calls: %w", err)
	}

	result := make([]*models.APICall, len(calls))
	for i := range calls {
		result[i] = &calls[i]
	}
	return result, int(total), nil
}

// callFilter builds a fresh query for the filter part of opts; badgerhold queries are mutable
func callFilter(opts *interfaces.CallListOptions) *badgerhold.Query {
	query := badgerhold.Where("ID").Ne("")
	if opts.ModelID != "" {
		query = query.And("ModelID").Eq(opts.ModelID)
	}
	if opts.Operation != "" {
		query = query.And("Operation").Eq(opts.Operation)
	}
	if opts.TaskID != "" {
		query = query.And("TaskID").Eq(opts.TaskID)
	}
	if opts.Status != "" {
		query = query.And("Status").Eq(opts.Status)
	}
	if !opts.Since.IsZero() {
		query = query.And("StartedAt").Ge(opts.Since)
	}
	return query
}
