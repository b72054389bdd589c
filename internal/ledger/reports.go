package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/dispatch/internal/interfaces"
	"github.com/ternarybob/dispatch/internal/models"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// List returns one page of ledger rows, newest first
func (l *Ledger) List(ctx context.Context, opts interfaces.CallListOptions) (*models.CallPage, error) {
	if opts.Limit <= 0 {
		opts.Limit = defaultPageSize
	}
	if opts.Limit > maxPageSize {
		opts.Limit = maxPageSize
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	calls, total, err := l.storage.ListCalls(ctx, &opts)
	if err != nil {
		return nil, err
	}

	return &models.CallPage{
		Calls:  calls,
		Total:  total,
		Limit:  opts.Limit,
		Offset: opts.Offset,
	}, nil
}

// TotalsByModel aggregates calls started at or after since, one row per model id.
// Calls that never got a model are grouped under an empty key.
func (l *Ledger) TotalsByModel(ctx context.Context, since time.Time) ([]models.CallTotals, error) {
	return l.totals(ctx, since, func(c *models.APICall) string { return c.ModelID })
}

// TotalsByOperation aggregates calls started at or after since, one row per operation tag
func (l *Ledger) TotalsByOperation(ctx context.Context, since time.Time) ([]models.CallTotals, error) {
	return l.totals(ctx, since, func(c *models.APICall) string { return c.Operation })
}

func (l *Ledger) totals(ctx context.Context, since time.Time, keyOf func(*models.APICall) string) ([]models.CallTotals, error) {
	calls, _, err := l.storage.ListCalls(ctx, &interfaces.CallListOptions{Since: since})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate calls: %w", err)
	}

	byKey := make(map[string]*models.CallTotals)
	latencySum := make(map[string]int64)
	latencyCount := make(map[string]int)

	for _, c := range calls {
		key := keyOf(c)
		t, ok := byKey[key]
		if !ok {
			t = &models.CallTotals{Key: key}
			byKey[key] = t
		}

		t.Calls++
		switch c.Status {
		case models.CallStatusSuccess:
			t.Succeeded++
		case models.CallStatusFailed:
			t.Failed++
		default:
			t.Pending++
		}
		t.InputTokens += int64(c.InputTokens)
		t.OutputTokens += int64(c.OutputTokens)
		t.EstimatedCost += c.EstimatedCost

		if c.CompletedAt != nil {
			latencySum[key] += c.LatencyMs
			latencyCount[key]++
		}
	}

	result := make([]models.CallTotals, 0, len(byKey))
	for key, t := range byKey {
		if n := latencyCount[key]; n > 0 {
			t.AvgLatencyMs = float64(latencySum[key]) / float64(n)
		}
		result = append(result, *t)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Key < result[j].Key
	})
	return result, nil
}
