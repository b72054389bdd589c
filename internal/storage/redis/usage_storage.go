// Package redis keeps per-model usage counters in Redis, for deployments where quota
// state must outlive the host's local disk. Each model is a hash; a set indexes the known model ids.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dispatch/internal/common"
	"github.com/ternarybob/dispatch/internal/interfaces"
	"github.com/ternarybob/dispatch/internal/models"
)

// Idle counters expire after this long; any window would have reset by then anyway
const usageTTL = 48 * time.Hour

// maxIncrementAttempts bounds optimistic retries when another process commits to the same model
const maxIncrementAttempts = 50

const (
	fieldRequestsMinute = "requests_minute"
	fieldTokensMinute   = "tokens_minute"
	fieldMinuteStart    = "minute_start"
	fieldRequestsDay    = "requests_day"
	fieldDayStart       = "day_start"
	fieldUpdatedAt      = "updated_at"
)

// UsageStorage implements interfaces.SharedUsageStorage on Redis hashes
type UsageStorage struct {
	client *redis.Client
	prefix string
	logger arbor.ILogger
}

var _ interfaces.SharedUsageStorage = (*UsageStorage)(nil)

// NewClient connects to Redis and verifies connectivity
func NewClient(ctx context.Context, config *common.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", config.Addr, err)
	}
	return client, nil
}

// NewUsageStorage creates a usage storage on an existing client. Keys are prefix + model id.
func NewUsageStorage(client *redis.Client, prefix string, logger arbor.ILogger) *UsageStorage {
	if prefix == "" {
		prefix = "dispatch:usage:"
	}
	return &UsageStorage{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

func (s *UsageStorage) key(modelID string) string {
	return s.prefix + modelID
}

func (s *UsageStorage) indexKey() string {
	return s.prefix + "_models"
}

func (s *UsageStorage) GetUsage(ctx context.Context, modelID string) (*models.UsageCounters, error) {
	values, err := s.client.HGetAll(ctx, s.key(modelID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get usage for %s: %w", modelID, err)
	}
	if len(values) == 0 {
		return nil, interfaces.ErrNotFound
	}
	return decodeCounters(modelID, values)
}

func (s *UsageStorage) SaveUsage(ctx context.Context, counters *models.UsageCounters) error {
	if counters.ModelID == "" {
		return fmt.Errorf("model ID is required")
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.write(ctx, pipe, counters)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save usage for %s: %w", counters.ModelID, err)
	}
	return nil
}

// IncrementUsage is a WATCH/MULTI read-modify-write of the model's hash, retried when another
// client changed the hash between the read and EXEC
func (s *UsageStorage) IncrementUsage(ctx context.Context, modelID string, tokens int, now time.Time) (*models.UsageCounters, error) {
	if modelID == "" {
		return nil, fmt.Errorf("model ID is required")
	}

	key := s.key(modelID)
	var stored *models.UsageCounters

	increment := func(tx *redis.Tx) error {
		values, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}

		counters := &models.UsageCounters{ModelID: modelID}
		if len(values) > 0 {
			if counters, err = decodeCounters(modelID, values); err != nil {
				return err
			}
		}

		counters.ResetExpired(now)
		counters.RequestsThisMinute++
		counters.TokensThisMinute += tokens
		counters.RequestsToday++
		counters.UpdatedAt = now

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.write(ctx, pipe, counters)
			return nil
		})
		if err == nil {
			stored = counters
		}
		return err
	}

	for attempt := 1; attempt <= maxIncrementAttempts; attempt++ {
		err := s.client.Watch(ctx, increment, key)
		if err == nil {
			return stored, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, fmt.Errorf("failed to increment usage for %s: %w", modelID, err)
		}
		s.logger.Debug().Str("model_id", modelID).Int("attempt", attempt).Msg("Usage increment contended, retrying")
	}
	return nil, fmt.Errorf("failed to increment usage for %s: still contended after %d attempts", modelID, maxIncrementAttempts)
}

func (s *UsageStorage) write(ctx context.Context, pipe redis.Pipeliner, counters *models.UsageCounters) {
	key := s.key(counters.ModelID)
	pipe.HSet(ctx, key,
		fieldRequestsMinute, counters.RequestsThisMinute,
		fieldTokensMinute, counters.TokensThisMinute,
		fieldMinuteStart, counters.MinuteWindowStart.UnixNano(),
		fieldRequestsDay, counters.RequestsToday,
		fieldDayStart, counters.DayWindowStart.UnixNano(),
		fieldUpdatedAt, counters.UpdatedAt.UnixNano(),
	)
	pipe.Expire(ctx, key, usageTTL)
	pipe.SAdd(ctx, s.indexKey(), counters.ModelID)
}

func (s *UsageStorage) ListUsage(ctx context.Context) ([]*models.UsageCounters, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}

	result := make([]*models.UsageCounters, 0, len(ids))
	for _, id := range ids {
		counters, err := s.GetUsage(ctx, id)
		if errors.Is(err, interfaces.ErrNotFound) {
			// Hash expired; drop the stale index entry
			s.client.SRem(ctx, s.indexKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, counters)
	}
	return result, nil
}

func (s *UsageStorage) DeleteUsage(ctx context.Context, modelID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(modelID))
		pipe.SRem(ctx, s.indexKey(), modelID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete usage for %s: %w", modelID, err)
	}
	return nil
}

func decodeCounters(modelID string, values map[string]string) (*models.UsageCounters, error) {
	counters := &models.UsageCounters{ModelID: modelID}

	ints := map[string]*int{
		fieldRequestsMinute: &counters.RequestsThisMinute,
		fieldTokensMinute:   &counters.TokensThisMinute,
		fieldRequestsDay:    &counters.RequestsToday,
	}
	for field, dest := range ints {
		if raw, ok := values[field]; ok {
			v, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("corrupt usage field %s for %s: %w", field, modelID, err)
			}
			*dest = v
		}
	}

	times := map[string]*time.Time{
		fieldMinuteStart: &counters.MinuteWindowStart,
		fieldDayStart:    &counters.DayWindowStart,
		fieldUpdatedAt:   &counters.UpdatedAt,
	}
	for field, dest := range times {
		if raw, ok := values[field]; ok {
			nanos, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("corrupt usage field %s for %s: %w", field, modelID, err)
			}
			if nanos > 0 {
				*dest = time.Unix(0, nanos).UTC()
			}
		}
	}

	return counters, nil
}
