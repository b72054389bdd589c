package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dispatch/internal/interfaces"
	"github.com/ternarybob/dispatch/internal/models"
)

// memoryUsageStorage is an in-memory interfaces.UsageStorage
type memoryUsageStorage struct {
	mu    sync.Mutex
	data  map[string]models.UsageCounters
	saves int
}

func newMemoryUsageStorage() *memoryUsageStorage {
	return &memoryUsageStorage{data: make(map[string]models.UsageCounters)}
}

func (m *memoryUsageStorage) GetUsage(ctx context.Context, modelID string) (*models.UsageCounters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.data[modelID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return &c, nil
}

func (m *memoryUsageStorage) SaveUsage(ctx context.Context, counters *models.UsageCounters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[counters.ModelID] = *counters
	m.saves++
	return nil
}

func (m *memoryUsageStorage) ListUsage(ctx context.Context) ([]*models.UsageCounters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.UsageCounters, 0, len(m.data))
	for _, c := range m.data {
		c := c
		out = append(out, &c)
	}
	return out, nil
}

func (m *memoryUsageStorage) DeleteUsage(ctx context.Context, modelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, modelID)
	return nil
}

// MockUsageStorage is a mock implementation of UsageStorage
type MockUsageStorage struct {
	mock.Mock
}

func (m *MockUsageStorage) GetUsage(ctx context.Context, modelID string) (*models.UsageCounters, error) {
	args := m.Called(ctx, modelID)
	if c, ok := args.Get(0).(*models.UsageCounters); ok {
		return c, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockUsageStorage) SaveUsage(ctx context.Context, counters *models.UsageCounters) error {
	args := m.Called(ctx, counters)
	return args.Error(0)
}

func (m *MockUsageStorage) ListUsage(ctx context.Context) ([]*models.UsageCounters, error) {
	args := m.Called(ctx)
	if c, ok := args.Get(0).([]*models.UsageCounters); ok {
		return c, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockUsageStorage) DeleteUsage(ctx context.Context, modelID string) error {
	args := m.Called(ctx, modelID)
	return args.Error(0)
}

// testClock is a manually advanced clock
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testModel(id string, priority, rpm, tpm, rpd int) models.ModelConfig {
	return models.ModelConfig{
		ID:              id,
		ProviderModelID: "gemini-2.5-flash",
		Priority:        priority,
		RPM:             rpm,
		TPM:             tpm,
		RPD:             rpd,
		Enabled:         true,
	}
}

func TestStoreRespectsRequestsPerMinute(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := NewStore(newMemoryUsageStorage(), arbor.NewLogger(), WithClock(clock.Now))
	model := testModel("flash", 1, 3, 1_000_000, 1000)

	for i := 0; i < 3; i++ {
		res, ok, err := store.TryReserve(ctx, model, 100)
		require.NoError(t, err)
		require.True(t, ok, "reservation %d should be admitted", i)
		require.NoError(t, store.Commit(ctx, res, 100))
		clock.Advance(5 * time.Second)
	}

	_, ok, err := store.TryReserve(ctx, model, 100)
	require.NoError(t, err)
	assert.False(t, ok, "fourth request within the minute must be refused")

	// 60s after the window opened the minute counters reset
	clock.Advance(45 * time.Second)
	res, ok, err := store.TryReserve(ctx, model, 100)
	require.NoError(t, err)
	assert.True(t, ok)
	store.Release(res)
}

func TestStoreInflightReservationsCountAgainstLimits(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newMemoryUsageStorage(), arbor.NewLogger())
	model := testModel("flash", 1, 2, 1_000_000, 1000)

	first, ok, err := store.TryReserve(ctx, model, 10)
	require.NoError(t, err)
	require.True(t, ok)
	second, ok, err := store.TryReserve(ctx, model, 10)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = store.TryReserve(ctx, model, 10)
	require.NoError(t, err)
	assert.False(t, ok, "two in-flight reservations fill rpm=2")

	store.Release(first)
	third, ok, err := store.TryReserve(ctx, model, 10)
	require.NoError(t, err)
	assert.True(t, ok, "a released reservation frees its slot")

	store.Release(second)
	store.Release(third)
}

func TestStoreTokensPerMinute(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newMemoryUsageStorage(), arbor.NewLogger())
	model := testModel("flash", 1, 100, 1000, 1000)

	res, ok, err := store.TryReserve(ctx, model, 200)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.Commit(ctx, res, 1000))

	_, ok, err = store.TryReserve(ctx, model, 1)
	require.NoError(t, err)
	assert.False(t, ok, "tokensThisMinute reached tpm")
}

func TestStoreFailuresNeverConsumeQuota(t *testing.T) {
	ctx := context.Background()
	storage := newMemoryUsageStorage()
	store := NewStore(storage, arbor.NewLogger(), WithModels([]models.ModelConfig{testModel("flash", 1, 10, 100_000, 100)}))
	model := testModel("flash", 1, 10, 100_000, 100)

	for i := 0; i < 5; i++ {
		res, ok, err := store.TryReserve(ctx, model, 50)
		require.NoError(t, err)
		require.True(t, ok)
		store.Release(res)
	}

	res, ok, err := store.TryReserve(ctx, model, 50)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.Commit(ctx, res, 42))

	counters, err := store.Snapshot(ctx, "flash")
	require.NoError(t, err)
	assert.Equal(t, 1, counters.RequestsThisMinute)
	assert.Equal(t, 42, counters.TokensThisMinute)
	assert.Equal(t, 1, counters.RequestsToday)
	assert.Equal(t, 1, storage.saves, "only the successful call is persisted")
}

func TestStoreMinuteResetKeepsDayCounters(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := NewStore(newMemoryUsageStorage(), arbor.NewLogger(), WithClock(clock.Now))
	model := testModel("flash", 1, 1, 100_000, 100)

	res, ok, err := store.TryReserve(ctx, model, 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.Commit(ctx, res, 10))

	status, err := store.Check(ctx, model)
	require.NoError(t, err)
	assert.False(t, status.Eligible)
	assert.Equal(t, 1, status.Counters.RequestsThisMinute)

	clock.Advance(61 * time.Second)

	status, err = store.Check(ctx, model)
	require.NoError(t, err)
	assert.True(t, status.Eligible)
	assert.Equal(t, 0, status.Counters.RequestsThisMinute)
	assert.Equal(t, 0, status.Counters.TokensThisMinute)
	assert.Equal(t, 1, status.Counters.RequestsToday)
}

func TestStoreDayWindowIsRolling24Hours(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := NewStore(newMemoryUsageStorage(), arbor.NewLogger(), WithClock(clock.Now))
	model := testModel("flash", 1, 10, 100_000, 2)

	for i := 0; i < 2; i++ {
		res, ok, err := store.TryReserve(ctx, model, 10)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, store.Commit(ctx, res, 10))
	}

	clock.Advance(23 * time.Hour)
	_, ok, err := store.TryReserve(ctx, model, 10)
	require.NoError(t, err)
	assert.False(t, ok, "rpd still exhausted 23h later")

	clock.Advance(time.Hour)
	res, ok, err := store.TryReserve(ctx, model, 10)
	require.NoError(t, err)
	assert.True(t, ok, "day window rolls over 24h after it started")
	store.Release(res)
}

func TestStoreCountersSurviveRestart(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	storage := newMemoryUsageStorage()
	model := testModel("flash", 1, 1, 100_000, 100)

	first := NewStore(storage, arbor.NewLogger(), WithClock(clock.Now))
	res, ok, err := first.TryReserve(ctx, model, 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, first.Commit(ctx, res, 10))

	restarted := NewStore(storage, arbor.NewLogger(), WithClock(clock.Now))
	_, ok, err = restarted.TryReserve(ctx, model, 10)
	require.NoError(t, err)
	assert.False(t, ok, "persisted counters must be honoured after restart")
}

func TestStoreZeroLimitsNeverEligible(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newMemoryUsageStorage(), arbor.NewLogger())

	for _, model := range []models.ModelConfig{
		testModel("no-rpm", 1, 0, 100, 100),
		testModel("no-tpm", 1, 10, 0, 100),
		testModel("no-rpd", 1, 10, 100, 0),
	} {
		_, ok, err := store.TryReserve(ctx, model, 1)
		require.NoError(t, err)
		assert.False(t, ok, model.ID)
	}
}

func TestStoreSettlesReservationOnce(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newMemoryUsageStorage(), arbor.NewLogger())
	model := testModel("flash", 1, 1, 100_000, 100)

	res, ok, err := store.TryReserve(ctx, model, 10)
	require.NoError(t, err)
	require.True(t, ok)

	store.Release(res)
	store.Release(res)
	require.NoError(t, store.Commit(ctx, res, 10))

	status, err := store.Check(ctx, model)
	require.NoError(t, err)
	assert.Equal(t, 0, status.InflightRequests)
	assert.Equal(t, 0, status.Counters.RequestsThisMinute)
	assert.True(t, status.Eligible)
}

func TestStoreUnknownModel(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newMemoryUsageStorage(), arbor.NewLogger())

	_, err := store.Snapshot(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownModel)
	assert.ErrorIs(t, store.Reset(ctx, "missing"), ErrUnknownModel)
}

func TestStoreReset(t *testing.T) {
	ctx := context.Background()
	storage := newMemoryUsageStorage()
	model := testModel("flash", 1, 1, 100_000, 100)
	store := NewStore(storage, arbor.NewLogger(), WithModels([]models.ModelConfig{model}))

	res, ok, err := store.TryReserve(ctx, model, 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.Commit(ctx, res, 10))

	require.NoError(t, store.Reset(ctx, "flash"))

	counters, err := store.Snapshot(ctx, "flash")
	require.NoError(t, err)
	assert.Equal(t, 0, counters.RequestsToday)
	_, err = storage.GetUsage(ctx, "flash")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestStoreLoadErrorPropagates(t *testing.T) {
	ctx := context.Background()
	storage := new(MockUsageStorage)
	storage.On("GetUsage", mock.Anything, "flash").Return(nil, errors.New("disk unavailable"))

	store := NewStore(storage, arbor.NewLogger())
	_, ok, err := store.TryReserve(ctx, testModel("flash", 1, 1, 100, 100), 1)

	assert.False(t, ok)
	assert.ErrorContains(t, err, "disk unavailable")
	storage.AssertExpectations(t)
}

func TestStoreCommitPersistsCounters(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	storage := new(MockUsageStorage)
	storage.On("GetUsage", mock.Anything, "flash").Return(nil, interfaces.ErrNotFound).Once()
	storage.On("SaveUsage", mock.Anything, mock.MatchedBy(func(c *models.UsageCounters) bool {
		return c.ModelID == "flash" && c.RequestsThisMinute == 1 && c.TokensThisMinute == 77 && c.RequestsToday == 1
	})).Return(nil).Once()

	store := NewStore(storage, arbor.NewLogger(), WithClock(clock.Now))
	res, ok, err := store.TryReserve(ctx, testModel("flash", 1, 5, 1000, 100), 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.Commit(ctx, res, 77))

	storage.AssertExpectations(t)
}
