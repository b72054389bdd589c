package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dispatch/internal/common"
	"github.com/ternarybob/dispatch/internal/interfaces"
	"github.com/ternarybob/dispatch/internal/ledger"
	"github.com/ternarybob/dispatch/internal/models"
	"github.com/ternarybob/dispatch/internal/quota"
	"github.com/ternarybob/dispatch/internal/storage/badger"
)

// fakeGenerator answers prompts through fn and tracks concurrency
type fakeGenerator struct {
	fn func(ctx context.Context, req *interfaces.GenerateRequest) (*interfaces.GenerateResponse, error)

	calls       atomic.Int32
	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (g *fakeGenerator) Generate(ctx context.Context, req *interfaces.GenerateRequest) (*interfaces.GenerateResponse, error) {
	g.calls.Add(1)
	n := g.inflight.Add(1)
	defer g.inflight.Add(-1)
	for {
		peak := g.maxInflight.Load()
		if n <= peak || g.maxInflight.CompareAndSwap(peak, n) {
			break
		}
	}
	return g.fn(ctx, req)
}

func echo(delay time.Duration) func(ctx context.Context, req *interfaces.GenerateRequest) (*interfaces.GenerateResponse, error) {
	return func(ctx context.Context, req *interfaces.GenerateRequest) (*interfaces.GenerateResponse, error) {
		if delay > 0 {
			time.Sleep(delay)
		}
		if strings.HasPrefix(req.Prompt, "fail") {
			return nil, errors.New("upstream rejected " + req.Prompt)
		}
		return &interfaces.GenerateResponse{Text: "re: " + req.Prompt, InputTokens: 10, OutputTokens: 20}, nil
	}
}

type fixture struct {
	manager  *badger.Manager
	usage    *quota.Store
	selector *quota.Selector
	ledger   *ledger.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := arbor.NewLogger()

	manager, err := badger.NewManager(logger, &common.BadgerConfig{Path: filepath.Join(t.TempDir(), "db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	usage := quota.NewStore(manager.UsageStorage(), logger)
	return &fixture{
		manager:  manager,
		usage:    usage,
		selector: quota.NewSelector(usage, logger),
		ledger:   ledger.New(manager.CallStorage(), usage, ledger.DefaultPricing(), logger),
	}
}

func (f *fixture) dispatcher(gen interfaces.Generator, opts Options) *Dispatcher {
	return New(f.selector, f.ledger, gen, arbor.NewLogger(), opts)
}

func (f *fixture) calls(t *testing.T) []*models.APICall {
	t.Helper()
	calls, _, err := f.manager.CallStorage().ListCalls(context.Background(), nil)
	require.NoError(t, err)
	return calls
}

func model(id string, priority, rpm int) models.ModelConfig {
	return models.ModelConfig{
		ID:              id,
		ProviderModelID: "gemini-2.5-flash",
		Priority:        priority,
		RPM:             rpm,
		TPM:             1_000_000,
		RPD:             10_000,
		Enabled:         true,
	}
}

func requests(n int, candidates []models.ModelConfig, prompt func(i int) string) []Request {
	reqs := make([]Request, n)
	for i := range reqs {
		reqs[i] = Request{
			ID:         fmt.Sprintf("req-%02d", i),
			Operation:  "script",
			Sequence:   n - i,
			Prompt:     prompt(i),
			Candidates: candidates,
		}
	}
	return reqs
}

func TestDispatchBatchReturnsOneResultPerRequest(t *testing.T) {
	f := newFixture(t)
	gen := &fakeGenerator{fn: echo(5 * time.Millisecond)}
	d := f.dispatcher(gen, Options{Concurrency: 3})
	candidates := []models.ModelConfig{model("flash", 1, 1000)}

	reqs := requests(12, candidates, func(i int) string {
		if i%4 == 0 {
			return fmt.Sprintf("fail %d", i)
		}
		return fmt.Sprintf("prompt %d", i)
	})

	var (
		mu       sync.Mutex
		progress []int
	)
	results := d.DispatchBatch(context.Background(), reqs, func(done, total int) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 12, total)
		progress = append(progress, done)
	})

	require.Len(t, results, 12)
	ids := map[string]bool{}
	for i, r := range results {
		assert.Equal(t, reqs[i].ID, r.RequestID)
		ids[r.RequestID] = true
		if i%4 == 0 {
			assert.False(t, r.Success)
			assert.Contains(t, r.Error, "upstream rejected")
			assert.Equal(t, "flash", r.ModelID)
		} else {
			assert.True(t, r.Success)
			assert.Equal(t, reqs[i].Prompt, strings.TrimPrefix(r.Text, "re: "))
		}
	}
	assert.Len(t, ids, 12)
	assert.Equal(t, 9, Succeeded(results))

	require.Len(t, progress, 12)
	for i, done := range progress {
		assert.Equal(t, i+1, done)
	}
	assert.LessOrEqual(t, gen.maxInflight.Load(), int32(3))

	counters, err := f.usage.Check(context.Background(), candidates[0])
	require.NoError(t, err)
	assert.Equal(t, 9, counters.Counters.RequestsThisMinute, "only successes consume quota")
	assert.Len(t, f.calls(t), 12)
}

func TestDispatchBatchSpreadsAcrossModelsThenExhausts(t *testing.T) {
	f := newFixture(t)

	var started sync.WaitGroup
	started.Add(3)
	release := make(chan struct{})
	gen := &fakeGenerator{fn: func(ctx context.Context, req *interfaces.GenerateRequest) (*interfaces.GenerateResponse, error) {
		started.Done()
		<-release
		return &interfaces.GenerateResponse{Text: "ok", InputTokens: 1, OutputTokens: 1}, nil
	}}
	go func() {
		started.Wait()
		close(release)
	}()

	d := f.dispatcher(gen, Options{Concurrency: 3})
	candidates := []models.ModelConfig{model("m1", 1, 1), model("m2", 2, 1), model("m3", 3, 1)}

	results := d.DispatchBatch(context.Background(), requests(3, candidates, func(i int) string { return "p" }), nil)

	chosen := map[string]bool{}
	for _, r := range results {
		require.True(t, r.Success, r.Error)
		chosen[r.ModelID] = true
	}
	assert.Equal(t, map[string]bool{"m1": true, "m2": true, "m3": true}, chosen)
	assert.Equal(t, int32(3), gen.maxInflight.Load())

	fourth := d.DispatchBatch(context.Background(), requests(1, candidates, func(i int) string { return "p" }), nil)
	require.Len(t, fourth, 1)
	assert.False(t, fourth[0].Success)
	assert.ErrorIs(t, fourth[0].Err, ErrNoCapacity)
	assert.Equal(t, "all quota limits reached", fourth[0].Error)
	assert.Equal(t, int32(3), gen.calls.Load(), "no upstream call without capacity")

	var exhausted int
	for _, c := range f.calls(t) {
		if c.ModelID == "" {
			exhausted++
			assert.Equal(t, models.CallStatusFailed, c.Status)
		}
	}
	assert.Equal(t, 1, exhausted)
}

func TestDispatchBatchCheckpointStopsNewRequests(t *testing.T) {
	f := newFixture(t)
	gen := &fakeGenerator{fn: echo(0)}
	d := f.dispatcher(gen, Options{Concurrency: 1})

	var checks atomic.Int32
	cancelled := errors.New("task cancelled")
	checkpoint := func(ctx context.Context) error {
		if checks.Add(1) > 2 {
			return cancelled
		}
		return nil
	}

	results := d.DispatchBatch(context.Background(), requests(5, []models.ModelConfig{model("flash", 1, 100)}, func(i int) string { return "p" }), nil, WithCheckpoint(checkpoint), WithTaskID("task_x"))

	require.Len(t, results, 5)
	assert.Equal(t, 2, Succeeded(results))
	assert.Equal(t, int32(2), gen.calls.Load())
	for _, r := range results {
		if !r.Success {
			assert.ErrorIs(t, r.Err, cancelled)
		}
	}

	calls := f.calls(t)
	require.Len(t, calls, 2)
	for _, c := range calls {
		assert.Equal(t, "task_x", c.TaskID)
		assert.Equal(t, models.CallStatusSuccess, c.Status)
	}
}

func TestDispatchBatchContextCancelled(t *testing.T) {
	f := newFixture(t)
	gen := &fakeGenerator{fn: echo(0)}
	d := f.dispatcher(gen, Options{Concurrency: 2})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := d.DispatchBatch(ctx, requests(4, []models.ModelConfig{model("flash", 1, 100)}, func(i int) string { return "p" }), nil)
	require.Len(t, results, 4)
	for _, r := range results {
		assert.False(t, r.Success)
		assert.ErrorIs(t, r.Err, ErrCancelled)
	}
	assert.Equal(t, int32(0), gen.calls.Load())
}

func TestDispatchBatchCallTimeout(t *testing.T) {
	f := newFixture(t)
	gen := &fakeGenerator{fn: func(ctx context.Context, req *interfaces.GenerateRequest) (*interfaces.GenerateResponse, error) {
		if req.Prompt == "slow" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &interfaces.GenerateResponse{Text: "fast"}, nil
	}}
	d := f.dispatcher(gen, Options{Concurrency: 2, CallTimeout: 20 * time.Millisecond})
	flash := model("flash", 1, 100)

	results := d.DispatchBatch(context.Background(), []Request{
		{ID: "slow", Prompt: "slow", Candidates: []models.ModelConfig{flash}},
		{ID: "fast", Prompt: "fast", Candidates: []models.ModelConfig{flash}},
	}, nil)

	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.ErrorIs(t, results[0].Err, context.DeadlineExceeded)
	assert.Contains(t, results[0].Error, "timed out")
	assert.True(t, results[1].Success)

	status, err := f.usage.Check(context.Background(), flash)
	require.NoError(t, err)
	assert.Equal(t, 0, status.InflightRequests)
	assert.Equal(t, 1, status.Counters.RequestsThisMinute)
}

func TestDispatchBatchDuplicateIDs(t *testing.T) {
	f := newFixture(t)
	gen := &fakeGenerator{fn: echo(0)}
	d := f.dispatcher(gen, Options{Concurrency: 2})
	flash := model("flash", 1, 100)

	results := d.DispatchBatch(context.Background(), []Request{
		{ID: "a", Prompt: "one", Candidates: []models.ModelConfig{flash}},
		{ID: "a", Prompt: "two", Candidates: []models.ModelConfig{flash}},
	}, nil)

	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.ErrorIs(t, results[1].Err, ErrDuplicateRequest)
	assert.Equal(t, int32(1), gen.calls.Load())
}

func TestDispatchBatchTagsRateLimitedCalls(t *testing.T) {
	f := newFixture(t)
	gen := &fakeGenerator{fn: func(ctx context.Context, req *interfaces.GenerateRequest) (*interfaces.GenerateResponse, error) {
		return nil, errors.New("429 RESOURCE_EXHAUSTED")
	}}
	d := f.dispatcher(gen, Options{
		Concurrency:   1,
		IsRateLimited: func(err error) bool { return strings.Contains(err.Error(), "429") },
	})

	results := d.DispatchBatch(context.Background(), requests(1, []models.ModelConfig{model("flash", 1, 100)}, func(i int) string { return "p" }), nil)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)

	calls := f.calls(t)
	require.Len(t, calls, 1)
	assert.True(t, calls[0].RateLimited)
	assert.Equal(t, models.CallStatusFailed, calls[0].Status)
}

func TestDispatchBatchRecoversPanics(t *testing.T) {
	f := newFixture(t)
	gen := &fakeGenerator{fn: func(ctx context.Context, req *interfaces.GenerateRequest) (*interfaces.GenerateResponse, error) {
		if req.Prompt == "boom" {
			panic("generator exploded")
		}
		return &interfaces.GenerateResponse{Text: "ok"}, nil
	}}
	d := f.dispatcher(gen, Options{Concurrency: 2})
	flash := model("flash", 1, 100)

	results := d.DispatchBatch(context.Background(), []Request{
		{ID: "boom", Prompt: "boom", Candidates: []models.ModelConfig{flash}},
		{ID: "fine", Prompt: "fine", Candidates: []models.ModelConfig{flash}},
	}, nil)

	require.Len(t, results, 2)
	assert.Contains(t, results[0].Error, "panic")
	assert.True(t, results[1].Success)
}

func TestDispatchBatchPacing(t *testing.T) {
	f := newFixture(t)
	gen := &fakeGenerator{fn: echo(0)}
	d := f.dispatcher(gen, Options{Concurrency: 4, PacingStarts: 1, PacingInterval: 50 * time.Millisecond})

	start := time.Now()
	results := d.DispatchBatch(context.Background(), requests(3, []models.ModelConfig{model("flash", 1, 100)}, func(i int) string { return "p" }), nil)
	elapsed := time.Since(start)

	assert.Equal(t, 3, Succeeded(results))
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
}

func TestDispatchBatchEmpty(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(&fakeGenerator{fn: echo(0)}, Options{})

	called := false
	results := d.DispatchBatch(context.Background(), nil, func(done, total int) { called = true })
	assert.Empty(t, results)
	assert.False(t, called)
}

func TestSortBySequence(t *testing.T) {
	results := []Result{
		{RequestID: "c", Sequence: 3},
		{RequestID: "b", Sequence: 1},
		{RequestID: "a", Sequence: 1},
		{RequestID: "d", Sequence: 2},
	}
	SortBySequence(results)

	var order []string
	for _, r := range results {
		order = append(order, r.RequestID)
	}
	assert.Equal(t, []string{"a", "b", "d", "c"}, order)
	assert.NoError(t, FirstError(results))
}

// contextBoundUsage refuses writes on a done context, as a network backend would
type contextBoundUsage struct {
	interfaces.UsageStorage
}

func (s contextBoundUsage) SaveUsage(ctx context.Context, counters *models.UsageCounters) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.UsageStorage.SaveUsage(ctx, counters)
}

func TestDispatchBatchRecordsCallFinishedAfterCancellation(t *testing.T) {
	f := newFixture(t)
	logger := arbor.NewLogger()
	usage := quota.NewStore(contextBoundUsage{f.manager.UsageStorage()}, logger)
	calls := ledger.New(f.manager.CallStorage(), usage, ledger.DefaultPricing(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gen := &fakeGenerator{fn: func(_ context.Context, req *interfaces.GenerateRequest) (*interfaces.GenerateResponse, error) {
		cancel()
		return &interfaces.GenerateResponse{Text: "done", InputTokens: 10, OutputTokens: 20}, nil
	}}
	d := New(quota.NewSelector(usage, logger), calls, gen, logger, Options{Concurrency: 1})

	flash := model("flash", 1, 10)
	results := d.DispatchBatch(ctx, requests(1, []models.ModelConfig{flash}, func(i int) string { return "p" }), nil)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)

	recorded := f.calls(t)
	require.Len(t, recorded, 1)
	assert.Equal(t, models.CallStatusSuccess, recorded[0].Status)

	counters, err := usage.Snapshot(context.Background(), "flash")
	require.NoError(t, err)
	assert.Equal(t, 1, counters.RequestsThisMinute, "usage of the finished call is committed")
	assert.Equal(t, 30, counters.TokensThisMinute)
}
