// -----------------------------------------------------------------------
// Last Modified: Wednesday, 14th October 2026 9:41:27 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dispatch/internal/common"
	"github.com/ternarybob/dispatch/internal/dispatch"
	"github.com/ternarybob/dispatch/internal/handlers"
	"github.com/ternarybob/dispatch/internal/interfaces"
	"github.com/ternarybob/dispatch/internal/ledger"
	"github.com/ternarybob/dispatch/internal/quota"
	"github.com/ternarybob/dispatch/internal/services/llm"
	"github.com/ternarybob/dispatch/internal/storage/badger"
	redisstore "github.com/ternarybob/dispatch/internal/storage/redis"
	"github.com/ternarybob/dispatch/internal/tasks"
	"github.com/ternarybob/dispatch/internal/workflows"
)

const runnerShutdownTimeout = 30 * time.Second

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager *badger.Manager
	redisClient    *goredis.Client

	// Quota and accounting
	UsageStore *quota.Store
	Selector   *quota.Selector
	Pricing    ledger.StaticPricing
	Ledger     *ledger.Ledger

	// Dispatch
	Generator  *llm.ProviderFactory
	Dispatcher *dispatch.Dispatcher

	// Task lifecycle
	TaskManager   *tasks.Manager
	TaskRunner    *tasks.Runner
	Janitor       *tasks.Janitor
	BatchWorkflow *workflows.BatchGeneration

	// HTTP handlers
	APIHandler   *handlers.APIHandler
	TaskHandler  *handlers.TaskHandler
	UsageHandler *handlers.UsageHandler
	CallHandler  *handlers.CallHandler
	BatchHandler *handlers.BatchHandler
	WSHandler    *handlers.WebSocketHandler
}

// New initializes the application with all dependencies.
// generator may be nil, in which case the Gemini/Claude provider factory is built from config.
func New(cfg *common.Config, logger arbor.ILogger, generator interfaces.Generator) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	// Initialize database
	if err := app.initDatabase(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize services
	if err := app.initServices(generator); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	// Work orphaned by a previous process is failed before anything new starts
	app.recoverInterrupted()

	// Initialize handlers
	app.initHandlers()

	if err := app.Janitor.Start(cfg.Tasks.CleanupSchedule); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to start task janitor: %w", err)
	}
	app.WSHandler.Start()

	logger.Info().
		Int("models", len(cfg.Models)).
		Int("concurrency", cfg.Scheduler.Concurrency).
		Bool("redis_usage", cfg.Storage.Redis.Enabled).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase opens Badger and, when enabled, connects Redis for usage counters
func (a *App) initDatabase() error {
	storageManager, err := badger.NewManager(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}
	a.StorageManager = storageManager

	if a.Config.Storage.Redis.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		client, err := redisstore.NewClient(ctx, &a.Config.Storage.Redis)
		if err != nil {
			return err
		}
		a.redisClient = client
	}

	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Bool("redis_usage", a.redisClient != nil).
		Msg("Storage layer initialized")

	return nil
}

func (a *App) usageStorage() interfaces.UsageStorage {
	if a.redisClient != nil {
		return redisstore.NewUsageStorage(a.redisClient, a.Config.Storage.Redis.KeyPrefix, a.Logger)
	}
	return a.StorageManager.UsageStorage()
}

// initServices wires the components in dependency order:
// usage store -> selector -> ledger -> generator -> dispatcher -> task manager/runner -> workflows
func (a *App) initServices(generator interfaces.Generator) error {
	cfg := a.Config

	a.UsageStore = quota.NewStore(a.usageStorage(), a.Logger, quota.WithModels(cfg.Models))
	a.Selector = quota.NewSelector(a.UsageStore, a.Logger)

	pricing, err := a.loadPricing()
	if err != nil {
		return err
	}
	a.Pricing = pricing
	a.Ledger = ledger.New(a.StorageManager.CallStorage(), a.UsageStore, pricing, a.Logger, ledger.WithModels(cfg.Models))

	if generator == nil {
		a.Generator = llm.NewProviderFactory(&cfg.Gemini, &cfg.Claude, &cfg.LLM, a.Logger)
		generator = a.Generator
	}

	a.Dispatcher = dispatch.New(a.Selector, a.Ledger, generator, a.Logger, dispatch.Options{
		Concurrency:    cfg.Scheduler.Concurrency,
		PacingStarts:   cfg.Scheduler.PacingStarts,
		PacingInterval: common.ParseDurationOr(cfg.Scheduler.PacingInterval, time.Second),
		CallTimeout:    common.ParseDurationOr(cfg.Scheduler.CallTimeout, 2*time.Minute),
		DefaultTokens:  cfg.Scheduler.DefaultTokens,
		IsRateLimited:  llm.IsRateLimitError,
	})

	a.TaskManager = tasks.NewManager(a.StorageManager.TaskStorage(), a.Logger)
	a.TaskRunner = tasks.NewRunner(a.TaskManager, a.Logger)
	a.Janitor = tasks.NewJanitor(a.TaskManager, common.ParseDurationOr(cfg.Tasks.Retention, 7*24*time.Hour), a.Logger).
		WithCompaction(a.StorageManager.CollectGarbage)

	a.BatchWorkflow = workflows.NewBatchGeneration(a.TaskManager, a.TaskRunner, a.Dispatcher, cfg.Models, a.Logger)

	return nil
}

func (a *App) recoverInterrupted() {
	ctx := context.Background()

	if _, err := a.TaskManager.FailInterrupted(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to recover interrupted tasks")
	}
	if _, err := a.Ledger.AbandonPending(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to recover pending calls")
	}
}

// loadPricing layers built-in rates, the optional YAML file and inline config rates, in that order
func (a *App) loadPricing() (ledger.StaticPricing, error) {
	pricing := ledger.DefaultPricing()

	if a.Config.Pricing.File != "" {
		fromFile, err := ledger.LoadPricingFile(a.Config.Pricing.File)
		if err != nil {
			return nil, fmt.Errorf("failed to load pricing file: %w", err)
		}
		for _, rate := range fromFile {
			pricing.Merge(rate)
		}
		a.Logger.Info().
			Str("file", a.Config.Pricing.File).
			Int("rates", len(fromFile)).
			Msg("Pricing file loaded")
	}

	pricing.Merge(a.Config.Pricing.Rates...)
	return pricing, nil
}

func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(len(a.Config.Models), a.Logger)
	a.TaskHandler = handlers.NewTaskHandler(a.TaskManager, a.Logger)
	a.UsageHandler = handlers.NewUsageHandler(a.UsageStore, a.Config.Models, a.Logger)
	a.CallHandler = handlers.NewCallHandler(a.Ledger, a.Logger)
	a.BatchHandler = handlers.NewBatchHandler(a.BatchWorkflow, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(
		a.TaskManager,
		common.ParseDurationOr(a.Config.Tasks.ProgressThrottle, 500*time.Millisecond),
		a.Logger,
	)
}

// Close stops background work and closes all application resources
func (a *App) Close() error {
	if a.Janitor != nil {
		a.Janitor.Stop()
	}

	// Running workflows are cancelled and awaited so their ledger rows are final before storage closes
	if a.TaskRunner != nil {
		a.TaskRunner.Shutdown(runnerShutdownTimeout)
	}

	if a.WSHandler != nil {
		a.WSHandler.Stop()
	}

	if a.Generator != nil {
		if err := a.Generator.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close LLM provider clients")
		}
	}

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close redis client")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
