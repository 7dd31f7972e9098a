package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/supercomp/internal/browser"
	"github.com/ternarybob/supercomp/internal/common"
	"github.com/ternarybob/supercomp/internal/handlers"
	"github.com/ternarybob/supercomp/internal/interfaces"
	"github.com/ternarybob/supercomp/internal/jobs/evidence"
	"github.com/ternarybob/supercomp/internal/jobs/handoff"
	"github.com/ternarybob/supercomp/internal/jobs/store"
	"github.com/ternarybob/supercomp/internal/jobs/worker"
	"github.com/ternarybob/supercomp/internal/metrics"
	"github.com/ternarybob/supercomp/internal/portal"
	"github.com/ternarybob/supercomp/internal/services/events"
	"github.com/ternarybob/supercomp/internal/services/history"
	"github.com/ternarybob/supercomp/internal/services/lookup"
	"github.com/ternarybob/supercomp/internal/services/notify"
	"github.com/ternarybob/supercomp/internal/services/scheduler"
	"github.com/ternarybob/supercomp/internal/storage"
)

const (
	workerShutdownTimeout = 10 * time.Second
	historyFlushTimeout   = 5 * time.Second
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager

	// Job pipeline
	JobStore      *store.Store
	Handoff       *handoff.Channel
	EvidenceStore *evidence.Store
	Allocator     *browser.Allocator
	Driver        interfaces.PortalDriver
	Workers       *worker.Manager
	Metrics       *metrics.Recorder

	// Services
	EventService     interfaces.EventService
	HistoryService   *history.Service
	LookupService    *lookup.Service
	NotifyService    *notify.Service
	SchedulerService interfaces.SchedulerService

	// HTTP handlers
	APIHandler       *handlers.APIHandler
	JobHandler       *handlers.JobHandler
	LegacyHandler    *handlers.LegacyHandler
	HistoryHandler   *handlers.HistoryHandler
	SchedulerHandler *handlers.SchedulerHandler
	WSHandler        *handlers.WebSocketHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	// Initialize database
	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	app.EventService = events.NewService(app.Logger)
	app.WSHandler = handlers.NewWebSocketHandler(app.EventService, app.Logger, &app.Config.WebSocket)

	if err := app.initServices(); err != nil {
		app.StorageManager.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	if err := app.SchedulerService.Start(); err != nil {
		return nil, fmt.Errorf("failed to start scheduler: %w", err)
	}

	logger.Info().
		Int("max_sessions", cfg.Browser.MaxSessions).
		Bool("notify_enabled", cfg.Notify.Enabled).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase initializes the storage layer (Badger)
func (a *App) initDatabase() error {
	storageManager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}
	a.StorageManager = storageManager
	a.Logger.Debug().Msg("Storage layer initialized")
	return nil
}

// initServices builds the lookup pipeline bottom-up
func (a *App) initServices() error {
	var err error

	a.HistoryService = history.NewService(a.StorageManager.HistoryStorage(), a.Logger)

	a.JobStore = store.New(a.Logger)
	a.Handoff = handoff.New(a.JobStore, a.Logger)

	a.EvidenceStore, err = evidence.NewStore(a.Config.Storage.EvidenceDir, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize evidence store: %w", err)
	}

	a.Allocator = browser.NewAllocator(browserConfig(a.Config), a.Logger)
	a.Driver = portal.NewDriver(a.Allocator, portal.OptionsFromConfig(a.Config), a.Logger)

	var notifier interfaces.Notifier
	if a.Config.Notify.Enabled {
		a.NotifyService = notify.NewService(a.Config.Notify, a.Logger)
		notifier = a.NotifyService
		a.Logger.Info().Strs("to", a.Config.Notify.To).Msg("Operator e-mail notifications enabled")
	}

	a.Workers = worker.NewManager(
		a.JobStore,
		a.Handoff,
		a.EvidenceStore,
		a.Driver,
		notifier,
		worker.Config{
			CaptchaTimeout: common.ParseDurationOr(a.Config.Captcha.Timeout, 5*time.Minute),
			MaxAttempts:    a.Config.Captcha.MaxAttempts,
		},
		a.Logger,
	)

	a.LookupService = lookup.NewService(
		a.JobStore,
		a.Handoff,
		a.EvidenceStore,
		a.HistoryService,
		a.EventService,
		a.Workers,
		a.Config,
		a.Logger,
	)

	a.Metrics = metrics.NewRecorder()
	a.JobStore.OnTransition(a.Metrics.Observe)
	a.JobStore.OnTransition(a.LookupService.OnTransition)

	return a.initScheduler()
}

// initScheduler registers the retention and compaction tasks
func (a *App) initScheduler() error {
	a.SchedulerService = scheduler.NewService(a.Logger)

	if schedule := a.Config.Storage.Badger.CompactionSchedule; schedule != "" && !a.Config.Storage.Badger.InMemory {
		if err := a.SchedulerService.RegisterTask(
			scheduler.CompactionTaskName,
			schedule,
			"Reclaim space left by pruned history records",
			scheduler.RunWithTimeout(10*time.Minute, a.StorageManager.Compact),
		); err != nil {
			return fmt.Errorf("failed to register compaction task: %w", err)
		}
	}

	if a.Config.Jobs.RetentionSchedule == "" {
		a.Logger.Info().Msg("Retention schedule not configured - pruning disabled")
		return nil
	}

	retention := scheduler.NewRetention(
		a.JobStore,
		a.EvidenceStore,
		a.HistoryService,
		common.ParseDurationOr(a.Config.Jobs.Retention, 0),
		a.Config.Jobs.HistoryLimit,
		a.Metrics.Forget,
		a.Logger,
	)

	if err := a.SchedulerService.RegisterTask(
		scheduler.RetentionTaskName,
		a.Config.Jobs.RetentionSchedule,
		"Prune finished jobs, their evidence and old history records",
		scheduler.RunWithTimeout(5*time.Minute, retention.Run),
	); err != nil {
		return fmt.Errorf("failed to register retention task: %w", err)
	}
	return nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(handlers.HealthSources{
		Jobs:     a.JobStore,
		Workers:  a.Workers,
		Browsers: a.Allocator,
		History:  a.LookupService,
		Clients:  a.WSHandler,
	}, a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.LookupService, a.Logger)
	a.LegacyHandler = handlers.NewLegacyHandler(a.LookupService, a.Logger)
	a.HistoryHandler = handlers.NewHistoryHandler(a.LookupService, a.Logger)
	a.SchedulerHandler = handlers.NewSchedulerHandler(a.SchedulerService, a.Logger)
}

func browserConfig(cfg *common.Config) browser.Config {
	return browser.Config{
		MaxSessions:     cfg.Browser.MaxSessions,
		UserAgent:       cfg.Browser.UserAgent,
		Headless:        cfg.Browser.Headless,
		DisableGPU:      true,
		NoSandbox:       true,
		ViewportWidth:   cfg.Browser.ViewportWidth,
		ViewportHeight:  cfg.Browser.ViewportHeight,
		StartupTimeout:  common.ParseDurationOr(cfg.Browser.RequestTimeout, 30*time.Second),
		SessionInterval: common.ParseDurationOr(cfg.Browser.SessionInterval, 0),
	}
}

// Close stops workers first so every active job reaches a terminal state,
// then the scheduler, browsers and storage.
func (a *App) Close() error {
	if a.Workers != nil {
		ctx, cancel := context.WithTimeout(context.Background(), workerShutdownTimeout)
		if err := a.Workers.Shutdown(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Lookup workers did not stop cleanly")
		}
		cancel()
	}

	// Outcome records of jobs failed by the shutdown must land before storage closes
	if a.LookupService != nil {
		ctx, cancel := context.WithTimeout(context.Background(), historyFlushTimeout)
		if err := a.LookupService.Close(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Lookup history not fully written")
		}
		cancel()
	}

	if a.SchedulerService != nil {
		if err := a.SchedulerService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler service")
		}
	}

	if a.Allocator != nil {
		a.Allocator.Shutdown()
		a.Logger.Info().Msg("Browser allocator stopped")
	}

	if a.WSHandler != nil {
		if err := a.WSHandler.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close WebSocket handler")
		}
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
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
