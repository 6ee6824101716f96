// Package app wires configuration, storage, the automation engine and the operator
// surface into one application.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/portalbatch/internal/automation/batch"
	"github.com/ternarybob/portalbatch/internal/automation/frames"
	"github.com/ternarybob/portalbatch/internal/automation/session"
	"github.com/ternarybob/portalbatch/internal/automation/workflow"
	"github.com/ternarybob/portalbatch/internal/common"
	"github.com/ternarybob/portalbatch/internal/handlers"
	"github.com/ternarybob/portalbatch/internal/interfaces"
	"github.com/ternarybob/portalbatch/internal/models"
	"github.com/ternarybob/portalbatch/internal/services/artifacts"
	"github.com/ternarybob/portalbatch/internal/services/browser"
	"github.com/ternarybob/portalbatch/internal/services/events"
	"github.com/ternarybob/portalbatch/internal/services/report"
	"github.com/ternarybob/portalbatch/internal/services/runs"
	"github.com/ternarybob/portalbatch/internal/services/scheduler"
	"github.com/ternarybob/portalbatch/internal/services/source"
	"github.com/ternarybob/portalbatch/internal/storage/badger"
)

// scheduledRunJob is the scheduler job name for unattended runs
const scheduledRunJob = "scheduled-run"

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	ctx       context.Context
	cancelCtx context.CancelFunc

	// Storage
	DB         *badger.BadgerDB
	RunStorage interfaces.RunStorage

	// Engine
	EventService     interfaces.EventService
	SourceService    *source.Service
	ArtifactService  *artifacts.Service
	ReportService    *report.Service
	BrowserFactory   interfaces.BrowserFactory
	Plan             *workflow.Plan
	Processor        *batch.Processor
	Runs             *runs.Controller
	SchedulerService *scheduler.Service

	// HTTP handlers
	APIHandler       *handlers.APIHandler
	RunHandler       *handlers.RunHandler
	SchedulerHandler *handlers.SchedulerHandler
	WSHandler        *handlers.WebSocketHandler
}

// Options let callers replace the browser factory, used by tests and dry runs
type Options struct {
	BrowserFactory interfaces.BrowserFactory
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	return NewWithOptions(cfg, logger, Options{})
}

// NewWithOptions initializes the application, preferring the components in opts
func NewWithOptions(cfg *common.Config, logger arbor.ILogger, opts Options) (*App, error) {
	app := &App{
		Config:         cfg,
		Logger:         logger,
		BrowserFactory: opts.BrowserFactory,
	}
	app.ctx, app.cancelCtx = context.WithCancel(context.Background())

	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initServices(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	if err := app.initScheduler(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	logger.Info().
		Str("portal", cfg.Portal.URL).
		Str("session_mode", cfg.Batch.SessionMode).
		Bool("scheduler_enabled", cfg.Scheduler.Enabled).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase opens the run history store
func (a *App) initDatabase() error {
	db, err := badger.NewBadgerDB(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return err
	}
	a.DB = db
	a.RunStorage = badger.NewRunStorage(db, a.Logger)

	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")
	return nil
}

// initServices builds the engine bottom-up: events, input, artifacts, browser,
// workflow, sessions, processor and the run controller
func (a *App) initServices() error {
	var err error

	a.EventService = events.NewService(a.Logger)
	if err := events.SubscribeLoggerToAllEvents(a.EventService, a.Logger); err != nil {
		return fmt.Errorf("failed to subscribe event logger: %w", err)
	}

	a.SourceService = source.NewService(source.Options{
		Sheet:     a.Config.Input.Sheet,
		HasHeader: a.Config.Input.HasHeader,
	}, a.Logger)

	if a.ArtifactService, err = artifacts.NewService(a.Config.Artifacts.Dir, a.Logger); err != nil {
		return err
	}
	if a.ReportService, err = report.NewService(a.Config.Artifacts.ReportsDir, a.Config.Artifacts.ReportFormats, a.Logger); err != nil {
		return err
	}

	if a.BrowserFactory == nil {
		a.BrowserFactory = browser.NewFactory(a.Config.Browser, a.Logger)
	}

	if a.Plan, err = workflow.LoadPlan(a.Config.Automation.WorkflowFile); err != nil {
		return fmt.Errorf("failed to load workflow: %w", err)
	}
	a.Logger.Debug().
		Str("workflow", workflowName(a.Config.Automation.WorkflowFile)).
		Int("item_steps", len(a.Plan.Item.Steps)).
		Msg("Workflow loaded")

	a.Processor = batch.NewProcessor(a.SourceService, a.newSession, a.Plan, a.EventService, a.Logger)

	policy, err := a.Config.Batch.Policy()
	if err != nil {
		return fmt.Errorf("invalid batch policy: %w", err)
	}
	a.Runs = runs.NewController(a.Processor, a.RunStorage, a.ReportService, runs.Defaults{
		Input:  a.Config.Input.Path,
		Policy: policy,
	}, a.Logger)

	return nil
}

// settings resolves executor tuning from config for one run policy
func (a *App) settings(policy models.RunPolicy) workflow.Settings {
	defaults := workflow.DefaultSettings()
	auto := a.Config.Automation
	return workflow.Settings{
		Limits:          frames.Limits{MaxDepth: auto.FrameMaxDepth, MaxBranching: auto.FrameMaxBranching},
		DefaultAttempts: auto.StepAttempts,
		DefaultDelay:    common.MustDuration(auto.StepDelay, defaults.DefaultDelay),
		VerifyWindow:    common.MustDuration(auto.VerifyWindow, defaults.VerifyWindow),
		PollInterval:    common.MustDuration(auto.PollInterval, defaults.PollInterval),
		StepTimeout:     policy.StepTimeout,
		SnapshotSteps:   a.Config.Artifacts.SnapshotSteps,
	}
}

// newSession is the processor's session factory
func (a *App) newSession(policy models.RunPolicy) batch.Session {
	config := session.Config{
		PortalURL:    a.Config.Portal.URL,
		Username:     a.Config.Portal.Username,
		Password:     a.Config.Portal.Password,
		Role:         a.Config.Portal.Role,
		LoginRetries: a.Config.Automation.LoginRetries,
		DownloadDir:  a.Config.Artifacts.DownloadDir,
	}
	return session.NewManager(a.BrowserFactory, a.Plan, config, a.settings(policy), a.ArtifactService, a.Logger)
}

// initHandlers creates the HTTP and WebSocket handlers
func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.Runs, a.Logger)
	a.RunHandler = handlers.NewRunHandler(a.Runs, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.EventService, a.Runs, a.Logger, &a.Config.WebSocket)

	a.SchedulerService = scheduler.NewService(a.Logger)
	a.SchedulerHandler = handlers.NewSchedulerHandler(a.SchedulerService)
}

// initScheduler registers the unattended run job when enabled
func (a *App) initScheduler() error {
	if !a.Config.Scheduler.Enabled {
		return nil
	}

	err := a.SchedulerService.RegisterJob(scheduledRunJob, a.Config.Scheduler.Schedule, "Process the configured identifier file", a.scheduledRun)
	if err != nil {
		return err
	}
	return a.SchedulerService.Start()
}

// scheduledRun runs one batch inline on the scheduler goroutine
func (a *App) scheduledRun() error {
	report, err := a.Runs.RunSync(a.ctx, runs.StartRequest{Input: a.Config.Scheduler.Input})
	if errors.Is(err, runs.ErrRunInProgress) {
		a.Logger.Warn().Msg("Scheduled run skipped, a run is already in progress")
		return nil
	}
	if err != nil {
		return err
	}
	if report.Error != "" {
		return fmt.Errorf("scheduled run %s: %s", report.ID, report.Error)
	}
	return nil
}

// Close stops the scheduler and any active run, then releases storage
func (a *App) Close() error {
	if a.SchedulerService != nil && a.SchedulerService.IsRunning() {
		if err := a.SchedulerService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler service")
		}
	}

	if a.Runs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		if err := a.Runs.Shutdown(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Active run did not stop cleanly")
		}
		cancel()
	}

	if a.cancelCtx != nil {
		a.cancelCtx()
	}

	if a.WSHandler != nil {
		a.WSHandler.Close()
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}

func workflowName(path string) string {
	if path == "" {
		return "embedded"
	}
	return path
}
