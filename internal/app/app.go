// -----------------------------------------------------------------------
// App - Component wiring and lifecycle
// -----------------------------------------------------------------------

package app

import (
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/common"
	"github.com/ternarybob/strata/internal/engine"
	"github.com/ternarybob/strata/internal/handlers"
	"github.com/ternarybob/strata/internal/interfaces"
	"github.com/ternarybob/strata/internal/queue"
	"github.com/ternarybob/strata/internal/services/events"
	"github.com/ternarybob/strata/internal/storage"
	"github.com/ternarybob/strata/internal/workflow"
	"github.com/ternarybob/strata/internal/workflows"
	"github.com/timshannon/badgerhold/v4"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager interfaces.StorageManager
	JobQueue       interfaces.QueueManager
	TaskQueue      interfaces.QueueManager

	EventService interfaces.EventService

	HandlerRegistry *workflow.HandlerRegistry
	JobRegistry     *workflow.JobRegistry

	Machine    *engine.Machine
	Executor   *engine.Executor
	Advancer   *engine.Advancer
	Dispatcher *engine.Dispatcher
	JobPool    *engine.Pool
	TaskPool   *engine.Pool
	Reconciler *engine.Reconciler
	JobService interfaces.JobService

	// HTTP handlers
	APIHandler      *handlers.APIHandler
	JobHandler      *handlers.JobHandler
	WorkflowHandler *handlers.WorkflowHandler
	QueueHandler    *handlers.QueueHandler
	WSHandler       *handlers.WebSocketHandler
	EventSubscriber *handlers.EventSubscriber
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initStorage(); err != nil {
		return nil, err
	}
	if err := app.initQueues(); err != nil {
		app.StorageManager.Close()
		return nil, err
	}
	if err := app.initRegistries(); err != nil {
		app.StorageManager.Close()
		return nil, err
	}
	app.initEngine()
	app.initHandlers()

	return app, nil
}

func (a *App) initStorage() error {
	manager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.StorageManager = manager
	return nil
}

func (a *App) initQueues() error {
	// The badger queue backend shares the state store's database so a task
	// write and its ack observe the same storage.
	db := extractBadgerDB(a.StorageManager)

	jobQueue, err := queue.NewQueueManager(a.Logger, a.Config, a.Config.Queue.JobQueueName, db)
	if err != nil {
		return fmt.Errorf("failed to initialize job queue: %w", err)
	}
	taskQueue, err := queue.NewQueueManager(a.Logger, a.Config, a.Config.Queue.TaskQueueName, db)
	if err != nil {
		jobQueue.Close()
		return fmt.Errorf("failed to initialize task queue: %w", err)
	}

	a.JobQueue = jobQueue
	a.TaskQueue = taskQueue
	return nil
}

func (a *App) initRegistries() error {
	a.HandlerRegistry = workflow.NewHandlerRegistry(a.Logger)
	a.JobRegistry = workflow.NewJobRegistry(a.HandlerRegistry, a.Logger)

	if err := workflows.RegisterAll(a.HandlerRegistry, a.JobRegistry); err != nil {
		return fmt.Errorf("failed to register workflows: %w", err)
	}
	if err := a.JobRegistry.ValidateAll(); err != nil {
		return fmt.Errorf("workflow validation failed: %w", err)
	}
	return nil
}

func (a *App) initEngine() {
	jobs := a.StorageManager.JobStore()
	tasks := a.StorageManager.TaskStore()

	a.EventService = events.NewService(a.Logger)

	a.Advancer = engine.NewAdvancer(jobs, tasks, a.JobRegistry, a.JobQueue, a.EventService, a.Logger)
	a.Machine = engine.NewMachine(jobs, tasks, a.JobRegistry, a.TaskQueue, a.EventService, a.Logger)
	a.Executor = engine.NewExecutor(
		jobs, tasks,
		a.HandlerRegistry, a.JobRegistry,
		a.TaskQueue, a.Advancer, a.EventService,
		a.Config.Engine.GetTaskTimeout(),
		a.Config.Engine.GetTaskLease(),
		a.Logger,
	)
	a.Dispatcher = engine.NewDispatcher(a.Machine, a.Executor)

	// A task message that burns through its receive budget fails its task
	// so the stage still closes.
	a.TaskQueue.SetPoisonHandler(a.Executor.HandlePoisonTask)

	pollInterval := a.Config.Queue.GetPollInterval()
	a.JobPool = engine.NewPool("jobs", a.JobQueue, a.Dispatcher.Dispatch, a.Config.Queue.JobConcurrency, pollInterval, a.Logger)
	a.TaskPool = engine.NewPool("tasks", a.TaskQueue, a.Dispatcher.Dispatch, a.Config.Queue.TaskConcurrency, pollInterval, a.Logger)

	a.Reconciler = engine.NewReconciler(
		jobs, tasks,
		a.JobQueue, a.TaskQueue,
		a.Advancer,
		a.Config.Engine.GetTaskLease(),
		a.Config.Engine.MaxTaskRetries,
		a.Config.Engine.GetReconcileInterval(),
		a.Logger,
	)

	a.JobService = engine.NewService(a.JobRegistry, jobs, tasks, a.JobQueue, a.EventService, a.Logger)
}

func (a *App) initHandlers() {
	queues := []interfaces.QueueManager{a.JobQueue, a.TaskQueue}

	a.APIHandler = handlers.NewAPIHandler()
	a.JobHandler = handlers.NewJobHandler(a.JobService, a.Config.Engine.SubmitRate, a.Config.Engine.SubmitBurst, a.Logger)
	a.WorkflowHandler = handlers.NewWorkflowHandler(a.JobRegistry, a.Logger)
	a.QueueHandler = handlers.NewQueueHandler(queues, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.Logger)
	a.EventSubscriber = handlers.NewEventSubscriber(a.WSHandler, a.EventService, queues, &a.Config.WebSocket, a.Logger)
}

// Start launches the worker pools and the reconciler.
func (a *App) Start() error {
	if err := a.JobPool.Start(); err != nil {
		return err
	}
	if err := a.TaskPool.Start(); err != nil {
		return err
	}
	if err := a.Reconciler.Start(); err != nil {
		return err
	}
	a.EventSubscriber.StartStatusBroadcast()

	a.Logger.Info().
		Int("job_workers", a.Config.Queue.JobConcurrency).
		Int("task_workers", a.Config.Queue.TaskConcurrency).
		Int("workflows", len(a.JobRegistry.Definitions())).
		Msg("Engine started")

	return nil
}

// Close shuts the application down in dependency order: stop intake,
// drain the pools, stop the reconciler, then release queues and storage.
func (a *App) Close() error {
	a.Logger.Info().Msg("Shutting down engine...")

	if a.EventSubscriber != nil {
		a.EventSubscriber.StopStatusBroadcast()
	}
	if a.JobPool != nil {
		a.JobPool.Stop()
	}
	if a.TaskPool != nil {
		a.TaskPool.Stop()
	}
	if a.Reconciler != nil {
		a.Reconciler.Stop()
	}
	if a.WSHandler != nil {
		a.WSHandler.Close()
	}
	if a.EventService != nil {
		a.EventService.Close()
	}
	if a.JobQueue != nil {
		a.JobQueue.Close()
	}
	if a.TaskQueue != nil {
		a.TaskQueue.Close()
	}

	var err error
	if a.StorageManager != nil {
		err = a.StorageManager.Close()
	}

	a.Logger.Info().Msg("Engine stopped")
	return err
}

// extractBadgerDB unwraps the raw Badger handle from the storage manager
// for the badger queue backend. Returns nil for non-badger storage, which
// the queue factory rejects if the badger backend was requested.
func extractBadgerDB(manager interfaces.StorageManager) *badgerdb.DB {
	if store, ok := manager.DB().(*badgerhold.Store); ok {
		return store.Badger()
	}
	return nil
}
