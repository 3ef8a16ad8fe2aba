package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/common"
	"github.com/ternarybob/strata/internal/interfaces"
	"github.com/ternarybob/strata/internal/models"
	"github.com/ternarybob/strata/internal/queue"
	storagebadger "github.com/ternarybob/strata/internal/storage/badger"
	"github.com/ternarybob/strata/internal/workflow"
	"github.com/ternarybob/strata/internal/workflows"
)

// harness wires a complete engine against a throwaway Badger database.
// Tests drive it synchronously by draining the queues through the
// dispatcher, which makes every interleaving deterministic.
type harness struct {
	jobs      interfaces.JobStore
	tasks     interfaces.TaskStore
	handlers  *workflow.HandlerRegistry
	registry  *workflow.JobRegistry
	jobQueue  interfaces.QueueManager
	taskQueue interfaces.QueueManager

	machine    *Machine
	executor   *Executor
	advancer   *Advancer
	dispatcher *Dispatcher
	service    *Service
	reconciler *Reconciler
}

type harnessOptions struct {
	taskTimeout time.Duration
	taskLease   time.Duration
	maxRetries  int
	register    func(*workflow.HandlerRegistry, *workflow.JobRegistry) error
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	logger := arbor.NewLogger()

	db, err := storagebadger.NewBadgerDB(logger, &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "strata-engine-test"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{
		jobs:     storagebadger.NewJobStore(db, logger),
		tasks:    storagebadger.NewTaskStore(db, logger),
		handlers: workflow.NewHandlerRegistry(logger),
	}
	h.registry = workflow.NewJobRegistry(h.handlers, logger)

	require.NoError(t, workflows.RegisterAll(h.handlers, h.registry))
	if opts.register != nil {
		require.NoError(t, opts.register(h.handlers, h.registry))
	}
	require.NoError(t, h.registry.ValidateAll())

	raw := db.Store().Badger()
	jobQueue, err := queue.NewBadgerManager(raw, "test_jobs", time.Minute, 5, logger)
	require.NoError(t, err)
	taskQueue, err := queue.NewBadgerManager(raw, "test_tasks", time.Minute, 5, logger)
	require.NoError(t, err)
	h.jobQueue, h.taskQueue = jobQueue, taskQueue

	if opts.taskTimeout <= 0 {
		opts.taskTimeout = 30 * time.Second
	}
	if opts.taskLease <= 0 {
		opts.taskLease = time.Minute
	}
	if opts.maxRetries <= 0 {
		opts.maxRetries = 3
	}

	h.advancer = NewAdvancer(h.jobs, h.tasks, h.registry, h.jobQueue, nil, logger)
	h.machine = NewMachine(h.jobs, h.tasks, h.registry, h.taskQueue, nil, logger)
	h.executor = NewExecutor(h.jobs, h.tasks, h.handlers, h.registry, h.taskQueue, h.advancer, nil, opts.taskTimeout, opts.taskLease, logger)
	h.dispatcher = NewDispatcher(h.machine, h.executor)
	h.service = NewService(h.registry, h.jobs, h.tasks, h.jobQueue, nil, logger)
	h.reconciler = NewReconciler(h.jobs, h.tasks, h.jobQueue, h.taskQueue, h.advancer, opts.taskLease, opts.maxRetries, time.Minute, logger)
	h.taskQueue.SetPoisonHandler(h.executor.HandlePoisonTask)

	return h
}

// drain pumps both queues through the dispatcher until neither delivers,
// acknowledging every message the dispatcher accepts.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		progressed := false
		for _, q := range []interfaces.QueueManager{h.jobQueue, h.taskQueue} {
			msg, ack, err := q.Receive(ctx)
			if errors.Is(err, models.ErrNoMessage) {
				continue
			}
			require.NoError(t, err)
			progressed = true

			if err := h.dispatcher.Dispatch(ctx, msg); err == nil {
				require.NoError(t, ack())
			}
		}
		if !progressed {
			return
		}
	}
	t.Fatal("queues did not drain")
}

// submitAndRun submits a job and drains the engine to a terminal state.
func (h *harness) submitAndRun(t *testing.T, jobType string, params map[string]interface{}) *models.Job {
	t.Helper()

	result, err := h.service.SubmitJob(context.Background(), jobType, params)
	require.NoError(t, err)

	h.drain(t)

	job, err := h.jobs.GetJob(context.Background(), result.JobID)
	require.NoError(t, err)
	return job
}

func taskIDFor(jobID string, stage int, index string) string {
	return common.NewTaskID(jobID, stage, index)
}
