// -----------------------------------------------------------------------
// Task Executor - Handler invocation, timeouts, contract enforcement
// -----------------------------------------------------------------------

package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/interfaces"
	"github.com/ternarybob/strata/internal/models"
	"github.com/ternarybob/strata/internal/workflow"
)

// Executor consumes task messages and runs the registered handlers. Its
// acknowledgement discipline is persist-then-ack: a task message is only
// removed from the queue after the terminal status is in the store, so a
// crash between the two yields redelivery, never loss. The duplicate a
// redelivery produces is absorbed by the queued->processing CAS.
type Executor struct {
	jobs      interfaces.JobStore
	tasks     interfaces.TaskStore
	handlers  *workflow.HandlerRegistry
	registry  *workflow.JobRegistry
	taskQueue interfaces.QueueManager
	advancer  *Advancer
	events    interfaces.EventService
	logger    arbor.ILogger

	defaultTimeout time.Duration
	taskLease      time.Duration
}

// NewExecutor creates the task executor.
func NewExecutor(jobs interfaces.JobStore, tasks interfaces.TaskStore, handlers *workflow.HandlerRegistry, registry *workflow.JobRegistry, taskQueue interfaces.QueueManager, advancer *Advancer, events interfaces.EventService, defaultTimeout, taskLease time.Duration, logger arbor.ILogger) *Executor {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Minute
	}
	if taskLease <= 0 {
		taskLease = 2 * time.Minute
	}
	return &Executor{
		jobs:           jobs,
		tasks:          tasks,
		handlers:       handlers,
		registry:       registry,
		taskQueue:      taskQueue,
		advancer:       advancer,
		events:         events,
		defaultTimeout: defaultTimeout,
		taskLease:      taskLease,
		logger:         logger,
	}
}

// HandleTaskMessage processes one task message. A nil return acknowledges
// the message; an error leaves it in flight for redelivery after the
// visibility timeout.
func (e *Executor) HandleTaskMessage(ctx context.Context, msg *models.QueueMessage) error {
	task, err := e.tasks.GetTask(ctx, msg.TaskID)
	if err != nil {
		if errors.Is(err, models.ErrTaskNotFound) {
			// Message without a record; park it for inspection rather than
			// letting it spin through the retry budget.
			e.logger.Warn().Str("task_id", msg.TaskID).Msg("Dead-lettering orphan task message")
			if dlErr := e.taskQueue.DeadLetter(ctx, msg); dlErr != nil {
				e.logger.Error().Err(dlErr).Str("task_id", msg.TaskID).Msg("Failed to dead-letter orphan")
			}
			return nil
		}
		return err
	}

	if err := e.tasks.MarkTaskProcessing(ctx, task.ID); err != nil {
		if errors.Is(err, models.ErrStatusConflict) {
			// Duplicate delivery or a task another worker owns.
			e.logger.Debug().Str("task_id", task.ID).Msg("Dropping duplicate task message")
			return nil
		}
		return err
	}

	result := e.run(ctx, msg, task)
	return e.settle(ctx, task, result)
}

// run resolves the handler and invokes it under the stage's timeout with
// panic containment, then normalizes the outcome to the result contract.
func (e *Executor) run(ctx context.Context, msg *models.QueueMessage, task *models.Task) *models.TaskResult {
	handler, err := e.handlers.Lookup(task.TaskType)
	if err != nil {
		return models.TaskFailure(models.ErrorTypeUnknownTaskType, "no handler registered for task type %s", task.TaskType)
	}

	timeout := e.timeoutFor(ctx, task)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Keep the store heartbeat and the queue lease ahead of the reconciler
	// and the visibility timeout for as long as the handler runs.
	stopHeartbeat := e.startHeartbeat(runCtx, msg, task.ID)
	defer stopHeartbeat()

	done := make(chan *models.TaskResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error().
					Str("task_id", task.ID).
					Str("task_type", task.TaskType).
					Str("stack", string(debug.Stack())).
					Msgf("Task handler panicked: %v", r)
				done <- models.TaskFailure(models.ErrorTypeHandlerPanic, "handler panicked: %v", r)
			}
		}()
		done <- handler(runCtx, task.Parameters)
	}()

	var result *models.TaskResult
	select {
	case result = <-done:
	case <-runCtx.Done():
		return models.TaskFailure(models.ErrorTypeTimeoutExceeded, "task exceeded timeout of %s", timeout)
	}

	// Result contract: a non-nil result, and failures carry an error
	// message. Violations fail the task loudly instead of being guessed at.
	if result == nil {
		e.logger.Error().
			Str("task_id", task.ID).
			Str("task_type", task.TaskType).
			Msg("Handler returned nil result, contract violation")
		return models.TaskFailure(models.ErrorTypeContractViolation, "handler returned nil result")
	}
	if !result.Success && result.Error == "" {
		e.logger.Error().
			Str("task_id", task.ID).
			Str("task_type", task.TaskType).
			Msg("Handler returned failure without error message, contract violation")
		return models.TaskFailure(models.ErrorTypeContractViolation, "handler reported failure without an error message")
	}

	return result
}

// settle persists the terminal status and, when this was the stage's last
// open task, runs the stage closure. The message is acknowledged (nil
// return) only once the write is durable.
func (e *Executor) settle(ctx context.Context, task *models.Task, result *models.TaskResult) error {
	var remaining int
	var err error

	if result.Success {
		remaining, err = e.tasks.CompleteTask(ctx, task.ID, result.Result)
	} else {
		errorType := result.ErrorType
		if errorType == "" {
			errorType = models.ErrorTypeTaskError
		}
		remaining, err = e.tasks.FailTask(ctx, task.ID, result.Error, errorType)
	}
	if err != nil {
		if errors.Is(err, models.ErrStatusConflict) {
			// The reconciler reclaimed the task mid-run; its redelivery owns
			// the outcome now.
			e.logger.Warn().Str("task_id", task.ID).Msg("Task moved during execution, dropping result")
			return nil
		}
		return err
	}

	e.publishOutcome(ctx, task, result)

	e.logger.Debug().
		Str("task_id", task.ID).
		Str("job_id", task.JobID).
		Int("stage", task.Stage).
		Bool("success", result.Success).
		Int("remaining", remaining).
		Msg("Task settled")

	if remaining == 0 {
		// This worker turned out the lights for the stage.
		if err := e.advancer.CloseStage(ctx, task.JobID, task.Stage); err != nil {
			// The task outcome is durable; redelivery would be dropped by
			// the processing CAS, so closure must not block the ack. The
			// reconciler retries stranded closures.
			e.logger.Error().
				Err(err).
				Str("job_id", task.JobID).
				Int("stage", task.Stage).
				Msg("Stage closure failed, reconciler will recover")
		}
	}

	return nil
}

// HandlePoisonTask is installed as the task queue's poison handler: a
// message that exhausted its receive budget fails its task so the stage
// can still close.
func (e *Executor) HandlePoisonTask(ctx context.Context, msg *models.QueueMessage, receiveCount int) {
	task, err := e.tasks.GetTask(ctx, msg.TaskID)
	if err != nil {
		return
	}
	if task.IsTerminal() {
		return
	}

	// FailTask requires processing; claim first if the task is still queued.
	if task.Status == models.TaskStatusQueued {
		if err := e.tasks.MarkTaskProcessing(ctx, task.ID); err != nil {
			return
		}
	}

	message := fmt.Sprintf("task message exceeded receive budget after %d deliveries", receiveCount)
	remaining, err := e.tasks.FailTask(ctx, task.ID, message, models.ErrorTypeMaxRetriesExceeded)
	if err != nil {
		e.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to fail poison task")
		return
	}

	e.logger.Warn().
		Str("task_id", task.ID).
		Str("job_id", task.JobID).
		Int("receive_count", receiveCount).
		Msg("Poison task failed")

	if remaining == 0 {
		if err := e.advancer.CloseStage(ctx, task.JobID, task.Stage); err != nil {
			e.logger.Error().Err(err).Str("job_id", task.JobID).Msg("Stage closure after poison task failed")
		}
	}
}

// timeoutFor resolves the stage's task timeout, falling back to the
// engine default when the workflow does not override it.
func (e *Executor) timeoutFor(ctx context.Context, task *models.Task) time.Duration {
	job, err := e.jobs.GetJob(ctx, task.JobID)
	if err != nil {
		return e.defaultTimeout
	}
	def, err := e.registry.Lookup(job.JobType)
	if err != nil {
		return e.defaultTimeout
	}
	stageDef, err := def.Stage(task.Stage)
	if err != nil || stageDef.TaskTimeout <= 0 {
		return e.defaultTimeout
	}
	return stageDef.TaskTimeout
}

// startHeartbeat refreshes the task heartbeat and the message visibility
// until the returned stop function is called.
func (e *Executor) startHeartbeat(ctx context.Context, msg *models.QueueMessage, taskID string) func() {
	interval := e.taskLease / 3
	if interval < time.Second {
		interval = time.Second
	}

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.tasks.TouchTask(ctx, taskID); err != nil {
					return
				}
				if msg.ReceiptID != "" {
					if err := e.taskQueue.Extend(ctx, msg.ReceiptID, e.taskLease); err != nil {
						e.logger.Debug().Err(err).Str("task_id", taskID).Msg("Failed to extend message lease")
					}
				}
			}
		}
	}()

	var stopped bool
	return func() {
		if !stopped {
			stopped = true
			close(stop)
		}
	}
}

func (e *Executor) publishOutcome(ctx context.Context, task *models.Task, result *models.TaskResult) {
	if e.events == nil {
		return
	}
	eventType := interfaces.EventTaskCompleted
	payload := map[string]interface{}{
		"task_id": task.ID,
		"job_id":  task.JobID,
		"stage":   task.Stage,
	}
	if !result.Success {
		eventType = interfaces.EventTaskFailed
		payload["error"] = result.Error
		payload["error_type"] = result.ErrorType
	}
	if err := e.events.Publish(ctx, interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		e.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to publish task event")
	}
}
