// -----------------------------------------------------------------------
// CoreMachine - Job message handling and per-stage task fan-out
// -----------------------------------------------------------------------

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/common"
	"github.com/ternarybob/strata/internal/interfaces"
	"github.com/ternarybob/strata/internal/models"
	"github.com/ternarybob/strata/internal/workflow"
)

// Machine is the orchestrator. It consumes job messages, activates queued
// jobs, asks the workflow for the stage's task specs and fans them out.
// Every step is idempotent against redelivery: activation is a status CAS,
// task insertion skips existing IDs, and re-enqueueing a still-queued task
// is harmless because execution is guarded by its own CAS.
type Machine struct {
	jobs      interfaces.JobStore
	tasks     interfaces.TaskStore
	registry  *workflow.JobRegistry
	taskQueue interfaces.QueueManager
	events    interfaces.EventService
	logger    arbor.ILogger
}

// NewMachine creates the orchestrator.
func NewMachine(jobs interfaces.JobStore, tasks interfaces.TaskStore, registry *workflow.JobRegistry, taskQueue interfaces.QueueManager, events interfaces.EventService, logger arbor.ILogger) *Machine {
	return &Machine{
		jobs:      jobs,
		tasks:     tasks,
		registry:  registry,
		taskQueue: taskQueue,
		events:    events,
		logger:    logger,
	}
}

// HandleJobMessage processes one job message {job_id, stage}. A nil return
// acknowledges the message; an error leaves it for redelivery.
func (m *Machine) HandleJobMessage(ctx context.Context, msg *models.QueueMessage) error {
	job, err := m.jobs.GetJob(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			// A message without a record is structural corruption; there is
			// nothing to retry against.
			m.logger.Warn().
				Str("job_id", msg.JobID).
				Msg("Dropping orphan job message")
			return nil
		}
		return err
	}

	if job.IsTerminal() {
		m.logger.Debug().
			Str("job_id", job.ID).
			Str("status", string(job.Status)).
			Msg("Dropping job message for terminal job")
		return nil
	}

	if job.Status == models.JobStatusQueued {
		err := m.jobs.UpdateJobStatus(ctx, job.ID, models.JobStatusQueued, models.JobStatusProcessing, nil)
		if err != nil {
			if errors.Is(err, models.ErrStatusConflict) {
				// Concurrent delivery won the activation; re-read and
				// continue, the fan-out below is idempotent.
				job, err = m.jobs.GetJob(ctx, msg.JobID)
				if err != nil {
					return err
				}
				if job.IsTerminal() {
					return nil
				}
			} else {
				return err
			}
		} else {
			m.publish(ctx, interfaces.EventJobStarted, job.ID, map[string]interface{}{
				"job_id":   job.ID,
				"job_type": job.JobType,
				"stage":    job.Stage,
			})
		}
	}

	if msg.Stage != job.Stage {
		// The record is authoritative; a mismatched message is a stale
		// redelivery from before an advance.
		m.logger.Debug().
			Str("job_id", job.ID).
			Int("message_stage", msg.Stage).
			Int("job_stage", job.Stage).
			Msg("Dropping stale job message")
		return nil
	}

	return m.startStage(ctx, job)
}

// startStage creates and enqueues the tasks for the job's current stage.
func (m *Machine) startStage(ctx context.Context, job *models.Job) error {
	def, err := m.registry.Lookup(job.JobType)
	if err != nil {
		// A persisted job whose type no longer resolves cannot make
		// progress on any delivery.
		return m.failWorkflow(ctx, job, fmt.Sprintf("job type %s is not registered", job.JobType))
	}

	stageDef, err := def.Stage(job.Stage)
	if err != nil {
		return m.failWorkflow(ctx, job, err.Error())
	}

	var previous []models.TaskOutcome
	if stageDef.UsesLineage {
		previous = job.PreviousResults(job.Stage)
	}

	specs, err := createTaskSpecs(def, job, previous)
	if err != nil {
		m.logger.Error().
			Err(err).
			Str("job_id", job.ID).
			Int("stage", job.Stage).
			Msg("Workflow task factory rejected stage")
		return m.failWorkflow(ctx, job, err.Error())
	}

	batch := make([]*models.Task, 0, len(specs))
	for _, spec := range specs {
		taskType := spec.TaskType
		if taskType == "" {
			taskType = stageDef.TaskType
		}
		batch = append(batch, &models.Task{
			ID:         common.NewTaskID(job.ID, job.Stage, spec.Index),
			JobID:      job.ID,
			Stage:      job.Stage,
			TaskType:   taskType,
			Status:     models.TaskStatusQueued,
			Parameters: spec.Parameters,
		})
	}

	inserted, err := m.tasks.InsertTasks(ctx, batch)
	if err != nil {
		return fmt.Errorf("failed to insert tasks for job %s stage %d: %w", job.ID, job.Stage, err)
	}

	m.logger.Info().
		Str("job_id", job.ID).
		Int("stage", job.Stage).
		Int("tasks", len(batch)).
		Int("new", inserted).
		Msg("Stage tasks created")

	// Enqueue a message for every task of the stage still queued. On a
	// redelivered job message this re-enqueues tasks whose first message
	// was lost; duplicates are absorbed by the executor's CAS.
	for _, task := range batch {
		current, err := m.tasks.GetTask(ctx, task.ID)
		if err != nil {
			return err
		}
		if current.Status != models.TaskStatusQueued {
			continue
		}
		if err := m.taskQueue.Enqueue(ctx, models.NewTaskMessage(task.ID)); err != nil {
			return fmt.Errorf("failed to enqueue task %s: %w", task.ID, err)
		}
	}

	return nil
}

// createTaskSpecs invokes the workflow's task factory and enforces its
// contract: at least one spec, no duplicate indices, panics contained.
func createTaskSpecs(def *workflow.Definition, job *models.Job, previous []models.TaskOutcome) (specs []models.TaskSpec, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task factory panicked: %v", r)
		}
	}()

	specs, err = def.CreateTasks(job.Stage, job.Parameters, job.ID, previous)
	if err != nil {
		return nil, fmt.Errorf("task factory failed: %w", err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("task factory produced no tasks for stage %d", job.Stage)
	}

	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if spec.Index == "" {
			return nil, fmt.Errorf("task factory produced a spec with an empty index")
		}
		if seen[spec.Index] {
			return nil, fmt.Errorf("task factory produced duplicate index %q", spec.Index)
		}
		seen[spec.Index] = true
	}

	return specs, nil
}

// failWorkflow finalizes a job that cannot make progress because the
// workflow itself misbehaved.
func (m *Machine) failWorkflow(ctx context.Context, job *models.Job, reason string) error {
	message := fmt.Sprintf("%s: %s", models.ErrorTypeWorkflowError, reason)
	err := m.jobs.FinalizeJob(ctx, job.ID, models.JobStatusFailed, nil, message, 0, nil)
	if err != nil {
		if errors.Is(err, models.ErrStatusConflict) {
			return nil // Already terminal
		}
		return err
	}

	m.logger.Error().
		Str("job_id", job.ID).
		Str("reason", reason).
		Msg("Job failed with workflow error")

	m.publish(ctx, interfaces.EventJobFailed, job.ID, map[string]interface{}{
		"job_id":     job.ID,
		"job_type":   job.JobType,
		"error":      message,
		"error_type": models.ErrorTypeWorkflowError,
	})
	return nil
}

func (m *Machine) publish(ctx context.Context, eventType interfaces.EventType, jobID string, payload map[string]interface{}) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(ctx, interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		m.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to publish event")
	}
}
