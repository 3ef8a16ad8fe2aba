// -----------------------------------------------------------------------
// Stage Advancer - Fan-in, stage transition and job finalization
// -----------------------------------------------------------------------

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/interfaces"
	"github.com/ternarybob/strata/internal/models"
	"github.com/ternarybob/strata/internal/workflow"
)

// Advancer closes stages. Whoever observes the last task of a stage reach
// a terminal status calls CloseStage; the advancer records the stage's
// ordered results, then either moves the job to the next stage or
// finalizes it. Every transition is a CAS on (status, stage), so repeated
// or concurrent calls for the same stage collapse to one effect.
type Advancer struct {
	jobs     interfaces.JobStore
	tasks    interfaces.TaskStore
	registry *workflow.JobRegistry
	jobQueue interfaces.QueueManager
	events   interfaces.EventService
	logger   arbor.ILogger
}

// NewAdvancer creates the stage advancer.
func NewAdvancer(jobs interfaces.JobStore, tasks interfaces.TaskStore, registry *workflow.JobRegistry, jobQueue interfaces.QueueManager, events interfaces.EventService, logger arbor.ILogger) *Advancer {
	return &Advancer{
		jobs:     jobs,
		tasks:    tasks,
		registry: registry,
		jobQueue: jobQueue,
		events:   events,
		logger:   logger,
	}
}

// CloseStage runs the fan-in for one (job, stage) pair. Safe to call any
// number of times; only the call that wins the store-level CAS produces
// the transition.
func (a *Advancer) CloseStage(ctx context.Context, jobID string, stage int) error {
	job, err := a.jobs.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			a.logger.Warn().Str("job_id", jobID).Msg("Stage closure for missing job")
			return nil
		}
		return err
	}

	if job.Status != models.JobStatusProcessing || job.Stage != stage {
		// Already advanced or finalized by an earlier call.
		return nil
	}

	outcomes, err := a.tasks.LoadStageTaskResults(ctx, jobID, stage)
	if err != nil {
		return err
	}

	failed := 0
	firstFailure := -1
	for i, outcome := range outcomes {
		if !outcome.Success {
			failed++
			if firstFailure < 0 {
				firstFailure = i
			}
		}
	}

	def, err := a.registry.Lookup(job.JobType)
	if err != nil {
		return a.finalize(ctx, job, models.JobStatusFailed, nil,
			fmt.Sprintf("%s: job type %s is not registered", models.ErrorTypeWorkflowError, job.JobType),
			stage, outcomes)
	}

	if failed > 0 && def.StagePolicy(stage) == workflow.FailFast {
		message := failureMessage(outcomes[firstFailure], failed)
		return a.finalize(ctx, job, models.JobStatusFailed, nil, message, stage, outcomes)
	}

	if stage < job.TotalStages {
		return a.advance(ctx, job, stage, outcomes)
	}

	return a.finishJob(ctx, job, def, stage, outcomes)
}

// advance records the closed stage's results and moves the job forward.
func (a *Advancer) advance(ctx context.Context, job *models.Job, stage int, outcomes []models.TaskOutcome) error {
	next := stage + 1

	err := a.jobs.AdvanceJobStage(ctx, job.ID, stage, next, outcomes)
	if err != nil {
		if errors.Is(err, models.ErrStageConflict) || errors.Is(err, models.ErrStatusConflict) {
			return nil // Lost the race; the winner enqueues the next stage
		}
		return err
	}

	a.logger.Info().
		Str("job_id", job.ID).
		Int("stage", stage).
		Int("next_stage", next).
		Msg("Stage closed, advancing")

	a.publish(ctx, interfaces.EventStageAdvanced, map[string]interface{}{
		"job_id":   job.ID,
		"job_type": job.JobType,
		"stage":    next,
	})

	// The job record already points at the next stage, so losing this
	// enqueue strands the job rather than corrupting it; the reconciler
	// re-enqueues stages with no tasks.
	if err := a.jobQueue.Enqueue(ctx, models.NewJobMessage(job.ID, next)); err != nil {
		a.logger.Error().
			Err(err).
			Str("job_id", job.ID).
			Int("stage", next).
			Msg("Failed to enqueue next stage, reconciler will recover")
	}

	return nil
}

// finishJob closes the final stage: aggregate across all stages and pick
// the terminal status.
func (a *Advancer) finishJob(ctx context.Context, job *models.Job, def *workflow.Definition, stage int, outcomes []models.TaskOutcome) error {
	allResults := make(map[string][]models.TaskOutcome, job.TotalStages)
	for key, results := range job.StageResults {
		allResults[key] = results
	}
	allResults[models.StageKey(stage)] = outcomes

	anyFailed := false
	var firstFailed *models.TaskOutcome
	failedCount := 0
	for s := 1; s <= job.TotalStages; s++ {
		for i, outcome := range allResults[models.StageKey(s)] {
			if !outcome.Success {
				anyFailed = true
				failedCount++
				if firstFailed == nil {
					o := allResults[models.StageKey(s)][i]
					firstFailed = &o
				}
			}
		}
	}

	resultData, err := aggregateResults(def, job, allResults)
	if err != nil {
		return a.finalize(ctx, job, models.JobStatusFailed, nil,
			fmt.Sprintf("%s: %s", models.ErrorTypeWorkflowError, err.Error()),
			stage, outcomes)
	}

	terminal := models.JobStatusCompleted
	errorMessage := ""
	if anyFailed {
		terminal = models.JobStatusCompletedWithErrors
		errorMessage = failureMessage(*firstFailed, failedCount)
	}

	return a.finalize(ctx, job, terminal, resultData, errorMessage, stage, outcomes)
}

// aggregateResults runs the workflow's aggregation with panic containment.
// Without an aggregator the final stage's outcomes become the result.
func aggregateResults(def *workflow.Definition, job *models.Job, allResults map[string][]models.TaskOutcome) (result map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("aggregation panicked: %v", r)
		}
	}()

	if def.Aggregate == nil {
		return map[string]interface{}{
			"results": allResults[models.StageKey(job.TotalStages)],
		}, nil
	}

	result, err = def.Aggregate(job, allResults)
	if err != nil {
		return nil, fmt.Errorf("aggregation failed: %w", err)
	}
	return result, nil
}

func (a *Advancer) finalize(ctx context.Context, job *models.Job, terminal models.JobStatus, resultData map[string]interface{}, errorMessage string, closedStage int, outcomes []models.TaskOutcome) error {
	err := a.jobs.FinalizeJob(ctx, job.ID, terminal, resultData, errorMessage, closedStage, outcomes)
	if err != nil {
		if errors.Is(err, models.ErrStatusConflict) {
			return nil // Already terminal
		}
		return err
	}

	a.logger.Info().
		Str("job_id", job.ID).
		Str("job_type", job.JobType).
		Str("status", string(terminal)).
		Msg("Job finalized")

	eventType := interfaces.EventJobCompleted
	if terminal == models.JobStatusFailed {
		eventType = interfaces.EventJobFailed
	}
	a.publish(ctx, eventType, map[string]interface{}{
		"job_id":   job.ID,
		"job_type": job.JobType,
		"status":   string(terminal),
		"error":    errorMessage,
	})

	return nil
}

// failureMessage builds the job-level error summary from the first failed
// task of the deciding stage.
func failureMessage(first models.TaskOutcome, failedCount int) string {
	msg := fmt.Sprintf("task %s failed (%s): %s", first.TaskID, first.ErrorType, first.Error)
	if failedCount > 1 {
		msg = fmt.Sprintf("%s (and %d more failed tasks)", msg, failedCount-1)
	}
	return msg
}

func (a *Advancer) publish(ctx context.Context, eventType interfaces.EventType, payload map[string]interface{}) {
	if a.events == nil {
		return
	}
	if err := a.events.Publish(ctx, interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to publish event")
	}
}
