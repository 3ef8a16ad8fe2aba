// -----------------------------------------------------------------------
// Job Service - Submission, status and listing
// -----------------------------------------------------------------------

package engine

import (
	"context"
	"errors"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/common"
	"github.com/ternarybob/strata/internal/interfaces"
	"github.com/ternarybob/strata/internal/models"
	"github.com/ternarybob/strata/internal/workflow"
)

// Service implements interfaces.JobService. Submission is synchronous
// validation plus one idempotent insert; everything after the enqueue is
// the engine's business.
type Service struct {
	registry *workflow.JobRegistry
	jobs     interfaces.JobStore
	tasks    interfaces.TaskStore
	jobQueue interfaces.QueueManager
	events   interfaces.EventService
	logger   arbor.ILogger
}

// NewService creates the job service.
func NewService(registry *workflow.JobRegistry, jobs interfaces.JobStore, tasks interfaces.TaskStore, jobQueue interfaces.QueueManager, events interfaces.EventService, logger arbor.ILogger) *Service {
	return &Service{
		registry: registry,
		jobs:     jobs,
		tasks:    tasks,
		jobQueue: jobQueue,
		events:   events,
		logger:   logger,
	}
}

// SubmitJob validates, deduplicates and enqueues a job. The job ID is
// derived from the job type and the normalized parameters, so identical
// submissions resolve to the same record and only the first one enqueues.
func (s *Service) SubmitJob(ctx context.Context, jobType string, parameters map[string]interface{}) (*models.SubmitResult, error) {
	def, err := s.registry.Lookup(jobType)
	if err != nil {
		return nil, models.NewSubmissionError(models.SubmitErrUnknownJobType, "job type %s is not registered", jobType)
	}

	normalized, err := def.Params.Normalize(parameters)
	if err != nil {
		var subErr *models.SubmissionError
		if errors.As(err, &subErr) {
			return nil, subErr
		}
		return nil, models.NewSubmissionError(models.SubmitErrInvalidParameters, "%s", err.Error())
	}

	jobID, err := common.NewJobID(jobType, normalized)
	if err != nil {
		return nil, models.NewSubmissionError(models.SubmitErrInvalidParameters, "parameters are not canonicalizable: %s", err.Error())
	}

	job := &models.Job{
		ID:          jobID,
		JobType:     jobType,
		Status:      models.JobStatusQueued,
		Stage:       1,
		TotalStages: def.TotalStages(),
		Parameters:  normalized,
	}

	stored, created, err := s.jobs.InsertJobIfAbsent(ctx, job)
	if err != nil {
		s.logger.Error().Err(err).Str("job_type", jobType).Msg("Job insert failed")
		return nil, models.NewSubmissionError(models.SubmitErrStoreUnavailable, "state store rejected the job: %s", err.Error())
	}

	if !created {
		s.logger.Debug().
			Str("job_id", stored.ID).
			Str("job_type", jobType).
			Msg("Duplicate submission resolved to existing job")
		return &models.SubmitResult{
			JobID:          stored.ID,
			Status:         stored.Status,
			AlreadyExisted: true,
		}, nil
	}

	if err := s.jobQueue.Enqueue(ctx, models.NewJobMessage(jobID, 1)); err != nil {
		// The record exists but the kick-off message is lost; the
		// reconciler cannot see queued jobs, so surface the failure and let
		// the client resubmit once the queue recovers. Resubmission finds
		// the record and this path is not taken again unless enqueue keeps
		// failing.
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Job enqueue failed")
		return nil, models.NewSubmissionError(models.SubmitErrQueueUnavailable, "queue rejected the job: %s", err.Error())
	}

	s.logger.Info().
		Str("job_id", jobID).
		Str("job_type", jobType).
		Int("total_stages", job.TotalStages).
		Msg("Job submitted")

	if s.events != nil {
		event := interfaces.Event{
			Type: interfaces.EventJobCreated,
			Payload: map[string]interface{}{
				"job_id":   jobID,
				"job_type": jobType,
			},
		}
		if err := s.events.Publish(ctx, event); err != nil {
			s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to publish submission event")
		}
	}

	return &models.SubmitResult{
		JobID:          jobID,
		Status:         models.JobStatusQueued,
		AlreadyExisted: false,
	}, nil
}

// GetJobStatus returns the status view with task progress through the
// job's current stage.
func (s *Service) GetJobStatus(ctx context.Context, jobID string) (*models.JobStatusView, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	progress, err := s.tasks.TaskProgress(ctx, jobID, job.Stage)
	if err != nil {
		return nil, err
	}

	return &models.JobStatusView{
		JobID:        job.ID,
		JobType:      job.JobType,
		Status:       job.Status,
		Stage:        job.Stage,
		TotalStages:  job.TotalStages,
		Progress:     *progress,
		ResultData:   job.ResultData,
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}, nil
}

// GetJob returns the full job record.
func (s *Service) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return s.jobs.GetJob(ctx, jobID)
}

// ListJobs returns jobs matching the options.
func (s *Service) ListJobs(ctx context.Context, opts *interfaces.ListOptions) ([]*models.Job, error) {
	return s.jobs.ListJobs(ctx, opts)
}

// CountJobs counts jobs matching the options.
func (s *Service) CountJobs(ctx context.Context, opts *interfaces.ListOptions) (int, error) {
	return s.jobs.CountJobs(ctx, opts)
}

// ListJobTasks returns all task records for a job ordered by task ID.
func (s *Service) ListJobTasks(ctx context.Context, jobID string) ([]*models.Task, error) {
	if _, err := s.jobs.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.tasks.ListTasks(ctx, jobID)
}
