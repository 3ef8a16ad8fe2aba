package interfaces

import (
	"context"

	"github.com/ternarybob/strata/internal/models"
)

// JobService is the submission and status surface of the orchestration
// engine, consumed by the HTTP handlers.
type JobService interface {
	// SubmitJob validates and submits a job. Submission is idempotent: the
	// same job type and parameters resolve to the same job ID, and a
	// resubmission returns the existing record with AlreadyExisted set.
	// Rejections are *models.SubmissionError values.
	SubmitJob(ctx context.Context, jobType string, parameters map[string]interface{}) (*models.SubmitResult, error)

	// GetJobStatus returns the status view including task progress.
	GetJobStatus(ctx context.Context, jobID string) (*models.JobStatusView, error)

	// GetJob returns the full job record.
	GetJob(ctx context.Context, jobID string) (*models.Job, error)

	// ListJobs returns jobs matching the options.
	ListJobs(ctx context.Context, opts *ListOptions) ([]*models.Job, error)

	// CountJobs counts jobs matching the options.
	CountJobs(ctx context.Context, opts *ListOptions) (int, error)

	// ListJobTasks returns all task records for a job ordered by task ID.
	ListJobTasks(ctx context.Context, jobID string) ([]*models.Task, error)
}
