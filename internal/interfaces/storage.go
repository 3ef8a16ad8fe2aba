package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/strata/internal/models"
)

// ListOptions controls job listing queries.
type ListOptions struct {
	Status        string
	JobType       string
	UpdatedBefore time.Time
	Limit         int
	Offset        int
	OrderBy       string
	OrderDir      string
}

// JobStore persists job records. Mutations are compare-and-set so that
// concurrent workers and redelivered messages cannot regress a job's state;
// conflicting callers receive models.ErrStatusConflict or
// models.ErrStageConflict and must treat the rejection as already-done.
type JobStore interface {
	// InsertJobIfAbsent inserts the job unless a record with the same ID
	// exists. Returns the stored record and whether this call created it.
	InsertJobIfAbsent(ctx context.Context, job *models.Job) (*models.Job, bool, error)

	// GetJob reads the current record.
	GetJob(ctx context.Context, jobID string) (*models.Job, error)

	// UpdateJobStatus transitions the job from one status to another. The
	// optional patch runs on the loaded record inside the same transaction.
	UpdateJobStatus(ctx context.Context, jobID string, from, to models.JobStatus, patch func(*models.Job)) error

	// AdvanceJobStage moves a processing job to the next stage and records
	// the closed stage's outcomes. Only succeeds when the job is still at
	// fromStage, which restricts the advance to the lights-out caller.
	AdvanceJobStage(ctx context.Context, jobID string, fromStage, toStage int, stageResults []models.TaskOutcome) error

	// FinalizeJob transitions a processing job to a terminal status and
	// records the final stage's outcomes when supplied.
	FinalizeJob(ctx context.Context, jobID string, terminal models.JobStatus, resultData map[string]interface{}, errorMessage string, closedStage int, stageResults []models.TaskOutcome) error

	// ListJobs returns jobs matching the options.
	ListJobs(ctx context.Context, opts *ListOptions) ([]*models.Job, error)

	// CountJobs counts jobs matching the options.
	CountJobs(ctx context.Context, opts *ListOptions) (int, error)
}

// TaskStore persists task records. CompleteTask and FailTask are the
// coordination primitives for stage closure: both update the task and count
// the stage's remaining non-terminal tasks in one transaction, so exactly
// one concurrent caller observes a count of zero.
type TaskStore interface {
	// InsertTasks inserts the batch, skipping task IDs that already exist.
	// Returns the number of newly inserted rows.
	InsertTasks(ctx context.Context, tasks []*models.Task) (int, error)

	// GetTask reads the current record.
	GetTask(ctx context.Context, taskID string) (*models.Task, error)

	// ListTasks returns all tasks for a job ordered by task ID.
	ListTasks(ctx context.Context, jobID string) ([]*models.Task, error)

	// ListStageTasks returns the tasks of one stage ordered by task ID.
	ListStageTasks(ctx context.Context, jobID string, stage int) ([]*models.Task, error)

	// MarkTaskProcessing transitions a queued task to processing. Rejects
	// with models.ErrStatusConflict on any other current status, which is
	// the duplicate-delivery guard.
	MarkTaskProcessing(ctx context.Context, taskID string) error

	// TouchTask refreshes the heartbeat of a processing task.
	TouchTask(ctx context.Context, taskID string) error

	// CompleteTask marks a processing task completed and returns the
	// remaining non-terminal task count for the task's (job, stage).
	CompleteTask(ctx context.Context, taskID string, result map[string]interface{}) (int, error)

	// FailTask marks a processing task failed and returns the remaining
	// non-terminal task count for the task's (job, stage).
	FailTask(ctx context.Context, taskID string, errorMessage, errorType string) (int, error)

	// LoadStageTaskResults returns the stage's per-task outcomes ordered by
	// task ID ascending.
	LoadStageTaskResults(ctx context.Context, jobID string, stage int) ([]models.TaskOutcome, error)

	// CountRemaining counts the stage's non-terminal tasks.
	CountRemaining(ctx context.Context, jobID string, stage int) (int, error)

	// TaskProgress aggregates task counts across stages 1..throughStage.
	TaskProgress(ctx context.Context, jobID string, throughStage int) (*models.Progress, error)

	// ResetStaleTasks reclaims processing tasks whose last update is older
	// than the lease. Tasks under the retry bound are reset to queued with
	// the retry count incremented and returned as requeued; tasks at the
	// bound are left processing and returned as expired for the caller to
	// fail through the normal path.
	ResetStaleTasks(ctx context.Context, lease time.Duration, maxRetries int) (requeued []*models.Task, expired []*models.Task, err error)
}

// StorageManager provides access to the state store and its repositories
type StorageManager interface {
	// JobStore returns the job repository
	JobStore() JobStore

	// TaskStore returns the task repository
	TaskStore() TaskStore

	// DB returns the underlying database handle
	DB() interface{}

	// Close closes the storage backend
	Close() error
}
