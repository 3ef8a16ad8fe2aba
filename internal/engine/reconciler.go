// -----------------------------------------------------------------------
// Reconciler - Background repair of leases, retries and stranded jobs
// -----------------------------------------------------------------------

package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/interfaces"
	"github.com/ternarybob/strata/internal/models"
)

// Reconciler repairs the gaps at-least-once delivery leaves behind. Each
// sweep reclaims tasks whose worker stopped heartbeating, fails tasks that
// exhausted their retries, and re-runs stage closure for jobs whose
// closing worker crashed after the terminal task write but before the
// advance. Every repair goes through the same CAS-guarded paths as the
// live engine, so a sweep racing a healthy worker is harmless.
type Reconciler struct {
	jobs      interfaces.JobStore
	tasks     interfaces.TaskStore
	jobQueue  interfaces.QueueManager
	taskQueue interfaces.QueueManager
	advancer  *Advancer
	logger    arbor.ILogger

	lease      time.Duration
	maxRetries int
	interval   time.Duration

	cron *cron.Cron
	mu   sync.Mutex
	wg   sync.WaitGroup
}

// NewReconciler creates the background reconciler.
func NewReconciler(jobs interfaces.JobStore, tasks interfaces.TaskStore, jobQueue, taskQueue interfaces.QueueManager, advancer *Advancer, lease time.Duration, maxRetries int, interval time.Duration, logger arbor.ILogger) *Reconciler {
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{
		jobs:       jobs,
		tasks:      tasks,
		jobQueue:   jobQueue,
		taskQueue:  taskQueue,
		advancer:   advancer,
		lease:      lease,
		maxRetries: maxRetries,
		interval:   interval,
		logger:     logger,
	}
}

// Start runs an immediate sweep and schedules the recurring ones.
func (r *Reconciler) Start() error {
	r.cron = cron.New()
	spec := fmt.Sprintf("@every %s", r.interval)
	if _, err := r.cron.AddFunc(spec, r.runSweep); err != nil {
		return fmt.Errorf("failed to schedule reconciler: %w", err)
	}

	r.logger.Info().
		Str("interval", r.interval.String()).
		Str("lease", r.lease.String()).
		Int("max_retries", r.maxRetries).
		Msg("Starting reconciler")

	// Sweep once at startup so work stranded by a crash is picked up
	// before the first scheduled tick.
	go r.runSweep()

	r.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reconciler) Stop() error {
	if r.cron != nil {
		ctx := r.cron.Stop()
		<-ctx.Done()
	}
	r.wg.Wait()
	return nil
}

// runSweep executes one full pass. Sweeps never overlap.
func (r *Reconciler) runSweep() {
	if !r.mu.TryLock() {
		return
	}
	r.wg.Add(1)
	defer func() {
		r.mu.Unlock()
		r.wg.Done()
	}()

	ctx := context.Background()

	r.sweepStaleTasks(ctx)
	r.sweepStrandedJobs(ctx)
}

// sweepStaleTasks reclaims processing tasks whose heartbeat lapsed.
// Reclaimed tasks get a fresh message; tasks out of retries are failed so
// their stage can still close.
func (r *Reconciler) sweepStaleTasks(ctx context.Context) {
	requeued, expired, err := r.tasks.ResetStaleTasks(ctx, r.lease, r.maxRetries)
	if err != nil {
		r.logger.Error().Err(err).Msg("Stale task sweep failed")
		return
	}

	for _, task := range requeued {
		r.logger.Warn().
			Str("task_id", task.ID).
			Str("job_id", task.JobID).
			Int("retry_count", task.RetryCount).
			Msg("Reclaimed stale task")

		if err := r.taskQueue.Enqueue(ctx, models.NewTaskMessage(task.ID)); err != nil {
			// The task is queued in the store; the stranded-stage sweep
			// re-enqueues it on a later pass.
			r.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to re-enqueue reclaimed task")
		}
	}

	for _, task := range expired {
		message := fmt.Sprintf("task lease expired %d times, retry budget exhausted", task.RetryCount+1)
		remaining, err := r.tasks.FailTask(ctx, task.ID, message, models.ErrorTypeMaxRetriesExceeded)
		if err != nil {
			r.logger.Debug().Err(err).Str("task_id", task.ID).Msg("Expired task already settled")
			continue
		}

		r.logger.Warn().
			Str("task_id", task.ID).
			Str("job_id", task.JobID).
			Msg("Task failed after exhausting retries")

		if remaining == 0 {
			if err := r.advancer.CloseStage(ctx, task.JobID, task.Stage); err != nil {
				r.logger.Error().Err(err).Str("job_id", task.JobID).Msg("Stage closure after retry exhaustion failed")
			}
		}
	}
}

// sweepStrandedJobs finds processing jobs that stopped moving: stages
// whose tasks are all terminal but whose closure was lost, and stages
// whose task fan-out never happened.
func (r *Reconciler) sweepStrandedJobs(ctx context.Context) {
	jobs, err := r.jobs.ListJobs(ctx, &interfaces.ListOptions{
		Status:        string(models.JobStatusProcessing),
		UpdatedBefore: time.Now().Add(-r.lease),
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("Stranded job sweep failed")
		return
	}

	for _, job := range jobs {
		stageTasks, err := r.tasks.ListStageTasks(ctx, job.ID, job.Stage)
		if err != nil {
			r.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to inspect stranded job")
			continue
		}

		if len(stageTasks) == 0 {
			// The advance happened but the next stage's job message was
			// lost; replay it.
			r.logger.Warn().
				Str("job_id", job.ID).
				Int("stage", job.Stage).
				Msg("Re-enqueueing stage with no tasks")
			if err := r.jobQueue.Enqueue(ctx, models.NewJobMessage(job.ID, job.Stage)); err != nil {
				r.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to re-enqueue stranded stage")
			}
			continue
		}

		remaining, err := r.tasks.CountRemaining(ctx, job.ID, job.Stage)
		if err != nil {
			r.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to count stranded job tasks")
			continue
		}
		if remaining > 0 {
			continue
		}

		// All tasks terminal but the job never advanced: the closing
		// worker crashed between its task write and the stage transition.
		r.logger.Warn().
			Str("job_id", job.ID).
			Int("stage", job.Stage).
			Msg("Closing stranded stage")
		if err := r.advancer.CloseStage(ctx, job.ID, job.Stage); err != nil {
			r.logger.Error().Err(err).Str("job_id", job.ID).Msg("Stranded stage closure failed")
		}
	}
}
