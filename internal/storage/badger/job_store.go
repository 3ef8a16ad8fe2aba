// -----------------------------------------------------------------------
// Job Store - Compare-and-set job record persistence
// -----------------------------------------------------------------------

package badger

import (
	"context"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/interfaces"
	"github.com/ternarybob/strata/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// JobStore implements interfaces.JobStore on Badger. Every mutation runs
// inside a Badger transaction and re-checks its predicate against the
// loaded record, so a redelivered message or a racing reconciler gets a
// typed conflict instead of overwriting newer state.
type JobStore struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStore creates a new JobStore instance
func NewJobStore(db *BadgerDB, logger arbor.ILogger) interfaces.JobStore {
	return &JobStore{
		db:     db,
		logger: logger,
	}
}

func (s *JobStore) InsertJobIfAbsent(ctx context.Context, job *models.Job) (*models.Job, bool, error) {
	if job == nil || job.ID == "" {
		return nil, false, fmt.Errorf("job ID is required")
	}

	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	err := s.db.Store().Insert(job.ID, job)
	if err == nil {
		return job, true, nil
	}
	if err != badgerhold.ErrKeyExists {
		return nil, false, fmt.Errorf("failed to insert job: %w", err)
	}

	existing, err := s.GetJob(ctx, job.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *JobStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *JobStore) UpdateJobStatus(ctx context.Context, jobID string, from, to models.JobStatus, patch func(*models.Job)) error {
	store := s.db.Store()
	return runTxn(store.Badger(), func(txn *badgerdb.Txn) error {
		var job models.Job
		if err := store.TxGet(txn, jobID, &job); err != nil {
			if err == badgerhold.ErrNotFound {
				return fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
			}
			return err
		}

		if job.Status != from {
			return fmt.Errorf("%w: job %s is %s, want %s", models.ErrStatusConflict, jobID, job.Status, from)
		}

		job.Status = to
		job.UpdatedAt = time.Now()
		if to == models.JobStatusProcessing && job.StartedAt == nil {
			now := time.Now()
			job.StartedAt = &now
		}
		if patch != nil {
			patch(&job)
		}

		return store.TxUpdate(txn, jobID, &job)
	})
}

func (s *JobStore) AdvanceJobStage(ctx context.Context, jobID string, fromStage, toStage int, stageResults []models.TaskOutcome) error {
	store := s.db.Store()
	return runTxn(store.Badger(), func(txn *badgerdb.Txn) error {
		var job models.Job
		if err := store.TxGet(txn, jobID, &job); err != nil {
			if err == badgerhold.ErrNotFound {
				return fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
			}
			return err
		}

		if job.Status != models.JobStatusProcessing {
			return fmt.Errorf("%w: job %s is %s", models.ErrStatusConflict, jobID, job.Status)
		}
		if job.Stage != fromStage {
			return fmt.Errorf("%w: job %s is at stage %d, want %d", models.ErrStageConflict, jobID, job.Stage, fromStage)
		}
		if toStage < 1 || toStage > job.TotalStages {
			return fmt.Errorf("invalid target stage %d for job %s (total %d)", toStage, jobID, job.TotalStages)
		}

		if job.StageResults == nil {
			job.StageResults = make(map[string][]models.TaskOutcome)
		}
		job.StageResults[models.StageKey(fromStage)] = stageResults
		job.Stage = toStage
		job.UpdatedAt = time.Now()

		return store.TxUpdate(txn, jobID, &job)
	})
}

func (s *JobStore) FinalizeJob(ctx context.Context, jobID string, terminal models.JobStatus, resultData map[string]interface{}, errorMessage string, closedStage int, stageResults []models.TaskOutcome) error {
	if !terminal.IsTerminal() {
		return fmt.Errorf("finalize requires a terminal status, got %s", terminal)
	}

	store := s.db.Store()
	return runTxn(store.Badger(), func(txn *badgerdb.Txn) error {
		var job models.Job
		if err := store.TxGet(txn, jobID, &job); err != nil {
			if err == badgerhold.ErrNotFound {
				return fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
			}
			return err
		}

		if job.Status != models.JobStatusProcessing {
			return fmt.Errorf("%w: job %s is %s", models.ErrStatusConflict, jobID, job.Status)
		}

		if closedStage > 0 && stageResults != nil {
			if job.StageResults == nil {
				job.StageResults = make(map[string][]models.TaskOutcome)
			}
			job.StageResults[models.StageKey(closedStage)] = stageResults
		}

		now := time.Now()
		job.Status = terminal
		job.ResultData = resultData
		job.ErrorMessage = errorMessage
		job.UpdatedAt = now
		job.CompletedAt = &now

		return store.TxUpdate(txn, jobID, &job)
	})
}

func (s *JobStore) ListJobs(ctx context.Context, opts *interfaces.ListOptions) ([]*models.Job, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, jobQuery(opts)); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *JobStore) CountJobs(ctx context.Context, opts *interfaces.ListOptions) (int, error) {
	query := badgerhold.Where("ID").Ne("")
	if opts != nil {
		if opts.Status != "" {
			query = query.And("Status").Eq(models.JobStatus(opts.Status))
		}
		if opts.JobType != "" {
			query = query.And("JobType").Eq(opts.JobType)
		}
	}

	count, err := s.db.Store().Count(&models.Job{}, query)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return int(count), nil
}

func jobQuery(opts *interfaces.ListOptions) *badgerhold.Query {
	query := badgerhold.Where("ID").Ne("")

	if opts == nil {
		return query.SortBy("CreatedAt").Reverse()
	}

	if opts.Status != "" {
		query = query.And("Status").Eq(models.JobStatus(opts.Status))
	}
	if opts.JobType != "" {
		query = query.And("JobType").Eq(opts.JobType)
	}
	if !opts.UpdatedBefore.IsZero() {
		query = query.And("UpdatedAt").Lt(opts.UpdatedBefore)
	}
	if opts.Limit > 0 {
		query = query.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		query = query.Skip(opts.Offset)
	}

	if opts.OrderBy != "" {
		if opts.OrderDir == "DESC" {
			query = query.SortBy(opts.OrderBy).Reverse()
		} else {
			query = query.SortBy(opts.OrderBy)
		}
	} else {
		query = query.SortBy("CreatedAt").Reverse()
	}

	return query
}
