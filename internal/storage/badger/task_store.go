// -----------------------------------------------------------------------
// Task Store - Task persistence and the stage-closure counting primitive
// -----------------------------------------------------------------------

package badger

import (
	"context"
	"fmt"
	"sort"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/interfaces"
	"github.com/ternarybob/strata/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// TaskStore implements interfaces.TaskStore on Badger.
//
// CompleteTask and FailTask are the coordination point for stage closure:
// the terminal write and the remaining-count read happen in one Badger
// transaction. Badger's SSI conflict detection makes two concurrent
// closures for the same stage conflict; the loser re-runs and observes the
// winner's write, so exactly one caller ever sees a remaining count of
// zero.
type TaskStore struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewTaskStore creates a new TaskStore instance
func NewTaskStore(db *BadgerDB, logger arbor.ILogger) interfaces.TaskStore {
	return &TaskStore{
		db:     db,
		logger: logger,
	}
}

func (s *TaskStore) InsertTasks(ctx context.Context, tasks []*models.Task) (int, error) {
	if len(tasks) == 0 {
		return 0, nil
	}

	store := s.db.Store()
	inserted := 0

	err := runTxn(store.Badger(), func(txn *badgerdb.Txn) error {
		inserted = 0
		now := time.Now()
		for _, task := range tasks {
			if task.ID == "" {
				return fmt.Errorf("task ID is required")
			}
			if task.CreatedAt.IsZero() {
				task.CreatedAt = now
			}
			task.UpdatedAt = now

			err := store.TxInsert(txn, task.ID, task)
			if err == badgerhold.ErrKeyExists {
				// Redelivered job message; the task set for a stage is
				// fixed at first creation.
				continue
			}
			if err != nil {
				return err
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to insert tasks: %w", err)
	}

	return inserted, nil
}

func (s *TaskStore) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	var task models.Task
	if err := s.db.Store().Get(taskID, &task); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("%w: %s", models.ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &task, nil
}

func (s *TaskStore) ListTasks(ctx context.Context, jobID string) ([]*models.Task, error) {
	var tasks []models.Task
	query := badgerhold.Where("JobID").Eq(jobID).SortBy("ID")
	if err := s.db.Store().Find(&tasks, query); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	result := make([]*models.Task, len(tasks))
	for i := range tasks {
		result[i] = &tasks[i]
	}
	return result, nil
}

func (s *TaskStore) ListStageTasks(ctx context.Context, jobID string, stage int) ([]*models.Task, error) {
	var tasks []models.Task
	query := badgerhold.Where("JobID").Eq(jobID).And("Stage").Eq(stage).SortBy("ID")
	if err := s.db.Store().Find(&tasks, query); err != nil {
		return nil, fmt.Errorf("failed to list stage tasks: %w", err)
	}

	result := make([]*models.Task, len(tasks))
	for i := range tasks {
		result[i] = &tasks[i]
	}
	return result, nil
}

func (s *TaskStore) MarkTaskProcessing(ctx context.Context, taskID string) error {
	store := s.db.Store()
	return runTxn(store.Badger(), func(txn *badgerdb.Txn) error {
		var task models.Task
		if err := store.TxGet(txn, taskID, &task); err != nil {
			if err == badgerhold.ErrNotFound {
				return fmt.Errorf("%w: %s", models.ErrTaskNotFound, taskID)
			}
			return err
		}

		if task.Status != models.TaskStatusQueued {
			return fmt.Errorf("%w: task %s is %s", models.ErrStatusConflict, taskID, task.Status)
		}

		now := time.Now()
		task.Status = models.TaskStatusProcessing
		task.Heartbeat = &now
		task.UpdatedAt = now
		if task.StartedAt == nil {
			task.StartedAt = &now
		}

		return store.TxUpdate(txn, taskID, &task)
	})
}

func (s *TaskStore) TouchTask(ctx context.Context, taskID string) error {
	store := s.db.Store()
	return runTxn(store.Badger(), func(txn *badgerdb.Txn) error {
		var task models.Task
		if err := store.TxGet(txn, taskID, &task); err != nil {
			if err == badgerhold.ErrNotFound {
				return fmt.Errorf("%w: %s", models.ErrTaskNotFound, taskID)
			}
			return err
		}

		if task.Status != models.TaskStatusProcessing {
			return fmt.Errorf("%w: task %s is %s", models.ErrStatusConflict, taskID, task.Status)
		}

		now := time.Now()
		task.Heartbeat = &now
		task.UpdatedAt = now

		return store.TxUpdate(txn, taskID, &task)
	})
}

func (s *TaskStore) CompleteTask(ctx context.Context, taskID string, result map[string]interface{}) (int, error) {
	return s.closeTask(ctx, taskID, func(task *models.Task, now time.Time) {
		task.Status = models.TaskStatusCompleted
		task.ResultData = result
		task.CompletedAt = &now
	})
}

func (s *TaskStore) FailTask(ctx context.Context, taskID string, errorMessage, errorType string) (int, error) {
	return s.closeTask(ctx, taskID, func(task *models.Task, now time.Time) {
		task.Status = models.TaskStatusFailed
		task.ErrorMessage = errorMessage
		task.ErrorType = errorType
		task.CompletedAt = &now
	})
}

// closeTask moves a processing task to a terminal status and counts the
// stage's remaining non-terminal tasks in the same transaction. The
// returned count is the election result: zero means the caller is the
// lights-out actor for the stage.
func (s *TaskStore) closeTask(ctx context.Context, taskID string, apply func(*models.Task, time.Time)) (int, error) {
	store := s.db.Store()
	remaining := 0

	err := runTxn(store.Badger(), func(txn *badgerdb.Txn) error {
		var task models.Task
		if err := store.TxGet(txn, taskID, &task); err != nil {
			if err == badgerhold.ErrNotFound {
				return fmt.Errorf("%w: %s", models.ErrTaskNotFound, taskID)
			}
			return err
		}

		if task.Status != models.TaskStatusProcessing {
			return fmt.Errorf("%w: task %s is %s", models.ErrStatusConflict, taskID, task.Status)
		}

		now := time.Now()
		apply(&task, now)
		task.UpdatedAt = now

		if err := store.TxUpdate(txn, taskID, &task); err != nil {
			return err
		}

		count, err := s.txCountRemaining(txn, task.JobID, task.Stage)
		if err != nil {
			return err
		}
		remaining = count
		return nil
	})
	if err != nil {
		return 0, err
	}

	return remaining, nil
}

func (s *TaskStore) LoadStageTaskResults(ctx context.Context, jobID string, stage int) ([]models.TaskOutcome, error) {
	tasks, err := s.ListStageTasks(ctx, jobID, stage)
	if err != nil {
		return nil, err
	}

	outcomes := make([]models.TaskOutcome, 0, len(tasks))
	for _, task := range tasks {
		outcomes = append(outcomes, task.Outcome())
	}

	// Find already sorts by ID; keep the ordering law independent of the
	// query plan.
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].TaskID < outcomes[j].TaskID })

	return outcomes, nil
}

func (s *TaskStore) CountRemaining(ctx context.Context, jobID string, stage int) (int, error) {
	store := s.db.Store()
	remaining := 0

	err := store.Badger().View(func(txn *badgerdb.Txn) error {
		count, err := s.txCountRemaining(txn, jobID, stage)
		if err != nil {
			return err
		}
		remaining = count
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count remaining tasks: %w", err)
	}

	return remaining, nil
}

func (s *TaskStore) txCountRemaining(txn *badgerdb.Txn, jobID string, stage int) (int, error) {
	query := badgerhold.Where("JobID").Eq(jobID).
		And("Stage").Eq(stage).
		And("Status").In(models.TaskStatusQueued, models.TaskStatusProcessing)

	count, err := s.db.Store().TxCount(txn, &models.Task{}, query)
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

func (s *TaskStore) TaskProgress(ctx context.Context, jobID string, throughStage int) (*models.Progress, error) {
	var tasks []models.Task
	query := badgerhold.Where("JobID").Eq(jobID).And("Stage").Le(throughStage)
	if err := s.db.Store().Find(&tasks, query); err != nil {
		return nil, fmt.Errorf("failed to load task progress: %w", err)
	}

	progress := &models.Progress{Total: len(tasks)}
	for _, task := range tasks {
		switch task.Status {
		case models.TaskStatusCompleted:
			progress.Completed++
		case models.TaskStatusFailed:
			progress.Failed++
		}
	}
	if progress.Total > 0 {
		progress.Percent = float64(progress.Completed+progress.Failed) / float64(progress.Total) * 100
	}

	return progress, nil
}

func (s *TaskStore) ResetStaleTasks(ctx context.Context, lease time.Duration, maxRetries int) ([]*models.Task, []*models.Task, error) {
	cutoff := time.Now().Add(-lease)

	var stale []models.Task
	query := badgerhold.Where("Status").Eq(models.TaskStatusProcessing).And("UpdatedAt").Lt(cutoff)
	if err := s.db.Store().Find(&stale, query); err != nil {
		return nil, nil, fmt.Errorf("failed to scan stale tasks: %w", err)
	}

	var requeued, expired []*models.Task
	store := s.db.Store()

	for i := range stale {
		task := stale[i]

		if task.RetryCount+1 >= maxRetries {
			// Out of retries; the caller fails the task through the normal
			// complete/fail path so stage closure still runs.
			expired = append(expired, &task)
			continue
		}

		err := runTxn(store.Badger(), func(txn *badgerdb.Txn) error {
			var current models.Task
			if err := store.TxGet(txn, task.ID, &current); err != nil {
				return err
			}
			// The worker may have finished between the scan and now.
			if current.Status != models.TaskStatusProcessing || current.UpdatedAt.After(cutoff) {
				return fmt.Errorf("%w: task %s moved", models.ErrStatusConflict, task.ID)
			}

			current.Status = models.TaskStatusQueued
			current.RetryCount++
			current.Heartbeat = nil
			current.UpdatedAt = time.Now()

			if err := store.TxUpdate(txn, task.ID, &current); err != nil {
				return err
			}
			task = current
			return nil
		})
		if err != nil {
			s.logger.Debug().Err(err).Str("task_id", task.ID).Msg("Stale task reset skipped")
			continue
		}

		requeued = append(requeued, &task)
	}

	return requeued, expired, nil
}
