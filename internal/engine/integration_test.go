package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/strata/internal/models"
	"github.com/ternarybob/strata/internal/workflow"
)

// registerTolerantFan installs a two-stage workflow with a tolerant failure
// policy: a dynamic fan-out stage where named items fail, then a single
// gather stage over the surviving results.
func registerTolerantFan(handlers *workflow.HandlerRegistry, registry *workflow.JobRegistry) error {
	if err := handlers.Register("fan_work", func(ctx context.Context, params map[string]interface{}) *models.TaskResult {
		if fail, _ := params["fail"].(bool); fail {
			return models.TaskFailure(models.ErrorTypeTaskError, "item %v rejected", params["item"])
		}
		return models.TaskSuccess(map[string]interface{}{"item": params["item"]})
	}); err != nil {
		return err
	}
	if err := handlers.Register("fan_gather", func(ctx context.Context, params map[string]interface{}) *models.TaskResult {
		return models.TaskSuccess(map[string]interface{}{"gathered": params["count"]})
	}); err != nil {
		return err
	}

	return registry.Register(&workflow.Definition{
		JobType: "fan_tolerant",
		OnError: workflow.Tolerant,
		Stages: []workflow.StageDefinition{
			{Number: 1, Name: "fan", TaskType: "fan_work", Parallelism: workflow.ParallelismDynamic},
			{Number: 2, Name: "gather", TaskType: "fan_gather", Parallelism: workflow.ParallelismSingle, UsesLineage: true},
		},
		Params: workflow.ParameterSchema{
			Fields: []workflow.Field{
				{Name: "count", Type: workflow.FieldInt, Required: true, Min: workflow.FloatPtr(1)},
				{Name: "fail_items", Type: workflow.FieldArray},
			},
		},
		CreateTasks: func(stage int, params map[string]interface{}, jobID string, previous []models.TaskOutcome) ([]models.TaskSpec, error) {
			switch stage {
			case 1:
				count := int(params["count"].(float64))
				failItems, _ := params["fail_items"].([]interface{})
				specs := make([]models.TaskSpec, 0, count)
				for i := 0; i < count; i++ {
					fail := false
					for _, v := range failItems {
						if n, ok := v.(float64); ok && int(n) == i {
							fail = true
						}
					}
					specs = append(specs, models.TaskSpec{
						Index:      fmt.Sprintf("%d", i),
						Parameters: map[string]interface{}{"item": float64(i), "fail": fail},
					})
				}
				return specs, nil
			case 2:
				survived := 0
				for _, outcome := range previous {
					if outcome.Success {
						survived++
					}
				}
				return []models.TaskSpec{
					{Index: "0", Parameters: map[string]interface{}{"count": float64(survived)}},
				}, nil
			}
			return nil, fmt.Errorf("no stage %d", stage)
		},
		Aggregate: func(job *models.Job, all map[string][]models.TaskOutcome) (map[string]interface{}, error) {
			outcomes := all[models.StageKey(2)]
			if len(outcomes) != 1 || !outcomes[0].Success {
				return nil, fmt.Errorf("gather stage produced no result")
			}
			return outcomes[0].Result, nil
		},
	})
}

func TestEngine_HelloRunsToCompletion(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	job := h.submitAndRun(t, "hello", map[string]interface{}{"name": "Ada"})

	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, map[string]interface{}{"greeting": "hi Ada"}, job.ResultData)
	assert.Empty(t, job.ErrorMessage)
	assert.NotNil(t, job.CompletedAt)

	outcomes := job.StageResults["1"]
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Success)
}

func TestEngine_SubmissionIsIdempotent(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	first, err := h.service.SubmitJob(ctx, "hello", map[string]interface{}{"name": "Ada"})
	require.NoError(t, err)
	assert.False(t, first.AlreadyExisted)

	h.drain(t)

	// Identical parameters resolve to the same record even after completion.
	second, err := h.service.SubmitJob(ctx, "hello", map[string]interface{}{"name": "Ada"})
	require.NoError(t, err)
	assert.True(t, second.AlreadyExisted)
	assert.Equal(t, first.JobID, second.JobID)
	assert.Equal(t, models.JobStatusCompleted, second.Status)

	// Different parameters are a different job.
	third, err := h.service.SubmitJob(ctx, "hello", map[string]interface{}{"name": "Grace"})
	require.NoError(t, err)
	assert.NotEqual(t, first.JobID, third.JobID)
}

func TestEngine_CSVFanOutFanIn(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	job := h.submitAndRun(t, "process_csv", map[string]interface{}{
		"chunk_count": float64(3),
	})

	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.EqualValues(t, 300, job.ResultData["rows_uploaded"])
	assert.EqualValues(t, 3, job.ResultData["chunks_validated"])

	// One analyze, three validate chunks, one load.
	tasks, err := h.tasks.ListTasks(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 5)
	for _, task := range tasks {
		assert.Equal(t, models.TaskStatusCompleted, task.Status)
	}

	// Stage 2 results are ordered by task ID.
	stage2 := job.StageResults["2"]
	require.Len(t, stage2, 3)
	for i := 1; i < len(stage2); i++ {
		assert.Less(t, stage2[i-1].TaskID, stage2[i].TaskID)
	}
}

func TestEngine_FailFastStopsPipeline(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	job := h.submitAndRun(t, "process_csv", map[string]interface{}{
		"chunk_count": float64(3),
		"fail_chunks": []interface{}{float64(1)},
	})

	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "bad row in chunk 1")
	assert.Contains(t, job.ErrorMessage, models.ErrorTypeTaskError)

	// The load stage is never fanned out.
	tasks, err := h.tasks.ListTasks(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 4)
	for _, task := range tasks {
		assert.LessOrEqual(t, task.Stage, 2)
	}

	// The deciding stage's outcomes are still recorded.
	require.Len(t, job.StageResults["2"], 3)
}

func TestEngine_TolerantPolicyContinuesPastFailures(t *testing.T) {
	h := newHarness(t, harnessOptions{register: registerTolerantFan})

	job := h.submitAndRun(t, "fan_tolerant", map[string]interface{}{
		"count":      float64(4),
		"fail_items": []interface{}{float64(1), float64(3)},
	})

	assert.Equal(t, models.JobStatusCompletedWithErrors, job.Status)
	assert.Contains(t, job.ErrorMessage, "rejected")
	assert.Contains(t, job.ErrorMessage, "and 1 more failed tasks")

	// The gather stage ran over the two survivors.
	require.Len(t, job.StageResults["2"], 1)
	assert.True(t, job.StageResults["2"][0].Success)
	assert.Equal(t, map[string]interface{}{"gathered": float64(2)}, job.ResultData)
}

func TestEngine_TaskIDsAreDeterministic(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	job := h.submitAndRun(t, "process_csv", map[string]interface{}{
		"chunk_count": float64(2),
	})

	for _, want := range []string{
		taskIDFor(job.ID, 1, "0"),
		taskIDFor(job.ID, 2, "0"),
		taskIDFor(job.ID, 2, "1"),
		taskIDFor(job.ID, 3, "0"),
	} {
		_, err := h.tasks.GetTask(context.Background(), want)
		assert.NoError(t, err, want)
	}
}

// A worker that persists the last terminal task write and crashes before
// the stage closure leaves a stranded job; the reconciler must finish the
// close within its sweep.
func TestEngine_ReconcilerRepairsLostStageClosure(t *testing.T) {
	h := newHarness(t, harnessOptions{taskLease: 10 * time.Millisecond})
	ctx := context.Background()

	result, err := h.service.SubmitJob(ctx, "hello", map[string]interface{}{"name": "Ada"})
	require.NoError(t, err)

	// Fan out the single greet task.
	msg, ack, err := h.jobQueue.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, h.dispatcher.Dispatch(ctx, msg))
	require.NoError(t, ack())

	// Simulate the crash: terminal task write lands, closure never runs,
	// and the task message is gone.
	taskID := taskIDFor(result.JobID, 1, "0")
	require.NoError(t, h.tasks.MarkTaskProcessing(ctx, taskID))
	remaining, err := h.tasks.CompleteTask(ctx, taskID, map[string]interface{}{"greeting": "hi Ada"})
	require.NoError(t, err)
	require.Equal(t, 0, remaining)

	taskMsg, taskAck, err := h.taskQueue.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, taskID, taskMsg.TaskID)
	require.NoError(t, taskAck())

	job, err := h.jobs.GetJob(ctx, result.JobID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusProcessing, job.Status)

	time.Sleep(25 * time.Millisecond)
	h.reconciler.runSweep()
	h.drain(t)

	job, err = h.jobs.GetJob(ctx, result.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, "hi Ada", job.ResultData["greeting"])
}

// A crash after the stage advance but before the next stage's job message
// leaves a processing job whose current stage has no tasks; the reconciler
// replays the message.
func TestEngine_ReconcilerReplaysLostStageMessage(t *testing.T) {
	h := newHarness(t, harnessOptions{taskLease: 10 * time.Millisecond, register: registerTolerantFan})
	ctx := context.Background()

	jobID := "stranded-job"
	_, _, err := h.jobs.InsertJobIfAbsent(ctx, &models.Job{
		ID:          jobID,
		JobType:     "fan_tolerant",
		Status:      models.JobStatusQueued,
		Stage:       1,
		TotalStages: 2,
		Parameters:  map[string]interface{}{"count": float64(2)},
	})
	require.NoError(t, err)
	require.NoError(t, h.jobs.UpdateJobStatus(ctx, jobID, models.JobStatusQueued, models.JobStatusProcessing, nil))

	// The advance is recorded but its job message was never enqueued.
	require.NoError(t, h.jobs.AdvanceJobStage(ctx, jobID, 1, 2, []models.TaskOutcome{
		{TaskID: "fan-0", Success: true, Result: map[string]interface{}{"item": float64(0)}},
		{TaskID: "fan-1", Success: true, Result: map[string]interface{}{"item": float64(1)}},
	}))

	time.Sleep(25 * time.Millisecond)
	h.reconciler.runSweep()
	h.drain(t)

	job, err := h.jobs.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, map[string]interface{}{"gathered": float64(2)}, job.ResultData)
}

// A worker that dies mid-task stops heartbeating; the reconciler requeues
// the task and a fresh delivery finishes the job.
func TestEngine_ReconcilerReclaimsStaleTask(t *testing.T) {
	h := newHarness(t, harnessOptions{taskLease: 10 * time.Millisecond})
	ctx := context.Background()

	result, err := h.service.SubmitJob(ctx, "hello", map[string]interface{}{"name": "Ada"})
	require.NoError(t, err)

	msg, ack, err := h.jobQueue.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, h.dispatcher.Dispatch(ctx, msg))
	require.NoError(t, ack())

	// Claim the task the way a worker would, then vanish.
	taskID := taskIDFor(result.JobID, 1, "0")
	taskMsg, taskAck, err := h.taskQueue.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, taskID, taskMsg.TaskID)
	require.NoError(t, h.tasks.MarkTaskProcessing(ctx, taskID))
	require.NoError(t, taskAck())

	time.Sleep(25 * time.Millisecond)
	h.reconciler.runSweep()
	h.drain(t)

	job, err := h.jobs.GetJob(ctx, result.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)

	task, err := h.tasks.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, 1, task.RetryCount)
}

// A task that keeps expiring its lease runs out of retries and is failed
// so the stage still closes.
func TestEngine_ReconcilerFailsTaskOutOfRetries(t *testing.T) {
	h := newHarness(t, harnessOptions{taskLease: 10 * time.Millisecond, maxRetries: 3})
	ctx := context.Background()

	jobID := "retry-exhausted-job"
	_, _, err := h.jobs.InsertJobIfAbsent(ctx, &models.Job{
		ID:          jobID,
		JobType:     "hello",
		Status:      models.JobStatusQueued,
		Stage:       1,
		TotalStages: 1,
		Parameters:  map[string]interface{}{"name": "Ada"},
	})
	require.NoError(t, err)
	require.NoError(t, h.jobs.UpdateJobStatus(ctx, jobID, models.JobStatusQueued, models.JobStatusProcessing, nil))

	taskID := taskIDFor(jobID, 1, "0")
	_, err = h.tasks.InsertTasks(ctx, []*models.Task{{
		ID:         taskID,
		JobID:      jobID,
		Stage:      1,
		TaskType:   "hello_greet",
		Status:     models.TaskStatusProcessing,
		RetryCount: 2,
	}})
	require.NoError(t, err)

	time.Sleep(25 * time.Millisecond)
	h.reconciler.runSweep()
	h.drain(t)

	task, err := h.tasks.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Equal(t, models.ErrorTypeMaxRetriesExceeded, task.ErrorType)
	assert.True(t, strings.Contains(task.ErrorMessage, "lease expired"))

	job, err := h.jobs.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, models.ErrorTypeMaxRetriesExceeded)
}
