package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/strata/internal/interfaces"
	"github.com/ternarybob/strata/internal/models"
)

func TestService_SubmitRejectsUnknownJobType(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	_, err := h.service.SubmitJob(context.Background(), "no_such_type", nil)
	require.Error(t, err)

	var subErr *models.SubmissionError
	require.True(t, errors.As(err, &subErr))
	assert.Equal(t, models.SubmitErrUnknownJobType, subErr.Code)
}

func TestService_SubmitRejectsInvalidParameters(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	cases := []struct {
		name   string
		params map[string]interface{}
		field  string
	}{
		{"missing required", map[string]interface{}{}, "name"},
		{"unknown key", map[string]interface{}{"name": "Ada", "surname": "Lovelace"}, "surname"},
		{"wrong type", map[string]interface{}{"name": float64(7)}, "name"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.service.SubmitJob(ctx, "hello", tc.params)
			require.Error(t, err)

			var subErr *models.SubmissionError
			require.True(t, errors.As(err, &subErr))
			assert.Equal(t, models.SubmitErrInvalidParameters, subErr.Code)
			assert.Equal(t, tc.field, subErr.Field)
		})
	}
}

func TestService_SubmitNormalizesBeforeHashing(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	// An integer-valued float and the default-free equivalent map to the
	// same job ID, so resubmission with cosmetic differences deduplicates.
	first, err := h.service.SubmitJob(ctx, "process_csv", map[string]interface{}{
		"chunk_count": float64(2),
	})
	require.NoError(t, err)
	assert.False(t, first.AlreadyExisted)

	second, err := h.service.SubmitJob(ctx, "process_csv", map[string]interface{}{
		"chunk_count":    float64(2),
		"rows_per_chunk": float64(100), // matches the schema default
	})
	require.NoError(t, err)
	assert.True(t, second.AlreadyExisted)
	assert.Equal(t, first.JobID, second.JobID)
}

func TestService_GetJobStatusReportsProgress(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	job := h.submitAndRun(t, "process_csv", map[string]interface{}{
		"chunk_count": float64(3),
	})

	view, err := h.service.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, view.Status)
	assert.Equal(t, 3, view.TotalStages)
	assert.Equal(t, 5, view.Progress.Total)
	assert.Equal(t, 5, view.Progress.Completed)
	assert.InDelta(t, 100.0, view.Progress.Percent, 0.01)
}

func TestService_GetJobStatusMissingJob(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	_, err := h.service.GetJobStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestService_ListJobTasks(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	job := h.submitAndRun(t, "hello", map[string]interface{}{"name": "Ada"})

	tasks, err := h.service.ListJobTasks(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskStatusCompleted, tasks[0].Status)

	_, err = h.service.ListJobTasks(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestService_ListJobsFilters(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	h.submitAndRun(t, "hello", map[string]interface{}{"name": "Ada"})
	h.submitAndRun(t, "hello", map[string]interface{}{"name": "Grace"})

	jobs, err := h.service.ListJobs(ctx, &interfaces.ListOptions{JobType: "hello"})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	count, err := h.service.CountJobs(ctx, &interfaces.ListOptions{Status: string(models.JobStatusCompleted)})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
