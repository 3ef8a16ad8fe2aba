package badger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/common"
	"github.com/ternarybob/strata/internal/interfaces"
	"github.com/ternarybob/strata/internal/models"
)

// newTestDB opens a throwaway Badger database under the test's temp dir.
func newTestDB(t *testing.T) *BadgerDB {
	t.Helper()

	db, err := NewBadgerDB(arbor.NewLogger(), &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "strata-test"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db
}

func newTestStores(t *testing.T) (interfaces.JobStore, interfaces.TaskStore) {
	t.Helper()
	db := newTestDB(t)
	logger := arbor.NewLogger()
	return NewJobStore(db, logger), NewTaskStore(db, logger)
}

func testJob(id string) *models.Job {
	return &models.Job{
		ID:          id,
		JobType:     "demo",
		Status:      models.JobStatusQueued,
		Stage:       1,
		TotalStages: 2,
		Parameters:  map[string]interface{}{"name": "Ada"},
	}
}

func testTask(jobID string, stage int, index string, status models.TaskStatus) *models.Task {
	return &models.Task{
		ID:       common.NewTaskID(jobID, stage, index),
		JobID:    jobID,
		Stage:    stage,
		TaskType: "demo_work",
		Status:   status,
	}
}
