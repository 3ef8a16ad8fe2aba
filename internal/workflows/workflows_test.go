package workflows

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/models"
	"github.com/ternarybob/strata/internal/workflow"
)

func newRegistries(t *testing.T) (*workflow.HandlerRegistry, *workflow.JobRegistry) {
	t.Helper()
	logger := arbor.NewLogger()
	handlers := workflow.NewHandlerRegistry(logger)
	registry := workflow.NewJobRegistry(handlers, logger)
	require.NoError(t, RegisterAll(handlers, registry))
	return handlers, registry
}

func TestRegisterAll_ValidatesCleanly(t *testing.T) {
	_, registry := newRegistries(t)
	require.NoError(t, registry.ValidateAll())

	for _, jobType := range []string{"hello", "process_csv", "tile_grid"} {
		_, err := registry.Lookup(jobType)
		assert.NoError(t, err, jobType)
	}
}

func TestGreetHandler(t *testing.T) {
	result := greetHandler(context.Background(), map[string]interface{}{"name": "Ada"})
	require.True(t, result.Success)
	assert.Equal(t, "hi Ada", result.Result["greeting"])

	result = greetHandler(context.Background(), map[string]interface{}{})
	require.False(t, result.Success)
	assert.Equal(t, models.ErrorTypeTaskError, result.ErrorType)
	assert.NotEmpty(t, result.Error)
}

func TestCSVAnalyzeHandler(t *testing.T) {
	result := analyzeCSVHandler(context.Background(), map[string]interface{}{
		"chunk_count":    float64(3),
		"rows_per_chunk": float64(100),
	})
	require.True(t, result.Success)
	assert.Equal(t, float64(300), result.Result["total_rows"])
	assert.Equal(t, float64(3), result.Result["chunk_count"])
	assert.Equal(t, "/tmp/strata_csv_3_chunks", result.Result["temp_path"])
}

func TestCSVValidateChunkHandler(t *testing.T) {
	result := validateChunkHandler(context.Background(), map[string]interface{}{
		"chunk": float64(1),
		"rows":  float64(100),
	})
	require.True(t, result.Success)
	assert.Equal(t, float64(100), result.Result["valid_rows"])

	result = validateChunkHandler(context.Background(), map[string]interface{}{
		"chunk": float64(2),
		"rows":  float64(100),
		"fail":  true,
	})
	require.False(t, result.Success)
	assert.Equal(t, "bad row in chunk 2", result.Error)
	assert.Equal(t, models.ErrorTypeTaskError, result.ErrorType)
}

func TestCreateCSVTasks_FanOut(t *testing.T) {
	params := map[string]interface{}{
		"chunk_count":    float64(3),
		"rows_per_chunk": float64(100),
		"fail_chunks":    []interface{}{float64(1)},
	}

	// Stage 1 always has a single analyze task.
	specs, err := createCSVTasks(1, params, "job-1", nil)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "0", specs[0].Index)

	// Stage 2 fans out one validation task per chunk from the analyze result.
	analysis := []models.TaskOutcome{{
		TaskID:  "t1",
		Success: true,
		Result: map[string]interface{}{
			"chunk_count":    float64(3),
			"rows_per_chunk": float64(100),
			"temp_path":      "/tmp/strata_csv_3_chunks",
		},
	}}
	specs, err = createCSVTasks(2, params, "job-1", analysis)
	require.NoError(t, err)
	require.Len(t, specs, 3)
	assert.Equal(t, "0", specs[0].Index)
	assert.Equal(t, "2", specs[2].Index)
	assert.Equal(t, false, specs[0].Parameters["fail"])
	assert.Equal(t, true, specs[1].Parameters["fail"])
	assert.Equal(t, "/tmp/strata_csv_3_chunks", specs[0].Parameters["temp_path"])

	// Stage 3 fans back in, summing only the successful chunks.
	validated := []models.TaskOutcome{
		{Success: true, Result: map[string]interface{}{"valid_rows": float64(100)}},
		{Success: false, Error: "bad row in chunk 1"},
		{Success: true, Result: map[string]interface{}{"valid_rows": float64(100)}},
	}
	specs, err = createCSVTasks(3, params, "job-1", validated)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, float64(200), specs[0].Parameters["total_valid_rows"])
}

func TestCreateCSVTasks_RejectsFailedAnalyze(t *testing.T) {
	_, err := createCSVTasks(2, nil, "job-1", []models.TaskOutcome{{Success: false}})
	assert.Error(t, err)

	_, err = createCSVTasks(2, nil, "job-1", nil)
	assert.Error(t, err)

	_, err = createCSVTasks(4, nil, "job-1", nil)
	assert.Error(t, err)
}

func TestAggregateCSV(t *testing.T) {
	all := map[string][]models.TaskOutcome{
		"2": {
			{Success: true},
			{Success: false},
			{Success: true},
		},
		"3": {
			{Success: true, Result: map[string]interface{}{"rows_uploaded": float64(200)}},
		},
	}

	result, err := aggregateCSV(nil, all)
	require.NoError(t, err)
	assert.Equal(t, 200, result["rows_uploaded"])
	assert.Equal(t, 2, result["chunks_validated"])
}

func TestParseBBox(t *testing.T) {
	box, err := parseBBox(map[string]interface{}{
		"bbox": map[string]interface{}{
			"min_lon": float64(0), "min_lat": float64(0),
			"max_lon": float64(2), "max_lat": float64(1),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(2), box.MaxLon)

	// Missing, malformed and degenerate boxes are rejected.
	_, err = parseBBox(map[string]interface{}{})
	assert.Error(t, err)

	_, err = parseBBox(map[string]interface{}{
		"bbox": map[string]interface{}{"min_lon": "zero"},
	})
	assert.Error(t, err)

	_, err = parseBBox(map[string]interface{}{
		"bbox": map[string]interface{}{
			"min_lon": float64(1), "min_lat": float64(0),
			"max_lon": float64(1), "max_lat": float64(1),
		},
	})
	assert.Error(t, err)
}

func TestCreateTileTasks_GridFanOut(t *testing.T) {
	params := map[string]interface{}{
		"bbox": map[string]interface{}{
			"min_lon": float64(0), "min_lat": float64(0),
			"max_lon": float64(2), "max_lat": float64(1),
		},
		"cell_size": float64(1),
	}

	plan := []models.TaskOutcome{{
		Success: true,
		Result:  map[string]interface{}{"tile_count": float64(2)},
	}}
	specs, err := createTileTasks(2, params, "job-1", plan)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "tile_0_0", specs[0].Index)
	assert.Equal(t, "tile_1_0", specs[1].Index)

	// Edge tiles are clamped to the box boundary.
	assert.Equal(t, float64(2), specs[1].Parameters["max_lon"])
	assert.Equal(t, float64(1), specs[1].Parameters["max_lat"])
}

func TestScanTileHandler_Deterministic(t *testing.T) {
	params := map[string]interface{}{"tile_x": float64(3), "tile_y": float64(7)}

	first := scanTileHandler(context.Background(), params)
	second := scanTileHandler(context.Background(), params)
	require.True(t, first.Success)
	assert.Equal(t, first.Result["feature_count"], second.Result["feature_count"])
}

func TestAggregateTiles(t *testing.T) {
	all := map[string][]models.TaskOutcome{
		"1": {{
			Success: true,
			Result: map[string]interface{}{
				"tiles_x": float64(2), "tiles_y": float64(1),
				"tile_count": float64(2), "cell_size": float64(1),
			},
		}},
		"2": {
			{Success: true, Result: map[string]interface{}{"feature_count": float64(10)}},
			{Success: true, Result: map[string]interface{}{"feature_count": float64(5)}},
			{Success: false},
		},
	}

	summary, err := aggregateTiles(nil, all)
	require.NoError(t, err)
	assert.Equal(t, 2, summary["tiles_scanned"])
	assert.Equal(t, 15, summary["total_features"])
	assert.Equal(t, float64(2), summary["tile_count"])
}
