package workflows

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ternarybob/strata/internal/models"
	"github.com/ternarybob/strata/internal/workflow"
)

// process_csv is the canonical fan-out/fan-in workflow: analyze a file,
// validate its chunks in parallel, load the validated rows. The row counts
// are simulated deterministically from the parameters so runs are
// reproducible. The optional fail_chunks parameter forces named chunks to
// fail, which exercises the failure policies end to end.
func registerProcessCSV(handlers *workflow.HandlerRegistry, registry *workflow.JobRegistry) error {
	if err := handlers.Register("csv_analyze", analyzeCSVHandler); err != nil {
		return err
	}
	if err := handlers.Register("csv_validate_chunk", validateChunkHandler); err != nil {
		return err
	}
	if err := handlers.Register("csv_load", loadCSVHandler); err != nil {
		return err
	}

	return registry.Register(&workflow.Definition{
		JobType: "process_csv",
		Stages: []workflow.StageDefinition{
			{
				Number:      1,
				Name:        "analyze",
				TaskType:    "csv_analyze",
				Parallelism: workflow.ParallelismSingle,
			},
			{
				Number:      2,
				Name:        "validate",
				TaskType:    "csv_validate_chunk",
				Parallelism: workflow.ParallelismDynamic,
				UsesLineage: true,
			},
			{
				Number:      3,
				Name:        "load",
				TaskType:    "csv_load",
				Parallelism: workflow.ParallelismSingle,
				UsesLineage: true,
			},
		},
		Params: workflow.ParameterSchema{
			Fields: []workflow.Field{
				{Name: "chunk_count", Type: workflow.FieldInt, Required: true, Min: workflow.FloatPtr(1), Max: workflow.FloatPtr(1000)},
				{Name: "rows_per_chunk", Type: workflow.FieldInt, Default: float64(100), Min: workflow.FloatPtr(1)},
				{Name: "fail_chunks", Type: workflow.FieldArray},
			},
		},
		CreateTasks: createCSVTasks,
		Aggregate:   aggregateCSV,
	})
}

func createCSVTasks(stage int, params map[string]interface{}, jobID string, previous []models.TaskOutcome) ([]models.TaskSpec, error) {
	switch stage {
	case 1:
		return []models.TaskSpec{
			{Index: "0", Parameters: params},
		}, nil

	case 2:
		if len(previous) != 1 || !previous[0].Success {
			return nil, fmt.Errorf("analyze stage produced no usable result")
		}
		analysis := previous[0].Result
		chunkCount := intParam(analysis, "chunk_count")
		rowsPerChunk := intParam(analysis, "rows_per_chunk")
		if chunkCount < 1 {
			return nil, fmt.Errorf("analyze stage reported %d chunks", chunkCount)
		}

		specs := make([]models.TaskSpec, 0, chunkCount)
		for i := 0; i < chunkCount; i++ {
			specs = append(specs, models.TaskSpec{
				Index: strconv.Itoa(i),
				Parameters: map[string]interface{}{
					"chunk":     float64(i),
					"rows":      float64(rowsPerChunk),
					"temp_path": analysis["temp_path"],
					"fail":      chunkShouldFail(params, i),
				},
			})
		}
		return specs, nil

	case 3:
		totalValid := 0
		for _, outcome := range previous {
			if outcome.Success {
				totalValid += intParam(outcome.Result, "valid_rows")
			}
		}
		return []models.TaskSpec{
			{Index: "0", Parameters: map[string]interface{}{
				"total_valid_rows": float64(totalValid),
			}},
		}, nil
	}

	return nil, fmt.Errorf("process_csv has no stage %d", stage)
}

func aggregateCSV(job *models.Job, all map[string][]models.TaskOutcome) (map[string]interface{}, error) {
	loadOutcomes := all[models.StageKey(3)]
	if len(loadOutcomes) != 1 {
		return nil, fmt.Errorf("expected one load outcome, got %d", len(loadOutcomes))
	}

	validated := 0
	for _, outcome := range all[models.StageKey(2)] {
		if outcome.Success {
			validated++
		}
	}

	result := map[string]interface{}{
		"rows_uploaded":    0,
		"chunks_validated": validated,
	}
	if loadOutcomes[0].Success {
		result["rows_uploaded"] = intParam(loadOutcomes[0].Result, "rows_uploaded")
	}
	return result, nil
}

// analyzeCSVHandler simulates scanning the input file: it reports the row
// total and a staging path the validation chunks read from.
func analyzeCSVHandler(ctx context.Context, params map[string]interface{}) *models.TaskResult {
	chunkCount := intParam(params, "chunk_count")
	rowsPerChunk := intParam(params, "rows_per_chunk")
	if rowsPerChunk < 1 {
		rowsPerChunk = 100
	}

	return models.TaskSuccess(map[string]interface{}{
		"total_rows":     float64(chunkCount * rowsPerChunk),
		"chunk_count":    float64(chunkCount),
		"rows_per_chunk": float64(rowsPerChunk),
		"temp_path":      fmt.Sprintf("/tmp/strata_csv_%d_chunks", chunkCount),
	})
}

func validateChunkHandler(ctx context.Context, params map[string]interface{}) *models.TaskResult {
	chunk := intParam(params, "chunk")
	if fail, _ := params["fail"].(bool); fail {
		return models.TaskFailure(models.ErrorTypeTaskError, "bad row in chunk %d", chunk)
	}

	rows := intParam(params, "rows")
	return models.TaskSuccess(map[string]interface{}{
		"chunk":      float64(chunk),
		"valid_rows": float64(rows),
	})
}

func loadCSVHandler(ctx context.Context, params map[string]interface{}) *models.TaskResult {
	return models.TaskSuccess(map[string]interface{}{
		"rows_uploaded": float64(intParam(params, "total_valid_rows")),
	})
}

// chunkShouldFail checks the optional fail_chunks parameter for the index.
func chunkShouldFail(params map[string]interface{}, chunk int) bool {
	list, _ := params["fail_chunks"].([]interface{})
	for _, v := range list {
		if n, ok := v.(float64); ok && int(n) == chunk {
			return true
		}
	}
	return false
}

// intParam reads a numeric map entry. Parameters and results round-trip
// through JSON, so numbers arrive as float64.
func intParam(m map[string]interface{}, key string) int {
	if m == nil {
		return 0
	}
	switch n := m[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return 0
}
