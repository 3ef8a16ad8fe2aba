package workflows

import (
	"context"
	"fmt"

	"github.com/ternarybob/strata/internal/models"
	"github.com/ternarybob/strata/internal/workflow"
)

// hello is the smallest possible workflow: one stage, one task, one
// greeting. It doubles as the smoke-test fixture for the full
// submit -> execute -> finalize path.
func registerHello(handlers *workflow.HandlerRegistry, registry *workflow.JobRegistry) error {
	if err := handlers.Register("hello_greet", greetHandler); err != nil {
		return err
	}

	return registry.Register(&workflow.Definition{
		JobType: "hello",
		Stages: []workflow.StageDefinition{
			{
				Number:      1,
				Name:        "greet",
				TaskType:    "hello_greet",
				Parallelism: workflow.ParallelismSingle,
			},
		},
		Params: workflow.ParameterSchema{
			Fields: []workflow.Field{
				{Name: "name", Type: workflow.FieldString, Required: true},
			},
		},
		CreateTasks: func(stage int, params map[string]interface{}, jobID string, previous []models.TaskOutcome) ([]models.TaskSpec, error) {
			return []models.TaskSpec{
				{Index: "0", Parameters: params},
			}, nil
		},
		Aggregate: func(job *models.Job, all map[string][]models.TaskOutcome) (map[string]interface{}, error) {
			outcomes := all[models.StageKey(1)]
			if len(outcomes) != 1 {
				return nil, fmt.Errorf("expected one greeting outcome, got %d", len(outcomes))
			}
			return outcomes[0].Result, nil
		},
	})
}

func greetHandler(ctx context.Context, params map[string]interface{}) *models.TaskResult {
	name, _ := params["name"].(string)
	if name == "" {
		return models.TaskFailure(models.ErrorTypeTaskError, "name parameter is empty")
	}
	return models.TaskSuccess(map[string]interface{}{
		"greeting": fmt.Sprintf("hi %s", name),
	})
}
