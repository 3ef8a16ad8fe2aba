// -----------------------------------------------------------------------
// Workflow Model - Declarative job type definitions
// -----------------------------------------------------------------------

package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/strata/internal/models"
)

// FailurePolicy decides what happens to a job when a stage closes with
// failed tasks.
type FailurePolicy string

const (
	// FailFast terminates the job as failed when any task in the stage
	// failed. This is the default.
	FailFast FailurePolicy = "fail_fast"

	// Tolerant lets the job continue past failed tasks; the terminal status
	// becomes completed_with_errors when any stage absorbed a failure.
	Tolerant FailurePolicy = "tolerant"
)

// Parallelism describes how a stage's task count is determined.
type Parallelism string

const (
	// ParallelismSingle stages always produce exactly one task.
	ParallelismSingle Parallelism = "single"

	// ParallelismDynamic stages produce a task count decided by the
	// workflow's task factory, typically from a job parameter or from the
	// previous stage's results.
	ParallelismDynamic Parallelism = "dynamic"
)

// HandlerFunc executes one task. Handlers must return a non-nil result with
// Success set; the executor converts panics and nil results into failures.
// Handlers should tolerate re-execution for the same task ID: the store's
// compare-and-set usually prevents it, but at-least-once delivery makes no
// absolute promise.
type HandlerFunc func(ctx context.Context, params map[string]interface{}) *models.TaskResult

// StageDefinition is one sequential step of a workflow.
type StageDefinition struct {
	Number      int           // 1-based position
	Name        string        // Human label
	TaskType    string        // Handler registry key for this stage's tasks
	Parallelism Parallelism   // single or dynamic
	UsesLineage bool          // CreateTasks needs the previous stage's results
	OnError     FailurePolicy // Optional override of the workflow policy
	TaskTimeout time.Duration // Optional override of the engine task timeout
}

// Definition declares a job type: its stages, its parameter schema, a pure
// function producing the task specs for each stage, and an optional final
// aggregation. Definitions are data, registered at process start and
// immutable afterwards.
type Definition struct {
	JobType string
	Stages  []StageDefinition
	Params  ParameterSchema

	// CreateTasks produces the task specs for a stage. It must be pure:
	// the same inputs yield the same specs with the same semantic indices,
	// because task identity is derived from them. previous holds the
	// ordered outcomes of the prior stage when the stage declares lineage.
	CreateTasks func(stage int, params map[string]interface{}, jobID string, previous []models.TaskOutcome) ([]models.TaskSpec, error)

	// Aggregate optionally folds all stage results into the job's final
	// result data. When nil the last stage's outcomes are stored as-is.
	Aggregate func(job *models.Job, all map[string][]models.TaskOutcome) (map[string]interface{}, error)

	// OnError is the workflow-wide failure policy, overridable per stage.
	// Empty means fail_fast.
	OnError FailurePolicy
}

// TotalStages returns the number of stages.
func (d *Definition) TotalStages() int {
	return len(d.Stages)
}

// Stage returns the definition of the given 1-based stage number.
func (d *Definition) Stage(number int) (*StageDefinition, error) {
	if number < 1 || number > len(d.Stages) {
		return nil, fmt.Errorf("workflow %s has no stage %d", d.JobType, number)
	}
	return &d.Stages[number-1], nil
}

// StagePolicy resolves the failure policy for a stage: the stage override
// when set, otherwise the workflow default, otherwise fail_fast.
func (d *Definition) StagePolicy(number int) FailurePolicy {
	if number >= 1 && number <= len(d.Stages) {
		if p := d.Stages[number-1].OnError; p != "" {
			return p
		}
	}
	if d.OnError != "" {
		return d.OnError
	}
	return FailFast
}

// Validate checks the definition's internal consistency: contiguous stage
// numbering from 1, a task type on every stage, a task factory, and a
// well-formed parameter schema.
func (d *Definition) Validate() error {
	if d.JobType == "" {
		return fmt.Errorf("workflow is missing a job type")
	}
	if len(d.Stages) == 0 {
		return fmt.Errorf("workflow %s has no stages", d.JobType)
	}
	if d.CreateTasks == nil {
		return fmt.Errorf("workflow %s has no task factory", d.JobType)
	}
	for i, stage := range d.Stages {
		if stage.Number != i+1 {
			return fmt.Errorf("workflow %s: stage at position %d has number %d, want %d", d.JobType, i, stage.Number, i+1)
		}
		if stage.TaskType == "" {
			return fmt.Errorf("workflow %s: stage %d has no task type", d.JobType, stage.Number)
		}
		switch stage.Parallelism {
		case ParallelismSingle, ParallelismDynamic:
		default:
			return fmt.Errorf("workflow %s: stage %d has invalid parallelism %q", d.JobType, stage.Number, stage.Parallelism)
		}
		switch stage.OnError {
		case "", FailFast, Tolerant:
		default:
			return fmt.Errorf("workflow %s: stage %d has invalid failure policy %q", d.JobType, stage.Number, stage.OnError)
		}
	}
	switch d.OnError {
	case "", FailFast, Tolerant:
	default:
		return fmt.Errorf("workflow %s has invalid failure policy %q", d.JobType, d.OnError)
	}
	if err := d.Params.Validate(); err != nil {
		return fmt.Errorf("workflow %s: %w", d.JobType, err)
	}
	return nil
}
