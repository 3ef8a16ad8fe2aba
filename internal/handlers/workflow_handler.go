package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/workflow"
)

// WorkflowHandler serves the registered workflow catalog.
type WorkflowHandler struct {
	registry *workflow.JobRegistry
	logger   arbor.ILogger
}

// NewWorkflowHandler creates the workflow catalog handler.
func NewWorkflowHandler(registry *workflow.JobRegistry, logger arbor.ILogger) *WorkflowHandler {
	return &WorkflowHandler{
		registry: registry,
		logger:   logger,
	}
}

// ListWorkflowsHandler handles GET /api/workflows. The catalog is what a
// client needs to build a submission: job types, stage shapes and the
// parameter schemas.
func (h *WorkflowHandler) ListWorkflowsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	defs := h.registry.Definitions()
	catalog := make([]map[string]interface{}, 0, len(defs))

	for _, def := range defs {
		stages := make([]map[string]interface{}, 0, len(def.Stages))
		for _, stage := range def.Stages {
			entry := map[string]interface{}{
				"number":      stage.Number,
				"name":        stage.Name,
				"task_type":   stage.TaskType,
				"parallelism": stage.Parallelism,
			}
			if stage.OnError != "" {
				entry["on_error"] = stage.OnError
			}
			stages = append(stages, entry)
		}

		params := make([]map[string]interface{}, 0, len(def.Params.Fields))
		for _, field := range def.Params.Fields {
			entry := map[string]interface{}{
				"name":     field.Name,
				"type":     field.Type,
				"required": field.Required,
			}
			if field.Default != nil {
				entry["default"] = field.Default
			}
			if field.Min != nil {
				entry["min"] = *field.Min
			}
			if field.Max != nil {
				entry["max"] = *field.Max
			}
			if len(field.Enum) > 0 {
				entry["enum"] = field.Enum
			}
			params = append(params, entry)
		}

		onError := def.OnError
		if onError == "" {
			onError = workflow.FailFast
		}

		catalog = append(catalog, map[string]interface{}{
			"job_type":     def.JobType,
			"total_stages": def.TotalStages(),
			"on_error":     onError,
			"stages":       stages,
			"parameters":   params,
		})
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"workflows": catalog,
		"count":     len(catalog),
	})
}
