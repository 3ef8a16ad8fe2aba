package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/workflow"
	"github.com/ternarybob/strata/internal/workflows"
)

func TestListWorkflowsHandler(t *testing.T) {
	logger := arbor.NewLogger()
	handlers := workflow.NewHandlerRegistry(logger)
	registry := workflow.NewJobRegistry(handlers, logger)
	require.NoError(t, workflows.RegisterAll(handlers, registry))

	handler := NewWorkflowHandler(registry, logger)

	req := httptest.NewRequest("GET", "/api/workflows", nil)
	rec := httptest.NewRecorder()
	handler.ListWorkflowsHandler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Workflows []map[string]interface{} `json:"workflows"`
		Count     int                      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 3, body.Count)

	// Sorted by job type: hello, process_csv, tile_grid.
	assert.Equal(t, "hello", body.Workflows[0]["job_type"])
	assert.Equal(t, "process_csv", body.Workflows[1]["job_type"])

	csv := body.Workflows[1]
	assert.Equal(t, float64(3), csv["total_stages"])
	stages := csv["stages"].([]interface{})
	require.Len(t, stages, 3)

	params := csv["parameters"].([]interface{})
	var sawChunkCount bool
	for _, p := range params {
		field := p.(map[string]interface{})
		if field["name"] == "chunk_count" {
			sawChunkCount = true
			assert.Equal(t, true, field["required"])
		}
	}
	assert.True(t, sawChunkCount, "catalog exposes the parameter schema")
}

func TestVersionAndHealthHandlers(t *testing.T) {
	api := NewAPIHandler()

	rec := httptest.NewRecorder()
	api.HealthHandler(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	api.VersionHandler(rec, httptest.NewRequest("GET", "/version", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["version"])

	rec = httptest.NewRecorder()
	api.HealthHandler(rec, httptest.NewRequest("POST", "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
