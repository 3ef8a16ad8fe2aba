package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket event feed
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Jobs
	mux.HandleFunc("/api/jobs", s.handleJobsRoute)
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes) // /api/jobs/{id} and subpaths

	// API routes - Workflows
	mux.HandleFunc("/api/workflows", s.app.WorkflowHandler.ListWorkflowsHandler)

	// API routes - Queues
	mux.HandleFunc("/api/queues", s.app.QueueHandler.GetQueuesHandler)
	mux.HandleFunc("/api/queues/", s.handleQueueRoutes) // /api/queues/{name}/dead-letters

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/version", s.app.APIHandler.VersionHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleJobsRoute dispatches /api/jobs by method: POST submits, GET lists.
func (s *Server) handleJobsRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "POST":
		s.app.JobHandler.SubmitJobHandler(w, r)
	case "GET":
		s.app.JobHandler.ListJobsHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobRoutes routes /api/jobs/{id} and /api/jobs/{id}/tasks.
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if rest == "" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	parts := strings.Split(rest, "/")
	jobID := parts[0]

	switch {
	case len(parts) == 1:
		s.app.JobHandler.GetJobHandler(w, r, jobID)
	case len(parts) == 2 && parts[1] == "tasks":
		s.app.JobHandler.GetJobTasksHandler(w, r, jobID)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// handleQueueRoutes routes /api/queues/{name}/dead-letters.
func (s *Server) handleQueueRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/queues/")
	parts := strings.Split(rest, "/")

	if len(parts) == 2 && parts[1] == "dead-letters" {
		s.app.QueueHandler.GetDeadLettersHandler(w, r, parts[0])
		return
	}

	http.Error(w, "Not found", http.StatusNotFound)
}
