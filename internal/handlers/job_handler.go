// -----------------------------------------------------------------------
// Job Handler - Submission, listing and status endpoints
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/interfaces"
	"github.com/ternarybob/strata/internal/models"
	"golang.org/x/time/rate"
)

// SubmitRequest is the POST /api/jobs body.
type SubmitRequest struct {
	JobType    string                 `json:"job_type"`
	Parameters map[string]interface{} `json:"parameters"`
}

// JobHandler serves the job API. Submission is guarded by a token-bucket
// limiter so a misbehaving client cannot flood the engine.
type JobHandler struct {
	service interfaces.JobService
	limiter *rate.Limiter
	logger  arbor.ILogger
}

// NewJobHandler creates the job API handler. A submitRate of zero disables
// rate limiting.
func NewJobHandler(service interfaces.JobService, submitRate float64, submitBurst int, logger arbor.ILogger) *JobHandler {
	var limiter *rate.Limiter
	if submitRate > 0 {
		if submitBurst < 1 {
			submitBurst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(submitRate), submitBurst)
	}
	return &JobHandler{
		service: service,
		limiter: limiter,
		logger:  logger,
	}
}

// SubmitJobHandler handles POST /api/jobs. A new job answers 202; a
// duplicate submission answers 200 with the existing job's status.
func (h *JobHandler) SubmitJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	if h.limiter != nil && !h.limiter.Allow() {
		WriteError(w, http.StatusTooManyRequests, "submission rate limit exceeded")
		return
	}

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.JobType == "" {
		WriteError(w, http.StatusBadRequest, "job_type is required")
		return
	}

	result, err := h.service.SubmitJob(r.Context(), req.JobType, req.Parameters)
	if err != nil {
		h.writeSubmissionError(w, err)
		return
	}

	status := http.StatusAccepted
	if result.AlreadyExisted {
		status = http.StatusOK
	}
	WriteJSON(w, status, result)
}

// writeSubmissionError maps submission rejections onto HTTP statuses.
func (h *JobHandler) writeSubmissionError(w http.ResponseWriter, err error) {
	var subErr *models.SubmissionError
	if !errors.As(err, &subErr) {
		h.logger.Error().Err(err).Msg("Job submission failed")
		WriteError(w, http.StatusInternalServerError, "submission failed")
		return
	}

	status := http.StatusBadRequest
	switch subErr.Code {
	case models.SubmitErrStoreUnavailable, models.SubmitErrQueueUnavailable:
		status = http.StatusServiceUnavailable
	}

	WriteJSON(w, status, map[string]interface{}{
		"status": "error",
		"code":   subErr.Code,
		"field":  subErr.Field,
		"error":  subErr.Reason,
	})
}

// ListJobsHandler handles GET /api/jobs with status/job_type/limit/offset
// filters.
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	opts := GetListOptions(r)

	jobs, err := h.service.ListJobs(r.Context(), opts)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs")
		WriteError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	total, err := h.service.CountJobs(r.Context(), opts)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to count jobs")
		WriteError(w, http.StatusInternalServerError, "failed to count jobs")
		return
	}

	summaries := make([]map[string]interface{}, 0, len(jobs))
	for _, job := range jobs {
		summaries = append(summaries, map[string]interface{}{
			"job_id":       job.ID,
			"job_type":     job.JobType,
			"status":       job.Status,
			"stage":        job.Stage,
			"total_stages": job.TotalStages,
			"created_at":   job.CreatedAt,
			"updated_at":   job.UpdatedAt,
		})
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  summaries,
		"count": len(summaries),
		"total": total,
	})
}

// GetJobHandler handles GET /api/jobs/{id}, returning the status view, or
// the full record with ?full=true.
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	if r.URL.Query().Get("full") == "true" {
		job, err := h.service.GetJob(r.Context(), jobID)
		if err != nil {
			h.writeLookupError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, job)
		return
	}

	view, err := h.service.GetJobStatus(r.Context(), jobID)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

// GetJobTasksHandler handles GET /api/jobs/{id}/tasks.
func (h *JobHandler) GetJobTasksHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	tasks, err := h.service.ListJobTasks(r.Context(), jobID)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": jobID,
		"tasks":  tasks,
		"count":  len(tasks),
	})
}

func (h *JobHandler) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, models.ErrJobNotFound) {
		WriteError(w, http.StatusNotFound, "job not found")
		return
	}
	h.logger.Error().Err(err).Msg("Job lookup failed")
	WriteError(w, http.StatusInternalServerError, "job lookup failed")
}
