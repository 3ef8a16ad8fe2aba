package models

import (
	"encoding/gob"
	"strconv"
	"time"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusQueued              JobStatus = "queued"
	JobStatusProcessing          JobStatus = "processing"
	JobStatusCompleted           JobStatus = "completed"
	JobStatusFailed              JobStatus = "failed"
	JobStatusCompletedWithErrors JobStatus = "completed_with_errors"
)

// IsTerminal reports whether the status is a final state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCompletedWithErrors:
		return true
	}
	return false
}

// Job represents one execution of a workflow with specific parameters.
// The ID is deterministic (SHA-256 over job type and canonical parameters),
// so resubmitting identical input resolves to the same record.
//
// Stage results accumulate per stage under the stage number as a string key
// ("1", "2", ...). Each entry is the ordered list of task outcomes for that
// stage, sorted by task ID, and is written exactly once when the stage closes.
type Job struct {
	ID           string                   `json:"job_id"`
	JobType      string                   `json:"job_type" badgerhold:"index"`
	Status       JobStatus                `json:"status" badgerhold:"index"`
	Stage        int                      `json:"stage"`
	TotalStages  int                      `json:"total_stages"`
	Parameters   map[string]interface{}   `json:"parameters"`
	StageResults map[string][]TaskOutcome `json:"stage_results,omitempty"`
	ResultData   map[string]interface{}   `json:"result_data,omitempty"`
	ErrorMessage string                   `json:"error_message,omitempty"`
	CreatedAt    time.Time                `json:"created_at"`
	UpdatedAt    time.Time                `json:"updated_at"`
	StartedAt    *time.Time               `json:"started_at,omitempty"`
	CompletedAt  *time.Time               `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the job has reached a final status.
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// PreviousResults returns the recorded outcomes for the stage before the
// given one, or nil when stage is the first or the results are not yet set.
func (j *Job) PreviousResults(stage int) []TaskOutcome {
	if stage <= 1 || j.StageResults == nil {
		return nil
	}
	return j.StageResults[StageKey(stage-1)]
}

// StageKey converts a stage number to its stage_results map key.
func StageKey(stage int) string {
	return strconv.Itoa(stage)
}

// Progress summarizes task counts for a job across all stages up to and
// including the current one. Percent is terminal tasks over total.
type Progress struct {
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Total     int     `json:"total"`
	Percent   float64 `json:"percent"`
}

// JobStatusView is the read model returned to status callers.
type JobStatusView struct {
	JobID        string                 `json:"job_id"`
	JobType      string                 `json:"job_type"`
	Status       JobStatus              `json:"status"`
	Stage        int                    `json:"stage"`
	TotalStages  int                    `json:"total_stages"`
	Progress     Progress               `json:"progress"`
	ResultData   map[string]interface{} `json:"result_data,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// SubmitResult is returned by job submission.
type SubmitResult struct {
	JobID          string    `json:"job_id"`
	Status         JobStatus `json:"status"`
	AlreadyExisted bool      `json:"already_existed"`
}

func init() {
	// Parameters and result payloads carry nested JSON-decoded values, which
	// the gob-backed store can only encode for registered concrete types.
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
}
