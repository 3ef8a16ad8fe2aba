package models

import "time"

// TaskStatus represents the lifecycle state of a single task
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// IsTerminal reports whether the status is a final state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Task is one unit of work within a job stage. Task IDs are deterministic:
// the first 16 hex characters of the job ID, the stage number, and a
// semantic index supplied by the workflow ("0", "tile_3_7", ...). Inserting
// a task whose ID already exists is a no-op, which makes redelivered job
// messages safe.
type Task struct {
	ID           string                 `json:"task_id"`
	JobID        string                 `json:"job_id" badgerhold:"index"`
	Stage        int                    `json:"stage"`
	TaskType     string                 `json:"task_type"`
	Status       TaskStatus             `json:"status" badgerhold:"index"`
	Parameters   map[string]interface{} `json:"parameters"`
	ResultData   map[string]interface{} `json:"result_data,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	ErrorType    string                 `json:"error_type,omitempty"`
	RetryCount   int                    `json:"retry_count"`
	Heartbeat    *time.Time             `json:"heartbeat,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the task has reached a final status.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// Outcome converts a terminal task record into the outcome shape stored in
// the owning job's stage results.
func (t *Task) Outcome() TaskOutcome {
	return TaskOutcome{
		TaskID:    t.ID,
		Success:   t.Status == TaskStatusCompleted,
		Result:    t.ResultData,
		Error:     t.ErrorMessage,
		ErrorType: t.ErrorType,
	}
}

// TaskSpec is the transient description of a task produced by a workflow's
// task factory. Index must be unique within the (job, stage) pair; the
// engine derives the persistent task ID from it. TaskType is optional and
// defaults to the stage's task type.
type TaskSpec struct {
	Index      string                 `json:"index"`
	TaskType   string                 `json:"task_type,omitempty"`
	Parameters map[string]interface{} `json:"parameters"`
}
