package models

import "fmt"

// TaskResult is the value every task handler returns. Success must be set
// explicitly; a failure without an error message is a contract violation
// and is normalized by the executor.
type TaskResult struct {
	Success   bool                   `json:"success"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
	ErrorType string                 `json:"error_type,omitempty"`
}

// TaskSuccess builds a successful handler result.
func TaskSuccess(result map[string]interface{}) *TaskResult {
	return &TaskResult{Success: true, Result: result}
}

// TaskFailure builds a failed handler result with a classified error type.
func TaskFailure(errorType, format string, args ...interface{}) *TaskResult {
	return &TaskResult{
		Success:   false,
		Error:     fmt.Sprintf(format, args...),
		ErrorType: errorType,
	}
}

// TaskOutcome is the per-task entry recorded in a job's stage results when
// a stage closes. Ordering within a stage is by TaskID ascending.
type TaskOutcome struct {
	TaskID    string                 `json:"task_id"`
	Success   bool                   `json:"success"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
	ErrorType string                 `json:"error_type,omitempty"`
}
