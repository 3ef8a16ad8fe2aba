package models

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the state store. Callers branch on these with
// errors.Is; the compare-and-set conflicts in particular are expected under
// concurrent delivery and are not failures.
var (
	ErrJobNotFound    = errors.New("job not found")
	ErrTaskNotFound   = errors.New("task not found")
	ErrStatusConflict = errors.New("status conflict")
	ErrStageConflict  = errors.New("stage conflict")
)

// Error types recorded on failed tasks and jobs.
const (
	ErrorTypeTaskError          = "TaskError"
	ErrorTypeWorkflowError      = "WorkflowError"
	ErrorTypeContractViolation  = "ContractViolation"
	ErrorTypeMaxRetriesExceeded = "MaxRetriesExceeded"
	ErrorTypeTimeoutExceeded    = "TimeoutExceeded"
	ErrorTypeHandlerPanic       = "HandlerPanic"
	ErrorTypeUnknownTaskType    = "UnknownTaskType"
)

// Submission error codes surfaced synchronously to submitters.
const (
	SubmitErrUnknownJobType    = "UNKNOWN_JOB_TYPE"
	SubmitErrInvalidParameters = "INVALID_PARAMETERS"
	SubmitErrStoreUnavailable  = "STORE_UNAVAILABLE"
	SubmitErrQueueUnavailable  = "QUEUE_UNAVAILABLE"
)

// SubmissionError is a structured rejection of a job submission. Field and
// Reason are populated for parameter validation failures.
type SubmissionError struct {
	Code   string `json:"code"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}

func (e *SubmissionError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// NewSubmissionError builds a submission error without a field reference.
func NewSubmissionError(code, format string, args ...interface{}) *SubmissionError {
	return &SubmissionError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// NewParameterError builds an INVALID_PARAMETERS error for a named field.
func NewParameterError(field, format string, args ...interface{}) *SubmissionError {
	return &SubmissionError{
		Code:   SubmitErrInvalidParameters,
		Field:  field,
		Reason: fmt.Sprintf(format, args...),
	}
}
