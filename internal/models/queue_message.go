package models

import (
	"errors"
	"fmt"
)

// ErrNoMessage is returned when the queue is empty
var ErrNoMessage = errors.New("no messages in queue")

// Message kinds on the wire.
const (
	MessageKindJob  = "job"
	MessageKindTask = "task"
)

// QueueMessage is the wire body carried by the durable queues. Messages hold
// identifiers only; the authoritative job and task state lives in the store,
// so a redelivered message always resolves against the latest state.
//
// Job messages carry {kind, job_id, stage}; task messages carry {kind,
// task_id}. The format is stable and delivery is at-least-once.
type QueueMessage struct {
	Kind   string `json:"kind"`
	JobID  string `json:"job_id,omitempty"`
	Stage  int    `json:"stage,omitempty"`
	TaskID string `json:"task_id,omitempty"`

	// ReceiptID identifies the in-flight delivery for lease extension.
	// Set by Receive, never serialized on the wire.
	ReceiptID string `json:"-"`
}

// NewJobMessage builds a job message for the given stage.
func NewJobMessage(jobID string, stage int) *QueueMessage {
	return &QueueMessage{Kind: MessageKindJob, JobID: jobID, Stage: stage}
}

// NewTaskMessage builds a task message.
func NewTaskMessage(taskID string) *QueueMessage {
	return &QueueMessage{Kind: MessageKindTask, TaskID: taskID}
}

// Validate checks the message carries the fields its kind requires.
func (m *QueueMessage) Validate() error {
	switch m.Kind {
	case MessageKindJob:
		if m.JobID == "" {
			return errors.New("job message missing job_id")
		}
		if m.Stage < 1 {
			return fmt.Errorf("job message has invalid stage %d", m.Stage)
		}
	case MessageKindTask:
		if m.TaskID == "" {
			return errors.New("task message missing task_id")
		}
	default:
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
	return nil
}

// QueueStats is a point-in-time snapshot of one queue's depth.
type QueueStats struct {
	Name       string `json:"name"`
	Backend    string `json:"backend"`
	Visible    int    `json:"visible"`
	InFlight   int    `json:"in_flight"`
	DeadLetter int    `json:"dead_letter"`
}
