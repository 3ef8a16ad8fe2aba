package engine

import (
	"context"
	"fmt"

	"github.com/ternarybob/strata/internal/models"
)

// Dispatcher routes received messages to the component owning their kind.
// Both pools run the same dispatch so a message landing on the wrong queue
// is still handled correctly.
type Dispatcher struct {
	machine  *Machine
	executor *Executor
}

// NewDispatcher creates a message dispatcher.
func NewDispatcher(machine *Machine, executor *Executor) *Dispatcher {
	return &Dispatcher{machine: machine, executor: executor}
}

// Dispatch handles one message by kind.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *models.QueueMessage) error {
	if err := msg.Validate(); err != nil {
		// Undecodable semantics; acknowledging drops it.
		return nil
	}

	switch msg.Kind {
	case models.MessageKindJob:
		return d.machine.HandleJobMessage(ctx, msg)
	case models.MessageKindTask:
		return d.executor.HandleTaskMessage(ctx, msg)
	default:
		return fmt.Errorf("unroutable message kind %q", msg.Kind)
	}
}
