package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/strata/internal/models"
)

// PoisonHandler is invoked when a message exhausts its receive budget. The
// queue dead-letters the message after the handler returns.
type PoisonHandler func(ctx context.Context, msg *models.QueueMessage, receiveCount int)

// QueueManager manages one durable message queue with at-least-once
// delivery. Receive leases a message for the visibility timeout and returns
// an acknowledge function; a message that is not acknowledged before the
// lease expires becomes visible again.
type QueueManager interface {
	// Name returns the queue name.
	Name() string

	// Enqueue appends a message to the queue.
	Enqueue(ctx context.Context, msg *models.QueueMessage) error

	// Receive leases the next visible message. Returns models.ErrNoMessage
	// when the queue has nothing deliverable. The returned function
	// acknowledges (deletes) the message.
	Receive(ctx context.Context) (*models.QueueMessage, func() error, error)

	// Extend pushes out the visibility deadline of an in-flight message.
	Extend(ctx context.Context, receiptID string, duration time.Duration) error

	// DeadLetter moves an in-flight message to the dead-letter store. The
	// message must carry the ReceiptID set by Receive; a message that was
	// never received cannot be dead-lettered.
	DeadLetter(ctx context.Context, msg *models.QueueMessage) error

	// DeadLetters lists dead-lettered messages, newest first.
	DeadLetters(ctx context.Context, limit int) ([]*models.QueueMessage, error)

	// Stats reports current queue depth.
	Stats(ctx context.Context) (*models.QueueStats, error)

	// SetPoisonHandler installs the poison message callback.
	SetPoisonHandler(fn PoisonHandler)

	// Close releases backend resources owned by the queue.
	Close() error
}

// WorkerPool manages concurrent message processing
type WorkerPool interface {
	Start() error
	Stop() error
}
