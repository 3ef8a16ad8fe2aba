// -----------------------------------------------------------------------
// Worker Pool - Concurrent queue consumers with panic isolation
// -----------------------------------------------------------------------

package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/interfaces"
	"github.com/ternarybob/strata/internal/models"
)

// MessageHandler processes one received message. A nil return acknowledges
// the message; an error leaves it in flight for redelivery.
type MessageHandler func(ctx context.Context, msg *models.QueueMessage) error

// Pool runs a fixed number of workers against one queue. Each worker polls,
// hands the message to the handler and acknowledges on success. Handler
// panics are contained per message so one bad payload cannot take a worker
// down.
type Pool struct {
	name     string
	queue    interfaces.QueueManager
	handler  MessageHandler
	workers  int
	interval time.Duration
	logger   arbor.ILogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool for a queue.
func NewPool(name string, queue interfaces.QueueManager, handler MessageHandler, workers int, pollInterval time.Duration, logger arbor.ILogger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		name:     name,
		queue:    queue,
		handler:  handler,
		workers:  workers,
		interval: pollInterval,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the workers.
func (p *Pool) Start() error {
	p.logger.Info().
		Str("pool", p.name).
		Int("concurrency", p.workers).
		Msg("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return nil
}

// Stop cancels the workers and waits for in-flight messages to settle.
func (p *Pool) Stop() error {
	p.logger.Info().Str("pool", p.name).Msg("Stopping worker pool")
	p.cancel()
	p.wg.Wait()
	return nil
}

func (p *Pool) worker(workerID int) {
	defer p.wg.Done()

	// Stagger worker starts to spread polling across the interval.
	stagger := (p.interval / time.Duration(p.workers)) * time.Duration(workerID)
	select {
	case <-p.ctx.Done():
		return
	case <-time.After(stagger):
	}

	p.logger.Debug().
		Str("pool", p.name).
		Int("worker_id", workerID).
		Msg("Worker started")

	// Poll immediately when the queue has work; back off to the poll
	// interval when it drains.
	idle := time.Duration(0)
	for {
		select {
		case <-p.ctx.Done():
			p.logger.Debug().
				Str("pool", p.name).
				Int("worker_id", workerID).
				Msg("Worker stopped")
			return
		case <-time.After(idle):
		}

		busy, err := p.processOne(workerID)
		if err != nil {
			p.logger.Warn().
				Err(err).
				Str("pool", p.name).
				Int("worker_id", workerID).
				Msg("Error processing message")
		}

		if busy {
			idle = 0
		} else {
			idle = p.interval
		}
	}
}

// processOne receives and handles a single message. The bool reports
// whether a message was available.
func (p *Pool) processOne(workerID int) (bool, error) {
	msg, deleteFn, err := p.queue.Receive(p.ctx)
	if err != nil {
		if errors.Is(err, models.ErrNoMessage) || errors.Is(err, context.Canceled) {
			return false, nil
		}
		return false, err
	}

	start := time.Now()
	handlerErr := p.invoke(msg)
	duration := time.Since(start)

	if handlerErr != nil {
		// No ack: the message becomes visible again after its timeout and
		// is retried against its receive budget.
		p.logger.Error().
			Err(handlerErr).
			Str("pool", p.name).
			Int("worker_id", workerID).
			Dur("duration", duration).
			Msg("Message handler failed, leaving for redelivery")
		return true, nil
	}

	if err := deleteFn(); err != nil {
		// The work is durable; a failed ack only costs a harmless duplicate.
		p.logger.Warn().
			Err(err).
			Str("pool", p.name).
			Msg("Failed to acknowledge message")
	}

	return true, nil
}

// invoke runs the handler with panic containment.
func (p *Pool) invoke(msg *models.QueueMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("pool", p.name).
				Str("stack", string(debug.Stack())).
				Msgf("Message handler panicked: %v", r)
			// Leave the message for redelivery; a deterministic panic runs
			// out the receive budget and dead-letters.
			err = fmt.Errorf("message handler panicked: %v", r)
		}
	}()
	return p.handler(p.ctx, msg)
}
