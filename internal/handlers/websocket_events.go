package handlers

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/common"
	"github.com/ternarybob/strata/internal/interfaces"
	"golang.org/x/time/rate"
)

// EventSubscriber bridges the engine's event bus onto the WebSocket feed
// with config-driven filtering and throttling. An empty whitelist allows
// every event type; throttled types are limited to one broadcast per
// configured interval.
type EventSubscriber struct {
	handler       *WebSocketHandler
	eventService  interfaces.EventService
	logger        arbor.ILogger
	allowedEvents map[string]bool
	throttlers    map[string]*rate.Limiter

	statusInterval time.Duration
	queues         []interfaces.QueueManager
	stopStatus     chan struct{}
}

// NewEventSubscriber creates the subscriber and registers it for every
// engine event type.
func NewEventSubscriber(handler *WebSocketHandler, eventService interfaces.EventService, queues []interfaces.QueueManager, config *common.WebSocketConfig, logger arbor.ILogger) *EventSubscriber {
	s := &EventSubscriber{
		handler:       handler,
		eventService:  eventService,
		logger:        logger,
		allowedEvents: make(map[string]bool),
		throttlers:    make(map[string]*rate.Limiter),
		queues:        queues,
		stopStatus:    make(chan struct{}),
	}

	if config != nil {
		for _, eventType := range config.AllowedEvents {
			s.allowedEvents[eventType] = true
		}
		for eventType, intervalStr := range config.ThrottleIntervals {
			duration, err := time.ParseDuration(intervalStr)
			if err != nil {
				logger.Warn().
					Err(err).
					Str("event_type", eventType).
					Str("interval", intervalStr).
					Msg("Invalid throttle interval, skipping throttler")
				continue
			}
			s.throttlers[eventType] = rate.NewLimiter(rate.Every(duration), 1)
		}
		s.statusInterval = config.GetStatusInterval()
	}

	s.subscribeAll()
	return s
}

// subscribeAll registers one bridging handler per engine event type.
func (s *EventSubscriber) subscribeAll() {
	if s.eventService == nil {
		s.logger.Warn().Msg("EventSubscriber created without an event service")
		return
	}

	eventTypes := []interfaces.EventType{
		interfaces.EventJobCreated,
		interfaces.EventJobStarted,
		interfaces.EventJobCompleted,
		interfaces.EventJobFailed,
		interfaces.EventStageAdvanced,
		interfaces.EventTaskCompleted,
		interfaces.EventTaskFailed,
	}

	for _, eventType := range eventTypes {
		s.eventService.Subscribe(eventType, s.bridge)
	}

	s.logger.Info().
		Int("event_types", len(eventTypes)).
		Msg("WebSocket event subscriber registered")
}

// bridge forwards one event to the WebSocket feed if the whitelist and
// throttlers allow it.
func (s *EventSubscriber) bridge(ctx context.Context, event interfaces.Event) error {
	if !s.shouldBroadcast(string(event.Type)) {
		return nil
	}
	s.handler.Broadcast(string(event.Type), event.Payload)
	return nil
}

// shouldBroadcast applies the whitelist and per-type throttling.
func (s *EventSubscriber) shouldBroadcast(eventType string) bool {
	if len(s.allowedEvents) > 0 && !s.allowedEvents[eventType] {
		return false
	}
	if limiter, ok := s.throttlers[eventType]; ok {
		if !limiter.Allow() {
			return false
		}
	}
	return true
}

// StartStatusBroadcast begins the periodic queue-depth broadcast. The feed
// gets a queue_stats message every status interval while clients are
// connected.
func (s *EventSubscriber) StartStatusBroadcast() {
	if s.statusInterval <= 0 || len(s.queues) == 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(s.statusInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopStatus:
				return
			case <-ticker.C:
				if s.handler.ClientCount() == 0 {
					continue
				}
				s.broadcastQueueStats()
			}
		}
	}()
}

// StopStatusBroadcast halts the periodic broadcast.
func (s *EventSubscriber) StopStatusBroadcast() {
	close(s.stopStatus)
}

func (s *EventSubscriber) broadcastQueueStats() {
	if !s.shouldBroadcast(string(interfaces.EventQueueStats)) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats := make([]interface{}, 0, len(s.queues))
	for _, queue := range s.queues {
		qs, err := queue.Stats(ctx)
		if err != nil {
			s.logger.Debug().Err(err).Str("queue", queue.Name()).Msg("Queue stats unavailable")
			continue
		}
		stats = append(stats, qs)
	}

	s.handler.Broadcast(string(interfaces.EventQueueStats), map[string]interface{}{
		"queues": stats,
	})
}
