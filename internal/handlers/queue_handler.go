package handlers

import (
	"net/http"
	"strconv"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/interfaces"
)

// QueueHandler exposes queue depths and dead-letter contents for
// operational visibility.
type QueueHandler struct {
	queues []interfaces.QueueManager
	logger arbor.ILogger
}

// NewQueueHandler creates the queue inspection handler.
func NewQueueHandler(queues []interfaces.QueueManager, logger arbor.ILogger) *QueueHandler {
	return &QueueHandler{
		queues: queues,
		logger: logger,
	}
}

// GetQueuesHandler handles GET /api/queues.
func (h *QueueHandler) GetQueuesHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	stats := make([]interface{}, 0, len(h.queues))
	for _, queue := range h.queues {
		s, err := queue.Stats(r.Context())
		if err != nil {
			h.logger.Error().Err(err).Str("queue", queue.Name()).Msg("Failed to read queue stats")
			WriteError(w, http.StatusInternalServerError, "failed to read queue stats")
			return
		}
		stats = append(stats, s)
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"queues": stats,
	})
}

// GetDeadLettersHandler handles GET /api/queues/{name}/dead-letters.
func (h *QueueHandler) GetDeadLettersHandler(w http.ResponseWriter, r *http.Request, queueName string) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}

	for _, queue := range h.queues {
		if queue.Name() != queueName {
			continue
		}

		messages, err := queue.DeadLetters(r.Context(), limit)
		if err != nil {
			h.logger.Error().Err(err).Str("queue", queueName).Msg("Failed to read dead letters")
			WriteError(w, http.StatusInternalServerError, "failed to read dead letters")
			return
		}

		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"queue":    queueName,
			"messages": messages,
			"count":    len(messages),
		})
		return
	}

	WriteError(w, http.StatusNotFound, "queue not found")
}
