package queue

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/common"
	"github.com/ternarybob/strata/internal/interfaces"
)

// NewQueueManager creates a queue manager for the configured backend. The
// badger backend shares the state store's database handle; the redis
// backend owns its client.
func NewQueueManager(logger arbor.ILogger, config *common.Config, queueName string, db *badger.DB) (interfaces.QueueManager, error) {
	visibility := config.Queue.GetVisibilityTimeout()
	maxReceive := config.Queue.MaxReceive

	switch config.Queue.Backend {
	case "", "badger":
		return NewBadgerManager(db, queueName, visibility, maxReceive, logger)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     config.Queue.Redis.Addr,
			Password: config.Queue.Redis.Password,
			DB:       config.Queue.Redis.DB,
		})
		return NewRedisManager(client, queueName, visibility, maxReceive, logger)
	default:
		return nil, fmt.Errorf("unsupported queue backend: %s", config.Queue.Backend)
	}
}

func newMessageID() string {
	return uuid.New().String()
}
