// -----------------------------------------------------------------------
// Redis Queue - Sorted-set visibility index with atomic Lua claim
// -----------------------------------------------------------------------

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/interfaces"
	"github.com/ternarybob/strata/internal/models"
)

// claimScript atomically claims the next visible message: pick the lowest-
// scored member at or below now, push its score past the visibility
// timeout, bump its receive count and return the payload. Running it as a
// script keeps concurrent consumers from claiming the same message.
var claimScript = redis.NewScript(`
local id = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)[1]
if not id then
  return false
end
redis.call('ZADD', KEYS[1], ARGV[2], id)
local count = redis.call('HINCRBY', KEYS[2], id, 1)
local payload = redis.call('HGET', KEYS[3], id)
return {id, count, payload}
`)

// RedisManager implements the queue contract on Redis. A sorted set holds
// message IDs scored by visible-at time; hashes hold payloads and receive
// counts; a list retains dead-lettered payloads newest first.
type RedisManager struct {
	client            *redis.Client
	queueName         string
	visibilityTimeout time.Duration
	maxReceive        int
	poisonHandler     interfaces.PoisonHandler
	logger            arbor.ILogger
}

// NewRedisManager creates a Redis-backed queue manager.
func NewRedisManager(client *redis.Client, queueName string, visibilityTimeout time.Duration, maxReceive int, logger arbor.ILogger) (*RedisManager, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if queueName == "" {
		return nil, errors.New("queue name is required")
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 5 * time.Minute
	}
	if maxReceive <= 0 {
		maxReceive = 5
	}

	return &RedisManager{
		client:            client,
		queueName:         queueName,
		visibilityTimeout: visibilityTimeout,
		maxReceive:        maxReceive,
		logger:            logger,
	}, nil
}

// Name returns the queue name.
func (m *RedisManager) Name() string {
	return m.queueName
}

// SetPoisonHandler installs the poison message callback.
func (m *RedisManager) SetPoisonHandler(fn interfaces.PoisonHandler) {
	m.poisonHandler = fn
}

// Enqueue adds a message to the queue.
func (m *RedisManager) Enqueue(ctx context.Context, msg *models.QueueMessage) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	id := newMessageID()
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, m.payloadKey(), id, payload)
	pipe.ZAdd(ctx, m.visibleKey(), redis.Z{Score: scoreOf(time.Now()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	return nil
}

// Receive claims the next visible message. Over-budget messages are moved
// to the dead-letter list and reported to the poison handler.
func (m *RedisManager) Receive(ctx context.Context) (*models.QueueMessage, func() error, error) {
	for {
		now := time.Now()
		res, err := claimScript.Run(ctx, m.client,
			[]string{m.visibleKey(), m.countsKey(), m.payloadKey()},
			scoreOf(now), scoreOf(now.Add(m.visibilityTimeout)),
		).Result()
		if err == redis.Nil {
			return nil, nil, models.ErrNoMessage
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to claim message: %w", err)
		}

		parts, ok := res.([]interface{})
		if !ok || len(parts) != 3 {
			return nil, nil, fmt.Errorf("unexpected claim script result: %v", res)
		}

		id, _ := parts[0].(string)
		count64, _ := parts[1].(int64)
		payload, _ := parts[2].(string)
		receiveCount := int(count64)

		if payload == "" {
			// Payload missing for an indexed ID; drop the orphan entry.
			m.remove(ctx, id)
			continue
		}

		var msg models.QueueMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			m.logger.Error().Err(err).Str("queue", m.queueName).Msg("Dropping undecodable queue message")
			m.remove(ctx, id)
			continue
		}
		msg.ReceiptID = id

		if receiveCount > m.maxReceive {
			m.logger.Warn().
				Str("queue", m.queueName).
				Str("message_id", id).
				Int("receive_count", receiveCount).
				Msg("Message exceeded receive budget, dead-lettered")
			m.deadLetterByID(ctx, id, payload)
			if m.poisonHandler != nil {
				m.poisonHandler(ctx, &msg, receiveCount)
			}
			continue
		}

		deleteFn := func() error {
			return m.remove(context.Background(), id)
		}
		return &msg, deleteFn, nil
	}
}

// Extend pushes out the visibility deadline of an in-flight message.
func (m *RedisManager) Extend(ctx context.Context, receiptID string, duration time.Duration) error {
	// XX: only reschedule messages that still exist.
	err := m.client.ZAddXX(ctx, m.visibleKey(), redis.Z{
		Score:  scoreOf(time.Now().Add(duration)),
		Member: receiptID,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to extend message lease: %w", err)
	}
	return nil
}

// DeadLetter moves an in-flight message to the dead-letter list.
func (m *RedisManager) DeadLetter(ctx context.Context, msg *models.QueueMessage) error {
	if msg == nil || msg.ReceiptID == "" {
		return errors.New("message with receipt ID is required")
	}

	payload, err := m.client.HGet(ctx, m.payloadKey(), msg.ReceiptID).Result()
	if err == redis.Nil {
		return nil // Already gone
	}
	if err != nil {
		return err
	}

	m.deadLetterByID(ctx, msg.ReceiptID, payload)
	return nil
}

func (m *RedisManager) deadLetterByID(ctx context.Context, id, payload string) {
	pipe := m.client.TxPipeline()
	pipe.LPush(ctx, m.deadKey(), payload)
	pipe.ZRem(ctx, m.visibleKey(), id)
	pipe.HDel(ctx, m.payloadKey(), id)
	pipe.HDel(ctx, m.countsKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Error().Err(err).Str("queue", m.queueName).Str("message_id", id).Msg("Failed to dead-letter message")
	}
}

// DeadLetters lists dead-lettered messages, newest first.
func (m *RedisManager) DeadLetters(ctx context.Context, limit int) ([]*models.QueueMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	payloads, err := m.client.LRange(ctx, m.deadKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	msgs := make([]*models.QueueMessage, 0, len(payloads))
	for _, payload := range payloads {
		var msg models.QueueMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			continue
		}
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}

// Stats reports current queue depth.
func (m *RedisManager) Stats(ctx context.Context) (*models.QueueStats, error) {
	now := fmt.Sprintf("%f", scoreOf(time.Now()))

	visible, err := m.client.ZCount(ctx, m.visibleKey(), "-inf", now).Result()
	if err != nil {
		return nil, err
	}
	inFlight, err := m.client.ZCount(ctx, m.visibleKey(), "("+now, "+inf").Result()
	if err != nil {
		return nil, err
	}
	dead, err := m.client.LLen(ctx, m.deadKey()).Result()
	if err != nil {
		return nil, err
	}

	return &models.QueueStats{
		Name:       m.queueName,
		Backend:    "redis",
		Visible:    int(visible),
		InFlight:   int(inFlight),
		DeadLetter: int(dead),
	}, nil
}

// Close releases the Redis client.
func (m *RedisManager) Close() error {
	return m.client.Close()
}

func (m *RedisManager) remove(ctx context.Context, id string) error {
	pipe := m.client.TxPipeline()
	pipe.ZRem(ctx, m.visibleKey(), id)
	pipe.HDel(ctx, m.payloadKey(), id)
	pipe.HDel(ctx, m.countsKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

// Keys

func (m *RedisManager) visibleKey() string {
	return fmt.Sprintf("strata:queue:%s:visible", m.queueName)
}

func (m *RedisManager) payloadKey() string {
	return fmt.Sprintf("strata:queue:%s:payload", m.queueName)
}

func (m *RedisManager) countsKey() string {
	return fmt.Sprintf("strata:queue:%s:counts", m.queueName)
}

func (m *RedisManager) deadKey() string {
	return fmt.Sprintf("strata:queue:%s:dead", m.queueName)
}

func scoreOf(t time.Time) float64 {
	return float64(t.UnixMilli())
}
