// -----------------------------------------------------------------------
// Badger Queue - Durable at-least-once queue with visibility leases
// -----------------------------------------------------------------------

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/interfaces"
	"github.com/ternarybob/strata/internal/models"
)

// envelope is the internal structure stored in Badger. The wire body is
// the models.QueueMessage; the envelope adds delivery bookkeeping.
type envelope struct {
	ID           string              `json:"id"`
	Body         models.QueueMessage `json:"body"`
	EnqueuedAt   time.Time           `json:"enqueued_at"`
	VisibleAt    time.Time           `json:"visible_at"`
	ReceiveCount int                 `json:"receive_count"`
}

// BadgerManager implements a persistent queue on BadgerDB. Message data
// lives at queue:{name}:msg:{id}; a visibility index at
// queue:{name}:index:{visibleAt}:{id} orders deliverable messages by time,
// so a receive scans the index prefix and stops at the first future entry.
// Receiving claims the message by moving its index key past the visibility
// timeout in the same transaction.
type BadgerManager struct {
	db                *badger.DB
	queueName         string
	visibilityTimeout time.Duration
	maxReceive        int
	poisonHandler     interfaces.PoisonHandler
	logger            arbor.ILogger
}

// NewBadgerManager creates a new Badger-backed queue manager
func NewBadgerManager(db *badger.DB, queueName string, visibilityTimeout time.Duration, maxReceive int, logger arbor.ILogger) (*BadgerManager, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
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

	return &BadgerManager{
		db:                db,
		queueName:         queueName,
		visibilityTimeout: visibilityTimeout,
		maxReceive:        maxReceive,
		logger:            logger,
	}, nil
}

// Name returns the queue name.
func (m *BadgerManager) Name() string {
	return m.queueName
}

// SetPoisonHandler installs the poison message callback.
func (m *BadgerManager) SetPoisonHandler(fn interfaces.PoisonHandler) {
	m.poisonHandler = fn
}

// Close is a no-op; the queue shares the state store's database handle.
func (m *BadgerManager) Close() error {
	return nil
}

// Enqueue adds a message to the queue
func (m *BadgerManager) Enqueue(ctx context.Context, msg *models.QueueMessage) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	env := envelope{
		ID:         uuid.New().String(),
		Body:       *msg,
		EnqueuedAt: time.Now(),
		VisibleAt:  time.Now(), // Immediately visible
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	return m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(m.msgKey(env.ID), data); err != nil {
			return err
		}
		return txn.Set(m.indexKey(env.VisibleAt, env.ID), []byte{})
	})
}

// Receive pulls the next visible message from the queue. Messages that
// exhausted their receive budget are moved to the dead-letter keyspace and
// reported to the poison handler instead of being delivered.
func (m *BadgerManager) Receive(ctx context.Context) (*models.QueueMessage, func() error, error) {
	for {
		var env envelope
		var poisoned *envelope

		err := m.db.Update(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			prefix := []byte(fmt.Sprintf("queue:%s:index:", m.queueName))
			it := txn.NewIterator(opts)
			defer it.Close()

			now := time.Now()
			poisoned = nil

			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				key := it.Item().KeyCopy(nil)

				ts, id, err := m.parseIndexKey(key)
				if err != nil {
					continue // Skip invalid keys
				}

				if ts.After(now) {
					// Index keys sort by timestamp; nothing later is
					// deliverable either.
					break
				}

				item, err := txn.Get(m.msgKey(id))
				if err != nil {
					if err == badger.ErrKeyNotFound {
						// Orphaned index entry; clean up and move on.
						if err := txn.Delete(key); err != nil {
							return err
						}
						continue
					}
					return err
				}

				var candidate envelope
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &candidate)
				}); err != nil {
					return err
				}

				if candidate.ReceiveCount >= m.maxReceive {
					// Receive budget exhausted; dead-letter inside this
					// transaction and report after commit.
					if err := m.txDeadLetter(txn, key, &candidate); err != nil {
						return err
					}
					poisoned = &candidate
					return nil
				}

				// Claim: bump the receive count and push the index entry
				// past the visibility timeout.
				candidate.ReceiveCount++
				candidate.VisibleAt = time.Now().Add(m.visibilityTimeout)

				data, err := json.Marshal(candidate)
				if err != nil {
					return err
				}
				if err := txn.Set(m.msgKey(id), data); err != nil {
					return err
				}
				if err := txn.Delete(key); err != nil {
					return err
				}
				if err := txn.Set(m.indexKey(candidate.VisibleAt, id), []byte{}); err != nil {
					return err
				}

				env = candidate
				return nil
			}

			return models.ErrNoMessage
		})

		if err != nil {
			return nil, nil, err
		}

		if poisoned != nil {
			m.logger.Warn().
				Str("queue", m.queueName).
				Str("message_id", poisoned.ID).
				Int("receive_count", poisoned.ReceiveCount).
				Msg("Message exceeded receive budget, dead-lettered")
			if m.poisonHandler != nil {
				m.poisonHandler(ctx, &poisoned.Body, poisoned.ReceiveCount)
			}
			continue // Look for the next deliverable message
		}

		msgID := env.ID
		body := env.Body
		body.ReceiptID = msgID

		deleteFn := func() error {
			return m.deleteMessage(msgID)
		}

		return &body, deleteFn, nil
	}
}

// Extend pushes out the visibility deadline of an in-flight message.
func (m *BadgerManager) Extend(ctx context.Context, receiptID string, duration time.Duration) error {
	return m.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(m.msgKey(receiptID))
		if err != nil {
			return err
		}

		var env envelope
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &env)
		}); err != nil {
			return err
		}

		oldVisibleAt := env.VisibleAt
		env.VisibleAt = time.Now().Add(duration)

		data, err := json.Marshal(env)
		if err != nil {
			return err
		}
		if err := txn.Set(m.msgKey(receiptID), data); err != nil {
			return err
		}

		if err := txn.Delete(m.indexKey(oldVisibleAt, receiptID)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(m.indexKey(env.VisibleAt, receiptID), []byte{})
	})
}

// DeadLetter moves an in-flight message to the dead-letter keyspace.
func (m *BadgerManager) DeadLetter(ctx context.Context, msg *models.QueueMessage) error {
	if msg == nil || msg.ReceiptID == "" {
		return errors.New("message with receipt ID is required")
	}

	return m.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(m.msgKey(msg.ReceiptID))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil // Already gone
			}
			return err
		}

		var env envelope
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &env)
		}); err != nil {
			return err
		}

		return m.txDeadLetter(txn, m.indexKey(env.VisibleAt, env.ID), &env)
	})
}

// txDeadLetter moves an envelope out of the live keyspace inside an open
// transaction.
func (m *BadgerManager) txDeadLetter(txn *badger.Txn, indexKey []byte, env *envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := txn.Set(m.deadKey(time.Now(), env.ID), data); err != nil {
		return err
	}
	if err := txn.Delete(indexKey); err != nil && err != badger.ErrKeyNotFound {
		return err
	}
	return txn.Delete(m.msgKey(env.ID))
}

// DeadLetters lists dead-lettered messages, newest first.
func (m *BadgerManager) DeadLetters(ctx context.Context, limit int) ([]*models.QueueMessage, error) {
	var all []*models.QueueMessage

	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte(fmt.Sprintf("queue:%s:dead:", m.queueName))
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var env envelope
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			}); err != nil {
				continue
			}
			body := env.Body
			body.ReceiptID = env.ID
			all = append(all, &body)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Dead keys sort oldest first; reverse for newest first.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Stats reports current queue depth.
func (m *BadgerManager) Stats(ctx context.Context) (*models.QueueStats, error) {
	stats := &models.QueueStats{Name: m.queueName, Backend: "badger"}

	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		indexPrefix := []byte(fmt.Sprintf("queue:%s:index:", m.queueName))
		for it.Seek(indexPrefix); it.ValidForPrefix(indexPrefix); it.Next() {
			ts, _, err := m.parseIndexKey(it.Item().Key())
			if err != nil {
				continue
			}
			if ts.After(now) {
				stats.InFlight++
			} else {
				stats.Visible++
			}
		}

		deadPrefix := []byte(fmt.Sprintf("queue:%s:dead:", m.queueName))
		for it.Seek(deadPrefix); it.ValidForPrefix(deadPrefix); it.Next() {
			stats.DeadLetter++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return stats, nil
}

func (m *BadgerManager) deleteMessage(msgID string) error {
	return m.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(m.msgKey(msgID))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil // Already deleted
			}
			return err
		}

		var env envelope
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &env)
		}); err != nil {
			return err
		}

		if err := txn.Delete(m.indexKey(env.VisibleAt, msgID)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Delete(m.msgKey(msgID))
	})
}

// Helpers

func (m *BadgerManager) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", m.queueName, id))
}

func (m *BadgerManager) indexKey(visibleAt time.Time, id string) []byte {
	ts := visibleAt.UnixNano()
	// Zero pad to 20 digits to ensure string sorting works like number sorting
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", m.queueName, ts, id))
}

func (m *BadgerManager) deadKey(deadAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:dead:%020d:%s", m.queueName, deadAt.UnixNano(), id))
}

func (m *BadgerManager) parseIndexKey(key []byte) (time.Time, string, error) {
	prefixStr := fmt.Sprintf("queue:%s:index:", m.queueName)
	if len(key) <= len(prefixStr) {
		return time.Time{}, "", fmt.Errorf("invalid key length")
	}

	suffix := string(key[len(prefixStr):])
	// Suffix is "{20-digit-ts}:{id}"
	if len(suffix) < 21 {
		return time.Time{}, "", fmt.Errorf("invalid suffix length")
	}

	tsStr := suffix[:20]
	id := suffix[21:]

	var ts int64
	if _, err := fmt.Sscanf(tsStr, "%d", &ts); err != nil {
		return time.Time{}, "", err
	}

	return time.Unix(0, ts), id, nil
}
