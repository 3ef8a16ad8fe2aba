package engine

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/interfaces"
	"github.com/ternarybob/strata/internal/models"
	"github.com/ternarybob/strata/internal/queue"
)

func newPoolQueue(t *testing.T, visibility time.Duration) interfaces.QueueManager {
	t.Helper()

	db, err := badgerdb.Open(badgerdb.DefaultOptions(filepath.Join(t.TempDir(), "pool-test")).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	q, err := queue.NewBadgerManager(db, "pool_test", visibility, 5, arbor.NewLogger())
	require.NoError(t, err)
	return q
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPool_ProcessesAndAcknowledges(t *testing.T) {
	q := newPoolQueue(t, time.Minute)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		require.NoError(t, q.Enqueue(ctx, models.NewTaskMessage("task")))
	}

	var handled int64
	pool := NewPool("test", q, func(ctx context.Context, msg *models.QueueMessage) error {
		atomic.AddInt64(&handled, 1)
		return nil
	}, 4, 10*time.Millisecond, arbor.NewLogger())

	require.NoError(t, pool.Start())
	waitFor(t, 5*time.Second, func() bool {
		return atomic.LoadInt64(&handled) >= 20
	})
	require.NoError(t, pool.Stop())

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Visible)
	assert.Equal(t, 0, stats.InFlight)
}

func TestPool_HandlerErrorLeavesMessageInFlight(t *testing.T) {
	q := newPoolQueue(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, models.NewTaskMessage("task")))

	var seen int64
	pool := NewPool("test", q, func(ctx context.Context, msg *models.QueueMessage) error {
		atomic.AddInt64(&seen, 1)
		return assert.AnError
	}, 1, 10*time.Millisecond, arbor.NewLogger())

	require.NoError(t, pool.Start())
	waitFor(t, 5*time.Second, func() bool {
		return atomic.LoadInt64(&seen) >= 1
	})
	require.NoError(t, pool.Stop())

	// Not acknowledged: the message is leased out awaiting redelivery.
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.InFlight)
}

func TestPool_ContainsHandlerPanics(t *testing.T) {
	q := newPoolQueue(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, models.NewTaskMessage("bad")))
	require.NoError(t, q.Enqueue(ctx, models.NewTaskMessage("good")))

	var good int64
	pool := NewPool("test", q, func(ctx context.Context, msg *models.QueueMessage) error {
		if msg.TaskID == "bad" {
			panic("poison payload")
		}
		atomic.AddInt64(&good, 1)
		return nil
	}, 1, 10*time.Millisecond, arbor.NewLogger())

	// The panicking message must not take the worker down with it.
	require.NoError(t, pool.Start())
	waitFor(t, 5*time.Second, func() bool {
		return atomic.LoadInt64(&good) >= 1
	})
	require.NoError(t, pool.Stop())

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.InFlight, "panicked message stays leased for retry")
}

func TestPool_StopWaitsForWorkers(t *testing.T) {
	q := newPoolQueue(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, models.NewTaskMessage("slow")))

	started := make(chan struct{})
	var finished int64
	pool := NewPool("test", q, func(ctx context.Context, msg *models.QueueMessage) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt64(&finished, 1)
		return nil
	}, 1, 10*time.Millisecond, arbor.NewLogger())

	require.NoError(t, pool.Start())
	<-started
	require.NoError(t, pool.Stop())

	assert.Equal(t, int64(1), atomic.LoadInt64(&finished), "stop returns only after in-flight work settles")
}
