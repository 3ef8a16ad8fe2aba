package events

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/interfaces"
)

func newTestService() interfaces.EventService {
	return NewService(arbor.NewLogger())
}

func TestEventService_PublishReachesSubscribers(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	var calls int64
	handler := func(ctx context.Context, event interfaces.Event) error {
		assert.Equal(t, interfaces.EventJobCreated, event.Type)
		atomic.AddInt64(&calls, 1)
		return nil
	}
	require.NoError(t, svc.Subscribe(interfaces.EventJobCreated, handler))
	require.NoError(t, svc.Subscribe(interfaces.EventJobCreated, handler))

	require.NoError(t, svc.Publish(ctx, interfaces.Event{Type: interfaces.EventJobCreated}))

	// Delivery is asynchronous.
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt64(&calls) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
}

func TestEventService_PublishIgnoresOtherTypes(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	var calls int64
	require.NoError(t, svc.Subscribe(interfaces.EventJobFailed, func(ctx context.Context, event interfaces.Event) error {
		atomic.AddInt64(&calls, 1)
		return nil
	}))

	require.NoError(t, svc.PublishSync(ctx, interfaces.Event{Type: interfaces.EventJobCompleted}))
	assert.Equal(t, int64(0), atomic.LoadInt64(&calls))
}

func TestEventService_PublishSyncWaitsAndCollectsErrors(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	var done int64
	require.NoError(t, svc.Subscribe(interfaces.EventJobCompleted, func(ctx context.Context, event interfaces.Event) error {
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&done, 1)
		return nil
	}))
	require.NoError(t, svc.Subscribe(interfaces.EventJobCompleted, func(ctx context.Context, event interfaces.Event) error {
		return fmt.Errorf("consumer broke")
	}))

	err := svc.PublishSync(ctx, interfaces.Event{Type: interfaces.EventJobCompleted})
	assert.Error(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&done), "sync publish returns only after handlers finish")
}

func TestEventService_SubscribeRejectsNilHandler(t *testing.T) {
	svc := newTestService()
	assert.Error(t, svc.Subscribe(interfaces.EventJobCreated, nil))
}

func TestEventService_Unsubscribe(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	var calls int64
	handler := func(ctx context.Context, event interfaces.Event) error {
		atomic.AddInt64(&calls, 1)
		return nil
	}
	require.NoError(t, svc.Subscribe(interfaces.EventTaskCompleted, handler))
	require.NoError(t, svc.Unsubscribe(interfaces.EventTaskCompleted, handler))

	require.NoError(t, svc.PublishSync(ctx, interfaces.Event{Type: interfaces.EventTaskCompleted}))
	assert.Equal(t, int64(0), atomic.LoadInt64(&calls))

	assert.Error(t, svc.Unsubscribe(interfaces.EventTaskCompleted, handler))
}

func TestEventService_CloseStopsDelivery(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	var calls int64
	require.NoError(t, svc.Subscribe(interfaces.EventJobCreated, func(ctx context.Context, event interfaces.Event) error {
		atomic.AddInt64(&calls, 1)
		return nil
	}))
	require.NoError(t, svc.Close())

	// Publish after close is a silent no-op; new subscriptions are rejected.
	require.NoError(t, svc.Publish(ctx, interfaces.Event{Type: interfaces.EventJobCreated}))
	assert.Error(t, svc.Subscribe(interfaces.EventJobCreated, func(ctx context.Context, event interfaces.Event) error {
		return nil
	}))
	assert.Equal(t, int64(0), atomic.LoadInt64(&calls))
}
