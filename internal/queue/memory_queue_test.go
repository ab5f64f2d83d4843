package queue_test

import (
	"context"
	"testing"
	"ticket-rush/internal/model"
	"ticket-rush/internal/queue"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryIntentQueue_deliversAndRequeues(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	q := queue.NewMemoryIntentQueue(4)
	msg := model.IntentMessage{IntentID: uuid.New(), StockKey: "2026-10-20", UserID: 1}
	require.NoError(t, q.PublishIntent(ctx, msg))
	assert.Equal(t, 1, q.Len())

	ch, err := q.SubscribeIntents(ctx)
	require.NoError(t, err)

	d := <-ch
	require.NotNil(t, d.Data)
	assert.Equal(t, msg.IntentID, d.Data.IntentID)
	d.Nack(true)

	select {
	case again := <-ch:
		assert.Equal(t, msg.IntentID, again.Data.IntentID)
		again.Ack()
	case <-ctx.Done():
		t.Fatal("timeout 未收到重新投遞")
	}
}

func TestMemoryCacheDeleteQueue_publishRespectsContext(t *testing.T) {
	q := queue.NewMemoryCacheDeleteQueue(1)
	require.NoError(t, q.PublishCacheDelete(context.Background(), model.CacheDeleteMessage{CacheKey: "a"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := q.PublishCacheDelete(ctx, model.CacheDeleteMessage{CacheKey: "b"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, q.Len())
}

func TestMemoryQueue_subscribeClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := queue.NewMemoryQueue[model.CacheDeleteMessage](1)
	ch, err := q.Subscribe(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel 未關閉")
	}
}
