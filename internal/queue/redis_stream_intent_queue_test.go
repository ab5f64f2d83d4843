package queue_test

import (
	"context"
	"testing"
	"ticket-rush/internal/model"
	"ticket-rush/internal/queue"
	"ticket-rush/internal/testutil"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastStreamConfig() *queue.RedisStreamIntentQueueConfig {
	return &queue.RedisStreamIntentQueueConfig{
		ClaimMinIdleTime:   200 * time.Millisecond,
		ReadGroupBlockTime: 100 * time.Millisecond,
	}
}

func newIntentMessage(userID int64) model.IntentMessage {
	return model.IntentMessage{
		IntentID:         uuid.New(),
		StockKey:         "2026-10-20",
		UserID:           userID,
		RequestTimestamp: time.Now().UnixMilli(),
		IdempotencyHash:  model.IdempotencyHash(userID, "2026-10-20"),
	}
}

func TestNewRedisStreamIntentQueue(t *testing.T) {
	_, rdb := testutil.NewMiniRedis(t)

	t.Run("success", func(t *testing.T) {
		q, err := queue.NewRedisStreamIntentQueue(rdb, "test-consumer", nil)
		require.NoError(t, err)
		require.NotNil(t, q)
	})

	t.Run("existing_group_is_reused", func(t *testing.T) {
		q, err := queue.NewRedisStreamIntentQueue(rdb, "", nil)
		require.NoError(t, err)
		require.NotNil(t, q)
	})
}

func TestRedisStreamIntentQueue_Subscribe_deliversPublishedMessage(t *testing.T) {
	_, rdb := testutil.NewMiniRedis(t)
	q, err := queue.NewRedisStreamIntentQueue(rdb, "deliver-test", fastStreamConfig())
	require.NoError(t, err)

	msg := newIntentMessage(10)
	require.NoError(t, q.PublishIntent(context.Background(), msg))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := q.SubscribeIntents(ctx)
	require.NoError(t, err)

	select {
	case d, ok := <-ch:
		require.True(t, ok, "應收到一筆")
		require.NotNil(t, d.Data)
		assert.Equal(t, msg.IntentID, d.Data.IntentID)
		assert.Equal(t, msg.StockKey, d.Data.StockKey)
		assert.Equal(t, msg.UserID, d.Data.UserID)
		assert.Equal(t, msg.IdempotencyHash, d.Data.IdempotencyHash)
		d.Ack()
	case <-ctx.Done():
		t.Fatal("timeout 未收到訊息")
	}
}

func TestRedisStreamIntentQueue_Ack_removesFromPending(t *testing.T) {
	_, rdb := testutil.NewMiniRedis(t)
	q, err := queue.NewRedisStreamIntentQueue(rdb, "ack-test", fastStreamConfig())
	require.NoError(t, err)
	require.NoError(t, q.PublishIntent(context.Background(), newIntentMessage(11)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := q.SubscribeIntents(ctx)
	require.NoError(t, err)

	d := <-ch
	require.NotNil(t, d.Data)
	d.Ack()

	pending, err := rdb.XPending(context.Background(), queue.StreamKey, queue.ConsumerGroupName).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestRedisStreamIntentQueue_NackRequeue_redeliversAfterIdle(t *testing.T) {
	_, rdb := testutil.NewMiniRedis(t)
	q, err := queue.NewRedisStreamIntentQueue(rdb, "nack-requeue-test", fastStreamConfig())
	require.NoError(t, err)

	msg := newIntentMessage(9)
	require.NoError(t, q.PublishIntent(context.Background(), msg))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := q.SubscribeIntents(ctx)
	require.NoError(t, err)

	first := <-ch
	require.NotNil(t, first.Data)
	first.Nack(true)

	select {
	case d, ok := <-ch:
		require.True(t, ok, "Nack(requeue) 後應在 ClaimMinIdleTime 後再次投遞")
		assert.Equal(t, msg.IntentID, d.Data.IntentID, "重試應為同一筆")
		d.Ack()
	case <-ctx.Done():
		t.Fatal("timeout 未收到重試投遞")
	}
}

func TestRedisStreamIntentQueue_malformedMessageIsDropped(t *testing.T) {
	_, rdb := testutil.NewMiniRedis(t)
	q, err := queue.NewRedisStreamIntentQueue(rdb, "malformed-test", fastStreamConfig())
	require.NoError(t, err)

	require.NoError(t, rdb.XAdd(context.Background(), &redis.XAddArgs{
		Stream: queue.StreamKey,
		Values: map[string]interface{}{"intent": "{not-json"},
	}).Err())
	valid := newIntentMessage(12)
	require.NoError(t, q.PublishIntent(context.Background(), valid))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := q.SubscribeIntents(ctx)
	require.NoError(t, err)

	d := <-ch
	require.NotNil(t, d.Data)
	assert.Equal(t, valid.IntentID, d.Data.IntentID)
	d.Ack()
}
