package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"ticket-rush/config"
	"ticket-rush/internal/model"
	"ticket-rush/internal/queue"
	"ticket-rush/internal/ratelimit"
	"ticket-rush/internal/service"
	apperrors "ticket-rush/pkg/app_errors"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// brokenIntentQueue 模擬 broker 不可用
type brokenIntentQueue struct {
	queue.IntentQueue
}

func (brokenIntentQueue) PublishIntent(ctx context.Context, msg model.IntentMessage) error {
	return errors.New("broker unavailable")
}

func TestPurchase_Success(t *testing.T) {
	f := newFixture(t)
	f.seed(10, 10)

	receipt, err := f.purchases.Purchase(context.Background(), purchaseReq(42))
	require.NoError(t, err)
	assert.Equal(t, model.IntentStatusPending, receipt.Status)
	assert.Equal(t, 9, receipt.Remaining)
	assert.Equal(t, int64(42), receipt.UserID)

	msgs := f.drainIntents(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, receipt.IntentID, msgs[0].IntentID)
	assert.Equal(t, model.IdempotencyHash(42, stockKey), msgs[0].IdempotencyHash)
	assert.Equal(t, epoch.UnixMilli(), msgs[0].RequestTimestamp)
}

func TestPurchase_InvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.purchases.Purchase(ctx, model.PurchaseRequest{UserID: 0, StockKey: stockKey})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = f.purchases.Purchase(ctx, model.PurchaseRequest{UserID: 1, StockKey: "tomorrow"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestPurchase_UnknownInventory(t *testing.T) {
	f := newFixture(t)

	_, err := f.purchases.Purchase(context.Background(), purchaseReq(1))
	assert.ErrorIs(t, err, apperrors.ErrInventoryNotFound)
}

// 快取顯示售罄時直接拒絕，不進交易
func TestPurchase_SoldOutRejectedBeforeLedger(t *testing.T) {
	f := newFixture(t)
	f.seed(10, 0)

	_, err := f.purchases.Purchase(context.Background(), purchaseReq(1))
	assert.ErrorIs(t, err, apperrors.ErrOutOfStock)
	assert.Equal(t, 0, f.store.Calls("inventories.CompareAndSwap"))
}

// 快取掛掉時仍可購票，由資料庫判斷
func TestPurchase_CacheDownFallsBackToLedger(t *testing.T) {
	f := newFixture(t)
	f.seed(10, 10)
	f.mr.Close()

	receipt, err := f.purchases.Purchase(context.Background(), purchaseReq(1))
	require.NoError(t, err)
	assert.Equal(t, 9, receipt.Remaining)
}

func TestPurchase_DuplicatePreCheck(t *testing.T) {
	f := newFixture(t)
	f.seed(10, 10)
	ctx := context.Background()

	_, err := f.purchases.Purchase(ctx, purchaseReq(7))
	require.NoError(t, err)

	_, err = f.purchases.Purchase(ctx, purchaseReq(7))
	assert.ErrorIs(t, err, apperrors.ErrDuplicatePurchase)
	assert.Equal(t, 1, f.store.Calls("inventories.CompareAndSwap"))
	assert.Equal(t, 9, f.store.Inventory(stockKey).RemainingCount)
}

// 同一使用者並發搶同一天：只有一筆訂單，多扣的庫存不存在
func TestPurchase_ConcurrentDuplicateIsIdempotent(t *testing.T) {
	f := newFixture(t, withMaxAttempts(50))
	f.seed(10, 10)
	ctx := context.Background()

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.purchases.Purchase(ctx, purchaseReq(7))
		}(i)
	}
	wg.Wait()

	success := 0
	for _, err := range errs {
		if err == nil {
			success++
			continue
		}
		assert.ErrorIs(t, err, apperrors.ErrDuplicatePurchase)
	}
	assert.Equal(t, 1, success)
	assert.Equal(t, 9, f.store.Inventory(stockKey).RemainingCount)

	for _, msg := range f.drainIntents(t) {
		require.NoError(t, f.pipeline.Dispatch(ctx, msg))
	}
	assert.Len(t, f.store.AllOrders(), 1)
}

func TestPurchase_RateLimited(t *testing.T) {
	f := newFixture(t, withGate(config.RateLimitConfig{
		Enabled:         true,
		Interface:       "purchase",
		InterfaceLimit:  100,
		InterfaceWindow: time.Second,
		UserCapacity:    1,
		UserRate:        0,
		GlobalCapacity:  100,
		GlobalRate:      100,
		TTL:             time.Minute,
		PollInterval:    10 * time.Millisecond,
		Prefix:          "rl",
	}))
	f.seed(10, 10)
	ctx := context.Background()

	_, err := f.purchases.Purchase(ctx, purchaseReq(5))
	require.NoError(t, err)

	_, err = f.purchases.Purchase(ctx, model.PurchaseRequest{UserID: 5, StockKey: "2026-10-21"})
	assert.ErrorIs(t, err, apperrors.ErrRateLimitExceeded)
	rejected, ok := ratelimit.IsRejected(err)
	require.True(t, ok)
	assert.Equal(t, ratelimit.ScopeUser, rejected.Scope)

	// 被拒絕的請求不碰庫存
	assert.Equal(t, 1, f.store.Calls("inventories.CompareAndSwap"))
}

// broker 掛掉不影響購票結果，intent 留在 PENDING 等 sweep 補發
func TestPurchase_PublishFailureIsAbsorbed(t *testing.T) {
	f := newFixture(t)
	f.seed(10, 10)
	ctx := context.Background()

	purchases := service.NewPurchaseService(nil, f.cache, f.ledger, f.store.Intents(), f.store.Orders(), brokenIntentQueue{}, f.clock)
	receipt, err := purchases.Purchase(ctx, purchaseReq(3))
	require.NoError(t, err)
	assert.Equal(t, 0, f.intents.Len())

	f.clock.Advance(2 * time.Minute)
	result, err := f.pipeline.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Republished)

	msgs := f.drainIntents(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, receipt.IntentID, msgs[0].IntentID)
	assert.Equal(t, 1, msgs[0].Attempt)
}

func TestGetIntent(t *testing.T) {
	f := newFixture(t)
	f.seed(10, 10)
	ctx := context.Background()

	receipt, err := f.purchases.Purchase(ctx, purchaseReq(9))
	require.NoError(t, err)

	view, err := f.purchases.GetIntent(ctx, receipt.IntentID)
	require.NoError(t, err)
	assert.Equal(t, model.IntentStatusPending, view.Intent.Status)
	assert.Nil(t, view.Order)

	for _, msg := range f.drainIntents(t) {
		require.NoError(t, f.pipeline.Dispatch(ctx, msg))
	}

	view, err = f.purchases.GetIntent(ctx, receipt.IntentID)
	require.NoError(t, err)
	assert.Equal(t, model.IntentStatusDispatched, view.Intent.Status)
	require.NotNil(t, view.Order)
	assert.Equal(t, int64(9), view.Order.UserID)
	assert.Equal(t, "880.00", view.Order.Amount)

	_, err = f.purchases.GetIntent(ctx, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrIntentNotFound)
}
