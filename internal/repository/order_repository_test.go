package repository_test

import (
	"context"
	"testing"
	"ticket-rush/internal/model"
	"ticket-rush/internal/repository"
	"ticket-rush/internal/testutil"
	apperrors "ticket-rush/pkg/app_errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type repos struct {
	tx          repository.TxManager
	inventories repository.InventoryRepository
	intents     repository.IntentRepository
	orders      repository.OrderRepository
}

func setupRepos(t *testing.T) *repos {
	pool := testutil.SetupDatabase(t)
	r := &repos{
		tx:          repository.NewTxManager(pool),
		inventories: repository.NewInventoryRepository(pool),
		intents:     repository.NewIntentRepository(pool),
		orders:      repository.NewOrderRepository(pool),
	}
	_, err := r.inventories.EnsureExists(context.Background(), stockKey, 10, decimal.NewFromInt(880))
	require.NoError(t, err)
	return r
}

func (r *repos) createIntent(t *testing.T, userID int64) *model.PurchaseIntent {
	t.Helper()
	var created *model.PurchaseIntent
	err := r.tx.WithTx(context.Background(), func(tx pgx.Tx) error {
		var err error
		created, err = r.intents.Create(context.Background(), tx, model.NewPurchaseIntent(userID, stockKey))
		return err
	})
	require.NoError(t, err)
	return created
}

func newOrder(intent *model.PurchaseIntent, orderNo, code string) *model.Order {
	return &model.Order{
		OrderNo:    orderNo,
		IntentID:   intent.IntentID,
		UserID:     intent.UserID,
		TicketCode: code,
		StockKey:   intent.StockKey,
		Status:     model.OrderStatusPendingPayment,
		Amount:     decimal.NewFromInt(880),
	}
}

func TestIntentRepository_LiveUniqueness(t *testing.T) {
	r := setupRepos(t)
	ctx := context.Background()

	first := r.createIntent(t, 1)

	err := r.tx.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := r.intents.Create(ctx, tx, model.NewPurchaseIntent(1, stockKey))
		return err
	})
	assert.ErrorIs(t, err, apperrors.ErrDuplicatePurchase)

	live, err := r.intents.ExistsLive(ctx, 1, stockKey)
	require.NoError(t, err)
	assert.True(t, live)

	// 放棄後同一使用者可以再買
	err = r.tx.WithTx(ctx, func(tx pgx.Tx) error {
		ok, err := r.intents.TransitionStatus(ctx, tx, first.IntentID, model.IntentStatusPending, model.IntentStatusAbandoned)
		assert.True(t, ok)
		return err
	})
	require.NoError(t, err)

	live, err = r.intents.ExistsLive(ctx, 1, stockKey)
	require.NoError(t, err)
	assert.False(t, live)
	r.createIntent(t, 1)
}

func TestIntentRepository_StalePendingAndRetry(t *testing.T) {
	r := setupRepos(t)
	ctx := context.Background()
	intent := r.createIntent(t, 2)

	stale, err := r.intents.ListStalePending(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, intent.IntentID, stale[0].IntentID)

	retries, err := r.intents.IncrementRetry(ctx, intent.IntentID)
	require.NoError(t, err)
	assert.Equal(t, 1, retries)

	_, err = r.intents.IncrementRetry(ctx, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrIntentNotFound)

	fresh, err := r.intents.ListStalePending(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, fresh)
}

func TestOrderRepository_CreateConstraints(t *testing.T) {
	r := setupRepos(t)
	ctx := context.Background()
	intent := r.createIntent(t, 3)
	other := r.createIntent(t, 4)

	create := func(order *model.Order) (*model.Order, error) {
		var created *model.Order
		err := r.tx.WithTx(ctx, func(tx pgx.Tx) error {
			var err error
			created, err = r.orders.Create(ctx, tx, order)
			return err
		})
		return created, err
	}

	created, err := create(newOrder(intent, "100", "T20261020000001000312AB"))
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.True(t, decimal.NewFromInt(880).Equal(created.Amount))

	// 同一 intent 第二筆訂單
	_, err = create(newOrder(intent, "101", "T20261020000002000312CD"))
	assert.ErrorIs(t, err, apperrors.ErrDuplicatePurchase)

	// 票碼衝突
	_, err = create(newOrder(other, "102", "T20261020000001000312AB"))
	assert.ErrorIs(t, err, repository.ErrTicketCodeTaken)

	exists, err := r.orders.ExistsByTicketCode(ctx, "T20261020000001000312AB")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = r.orders.ExistsByUserAndStock(ctx, 3, stockKey)
	require.NoError(t, err)
	assert.True(t, exists)

	byIntent, err := r.orders.FindByIntentID(ctx, intent.IntentID)
	require.NoError(t, err)
	assert.Equal(t, "100", byIntent.OrderNo)
}

func TestOrderRepository_UpdateStatus(t *testing.T) {
	r := setupRepos(t)
	ctx := context.Background()
	intent := r.createIntent(t, 5)

	err := r.tx.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := r.orders.Create(ctx, tx, newOrder(intent, "200", "T20261020000001000512EF"))
		return err
	})
	require.NoError(t, err)

	update := func(orderNo string, from, to model.OrderStatus) (*model.Order, error) {
		var order *model.Order
		err := r.tx.WithTx(ctx, func(tx pgx.Tx) error {
			var err error
			order, err = r.orders.UpdateStatus(ctx, tx, orderNo, from, to)
			return err
		})
		return order, err
	}

	paid, err := update("200", model.OrderStatusPendingPayment, model.OrderStatusPaid)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPaid, paid.Status)

	_, err = update("200", model.OrderStatusPendingPayment, model.OrderStatusCancelled)
	assert.ErrorIs(t, err, apperrors.ErrInvalidOrderStatus)

	_, err = update("missing", model.OrderStatusPendingPayment, model.OrderStatusPaid)
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)

	orders, err := r.orders.FindByUserID(ctx, 5)
	require.NoError(t, err)
	require.Len(t, orders, 1)

	pending, err := r.orders.ListPendingPaymentBefore(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
