package service_test

import (
	"context"
	"testing"
	"ticket-rush/config"
	"ticket-rush/internal/cache"
	"ticket-rush/internal/model"
	"ticket-rush/internal/queue"
	"ticket-rush/internal/ratelimit"
	"ticket-rush/internal/sequence"
	"ticket-rush/internal/service"
	"ticket-rush/internal/testutil"
	"ticket-rush/pkg/clock"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const stockKey = "2026-10-20"

var epoch = time.Date(2026, 10, 20, 9, 0, 0, 0, time.UTC)

var ticketPrice = decimal.RequireFromString("880.00")

type fixture struct {
	mr        *miniredis.Miniredis
	rdb       *redis.Client
	clock     *clock.FakeClock
	store     *testutil.MemStore
	intents   *queue.MemoryIntentQueue
	deletes   *queue.MemoryCacheDeleteQueue
	cache     cache.CacheConsistencyManager
	ledger    service.StockLedger
	purchases service.PurchaseService
	pipeline  service.OrderPipeline
	orders    service.OrderService
	inventory service.InventoryService
}

type fixtureOption func(*fixtureOptions)

type fixtureOptions struct {
	ledger   config.LedgerConfig
	pipeline config.PipelineConfig
	gate     *config.RateLimitConfig
}

func withMaxAttempts(n int) fixtureOption {
	return func(o *fixtureOptions) { o.ledger.MaxAttempts = n }
}

func withGate(cfg config.RateLimitConfig) fixtureOption {
	return func(o *fixtureOptions) { o.gate = &cfg }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	o := fixtureOptions{
		// 假時鐘下不退避
		ledger: config.LedgerConfig{MaxAttempts: 5},
		pipeline: config.PipelineConfig{
			StaleAfter:    time.Minute,
			MaxRetries:    3,
			SweepBatch:    50,
			PaymentWindow: 15 * time.Minute,
		},
	}
	for _, opt := range opts {
		opt(&o)
	}

	mr, rdb := testutil.NewMiniRedis(t)
	clk := clock.Fake(epoch)
	store := testutil.NewMemStore(clk)
	intentQueue := queue.NewMemoryIntentQueue(1024)
	deleteQueue := queue.NewMemoryCacheDeleteQueue(1024)

	manager := cache.NewCacheConsistencyManager(rdb, store.Inventories(), store.Orders(), deleteQueue, config.CacheConfig{
		TTL:               30 * time.Second,
		OrderListTTL:      time.Minute,
		DoubleDeleteDelay: 500 * time.Millisecond,
		Prefix:            "cache",
	}, clk)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	codes := sequence.NewTicketCodeGenerator(sequence.NewAllocator(rdb, nil, 48*time.Hour), store.Orders(), node)

	var gate service.Admitter
	if o.gate != nil {
		gate = ratelimit.NewGate(rdb, *o.gate, clk)
	}

	ledger := service.NewStockLedger(store.Tx(), store.Inventories(), store.Intents(), manager, o.ledger, clk)

	return &fixture{
		mr:        mr,
		rdb:       rdb,
		clock:     clk,
		store:     store,
		intents:   intentQueue,
		deletes:   deleteQueue,
		cache:     manager,
		ledger:    ledger,
		purchases: service.NewPurchaseService(gate, manager, ledger, store.Intents(), store.Orders(), intentQueue, clk),
		pipeline: service.NewOrderPipeline(
			store.Tx(), store.Inventories(), store.Intents(), store.Orders(),
			ledger, codes, node, intentQueue, manager, o.pipeline, clk,
		),
		orders:    service.NewOrderService(store.Tx(), store.Orders(), ledger, manager, manager, clk),
		inventory: service.NewInventoryService(ledger, manager),
	}
}

// drainIntents 取出目前隊列中所有 intent 訊息
func (f *fixture) drainIntents(t *testing.T) []model.IntentMessage {
	t.Helper()
	n := f.intents.Len()
	out := make([]model.IntentMessage, 0, n)
	if n == 0 {
		return out
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := f.intents.SubscribeIntents(ctx)
	require.NoError(t, err)

	for len(out) < n {
		select {
		case d := <-ch:
			d.Ack()
			out = append(out, *d.Data)
		case <-ctx.Done():
			t.Fatalf("drained %d of %d intent messages", len(out), n)
		}
	}
	return out
}

func (f *fixture) seed(total, remaining int) {
	f.store.SeedInventory(stockKey, total, remaining, ticketPrice)
}

func purchaseReq(userID int64) model.PurchaseRequest {
	return model.PurchaseRequest{UserID: userID, StockKey: stockKey, ClientIP: "10.0.0.1"}
}
