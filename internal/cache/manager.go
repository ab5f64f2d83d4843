package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"ticket-rush/config"
	"ticket-rush/internal/model"
	"ticket-rush/internal/queue"
	apperrors "ticket-rush/pkg/app_errors"
	"ticket-rush/pkg/clock"
	"ticket-rush/pkg/logger"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// InventoryLoader 快取未命中時的資料來源
type InventoryLoader interface {
	FindByKey(ctx context.Context, stockKey string) (*model.TicketInventory, error)
}

type OrderListLoader interface {
	FindByUserID(ctx context.Context, userID int64) ([]*model.Order, error)
}

type CacheConsistencyManager interface {
	// 讀取：快取優先，未命中讀資料庫並回填
	GetInventory(ctx context.Context, stockKey string) (*model.TicketInventory, error)
	GetUserOrders(ctx context.Context, userID int64) ([]*model.Order, error)
	// 失效：立即刪除 + 延遲再刪一次；任一步失敗改走補償隊列，不回傳錯誤
	Invalidate(ctx context.Context, key, reason string)
	InvalidateInventory(ctx context.Context, stockKey string)
	InvalidateUserOrders(ctx context.Context, userID int64)
	// Delete 無條件刪除，key 不存在不算錯誤
	Delete(ctx context.Context, key string) error
	// Close 停止尚未觸發的延遲刪除，改送補償隊列
	Close(ctx context.Context) error
}

type pendingDelete struct {
	key    string
	reason string
	due    time.Time
	timer  *clock.Timer
}

type CacheConsistencyManagerImpl struct {
	client       *redis.Client
	inventories  InventoryLoader
	orders       OrderListLoader
	compensation queue.CacheDeleteQueue
	cfg          config.CacheConfig
	clock        clock.Clock
	log          *zap.Logger
	group        singleflight.Group

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]*pendingDelete
	closed  bool
}

func NewCacheConsistencyManager(
	client *redis.Client,
	inventories InventoryLoader,
	orders OrderListLoader,
	compensation queue.CacheDeleteQueue,
	cfg config.CacheConfig,
	clk clock.Clock,
) CacheConsistencyManager {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "cache"
	}
	return &CacheConsistencyManagerImpl{
		client:       client,
		inventories:  inventories,
		orders:       orders,
		compensation: compensation,
		cfg:          cfg,
		clock:        clk,
		log:          logger.WithComponent("cache"),
		pending:      make(map[uint64]*pendingDelete),
	}
}

// InventoryKey 餘票快取 key
func InventoryKey(prefix, stockKey string) string {
	return fmt.Sprintf("%s:inventory:%s", prefix, stockKey)
}

// UserOrdersKey 使用者訂單列表快取 key
func UserOrdersKey(prefix string, userID int64) string {
	return fmt.Sprintf("%s:orders:user:%s", prefix, strconv.FormatInt(userID, 10))
}

func (m *CacheConsistencyManagerImpl) GetInventory(ctx context.Context, stockKey string) (*model.TicketInventory, error) {
	key := InventoryKey(m.cfg.Prefix, stockKey)

	var inv model.TicketInventory
	if m.readCached(ctx, key, &inv) {
		return &inv, nil
	}

	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		loaded, err := m.inventories.FindByKey(ctx, stockKey)
		if err != nil {
			return nil, err
		}
		m.writeCached(ctx, key, loaded, m.cfg.TTL)
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	cp := *v.(*model.TicketInventory)
	return &cp, nil
}

func (m *CacheConsistencyManagerImpl) GetUserOrders(ctx context.Context, userID int64) ([]*model.Order, error) {
	key := UserOrdersKey(m.cfg.Prefix, userID)

	var orders []*model.Order
	if m.readCached(ctx, key, &orders) {
		return orders, nil
	}

	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		loaded, err := m.orders.FindByUserID(ctx, userID)
		if err != nil {
			return nil, err
		}
		m.writeCached(ctx, key, loaded, m.cfg.OrderListTTL)
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*model.Order), nil
}

// readCached 快取不可用時視同未命中
func (m *CacheConsistencyManagerImpl) readCached(ctx context.Context, key string, dst interface{}) bool {
	raw, err := m.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			m.log.Warn("cache read failed, falling back to store", zap.String("cache_key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		m.log.Warn("cache entry corrupted", zap.String("cache_key", key), zap.Error(err))
		return false
	}
	return true
}

func (m *CacheConsistencyManagerImpl) writeCached(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		m.log.Warn("cache marshal failed", zap.String("cache_key", key), zap.Error(err))
		return
	}
	if err := m.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		m.log.Warn("cache populate failed", zap.String("cache_key", key), zap.Error(err))
	}
}

func (m *CacheConsistencyManagerImpl) InvalidateInventory(ctx context.Context, stockKey string) {
	m.Invalidate(ctx, InventoryKey(m.cfg.Prefix, stockKey), "inventory_mutation")
}

func (m *CacheConsistencyManagerImpl) InvalidateUserOrders(ctx context.Context, userID int64) {
	m.Invalidate(ctx, UserOrdersKey(m.cfg.Prefix, userID), "order_mutation")
}

func (m *CacheConsistencyManagerImpl) Invalidate(ctx context.Context, key, reason string) {
	delay := m.cfg.DoubleDeleteDelay

	// 第一次刪除：關閉寫入後讀到舊值的視窗
	if err := m.Delete(ctx, key); err != nil {
		m.log.Warn("cache delete failed, enqueue compensation",
			zap.String("cache_key", key), zap.String("reason", reason), zap.Error(err))
		m.compensate(ctx, key, reason, delay)
	}

	if delay <= 0 {
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.compensate(ctx, key, reason, delay)
		return
	}
	m.seq++
	id := m.seq
	p := &pendingDelete{key: key, reason: reason, due: m.clock.Now().Add(delay)}
	m.pending[id] = p
	// 第二次刪除：清掉與寫入競爭、在第一次刪除後才回填的舊值
	p.timer = m.clock.AfterFunc(delay, func() { m.fireDelayed(id) })
	m.mu.Unlock()
}

func (m *CacheConsistencyManagerImpl) fireDelayed(id uint64) {
	m.mu.Lock()
	p, ok := m.pending[id]
	delete(m.pending, id)
	m.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Delete(ctx, p.key); err != nil {
		m.log.Warn("delayed cache delete failed, enqueue compensation",
			zap.String("cache_key", p.key), zap.String("reason", p.reason), zap.Error(err))
		m.compensate(ctx, p.key, p.reason, 0)
	}
}

func (m *CacheConsistencyManagerImpl) Delete(ctx context.Context, key string) error {
	if err := m.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %s: %v", apperrors.ErrCacheDeleteFailed, key, err)
	}
	return nil
}

// compensate 送出持久化的補償刪除；送不出去只能記錄，不影響呼叫端
func (m *CacheConsistencyManagerImpl) compensate(ctx context.Context, key, reason string, delay time.Duration) {
	if m.compensation == nil {
		m.log.Error("no compensation queue, cache entry may stay stale until ttl",
			zap.String("cache_key", key), zap.String("code", apperrors.CodeCacheDeleteFailed))
		return
	}
	delayMillis := delay.Milliseconds()
	msg := model.CacheDeleteMessage{
		CacheKey:             key,
		Reason:               reason,
		ScheduledDelayMillis: &delayMillis,
		EnqueuedAt:           m.clock.Now().UnixMilli(),
	}
	if err := m.compensation.PublishCacheDelete(ctx, msg); err != nil {
		m.log.Error("publish cache delete compensation failed",
			zap.String("cache_key", key), zap.String("code", apperrors.CodeCacheDeleteFailed), zap.Error(err))
	}
}

func (m *CacheConsistencyManagerImpl) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	pending := m.pending
	m.pending = make(map[uint64]*pendingDelete)
	m.mu.Unlock()

	now := m.clock.Now()
	// 已從 map 取出的項目，即使 timer 正在觸發也不會再被執行
	for _, p := range pending {
		p.timer.Stop()
		remaining := p.due.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		m.compensate(ctx, p.key, p.reason, remaining)
	}
	return nil
}
