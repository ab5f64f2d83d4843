package testutil

import (
	"context"
	"sort"
	"sync"
	"ticket-rush/internal/model"
	"ticket-rush/internal/repository"
	"ticket-rush/pkg/clock"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// MemStore 記憶體版資料庫：實作三個 repository 與 TxManager。
// 交易互斥執行，失敗時依 undo log 還原；交易外的讀取不受交易鎖限制，
// 因此先讀版本、再進交易 CAS 的流程會像真實資料庫一樣產生版本衝突。
type MemStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	clock       clock.Clock
	inventories map[string]*model.TicketInventory
	intents     map[uuid.UUID]*model.PurchaseIntent
	orders      map[string]*model.Order
	nextOrderID int64

	failures map[string][]error
	calls    map[string]int
}

func NewMemStore(c clock.Clock) *MemStore {
	if c == nil {
		c = clock.Real()
	}
	return &MemStore{
		clock:       c,
		inventories: make(map[string]*model.TicketInventory),
		intents:     make(map[uuid.UUID]*model.PurchaseIntent),
		orders:      make(map[string]*model.Order),
		failures:    make(map[string][]error),
		calls:       make(map[string]int),
	}
}

// memTx 只用來攜帶 undo log；內嵌的 pgx.Tx 為 nil，記憶體 repository 不會呼叫它
type memTx struct {
	pgx.Tx
	undo []func()
}

func (s *MemStore) record(tx pgx.Tx, undo func()) {
	if mt, ok := tx.(*memTx); ok {
		mt.undo = append(mt.undo, undo)
	}
}

// FailNext 讓下一次呼叫 op 回傳 err，可重複呼叫排隊多個錯誤。
// op 例如 "orders.Create"、"intents.Create"、"inventories.CompareAndSwap"、"tx.Commit"。
func (s *MemStore) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

// Calls 回傳 op 被呼叫的次數
func (s *MemStore) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// hit 呼叫端需持有 s.mu
func (s *MemStore) hit(op string) error {
	s.calls[op]++
	queue := s.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	s.failures[op] = queue[1:]
	return err
}

func (s *MemStore) now() time.Time {
	return s.clock.Now().UTC()
}

func (s *MemStore) Tx() repository.TxManager { return &memTxManager{s} }

func (s *MemStore) Inventories() repository.InventoryRepository { return &memInventories{s} }

func (s *MemStore) Intents() repository.IntentRepository { return &memIntents{s} }

func (s *MemStore) Orders() repository.OrderRepository { return &memOrders{s} }

type memTxManager struct{ s *MemStore }

func (m *memTxManager) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	s := m.s
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{}
	err := fn(tx)
	if err == nil {
		s.mu.Lock()
		err = s.hit("tx.Commit")
		s.mu.Unlock()
	}
	if err != nil {
		s.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// ---- seed / inspect helpers ----

// SeedInventory 直接寫入一筆庫存，version 從 1 開始
func (s *MemStore) SeedInventory(stockKey string, total, remaining int, price decimal.Decimal) *model.TicketInventory {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	inv := &model.TicketInventory{
		StockKey:       stockKey,
		TotalCount:     total,
		RemainingCount: remaining,
		SoldCount:      total - remaining,
		Version:        1,
		Price:          price,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.inventories[stockKey] = inv
	cp := *inv
	return &cp
}

// Inventory 取得目前庫存快照，不存在回傳 nil
func (s *MemStore) Inventory(stockKey string) *model.TicketInventory {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.inventories[stockKey]
	if !ok {
		return nil
	}
	cp := *inv
	return &cp
}

func (s *MemStore) AllIntents() []*model.PurchaseIntent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.PurchaseIntent, 0, len(s.intents))
	for _, it := range s.intents {
		cp := *it
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemStore) AllOrders() []*model.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Order, 0, len(s.orders))
	for _, o := range s.orders {
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TouchIntent 改寫意圖的 updated_at，用來模擬卡住的意圖
func (s *MemStore) TouchIntent(id uuid.UUID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.intents[id]; ok {
		it.UpdatedAt = at
	}
}

// TouchOrder 改寫訂單的 created_at，用來模擬逾期未付款
func (s *MemStore) TouchOrder(orderNo string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[orderNo]; ok {
		o.CreatedAt = at
	}
}
