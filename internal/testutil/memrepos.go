package testutil

import (
	"context"
	"sort"
	"ticket-rush/internal/model"
	"ticket-rush/internal/repository"
	apperrors "ticket-rush/pkg/app_errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// ---- inventories ----

type memInventories struct{ s *MemStore }

func (r *memInventories) Create(ctx context.Context, inv *model.TicketInventory) (*model.TicketInventory, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit("inventories.Create"); err != nil {
		return nil, err
	}
	if _, ok := s.inventories[inv.StockKey]; ok {
		return nil, apperrors.ErrInvalidInput
	}
	now := s.now()
	created := &model.TicketInventory{
		StockKey:       inv.StockKey,
		TotalCount:     inv.TotalCount,
		RemainingCount: inv.TotalCount,
		Version:        1,
		Price:          inv.Price,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.inventories[inv.StockKey] = created
	cp := *created
	return &cp, nil
}

func (r *memInventories) EnsureExists(ctx context.Context, stockKey string, total int, price decimal.Decimal) (*model.TicketInventory, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit("inventories.EnsureExists"); err != nil {
		return nil, err
	}
	inv, ok := s.inventories[stockKey]
	if !ok {
		now := s.now()
		inv = &model.TicketInventory{
			StockKey:       stockKey,
			TotalCount:     total,
			RemainingCount: total,
			Version:        1,
			Price:          price,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		s.inventories[stockKey] = inv
	}
	cp := *inv
	return &cp, nil
}

func (r *memInventories) List(ctx context.Context) ([]*model.TicketInventory, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit("inventories.List"); err != nil {
		return nil, err
	}
	out := make([]*model.TicketInventory, 0, len(s.inventories))
	for _, inv := range s.inventories {
		cp := *inv
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StockKey < out[j].StockKey })
	return out, nil
}

func (r *memInventories) FindByKey(ctx context.Context, stockKey string) (*model.TicketInventory, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit("inventories.FindByKey"); err != nil {
		return nil, err
	}
	return s.inventoryCopy(stockKey)
}

func (r *memInventories) FindByKeyForUpdate(ctx context.Context, tx pgx.Tx, stockKey string) (*model.TicketInventory, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit("inventories.FindByKeyForUpdate"); err != nil {
		return nil, err
	}
	return s.inventoryCopy(stockKey)
}

func (r *memInventories) Delete(ctx context.Context, stockKey string, force bool) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit("inventories.Delete"); err != nil {
		return err
	}
	inv, ok := s.inventories[stockKey]
	if !ok {
		return apperrors.ErrInventoryNotFound
	}
	if inv.SoldCount > 0 && !force {
		return apperrors.ErrInvalidInput
	}
	delete(s.inventories, stockKey)
	return nil
}

func (r *memInventories) CompareAndSwap(ctx context.Context, tx pgx.Tx, stockKey string, expectedVersion int64, delta int) (model.CASResult, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit("inventories.CompareAndSwap"); err != nil {
		return model.CASResult{}, err
	}
	inv, ok := s.inventories[stockKey]
	if !ok {
		return model.CASResult{}, apperrors.ErrInventoryNotFound
	}
	if inv.Version != expectedVersion || inv.RemainingCount-delta < 0 || inv.SoldCount+delta < 0 {
		cp := *inv
		return repository.ClassifyMiss(&cp, expectedVersion), nil
	}
	s.snapshotInventory(tx, stockKey)
	inv.RemainingCount -= delta
	inv.SoldCount += delta
	inv.Version++
	inv.UpdatedAt = s.now()
	cp := *inv
	return model.CASResult{Outcome: model.CASApplied, State: &cp}, nil
}

func (r *memInventories) AddStock(ctx context.Context, tx pgx.Tx, stockKey string, expectedVersion int64, quantity int) (model.CASResult, error) {
	if quantity <= 0 {
		return model.CASResult{}, apperrors.ErrInvalidInput
	}
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit("inventories.AddStock"); err != nil {
		return model.CASResult{}, err
	}
	inv, ok := s.inventories[stockKey]
	if !ok {
		return model.CASResult{}, apperrors.ErrInventoryNotFound
	}
	if inv.Version != expectedVersion {
		cp := *inv
		return model.CASResult{Outcome: model.CASConflict, State: &cp}, nil
	}
	s.snapshotInventory(tx, stockKey)
	inv.TotalCount += quantity
	inv.RemainingCount += quantity
	inv.Version++
	inv.UpdatedAt = s.now()
	cp := *inv
	return model.CASResult{Outcome: model.CASApplied, State: &cp}, nil
}

func (r *memInventories) SetTotal(ctx context.Context, tx pgx.Tx, stockKey string, total int) (*model.TicketInventory, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit("inventories.SetTotal"); err != nil {
		return nil, err
	}
	inv, ok := s.inventories[stockKey]
	if !ok {
		return nil, apperrors.ErrInventoryNotFound
	}
	if inv.SoldCount > total {
		return nil, apperrors.ErrInvalidInput
	}
	s.snapshotInventory(tx, stockKey)
	inv.TotalCount = total
	inv.RemainingCount = total - inv.SoldCount
	inv.Version++
	inv.UpdatedAt = s.now()
	cp := *inv
	return &cp, nil
}

func (s *MemStore) inventoryCopy(stockKey string) (*model.TicketInventory, error) {
	inv, ok := s.inventories[stockKey]
	if !ok {
		return nil, apperrors.ErrInventoryNotFound
	}
	cp := *inv
	return &cp, nil
}

func (s *MemStore) snapshotInventory(tx pgx.Tx, stockKey string) {
	prev := *s.inventories[stockKey]
	s.record(tx, func() {
		restored := prev
		s.inventories[stockKey] = &restored
	})
}

// ---- intents ----

type memIntents struct{ s *MemStore }

func (r *memIntents) Create(ctx context.Context, tx pgx.Tx, intent *model.PurchaseIntent) (*model.PurchaseIntent, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit("intents.Create"); err != nil {
		return nil, err
	}
	if _, ok := s.intents[intent.IntentID]; ok {
		return nil, apperrors.ErrDuplicatePurchase
	}
	for _, it := range s.intents {
		if it.UserID == intent.UserID && it.StockKey == intent.StockKey && it.Status != model.IntentStatusAbandoned {
			return nil, apperrors.ErrDuplicatePurchase
		}
	}
	now := s.now()
	created := *intent
	created.CreatedAt = now
	created.UpdatedAt = now
	s.intents[intent.IntentID] = &created
	id := intent.IntentID
	s.record(tx, func() { delete(s.intents, id) })
	cp := created
	return &cp, nil
}

func (r *memIntents) FindByID(ctx context.Context, id uuid.UUID) (*model.PurchaseIntent, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit("intents.FindByID"); err != nil {
		return nil, err
	}
	return s.intentCopy(id)
}

func (r *memIntents) FindByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*model.PurchaseIntent, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit("intents.FindByIDForUpdate"); err != nil {
		return nil, err
	}
	return s.intentCopy(id)
}

func (r *memIntents) ExistsLive(ctx context.Context, userID int64, stockKey string) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit("intents.ExistsLive"); err != nil {
		return false, err
	}
	for _, it := range s.intents {
		if it.UserID == userID && it.StockKey == stockKey && it.Status != model.IntentStatusAbandoned {
			return true, nil
		}
	}
	return false, nil
}

func (r *memIntents) ListStalePending(ctx context.Context, before time.Time, limit int) ([]*model.PurchaseIntent, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit("intents.ListStalePending"); err != nil {
		return nil, err
	}
	out := make([]*model.PurchaseIntent, 0)
	for _, it := range s.intents {
		if it.Status == model.IntentStatusPending && it.UpdatedAt.Before(before) {
			cp := *it
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memIntents) IncrementRetry(ctx context.Context, id uuid.UUID) (int, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit("intents.IncrementRetry"); err != nil {
		return 0, err
	}
	it, ok := s.intents[id]
	if !ok || it.Status != model.IntentStatusPending {
		return 0, apperrors.ErrIntentNotFound
	}
	it.RetryCount++
	it.UpdatedAt = s.now()
	return it.RetryCount, nil
}

func (r *memIntents) TransitionStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to model.IntentStatus) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit("intents.TransitionStatus"); err != nil {
		return false, err
	}
	it, ok := s.intents[id]
	if !ok || it.Status != from {
		return false, nil
	}
	prev := *it
	s.record(tx, func() {
		restored := prev
		s.intents[id] = &restored
	})
	it.Status = to
	it.UpdatedAt = s.now()
	return true, nil
}

func (s *MemStore) intentCopy(id uuid.UUID) (*model.PurchaseIntent, error) {
	it, ok := s.intents[id]
	if !ok {
		return nil, apperrors.ErrIntentNotFound
	}
	cp := *it
	return &cp, nil
}

// ---- orders ----

type memOrders struct{ s *MemStore }

func (r *memOrders) Create(ctx context.Context, tx pgx.Tx, order *model.Order) (*model.Order, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit("orders.Create"); err != nil {
		return nil, err
	}
	for _, o := range s.orders {
		if o.OrderNo == order.OrderNo || o.IntentID == order.IntentID ||
			(o.UserID == order.UserID && o.StockKey == order.StockKey) {
			return nil, apperrors.ErrDuplicatePurchase
		}
	}
	for _, o := range s.orders {
		if o.TicketCode == order.TicketCode {
			return nil, repository.ErrTicketCodeTaken
		}
	}
	s.nextOrderID++
	now := s.now()
	created := *order
	created.ID = s.nextOrderID
	created.CreatedAt = now
	created.UpdatedAt = now
	s.orders[order.OrderNo] = &created
	orderNo := order.OrderNo
	s.record(tx, func() { delete(s.orders, orderNo) })
	cp := created
	return &cp, nil
}

func (r *memOrders) FindByOrderNo(ctx context.Context, orderNo string) (*model.Order, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit("orders.FindByOrderNo"); err != nil {
		return nil, err
	}
	o, ok := s.orders[orderNo]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (r *memOrders) FindByIntentID(ctx context.Context, intentID uuid.UUID) (*model.Order, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit("orders.FindByIntentID"); err != nil {
		return nil, err
	}
	for _, o := range s.orders {
		if o.IntentID == intentID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, apperrors.ErrOrderNotFound
}

func (r *memOrders) FindByUserID(ctx context.Context, userID int64) ([]*model.Order, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit("orders.FindByUserID"); err != nil {
		return nil, err
	}
	out := make([]*model.Order, 0)
	for _, o := range s.orders {
		if o.UserID == userID {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (r *memOrders) ExistsByUserAndStock(ctx context.Context, userID int64, stockKey string) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit("orders.ExistsByUserAndStock"); err != nil {
		return false, err
	}
	for _, o := range s.orders {
		if o.UserID == userID && o.StockKey == stockKey {
			return true, nil
		}
	}
	return false, nil
}

func (r *memOrders) ExistsByTicketCode(ctx context.Context, ticketCode string) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit("orders.ExistsByTicketCode"); err != nil {
		return false, err
	}
	for _, o := range s.orders {
		if o.TicketCode == ticketCode {
			return true, nil
		}
	}
	return false, nil
}

func (r *memOrders) ListPendingPaymentBefore(ctx context.Context, before time.Time, limit int) ([]*model.Order, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit("orders.ListPendingPaymentBefore"); err != nil {
		return nil, err
	}
	out := make([]*model.Order, 0)
	for _, o := range s.orders {
		if o.Status == model.OrderStatusPendingPayment && o.CreatedAt.Before(before) {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memOrders) UpdateStatus(ctx context.Context, tx pgx.Tx, orderNo string, from, to model.OrderStatus) (*model.Order, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit("orders.UpdateStatus"); err != nil {
		return nil, err
	}
	o, ok := s.orders[orderNo]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	if o.Status != from {
		return nil, apperrors.ErrInvalidOrderStatus
	}
	prev := *o
	s.record(tx, func() {
		restored := prev
		s.orders[orderNo] = &restored
	})
	o.Status = to
	o.UpdatedAt = s.now()
	cp := *o
	return &cp, nil
}
