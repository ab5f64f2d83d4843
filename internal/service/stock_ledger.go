package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"ticket-rush/config"
	"ticket-rush/internal/model"
	"ticket-rush/internal/repository"
	apperrors "ticket-rush/pkg/app_errors"
	"ticket-rush/pkg/clock"
	"ticket-rush/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Invalidator 庫存或訂單異動 commit 後通知快取失效
type Invalidator interface {
	InvalidateInventory(ctx context.Context, stockKey string)
	InvalidateUserOrders(ctx context.Context, userID int64)
}

type StockLedger interface {
	Read(ctx context.Context, stockKey string) (*model.TicketInventory, error)
	// 單次條件扣減，不重試；衝突與售罄以 Outcome 表示
	DecrementIfVersion(ctx context.Context, stockKey string, expectedVersion int64) (model.CASResult, error)
	// 悲觀鎖讀取，只給管理操作使用
	ReadForExclusiveUpdate(ctx context.Context, tx pgx.Tx, stockKey string) (*model.TicketInventory, error)

	// Reserve 扣一張庫存並在同一交易寫入 PENDING intent
	Reserve(ctx context.Context, intent *model.PurchaseIntent) (*model.TicketInventory, *model.PurchaseIntent, error)
	// Release 在呼叫端交易內歸還庫存，快取失效由呼叫端在 commit 後處理
	Release(ctx context.Context, tx pgx.Tx, stockKey string, n int) (*model.TicketInventory, error)

	CreateInventory(ctx context.Context, req model.CreateInventoryRequest) (*model.TicketInventory, error)
	EnsureInventory(ctx context.Context, stockKey string, total int, price decimal.Decimal) (*model.TicketInventory, error)
	Restock(ctx context.Context, stockKey string, quantity int) (*model.TicketInventory, error)
	AdjustTotal(ctx context.Context, stockKey string, total int) (*model.TicketInventory, error)
	Delete(ctx context.Context, stockKey string, force bool) error
	List(ctx context.Context) ([]*model.TicketInventory, error)
}

type StockLedgerImpl struct {
	tx          repository.TxManager
	inventories repository.InventoryRepository
	intents     repository.IntentRepository
	invalidator Invalidator
	cfg         config.LedgerConfig
	clock       clock.Clock
	log         *zap.Logger
}

func NewStockLedger(
	tx repository.TxManager,
	inventories repository.InventoryRepository,
	intents repository.IntentRepository,
	invalidator Invalidator,
	cfg config.LedgerConfig,
	clk clock.Clock,
) StockLedger {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &StockLedgerImpl{
		tx:          tx,
		inventories: inventories,
		intents:     intents,
		invalidator: invalidator,
		cfg:         cfg,
		clock:       clk,
		log:         logger.WithComponent("ledger"),
	}
}

func (l *StockLedgerImpl) Read(ctx context.Context, stockKey string) (*model.TicketInventory, error) {
	if !model.ValidStockKey(stockKey) {
		return nil, apperrors.ErrInvalidInput
	}
	return l.inventories.FindByKey(ctx, stockKey)
}

func (l *StockLedgerImpl) List(ctx context.Context) ([]*model.TicketInventory, error) {
	return l.inventories.List(ctx)
}

func (l *StockLedgerImpl) ReadForExclusiveUpdate(ctx context.Context, tx pgx.Tx, stockKey string) (*model.TicketInventory, error) {
	return l.inventories.FindByKeyForUpdate(ctx, tx, stockKey)
}

func (l *StockLedgerImpl) DecrementIfVersion(ctx context.Context, stockKey string, expectedVersion int64) (model.CASResult, error) {
	var result model.CASResult
	err := l.tx.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		result, err = l.inventories.CompareAndSwap(ctx, tx, stockKey, expectedVersion, 1)
		return err
	})
	if err != nil {
		return model.CASResult{}, err
	}

	if result.Applied() {
		l.invalidator.InvalidateInventory(ctx, stockKey)
	}
	return result, nil
}

func (l *StockLedgerImpl) Reserve(ctx context.Context, intent *model.PurchaseIntent) (*model.TicketInventory, *model.PurchaseIntent, error) {
	if intent == nil || !model.ValidStockKey(intent.StockKey) {
		return nil, nil, apperrors.ErrInvalidInput
	}
	stockKey := intent.StockKey

	for attempt := 1; attempt <= l.cfg.MaxAttempts; attempt++ {
		// 1. 讀目前版本，售罄直接失敗不寫入
		current, err := l.inventories.FindByKey(ctx, stockKey)
		if err != nil {
			return nil, nil, err
		}
		if !current.IsAvailable() {
			return nil, nil, apperrors.ErrOutOfStock
		}

		// 2. CAS 扣減與寫入 intent 同一個交易
		var state *model.TicketInventory
		var created *model.PurchaseIntent
		err = l.tx.WithTx(ctx, func(tx pgx.Tx) error {
			result, err := l.inventories.CompareAndSwap(ctx, tx, stockKey, current.Version, 1)
			if err != nil {
				return err
			}
			switch result.Outcome {
			case model.CASConflict:
				return apperrors.ErrStockCASConflict
			case model.CASOutOfStock:
				return apperrors.ErrOutOfStock
			}
			state = result.State

			created, err = l.intents.Create(ctx, tx, intent)
			return err
		})

		switch {
		case err == nil:
			l.invalidator.InvalidateInventory(ctx, stockKey)
			return state, created, nil
		case errors.Is(err, apperrors.ErrStockCASConflict):
			// 搶輸了，重讀後再試
			l.backoff(ctx)
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			continue
		default:
			return nil, nil, err
		}
	}

	l.log.Info("reserve retries exhausted",
		zap.String("stock_key", stockKey),
		zap.Int64("user_id", intent.UserID),
		zap.Int("retries", l.cfg.MaxAttempts),
	)
	return nil, nil, fmt.Errorf("%w: %d attempts lost the race", apperrors.ErrStockNotEnough, l.cfg.MaxAttempts)
}

// backoff 固定間隔加上隨機抖動，避免同一批輸家同時重試
func (l *StockLedgerImpl) backoff(ctx context.Context) {
	if l.cfg.Backoff <= 0 {
		return
	}
	d := l.cfg.Backoff + rand.N(l.cfg.Backoff)
	select {
	case <-ctx.Done():
	case <-l.clock.After(d):
	}
}

func (l *StockLedgerImpl) Release(ctx context.Context, tx pgx.Tx, stockKey string, n int) (*model.TicketInventory, error) {
	if n <= 0 {
		return nil, apperrors.ErrInvalidInput
	}

	// 管理路徑競爭低，重試到成功為止
	for {
		current, err := l.inventories.FindByKeyForUpdate(ctx, tx, stockKey)
		if err != nil {
			return nil, err
		}

		result, err := l.inventories.CompareAndSwap(ctx, tx, stockKey, current.Version, -n)
		if err != nil {
			return nil, err
		}
		switch result.Outcome {
		case model.CASApplied:
			return result.State, nil
		case model.CASOutOfStock:
			// 歸還數量超過已售數量
			return nil, fmt.Errorf("%w: release %d exceeds sold %d", apperrors.ErrInvalidInput, n, current.SoldCount)
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (l *StockLedgerImpl) CreateInventory(ctx context.Context, req model.CreateInventoryRequest) (*model.TicketInventory, error) {
	if !model.ValidStockKey(req.StockKey) || req.TotalCount < 1 || req.Price.IsNegative() {
		return nil, apperrors.ErrInvalidInput
	}

	inv, err := l.inventories.Create(ctx, &model.TicketInventory{
		StockKey:   req.StockKey,
		TotalCount: req.TotalCount,
		Price:      req.Price,
	})
	if err != nil {
		return nil, err
	}

	l.invalidator.InvalidateInventory(ctx, req.StockKey)
	return inv, nil
}

func (l *StockLedgerImpl) EnsureInventory(ctx context.Context, stockKey string, total int, price decimal.Decimal) (*model.TicketInventory, error) {
	if !model.ValidStockKey(stockKey) || total < 0 || price.IsNegative() {
		return nil, apperrors.ErrInvalidInput
	}
	return l.inventories.EnsureExists(ctx, stockKey, total, price)
}

func (l *StockLedgerImpl) Restock(ctx context.Context, stockKey string, quantity int) (*model.TicketInventory, error) {
	if quantity <= 0 {
		return nil, apperrors.ErrInvalidInput
	}

	var state *model.TicketInventory
	for state == nil {
		current, err := l.inventories.FindByKey(ctx, stockKey)
		if err != nil {
			return nil, err
		}

		err = l.tx.WithTx(ctx, func(tx pgx.Tx) error {
			result, err := l.inventories.AddStock(ctx, tx, stockKey, current.Version, quantity)
			if err != nil {
				return err
			}
			if result.Applied() {
				state = result.State
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	l.log.Info("inventory restocked",
		zap.String("stock_key", stockKey),
		zap.Int("quantity", quantity),
		zap.Int64("version", state.Version),
	)
	l.invalidator.InvalidateInventory(ctx, stockKey)
	return state, nil
}

func (l *StockLedgerImpl) AdjustTotal(ctx context.Context, stockKey string, total int) (*model.TicketInventory, error) {
	if total < 0 {
		return nil, apperrors.ErrInvalidInput
	}

	var state *model.TicketInventory
	err := l.tx.WithTx(ctx, func(tx pgx.Tx) error {
		current, err := l.ReadForExclusiveUpdate(ctx, tx, stockKey)
		if err != nil {
			return err
		}
		if total < current.SoldCount {
			return fmt.Errorf("%w: total %d below sold %d", apperrors.ErrInvalidInput, total, current.SoldCount)
		}

		state, err = l.inventories.SetTotal(ctx, tx, stockKey, total)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.invalidator.InvalidateInventory(ctx, stockKey)
	return state, nil
}

func (l *StockLedgerImpl) Delete(ctx context.Context, stockKey string, force bool) error {
	if err := l.inventories.Delete(ctx, stockKey, force); err != nil {
		return err
	}
	if force {
		l.log.Warn("inventory deleted with sold units", zap.String("stock_key", stockKey))
	}
	l.invalidator.InvalidateInventory(ctx, stockKey)
	return nil
}
