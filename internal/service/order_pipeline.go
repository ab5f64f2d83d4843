package service

import (
	"context"
	"errors"
	"fmt"
	"ticket-rush/config"
	"ticket-rush/internal/model"
	"ticket-rush/internal/queue"
	"ticket-rush/internal/repository"
	apperrors "ticket-rush/pkg/app_errors"
	"ticket-rush/pkg/clock"
	"ticket-rush/pkg/logger"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// errIntentSettled intent 已被其他 consumer 或 sweep 處理
var errIntentSettled = errors.New("intent already settled")

// TicketCoder 產生票碼；Fallback 不查重，只在衝突時使用
type TicketCoder interface {
	Generate(ctx context.Context, stockKey string, userID int64) (string, error)
	Fallback(stockKey string) (string, error)
}

// SweepResult 一輪掃描的處理結果
type SweepResult struct {
	Scanned     int
	Republished int
	Abandoned   int
	Failed      int
}

type OrderPipeline interface {
	// Dispatch 把 intent 落地成訂單；重複投遞是 no-op
	Dispatch(ctx context.Context, msg model.IntentMessage) error
	// Compensate 放棄 intent 並歸還庫存
	Compensate(ctx context.Context, intentID uuid.UUID) error
	// Sweep 找出卡在 PENDING 的 intent 重新投遞，超過重試上限就補償
	Sweep(ctx context.Context) (SweepResult, error)
}

type OrderPipelineImpl struct {
	tx          repository.TxManager
	inventories repository.InventoryRepository
	intents     repository.IntentRepository
	orders      repository.OrderRepository
	ledger      StockLedger
	codes       TicketCoder
	node        *snowflake.Node
	intentQueue queue.IntentQueue
	invalidator Invalidator
	cfg         config.PipelineConfig
	clock       clock.Clock
	log         *zap.Logger
}

func NewOrderPipeline(
	tx repository.TxManager,
	inventories repository.InventoryRepository,
	intents repository.IntentRepository,
	orders repository.OrderRepository,
	ledger StockLedger,
	codes TicketCoder,
	node *snowflake.Node,
	intentQueue queue.IntentQueue,
	invalidator Invalidator,
	cfg config.PipelineConfig,
	clk clock.Clock,
) OrderPipeline {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	return &OrderPipelineImpl{
		tx:          tx,
		inventories: inventories,
		intents:     intents,
		orders:      orders,
		ledger:      ledger,
		codes:       codes,
		node:        node,
		intentQueue: intentQueue,
		invalidator: invalidator,
		cfg:         cfg,
		clock:       clk,
		log:         logger.WithComponent("pipeline"),
	}
}

func (p *OrderPipelineImpl) Dispatch(ctx context.Context, msg model.IntentMessage) error {
	log := p.log.With(zap.String("intent_id", msg.IntentID.String()), zap.Int("attempt", msg.Attempt))

	// 1. intent 才是真相，訊息只是通知
	intent, err := p.intents.FindByID(ctx, msg.IntentID)
	if err != nil {
		if errors.Is(err, apperrors.ErrIntentNotFound) {
			log.Warn("intent not found, dropping message")
			return nil
		}
		return fmt.Errorf("%w: %v", apperrors.ErrOrderDispatchFailed, err)
	}
	if intent.Status.IsTerminal() {
		log.Debug("intent already settled", zap.String("status", string(intent.Status)))
		return nil
	}

	inv, err := p.inventories.FindByKey(ctx, intent.StockKey)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrOrderDispatchFailed, err)
	}

	// 2. 產生票碼
	code, err := p.codes.Generate(ctx, intent.StockKey, intent.UserID)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrOrderDispatchFailed, err)
	}

	order := &model.Order{
		OrderNo:    p.node.Generate().String(),
		IntentID:   intent.IntentID,
		UserID:     intent.UserID,
		TicketCode: code,
		StockKey:   intent.StockKey,
		Status:     model.OrderStatusPendingPayment,
		Amount:     inv.Price,
	}

	// 3. 寫訂單 + intent 轉 DISPATCHED 同一個交易；票碼撞了就換最後手段的票碼再試一次
	var created *model.Order
	for attempt := 0; attempt < 2; attempt++ {
		created, err = p.materialize(ctx, order)
		if !errors.Is(err, repository.ErrTicketCodeTaken) {
			break
		}
		log.Warn("ticket code taken, using fallback code", zap.String("ticket_code", order.TicketCode))
		if order.TicketCode, err = p.codes.Fallback(intent.StockKey); err != nil {
			break
		}
	}

	switch {
	case err == nil:
		log.Info("order materialized",
			zap.String("order_no", created.OrderNo),
			zap.String("ticket_code", created.TicketCode),
			zap.String("stock_key", created.StockKey),
		)
		p.invalidator.InvalidateUserOrders(ctx, intent.UserID)
		return nil
	case errors.Is(err, errIntentSettled):
		return nil
	case errors.Is(err, apperrors.ErrDuplicatePurchase):
		// 重複投遞時訂單可能已經存在
		return p.settleExisting(ctx, intent)
	default:
		log.Error("dispatch failed", zap.String("code", apperrors.CodeOrderDispatchFailed), zap.Error(err))
		return fmt.Errorf("%w: %v", apperrors.ErrOrderDispatchFailed, err)
	}
}

func (p *OrderPipelineImpl) materialize(ctx context.Context, order *model.Order) (*model.Order, error) {
	var created *model.Order
	err := p.tx.WithTx(ctx, func(tx pgx.Tx) error {
		locked, err := p.intents.FindByIDForUpdate(ctx, tx, order.IntentID)
		if err != nil {
			return err
		}
		if locked.Status != model.IntentStatusPending {
			return errIntentSettled
		}

		created, err = p.orders.Create(ctx, tx, order)
		if err != nil {
			return err
		}

		ok, err := p.intents.TransitionStatus(ctx, tx, order.IntentID, model.IntentStatusPending, model.IntentStatusDispatched)
		if err != nil {
			return err
		}
		if !ok {
			return errIntentSettled
		}
		return nil
	})
	return created, err
}

// settleExisting 訂單已存在但 intent 還是 PENDING 時補上狀態
func (p *OrderPipelineImpl) settleExisting(ctx context.Context, intent *model.PurchaseIntent) error {
	existing, err := p.orders.FindByIntentID(ctx, intent.IntentID)
	if err != nil {
		// 同一使用者同一日期已有其他 intent 的訂單，交給 sweep 補償
		return fmt.Errorf("%w: %v", apperrors.ErrOrderDispatchFailed, apperrors.ErrDuplicatePurchase)
	}

	err = p.tx.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := p.intents.TransitionStatus(ctx, tx, intent.IntentID, model.IntentStatusPending, model.IntentStatusDispatched)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrOrderDispatchFailed, err)
	}

	p.log.Info("order already materialized",
		zap.String("intent_id", intent.IntentID.String()),
		zap.String("order_no", existing.OrderNo),
	)
	p.invalidator.InvalidateUserOrders(ctx, intent.UserID)
	return nil
}

func (p *OrderPipelineImpl) Compensate(ctx context.Context, intentID uuid.UUID) error {
	var (
		intent        *model.PurchaseIntent
		inventoryGone bool
	)
	err := p.tx.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		intent, err = p.intents.FindByIDForUpdate(ctx, tx, intentID)
		if err != nil {
			return err
		}
		if intent.Status != model.IntentStatusPending {
			return errIntentSettled
		}

		ok, err := p.intents.TransitionStatus(ctx, tx, intentID, model.IntentStatusPending, model.IntentStatusAbandoned)
		if err != nil {
			return err
		}
		if !ok {
			return errIntentSettled
		}

		// 歸還預留的那一張；庫存已被強制刪除時沒有東西可還，仍然放棄這筆 intent
		_, err = p.ledger.Release(ctx, tx, intent.StockKey, 1)
		if errors.Is(err, apperrors.ErrInventoryNotFound) {
			inventoryGone = true
			return nil
		}
		return err
	})
	if errors.Is(err, errIntentSettled) {
		return nil
	}
	if err != nil {
		return err
	}

	if inventoryGone {
		p.log.Error("intent abandoned without release, inventory deleted; reconcile manually",
			zap.String("intent_id", intentID.String()),
			zap.String("stock_key", intent.StockKey),
			zap.Int64("user_id", intent.UserID),
			zap.Int("retries", intent.RetryCount),
		)
		return nil
	}

	p.log.Warn("intent abandoned, stock released",
		zap.String("intent_id", intentID.String()),
		zap.String("stock_key", intent.StockKey),
		zap.Int64("user_id", intent.UserID),
		zap.Int("retries", intent.RetryCount),
	)
	p.invalidator.InvalidateInventory(ctx, intent.StockKey)
	return nil
}

func (p *OrderPipelineImpl) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	before := p.clock.Now().Add(-p.cfg.StaleAfter)
	stale, err := p.intents.ListStalePending(ctx, before, p.cfg.SweepBatch)
	if err != nil {
		return result, err
	}
	result.Scanned = len(stale)

	for _, intent := range stale {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		log := p.log.With(zap.String("intent_id", intent.IntentID.String()), zap.Int("retries", intent.RetryCount))

		if intent.RetryCount >= p.cfg.MaxRetries {
			if err := p.Compensate(ctx, intent.IntentID); err != nil {
				log.Error("compensate failed", zap.Error(err))
				result.Failed++
				continue
			}
			result.Abandoned++
			continue
		}

		retries, err := p.intents.IncrementRetry(ctx, intent.IntentID)
		if err != nil {
			// 掃描後才被 dispatch 掉
			if errors.Is(err, apperrors.ErrIntentNotFound) {
				continue
			}
			log.Error("increment retry failed", zap.Error(err))
			result.Failed++
			continue
		}

		msg := intent.ToMessage(p.clock.Now())
		msg.Attempt = retries
		if err := p.intentQueue.PublishIntent(ctx, msg); err != nil {
			log.Error("republish intent failed", zap.Error(err))
			result.Failed++
			continue
		}
		result.Republished++
	}

	if result.Scanned > 0 {
		p.log.Info("sweep finished",
			zap.Int("scanned", result.Scanned),
			zap.Int("republished", result.Republished),
			zap.Int("abandoned", result.Abandoned),
			zap.Int("failed", result.Failed),
		)
	}
	return result, nil
}
