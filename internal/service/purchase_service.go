package service

import (
	"context"
	"errors"
	"ticket-rush/internal/model"
	"ticket-rush/internal/queue"
	"ticket-rush/internal/ratelimit"
	"ticket-rush/internal/repository"
	apperrors "ticket-rush/pkg/app_errors"
	"ticket-rush/pkg/clock"
	"ticket-rush/pkg/logger"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// publishTimeout 發送 intent 不跟隨請求生命週期，失敗由 sweep 補發
const publishTimeout = 3 * time.Second

// Admitter 請求進入庫存前的限流閘門
type Admitter interface {
	Admit(ctx context.Context, id ratelimit.Identity) error
	AdmitBlocking(ctx context.Context, id ratelimit.Identity, timeout time.Duration) error
}

// AvailabilityReader 讀取(可能過期的)快取餘票
type AvailabilityReader interface {
	GetInventory(ctx context.Context, stockKey string) (*model.TicketInventory, error)
}

type PurchaseService interface {
	// 搶票：限流 -> 快取預檢 -> 重複預檢 -> 扣庫存寫 intent -> 發送訊息
	Purchase(ctx context.Context, req model.PurchaseRequest) (*model.PurchaseReceipt, error)
	// 同上，但限流改為阻塞等待至 timeout
	PurchaseBlocking(ctx context.Context, req model.PurchaseRequest, timeout time.Duration) (*model.PurchaseReceipt, error)
	GetIntent(ctx context.Context, intentID uuid.UUID) (*model.IntentView, error)
}

type PurchaseServiceImpl struct {
	gate         Admitter
	availability AvailabilityReader
	ledger       StockLedger
	intents      repository.IntentRepository
	orders       repository.OrderRepository
	intentQueue  queue.IntentQueue
	clock        clock.Clock
	log          *zap.Logger
}

func NewPurchaseService(
	gate Admitter,
	availability AvailabilityReader,
	ledger StockLedger,
	intents repository.IntentRepository,
	orders repository.OrderRepository,
	intentQueue queue.IntentQueue,
	clk clock.Clock,
) PurchaseService {
	if clk == nil {
		clk = clock.Real()
	}
	return &PurchaseServiceImpl{
		gate:         gate,
		availability: availability,
		ledger:       ledger,
		intents:      intents,
		orders:       orders,
		intentQueue:  intentQueue,
		clock:        clk,
		log:          logger.WithComponent("purchase"),
	}
}

func (s *PurchaseServiceImpl) Purchase(ctx context.Context, req model.PurchaseRequest) (*model.PurchaseReceipt, error) {
	return s.purchase(ctx, req, 0)
}

func (s *PurchaseServiceImpl) PurchaseBlocking(ctx context.Context, req model.PurchaseRequest, timeout time.Duration) (*model.PurchaseReceipt, error) {
	return s.purchase(ctx, req, timeout)
}

func (s *PurchaseServiceImpl) purchase(ctx context.Context, req model.PurchaseRequest, timeout time.Duration) (*model.PurchaseReceipt, error) {
	if req.UserID <= 0 || !model.ValidStockKey(req.StockKey) {
		return nil, apperrors.ErrInvalidInput
	}

	// 1. 限流：任一層拒絕就不碰庫存
	if err := s.admit(ctx, req, timeout); err != nil {
		return nil, err
	}

	// 2. 快取預檢：快取說售罄就直接拒絕，快取不可用則交給 ledger 判斷
	inv, err := s.availability.GetInventory(ctx, req.StockKey)
	switch {
	case errors.Is(err, apperrors.ErrInventoryNotFound):
		return nil, err
	case err != nil:
		s.log.Warn("availability pre-check skipped", zap.String("stock_key", req.StockKey), zap.Error(err))
	case !inv.IsAvailable():
		return nil, apperrors.ErrOutOfStock
	}

	// 3. 重複預檢只是省一次交易，唯一索引才是真正的防線
	if dup, err := s.alreadyPurchased(ctx, req); err != nil {
		s.log.Warn("duplicate pre-check skipped", zap.Int64("user_id", req.UserID), zap.Error(err))
	} else if dup {
		return nil, apperrors.ErrDuplicatePurchase
	}

	// 4. 扣庫存 + 寫 PENDING intent
	state, intent, err := s.ledger.Reserve(ctx, model.NewPurchaseIntent(req.UserID, req.StockKey))
	if err != nil {
		return nil, err
	}

	// 5. 發送失敗不影響結果，intent 已落地
	s.publish(ctx, intent)

	return &model.PurchaseReceipt{
		IntentID:  intent.IntentID,
		StockKey:  intent.StockKey,
		UserID:    intent.UserID,
		Status:    intent.Status,
		Remaining: state.RemainingCount,
	}, nil
}

func (s *PurchaseServiceImpl) admit(ctx context.Context, req model.PurchaseRequest, timeout time.Duration) error {
	if s.gate == nil {
		return nil
	}
	id := ratelimit.ResolveIdentity(req.UserID, req.ClientIP)
	if timeout > 0 {
		return s.gate.AdmitBlocking(ctx, id, timeout)
	}
	return s.gate.Admit(ctx, id)
}

func (s *PurchaseServiceImpl) alreadyPurchased(ctx context.Context, req model.PurchaseRequest) (bool, error) {
	live, err := s.intents.ExistsLive(ctx, req.UserID, req.StockKey)
	if err != nil || live {
		return live, err
	}
	return s.orders.ExistsByUserAndStock(ctx, req.UserID, req.StockKey)
}

func (s *PurchaseServiceImpl) publish(ctx context.Context, intent *model.PurchaseIntent) {
	// 使用者斷線也要送出
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := s.intentQueue.PublishIntent(pubCtx, intent.ToMessage(s.clock.Now())); err != nil {
		s.log.Warn("publish intent failed, sweep will redeliver",
			zap.String("intent_id", intent.IntentID.String()),
			zap.String("stock_key", intent.StockKey),
			zap.Error(err),
		)
	}
}

func (s *PurchaseServiceImpl) GetIntent(ctx context.Context, intentID uuid.UUID) (*model.IntentView, error) {
	intent, err := s.intents.FindByID(ctx, intentID)
	if err != nil {
		return nil, err
	}

	view := &model.IntentView{Intent: intent}
	if intent.Status != model.IntentStatusDispatched {
		return view, nil
	}

	order, err := s.orders.FindByIntentID(ctx, intentID)
	if err != nil {
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			return view, nil
		}
		return nil, err
	}
	resp := order.ToResponse()
	view.Order = &resp
	return view, nil
}
