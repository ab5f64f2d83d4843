package service

import (
	"context"
	"errors"
	"ticket-rush/internal/model"
	"ticket-rush/internal/repository"
	apperrors "ticket-rush/pkg/app_errors"
	"ticket-rush/pkg/clock"
	"ticket-rush/pkg/logger"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// UserOrdersReader 使用者訂單列表(經快取)
type UserOrdersReader interface {
	GetUserOrders(ctx context.Context, userID int64) ([]*model.Order, error)
}

type OrderService interface {
	ListUserOrders(ctx context.Context, userID int64) ([]*model.Order, error)
	GetOrder(ctx context.Context, orderNo string) (*model.Order, error)
	// 付款只記錄狀態轉換，金流不在此處理
	Pay(ctx context.Context, orderNo string) (*model.Order, error)
	// 取消並歸還庫存
	Cancel(ctx context.Context, orderNo string) (*model.Order, error)
	// 逾期未付款的訂單轉 EXPIRED 並歸還庫存
	ExpireUnpaid(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

type OrderServiceImpl struct {
	tx          repository.TxManager
	repository  repository.OrderRepository
	ledger      StockLedger
	cached      UserOrdersReader
	invalidator Invalidator
	clock       clock.Clock
	log         *zap.Logger
}

func NewOrderService(
	tx repository.TxManager,
	orderRepository repository.OrderRepository,
	ledger StockLedger,
	cached UserOrdersReader,
	invalidator Invalidator,
	clk clock.Clock,
) OrderService {
	if clk == nil {
		clk = clock.Real()
	}
	return &OrderServiceImpl{
		tx:          tx,
		repository:  orderRepository,
		ledger:      ledger,
		cached:      cached,
		invalidator: invalidator,
		clock:       clk,
		log:         logger.WithComponent("order"),
	}
}

func (s *OrderServiceImpl) ListUserOrders(ctx context.Context, userID int64) ([]*model.Order, error) {
	if userID <= 0 {
		return nil, apperrors.ErrInvalidInput
	}
	return s.cached.GetUserOrders(ctx, userID)
}

func (s *OrderServiceImpl) GetOrder(ctx context.Context, orderNo string) (*model.Order, error) {
	return s.repository.FindByOrderNo(ctx, orderNo)
}

func (s *OrderServiceImpl) Pay(ctx context.Context, orderNo string) (*model.Order, error) {
	return s.transition(ctx, orderNo, model.OrderStatusPendingPayment, model.OrderStatusPaid)
}

func (s *OrderServiceImpl) Cancel(ctx context.Context, orderNo string) (*model.Order, error) {
	// 1. 先讀目前狀態決定轉換來源，實際更新仍以 from 條件防止併發
	current, err := s.repository.FindByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, orderNo, current.Status, model.OrderStatusCancelled)
}

func (s *OrderServiceImpl) transition(ctx context.Context, orderNo string, from, to model.OrderStatus) (*model.Order, error) {
	if !from.CanTransitionTo(to) {
		return nil, apperrors.ErrInvalidOrderStatus
	}

	var updated *model.Order
	err := s.tx.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		updated, err = s.repository.UpdateStatus(ctx, tx, orderNo, from, to)
		if err != nil {
			return err
		}

		// 取消與逾期要把票還回去
		if to.ReleasesStock() {
			_, err = s.ledger.Release(ctx, tx, updated.StockKey, 1)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("order status changed",
		zap.String("order_no", orderNo),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	if to.ReleasesStock() {
		s.invalidator.InvalidateInventory(ctx, updated.StockKey)
	}
	s.invalidator.InvalidateUserOrders(ctx, updated.UserID)
	return updated, nil
}

func (s *OrderServiceImpl) ExpireUnpaid(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	before := s.clock.Now().Add(-olderThan)
	orders, err := s.repository.ListPendingPaymentBefore(ctx, before, limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, order := range orders {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		_, err := s.transition(ctx, order.OrderNo, model.OrderStatusPendingPayment, model.OrderStatusExpired)
		if err != nil {
			// 掃描後剛好被付款或取消
			if errors.Is(err, apperrors.ErrInvalidOrderStatus) {
				continue
			}
			s.log.Error("expire order failed", zap.String("order_no", order.OrderNo), zap.Error(err))
			continue
		}
		expired++
	}
	return expired, nil
}
