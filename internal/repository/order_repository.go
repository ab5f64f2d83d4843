package repository

import (
	"context"
	"errors"
	"fmt"
	"ticket-rush/internal/model"
	apperrors "ticket-rush/pkg/app_errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrTicketCodeTaken 票碼與既有訂單衝突，呼叫端應重新產生票碼
var ErrTicketCodeTaken = errors.New("ticket code already taken")

const constraintTicketCode = "orders_ticket_code_key"

type OrderRepository interface {
	FindByOrderNo(ctx context.Context, orderNo string) (*model.Order, error)
	FindByIntentID(ctx context.Context, intentID uuid.UUID) (*model.Order, error)
	FindByUserID(ctx context.Context, userID int64) ([]*model.Order, error)
	ExistsByUserAndStock(ctx context.Context, userID int64, stockKey string) (bool, error)
	ExistsByTicketCode(ctx context.Context, ticketCode string) (bool, error)
	ListPendingPaymentBefore(ctx context.Context, before time.Time, limit int) ([]*model.Order, error)

	// Transaction methods
	Create(ctx context.Context, tx pgx.Tx, order *model.Order) (*model.Order, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, orderNo string, from, to model.OrderStatus) (*model.Order, error)
}

type OrderRepositoryImpl struct {
	pool *pgxpool.Pool
}

func NewOrderRepository(pool *pgxpool.Pool) OrderRepository {
	return &OrderRepositoryImpl{
		pool: pool,
	}
}

const orderColumns = `id, order_no, intent_id, user_id, ticket_code, stock_key, status, amount, created_at, updated_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var order model.Order
	err := row.Scan(
		&order.ID,
		&order.OrderNo,
		&order.IntentID,
		&order.UserID,
		&order.TicketCode,
		&order.StockKey,
		&order.Status,
		&order.Amount,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (r *OrderRepositoryImpl) Create(ctx context.Context, tx pgx.Tx, order *model.Order) (*model.Order, error) {
	query := `
		INSERT INTO orders (order_no, intent_id, user_id, ticket_code, stock_key, status, amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + orderColumns

	created, err := scanOrder(tx.QueryRow(ctx, query,
		order.OrderNo, order.IntentID, order.UserID, order.TicketCode, order.StockKey, order.Status, order.Amount,
	))
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			if constraint == constraintTicketCode {
				return nil, ErrTicketCodeTaken
			}
			return nil, apperrors.ErrDuplicatePurchase
		}
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	return created, nil
}

func (r *OrderRepositoryImpl) FindByOrderNo(ctx context.Context, orderNo string) (*model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE order_no = $1`
	return scanOrder(r.pool.QueryRow(ctx, query, orderNo))
}

func (r *OrderRepositoryImpl) FindByIntentID(ctx context.Context, intentID uuid.UUID) (*model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE intent_id = $1`
	return scanOrder(r.pool.QueryRow(ctx, query, intentID))
}

func (r *OrderRepositoryImpl) FindByUserID(ctx context.Context, userID int64) ([]*model.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC
	`
	return r.queryOrders(ctx, query, userID)
}

func (r *OrderRepositoryImpl) ListPendingPaymentBefore(ctx context.Context, before time.Time, limit int) ([]*model.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3
	`
	return r.queryOrders(ctx, query, model.OrderStatusPendingPayment, before, limit)
}

func (r *OrderRepositoryImpl) ExistsByUserAndStock(ctx context.Context, userID int64, stockKey string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM orders WHERE user_id = $1 AND stock_key = $2)`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, userID, stockKey).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (r *OrderRepositoryImpl) ExistsByTicketCode(ctx context.Context, ticketCode string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM orders WHERE ticket_code = $1)`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, ticketCode).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (r *OrderRepositoryImpl) UpdateStatus(
	ctx context.Context,
	tx pgx.Tx,
	orderNo string,
	from, to model.OrderStatus,
) (*model.Order, error) {
	query := `
		UPDATE orders
		SET status = $3, updated_at = $4
		WHERE order_no = $1 AND status = $2
		RETURNING ` + orderColumns

	order, err := scanOrder(tx.QueryRow(ctx, query, orderNo, from, to, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			// 訂單存在但狀態已被其他請求改變
			var exists bool
			if e := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE order_no = $1)`, orderNo).Scan(&exists); e == nil && exists {
				return nil, apperrors.ErrInvalidOrderStatus
			}
			return nil, apperrors.ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to update order status: %w", err)
	}

	return order, nil
}

func (r *OrderRepositoryImpl) queryOrders(ctx context.Context, query string, args ...any) ([]*model.Order, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]*model.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return orders, nil
}
