package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus 訂單狀態類型
type OrderStatus string

const (
	OrderStatusPendingPayment OrderStatus = "PENDING_PAYMENT"
	OrderStatusPaid           OrderStatus = "PAID"
	OrderStatusCancelled      OrderStatus = "CANCELLED"
	OrderStatusExpired        OrderStatus = "EXPIRED"
)

// IsValid 驗證狀態是否有效
func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusPendingPayment, OrderStatusPaid, OrderStatusCancelled, OrderStatusExpired:
		return true
	}
	return false
}

// CanTransitionTo 檢查是否可以轉換到目標狀態
func (s OrderStatus) CanTransitionTo(target OrderStatus) bool {
	transitions := map[OrderStatus][]OrderStatus{
		OrderStatusPendingPayment: {OrderStatusPaid, OrderStatusCancelled, OrderStatusExpired},
		OrderStatusPaid:           {OrderStatusCancelled},
		OrderStatusCancelled:      {}, // 不能轉換到任何狀態
		OrderStatusExpired:        {},
	}

	allowed, ok := transitions[s]
	if !ok {
		return false
	}

	for _, status := range allowed {
		if status == target {
			return true
		}
	}
	return false
}

// ReleasesStock 轉換到此狀態時需歸還庫存
func (s OrderStatus) ReleasesStock() bool {
	return s == OrderStatusCancelled || s == OrderStatusExpired
}

// Order 訂單模型，(user_id, stock_key) 唯一
type Order struct {
	ID         int64           `json:"id" db:"id"`
	OrderNo    string          `json:"order_no" db:"order_no"`
	IntentID   uuid.UUID       `json:"intent_id" db:"intent_id"`
	UserID     int64           `json:"user_id" db:"user_id"`
	TicketCode string          `json:"ticket_code" db:"ticket_code"`
	StockKey   string          `json:"stock_key" db:"stock_key"`
	Status     OrderStatus     `json:"status" db:"status"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// OrderResponse 訂單響應
type OrderResponse struct {
	OrderNo    string `json:"order_no"`
	UserID     int64  `json:"user_id"`
	TicketCode string `json:"ticket_code"`
	StockKey   string `json:"stock_key"`
	Status     string `json:"status"`
	Amount     string `json:"amount"`
	CreatedAt  string `json:"created_at"`
}

func (o *Order) ToResponse() OrderResponse {
	return OrderResponse{
		OrderNo:    o.OrderNo,
		UserID:     o.UserID,
		TicketCode: o.TicketCode,
		StockKey:   o.StockKey,
		Status:     string(o.Status),
		Amount:     o.Amount.StringFixed(2),
		CreatedAt:  o.CreatedAt.UTC().Format(time.RFC3339),
	}
}
