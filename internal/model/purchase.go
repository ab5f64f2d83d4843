package model

import "github.com/google/uuid"

// PurchaseRequest 搶票請求
type PurchaseRequest struct {
	UserID   int64  `json:"user_id" binding:"required"`
	StockKey string `json:"stock_key" binding:"required"`
	ClientIP string `json:"-"`
}

// PurchaseReceipt 已預留庫存，訂單非同步落地，可用 intent_id 查詢
type PurchaseReceipt struct {
	IntentID  uuid.UUID    `json:"intent_id"`
	StockKey  string       `json:"stock_key"`
	UserID    int64        `json:"user_id"`
	Status    IntentStatus `json:"status"`
	Remaining int          `json:"remaining"`
}

// IntentView 查詢意圖時一併帶出已落地的訂單
type IntentView struct {
	Intent *PurchaseIntent `json:"intent"`
	Order  *OrderResponse  `json:"order,omitempty"`
}
