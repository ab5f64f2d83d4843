package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// StockKeyLayout 庫存以販售日期為 key
const StockKeyLayout = "2006-01-02"

// TicketInventory 每個可販售日期一筆，version 作為樂觀鎖
type TicketInventory struct {
	StockKey       string          `json:"stock_key" db:"stock_key"`
	TotalCount     int             `json:"total_count" db:"total_count"`
	RemainingCount int             `json:"remaining_count" db:"remaining_count"`
	SoldCount      int             `json:"sold_count" db:"sold_count"`
	Version        int64           `json:"version" db:"version"`
	Price          decimal.Decimal `json:"price" db:"price"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// IsAvailable 檢查是否還有餘票
func (t *TicketInventory) IsAvailable() bool {
	return t.RemainingCount > 0
}

// Consistent 檢查 remaining = total - sold 且 0 <= remaining <= total
func (t *TicketInventory) Consistent() bool {
	return t.RemainingCount == t.TotalCount-t.SoldCount &&
		t.RemainingCount >= 0 &&
		t.RemainingCount <= t.TotalCount
}

// ValidStockKey 檢查 key 是否為 yyyy-MM-dd
func ValidStockKey(key string) bool {
	_, err := time.Parse(StockKeyLayout, key)
	return err == nil
}

// CASOutcome 條件更新的結果；衝突與售罄是正常的競爭訊號，不是錯誤
type CASOutcome int

const (
	CASApplied CASOutcome = iota
	CASConflict
	CASOutOfStock
)

func (o CASOutcome) String() string {
	switch o {
	case CASApplied:
		return "applied"
	case CASConflict:
		return "conflict"
	case CASOutOfStock:
		return "out_of_stock"
	}
	return "unknown"
}

// CASResult Applied 時 State 為更新後的狀態，其餘為呼叫前讀到的狀態(可能為 nil)
type CASResult struct {
	Outcome CASOutcome
	State   *TicketInventory
}

func (r CASResult) Applied() bool {
	return r.Outcome == CASApplied
}

// CreateInventoryRequest 建立庫存請求
type CreateInventoryRequest struct {
	StockKey   string          `json:"stock_key" binding:"required"`
	TotalCount int             `json:"total_count" binding:"required,min=1"`
	Price      decimal.Decimal `json:"price"`
}

// InventoryResponse 餘票響應
type InventoryResponse struct {
	StockKey       string `json:"stock_key"`
	TotalCount     int    `json:"total_count"`
	RemainingCount int    `json:"remaining_count"`
	Price          string `json:"price"`
	Available      bool   `json:"available"`
}

func (t *TicketInventory) ToResponse() InventoryResponse {
	return InventoryResponse{
		StockKey:       t.StockKey,
		TotalCount:     t.TotalCount,
		RemainingCount: t.RemainingCount,
		Price:          t.Price.StringFixed(2),
		Available:      t.IsAvailable(),
	}
}
