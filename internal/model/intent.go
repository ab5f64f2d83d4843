package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// IntentStatus 購票意圖狀態
type IntentStatus string

const (
	IntentStatusPending    IntentStatus = "PENDING"
	IntentStatusDispatched IntentStatus = "DISPATCHED"
	// IntentStatusAbandoned 重試次數用盡，庫存已歸還
	IntentStatusAbandoned IntentStatus = "ABANDONED"
)

func (s IntentStatus) IsTerminal() bool {
	return s == IntentStatusDispatched || s == IntentStatusAbandoned
}

// PurchaseIntent 已扣庫存、訂單尚未落地；與扣庫存在同一個交易內寫入
type PurchaseIntent struct {
	IntentID        uuid.UUID    `json:"intent_id" db:"intent_id"`
	StockKey        string       `json:"stock_key" db:"stock_key"`
	UserID          int64        `json:"user_id" db:"user_id"`
	Status          IntentStatus `json:"status" db:"status"`
	RetryCount      int          `json:"retry_count" db:"retry_count"`
	IdempotencyHash string       `json:"idempotency_hash" db:"idempotency_hash"`
	CreatedAt       time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at" db:"updated_at"`
}

func NewPurchaseIntent(userID int64, stockKey string) *PurchaseIntent {
	return &PurchaseIntent{
		IntentID:        uuid.New(),
		StockKey:        stockKey,
		UserID:          userID,
		Status:          IntentStatusPending,
		IdempotencyHash: IdempotencyHash(userID, stockKey),
	}
}

// IdempotencyHash 同一使用者同一日期只會得到同一個 hash
func IdempotencyHash(userID int64, stockKey string) string {
	sum := sha256.Sum256([]byte(strconv.FormatInt(userID, 10) + ":" + stockKey))
	return hex.EncodeToString(sum[:])
}

func (i *PurchaseIntent) ToMessage(now time.Time) IntentMessage {
	return IntentMessage{
		IntentID:         i.IntentID,
		StockKey:         i.StockKey,
		UserID:           i.UserID,
		RequestTimestamp: now.UnixMilli(),
		IdempotencyHash:  i.IdempotencyHash,
		Attempt:          i.RetryCount,
	}
}
