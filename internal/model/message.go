package model

import (
	"time"

	"github.com/google/uuid"
)

// IntentMessage 購票意圖訊息，consumer 在訂單 commit 後才 ack
type IntentMessage struct {
	IntentID         uuid.UUID `json:"intent_id"`
	StockKey         string    `json:"stock_key"`
	UserID           int64     `json:"user_id"`
	RequestTimestamp int64     `json:"request_timestamp"`
	IdempotencyHash  string    `json:"idempotency_hash"`
	Attempt          int       `json:"attempt"`
}

// CacheDeleteMessage 補償刪除快取訊息；key 不存在不算錯誤
type CacheDeleteMessage struct {
	CacheKey             string `json:"cache_key"`
	Reason               string `json:"reason"`
	ScheduledDelayMillis *int64 `json:"scheduled_delay_millis,omitempty"`
	EnqueuedAt           int64  `json:"enqueued_at"`
}

// DueAt 訊息應執行刪除的時間
func (m CacheDeleteMessage) DueAt() time.Time {
	due := time.UnixMilli(m.EnqueuedAt)
	if m.ScheduledDelayMillis != nil && *m.ScheduledDelayMillis > 0 {
		due = due.Add(time.Duration(*m.ScheduledDelayMillis) * time.Millisecond)
	}
	return due
}
