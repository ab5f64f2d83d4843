package model

import "time"

// RateLimitResult 限流檢查結果，由 Redis 腳本原子計算
type RateLimitResult struct {
	Admitted  bool      `json:"admitted"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}
