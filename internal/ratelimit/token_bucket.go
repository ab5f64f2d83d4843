package ratelimit

import (
	"context"
	"fmt"
	"ticket-rush/internal/model"
	"ticket-rush/pkg/clock"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPollInterval = 100 * time.Millisecond

type TokenBucket struct {
	client       *redis.Client
	clock        clock.Clock
	ttl          time.Duration
	pollInterval time.Duration
}

func NewTokenBucket(client *redis.Client, clk clock.Clock, ttl, pollInterval time.Duration) *TokenBucket {
	if clk == nil {
		clk = clock.Real()
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &TokenBucket{client: client, clock: clk, ttl: ttl, pollInterval: pollInterval}
}

// Allow 向 key 的桶要 n 個令牌
func (b *TokenBucket) Allow(ctx context.Context, key string, capacity int, ratePerSec float64, n int) (model.RateLimitResult, error) {
	if capacity < 1 || n < 1 || ratePerSec < 0 {
		return model.RateLimitResult{}, fmt.Errorf("token bucket %s: invalid capacity=%d rate=%v n=%d", key, capacity, ratePerSec, n)
	}
	now := b.clock.Now()
	vals, err := tokenBucketScript.Run(ctx, b.client, []string{key},
		capacity, ratePerSec, now.UnixMilli(), n, b.ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return model.RateLimitResult{}, fmt.Errorf("token bucket %s: %w", key, err)
	}
	if len(vals) != 3 {
		return model.RateLimitResult{}, fmt.Errorf("token bucket %s: unexpected script result %v", key, vals)
	}

	res := model.RateLimitResult{
		Admitted:  vals[0] == 1,
		Remaining: vals[1],
		ResetAt:   now,
	}
	if vals[2] > 0 {
		res.ResetAt = now.Add(time.Duration(vals[2]) * time.Millisecond)
	} else if vals[2] < 0 {
		res.ResetAt = time.Time{}
	}
	return res, nil
}

// Warmup 預先把桶設定為 tokens 個令牌，用於可預期的流量高峰前
func (b *TokenBucket) Warmup(ctx context.Context, key string, tokens, capacity int) error {
	if tokens < 0 || capacity < 1 {
		return fmt.Errorf("token bucket %s: invalid warmup tokens=%d capacity=%d", key, tokens, capacity)
	}
	now := b.clock.Now()
	if err := warmupScript.Run(ctx, b.client, []string{key}, tokens, capacity, now.UnixMilli(), b.ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("token bucket %s warmup: %w", key, err)
	}
	return nil
}

// AllowBlocking 每 pollInterval 重試一次，直到拿到令牌或 timeout
func (b *TokenBucket) AllowBlocking(ctx context.Context, key string, capacity int, ratePerSec float64, n int, timeout time.Duration) (model.RateLimitResult, error) {
	return poll(ctx, b.clock, b.pollInterval, timeout, func() (model.RateLimitResult, error) {
		return b.Allow(ctx, key, capacity, ratePerSec, n)
	})
}

// poll 每次嘗試本身是原子的，被拒時不留下任何狀態，因此中途放棄是安全的
func poll(ctx context.Context, clk clock.Clock, interval, timeout time.Duration, try func() (model.RateLimitResult, error)) (model.RateLimitResult, error) {
	deadline := clk.Now().Add(timeout)
	for {
		res, err := try()
		if err != nil || res.Admitted {
			return res, err
		}

		remaining := deadline.Sub(clk.Now())
		if remaining <= 0 {
			return res, nil
		}
		wait := interval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-clk.After(wait):
		}
	}
}
