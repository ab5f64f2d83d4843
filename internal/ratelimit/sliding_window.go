package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"ticket-rush/internal/model"
	"ticket-rush/pkg/clock"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type SlidingWindow struct {
	client       *redis.Client
	clock        clock.Clock
	pollInterval time.Duration
}

func NewSlidingWindow(client *redis.Client, clk clock.Clock, pollInterval time.Duration) *SlidingWindow {
	if clk == nil {
		clk = clock.Real()
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &SlidingWindow{client: client, clock: clk, pollInterval: pollInterval}
}

// Allow 視窗內已有 limit 筆則拒絕
func (w *SlidingWindow) Allow(ctx context.Context, key string, limit int, window time.Duration) (model.RateLimitResult, error) {
	if limit < 1 || window <= 0 {
		return model.RateLimitResult{}, fmt.Errorf("sliding window %s: invalid limit=%d window=%s", key, limit, window)
	}
	now := w.clock.Now()
	// 同一毫秒內的多筆請求需要不同 member
	member := strconv.FormatInt(now.UnixMicro(), 10) + "-" + uuid.NewString()

	vals, err := slidingWindowScript.Run(ctx, w.client, []string{key},
		limit, window.Milliseconds(), now.UnixMilli(), member,
	).Int64Slice()
	if err != nil {
		return model.RateLimitResult{}, fmt.Errorf("sliding window %s: %w", key, err)
	}
	if len(vals) != 3 {
		return model.RateLimitResult{}, fmt.Errorf("sliding window %s: unexpected script result %v", key, vals)
	}

	return model.RateLimitResult{
		Admitted:  vals[0] == 1,
		Remaining: vals[1],
		ResetAt:   time.UnixMilli(vals[2]).In(now.Location()),
	}, nil
}

func (w *SlidingWindow) AllowBlocking(ctx context.Context, key string, limit int, window, timeout time.Duration) (model.RateLimitResult, error) {
	return poll(ctx, w.clock, w.pollInterval, timeout, func() (model.RateLimitResult, error) {
		return w.Allow(ctx, key, limit, window)
	})
}
