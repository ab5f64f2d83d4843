package ratelimit

import (
	"context"
	"testing"
	"ticket-rush/config"
	"ticket-rush/pkg/clock"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_localLimitersStayBounded(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	clk := clock.Fake(time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC))
	gate := NewGate(rdb, config.RateLimitConfig{
		Enabled:         true,
		Interface:       "purchase",
		InterfaceLimit:  1000,
		InterfaceWindow: time.Second,
		UserCapacity:    2,
		UserRate:        1,
		GlobalCapacity:  1000,
		GlobalRate:      1000,
		Prefix:          "rl",
	}, clk)
	gate.maxLocal = 4

	for i := int64(1); i <= 50; i++ {
		require.NoError(t, gate.Admit(ctx, ResolveIdentity(i, "")))
		assert.LessOrEqual(t, len(gate.local), 4)
	}

	// 閒置超過 localIdleTTL 的使用者在下一次建立時被清掉
	clk.Advance(localIdleTTL + time.Minute)
	require.NoError(t, gate.Admit(ctx, ResolveIdentity(100, "")))
	assert.Len(t, gate.local, 3)
	assert.Contains(t, gate.local, "rl:tb:user:100")
}
