package ratelimit_test

import (
	"context"
	"testing"
	"ticket-rush/internal/ratelimit"
	"ticket-rush/internal/testutil"
	"ticket-rush/pkg/clock"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlidingWindow_limitWithinWindow(t *testing.T) {
	ctx := context.Background()
	_, rdb := testutil.NewMiniRedis(t)
	clk := clock.Fake(epoch)
	sw := ratelimit.NewSlidingWindow(rdb, clk, 0)

	for i := 0; i < 3; i++ {
		res, err := sw.Allow(ctx, "rl:sw:interface:purchase", 3, time.Second)
		require.NoError(t, err)
		assert.True(t, res.Admitted)
		assert.Equal(t, int64(2-i), res.Remaining)
	}

	res, err := sw.Allow(ctx, "rl:sw:interface:purchase", 3, time.Second)
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.WithinDuration(t, epoch.Add(time.Second), res.ResetAt, 0, "最舊一筆離開視窗的時間")
}

func TestSlidingWindow_slidesOldEntriesOut(t *testing.T) {
	ctx := context.Background()
	_, rdb := testutil.NewMiniRedis(t)
	clk := clock.Fake(epoch)
	sw := ratelimit.NewSlidingWindow(rdb, clk, 0)

	res, err := sw.Allow(ctx, "w", 2, time.Second)
	require.NoError(t, err)
	require.True(t, res.Admitted)

	clk.Advance(600 * time.Millisecond)
	res, err = sw.Allow(ctx, "w", 2, time.Second)
	require.NoError(t, err)
	require.True(t, res.Admitted)

	res, err = sw.Allow(ctx, "w", 2, time.Second)
	require.NoError(t, err)
	assert.False(t, res.Admitted)

	// 第一筆在 t=1000ms 離開視窗，第二筆仍在
	clk.Advance(400 * time.Millisecond)
	res, err = sw.Allow(ctx, "w", 2, time.Second)
	require.NoError(t, err)
	assert.True(t, res.Admitted)
	assert.Equal(t, int64(0), res.Remaining)
	assert.WithinDuration(t, epoch.Add(1600*time.Millisecond), res.ResetAt, 0)
}

func TestSlidingWindow_sameInstantRequestsAreDistinct(t *testing.T) {
	ctx := context.Background()
	mr, rdb := testutil.NewMiniRedis(t)
	sw := ratelimit.NewSlidingWindow(rdb, clock.Fake(epoch), 0)

	for i := 0; i < 5; i++ {
		_, err := sw.Allow(ctx, "same", 10, time.Second)
		require.NoError(t, err)
	}
	members, err := mr.ZMembers("same")
	require.NoError(t, err)
	assert.Len(t, members, 5)
}
