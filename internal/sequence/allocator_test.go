package sequence

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"ticket-rush/internal/testutil"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 50 個並發呼叫者各拿一個號碼，結果恰好是 1..50
func TestAllocator_Next_concurrentCallersGetGapFreeSequence(t *testing.T) {
	ctx := context.Background()
	_, rdb := testutil.NewMiniRedis(t)
	alloc := NewAllocator(rdb, nil, time.Hour)

	const callers = 50
	results := make([]int64, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, tier, err := alloc.Next(ctx, "ticket:20261020", 1)
			assert.NoError(t, err)
			assert.Equal(t, TierAtomic, tier)
			results[i] = v
		}(i)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
	for i, v := range results {
		assert.Equal(t, int64(i+1), v)
	}
}

func TestAllocator_Next_setsExpiry(t *testing.T) {
	_, rdb := testutil.NewMiniRedis(t)
	alloc := NewAllocator(rdb, nil, 48*time.Hour)
	_, _, err := alloc.Next(context.Background(), "k", 5)
	require.NoError(t, err)

	ttl, err := rdb.PTTL(context.Background(), "seq:k").Result()
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, ttl)
}

func TestAllocator_Next_degradesToLocalCounter(t *testing.T) {
	ctx := context.Background()
	mr, rdb := testutil.NewMiniRedis(t)
	alloc := NewAllocator(rdb, nil, time.Hour)

	for i := 1; i <= 3; i++ {
		v, tier, err := alloc.Next(ctx, "ticket:20261020", 1)
		require.NoError(t, err)
		require.Equal(t, int64(i), v)
		require.Equal(t, TierAtomic, tier)
	}

	mr.SetError("CLUSTERDOWN")
	v, tier, err := alloc.Next(ctx, "ticket:20261020", 1)
	require.NoError(t, err)
	assert.Equal(t, TierLocal, tier)
	assert.Equal(t, int64(4), v, "本地計數從遠端已發出的水位繼續")
}

func TestAllocator_incrPipelined(t *testing.T) {
	ctx := context.Background()
	_, rdb := testutil.NewMiniRedis(t)
	alloc := NewAllocator(rdb, nil, time.Hour).(*AllocatorImpl)

	v, err := alloc.incrPipelined(ctx, "k", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	v, err = alloc.incrAtomic(ctx, "k", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v, "兩層共用同一個計數器")

	ttl, err := rdb.TTL(ctx, "seq:k").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestAllocator_Next_rejectsNonPositiveStep(t *testing.T) {
	_, rdb := testutil.NewMiniRedis(t)
	_, _, err := NewAllocator(rdb, nil, time.Hour).Next(context.Background(), "k", 0)
	assert.Error(t, err)
}

func TestLocalCounter_persistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "sequence.json")

	c, err := NewLocalCounter(path)
	require.NoError(t, err)
	v, err := c.Next("ticket:20261020", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	v, err = c.Next("ticket:20261020", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	restarted, err := NewLocalCounter(path)
	require.NoError(t, err)
	assert.Equal(t, int64(2), restarted.Current("ticket:20261020"))
	v, err = restarted.Next("ticket:20261020", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}

func TestLocalCounter_observeOnlyRaises(t *testing.T) {
	c, err := NewLocalCounter("")
	require.NoError(t, err)
	require.NoError(t, c.Observe("k", 10))
	require.NoError(t, c.Observe("k", 4))
	assert.Equal(t, int64(10), c.Current("k"))
}

func TestLocalCounter_observedWatermarkSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seq.json")
	c, err := NewLocalCounter(path)
	require.NoError(t, err)
	require.NoError(t, c.Observe("ticket:20261020", 41))

	// 重啟後 Redis 仍不可用，本地層不能重發遠端已發出的號碼
	restarted, err := NewLocalCounter(path)
	require.NoError(t, err)
	assert.Equal(t, int64(41), restarted.Current("ticket:20261020"))
	v, err := restarted.Next("ticket:20261020", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
}
