package sequence

import (
	"context"
	"fmt"
	apperrors "ticket-rush/pkg/app_errors"
	"ticket-rush/pkg/logger"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Tier 本次號碼由哪一層發出，數字越大越不安全
type Tier int

const (
	TierAtomic Tier = iota + 1
	TierPipelined
	TierLocal
)

func (t Tier) String() string {
	switch t {
	case TierAtomic:
		return "atomic"
	case TierPipelined:
		return "pipelined"
	case TierLocal:
		return "local"
	}
	return "unknown"
}

// INCRBY 與過期時間在同一個腳本內設定，不會留下永不過期的計數器
var incrScript = redis.NewScript(`
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return v
`)

type Allocator interface {
	// Next 回傳 businessKey 下一個號碼(嚴格遞增)與使用的層級
	Next(ctx context.Context, businessKey string, step int64) (int64, Tier, error)
}

type AllocatorImpl struct {
	client *redis.Client
	local  *LocalCounter
	keyTTL time.Duration
	prefix string
	log    *zap.Logger
}

func NewAllocator(client *redis.Client, local *LocalCounter, keyTTL time.Duration) Allocator {
	if keyTTL <= 0 {
		keyTTL = 48 * time.Hour
	}
	if local == nil {
		local, _ = NewLocalCounter("")
	}
	return &AllocatorImpl{
		client: client,
		local:  local,
		keyTTL: keyTTL,
		prefix: "seq",
		log:    logger.WithComponent("sequence"),
	}
}

func (a *AllocatorImpl) key(businessKey string) string {
	return a.prefix + ":" + businessKey
}

func (a *AllocatorImpl) Next(ctx context.Context, businessKey string, step int64) (int64, Tier, error) {
	if step < 1 {
		return 0, 0, fmt.Errorf("%w: sequence step must be positive", apperrors.ErrInvalidInput)
	}

	v, err := a.incrAtomic(ctx, businessKey, step)
	if err == nil {
		a.observe(businessKey, v)
		return v, TierAtomic, nil
	}
	a.log.Warn("sequence tier degraded",
		zap.String("code", apperrors.CodeSequenceFallback),
		zap.String("business_key", businessKey),
		zap.Stringer("tier", TierPipelined),
		zap.Error(err))

	v, err = a.incrPipelined(ctx, businessKey, step)
	if err == nil {
		a.observe(businessKey, v)
		return v, TierPipelined, nil
	}
	a.log.Warn("sequence tier degraded",
		zap.String("code", apperrors.CodeSequenceFallback),
		zap.String("business_key", businessKey),
		zap.Stringer("tier", TierLocal),
		zap.Error(err))

	v, err = a.local.Next(businessKey, step)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: all tiers failed for %s: %v", apperrors.ErrSequenceFallback, businessKey, err)
	}
	return v, TierLocal, nil
}

// observe 水位寫檔失敗不影響本次發號，遠端計數器已經發出 v
func (a *AllocatorImpl) observe(businessKey string, v int64) {
	if err := a.local.Observe(businessKey, v); err != nil {
		a.log.Warn("local sequence watermark not persisted",
			zap.String("business_key", businessKey),
			zap.Int64("value", v),
			zap.Error(err))
	}
}

func (a *AllocatorImpl) incrAtomic(ctx context.Context, businessKey string, step int64) (int64, error) {
	return incrScript.Run(ctx, a.client, []string{a.key(businessKey)}, step, a.keyTTL.Milliseconds()).Int64()
}

// incrPipelined INCRBY 成功但 EXPIRE 失敗時計數器不會過期，只影響記憶體用量
func (a *AllocatorImpl) incrPipelined(ctx context.Context, businessKey string, step int64) (int64, error) {
	key := a.key(businessKey)
	var incr *redis.IntCmd
	_, err := a.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.IncrBy(ctx, key, step)
		p.Expire(ctx, key, a.keyTTL)
		return nil
	})
	if incr != nil && incr.Err() == nil {
		if err != nil {
			a.log.Warn("sequence expire failed", zap.String("business_key", businessKey), zap.Error(err))
		}
		return incr.Val(), nil
	}
	if err == nil {
		err = incr.Err()
	}
	return 0, err
}
