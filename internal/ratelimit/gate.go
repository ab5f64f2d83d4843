package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"ticket-rush/config"
	"ticket-rush/internal/model"
	apperrors "ticket-rush/pkg/app_errors"
	"ticket-rush/pkg/clock"
	"ticket-rush/pkg/logger"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	ScopeInterface = "interface"
	ScopeUser      = "user"
	ScopeGlobal    = "global"
)

// RejectedError 某一層限流拒絕；errors.Is(err, apperrors.ErrRateLimitExceeded) 為 true
type RejectedError struct {
	Scope   string
	Key     string
	ResetAt time.Time
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", apperrors.ErrRateLimitExceeded.Error(), e.Scope, e.Key)
}

func (e *RejectedError) Unwrap() error { return apperrors.ErrRateLimitExceeded }

type ruleKind int

const (
	kindTokenBucket ruleKind = iota
	kindSlidingWindow
)

type rule struct {
	scope    string
	key      string
	kind     ruleKind
	capacity int
	rate     float64
	window   time.Duration
}

// Gate 同時檢查介面(滑動視窗)、使用者(令牌桶)、全域(令牌桶)，全部放行才扣除，
// 任一拒絕時不消耗任何一層。
// Redis 不可用時改用本實例的 x/time/rate 限流器，不讓限流層故障擋住所有請求。
type Gate struct {
	cfg          config.RateLimitConfig
	client       *redis.Client
	buckets      *TokenBucket
	clock        clock.Clock
	ttl          time.Duration
	pollInterval time.Duration
	log          *zap.Logger

	mu       sync.Mutex
	local    map[string]*localLimiter
	maxLocal int
}

// localLimiter 降級用的單機限流器，閒置過久會被清掉
type localLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const (
	maxLocalLimiters = 10000
	localIdleTTL     = 3 * time.Minute
)

func NewGate(client *redis.Client, cfg config.RateLimitConfig, clk clock.Clock) *Gate {
	if clk == nil {
		clk = clock.Real()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Gate{
		cfg:          cfg,
		client:       client,
		buckets:      NewTokenBucket(client, clk, ttl, pollInterval),
		clock:        clk,
		ttl:          ttl,
		pollInterval: pollInterval,
		log:          logger.WithComponent("gate"),
		local:        make(map[string]*localLimiter),
		maxLocal:     maxLocalLimiters,
	}
}

// WarmupGlobal 開賣前把全域桶設為 tokens 個令牌
func (g *Gate) WarmupGlobal(ctx context.Context, tokens int) error {
	return g.buckets.Warmup(ctx, g.key("tb", "global"), min(tokens, g.cfg.GlobalCapacity), g.cfg.GlobalCapacity)
}

func (g *Gate) key(parts ...string) string {
	k := g.cfg.Prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (g *Gate) rules(id Identity) []rule {
	iface := id.Interface
	if iface == "" {
		iface = g.cfg.Interface
	}
	all := []rule{
		{
			scope:    ScopeInterface,
			key:      g.key("sw", "interface", iface),
			kind:     kindSlidingWindow,
			capacity: g.cfg.InterfaceLimit,
			window:   g.cfg.InterfaceWindow,
		},
		{
			scope:    ScopeUser,
			key:      g.key("tb", id.Key()),
			kind:     kindTokenBucket,
			capacity: g.cfg.UserCapacity,
			rate:     g.cfg.UserRate,
		},
		{
			scope:    ScopeGlobal,
			key:      g.key("tb", "global"),
			kind:     kindTokenBucket,
			capacity: g.cfg.GlobalCapacity,
			rate:     g.cfg.GlobalRate,
		},
	}

	// 未設定的層不檢查
	rules := all[:0]
	for _, r := range all {
		if r.capacity < 1 || (r.kind == kindSlidingWindow && r.window <= 0) || r.rate < 0 {
			continue
		}
		rules = append(rules, r)
	}
	return rules
}

// Admit 非阻塞檢查
func (g *Gate) Admit(ctx context.Context, id Identity) error {
	return g.admit(ctx, id, 0)
}

// AdmitBlocking 每 pollInterval 重新檢查一次，直到全部放行或 timeout
func (g *Gate) AdmitBlocking(ctx context.Context, id Identity, timeout time.Duration) error {
	return g.admit(ctx, id, timeout)
}

func (g *Gate) admit(ctx context.Context, id Identity, timeout time.Duration) error {
	if !g.cfg.Enabled {
		return nil
	}
	rules := g.rules(id)
	if len(rules) == 0 {
		return nil
	}

	rejected := -1
	try := func() (model.RateLimitResult, error) {
		res, idx, err := g.checkAll(ctx, rules)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			g.log.Warn("limiter store unavailable, using local limiter",
				zap.String("identity", id.Key()), zap.Error(err))
			res, idx = g.checkLocal(rules)
		}
		rejected = idx
		return res, nil
	}

	var (
		res model.RateLimitResult
		err error
	)
	if timeout > 0 {
		res, err = poll(ctx, g.clock, g.pollInterval, timeout, try)
	} else {
		res, err = try()
	}
	if err != nil {
		return err
	}
	if !res.Admitted {
		r := rules[rejected]
		return &RejectedError{Scope: r.scope, Key: r.key, ResetAt: res.ResetAt}
	}
	return nil
}

// checkAll 一次腳本呼叫檢查所有層；拒絕時回傳拒絕那一層的索引
func (g *Gate) checkAll(ctx context.Context, rules []rule) (model.RateLimitResult, int, error) {
	now := g.clock.Now()
	// 同一毫秒內的多筆請求需要不同 member
	member := strconv.FormatInt(now.UnixMicro(), 10) + "-" + uuid.NewString()

	keys := make([]string, 0, len(rules))
	args := []interface{}{now.UnixMilli(), g.ttl.Milliseconds(), member}
	for _, r := range rules {
		keys = append(keys, r.key)
		if r.kind == kindSlidingWindow {
			args = append(args, "sw", r.capacity, r.window.Milliseconds())
		} else {
			args = append(args, "tb", r.capacity, r.rate)
		}
	}

	vals, err := admitScript.Run(ctx, g.client, keys, args...).Int64Slice()
	if err != nil {
		return model.RateLimitResult{}, -1, fmt.Errorf("admit %v: %w", keys, err)
	}
	if len(vals) != 3 || (vals[0] == 0 && (vals[1] < 1 || int(vals[1]) > len(rules))) {
		return model.RateLimitResult{}, -1, fmt.Errorf("admit %v: unexpected script result %v", keys, vals)
	}
	if vals[0] == 1 {
		return model.RateLimitResult{Admitted: true, ResetAt: now}, -1, nil
	}

	res := model.RateLimitResult{}
	if vals[2] >= 0 {
		res.ResetAt = time.UnixMilli(vals[2]).In(now.Location())
	}
	return res, int(vals[1]) - 1, nil
}

// checkLocal 只保護單一實例，多實例時總量會放大，屬降級行為。
// 與腳本相同：先看過所有層，全部有令牌才一起扣除。
func (g *Gate) checkLocal(rules []rule) (model.RateLimitResult, int) {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	limiters := make([]*rate.Limiter, len(rules))
	for i, r := range rules {
		lim := g.localLimiterLocked(r, now)
		tokens := lim.TokensAt(now)
		if tokens < 1 {
			res := model.RateLimitResult{}
			if l := float64(lim.Limit()); l > 0 {
				res.ResetAt = now.Add(time.Duration((1 - tokens) / l * float64(time.Second)))
			}
			return res, i
		}
		limiters[i] = lim
	}
	for _, lim := range limiters {
		lim.AllowN(now, 1)
	}
	return model.RateLimitResult{Admitted: true, ResetAt: now}, -1
}

func (g *Gate) localLimiterLocked(r rule, now time.Time) *rate.Limiter {
	if v, ok := g.local[r.key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	if len(g.local) >= g.maxLocal {
		g.pruneLocked(now)
	}

	limit := rate.Limit(r.rate)
	if r.kind == kindSlidingWindow {
		limit = rate.Limit(float64(r.capacity) / r.window.Seconds())
	}
	lim := rate.NewLimiter(limit, r.capacity)
	g.local[r.key] = &localLimiter{limiter: lim, lastSeen: now}
	return lim
}

// pruneLocked 清掉閒置的限流器；全部都在使用中時淘汰最久沒用的一個
func (g *Gate) pruneLocked(now time.Time) {
	var (
		oldestKey string
		oldest    time.Time
	)
	for k, v := range g.local {
		if now.Sub(v.lastSeen) > localIdleTTL {
			delete(g.local, k)
			continue
		}
		if oldestKey == "" || v.lastSeen.Before(oldest) {
			oldestKey, oldest = k, v.lastSeen
		}
	}
	if len(g.local) >= g.maxLocal && oldestKey != "" {
		delete(g.local, oldestKey)
	}
}

// IsRejected 取出拒絕細節
func IsRejected(err error) (*RejectedError, bool) {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
