package ratelimit

import "github.com/redis/go-redis/v9"

// 令牌桶：補充、判斷、扣除在同一個腳本內完成。時間由呼叫端傳入(毫秒)，
// 不依賴 Redis 伺服器時間，測試可以注入假時鐘。
//
// KEYS[1] bucket key
// ARGV: capacity, rate(tokens/sec), now_ms, requested, ttl_ms
// 回傳 {admitted, floor(tokens), wait_ms}；wait_ms = -1 表示永遠不會補充
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local ttl_ms = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])

-- 冷啟動為滿桶
if tokens == nil or ts == nil then
	tokens = capacity
	ts = now_ms
end

local elapsed = now_ms - ts
if elapsed < 0 then
	elapsed = 0
end
tokens = math.min(capacity, tokens + elapsed * rate / 1000)

local admitted = 0
local wait_ms = 0
if tokens >= requested then
	admitted = 1
	tokens = tokens - requested
	if tokens < capacity and rate > 0 then
		wait_ms = math.ceil((math.floor(tokens) + 1 - tokens) * 1000 / rate)
	end
elseif rate > 0 then
	wait_ms = math.ceil((requested - tokens) * 1000 / rate)
else
	wait_ms = -1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'ts', tostring(math.max(ts, now_ms)))
redis.call('PEXPIRE', key, ttl_ms)

return {admitted, math.floor(tokens), wait_ms}
`)

// 預熱：直接設定桶內令牌數(不超過容量)
//
// KEYS[1] bucket key
// ARGV: tokens, capacity, now_ms, ttl_ms
var warmupScript = redis.NewScript(`
local key = KEYS[1]
local tokens = math.min(tonumber(ARGV[1]), tonumber(ARGV[2]))
redis.call('HSET', key, 'tokens', tostring(tokens), 'ts', ARGV[3])
redis.call('PEXPIRE', key, tonumber(ARGV[4]))
return tokens
`)

// 滑動視窗：先清掉視窗外的時間戳，再計數，未滿才寫入本次請求。
//
// KEYS[1] window key
// ARGV: limit, window_ms, now_ms, member
// 回傳 {admitted, remaining, reset_ms}；reset 為最舊一筆離開視窗的時間
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now_ms - window_ms)
local count = redis.call('ZCARD', key)

local admitted = 0
if count < limit then
	redis.call('ZADD', key, now_ms, member)
	count = count + 1
	admitted = 1
end
redis.call('PEXPIRE', key, window_ms)

local reset = now_ms + window_ms
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] ~= nil then
	reset = tonumber(oldest[2]) + window_ms
end

return {admitted, limit - count, reset}
`)

// 組合檢查：先看過所有 key，全部放行才一起寫入；任一拒絕則不扣任何一層。
//
// KEYS[i] 第 i 層的 key
// ARGV: now_ms, ttl_ms, member，之後每層三個參數 kind('sw'|'tb'), capacity, window_ms|rate
// 回傳 {admitted, rejected_index, reset_ms}；reset_ms 為絕對時間，-1 表示永遠不會補充
var admitScript = redis.NewScript(`
local now_ms = tonumber(ARGV[1])
local ttl_ms = tonumber(ARGV[2])
local member = ARGV[3]
local pending = {}

for i = 1, #KEYS do
	local base = 3 + (i - 1) * 3
	local kind = ARGV[base + 1]
	local capacity = tonumber(ARGV[base + 2])
	local param = tonumber(ARGV[base + 3])

	if kind == 'sw' then
		redis.call('ZREMRANGEBYSCORE', KEYS[i], '-inf', now_ms - param)
		local count = redis.call('ZCARD', KEYS[i])
		if count >= capacity then
			local reset = now_ms + param
			local oldest = redis.call('ZRANGE', KEYS[i], 0, 0, 'WITHSCORES')
			if oldest[2] ~= nil then
				reset = tonumber(oldest[2]) + param
			end
			return {0, i, reset}
		end
		pending[i] = {'sw', param}
	else
		local state = redis.call('HMGET', KEYS[i], 'tokens', 'ts')
		local tokens = tonumber(state[1])
		local ts = tonumber(state[2])
		if tokens == nil or ts == nil then
			tokens = capacity
			ts = now_ms
		end
		local elapsed = now_ms - ts
		if elapsed < 0 then
			elapsed = 0
		end
		tokens = math.min(capacity, tokens + elapsed * param / 1000)
		if tokens < 1 then
			if param > 0 then
				return {0, i, now_ms + math.ceil((1 - tokens) * 1000 / param)}
			end
			return {0, i, -1}
		end
		pending[i] = {'tb', tokens - 1, math.max(ts, now_ms)}
	end
end

for i = 1, #KEYS do
	local p = pending[i]
	if p[1] == 'sw' then
		redis.call('ZADD', KEYS[i], now_ms, member)
		redis.call('PEXPIRE', KEYS[i], p[2])
	else
		redis.call('HSET', KEYS[i], 'tokens', tostring(p[2]), 'ts', tostring(p[3]))
		redis.call('PEXPIRE', KEYS[i], ttl_ms)
	end
end
return {1, 0, 0}
`)
