package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter 每條連線的事件限流
//
// 超過速率的事件回 RATE_LIMITED，不影響房間狀態。
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// NewLimiter 依配置選擇限流後端，backend 為 redis 時 client 不可為 nil
func NewLimiter(cfg *Config, client *redis.Client) (Limiter, error) {
	switch cfg.RateLimit.Backend {
	case "off":
		return nopLimiter{}, nil
	case "memory":
		return NewLocalLimiter(cfg.RateLimit.Capacity, cfg.RateLimit.RefillRate), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("rate limit backend redis requires a redis client")
		}
		return NewRedisLimiter(client, cfg.RateLimit.Capacity, cfg.RateLimit.RefillRate), nil
	default:
		return nil, fmt.Errorf("unknown rate limit backend %q", cfg.RateLimit.Backend)
	}
}

type nopLimiter struct{}

func (nopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// TokenBucket 令牌桶
//
// 容量 capacity 允許突發，之後以 refillRate（每秒）補充。
type TokenBucket struct {
	capacity   int64
	tokens     int64
	refillRate int64
	lastRefill time.Time
	mu         sync.Mutex
}

// NewTokenBucket 創建令牌桶（初始為滿）
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow 取一個令牌
func (tb *TokenBucket) Allow() bool {
	return tb.allowAt(time.Now())
}

func (tb *TokenBucket) allowAt(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	elapsed := now.Sub(tb.lastRefill)
	tokensToAdd := int64(elapsed.Seconds() * float64(tb.refillRate))

	// 不足一個令牌時不更新 lastRefill，避免高頻呼叫吃掉補充時間
	if tokensToAdd > 0 {
		tb.tokens = min(tb.capacity, tb.tokens+tokensToAdd)
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// Tokens 目前令牌數
func (tb *TokenBucket) Tokens() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.tokens
}

// LocalLimiter 單機限流：每個 key 一個令牌桶
type LocalLimiter struct {
	capacity   int64
	refillRate int64

	mu      sync.Mutex
	buckets map[string]*TokenBucket
}

// NewLocalLimiter 創建單機限流器
func NewLocalLimiter(capacity, refillRate int64) *LocalLimiter {
	return &LocalLimiter{
		capacity:   capacity,
		refillRate: refillRate,
		buckets:    make(map[string]*TokenBucket),
	}
}

// Allow 實現 Limiter
func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = NewTokenBucket(l.capacity, l.refillRate)
		l.buckets[key] = b
	}
	l.mu.Unlock()

	return b.Allow(), nil
}

// Forget 連線關閉時釋放令牌桶
func (l *LocalLimiter) Forget(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

// redisTokenBucketScript 在 Redis 內原子地補充並扣除令牌
//
// 狀態存在同一個 hash：tokens（可為小數）與 ts（毫秒）。
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now

local elapsed = math.max(0, now - last)
tokens = math.min(capacity, tokens + elapsed * refill_rate / 1000)

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'ts', now)
redis.call('EXPIRE', key, ttl)
return allowed
`)

// RedisLimiter 分散式限流：多個節點共用同一份令牌桶
type RedisLimiter struct {
	client     *redis.Client
	capacity   int64
	refillRate int64
	prefix     string
	ttl        time.Duration
}

// NewRedisLimiter 創建 Redis 限流器
func NewRedisLimiter(client *redis.Client, capacity, refillRate int64) *RedisLimiter {
	return &RedisLimiter{
		client:     client,
		capacity:   capacity,
		refillRate: refillRate,
		prefix:     "bingo:ratelimit:",
		ttl:        time.Hour,
	}
}

// Allow 實現 Limiter
//
// Redis 出錯時放行並回傳錯誤，由呼叫端記錄。
func (rl *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	result, err := redisTokenBucketScript.Run(
		ctx,
		rl.client,
		[]string{rl.prefix + key},
		rl.capacity,
		rl.refillRate,
		time.Now().UnixMilli(),
		int64(rl.ttl.Seconds()),
	).Int()
	if err != nil {
		return true, fmt.Errorf("redis error: %w", err)
	}
	return result == 1, nil
}

// Forget 連線關閉時刪除令牌桶
func (rl *RedisLimiter) Forget(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = rl.client.Del(ctx, rl.prefix+key).Err()
}
