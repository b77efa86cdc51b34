package internal_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koopa0/system-design/bingo-room/internal"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// TestTokenBucket 測試令牌桶容量
func TestTokenBucket(t *testing.T) {
	tb := internal.NewTokenBucket(5, 1)

	for i := 0; i < 5; i++ {
		assert.True(t, tb.Allow(), "request %d", i)
	}
	assert.False(t, tb.Allow(), "桶空後拒絕")
	assert.Zero(t, tb.Tokens())
}

// TestTokenBucket_Concurrent 測試併發取令牌不超發
func TestTokenBucket_Concurrent(t *testing.T) {
	tb := internal.NewTokenBucket(100, 1)

	var (
		wg      sync.WaitGroup
		allowed int32
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tb.Allow() {
				atomic.AddInt32(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	// 一秒內最多補充一個
	assert.GreaterOrEqual(t, allowed, int32(100))
	assert.LessOrEqual(t, allowed, int32(101))
}

// TestLocalLimiter 測試每個 key 獨立計算
func TestLocalLimiter(t *testing.T) {
	ctx := context.Background()
	limiter := internal.NewLocalLimiter(2, 1)

	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "conn-a")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := limiter.Allow(ctx, "conn-a")
	assert.False(t, ok)

	ok, _ = limiter.Allow(ctx, "conn-b")
	assert.True(t, ok, "其他連線不受影響")

	limiter.Forget("conn-a")
	ok, _ = limiter.Allow(ctx, "conn-a")
	assert.True(t, ok, "釋放後重新計算")
}

// TestNewLimiter 測試限流後端選擇
func TestNewLimiter(t *testing.T) {
	tests := []struct {
		name    string
		backend string
		client  *redis.Client
		want    any
		wantErr bool
	}{
		{name: "memory", backend: "memory", want: &internal.LocalLimiter{}},
		{name: "redis", backend: "redis", client: redis.NewClient(&redis.Options{Addr: "localhost:6379"}), want: &internal.RedisLimiter{}},
		{name: "redis without client", backend: "redis", wantErr: true},
		{name: "unknown", backend: "memcached", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := internal.DefaultConfig()
			cfg.RateLimit.Backend = tt.backend

			limiter, err := internal.NewLimiter(cfg, tt.client)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, limiter)
		})
	}

	t.Run("off", func(t *testing.T) {
		cfg := internal.DefaultConfig()
		cfg.RateLimit.Backend = "off"

		limiter, err := internal.NewLimiter(cfg, nil)
		require.NoError(t, err)
		for i := 0; i < 1000; i++ {
			ok, err := limiter.Allow(context.Background(), "conn")
			require.NoError(t, err)
			require.True(t, ok)
		}
	})
}

// TestRedisLimiter_FailOpen 測試 Redis 不可用時放行
func TestRedisLimiter_FailOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	limiter := internal.NewRedisLimiter(client, 1, 1)
	ok, err := limiter.Allow(context.Background(), "conn")
	assert.Error(t, err)
	assert.True(t, ok)
}

// setupRedis 啟動 Redis 容器
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping container test in short mode")
	}

	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate redis container: %v", err)
		}
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

// TestRedisLimiter 測試分散式限流
func TestRedisLimiter(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	limiter := internal.NewRedisLimiter(client, 3, 1)

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "conn-a")
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := limiter.Allow(ctx, "conn-a")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = limiter.Allow(ctx, "conn-b")
	require.NoError(t, err)
	assert.True(t, ok)

	ttl, err := client.TTL(ctx, "bingo:ratelimit:conn-a").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	limiter.Forget("conn-a")
	exists, err := client.Exists(ctx, "bingo:ratelimit:conn-a").Result()
	require.NoError(t, err)
	assert.Zero(t, exists)

	ok, err = limiter.Allow(ctx, "conn-a")
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestRedisLimiter_SharedAcrossNodes 測試多個節點共用同一個桶
func TestRedisLimiter_SharedAcrossNodes(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	nodes := []*internal.RedisLimiter{
		internal.NewRedisLimiter(client, 10, 1),
		internal.NewRedisLimiter(client, 10, 1),
	}

	var (
		wg      sync.WaitGroup
		allowed int32
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := nodes[i%len(nodes)].Allow(ctx, "shared")
			assert.NoError(t, err, fmt.Sprintf("request %d", i))
			if ok {
				atomic.AddInt32(&allowed, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.GreaterOrEqual(t, allowed, int32(10))
	assert.LessOrEqual(t, allowed, int32(11))
}
