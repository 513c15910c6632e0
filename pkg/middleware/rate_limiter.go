package middleware

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/prohmpiriya/school-tenancy/pkg/logger"
	pkgredis "github.com/prohmpiriya/school-tenancy/pkg/redis"
	"github.com/prohmpiriya/school-tenancy/pkg/response"
)

// RateLimitConfig holds per-client token bucket settings
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// RedisClient shares buckets across instances. Nil keeps them in process.
	RedisClient *pkgredis.Client
	KeyPrefix   string
	// EntryTTL evicts idle local buckets
	EntryTTL time.Duration
}

// Limiter decides whether key may make one more request
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// LocalRateLimiter is an in-memory token bucket per key
type LocalRateLimiter struct {
	mu      sync.Mutex
	rate    float64
	burst   float64
	ttl     time.Duration
	buckets map[string]*bucket
	now     func() time.Time
	sweepAt time.Time
}

// NewLocalRateLimiter creates an in-process limiter
func NewLocalRateLimiter(config RateLimitConfig) *LocalRateLimiter {
	ttl := config.EntryTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &LocalRateLimiter{
		rate:    config.RequestsPerSecond,
		burst:   float64(config.BurstSize),
		ttl:     ttl,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (rl *LocalRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.After(rl.sweepAt) {
		for k, b := range rl.buckets {
			if now.Sub(b.lastUpdate) > rl.ttl {
				delete(rl.buckets, k)
			}
		}
		rl.sweepAt = now.Add(rl.ttl)
	}

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.burst, lastUpdate: now}
		rl.buckets[key] = b
	}
	b.tokens = math.Min(rl.burst, b.tokens+now.Sub(b.lastUpdate).Seconds()*rl.rate)
	b.lastUpdate = now

	if b.tokens >= 1 {
		b.tokens--
		return true, nil
	}
	return false, nil
}

var tokenBucketScript = goredis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local data = redis.call("HMGET", key, "tokens", "last_update")
local tokens = tonumber(data[1]) or burst
local last_update = tonumber(data[2]) or now

tokens = math.min(burst, tokens + (now - last_update) * rate)
local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end
redis.call("HSET", key, "tokens", tokens, "last_update", now)
redis.call("EXPIRE", key, 60)
return allowed
`)

// RedisRateLimiter keeps buckets in Redis so every instance shares them
type RedisRateLimiter struct {
	client *pkgredis.Client
	prefix string
	rate   float64
	burst  int
}

// NewRedisRateLimiter creates a distributed limiter
func NewRedisRateLimiter(config RateLimitConfig) *RedisRateLimiter {
	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisRateLimiter{
		client: config.RedisClient,
		prefix: prefix,
		rate:   config.RequestsPerSecond,
		burst:  config.BurstSize,
	}
}

func (rl *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := float64(time.Now().UnixNano()) / 1e9
	allowed, err := tokenBucketScript.Run(ctx, rl.client, []string{rl.prefix + key}, rl.rate, rl.burst, now).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limit script failed: %w", err)
	}
	return allowed == 1, nil
}

// RateLimiter limits requests per client IP. Limiter errors fail open.
func RateLimiter(config RateLimitConfig) gin.HandlerFunc {
	var limiter Limiter
	if config.RedisClient != nil {
		limiter = NewRedisRateLimiter(config)
	} else {
		limiter = NewLocalRateLimiter(config)
	}
	return RateLimiterWith(limiter, config)
}

// RateLimiterWith wraps an existing limiter
func RateLimiterWith(limiter Limiter, config RateLimitConfig) gin.HandlerFunc {
	limit := strconv.Itoa(config.BurstSize)
	return func(c *gin.Context) {
		if config.RequestsPerSecond <= 0 {
			c.Next()
			return
		}

		allowed, err := limiter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			logger.WarnCtx(c.Request.Context(), "rate limiter unavailable", zap.Error(err))
			allowed = true
		}

		c.Header("X-RateLimit-Limit", limit)
		if !allowed {
			c.Header("Retry-After", "1")
			response.Abort(c, response.TooManyRequests(""))
			return
		}
		c.Next()
	}
}
