// ratelimit.go provides Gin middleware that enforces per-client rate limits,
// returning 429 responses once a client exhausts its budget. Two backends exist:
// an in-process token bucket and a Redis-backed GCRA limiter shared across replicas.
package middleware

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// RateLimitConfig holds configuration for one named limit.
type RateLimitConfig struct {
	// Name prefixes the limiter keys so separate limits never share a bucket.
	Name string
	// Rate requests are allowed per Period.
	Rate   int
	Period time.Duration
	// Burst is the maximum burst of requests allowed
	Burst int
	// CleanupInterval is how often the memory backend drops idle entries
	CleanupInterval time.Duration
}

// APIRateLimitConfig is the general per-user limit for /api/v1.
func APIRateLimitConfig(perMinute, burst int) RateLimitConfig {
	return RateLimitConfig{Name: "api", Rate: perMinute, Period: time.Minute, Burst: burst, CleanupInterval: 5 * time.Minute}
}

// InviteRateLimitConfig limits invite creation per owner.
func InviteRateLimitConfig(perHour int) RateLimitConfig {
	return RateLimitConfig{Name: "invites", Rate: perHour, Period: time.Hour, Burst: perHour, CleanupInterval: 10 * time.Minute}
}

// WebhookRateLimitConfig limits the public billing webhook per source IP.
func WebhookRateLimitConfig(perMinute int) RateLimitConfig {
	return RateLimitConfig{Name: "webhooks", Rate: perMinute, Period: time.Minute, Burst: perMinute, CleanupInterval: 5 * time.Minute}
}

// Decision is the outcome of one limiter check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether the client identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Limit() int
	Stop()
}

// rateLimitEntry tracks the bucket of a single client
type rateLimitEntry struct {
	tokens     float64
	lastUpdate time.Time
}

// RateLimiter implements an in-memory token bucket rate limiter
type RateLimiter struct {
	config  RateLimitConfig
	entries map[string]*rateLimitEntry
	mu      sync.Mutex
	stopCh  chan struct{}
	once    sync.Once
	now     func() time.Time
}

// NewRateLimiter creates a new in-memory rate limiter with the given config
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	if config.Period <= 0 {
		config.Period = time.Minute
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	rl := &RateLimiter{
		config:  config,
		entries: make(map[string]*rateLimitEntry),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}

	go rl.cleanup()

	return rl
}

// cleanup periodically removes entries idle for longer than two periods
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	idle := 2 * rl.config.Period
	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.now()
			for key, entry := range rl.entries {
				if now.Sub(entry.lastUpdate) > idle {
					delete(rl.entries, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stopCh) })
}

// Limit returns the configured rate.
func (rl *RateLimiter) Limit() int { return rl.config.Rate }

func (rl *RateLimiter) tokensPerSecond() float64 {
	return float64(rl.config.Rate) / rl.config.Period.Seconds()
}

// Allow consumes one token for key.
func (rl *RateLimiter) Allow(_ context.Context, key string) (Decision, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	entry, exists := rl.entries[key]
	if !exists {
		// New client, give them full burst
		entry = &rateLimitEntry{tokens: float64(rl.config.Burst), lastUpdate: now}
		rl.entries[key] = entry
	}

	elapsed := now.Sub(entry.lastUpdate)
	entry.tokens = math.Min(float64(rl.config.Burst), entry.tokens+elapsed.Seconds()*rl.tokensPerSecond())
	entry.lastUpdate = now

	if entry.tokens >= 1 {
		entry.tokens--
		return Decision{Allowed: true, Remaining: int(entry.tokens)}, nil
	}

	var wait time.Duration
	if rate := rl.tokensPerSecond(); rate > 0 {
		wait = time.Duration((1 - entry.tokens) / rate * float64(time.Second))
	}
	return Decision{Allowed: false, RetryAfter: wait}, nil
}

// RedisLimiter enforces the limit in Redis so every replica shares one budget.
type RedisLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
	name    string
}

// NewRedisLimiter builds a Redis-backed limiter on an existing client.
func NewRedisLimiter(rdb *redis.Client, config RateLimitConfig) *RedisLimiter {
	if config.Period <= 0 {
		config.Period = time.Minute
	}
	if config.Burst <= 0 {
		config.Burst = config.Rate
	}
	return &RedisLimiter{
		limiter: redis_rate.NewLimiter(rdb),
		limit:   redis_rate.Limit{Rate: config.Rate, Burst: config.Burst, Period: config.Period},
		name:    config.Name,
	}
}

// Allow consumes one request from the shared budget.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := l.limiter.Allow(ctx, "mlp:"+l.name+":"+key, l.limit)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Allowed: res.Allowed > 0, Remaining: res.Remaining, RetryAfter: res.RetryAfter}, nil
}

// Limit returns the configured rate.
func (l *RedisLimiter) Limit() int { return l.limit.Rate }

// Stop is a no-op; the Redis client is owned by the caller.
func (l *RedisLimiter) Stop() {}

// KeyFunc derives the rate limit key for a request.
type KeyFunc func(c *gin.Context) string

// RateLimitMiddleware creates a Gin middleware that rate limits requests. A nil
// keyFn uses the authenticated user and falls back to the client IP. Limiter
// errors fail open so a Redis outage does not take the API down.
func RateLimitMiddleware(limiter Limiter, keyFn KeyFunc) gin.HandlerFunc {
	if keyFn == nil {
		keyFn = getRateLimitKey
	}
	return func(c *gin.Context) {
		key := keyFn(c)

		d, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			slog.Warn("rate limiter unavailable, allowing request", "key", key, "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

		if !d.Allowed {
			retry := int(math.Ceil(d.RetryAfter.Seconds()))
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": retry,
			})
			return
		}

		c.Next()
	}
}

// getRateLimitKey determines the key to use for rate limiting.
// Priority: user_id > IP address
func getRateLimitKey(c *gin.Context) string {
	if userID, exists := c.Get(UserIDKey); exists {
		if id, ok := userID.(string); ok && id != "" {
			return "user:" + id
		}
	}
	return IPKey(c)
}

// IPKey keys requests by client address.
func IPKey(c *gin.Context) string {
	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}
