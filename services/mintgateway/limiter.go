package mintgateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"spatters/gateway/middleware"
	"spatters/observability"
)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

// Limiter bounds generation triggers per client.
type Limiter interface {
	Allow(ctx context.Context, id string) Decision
}

// redisCounter is the subset of the redis client the fixed window needs.
type redisCounter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
}

// RedisLimiter is a fixed window counter shared by every gateway replica.
// Redis failures let the request through.
type RedisLimiter struct {
	client  redisCounter
	limit   int
	window  time.Duration
	prefix  string
	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.MintGatewayMetrics
}

// NewRedisLimiter connects to the redis url.
func NewRedisLimiter(rawURL string, limit int, window time.Duration, logger *slog.Logger) (*RedisLimiter, *redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	return newRedisLimiter(client, limit, window, logger), client, nil
}

func newRedisLimiter(client redisCounter, limit int, window time.Duration, logger *slog.Logger) *RedisLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLimiter{
		client:  client,
		limit:   limit,
		window:  window,
		prefix:  "ratelimit:trigger:",
		now:     time.Now,
		logger:  logger,
		metrics: observability.MintGateway(),
	}
}

// Allow counts the request and reports whether it fits the window.
func (l *RedisLimiter) Allow(ctx context.Context, id string) Decision {
	key := l.prefix + id
	now := l.now()
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("rate limit counter unavailable", slog.Any("error", err))
		l.metrics.RecordRateLimit("redis", "fail_open")
		return Decision{Allowed: true, Remaining: l.limit, Reset: now.Add(l.window)}
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			l.logger.Warn("rate limit expiry not set", slog.Any("error", err))
		}
	}
	if count > int64(l.limit) {
		ttl, err := l.client.TTL(ctx, key).Result()
		if err != nil || ttl <= 0 {
			ttl = l.window
		}
		l.metrics.RecordRateLimit("redis", "deny")
		return Decision{Allowed: false, Remaining: 0, Reset: now.Add(ttl)}
	}
	l.metrics.RecordRateLimit("redis", "allow")
	return Decision{Allowed: true, Remaining: l.limit - int(count), Reset: now.Add(l.window)}
}

// LocalLimiter keeps per-process token buckets for single replica deployments.
type LocalLimiter struct {
	limiter *middleware.RateLimiter
	limit   int
	window  time.Duration
	now     func() time.Time
	metrics *observability.MintGatewayMetrics
}

const localLimitKey = "trigger"

// NewLocalLimiter allows limit requests per window with an equal burst.
func NewLocalLimiter(limit int, window time.Duration, logger *slog.Logger) *LocalLimiter {
	perMinute := float64(limit) * float64(time.Minute) / float64(window)
	return &LocalLimiter{
		limiter: middleware.NewRateLimiter(serviceName, map[string]middleware.RateLimit{
			localLimitKey: {RequestsPerMinute: perMinute, Burst: limit},
		}, logger),
		limit:   limit,
		window:  window,
		now:     time.Now,
		metrics: observability.MintGateway(),
	}
}

// Allow consumes one token for id.
func (l *LocalLimiter) Allow(_ context.Context, id string) Decision {
	reset := l.now().Add(l.window)
	if !l.limiter.Allow(localLimitKey, id) {
		l.metrics.RecordRateLimit("local", "deny")
		return Decision{Allowed: false, Reset: reset}
	}
	l.metrics.RecordRateLimit("local", "allow")
	return Decision{Allowed: true, Reset: reset}
}
