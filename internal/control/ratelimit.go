package control

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateConfig is a token bucket: Rate tokens per second up to Burst.
type RateConfig struct {
	Rate  float64
	Burst float64
}

// RateLimiter throttles control requests with a Redis token bucket per
// caller. Reads and mutations draw from separate buckets. Redis failures let
// the request through.
type RateLimiter struct {
	client redis.Scripter
	read   RateConfig
	write  RateConfig
	script *redis.Script
	logger *zap.Logger
	now    func() time.Time
}

// NewRateLimiter returns nil when client is nil, which disables limiting.
func NewRateLimiter(client redis.Scripter, read, write RateConfig, logger *zap.Logger) *RateLimiter {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		client: client,
		read:   read,
		write:  write,
		script: redis.NewScript(tokenBucketLua),
		logger: logger,
		now:    time.Now,
	}
}

// Middleware applies the limiter to next.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil || (l.read.Rate <= 0 && l.write.Rate <= 0) {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg, scope := l.write, "write"
		if isReadMethod(r.Method) {
			cfg, scope = l.read, "read"
		}
		if cfg.Rate <= 0 || cfg.Burst <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		caller := callerID(r)
		allowed, retryAfter, err := l.allow(r.Context(), scope, caller, cfg)
		if err != nil {
			throttledTotal.WithLabelValues(scope, "error").Inc()
			l.logger.Warn("rate limit check failed", zap.String("caller", caller), zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			throttledTotal.WithLabelValues(scope, "rejected").Inc()
			w.Header().Set("Retry-After", formatRetryAfter(retryAfter))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) allow(ctx context.Context, scope, caller string, cfg RateConfig) (bool, time.Duration, error) {
	key := strings.Join([]string{"ridesync", "rl", scope, caller}, ":")
	result, err := l.script.Run(ctx, l.client, []string{key}, l.now().UnixMilli(), cfg.Rate, cfg.Burst, 1).Result()
	if err != nil {
		return false, 0, err
	}
	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return false, 0, errors.New("invalid redis response")
	}
	allowed, err := toInt64(values[0])
	if err != nil {
		return false, 0, err
	}
	if allowed == 1 {
		return true, 0, nil
	}
	waitMillis, err := toInt64(values[2])
	if err != nil {
		return false, 0, err
	}
	return false, time.Duration(waitMillis) * time.Millisecond, nil
}

func isReadMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// callerID prefers an explicit client id; RealIP has already rewritten
// RemoteAddr from forwarding headers.
func callerID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "anonymous"
}

func formatRetryAfter(d time.Duration) string {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

func toInt64(v interface{}) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case string:
		return strconv.ParseInt(val, 10, 64)
	default:
		return 0, errors.New("unsupported type")
	}
}

// Redis truncates Lua numbers to integers on the way out, so the wait is
// returned in whole milliseconds.
const tokenBucketLua = `
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'timestamp')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil then
  tokens = capacity
end
if last == nil then
  last = now_ms
end

local delta = math.max(0, now_ms - last)
tokens = math.min(capacity, tokens + delta * rate / 1000)

local allowed = 0
local wait_ms = 0
if tokens >= requested then
  allowed = 1
  tokens = tokens - requested
else
  wait_ms = math.ceil((requested - tokens) / rate * 1000)
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'timestamp', now_ms)
redis.call('PEXPIRE', key, math.ceil(capacity / rate * 1000))
return {allowed, math.floor(tokens), wait_ms}
`
