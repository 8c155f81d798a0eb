package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// RateLimitConfig - параметры токен-бакета на пользователя
type RateLimitConfig struct {
	Enabled         bool
	Capacity        int
	RefillPerSecond float64
}

// KEYS: bucket
// ARGV: now_ms, capacity, interval_ms, ttl_seconds
// Returns {allowed, tokens_left, retry_after_ms}.
var tokenBucketScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local interval = tonumber(ARGV[3])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_refill_ms')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
  tokens = capacity
  last = now
end

if interval > 0 then
  local intervals = math.floor(math.max(0, now - last) / interval)
  if intervals > 0 then
    tokens = math.min(capacity, tokens + intervals)
    last = last + intervals * interval
  end
end

local allowed = 0
local retry = 0
if tokens > 0 then
  allowed = 1
  tokens = tokens - 1
else
  retry = math.max(0, interval - (now - last))
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'last_refill_ms', last)
redis.call('EXPIRE', KEYS[1], ARGV[4])
return {allowed, tokens, retry}
`)

// RateLimit ограничивает частоту запросов токен-бакетом в Redis.
// Ключ - пользователь из X-User-ID, иначе IP клиента.
// При недоступности Redis запрос пропускается.
func RateLimit(cfg RateLimitConfig, rdb redis.UniversalClient, prefix string, clk clockwork.Clock, logger *slog.Logger) gin.HandlerFunc {
	if !cfg.Enabled || rdb == nil || cfg.Capacity <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}

	var interval time.Duration
	if cfg.RefillPerSecond > 0 {
		interval = time.Duration(float64(time.Second) / cfg.RefillPerSecond)
	}
	ttl := int64(60)
	if interval > 0 {
		if full := int64(math.Ceil((time.Duration(cfg.Capacity) * interval).Seconds())); full > ttl {
			ttl = full
		}
	}

	return func(c *gin.Context) {
		key := prefix + ":ratelimit:" + rateKey(c)
		vals, err := tokenBucketScript.Run(c.Request.Context(), rdb, []string{key},
			clk.Now().UnixMilli(), cfg.Capacity, interval.Milliseconds(), ttl).Int64Slice()
		if err != nil || len(vals) != 3 {
			logger.Warn("Rate limiter unavailable", "key", key, "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(cfg.Capacity))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(vals[1], 10))

		if vals[0] != 1 {
			secs := int(math.Ceil(float64(vals[2]) / 1000.0))
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": secs,
			})
			return
		}
		c.Next()
	}
}

func rateKey(c *gin.Context) string {
	if id, ok := UserIDFromContext(c.Request.Context()); ok {
		return "user:" + id
	}
	return "ip:" + c.ClientIP()
}
