package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"example.com/bouquet-shop/pkg/logger"
)

// fixedWindow увеличивает счётчик и ставит TTL при первом обращении.
var fixedWindow = redis.NewScript(`
	local current = redis.call("INCR", KEYS[1])
	if current == 1 then
		redis.call("EXPIRE", KEYS[1], ARGV[1])
	end
	return current
`)

// RateLimitConfig — конфигурация rate limiter.
type RateLimitConfig struct {
	Redis  redis.Scripter
	Prefix string        // префикс ключей, по умолчанию "rate:"
	Limit  int           // запросов на окно, по умолчанию 60
	Window time.Duration // по умолчанию 1 минута
}

// RateLimitMiddleware ограничивает число запросов с одного IP.
// Счётчики живут в Redis и общие для всех экземпляров сервиса.
type RateLimitMiddleware struct {
	redis  redis.Scripter
	prefix string
	limit  int
	window time.Duration
}

// NewRateLimitMiddleware создаёт rate limiter.
func NewRateLimitMiddleware(cfg RateLimitConfig) *RateLimitMiddleware {
	if cfg.Limit <= 0 {
		cfg.Limit = 60
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "rate:"
	}
	return &RateLimitMiddleware{redis: cfg.Redis, prefix: cfg.Prefix, limit: cfg.Limit, window: cfg.Window}
}

// Handle возвращает Gin handler function для middleware.
func (m *RateLimitMiddleware) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		log := logger.FromContext(c.Request.Context())
		clientIP := c.ClientIP()

		count, err := fixedWindow.Run(c.Request.Context(), m.redis, []string{m.prefix + clientIP}, int(m.window.Seconds())).Int()
		if err != nil {
			// fail-open при недоступности Redis
			log.Warn().Err(err).Msg("Ошибка проверки rate limit")
			c.Next()
			return
		}

		remaining := m.limit - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(m.limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if count > m.limit {
			log.Warn().Str("client_ip", clientIP).Int("limit", m.limit).Msg("Rate limit превышен")
			c.Header("Retry-After", strconv.Itoa(int(m.window.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": fmt.Sprintf("Превышен лимит запросов. Попробуйте через %d секунд", int(m.window.Seconds())),
			})
			return
		}

		c.Next()
	}
}
