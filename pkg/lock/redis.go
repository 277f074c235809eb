package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"example.com/bouquet-shop/pkg/logger"
)

// releaseScript удаляет ключ, только если он всё ещё принадлежит владельцу.
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

const retryInterval = 25 * time.Millisecond

// RedisLocker — блокировка на SET NX PX с токеном владельца.
type RedisLocker struct {
	redis  redis.Cmdable
	prefix string
}

// NewRedisLocker создаёт RedisLocker. prefix добавляется ко всем ключам.
func NewRedisLocker(client redis.Cmdable, prefix string) *RedisLocker {
	return &RedisLocker{redis: client, prefix: prefix}
}

// Acquire пытается взять блокировку, повторяя попытки до истечения wait.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (Unlock, error) {
	fullKey := l.prefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.redis.SetNX(ctx, fullKey, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("ошибка взятия блокировки %s: %w", fullKey, err)
		}
		if ok {
			return l.unlockFunc(fullKey, token), nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrNotAcquired, fullKey)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

func (l *RedisLocker) unlockFunc(key, token string) Unlock {
	return func(ctx context.Context) error {
		released, err := releaseScript.Run(ctx, l.redis, []string{key}, token).Int()
		if err != nil {
			return fmt.Errorf("ошибка освобождения блокировки %s: %w", key, err)
		}
		if released == 0 {
			// TTL истёк раньше, чем закончилась работа под блокировкой.
			log := logger.FromContext(ctx)
			log.Warn().Str("lock", key).Msg("Блокировка истекла до освобождения")
		}
		return nil
	}
}
