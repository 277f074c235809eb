package jwt

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	prefixToken = "jwt:blacklist:"   // jwt:blacklist:{jti}
	prefixUser  = "jwt:invalidated:" // jwt:invalidated:{staffID}
)

// Blacklist хранит отозванные токены в Redis.
// Ключи общие с сервисом авторизации, который выпускает токены.
type Blacklist struct {
	redis redis.Cmdable
}

// NewBlacklist создаёт новый blacklist.
func NewBlacklist(client redis.Cmdable) *Blacklist {
	return &Blacklist{redis: client}
}

// Add отзывает токен до момента его истечения.
func (b *Blacklist) Add(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}

	if err := b.redis.Set(ctx, prefixToken+jti, "1", ttl).Err(); err != nil {
		return fmt.Errorf("ошибка добавления токена в blacklist: %w", err)
	}
	return nil
}

// Check проверяет, отозван ли токен.
func (b *Blacklist) Check(ctx context.Context, jti string) (bool, error) {
	exists, err := b.redis.Exists(ctx, prefixToken+jti).Result()
	if err != nil {
		return false, fmt.Errorf("ошибка проверки blacklist: %w", err)
	}
	return exists > 0, nil
}

// IsUserInvalidated возвращает true, если токен выдан раньше массового отзыва.
func (b *Blacklist) IsUserInvalidated(ctx context.Context, staffID string, issuedAt time.Time) (bool, error) {
	val, err := b.redis.Get(ctx, prefixUser+staffID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ошибка проверки инвалидации: %w", err)
	}

	invalidatedAt, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return false, fmt.Errorf("ошибка парсинга timestamp инвалидации: %w", err)
	}

	return issuedAt.Unix() < invalidatedAt, nil
}
