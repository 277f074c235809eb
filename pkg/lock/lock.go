// Package lock предоставляет блокировки по ключу: распределённую (Redis)
// и внутрипроцессную для одного узла и тестов.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotAcquired возвращается, если блокировку не удалось взять за отведённое время.
var ErrNotAcquired = errors.New("блокировка занята")

// Unlock освобождает взятую блокировку.
type Unlock func(ctx context.Context) error

// Locker выдаёт эксклюзивную блокировку по ключу.
type Locker interface {
	// Acquire ждёт блокировку не дольше wait. TTL ограничивает время жизни
	// блокировки, если владелец упал и не освободил её.
	Acquire(ctx context.Context, key string, ttl, wait time.Duration) (Unlock, error)
}

// WithLock выполняет fn под блокировкой key.
func WithLock(ctx context.Context, l Locker, key string, ttl, wait time.Duration, fn func(ctx context.Context) error) error {
	unlock, err := l.Acquire(ctx, key, ttl, wait)
	if err != nil {
		return err
	}
	defer func() {
		// Освобождаем даже при отменённом контексте запроса.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = unlock(releaseCtx)
	}()

	return fn(ctx)
}
