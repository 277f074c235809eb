package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LocalLocker — блокировка по ключу внутри одного процесса.
// TTL игнорируется: владелец всегда освобождает блокировку сам.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{} // буфер 1: занятость слота
	refs int
}

// NewLocalLocker создаёт LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*entry)}
}

// Acquire ждёт блокировку не дольше wait.
func (l *LocalLocker) Acquire(ctx context.Context, key string, _ time.Duration, wait time.Duration) (Unlock, error) {
	e := l.ref(key)

	select {
	case e.ch <- struct{}{}:
		return l.unlockFunc(key, e), nil
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case e.ch <- struct{}{}:
		return l.unlockFunc(key, e), nil
	case <-timer.C:
		l.unref(key)
		return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
	case <-ctx.Done():
		l.unref(key)
		return nil, ctx.Err()
	}
}

func (l *LocalLocker) unlockFunc(key string, e *entry) Unlock {
	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			<-e.ch
			l.unref(key)
		})
		return nil
	}
}

func (l *LocalLocker) ref(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	return e
}

func (l *LocalLocker) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.locks[key]
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}
