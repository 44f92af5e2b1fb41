package matrix

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"allocation-backend/internal/apperr"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// Locker serialises operations on one sheet. Unlock is safe to call more
// than once.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// LocalLocker is an in-process Locker for a single instance.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]chan struct{})}
}

// Lock waits until key is free or ctx is done. ttl is ignored; the holder
// always releases.
func (l *LocalLocker) Lock(ctx context.Context, key string, _ time.Duration) (func(context.Context) error, error) {
	for {
		l.mu.Lock()
		wait, busy := l.held[key]
		if !busy {
			done := make(chan struct{})
			l.held[key] = done
			l.mu.Unlock()

			var once sync.Once
			return func(context.Context) error {
				once.Do(func() {
					l.mu.Lock()
					delete(l.held, key)
					l.mu.Unlock()
					close(done)
				})
				return nil
			}, nil
		}
		l.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, fmt.Errorf("lock %s: %w", key, apperr.ErrBusy)
		}
	}
}

// RedisLocker shares sheet locks between instances through redis.
type RedisLocker struct {
	client  *redislock.Client
	backoff time.Duration
}

func NewRedisLocker(rdb redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: redislock.New(rdb), backoff: 100 * time.Millisecond}
}

// Lock retries for up to ttl before giving up with ErrBusy.
func (r *RedisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	retries := int(ttl / r.backoff)
	if retries < 1 {
		retries = 1
	}
	lock, err := r.client.Obtain(ctx, "allocation:"+key, ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(r.backoff), retries),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("lock %s: %w", key, apperr.ErrBusy)
	}
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}

	return func(ctx context.Context) error {
		err := lock.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			return nil
		}
		return err
	}, nil
}

func sheetKey(sheetID uint) string {
	return fmt.Sprintf("sheet:%d", sheetID)
}
