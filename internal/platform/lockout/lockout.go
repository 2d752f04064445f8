// Package lockout counts failed one-time-code attempts per key inside a
// fixed window. Once the count reaches the limit the key stays blocked until
// the window that started with the first failure expires.
package lockout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "lockout:"

type RedisLimiter struct {
	client      redis.Cmdable
	maxFailures int64
	window      time.Duration
}

func NewRedisLimiter(client redis.Cmdable, maxFailures int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, maxFailures: int64(maxFailures), window: window}
}

// Connect pings addr before handing back a client.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (l *RedisLimiter) Blocked(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Get(ctx, keyPrefix+key).Int64()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n >= l.maxFailures, nil
}

func (l *RedisLimiter) Fail(ctx context.Context, key string) error {
	k := keyPrefix + key
	// One MULTI so a counter never exists without a TTL. NX keeps the window
	// anchored at the first failure.
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, k)
		pipe.ExpireNX(ctx, k, l.window)
		return nil
	})
	return err
}

func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, keyPrefix+key).Err()
}

// MemoryLimiter is the single-process fallback when no redis is configured.
type MemoryLimiter struct {
	mu          sync.Mutex
	entries     map[string]memoryEntry
	maxFailures int
	window      time.Duration
	now         func() time.Time
}

type memoryEntry struct {
	failures int
	expires  time.Time
}

func NewMemoryLimiter(maxFailures int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		entries:     map[string]memoryEntry{},
		maxFailures: maxFailures,
		window:      window,
		now:         time.Now,
	}
}

func (l *MemoryLimiter) Blocked(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.live(key)
	return ok && e.failures >= l.maxFailures, nil
}

func (l *MemoryLimiter) Fail(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.live(key)
	if !ok {
		e = memoryEntry{expires: l.now().Add(l.window)}
	}
	e.failures++
	l.entries[key] = e
	return nil
}

func (l *MemoryLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
	return nil
}

// live returns the entry for key, dropping it once its window has passed.
func (l *MemoryLimiter) live(key string) (memoryEntry, bool) {
	e, ok := l.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !l.now().Before(e.expires) {
		delete(l.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}
