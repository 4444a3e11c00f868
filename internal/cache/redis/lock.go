package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/optionbook/internal/domain"
)

// Both scripts act only when the key still holds the caller's token, so a
// holder whose TTL lapsed can never release or extend someone else's lock.
const (
	unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`
	extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`
)

// LockManager implements domain.LockManager with SET NX PX and token-checked
// release.
type LockManager struct {
	c        *Client
	unlockSc *redis.Script
	extendSc *redis.Script
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		c:        c,
		unlockSc: redis.NewScript(unlockLua),
		extendSc: redis.NewScript(extendLua),
	}
}

// Lock is a held lock.
type Lock struct {
	lm    *LockManager
	key   string
	token string
	once  sync.Once
}

// Acquire takes the lock for key or fails with domain.ErrLockHeld. The
// returned unlock func may be called more than once.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l, err := lm.TryLock(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	return l.Release, nil
}

// TryLock is Acquire returning the Lock itself so long-running holders can
// extend it.
func (lm *LockManager) TryLock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	l := &Lock{lm: lm, key: lm.c.Key("lock:" + key), token: uuid.NewString()}

	ok, err := lm.c.rdb.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, domain.ErrLockHeld)
	}
	return l, nil
}

// Extend resets the TTL. It fails with domain.ErrLockHeld once the lock was
// lost.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := l.lm.extendSc.Run(ctx, l.lm.c.rdb, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis: extend lock: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("redis: extend lock: %w", domain.ErrLockHeld)
	}
	return nil
}

// Release frees the lock even when the caller's context is already done.
func (l *Lock) Release() {
	l.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.lm.unlockSc.Run(ctx, l.lm.c.rdb, []string{l.key}, l.token).Err()
	})
}

// Compile-time interface check.
var _ domain.LockManager = (*LockManager)(nil)
