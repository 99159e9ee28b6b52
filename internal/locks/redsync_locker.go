// Package locks provides cross-process mutual exclusion on top of redsync's
// Redlock implementation. token-keeper uses it so that only one process
// refreshes a given principal's token at a time.
package locks

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"

	"token-keeper/internal/common/errors"
	"token-keeper/internal/redis"
)

// Lock is a held distributed lock.
type Lock interface {
	Key() string
	Release(ctx context.Context) error
}

// RedsyncLocker hands out redsync mutexes keyed by name.
type RedsyncLocker struct {
	redsync *redsync.Redsync
	prefix  string
}

type redsyncLock struct {
	mutex *redsync.Mutex
	key   string
}

// NewRedsyncLocker creates a locker using the given redis client
func NewRedsyncLocker(redisClient *redis.Client) (*RedsyncLocker, error) {
	if redisClient == nil {
		return nil, errors.ConfigError("redis client is required")
	}

	pool := goredis.NewPool(redisClient.GetGoRedisClient())

	return &RedsyncLocker{
		redsync: redsync.New(pool),
		prefix:  "lock:",
	}, nil
}

// TryAcquire makes a single attempt to take key for ttl. It returns ok=false
// without error when another holder owns the lock.
func (l *RedsyncLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lock, bool, error) {
	mutex := l.redsync.NewMutex(l.prefix+key, redsync.WithExpiry(ttl), redsync.WithTries(1))

	if err := mutex.TryLockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if stderrors.Is(err, redsync.ErrFailed) || stderrors.As(err, &taken) {
			return nil, false, nil
		}
		return nil, false, errors.ConnectionError(fmt.Sprintf("failed to acquire lock %s", key), err)
	}

	return &redsyncLock{mutex: mutex, key: key}, true, nil
}

func (rl *redsyncLock) Key() string {
	return rl.key
}

// Release unlocks the mutex. A lock that already expired is not an error.
func (rl *redsyncLock) Release(ctx context.Context) error {
	ok, err := rl.mutex.UnlockContext(ctx)
	if err != nil && !stderrors.Is(err, redsync.ErrLockAlreadyExpired) {
		return errors.ConnectionError(fmt.Sprintf("failed to release lock %s", rl.key), err)
	}
	_ = ok
	return nil
}
