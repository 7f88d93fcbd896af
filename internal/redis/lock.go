package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("therapist calendar lock not acquired")
)

// Locker serializes calendar writes for one therapist so two commits cannot
// both pass the conflict check for the same time.
type Locker interface {
	WithTherapistLock(ctx context.Context, therapistID uuid.UUID, fn func(ctx context.Context) error) error
}

type redisTherapistLocker struct {
	client     *redis.Client
	ttl        time.Duration
	retries    int
	retryDelay time.Duration
}

// NewRedisTherapistLocker creates a locker that uses a per therapist Redis
// key. A held lock is retried a few times before giving up, since commits
// are short.
func NewRedisTherapistLocker(client *redis.Client, ttl time.Duration) Locker {
	return &redisTherapistLocker{
		client:     client,
		ttl:        ttl,
		retries:    3,
		retryDelay: 50 * time.Millisecond,
	}
}

func lockKey(therapistID uuid.UUID) string {
	return fmt.Sprintf("lock:therapist:%s", therapistID.String())
}

func (l *redisTherapistLocker) WithTherapistLock(ctx context.Context, therapistID uuid.UUID, fn func(ctx context.Context) error) error {
	key := lockKey(therapistID)
	token := uuid.NewString()

	if err := l.acquire(ctx, key, token); err != nil {
		return err
	}

	defer func() {
		_ = l.release(context.WithoutCancel(ctx), key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

func (l *redisTherapistLocker) acquire(ctx context.Context, key, token string) error {
	for attempt := 0; ; attempt++ {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire therapist lock: %w", err)
		}
		if ok {
			return nil
		}
		if attempt >= l.retries {
			return ErrLockNotAcquired
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryDelay):
		}
	}
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisTherapistLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release therapist lock: %w", err)
	}
	return nil
}

// NoopLocker runs fn directly. It is used when Redis is not configured, for
// single-instance deployments.
type NoopLocker struct{}

func (NoopLocker) WithTherapistLock(ctx context.Context, _ uuid.UUID, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
