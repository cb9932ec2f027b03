package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld indicates another process holds the lock.
var ErrLockHeld = errors.New("cache: lock already held")

// OrderLocker serializes fulfillment transitions for a single order across
// processes. The database row locks protect the balances; this guards the
// longer allocate/ship/cancel critical sections from concurrent workers.
type OrderLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewOrderLocker constructs an OrderLocker with the given lease TTL.
func NewOrderLocker(client *redis.Client, ttl time.Duration) *OrderLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &OrderLocker{client: client, ttl: ttl}
}

func orderLockKey(orderID uuid.UUID) string {
	return fmt.Sprintf("sales:order:%s:lock", orderID)
}

// Acquire takes the lock for orderID, returning a release func. A nil locker
// degrades to a no-op so single-process deployments can run without Redis.
func (l *OrderLocker) Acquire(ctx context.Context, orderID uuid.UUID) (func(), error) {
	if l == nil || l.client == nil {
		return func() {}, nil
	}
	key := orderLockKey(orderID)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	release := func() {
		// Release only if we still own the lease.
		const script = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
		_ = l.client.Eval(context.Background(), script, []string{key}, token).Err()
	}
	return release, nil
}
