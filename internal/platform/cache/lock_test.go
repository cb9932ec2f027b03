package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	srv := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: srv.Addr()})
}

func TestOrderLockerMutualExclusion(t *testing.T) {
	client := newTestClient(t)
	locker := NewOrderLocker(client, time.Minute)
	ctx := context.Background()
	orderID := uuid.New()

	release, err := locker.Acquire(ctx, orderID)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, orderID)
	require.ErrorIs(t, err, ErrLockHeld)

	release()

	release2, err := locker.Acquire(ctx, orderID)
	require.NoError(t, err)
	release2()
}

func TestOrderLockerIndependentOrders(t *testing.T) {
	client := newTestClient(t)
	locker := NewOrderLocker(client, time.Minute)
	ctx := context.Background()

	releaseA, err := locker.Acquire(ctx, uuid.New())
	require.NoError(t, err)
	defer releaseA()

	releaseB, err := locker.Acquire(ctx, uuid.New())
	require.NoError(t, err)
	defer releaseB()
}

func TestNilLockerIsNoop(t *testing.T) {
	var locker *OrderLocker
	release, err := locker.Acquire(context.Background(), uuid.New())
	require.NoError(t, err)
	release()
}
