package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLock(t *testing.T) (*Lock, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewLock(rdb), rdb
}

func TestAcquireLockExclusive(t *testing.T) {
	lock, _ := newTestLock(t)
	ctx := context.Background()

	lease, err := lock.AcquireLock(ctx, GDriveLockKey(1), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)
	require.True(t, lease.IsOwned())

	second, err := lock.AcquireLock(ctx, GDriveLockKey(1), time.Minute)
	require.NoError(t, err)
	require.Nil(t, second)
}

func TestLeaseRefreshAndRelease(t *testing.T) {
	lock, _ := newTestLock(t)
	ctx := context.Background()

	lease, err := lock.AcquireLock(ctx, S3LockKey(1), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)

	ok, err := lease.Refresh(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, lease.Release(ctx))

	reacquired, err := lock.AcquireLock(ctx, S3LockKey(1), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, reacquired)
}

func TestRefreshFailsAfterLeaseStolen(t *testing.T) {
	lock, rdb := newTestLock(t)
	ctx := context.Background()

	lease, err := lock.AcquireLock(ctx, GDriveLockKey(2), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)

	require.NoError(t, rdb.Set(ctx, GDriveLockKey(2), "someone-else", time.Minute).Err())

	ok, err := lease.Refresh(ctx)
	require.NoError(t, err)
	require.False(t, ok)
	require.False(t, lease.IsOwned())
}
