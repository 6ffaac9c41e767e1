package locks

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) *Locker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLocker(client)
}

func TestTryLockMutualExclusion(t *testing.T) {
	locker := newTestLocker(t)
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, "meterline:sub:42", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	_, ok, err = locker.TryLock(ctx, "meterline:sub:42", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second acquisition must fail while held")

	require.NoError(t, locker.Release(ctx, "meterline:sub:42", token))

	_, ok, err = locker.TryLock(ctx, "meterline:sub:42", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lock must be free after release")
}

func TestReleaseWithWrongTokenKeepsLock(t *testing.T) {
	locker := newTestLocker(t)
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, "meterline:sub:7", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, locker.Release(ctx, "meterline:sub:7", "stale-token"))

	_, ok, err = locker.TryLock(ctx, "meterline:sub:7", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "wrong token must not release the lock")
	_ = token
}

func TestNilLockerAlwaysGrants(t *testing.T) {
	var locker *Locker
	_, ok, err := locker.TryLock(context.Background(), "any", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, locker.Release(context.Background(), "any", "token"))
}

func TestTryLockValidation(t *testing.T) {
	locker := newTestLocker(t)

	_, _, err := locker.TryLock(context.Background(), "", time.Minute)
	assert.Error(t, err)

	_, _, err = locker.TryLock(context.Background(), "key", 0)
	assert.Error(t, err)
}
