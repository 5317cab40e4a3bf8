package pipesync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLockManager(clock *testClock) *LockManager {
	return NewLockManager(NewMemoryRepository(), LockManagerOptions{
		DefaultLease: 10 * time.Second,
		PollInterval: time.Millisecond,
		Now:          clock.Now,
	})
}

func TestLockManagerExclusiveBlocksEveryMode(t *testing.T) {
	clock := newTestClock()
	locks := newTestLockManager(clock)
	ctx := context.Background()
	key := LockKey{TenantID: "t1", EntityType: "person", EntityID: "p1"}

	first, err := locks.Acquire(ctx, key, LockExclusive, "worker-a", 0)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(10*time.Second), first.ExpiresAt)

	_, err = locks.Acquire(ctx, key, LockExclusive, "worker-b", 0)
	require.ErrorIs(t, err, ErrLockBusy)
	var contention *LockContentionError
	require.True(t, errors.As(err, &contention))
	assert.Equal(t, "worker-a", contention.Holder)

	_, err = locks.Acquire(ctx, key, LockShared, "worker-b", 0)
	require.ErrorIs(t, err, ErrLockBusy)

	other := LockKey{TenantID: "t1", EntityType: "person", EntityID: "p2"}
	_, err = locks.Acquire(ctx, other, LockExclusive, "worker-b", 0)
	require.NoError(t, err)
}

func TestLockManagerSharedBlocksOnlyExclusive(t *testing.T) {
	clock := newTestClock()
	locks := newTestLockManager(clock)
	ctx := context.Background()
	key := LockKey{TenantID: "t1", EntityType: "deal", EntityID: "d1"}

	_, err := locks.Acquire(ctx, key, LockShared, "reader-a", 0)
	require.NoError(t, err)
	_, err = locks.Acquire(ctx, key, LockShared, "reader-b", 0)
	require.NoError(t, err)
	_, err = locks.Acquire(ctx, key, LockExclusive, "writer", 0)
	require.ErrorIs(t, err, ErrLockBusy)
}

func TestLockManagerExpiredLeaseCountsAsReleased(t *testing.T) {
	clock := newTestClock()
	locks := newTestLockManager(clock)
	ctx := context.Background()
	key := LockKey{TenantID: "t1", EntityType: "person", EntityID: "p1"}

	stale, err := locks.Acquire(ctx, key, LockExclusive, "crashed", 5*time.Second)
	require.NoError(t, err)

	clock.Advance(6 * time.Second)
	_, err = locks.Acquire(ctx, key, LockExclusive, "worker-b", 0)
	require.NoError(t, err)

	_, err = locks.Renew(ctx, stale, 0)
	require.ErrorIs(t, err, ErrLockLost)
}

func TestLockManagerReleaseIsIdempotent(t *testing.T) {
	clock := newTestClock()
	locks := newTestLockManager(clock)
	ctx := context.Background()
	key := LockKey{TenantID: "t1", EntityType: "person", EntityID: "p1"}

	lock, err := locks.Acquire(ctx, key, LockExclusive, "worker-a", 0)
	require.NoError(t, err)
	require.NoError(t, locks.Release(ctx, lock))
	require.NoError(t, locks.Release(ctx, lock))
	require.NoError(t, locks.Release(ctx, SyncLock{}))

	_, err = locks.Renew(ctx, lock, 0)
	require.ErrorIs(t, err, ErrLockLost)

	_, err = locks.Acquire(ctx, key, LockExclusive, "worker-b", 0)
	require.NoError(t, err)
}

func TestLockManagerRenewExtendsLease(t *testing.T) {
	clock := newTestClock()
	locks := newTestLockManager(clock)
	ctx := context.Background()
	key := LockKey{TenantID: "t1", EntityType: "person", EntityID: "p1"}

	lock, err := locks.Acquire(ctx, key, LockExclusive, "worker-a", 5*time.Second)
	require.NoError(t, err)
	clock.Advance(4 * time.Second)
	renewed, err := locks.Renew(ctx, lock, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(5*time.Second), renewed.ExpiresAt)

	clock.Advance(4 * time.Second)
	_, err = locks.Acquire(ctx, key, LockExclusive, "worker-b", 0)
	require.ErrorIs(t, err, ErrLockBusy)
}

func TestLockManagerAcquireWaitHonorsContext(t *testing.T) {
	clock := newTestClock()
	locks := newTestLockManager(clock)
	key := LockKey{TenantID: "t1", EntityType: "person", EntityID: "p1"}

	_, err := locks.Acquire(context.Background(), key, LockExclusive, "worker-a", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.AcquireWait(ctx, key, LockExclusive, "worker-b", 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLockManagerRejectsIncompleteKey(t *testing.T) {
	locks := newTestLockManager(newTestClock())
	_, err := locks.Acquire(context.Background(), LockKey{TenantID: "t1"}, LockExclusive, "w", 0)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestLockManagerPruneDropsOldRows(t *testing.T) {
	clock := newTestClock()
	repo := NewMemoryRepository()
	locks := NewLockManager(repo, LockManagerOptions{Now: clock.Now})
	ctx := context.Background()
	key := LockKey{TenantID: "t1", EntityType: "person", EntityID: "p1"}

	lock, err := locks.Acquire(ctx, key, LockExclusive, "w", time.Second)
	require.NoError(t, err)
	require.NoError(t, locks.Release(ctx, lock))

	pruned, err := locks.Prune(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, pruned)

	clock.Advance(2 * time.Minute)
	pruned, err = locks.Prune(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)
}
