package pipesync

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultLockLease        = 30 * time.Second
	defaultLockPollInterval = 100 * time.Millisecond
)

type LockManagerOptions struct {
	DefaultLease time.Duration
	PollInterval time.Duration
	Now          func() time.Time
}

// LockManager hands out lease-based locks on entity keys. Lock state lives
// in the repository so that every worker process sees the same holders.
type LockManager struct {
	store        LockStore
	defaultLease time.Duration
	pollInterval time.Duration
	now          func() time.Time
}

func NewLockManager(store LockStore, opts LockManagerOptions) *LockManager {
	if opts.DefaultLease <= 0 {
		opts.DefaultLease = defaultLockLease
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultLockPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &LockManager{
		store:        store,
		defaultLease: opts.DefaultLease,
		pollInterval: opts.PollInterval,
		now:          opts.Now,
	}
}

// Acquire takes the lock or fails immediately with a *LockContentionError.
func (m *LockManager) Acquire(ctx context.Context, key LockKey, mode LockMode, holder string, lease time.Duration) (SyncLock, error) {
	if !key.valid() {
		return SyncLock{}, invalidInputf("lock key requires tenant, entity type and entity id")
	}
	switch mode {
	case "":
		mode = LockExclusive
	case LockExclusive, LockShared:
	default:
		return SyncLock{}, invalidInputf("unknown lock mode %q", mode)
	}
	if lease <= 0 {
		lease = m.defaultLease
	}
	return m.store.AcquireLock(ctx, LockRequest{
		ID:     uuid.NewString(),
		Key:    key,
		Mode:   mode,
		Holder: strings.TrimSpace(holder),
		Lease:  lease,
		Now:    m.now().UTC(),
	})
}

// AcquireWait polls until the lock is granted or ctx is done.
func (m *LockManager) AcquireWait(ctx context.Context, key LockKey, mode LockMode, holder string, lease time.Duration) (SyncLock, error) {
	for {
		lock, err := m.Acquire(ctx, key, mode, holder, lease)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, ErrLockBusy) {
			return SyncLock{}, err
		}
		if err := sleepContext(ctx, m.pollInterval); err != nil {
			return SyncLock{}, err
		}
	}
}

// Release is idempotent: releasing an expired, released or unknown lock is
// a no-op.
func (m *LockManager) Release(ctx context.Context, token SyncLock) error {
	if strings.TrimSpace(token.ID) == "" {
		return nil
	}
	return m.store.ReleaseLock(ctx, token.ID, m.now().UTC())
}

// Renew extends an active lease. An expired or released lock returns
// ErrLockLost; the caller no longer owns the key.
func (m *LockManager) Renew(ctx context.Context, token SyncLock, lease time.Duration) (SyncLock, error) {
	if strings.TrimSpace(token.ID) == "" {
		return SyncLock{}, ErrLockLost
	}
	if lease <= 0 {
		lease = m.defaultLease
	}
	now := m.now().UTC()
	return m.store.RenewLock(ctx, token.ID, now.Add(lease), now)
}

// Prune deletes lock rows that have been released or expired for longer
// than grace.
func (m *LockManager) Prune(ctx context.Context, grace time.Duration) (int, error) {
	if grace < 0 {
		grace = 0
	}
	return m.store.PruneLocks(ctx, m.now().UTC().Add(-grace))
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
