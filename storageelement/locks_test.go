package storageelement_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stratafs.io/platform/storageelement"
)

func TestCacheLockHigherPriorityPreemptsLower(t *testing.T) {
	lock := storageelement.NewCacheLock()
	now := time.Now()

	_, ok := lock.TryAcquire(storageelement.PriorityLazyRebuild, now)
	require.True(t, ok)

	release, ok := lock.TryAcquire(storageelement.PriorityManualRebuild, now)
	require.True(t, ok, "higher priority must preempt")
	release()
}

func TestCacheLockLowerPriorityFailsNonBlocking(t *testing.T) {
	lock := storageelement.NewCacheLock()
	now := time.Now()

	_, ok := lock.TryAcquire(storageelement.PriorityManualRebuild, now)
	require.True(t, ok)

	_, ok = lock.TryAcquire(storageelement.PriorityLazyRebuild, now)
	require.False(t, ok, "lower priority must be skipped, not block")
}

func TestCacheLockExpiresAfterMaxHoldTime(t *testing.T) {
	lock := storageelement.NewCacheLock()
	now := time.Now()

	_, ok := lock.TryAcquire(storageelement.PriorityLazyRebuild, now)
	require.True(t, ok)

	later := now.Add(storageelement.PriorityLazyRebuild.MaxHoldTime() + time.Second)
	_, ok = lock.TryAcquire(storageelement.PriorityLazyRebuild, later)
	require.True(t, ok, "abandoned lock past max hold time must be reclaimable")
}

func TestCacheLockReleaseFreesSlot(t *testing.T) {
	lock := storageelement.NewCacheLock()
	now := time.Now()

	release, ok := lock.TryAcquire(storageelement.PriorityManualCheck, now)
	require.True(t, ok)
	release()

	_, held := lock.Holder()
	require.False(t, held)

	_, ok = lock.TryAcquire(storageelement.PriorityLazyRebuild, now)
	require.True(t, ok)
}
