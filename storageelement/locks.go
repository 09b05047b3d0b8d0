package storageelement

import (
	"sync"
	"time"
)

// LockPriority orders cache-mutating operations; higher values preempt
// pending lower-priority acquirers (spec.md §4.4.2).
type LockPriority int

const (
	PriorityBackgroundCleanup LockPriority = iota
	PriorityLazyRebuild
	PriorityManualCheck
	PriorityManualRebuild
)

// MaxHoldTime returns the maximum duration a lock at this priority may be
// held before it is considered abandoned (spec.md §4.4.2).
func (p LockPriority) MaxHoldTime() time.Duration {
	switch p {
	case PriorityManualRebuild:
		return 30 * time.Minute
	case PriorityManualCheck:
		return 10 * time.Minute
	case PriorityLazyRebuild:
		return 30 * time.Second
	default:
		return 5 * time.Minute
	}
}

// CacheLock is a single-slot, priority-preempting lock protecting the
// local metadata cache. Only one holder exists at a time; an acquirer at
// a priority lower than the current holder fails immediately rather than
// queueing ("skipped", not blocking, per spec.md §4.4.2).
type CacheLock struct {
	mu       sync.Mutex
	holder   *LockPriority
	expiry   time.Time
}

// NewCacheLock returns an unheld lock.
func NewCacheLock() *CacheLock {
	return &CacheLock{}
}

// TryAcquire attempts to take the lock at priority p. It succeeds if the
// lock is free, if the current holder's max hold time has elapsed
// (abandoned), or if p is strictly higher priority than the holder
// (preemption). Equal or lower priority against an active holder fails
// non-blocking.
func (l *CacheLock) TryAcquire(p LockPriority, now time.Time) (release func(), acquired bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holder != nil && now.Before(l.expiry) && p <= *l.holder {
		return nil, false
	}

	h := p
	l.holder = &h
	l.expiry = now.Add(p.MaxHoldTime())

	released := false
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if released {
			return
		}
		released = true
		if l.holder != nil && *l.holder == p {
			l.holder = nil
		}
	}, true
}

// Holder reports the current holder's priority, if any.
func (l *CacheLock) Holder() (LockPriority, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == nil {
		return 0, false
	}
	return *l.holder, true
}
