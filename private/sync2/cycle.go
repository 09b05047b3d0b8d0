// Package sync2 provides the small concurrency primitives shared by every
// service's background loops.
package sync2

import (
	"context"
	"sync"
	"time"
)

// Cycle runs a function on a repeating interval until its context is
// canceled. It is the one shape every background loop in this repo uses
// (capacity polling, leader renewal, GC, config reload, event consumption):
//
//	for {
//		if err := fn(ctx); err != nil {
//			log it, continue
//		}
//		sleep(interval), or wake early on TriggerWait/Close
//	}
//
// Cancellation is graceful: a canceled context stops the loop without
// treating it as a failure.
type Cycle struct {
	interval time.Duration

	mu      sync.Mutex
	trigger chan struct{}
	closed  chan struct{}
	once    sync.Once
}

// NewCycle creates a Cycle with the given interval. SetInterval changes
// it, before Run or from within fn; the new value applies to the next sleep.
func NewCycle(interval time.Duration) *Cycle {
	return &Cycle{
		interval: interval,
		trigger:  make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
}

// SetInterval changes the sleep duration used on the next iteration.
func (c *Cycle) SetInterval(d time.Duration) {
	c.mu.Lock()
	c.interval = d
	c.mu.Unlock()
}

func (c *Cycle) getInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// TriggerWait wakes the loop immediately, skipping the remainder of the
// current sleep. Used for "lazy update" style out-of-band pokes (§4.1).
func (c *Cycle) TriggerWait() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Close stops the Cycle. Safe to call multiple times.
func (c *Cycle) Close() {
	c.once.Do(func() { close(c.closed) })
}

// Run invokes fn immediately and then every interval, until ctx is
// canceled or Close is called. Any non-nil error from fn, a cancellation
// error included, is treated as transient: it is reported to onError (if
// set) and the loop continues after sleeping out the interval unless ctx
// is done or the Cycle is closed.
func (c *Cycle) Run(ctx context.Context, fn func(ctx context.Context) error, onError func(error)) {
	for {
		err := fn(ctx)
		if err != nil && onError != nil {
			onError(err)
		}

		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-c.trigger:
			continue
		case <-time.After(c.getInterval()):
		}
	}
}
