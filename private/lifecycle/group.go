// Package lifecycle manages the ordered startup and shutdown of the
// process-wide singleton services described in spec.md §9 (DB pool, cache
// client, HTTP clients, capacity monitor, ...): created once at startup,
// closed in reverse order at shutdown.
package lifecycle

import (
	"go.uber.org/zap"

	"stratafs.io/platform/private/errs2"
)

// Item is a named closeable resource.
type Item struct {
	Name  string
	Close func() error
}

// Group tracks items in registration order and closes them in reverse.
type Group struct {
	log   *zap.Logger
	items []Item
}

// NewGroup returns an empty Group that logs through log.
func NewGroup(log *zap.Logger) *Group {
	return &Group{log: log}
}

// Add registers an item. Add is not safe for concurrent use; call it only
// during single-threaded startup.
func (g *Group) Add(name string, closeFn func() error) {
	g.items = append(g.items, Item{Name: name, Close: closeFn})
}

// Close closes every registered item in reverse registration order,
// logging but not stopping on individual failures, and returns the
// combined error.
func (g *Group) Close() error {
	errchan := make(chan error, len(g.items))
	for i := len(g.items) - 1; i >= 0; i-- {
		item := g.items[i]
		if item.Close == nil {
			continue
		}
		if err := item.Close(); err != nil {
			g.log.Error("close failed", zap.String("item", item.Name), zap.Error(err))
			errchan <- err
		}
	}
	close(errchan)
	return errs2.Collect(errchan)
}
