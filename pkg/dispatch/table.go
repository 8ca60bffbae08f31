// Package dispatch invokes handlers through a two-tier strategy: a fast
// execution path backed by an optional high-performance implementation, and a
// resilient fallback path with bounded retries. Path selection is decided per
// call from a capability record computed once at startup plus recent
// fast-path health; a fast-path failure degrades to the fallback within the
// same call.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// HandlerFunc is one executable strategy for a handler. Implementations are
// expected to observe ctx at their own I/O boundaries.
type HandlerFunc func(ctx context.Context, payload any) (any, error)

// Registration binds a handler name to its executable strategies. Fallback
// is mandatory; Fast is optional and only used while the fast path is
// considered healthy.
type Registration struct {
	Name     string
	Fast     HandlerFunc
	Fallback HandlerFunc
}

// Table is the explicit handler registration table, populated once at
// startup and queried by name. There is no runtime string-to-type
// resolution: a name either was registered or dispatch fails fast.
type Table struct {
	mu      sync.RWMutex
	entries map[string]Registration
}

// NewTable creates an empty registration table.
func NewTable() *Table {
	return &Table{entries: make(map[string]Registration)}
}

// Register adds a handler registration. Registering a duplicate name or a
// nil fallback is a programming error and rejected.
func (t *Table) Register(reg Registration) error {
	if reg.Name == "" {
		return fmt.Errorf("handler registration requires a name")
	}
	if reg.Fallback == nil {
		return fmt.Errorf("handler %q registration requires a fallback function", reg.Name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[reg.Name]; exists {
		return fmt.Errorf("handler %q already registered", reg.Name)
	}
	t.entries[reg.Name] = reg
	return nil
}

// Get returns the registration for name.
func (t *Table) Get(name string) (Registration, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	reg, ok := t.entries[name]
	return reg, ok
}

// Names returns all registered handler names in sorted order.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasFast reports whether any registered handler provides a fast strategy.
func (t *Table) HasFast() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, reg := range t.entries {
		if reg.Fast != nil {
			return true
		}
	}
	return false
}
