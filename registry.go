package gridcalc

import (
	"context"
	"sync"
)

// Registry owns the per-table cross-table contexts. It replaces the
// original process-wide singleton cache with an explicit object carrying
// a creation, invalidation and disposal lifecycle; callers hold a
// reference instead of reaching for ambient global state.
type Registry struct {
	mu        sync.Mutex
	store     Store
	opts      *Options
	contexts  map[int64]*CrossTableContext
	rowOrders map[int64][]int64 // externally supplied display orders
}

// NewRegistry creates a Registry over a store.
func NewRegistry(st Store, opts ...Option) *Registry {
	return newRegistry(st, newOptions(opts...))
}

func newRegistry(st Store, o *Options) *Registry {
	return &Registry{
		store:     st,
		opts:      o,
		contexts:  make(map[int64]*CrossTableContext),
		rowOrders: make(map[int64][]int64),
	}
}

// Context returns the cross-table context anchored at the given table,
// creating it lazily on first use. The caller must call Release on the
// returned context when its operation completes; engine disposal after
// Invalidate/SetRowOrder/Close waits for the last release.
func (r *Registry) Context(ctx context.Context, tableID int64) (*CrossTableContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cc, ok := r.contexts[tableID]; ok {
		return cc.retain(), nil
	}

	// Snapshot the display orders under the lock. A context lazily loads
	// secondary tables long after creation, concurrently with
	// SetRowOrder; it reads its own immutable snapshot, and reorders
	// reach new contexts only, through invalidation.
	orders := make(map[int64][]int64, len(r.rowOrders))
	for id, order := range r.rowOrders {
		orders[id] = order
	}
	cc, err := newCrossTableContext(ctx, r.store, tableID, func(id int64) []int64 { return orders[id] }, r.opts)
	if err != nil {
		return nil, err
	}
	r.contexts[tableID] = cc
	return cc.retain(), nil
}

// SetRowOrder records a table's new display order and invalidates every
// live context: sheet positions were assigned under the old order, so
// contexts must reload rather than remap in place.
func (r *Registry) SetRowOrder(tableID int64, rowIDs []int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rowOrders[tableID] = append([]int64(nil), rowIDs...)
	for id, cc := range r.contexts {
		cc.Close()
		delete(r.contexts, id)
	}
}

// Invalidate drops the context anchored at a table after a structural
// change (column added, bulk import, cross-process edit). The next
// operation rebuilds it from the store.
func (r *Registry) Invalidate(tableID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cc, ok := r.contexts[tableID]; ok {
		cc.Close()
		delete(r.contexts, tableID)
	}
}

// Close disposes every live context.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for id, cc := range r.contexts {
		if err := cc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.contexts, id)
	}
	return firstErr
}
