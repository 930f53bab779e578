package ledger

import "sync"

// Ledger is an ordered collection that is safe for concurrent use.
// Reads share the lock, writes take it exclusively. Compound operations
// (find-or-add, remove-if) are atomic so callers never hold the lock
// across calls.
type Ledger[T any] struct {
	mu    sync.RWMutex
	items []T
}

// New returns an empty ledger
func New[T any]() *Ledger[T] {
	return &Ledger[T]{}
}

// Add appends item at the end
func (l *Ledger[T]) Add(item T) {
	l.mu.Lock()
	l.items = append(l.items, item)
	l.mu.Unlock()
}

// Find returns the first item matching pred
func (l *Ledger[T]) Find(pred func(T) bool) (T, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, it := range l.items {
		if pred(it) {
			return it, true
		}
	}
	var zero T
	return zero, false
}

// Any reports whether at least one item matches pred
func (l *Ledger[T]) Any(pred func(T) bool) bool {
	_, ok := l.Find(pred)
	return ok
}

// FindOrAdd returns the first item matching pred. If none matches, item is
// appended and returned with found=false.
func (l *Ledger[T]) FindOrAdd(pred func(T) bool, item T) (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, it := range l.items {
		if pred(it) {
			return it, true
		}
	}
	l.items = append(l.items, item)
	return item, false
}

// RemoveFirst removes and returns the first item matching pred
func (l *Ledger[T]) RemoveFirst(pred func(T) bool) (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, it := range l.items {
		if pred(it) {
			l.items = append(l.items[:i], l.items[i+1:]...)
			return it, true
		}
	}
	var zero T
	return zero, false
}

// Update replaces the first item matching pred with fn applied to it, in
// place. It reports whether an item matched.
func (l *Ledger[T]) Update(pred func(T) bool, fn func(T) T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, it := range l.items {
		if pred(it) {
			l.items[i] = fn(it)
			return true
		}
	}
	return false
}

// RemoveIf removes every item matching pred and returns them in order
func (l *Ledger[T]) RemoveIf(pred func(T) bool) []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	var removed []T
	kept := l.items[:0]
	for _, it := range l.items {
		if pred(it) {
			removed = append(removed, it)
			continue
		}
		kept = append(kept, it)
	}
	// clear the tail so removed items can be collected
	var zero T
	for i := len(kept); i < len(l.items); i++ {
		l.items[i] = zero
	}
	l.items = kept
	return removed
}

// PopFront removes and returns the oldest item
func (l *Ledger[T]) PopFront() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var zero T
	if len(l.items) == 0 {
		return zero, false
	}
	it := l.items[0]
	l.items[0] = zero
	l.items = l.items[1:]
	return it, true
}

// Drain removes and returns every item
func (l *Ledger[T]) Drain() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.items
	l.items = nil
	return out
}

// Count returns the number of items matching pred
func (l *Ledger[T]) Count(pred func(T) bool) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, it := range l.items {
		if pred(it) {
			n++
		}
	}
	return n
}

// Len returns the number of items
func (l *Ledger[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Snapshot returns a copy of the items in insertion order
func (l *Ledger[T]) Snapshot() []T {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]T, len(l.items))
	copy(out, l.items)
	return out
}

// Range calls fn for each item under the read lock, stopping when fn
// returns false. fn must not call back into the ledger.
func (l *Ledger[T]) Range(fn func(T) bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, it := range l.items {
		if !fn(it) {
			return
		}
	}
}
