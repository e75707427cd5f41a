// Package locks provides mutual exclusion keyed by entity id rather than by
// object identity, so a lock outlives any view that is rebuilt for the entity.
package locks

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Table hands out one mutex per key. Entries live in an arena and are
// recycled through a free list once no goroutine holds or waits on them.
type Table struct {
	mu      sync.Mutex
	entries []*entry
	index   map[string]int
	free    []int
}

func NewTable() *Table {
	return &Table{index: make(map[string]int)}
}

// Lock blocks until the key's mutex is held and returns its release func.
// Calling the release func more than once is a no-op.
func (t *Table) Lock(key string) func() {
	t.mu.Lock()
	idx, ok := t.index[key]
	if !ok {
		if n := len(t.free); n > 0 {
			idx = t.free[n-1]
			t.free = t.free[:n-1]
		} else {
			idx = len(t.entries)
			t.entries = append(t.entries, &entry{})
		}
		t.index[key] = idx
	}
	e := t.entries[idx]
	e.refs++
	t.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()

			t.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(t.index, key)
				t.free = append(t.free, idx)
			}
			t.mu.Unlock()
		})
	}
}

// Len returns the number of keys currently held or waited on.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.index)
}
