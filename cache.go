package donneur

import (
	"sync"
)

// Cache is the ordered local copy of one collection, newest first. Records
// are keyed by id, which is either a temporary "local-" id or the id the store
// assigned.
//
// Every mutation is a pure function of the previous contents applied under
// the cache lock, so concurrent writers never lose each other's updates.
// After Close the cache is inert and mutations are dropped.
type Cache[T Entity] struct {
	mu        sync.Mutex
	items     []T
	closed    bool
	observers []func([]T)
}

// NewCache creates an empty cache.
func NewCache[T Entity]() *Cache[T] {
	return &Cache[T]{}
}

// Update replaces the contents with fn(prev). fn receives a private copy. It
// reports false when the cache is closed and nothing was applied.
func (c *Cache[T]) Update(fn func(prev []T) []T) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.items = fn(cloneItems(c.items))
	snap := cloneItems(c.items)
	observers := c.observers
	c.mu.Unlock()

	for _, fn := range observers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			fn(snap)
		}()
	}
	return true
}

// InsertFront prepends a record authored on this device.
func (c *Cache[T]) InsertFront(rec T) bool {
	return c.Update(func(prev []T) []T {
		return append([]T{rec}, prev...)
	})
}

// Insert places a record at its position by creation time.
func (c *Cache[T]) Insert(rec T) bool {
	return c.Update(func(prev []T) []T {
		return insertSorted(prev, rec)
	})
}

// ReplaceWhere applies updater to every record matching pred and returns the
// number of records replaced.
func (c *Cache[T]) ReplaceWhere(pred func(T) bool, updater func(T) T) int {
	n := 0
	c.Update(func(prev []T) []T {
		for i, rec := range prev {
			if pred(rec) {
				prev[i] = updater(rec)
				n++
			}
		}
		return prev
	})
	return n
}

// RemoveWhere drops every record matching pred and returns how many went.
func (c *Cache[T]) RemoveWhere(pred func(T) bool) int {
	n := 0
	c.Update(func(prev []T) []T {
		out := prev[:0]
		for _, rec := range prev {
			if pred(rec) {
				n++
				continue
			}
			out = append(out, rec)
		}
		return out
	})
	return n
}

// Reset replaces the whole contents, e.g. after a refresh.
func (c *Cache[T]) Reset(records []T) bool {
	return c.Update(func([]T) []T {
		return cloneItems(records)
	})
}

// Get returns the record with the given id.
func (c *Cache[T]) Get(id string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := indexOf(c.items, id); i >= 0 {
		return c.items[i], true
	}
	var zero T
	return zero, false
}

// Snapshot returns a copy of the current contents.
func (c *Cache[T]) Snapshot() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneItems(c.items)
}

func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// OnChange registers fn to receive a snapshot after each applied mutation.
func (c *Cache[T]) OnChange(fn func([]T)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers[:len(c.observers):len(c.observers)], fn)
}

// Close makes the cache inert. Contents stay readable.
func (c *Cache[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.observers = nil
}

func (c *Cache[T]) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func cloneItems[T any](items []T) []T {
	if items == nil {
		return nil
	}
	return append(make([]T, 0, len(items)), items...)
}

func indexOf[T Entity](items []T, id string) int {
	for i, rec := range items {
		if rec.EntityID() == id {
			return i
		}
	}
	return -1
}

func byID[T Entity](id string) func(T) bool {
	return func(rec T) bool { return rec.EntityID() == id }
}

// insertSorted keeps newest-first order; ties go after existing records.
func insertSorted[T Entity](items []T, rec T) []T {
	at := len(items)
	for i, cur := range items {
		if cur.Created().Before(rec.Created()) {
			at = i
			break
		}
	}
	items = append(items, rec)
	copy(items[at+1:], items[at:])
	items[at] = rec
	return items
}
