// Package keylock provides named exclusive critical sections. Mutating
// operations on the same logical entity (a user record, an archive record)
// serialize on its key while operations on unrelated keys proceed in
// parallel.
package keylock

import "sync"

// waiter is a single queued acquisition. Its channel is closed when the
// lock is handed over.
type waiter chan struct{}

// entry is the lock state for one key. Entries are created lazily and
// removed from the registry once the last holder releases with no waiters
// queued, so the registry footprint tracks contention, not key cardinality.
type entry struct {
	held    bool
	waiters []waiter
}

// Registry grants mutual exclusion scoped to opaque string keys. Waiters on
// the same key are granted the lock in FIFO order.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty lock registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Lock acquires the exclusive lock for key, blocking until it is available.
// The returned unlock function must be called on every exit path of the
// protected section; deferring it immediately after Lock makes release
// panic-safe. Calling unlock more than once is a no-op.
func (r *Registry) Lock(key string) (unlock func()) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{}
		r.entries[key] = e
	}

	if !e.held {
		e.held = true
		r.mu.Unlock()
	} else {
		w := make(waiter)
		e.waiters = append(e.waiters, w)
		r.mu.Unlock()
		<-w
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.release(key) })
	}
}

// release hands the lock to the oldest waiter, or tears the entry down when
// nobody is queued.
func (r *Registry) release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entries[key]
	if e == nil {
		return
	}

	if len(e.waiters) == 0 {
		delete(r.entries, key)
		return
	}

	next := e.waiters[0]
	e.waiters = e.waiters[1:]
	close(next)
}

// Contended reports how many keys currently have a holder or waiters.
// Used by tests and stats reporting.
func (r *Registry) Contended() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
