package prefs

import (
	"reflect"
	"sync"
	"sync/atomic"
)

// listenerEntry is one registered listener. active is cleared on unsubscribe so a
// notification that already took a snapshot of the list skips it.
type listenerEntry struct {
	listener Listener
	active   atomic.Bool
}

// record is the in-memory state of one defined preference
type record struct {
	name         string
	key          string
	defaultValue any // normalized, never modified

	// notifyMu orders the notifications of this record. It is held while listeners run,
	// mu never is.
	notifyMu sync.Mutex

	mu           sync.Mutex
	current      any
	lastRevision uint64
	listeners    []*listenerEntry
	waiters      []*Pending
	dropped      bool
}

func newRecord(name, key string, defaultValue any) *record {
	return &record{
		name:         name,
		key:          key,
		defaultValue: defaultValue,
		current:      defaultValue,
	}
}

// applyResult describes the outcome of applying an effective value to a record
type applyResult struct {
	stale     bool
	changed   bool
	listeners []*listenerEntry
	resolved  []*Pending
}

// apply sets the effective value resolved from the event with the given revision.
// Events with a revision not newer than the last processed one are stale and skipped,
// revision 0 is never stale. The listeners are returned only if the value changed.
func (r *record) apply(value any, revision uint64) applyResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dropped {
		return applyResult{stale: true}
	}
	if revision != 0 {
		if revision <= r.lastRevision {
			return applyResult{stale: true}
		}
		r.lastRevision = revision
	}

	var res applyResult
	res.resolved = r.takeWaiters()

	if reflect.DeepEqual(r.current, value) {
		return res
	}
	r.current = value
	res.changed = true
	res.listeners = append([]*listenerEntry(nil), r.listeners...)
	return res
}

// takeWaiters removes and returns the waiters whose write has been processed.
// The caller must hold mu.
func (r *record) takeWaiters() []*Pending {
	var done []*Pending
	kept := r.waiters[:0]
	for _, p := range r.waiters {
		if p.revision <= r.lastRevision {
			done = append(done, p)
		} else {
			kept = append(kept, p)
		}
	}
	clear(r.waiters[len(kept):])
	r.waiters = kept
	return done
}

// value returns the current effective value
func (r *record) value() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// addWaiter registers a pending write. It is resolved at once if the event
// of its revision was already processed. The boolean is false if the record was dropped.
func (r *record) addWaiter(p *Pending) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dropped {
		return false
	}
	if p.revision <= r.lastRevision {
		p.resolve(nil)
		return true
	}
	r.waiters = append(r.waiters, p)
	return true
}

// addListener appends a listener and returns the function that removes it.
// The boolean is false if the record was dropped.
func (r *record) addListener(l Listener) (*listenerEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dropped {
		return nil, false
	}
	entry := &listenerEntry{listener: l}
	entry.active.Store(true)
	r.listeners = append(r.listeners, entry)
	return entry, true
}

// removeListener deactivates the entry and removes it from the list
func (r *record) removeListener(entry *listenerEntry) {
	entry.active.Store(false)

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.listeners {
		if e == entry {
			r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
			return
		}
	}
}

// drop marks the record as removed from its manager and abandons all pending writes with err
func (r *record) drop(err error) {
	r.mu.Lock()
	r.dropped = true
	waiters := r.waiters
	r.waiters = nil
	for _, e := range r.listeners {
		e.active.Store(false)
	}
	r.listeners = nil
	r.mu.Unlock()

	for _, p := range waiters {
		p.resolve(err)
	}
}
