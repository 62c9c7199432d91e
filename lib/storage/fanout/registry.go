package fanout

import (
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dPref/lib/storage"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("storage")

// subscriber owns the queue and the delivery goroutine of one listener
type subscriber struct {
	listener storage.Listener
	queue    *Queue[storage.ChangeEvent]
	active   atomic.Bool
	once     sync.Once
}

// Registry fans change events out to any number of listeners.
// Every listener gets its own queue and goroutine, so a slow listener never
// blocks the publisher or other listeners.
type Registry struct {
	subs   *xsync.MapOf[uint64, *subscriber]
	nextID atomic.Uint64
	closed atomic.Bool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		subs: xsync.NewMapOf[uint64, *subscriber](),
	}
}

// Add registers a listener and returns the function that removes it.
// The returned function is idempotent and never blocks, it is safe to call
// it from inside the listener. Once it returned, no event that is not already
// being delivered reaches the listener.
func (r *Registry) Add(listener storage.Listener) (func(), error) {
	if listener == nil {
		return nil, storage.NewError(storage.RetCInvalidOperation, "listener must not be nil")
	}
	if r.closed.Load() {
		return nil, storage.ErrClosed
	}

	id := r.nextID.Add(1)
	sub := &subscriber{
		listener: listener,
		queue:    NewQueue[storage.ChangeEvent](),
	}
	sub.active.Store(true)
	r.subs.Store(id, sub)
	go sub.deliver()

	// the registry may have been closed while we were adding
	if r.closed.Load() {
		r.remove(id)
		return nil, storage.ErrClosed
	}

	return func() { r.remove(id) }, nil
}

// Publish queues the event for every registered listener.
// Callers publishing events for the same key must not publish concurrently,
// otherwise the per key order is lost.
func (r *Registry) Publish(event storage.ChangeEvent) {
	r.subs.Range(func(_ uint64, sub *subscriber) bool {
		sub.queue.Push(event)
		return true
	})
}

// Len returns the number of registered listeners
func (r *Registry) Len() int {
	return r.subs.Size()
}

// Close removes all listeners. Events already queued are dropped.
func (r *Registry) Close() {
	r.closed.Store(true)
	r.subs.Range(func(id uint64, _ *subscriber) bool {
		r.remove(id)
		return true
	})
}

// remove deactivates a subscriber and lets its goroutine drain and exit
func (r *Registry) remove(id uint64) {
	sub, ok := r.subs.LoadAndDelete(id)
	if !ok {
		return
	}
	sub.once.Do(func() {
		sub.active.Store(false)
		sub.queue.Close()
	})
}

// deliver runs until the queue is closed and drained
func (s *subscriber) deliver() {
	for event := range s.queue.Recv() {
		if !s.active.Load() {
			continue
		}
		s.call(event)
	}
}

// call invokes the listener and keeps the delivery goroutine alive if it panics
func (s *subscriber) call(event storage.ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("listener panicked on event %s: %v", event, r)
		}
	}()
	s.listener(event)
}
