package prefs

import (
	"sync"

	"github.com/ValentinKolb/dPref/lib/storage"
)

// fakeStorage is a storage handle whose events are only delivered when the test
// calls flush, which makes the manager deterministic.
type fakeStorage struct {
	mu        sync.Mutex
	values    map[string][]byte
	revision  uint64
	queue     []storage.ChangeEvent
	listeners map[int]storage.Listener
	nextID    int
	getErr    error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		values:    make(map[string][]byte),
		listeners: make(map[int]storage.Listener),
	}
}

func (f *fakeStorage) ID() string { return "fake" }

func (f *fakeStorage) Get(key string) ([]byte, bool, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, false, 0, f.getErr
	}
	v, ok := f.values[key]
	return v, ok, f.revision, nil
}

func (f *fakeStorage) Set(key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revision++
	old := f.values[key]
	f.values[key] = append([]byte{}, value...)
	f.queue = append(f.queue, storage.ChangeEvent{Key: key, OldValue: old, NewValue: f.values[key], Revision: f.revision, Origin: "fake"})
	return f.revision, nil
}

func (f *fakeStorage) Remove(key string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	old, ok := f.values[key]
	if !ok {
		return 0, nil
	}
	f.revision++
	delete(f.values, key)
	f.queue = append(f.queue, storage.ChangeEvent{Key: key, OldValue: old, Revision: f.revision, Origin: "fake"})
	return f.revision, nil
}

func (f *fakeStorage) Subscribe(listener storage.Listener) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = listener
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}, nil
}

func (f *fakeStorage) Close() error { return nil }

// external changes the stored value like another execution context would, without
// queueing an event
func (f *fakeStorage) external(key string, value []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if value == nil {
		delete(f.values, key)
	} else {
		f.values[key] = value
	}
}

// emit delivers an event to all listeners at once
func (f *fakeStorage) emit(event storage.ChangeEvent) {
	f.mu.Lock()
	listeners := make([]storage.Listener, 0, len(f.listeners))
	for _, l := range f.listeners {
		listeners = append(listeners, l)
	}
	f.mu.Unlock()

	for _, l := range listeners {
		l(event)
	}
}

// flush delivers all queued events, including events queued by listeners while flushing.
// It returns the number of delivered events.
func (f *fakeStorage) flush() int {
	n := 0
	for f.deliverNext() {
		n++
	}
	return n
}

// deliverNext delivers the oldest queued event. It returns false if the queue is empty.
func (f *fakeStorage) deliverNext() bool {
	f.mu.Lock()
	if len(f.queue) == 0 {
		f.mu.Unlock()
		return false
	}
	event := f.queue[0]
	f.queue = f.queue[1:]
	f.mu.Unlock()

	f.emit(event)
	return true
}

// recorder is a listener that records every value it is called with
type recorder struct {
	mu     sync.Mutex
	values []any
}

func (r *recorder) OnChange(value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, value)
}

func (r *recorder) calls() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.values...)
}
