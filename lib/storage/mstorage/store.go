package mstorage

import (
	"sync/atomic"

	"github.com/ValentinKolb/dPref/lib/storage"
	"github.com/ValentinKolb/dPref/lib/storage/fanout"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// Medium is a shared in-memory key-value medium. Every handle returned by Open
// behaves like an independent execution context with its own subscriptions.
type Medium struct {
	values   *xsync.MapOf[string, []byte]
	handles  *xsync.MapOf[string, *storageImpl]
	revision atomic.Uint64
}

// NewMedium creates an empty medium
func NewMedium() *Medium {
	return &Medium{
		values:  xsync.NewMapOf[string, []byte](),
		handles: xsync.NewMapOf[string, *storageImpl](),
	}
}

// Open returns a new handle onto the medium
func (m *Medium) Open() storage.IStorage {
	h := &storageImpl{
		id:     uuid.NewString(),
		medium: m,
		subs:   fanout.NewRegistry(),
	}
	m.handles.Store(h.id, h)
	return h
}

// Revision returns the revision of the last commit
func (m *Medium) Revision() uint64 {
	return m.revision.Load()
}

// Len returns the number of stored keys
func (m *Medium) Len() int {
	return m.values.Size()
}

// publish hands the event to the subscribers of all open handles.
// It is called while the bucket of the key is locked, which keeps the per key order.
func (m *Medium) publish(event storage.ChangeEvent) {
	m.handles.Range(func(_ string, h *storageImpl) bool {
		h.subs.Publish(event)
		return true
	})
}

// --------------------------------------------------------------------------
// Handle
// --------------------------------------------------------------------------

type storageImpl struct {
	id     string
	medium *Medium
	subs   *fanout.Registry
	closed atomic.Bool
}

// --------------------------------------------------------------------------
// Interface Methods (docu see storage/interface.go)
// --------------------------------------------------------------------------

func (s *storageImpl) ID() string {
	return s.id
}

func (s *storageImpl) Get(key string) ([]byte, bool, uint64, error) {
	if s.closed.Load() {
		return nil, false, 0, storage.ErrClosed
	}

	// commits of the key hold its bucket lock while they take a revision, so the
	// revision read under that lock matches the value
	var (
		valueCopy []byte
		loaded    bool
		revision  uint64
	)
	s.medium.values.Compute(key, func(val []byte, ok bool) ([]byte, bool) {
		revision = s.medium.revision.Load()
		if !ok {
			return nil, true
		}
		// Copy value to prevent callers from corrupting the medium
		valueCopy = make([]byte, len(val))
		copy(valueCopy, val)
		loaded = true
		return val, false
	})
	return valueCopy, loaded, revision, nil
}

func (s *storageImpl) Set(key string, value []byte) (uint64, error) {
	if s.closed.Load() {
		return 0, storage.ErrClosed
	}

	// a present value is never nil, nil marks absence in events
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	var revision uint64
	s.medium.values.Compute(key, func(old []byte, loaded bool) ([]byte, bool) {
		revision = s.medium.revision.Add(1)
		event := storage.ChangeEvent{
			Key:      key,
			NewValue: valueCopy,
			Revision: revision,
			Origin:   s.id,
		}
		if loaded {
			event.OldValue = old
		}
		s.medium.publish(event)
		return valueCopy, false
	})
	return revision, nil
}

func (s *storageImpl) Remove(key string) (uint64, error) {
	if s.closed.Load() {
		return 0, storage.ErrClosed
	}

	var revision uint64
	s.medium.values.Compute(key, func(old []byte, loaded bool) ([]byte, bool) {
		if !loaded {
			// nothing stored -> nothing committed
			return nil, true
		}
		revision = s.medium.revision.Add(1)
		s.medium.publish(storage.ChangeEvent{
			Key:      key,
			OldValue: old,
			Revision: revision,
			Origin:   s.id,
		})
		return nil, true
	})
	return revision, nil
}

func (s *storageImpl) Subscribe(listener storage.Listener) (func(), error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}
	return s.subs.Add(listener)
}

func (s *storageImpl) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.medium.handles.Delete(s.id)
	s.subs.Close()
	return nil
}
