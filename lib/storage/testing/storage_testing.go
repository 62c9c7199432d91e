package testing

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dPref/lib/storage"
)

// MediumFactory creates a fresh, empty medium and returns a function that opens handles on it.
// Handles opened by the returned function must be closed by the suite.
type MediumFactory func(t *testing.T) (open func() storage.IStorage)

// eventTimeout bounds how long the suite waits for asynchronous events
const eventTimeout = 3 * time.Second

// RunStorageTests runs the conformance suite for an IStorage implementation.
func RunStorageTests(t *testing.T, name string, factory MediumFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Set&Get", func(t *testing.T) {
			testSetGet(t, factory(t))
		})

		t.Run("Remove", func(t *testing.T) {
			testRemove(t, factory(t))
		})

		t.Run("SelfNotification", func(t *testing.T) {
			testSelfNotification(t, factory(t))
		})

		t.Run("CrossHandle", func(t *testing.T) {
			testCrossHandle(t, factory(t))
		})

		t.Run("DeletionEvent", func(t *testing.T) {
			testDeletionEvent(t, factory(t))
		})

		t.Run("PerKeyOrder", func(t *testing.T) {
			testPerKeyOrder(t, factory(t))
		})

		t.Run("UnsubscribeInsideListener", func(t *testing.T) {
			testUnsubscribeInsideListener(t, factory(t))
		})

		t.Run("Closed", func(t *testing.T) {
			testClosed(t, factory(t))
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// openHandle opens a handle and closes it when the test ends
func openHandle(t *testing.T, open func() storage.IStorage) storage.IStorage {
	t.Helper()
	s := open()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// collector records events received by a listener
type collector struct {
	mu     sync.Mutex
	events []storage.ChangeEvent
	signal chan struct{}
}

func newCollector() *collector {
	return &collector{signal: make(chan struct{}, 1024)}
}

func (c *collector) listen(event storage.ChangeEvent) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// waitFor blocks until at least n events were received and returns them
func (c *collector) waitFor(t *testing.T, n int) []storage.ChangeEvent {
	t.Helper()
	deadline := time.After(eventTimeout)
	for {
		c.mu.Lock()
		if len(c.events) >= n {
			out := make([]storage.ChangeEvent, len(c.events))
			copy(out, c.events)
			c.mu.Unlock()
			return out
		}
		got := len(c.events)
		c.mu.Unlock()

		select {
		case <-c.signal:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timeout waiting for %d events, got %d", n, got)
		}
	}
}

// count returns the number of received events
func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func subscribe(t *testing.T, s storage.IStorage, c *collector) {
	t.Helper()
	if _, err := s.Subscribe(c.listen); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testSetGet(t *testing.T, open func() storage.IStorage) {
	s := openHandle(t, open)

	if _, ok, _, err := s.Get("/missing"); err != nil || ok {
		t.Fatalf("Get of missing key: ok=%v err=%v", ok, err)
	}

	rev, err := s.Set("/color", []byte(`"blue"`))
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if rev == 0 {
		t.Errorf("Set should return a non zero revision")
	}

	val, ok, readRev, err := s.Get("/color")
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(val, []byte(`"blue"`)) {
		t.Errorf("Expected %q, got %q", `"blue"`, val)
	}
	if readRev < rev {
		t.Errorf("Get must reflect revision %d, got %d", rev, readRev)
	}

	rev2, err := s.Set("/color", []byte(`"green"`))
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if rev2 <= rev {
		t.Errorf("Revisions must increase: %d -> %d", rev, rev2)
	}

	// a second handle on the same medium sees the value
	other := openHandle(t, open)
	val, ok, readRev, err = other.Get("/color")
	if err != nil || !ok || !bytes.Equal(val, []byte(`"green"`)) {
		t.Errorf("Other handle: val=%q ok=%v err=%v", val, ok, err)
	}
	if readRev < rev2 {
		t.Errorf("Other handle: Get must reflect revision %d, got %d", rev2, readRev)
	}
}

func testRemove(t *testing.T, open func() storage.IStorage) {
	s := openHandle(t, open)

	rev, err := s.Remove("/absent")
	if err != nil {
		t.Fatalf("Remove of absent key failed: %v", err)
	}
	if rev != 0 {
		t.Errorf("Remove of absent key should commit nothing, got revision %d", rev)
	}

	if _, err := s.Set("/k", []byte(`1`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	rev, err = s.Remove("/k")
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if rev == 0 {
		t.Errorf("Remove of existing key should return a revision")
	}
	_, ok, readRev, err := s.Get("/k")
	if err != nil || ok {
		t.Errorf("Key should be gone after Remove: ok=%v err=%v", ok, err)
	}
	if readRev < rev {
		t.Errorf("Get of a removed key must reflect revision %d, got %d", rev, readRev)
	}
}

func testSelfNotification(t *testing.T, open func() storage.IStorage) {
	s := openHandle(t, open)
	c := newCollector()
	subscribe(t, s, c)

	rev, err := s.Set("/self", []byte(`true`))
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	events := c.waitFor(t, 1)
	e := events[0]
	if e.Key != "/self" || e.Revision != rev || e.Origin != s.ID() {
		t.Errorf("Unexpected event %+v (rev %d, origin %s)", e, rev, s.ID())
	}
	if e.OldValue != nil {
		t.Errorf("OldValue of a new key must be nil, got %q", e.OldValue)
	}
	if !bytes.Equal(e.NewValue, []byte(`true`)) {
		t.Errorf("Unexpected NewValue %q", e.NewValue)
	}
}

func testCrossHandle(t *testing.T, open func() storage.IStorage) {
	a := openHandle(t, open)
	b := openHandle(t, open)

	ca, cb := newCollector(), newCollector()
	subscribe(t, a, ca)
	subscribe(t, b, cb)

	if _, err := b.Set("/shared", []byte(`"x"`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	ea := ca.waitFor(t, 1)[0]
	eb := cb.waitFor(t, 1)[0]
	if ea.Origin != b.ID() || eb.Origin != b.ID() {
		t.Errorf("Origin should be the writer: %s / %s, want %s", ea.Origin, eb.Origin, b.ID())
	}
	if ea.Revision != eb.Revision {
		t.Errorf("Both handles must see the same revision: %d != %d", ea.Revision, eb.Revision)
	}
}

func testDeletionEvent(t *testing.T, open func() storage.IStorage) {
	writer := openHandle(t, open)
	reader := openHandle(t, open)

	if _, err := writer.Set("/color", []byte(`"blue"`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	c := newCollector()
	subscribe(t, reader, c)

	if _, err := writer.Remove("/color"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	e := c.waitFor(t, 1)[0]
	if !e.IsDeletion() {
		t.Fatalf("Expected deletion event, got %+v", e)
	}
	if !bytes.Equal(e.OldValue, []byte(`"blue"`)) {
		t.Errorf("OldValue should be the removed value, got %q", e.OldValue)
	}
}

func testPerKeyOrder(t *testing.T, open func() storage.IStorage) {
	s := openHandle(t, open)
	c := newCollector()
	subscribe(t, s, c)

	const n = 50
	for i := 0; i < n; i++ {
		if _, err := s.Set("/counter", []byte(fmt.Sprintf("%d", i))); err != nil {
			t.Fatalf("Set %d failed: %v", i, err)
		}
	}

	events := c.waitFor(t, n)
	var last uint64
	for i, e := range events[:n] {
		if want := fmt.Sprintf("%d", i); string(e.NewValue) != want {
			t.Fatalf("Event %d out of order: got %s want %s", i, e.NewValue, want)
		}
		if e.Revision <= last {
			t.Fatalf("Revisions must increase per key: %d after %d", e.Revision, last)
		}
		last = e.Revision
	}
}

func testUnsubscribeInsideListener(t *testing.T, open func() storage.IStorage) {
	s := openHandle(t, open)

	var calls atomic.Int32
	var unsubscribe func()
	ready := make(chan struct{})
	unsubscribe, err := s.Subscribe(func(event storage.ChangeEvent) {
		<-ready
		calls.Add(1)
		unsubscribe()
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	close(ready)

	// a second listener shows when all events went through
	c := newCollector()
	subscribe(t, s, c)

	for i := 0; i < 5; i++ {
		if _, err := s.Set("/k", []byte(fmt.Sprintf("%d", i))); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}
	c.waitFor(t, 5)

	// give the first delivery goroutine a moment to drain
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("Listener should have been called once, got %d", got)
	}

	// calling the unsubscribe function again is a no-op
	unsubscribe()
}

func testClosed(t *testing.T, open func() storage.IStorage) {
	s := open()
	c := newCollector()
	subscribe(t, s, c)

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// closing twice is fine
	if err := s.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if _, err := s.Set("/k", []byte(`1`)); !errors.Is(err, storage.ErrClosed) {
		t.Errorf("Set on closed handle: expected ErrClosed, got %v", err)
	}
	if _, _, _, err := s.Get("/k"); !errors.Is(err, storage.ErrClosed) {
		t.Errorf("Get on closed handle: expected ErrClosed, got %v", err)
	}
	if _, err := s.Subscribe(c.listen); !errors.Is(err, storage.ErrClosed) {
		t.Errorf("Subscribe on closed handle: expected ErrClosed, got %v", err)
	}

	// writes through another handle no longer reach the closed handle's listener
	other := openHandle(t, open)
	if _, err := other.Set("/k", []byte(`2`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if c.count() != 0 {
		t.Errorf("Closed handle received %d events", c.count())
	}
}
