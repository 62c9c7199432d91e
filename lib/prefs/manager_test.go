package prefs

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/ValentinKolb/dPref/lib/storage"
)

func newTestManager(t *testing.T, opts ...Option) (*Manager, *fakeStorage) {
	t.Helper()
	fs := newFakeStorage()
	m, err := NewManager(fs, opts...)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m, fs
}

func mustGet(t *testing.T, m *Manager, name string) any {
	t.Helper()
	v, err := m.Get(name)
	if err != nil {
		t.Fatalf("Get(%q) failed: %v", name, err)
	}
	return v
}

func TestDefaultWhenAbsent(t *testing.T) {
	m, _ := newTestManager(t)

	defaults := map[string]any{
		"color":   "red",
		"size":    12.0,
		"enabled": true,
		"tags":    []any{"a", "b"},
		"font":    map[string]any{"family": "mono", "size": 10.0},
	}
	for name, def := range defaults {
		if err := m.DefinePreference(name, def, nil); err != nil {
			t.Fatalf("DefinePreference(%q) failed: %v", name, err)
		}
	}
	for name, def := range defaults {
		if got := mustGet(t, m, name); !reflect.DeepEqual(got, def) {
			t.Errorf("Get(%q) = %#v, expected %#v", name, got, def)
		}
	}
}

func TestDefaultIsNormalized(t *testing.T) {
	m, _ := newTestManager(t)

	type font struct {
		Family string `json:"family"`
		Size   int    `json:"size"`
	}
	if err := m.DefinePreference("font", font{"mono", 10}, nil); err != nil {
		t.Fatal(err)
	}
	expected := map[string]any{"family": "mono", "size": 10.0}
	if got := mustGet(t, m, "font"); !reflect.DeepEqual(got, expected) {
		t.Errorf("Expected %#v, got %#v", expected, got)
	}
}

func TestDefineInitialCallback(t *testing.T) {
	m, fs := newTestManager(t)
	fs.external("/color", []byte(`"green"`))

	rec := &recorder{}
	if err := m.DefinePreference("color", "red", rec); err != nil {
		t.Fatal(err)
	}
	if calls := rec.calls(); len(calls) != 1 || calls[0] != "green" {
		t.Errorf("Expected one initial call with green, got %v", calls)
	}
	if got := mustGet(t, m, "color"); got != "green" {
		t.Errorf("Expected stored value green, got %v", got)
	}
}

func TestDefineErrors(t *testing.T) {
	m, fs := newTestManager(t)
	if err := m.DefinePreference("color", "red", nil); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		pref     string
		def      any
		expected error
	}{
		{"duplicate", "color", "blue", ErrInvalidArgument},
		{"empty name", "", 1, ErrInvalidArgument},
		{"invalid utf8", "\xff\xfe", 1, ErrInvalidArgument},
		{"nul byte", "a\x00b", 1, ErrInvalidArgument},
		{"unencodable default", "ch", make(chan int), ErrSerialization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.DefinePreference(tt.pref, tt.def, nil)
			if !errors.Is(err, tt.expected) {
				t.Errorf("Expected %v, got %v", tt.expected, err)
			}
		})
	}

	// the duplicate must not have replaced the original
	if got := mustGet(t, m, "color"); got != "red" {
		t.Errorf("Expected red, got %v", got)
	}

	fs.getErr = errors.New("medium unavailable")
	if err := m.DefinePreference("broken", 1, nil); err == nil {
		t.Errorf("Expected storage error")
	}
	if _, err := m.Get("broken"); !errors.Is(err, ErrUnknownPreference) {
		t.Errorf("failed definition must not leave a preference behind, got %v", err)
	}
}

func TestUnknownPreference(t *testing.T) {
	m, _ := newTestManager(t)

	if _, err := m.Get("nope"); !errors.Is(err, ErrUnknownPreference) {
		t.Errorf("Get: expected ErrUnknownPreference, got %v", err)
	}
	if _, err := m.Set("nope", 1); !errors.Is(err, ErrUnknownPreference) {
		t.Errorf("Set: expected ErrUnknownPreference, got %v", err)
	}
	if _, err := m.Reset("nope"); !errors.Is(err, ErrUnknownPreference) {
		t.Errorf("Reset: expected ErrUnknownPreference, got %v", err)
	}
	if _, err := m.Watch("nope", &recorder{}); !errors.Is(err, ErrUnknownPreference) {
		t.Errorf("Watch: expected ErrUnknownPreference, got %v", err)
	}
	if err := m.Undefine("nope"); !errors.Is(err, ErrUnknownPreference) {
		t.Errorf("Undefine: expected ErrUnknownPreference, got %v", err)
	}
}

func TestColorScenario(t *testing.T) {
	m, fs := newTestManager(t)

	rec := &recorder{}
	if err := m.DefinePreference("color", "red", rec); err != nil {
		t.Fatal(err)
	}

	// another context writes blue
	fs.external("/color", []byte(`"blue"`))
	fs.emit(storage.ChangeEvent{Key: "/color", NewValue: []byte(`"blue"`), Revision: 1})

	if got := mustGet(t, m, "color"); got != "blue" {
		t.Errorf("Expected blue, got %v", got)
	}
	if calls := rec.calls(); len(calls) != 2 || calls[1] != "blue" {
		t.Errorf("Expected callback with blue, got %v", calls)
	}

	// another context removes the override
	fs.external("/color", nil)
	fs.emit(storage.ChangeEvent{Key: "/color", OldValue: []byte(`"blue"`), Revision: 2})

	if got := mustGet(t, m, "color"); got != "red" {
		t.Errorf("Expected red after deletion, got %v", got)
	}
	if calls := rec.calls(); len(calls) != 3 || calls[2] != "red" {
		t.Errorf("Expected exactly one callback with red, got %v", calls)
	}
}

func TestExternalDeletionOfDefaultValue(t *testing.T) {
	m, fs := newTestManager(t)

	rec := &recorder{}
	if err := m.DefinePreference("color", "red", rec); err != nil {
		t.Fatal(err)
	}

	// the stored value equals the default, removing it changes nothing
	fs.emit(storage.ChangeEvent{Key: "/color", NewValue: []byte(`"red"`), Revision: 1})
	fs.emit(storage.ChangeEvent{Key: "/color", OldValue: []byte(`"red"`), Revision: 2})

	if calls := rec.calls(); len(calls) != 1 {
		t.Errorf("Expected only the initial callback, got %v", calls)
	}
}

func TestUnmappedKeyIgnored(t *testing.T) {
	m, fs := newTestManager(t, WithKeyPrefix("/app/"))

	rec := &recorder{}
	if err := m.DefinePreference("color", "red", rec); err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{"/color", "/app/", "/app/size", "other/app/color", ""} {
		fs.emit(storage.ChangeEvent{Key: key, NewValue: []byte(`"blue"`)})
	}

	if got := mustGet(t, m, "color"); got != "red" {
		t.Errorf("Expected red, got %v", got)
	}
	if calls := rec.calls(); len(calls) != 1 {
		t.Errorf("Expected only the initial callback, got %v", calls)
	}

	fs.emit(storage.ChangeEvent{Key: "/app/color", NewValue: []byte(`"blue"`)})
	if got := mustGet(t, m, "color"); got != "blue" {
		t.Errorf("Expected blue under the prefix, got %v", got)
	}
}

func TestDuplicateEventIsIdempotent(t *testing.T) {
	m, fs := newTestManager(t)

	rec := &recorder{}
	if err := m.DefinePreference("color", "red", rec); err != nil {
		t.Fatal(err)
	}

	// with and without revision
	for _, rev := range []uint64{0, 7} {
		event := storage.ChangeEvent{Key: "/color", NewValue: []byte(`"blue"`), Revision: rev}
		fs.emit(event)
		fs.emit(event)
	}

	if calls := rec.calls(); len(calls) != 2 {
		t.Errorf("Expected the initial callback plus one change, got %v", calls)
	}
}

func TestStaleEventSkipped(t *testing.T) {
	m, fs := newTestManager(t)
	if err := m.DefinePreference("color", "red", nil); err != nil {
		t.Fatal(err)
	}

	fs.emit(storage.ChangeEvent{Key: "/color", NewValue: []byte(`"green"`), Revision: 5})
	fs.emit(storage.ChangeEvent{Key: "/color", NewValue: []byte(`"blue"`), Revision: 3})

	if got := mustGet(t, m, "color"); got != "green" {
		t.Errorf("Expected green, an older revision must not win, got %v", got)
	}
}

func TestEventsBeforeDefinitionSkipped(t *testing.T) {
	m, fs := newTestManager(t)

	// both writes are committed before the definition, their events arrive after it
	if _, err := fs.Set("/color", []byte(`"blue"`)); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Set("/color", []byte(`"green"`)); err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	if err := m.DefinePreference("color", "red", rec); err != nil {
		t.Fatal(err)
	}
	if got := mustGet(t, m, "color"); got != "green" {
		t.Fatalf("Expected stored green, got %v", got)
	}

	if !fs.deliverNext() {
		t.Fatal("Expected a queued event")
	}
	if got := mustGet(t, m, "color"); got != "green" {
		t.Errorf("an event older than the definition must not revert the value, got %v", got)
	}

	fs.flush()
	if got := mustGet(t, m, "color"); got != "green" {
		t.Errorf("Expected green, got %v", got)
	}
	if calls := rec.calls(); !reflect.DeepEqual(calls, []any{"green"}) {
		t.Errorf("Expected only the initial callback, got %v", calls)
	}

	// a write after the definition is applied
	if _, err := fs.Set("/color", []byte(`"blue"`)); err != nil {
		t.Fatal(err)
	}
	fs.flush()
	if got := mustGet(t, m, "color"); got != "blue" {
		t.Errorf("Expected blue, got %v", got)
	}
}

func TestRoundTrip(t *testing.T) {
	values := []struct {
		name  string
		value any
	}{
		{"string", "blue"},
		{"empty string", ""},
		{"number", 42.5},
		{"zero", 0.0},
		{"bool", false},
		{"array", []any{1.0, "two", true, nil}},
		{"object", map[string]any{"a": map[string]any{"b": []any{"c"}}}},
		{"unicode", "grün ☕"},
	}

	for _, tt := range values {
		t.Run(tt.name, func(t *testing.T) {
			m, fs := newTestManager(t)
			if err := m.DefinePreference("p", "default", nil); err != nil {
				t.Fatal(err)
			}
			if _, err := m.Set("p", tt.value); err != nil {
				t.Fatal(err)
			}
			fs.flush()
			if got := mustGet(t, m, "p"); !reflect.DeepEqual(got, tt.value) {
				t.Errorf("Expected %#v, got %#v", tt.value, got)
			}
		})
	}
}

func TestResetLaw(t *testing.T) {
	for _, v := range []any{"blue", 1.0, map[string]any{"x": 1.0}, "red"} {
		m, fs := newTestManager(t)
		if err := m.DefinePreference("color", "red", nil); err != nil {
			t.Fatal(err)
		}

		if _, err := m.Set("color", v); err != nil {
			t.Fatal(err)
		}
		fs.flush()
		if _, err := m.Reset("color"); err != nil {
			t.Fatal(err)
		}
		fs.flush()

		if got := mustGet(t, m, "color"); got != "red" {
			t.Errorf("Set(%v)+Reset: expected red, got %v", v, got)
		}
		if _, ok, _, _ := fs.Get("/color"); ok {
			t.Errorf("Reset must remove the stored override")
		}
	}
}

func TestSetIsEventuallyConsistent(t *testing.T) {
	m, fs := newTestManager(t)
	rec := &recorder{}
	if err := m.DefinePreference("color", "red", rec); err != nil {
		t.Fatal(err)
	}

	p, err := m.Set("color", "blue")
	if err != nil {
		t.Fatal(err)
	}

	// the write is in storage, the effective value follows the event
	if got := mustGet(t, m, "color"); got != "red" {
		t.Errorf("Expected the old value before the event, got %v", got)
	}
	select {
	case <-p.Done():
		t.Errorf("Pending must not resolve before the event")
	default:
	}

	if n := fs.flush(); n != 1 {
		t.Errorf("Expected exactly one event, got %d", n)
	}
	if got := mustGet(t, m, "color"); got != "blue" {
		t.Errorf("Expected blue after the event, got %v", got)
	}
	if err := p.Wait(context.Background()); err != nil {
		t.Errorf("Wait failed: %v", err)
	}
	if calls := rec.calls(); len(calls) != 2 || calls[1] != "blue" {
		t.Errorf("Expected callback with blue, got %v", calls)
	}
}

func TestSetSameValueNotifiesNobody(t *testing.T) {
	m, fs := newTestManager(t)
	rec := &recorder{}
	if err := m.DefinePreference("color", "red", rec); err != nil {
		t.Fatal(err)
	}

	p, err := m.Set("color", "red")
	if err != nil {
		t.Fatal(err)
	}
	fs.flush()

	if err := p.Wait(context.Background()); err != nil {
		t.Errorf("Pending must resolve on a suppressed event: %v", err)
	}
	if calls := rec.calls(); len(calls) != 1 {
		t.Errorf("Expected only the initial callback, got %v", calls)
	}
}

func TestSetSerializationError(t *testing.T) {
	m, fs := newTestManager(t)
	if err := m.DefinePreference("p", 1, nil); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Set("p", func() {}); !errors.Is(err, ErrSerialization) {
		t.Errorf("Expected ErrSerialization, got %v", err)
	}
	if n := fs.flush(); n != 0 {
		t.Errorf("Nothing must be written, got %d events", n)
	}
}

func TestSetNullMeansDefault(t *testing.T) {
	m, fs := newTestManager(t)
	if err := m.DefinePreference("color", "red", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Set("color", "blue"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Set("color", nil); err != nil {
		t.Fatal(err)
	}
	fs.flush()

	if got := mustGet(t, m, "color"); got != "red" {
		t.Errorf("Expected a stored null to resolve to the default, got %v", got)
	}
}

func TestMalformedStoredValue(t *testing.T) {
	m, fs := newTestManager(t)
	fs.external("/size", []byte(`{not json`))

	rec := &recorder{}
	if err := m.DefinePreference("size", 10.0, rec); err != nil {
		t.Fatalf("malformed stored text must not fail the definition: %v", err)
	}
	if got := mustGet(t, m, "size"); got != 10.0 {
		t.Errorf("Expected default 10, got %v", got)
	}

	fs.emit(storage.ChangeEvent{Key: "/size", NewValue: []byte(`12`), Revision: 1})
	fs.emit(storage.ChangeEvent{Key: "/size", NewValue: []byte(`"unterminated`), Revision: 2})

	if got := mustGet(t, m, "size"); got != 10.0 {
		t.Errorf("Expected default after malformed event, got %v", got)
	}
	expected := []any{10.0, 12.0, 10.0}
	if calls := rec.calls(); !reflect.DeepEqual(calls, expected) {
		t.Errorf("Expected %v, got %v", expected, calls)
	}
}

func TestPanickingListenerIsolated(t *testing.T) {
	m, fs := newTestManager(t)

	var order []string
	first := ListenerFunc(func(v any) { order = append(order, "first") })
	panicking := ListenerFunc(func(v any) {
		order = append(order, "panic")
		panic("listener failure")
	})
	last := ListenerFunc(func(v any) { order = append(order, "last") })

	if err := m.DefinePreference("color", "red", first); err != nil {
		t.Fatal(err)
	}
	for _, l := range []Listener{panicking, last} {
		if _, err := m.Watch("color", l); err != nil {
			t.Fatal(err)
		}
	}
	order = nil

	if _, err := m.Set("color", "blue"); err != nil {
		t.Fatal(err)
	}
	fs.flush()

	if !reflect.DeepEqual(order, []string{"first", "panic", "last"}) {
		t.Errorf("Expected every listener in registration order, got %v", order)
	}
	if got := mustGet(t, m, "color"); got != "blue" {
		t.Errorf("A panicking listener must not corrupt the value, got %v", got)
	}
}

func TestWatch(t *testing.T) {
	m, fs := newTestManager(t)
	if err := m.DefinePreference("color", "red", nil); err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	unsubscribe, err := m.Watch("color", rec)
	if err != nil {
		t.Fatal(err)
	}
	if calls := rec.calls(); len(calls) != 0 {
		t.Errorf("Watch must not call the listener, got %v", calls)
	}
	if _, err := m.Watch("color", nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for nil listener, got %v", err)
	}

	_, _ = m.Set("color", "blue")
	fs.flush()
	unsubscribe()
	unsubscribe()
	_, _ = m.Set("color", "green")
	fs.flush()

	if calls := rec.calls(); !reflect.DeepEqual(calls, []any{"blue"}) {
		t.Errorf("Expected [blue], got %v", calls)
	}
}

func TestUnsubscribeInsideCallback(t *testing.T) {
	m, fs := newTestManager(t)
	if err := m.DefinePreference("color", "red", nil); err != nil {
		t.Fatal(err)
	}

	var unsubscribeSecond func()
	var firstCalls, secondCalls, thirdCalls int

	if _, err := m.Watch("color", ListenerFunc(func(any) {
		firstCalls++
		unsubscribeSecond()
	})); err != nil {
		t.Fatal(err)
	}
	unsubscribeSecond, _ = m.Watch("color", ListenerFunc(func(any) { secondCalls++ }))

	var unsubscribeSelf func()
	unsubscribeSelf, _ = m.Watch("color", ListenerFunc(func(any) {
		thirdCalls++
		unsubscribeSelf()
	}))

	_, _ = m.Set("color", "blue")
	_, _ = m.Set("color", "green")
	fs.flush()

	if firstCalls != 2 {
		t.Errorf("still subscribed listener must see both changes, got %d", firstCalls)
	}
	if secondCalls != 0 {
		t.Errorf("listener removed during the notification must not be called, got %d", secondCalls)
	}
	if thirdCalls != 1 {
		t.Errorf("listener that removed itself must be called once, got %d", thirdCalls)
	}
}

func TestListenerMayWrite(t *testing.T) {
	m, fs := newTestManager(t)
	if err := m.DefinePreference("a", 0.0, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.DefinePreference("b", 0.0, nil); err != nil {
		t.Fatal(err)
	}

	// mirror a into b
	if _, err := m.Watch("a", ListenerFunc(func(v any) {
		if _, err := m.Set("b", v); err != nil {
			t.Errorf("Set inside listener failed: %v", err)
		}
	})); err != nil {
		t.Fatal(err)
	}

	_, _ = m.Set("a", 3.0)
	fs.flush()

	if got := mustGet(t, m, "b"); got != 3.0 {
		t.Errorf("Expected b to follow a, got %v", got)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.DefinePreference("font", map[string]any{"size": 10}, nil); err != nil {
		t.Fatal(err)
	}

	v := mustGet(t, m, "font").(map[string]any)
	v["size"] = 99.0

	if got := mustGet(t, m, "font").(map[string]any)["size"]; got != 10.0 {
		t.Errorf("modifying a returned value must not change the preference, got %v", got)
	}
}

func TestPendingResolution(t *testing.T) {
	t.Run("ResetWithoutOverride", func(t *testing.T) {
		m, _ := newTestManager(t)
		_ = m.DefinePreference("color", "red", nil)

		p, err := m.Reset("color")
		if err != nil {
			t.Fatal(err)
		}
		if p.Revision() != 0 {
			t.Errorf("Expected revision 0, got %d", p.Revision())
		}
		select {
		case <-p.Done():
		default:
			t.Errorf("Pending of an empty reset must already be resolved")
		}
	})

	t.Run("LaterRevisionResolves", func(t *testing.T) {
		m, fs := newTestManager(t)
		_ = m.DefinePreference("color", "red", nil)

		p, _ := m.Set("color", "blue")
		fs.mu.Lock()
		fs.queue = nil
		fs.mu.Unlock()
		fs.emit(storage.ChangeEvent{Key: "/color", NewValue: []byte(`"green"`), Revision: p.Revision() + 1})

		if err := p.Err(); err != nil {
			t.Errorf("Expected nil error, got %v", err)
		}
		select {
		case <-p.Done():
		default:
			t.Errorf("a later revision of the same key must resolve the write")
		}
	})

	t.Run("WaitTimesOut", func(t *testing.T) {
		m, _ := newTestManager(t)
		_ = m.DefinePreference("color", "red", nil)

		p, _ := m.Set("color", "blue")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		if err := p.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Expected deadline exceeded, got %v", err)
		}
	})

	t.Run("Undefine", func(t *testing.T) {
		m, fs := newTestManager(t)
		_ = m.DefinePreference("color", "red", nil)

		p, _ := m.Set("color", "blue")
		if err := m.Undefine("color"); err != nil {
			t.Fatal(err)
		}
		if err := p.Wait(context.Background()); !errors.Is(err, ErrUnknownPreference) {
			t.Errorf("Expected ErrUnknownPreference, got %v", err)
		}

		// events of an undefined preference are ignored
		fs.flush()
		if _, err := m.Get("color"); !errors.Is(err, ErrUnknownPreference) {
			t.Errorf("Expected ErrUnknownPreference, got %v", err)
		}
		if err := m.DefinePreference("color", "red", nil); err != nil {
			t.Errorf("redefining an undefined preference failed: %v", err)
		}
		if got := mustGet(t, m, "color"); got != "blue" {
			t.Errorf("the stored value must survive undefine, got %v", got)
		}
	})

	t.Run("Close", func(t *testing.T) {
		m, _ := newTestManager(t)
		_ = m.DefinePreference("color", "red", nil)

		p, _ := m.Set("color", "blue")
		if err := m.Close(); err != nil {
			t.Fatal(err)
		}
		if err := p.Wait(context.Background()); !errors.Is(err, ErrClosed) {
			t.Errorf("Expected ErrClosed, got %v", err)
		}
	})
}

func TestClose(t *testing.T) {
	m, fs := newTestManager(t)
	rec := &recorder{}
	_ = m.DefinePreference("color", "red", rec)

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close must be a no-op, got %v", err)
	}

	fs.emit(storage.ChangeEvent{Key: "/color", NewValue: []byte(`"blue"`)})
	if calls := rec.calls(); len(calls) != 1 {
		t.Errorf("no listener may run after Close, got %v", calls)
	}
	if len(fs.listeners) != 0 {
		t.Errorf("Close must release the subscription")
	}

	if _, err := m.Get("color"); !errors.Is(err, ErrClosed) {
		t.Errorf("Get: expected ErrClosed, got %v", err)
	}
	if err := m.DefinePreference("size", 1, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("DefinePreference: expected ErrClosed, got %v", err)
	}
}

func TestNames(t *testing.T) {
	m, _ := newTestManager(t)
	for _, name := range []string{"b", "c", "a"} {
		_ = m.DefinePreference(name, 1, nil)
	}
	_ = m.Undefine("c")

	if names := m.Names(); !reflect.DeepEqual(names, []string{"a", "b"}) {
		t.Errorf("Expected [a b], got %v", names)
	}
}

func TestErrorMessage(t *testing.T) {
	err := newError(CodeInvalidArgument, "color", "preference is already defined")
	expected := `PrefsError (code InvalidArgument) preference "color": preference is already defined`
	if err.Error() != expected {
		t.Errorf("Expected %q, got %q", expected, err.Error())
	}
	if errors.Is(err, ErrUnknownPreference) {
		t.Errorf("codes must not match across kinds")
	}
}
