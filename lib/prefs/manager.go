package prefs

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/ValentinKolb/dPref/lib/storage"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("prefs")

// --------------------------------------------------------------------------
// Listener
// --------------------------------------------------------------------------

// Listener is notified with the new effective value of a preference
type Listener interface {
	OnChange(value any)
}

// ListenerFunc adapts a function to the Listener interface
type ListenerFunc func(value any)

// OnChange calls f(value)
func (f ListenerFunc) OnChange(value any) {
	f(value)
}

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

type options struct {
	prefix string
	name   string
}

// Option configures a Manager
type Option func(*options)

// WithKeyPrefix sets the prefix that maps preference names to storage keys.
// The default is DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithName sets the label the manager uses in log messages
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// --------------------------------------------------------------------------
// Manager
// --------------------------------------------------------------------------

// Manager owns a set of preferences stored on one storage handle.
// All methods are safe for concurrent use.
type Manager struct {
	name        string
	storage     storage.IStorage
	keys        keyMapper
	records     *xsync.MapOf[string, *record]
	unsubscribe func()
	closed      atomic.Bool
}

// NewManager creates a manager on the given storage handle and subscribes to its
// change events. The handle is not closed by the manager.
func NewManager(s storage.IStorage, opts ...Option) (*Manager, error) {
	if s == nil {
		return nil, newError(CodeInvalidArgument, "", "storage must not be nil")
	}

	o := options{prefix: DefaultKeyPrefix, name: s.ID()}
	for _, opt := range opts {
		opt(&o)
	}

	m := &Manager{
		name:    o.name,
		storage: s,
		keys:    keyMapper{prefix: o.prefix},
		records: xsync.NewMapOf[string, *record](),
	}

	unsubscribe, err := s.Subscribe(m.Reconcile)
	if err != nil {
		return nil, fmt.Errorf("prefs: subscribe to storage: %w", err)
	}
	m.unsubscribe = unsubscribe

	Logger.Infof("[%s] manager started (key prefix %q)", m.name, o.prefix)
	return m, nil
}

// DefinePreference defines a preference with its default value. The effective value
// is resolved from storage at once. If onChange is not nil it is registered and
// called with the resolved value before DefinePreference returns.
func (m *Manager) DefinePreference(name string, defaultValue any, onChange Listener) error {
	if m.closed.Load() {
		return wrapError(CodeClosed, name, nil)
	}
	if err := validateName(name); err != nil {
		return err
	}

	def, err := normalize(defaultValue)
	if err != nil {
		return wrapError(CodeSerialization, name, err)
	}

	rec := newRecord(name, m.keys.key(name), def)

	// events for this key wait until the initial callback ran
	rec.notifyMu.Lock()
	defer rec.notifyMu.Unlock()

	rec.mu.Lock()
	if _, loaded := m.records.LoadOrStore(name, rec); loaded {
		rec.mu.Unlock()
		return newError(CodeInvalidArgument, name, "preference is already defined")
	}

	// read after the record is visible, so no event for the key can be missed
	raw, ok, revision, err := m.storage.Get(rec.key)
	if err != nil {
		m.records.Delete(name)
		rec.dropped = true
		rec.mu.Unlock()
		return fmt.Errorf("prefs: read preference %q: %w", name, err)
	}
	if ok {
		rec.current = m.resolve(rec, raw)
	}
	// events up to the revision of the read are already contained in it
	rec.lastRevision = revision

	var entry *listenerEntry
	if onChange != nil {
		entry = &listenerEntry{listener: onChange}
		entry.active.Store(true)
		rec.listeners = append(rec.listeners, entry)
	}
	value := rec.current
	rec.mu.Unlock()

	Logger.Debugf("[%s] defined preference %q (stored override: %t)", m.name, name, ok)

	if entry != nil {
		m.notify(rec, []*listenerEntry{entry}, value)
	}
	return nil
}

// Get returns the effective value of a preference. The value reflects the last
// processed change event, a Set is visible only once its event was processed.
func (m *Manager) Get(name string) (any, error) {
	rec, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	return clone(rec.value()), nil
}

// Set writes a value to storage. The effective value is updated when the resulting
// change event is processed, the returned Pending resolves at that moment.
func (m *Manager) Set(name string, value any) (*Pending, error) {
	rec, err := m.lookup(name)
	if err != nil {
		return nil, err
	}

	data, err := encode(value)
	if err != nil {
		return nil, wrapError(CodeSerialization, name, err)
	}

	rev, err := m.storage.Set(rec.key, data)
	if err != nil {
		return nil, fmt.Errorf("prefs: write preference %q: %w", name, err)
	}
	return m.track(rec, rev), nil
}

// Reset removes the stored override of a preference. Once the deletion event is
// processed the effective value is the default again. If no override was stored the
// returned Pending is already resolved.
func (m *Manager) Reset(name string) (*Pending, error) {
	rec, err := m.lookup(name)
	if err != nil {
		return nil, err
	}

	rev, err := m.storage.Remove(rec.key)
	if err != nil {
		return nil, fmt.Errorf("prefs: remove preference %q: %w", name, err)
	}
	return m.track(rec, rev), nil
}

// Watch registers an additional listener. It is not called with the current value.
// The returned function removes the listener, it may be called from inside a listener.
func (m *Manager) Watch(name string, l Listener) (func(), error) {
	if l == nil {
		return nil, newError(CodeInvalidArgument, name, "listener must not be nil")
	}
	rec, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	entry, ok := rec.addListener(l)
	if !ok {
		return nil, wrapError(CodeUnknownPreference, name, nil)
	}
	return func() { rec.removeListener(entry) }, nil
}

// Undefine removes a preference from the manager. The stored value is kept,
// later events for its key are ignored. Pending writes fail with ErrUnknownPreference.
func (m *Manager) Undefine(name string) error {
	if m.closed.Load() {
		return wrapError(CodeClosed, name, nil)
	}
	rec, ok := m.records.LoadAndDelete(name)
	if !ok {
		return wrapError(CodeUnknownPreference, name, nil)
	}
	rec.drop(wrapError(CodeUnknownPreference, name, errors.New("preference was undefined")))
	Logger.Debugf("[%s] undefined preference %q", m.name, name)
	return nil
}

// Names returns the names of all defined preferences in sorted order
func (m *Manager) Names() []string {
	names := make([]string, 0, m.records.Size())
	m.records.Range(func(name string, _ *record) bool {
		names = append(names, name)
		return true
	})
	slices.Sort(names)
	return names
}

// Reconcile processes one change event of the storage medium. The manager calls it
// for every event of its subscription. Events for keys that do not map to a defined
// preference are ignored. A deletion resets the preference to its default.
// Listeners are called in registration order if the effective value changed.
func (m *Manager) Reconcile(event storage.ChangeEvent) {
	if m.closed.Load() {
		return
	}
	eventsTotal.Inc()

	name, ok := m.keys.name(event.Key)
	if !ok {
		eventsIgnoredTotal.Inc()
		return
	}
	rec, ok := m.records.Load(name)
	if !ok {
		eventsIgnoredTotal.Inc()
		return
	}

	value := rec.defaultValue
	if !event.IsDeletion() {
		value = m.resolve(rec, event.NewValue)
	}

	rec.notifyMu.Lock()
	defer rec.notifyMu.Unlock()

	res := rec.apply(value, event.Revision)
	if res.stale {
		Logger.Debugf("[%s] skipped stale event %s", m.name, event)
		eventsIgnoredTotal.Inc()
		return
	}
	if res.changed {
		Logger.Debugf("[%s] preference %q changed by event %s", m.name, name, event)
		m.notify(rec, res.listeners, value)
	} else {
		notificationsSuppressed.Inc()
	}
	for _, p := range res.resolved {
		p.resolve(nil)
	}
}

// Close unsubscribes from storage and drops all preferences. Pending writes fail
// with ErrClosed. Calling Close more than once is a no-op.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.unsubscribe()

	m.records.Range(func(name string, rec *record) bool {
		m.records.Delete(name)
		rec.drop(wrapError(CodeClosed, name, nil))
		return true
	})
	Logger.Infof("[%s] manager closed", m.name)
	return nil
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

// lookup returns the record of a defined preference
func (m *Manager) lookup(name string) (*record, error) {
	if m.closed.Load() {
		return nil, wrapError(CodeClosed, name, nil)
	}
	rec, ok := m.records.Load(name)
	if !ok {
		return nil, wrapError(CodeUnknownPreference, name, nil)
	}
	return rec, nil
}

// resolve returns the effective value for stored text. Malformed text and a
// stored null fall back to the default.
func (m *Manager) resolve(rec *record, raw []byte) any {
	value, err := decode(raw)
	if err != nil {
		malformedStoredValueTotal.Inc()
		Logger.Warningf("[%s] %v, using default",
			m.name, wrapError(CodeMalformedStoredValue, rec.name, err))
		return rec.defaultValue
	}
	if value == nil {
		return rec.defaultValue
	}
	return value
}

// track returns the Pending of a write with the given revision
func (m *Manager) track(rec *record, revision uint64) *Pending {
	p := newPending(rec.name, revision)
	if revision == 0 {
		p.resolve(nil)
		return p
	}
	if !rec.addWaiter(p) {
		if m.closed.Load() {
			p.resolve(wrapError(CodeClosed, rec.name, nil))
		} else {
			p.resolve(wrapError(CodeUnknownPreference, rec.name, nil))
		}
	}
	return p
}

// notify calls the listeners with the value. The caller must hold rec.notifyMu.
func (m *Manager) notify(rec *record, listeners []*listenerEntry, value any) {
	for _, entry := range listeners {
		if !entry.active.Load() {
			continue
		}
		notificationsTotal.Inc()
		m.call(rec, entry.listener, clone(value))
	}
}

// call invokes a single listener and recovers from a panic
func (m *Manager) call(rec *record, l Listener, value any) {
	defer func() {
		if r := recover(); r != nil {
			listenerPanicsTotal.Inc()
			Logger.Errorf("[%s] listener of preference %q panicked: %v", m.name, rec.name, r)
		}
	}()
	l.OnChange(value)
}
