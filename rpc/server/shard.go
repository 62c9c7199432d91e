package server

import (
	"errors"
	"fmt"

	"github.com/ValentinKolb/dPref/lib/storage"
	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	sessionsOpened = metrics.NewCounter("dpref_rpc_sessions_opened_total")
	sessionsClosed = metrics.NewCounter("dpref_rpc_sessions_closed_total")
)

// Shard is one served medium. The server handle feeds the change log, every client
// writes through a handle of its own session so events carry the id of the client.
type Shard struct {
	ID      uint64
	Storage storage.IStorage
	Changes *ChangeLog
	Adapter IRPCServerAdapter

	open func() (storage.IStorage, error)
	// TODO: expire sessions of clients that exit without sending CloseSession
	sessions    *xsync.MapOf[string, storage.IStorage]
	unsubscribe func()
}

// newShard subscribes the change log to the server handle of the medium
func newShard(id uint64, changeLogSize int, open func() (storage.IStorage, error)) (*Shard, error) {
	st, err := open()
	if err != nil {
		return nil, err
	}

	shard := &Shard{
		ID:       id,
		Storage:  st,
		Changes:  NewChangeLog(changeLogSize),
		Adapter:  NewIStorageServerAdapter(),
		open:     open,
		sessions: xsync.NewMapOf[string, storage.IStorage](),
	}

	shard.unsubscribe, err = st.Subscribe(func(event storage.ChangeEvent) {
		seq := shard.Changes.Append(event)
		Logger.Debugf("shard %d: change %d %s", id, seq, event)
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("subscribing to shard %d: %w", id, err)
	}
	return shard, nil
}

// OpenSession opens a new handle on the medium and returns its id
func (s *Shard) OpenSession() (string, error) {
	st, err := s.open()
	if err != nil {
		return "", err
	}
	s.sessions.Store(st.ID(), st)
	sessionsOpened.Inc()
	Logger.Debugf("shard %d: opened session %s", s.ID, st.ID())
	return st.ID(), nil
}

// Session returns the handle of a session, the empty id selects the server handle
func (s *Shard) Session(id string) (storage.IStorage, error) {
	if id == "" {
		return s.Storage, nil
	}
	st, ok := s.sessions.Load(id)
	if !ok {
		return nil, fmt.Errorf("session %s not found on shard %d", id, s.ID)
	}
	return st, nil
}

// CloseSession closes the handle of a session
func (s *Shard) CloseSession(id string) error {
	st, ok := s.sessions.LoadAndDelete(id)
	if !ok {
		return fmt.Errorf("session %s not found on shard %d", id, s.ID)
	}
	sessionsClosed.Inc()
	Logger.Debugf("shard %d: closed session %s", s.ID, id)
	return st.Close()
}

// Sessions returns the number of open sessions
func (s *Shard) Sessions() int {
	return s.sessions.Size()
}

// close closes all sessions and the server handle
func (s *Shard) close() error {
	var errs []error
	s.sessions.Range(func(id string, _ storage.IStorage) bool {
		// a client may close its session concurrently
		if st, ok := s.sessions.LoadAndDelete(id); ok {
			sessionsClosed.Inc()
			if err := st.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		return true
	})
	s.unsubscribe()
	if err := s.Storage.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing shard %d: %w", s.ID, err))
	}
	return errors.Join(errs...)
}
