package client

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dPref/lib/storage"
	"github.com/ValentinKolb/dPref/lib/storage/fanout"
	"github.com/ValentinKolb/dPref/rpc/common"
	"github.com/ValentinKolb/dPref/rpc/serializer"
	"github.com/ValentinKolb/dPref/rpc/transport"
)

const (
	defaultPollInterval      = 200 * time.Millisecond
	defaultMaxChangesPerPoll = 256
)

// NewRPCStorage creates a storage handle onto the medium of a remote shard.
// It opens a session on the server, the id of the session is the id of the handle.
// The handle owns the transport and closes it with Close.
func NewRPCStorage(
	shardId uint64,
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (storage.IStorage, error) {

	// Connect the transport
	err := transport.Connect(config)
	if err != nil {
		return nil, err
	}

	resp, err := invokeRPCRequest(shardId, common.NewOpenSessionRequest(), transport, serializer)
	if err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("opening session on shard %d: %w", shardId, err)
	}

	pollInterval := time.Duration(config.PollIntervalMillis) * time.Millisecond
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	batch := config.MaxChangesPerPoll
	if batch == 0 {
		batch = defaultMaxChangesPerPoll
	}

	s := &rpcStorage{
		rpcClientAdapter: rpcClientAdapter{
			shardId:    shardId,
			config:     config,
			transport:  transport,
			serializer: serializer,
		},
		id:           resp.Session,
		subs:         fanout.NewRegistry(),
		stop:         make(chan struct{}),
		pollInterval: pollInterval,
		batch:        batch,
	}
	return s, nil
}

type rpcStorage struct {
	rpcClientAdapter
	id   string
	subs *fanout.Registry

	// poller state, the poller is started by the first Subscribe
	pollMu       sync.Mutex
	polling      bool
	cursor       uint64
	stop         chan struct{}
	epoch        string // change log the cursor belongs to
	published    uint64 // highest revision published, owned by the poller
	revisionBase atomic.Uint64
	poller       sync.WaitGroup
	pollInterval time.Duration
	batch        uint32
	closed       atomic.Bool
}

// --------------------------------------------------------------------------
// Interface Methods (docu see storage/interface.go)
// --------------------------------------------------------------------------

func (s *rpcStorage) ID() string {
	return s.id
}

func (s *rpcStorage) Get(key string) ([]byte, bool, uint64, error) {
	if s.closed.Load() {
		return nil, false, 0, storage.ErrClosed
	}
	resp, err := s.invoke(s.withSession(common.NewGetRequest(key)))
	if err != nil {
		return nil, false, 0, wrapError(err)
	}
	if resp.Ok && resp.Value == nil {
		// some serializers drop empty values
		return []byte{}, true, s.rebased(resp.Revision), nil
	}
	return resp.Value, resp.Ok, s.rebased(resp.Revision), nil
}

func (s *rpcStorage) Set(key string, value []byte) (uint64, error) {
	if s.closed.Load() {
		return 0, storage.ErrClosed
	}
	resp, err := s.invoke(s.withSession(common.NewSetRequest(key, value)))
	if err != nil {
		return 0, wrapError(err)
	}
	return s.rebased(resp.Revision), nil
}

func (s *rpcStorage) Remove(key string) (uint64, error) {
	if s.closed.Load() {
		return 0, storage.ErrClosed
	}
	resp, err := s.invoke(s.withSession(common.NewRemoveRequest(key)))
	if err != nil {
		return 0, wrapError(err)
	}
	return s.rebased(resp.Revision), nil
}

func (s *rpcStorage) Subscribe(listener storage.Listener) (func(), error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}
	if err := s.startPoller(); err != nil {
		return nil, err
	}
	return s.subs.Add(listener)
}

func (s *rpcStorage) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.pollMu.Lock()
	close(s.stop)
	s.pollMu.Unlock()
	s.poller.Wait()
	s.subs.Close()

	_, err := s.invoke(common.NewCloseSessionRequest(s.id))
	return errors.Join(err, s.transport.Close())
}

// withSession marks a request to run against the session of the handle
func (s *rpcStorage) withSession(req *common.Message) *common.Message {
	req.Session = s.id
	return req
}

// --------------------------------------------------------------------------
// Change log polling
// --------------------------------------------------------------------------

// startPoller reads the head of the server change log and starts polling from there.
// Only the first successful call starts a poller.
func (s *rpcStorage) startPoller() error {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	if s.closed.Load() {
		return storage.ErrClosed
	}
	if s.polling {
		return nil
	}
	resp, err := s.invoke(common.NewHeadRequest())
	if err != nil {
		return wrapError(err)
	}
	s.cursor = resp.Cursor
	s.epoch = resp.Epoch
	s.published = s.rebased(resp.Revision)
	s.polling = true

	s.poller.Add(1)
	go s.pollLoop()
	Logger.Debugf("handle %s polls shard %d from cursor %d", s.id, s.shardId, s.cursor)
	return nil
}

func (s *rpcStorage) pollLoop() {
	defer s.poller.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.poll(); err != nil {
				Logger.Warningf("handle %s: polling shard %d failed: %v", s.id, s.shardId, err)
			}
		}
	}
}

// poll fetches and publishes change records until the client caught up with the server
func (s *rpcStorage) poll() error {
	for {
		resp, err := s.invoke(common.NewChangesRequest(s.cursor, s.batch))
		if err != nil {
			return err
		}
		if resp.Epoch != s.epoch {
			s.restart(resp.Epoch)
			continue
		}
		if !resp.Ok {
			Logger.Warningf("handle %s: change records of shard %d after cursor %d were dropped, events are missing",
				s.id, s.shardId, s.cursor)
		}
		for _, rec := range resp.Events {
			event := rec.ToEvent()
			event.Revision = s.rebased(event.Revision)
			s.published = max(s.published, event.Revision)
			s.subs.Publish(event)
		}
		s.cursor = resp.Cursor

		if len(resp.Events) < int(s.batch) {
			return nil
		}
		select {
		case <-s.stop:
			return nil
		default:
		}
	}
}

// restart continues polling a new change log of the shard from its start. The revisions
// of the new log are moved above all published ones, a memory shard counts from 1 again.
func (s *rpcStorage) restart(epoch string) {
	Logger.Warningf("handle %s: change log of shard %d was replaced, continuing above revision %d",
		s.id, s.shardId, s.published)
	s.epoch = epoch
	s.cursor = 0
	s.revisionBase.Store(s.published)
}

// rebased returns a revision of the shard as seen by users of the handle, 0 stays 0
func (s *rpcStorage) rebased(revision uint64) uint64 {
	if revision == 0 {
		return 0
	}
	return revision + s.revisionBase.Load()
}

// wrapError converts transport and server errors to storage errors
func wrapError(err error) error {
	return storage.NewError(storage.RetCInternalError, err.Error())
}
