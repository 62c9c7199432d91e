package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dPref/lib/prefs"
	"github.com/ValentinKolb/dPref/lib/storage"
	storagetesting "github.com/ValentinKolb/dPref/lib/storage/testing"
	"github.com/ValentinKolb/dPref/rpc/common"
	"github.com/ValentinKolb/dPref/rpc/serializer"
	"github.com/ValentinKolb/dPref/rpc/server"
	rpchttp "github.com/ValentinKolb/dPref/rpc/transport/http"
)

const testShard = 1

// startServer serves one memory shard over an httptest server and returns its url
func startServer(t *testing.T, changeLogSize int) string {
	t.Helper()
	srv, err := server.NewRPCServer(common.ServerConfig{
		Shards:        []common.ServerShard{{ShardID: testShard, Type: common.ShardTypeMemory}},
		ChangeLogSize: changeLogSize,
	}, rpchttp.NewHttpServerTransport(), serializer.NewBinarySerializer())
	if err != nil {
		t.Fatalf("NewRPCServer failed: %v", err)
	}
	ts := httptest.NewServer(rpchttp.Handler(srv.HandleRequest, false))
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Close()
	})
	return ts.URL
}

// restartableServer serves one memory shard, restart replaces the server process
// and with it the medium and the change log
type restartableServer struct {
	t       *testing.T
	current atomic.Pointer[server.RPCServer]
	url     string
}

func startRestartableServer(t *testing.T) *restartableServer {
	t.Helper()
	rs := &restartableServer{t: t}
	rs.restart()
	ts := httptest.NewServer(rpchttp.Handler(func(shardId uint64, req []byte) []byte {
		return rs.current.Load().HandleRequest(shardId, req)
	}, false))
	rs.url = ts.URL
	t.Cleanup(func() {
		ts.Close()
		_ = rs.current.Load().Close()
	})
	return rs
}

func (rs *restartableServer) restart() {
	rs.t.Helper()
	srv, err := server.NewRPCServer(common.ServerConfig{
		Shards: []common.ServerShard{{ShardID: testShard, Type: common.ShardTypeMemory}},
	}, rpchttp.NewHttpServerTransport(), serializer.NewBinarySerializer())
	if err != nil {
		rs.t.Fatalf("NewRPCServer failed: %v", err)
	}
	if old := rs.current.Swap(srv); old != nil {
		_ = old.Close()
	}
}

func clientConfig(url string) common.ClientConfig {
	return common.ClientConfig{
		Endpoints:          []string{url},
		TimeoutSecond:      5,
		RetryCount:         1,
		PollIntervalMillis: 5,
	}
}

func openStorage(t *testing.T, config common.ClientConfig) storage.IStorage {
	t.Helper()
	s, err := NewRPCStorage(testShard, config, rpchttp.NewHttpClientTransport(), serializer.NewBinarySerializer())
	if err != nil {
		t.Fatalf("NewRPCStorage failed: %v", err)
	}
	return s
}

func TestRPCStorage(t *testing.T) {
	storagetesting.RunStorageTests(t, "RPCStorage", func(t *testing.T) func() storage.IStorage {
		config := clientConfig(startServer(t, 0))
		return func() storage.IStorage {
			return openStorage(t, config)
		}
	})
}

func TestUnknownShard(t *testing.T) {
	url := startServer(t, 0)
	_, err := NewRPCStorage(42, clientConfig(url), rpchttp.NewHttpClientTransport(), serializer.NewBinarySerializer())
	if err == nil {
		t.Errorf("Expected error for unknown shard")
	}
}

func TestServerUnreachable(t *testing.T) {
	config := clientConfig("127.0.0.1:1")
	config.TimeoutSecond = 1
	_, err := NewRPCStorage(testShard, config, rpchttp.NewHttpClientTransport(), serializer.NewBinarySerializer())
	if err == nil {
		t.Errorf("Expected error for unreachable server")
	}
}

func TestGetEmptyValue(t *testing.T) {
	s := openStorage(t, clientConfig(startServer(t, 0)))
	defer s.Close()

	if _, err := s.Set("/empty", []byte{}); err != nil {
		t.Fatal(err)
	}
	val, ok, _, err := s.Get("/empty")
	if err != nil || !ok || val == nil || len(val) != 0 {
		t.Errorf("Expected a present empty value, got %v %t %v", val, ok, err)
	}

	val, ok, _, err = s.Get("/missing")
	if err != nil || ok || val != nil {
		t.Errorf("Expected no value, got %v %t %v", val, ok, err)
	}
}

func TestPollCatchesUpInBatches(t *testing.T) {
	config := clientConfig(startServer(t, 0))
	config.MaxChangesPerPoll = 4

	reader := openStorage(t, config)
	defer reader.Close()
	writer := openStorage(t, config)
	defer writer.Close()

	var mu sync.Mutex
	var revisions []uint64
	if _, err := reader.Subscribe(func(e storage.ChangeEvent) {
		mu.Lock()
		revisions = append(revisions, e.Revision)
		mu.Unlock()
	}); err != nil {
		t.Fatal(err)
	}

	const n = 25
	for i := 0; i < n; i++ {
		if _, err := writer.Set("/k", []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		got := len(revisions)
		mu.Unlock()
		if got == n {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d events, got %d", n, got)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < n; i++ {
		if revisions[i] <= revisions[i-1] {
			t.Fatalf("Revisions out of order: %v", revisions)
		}
	}
}

func TestGapSkipsToRetainedRecords(t *testing.T) {
	// a change log of 4 records and a client polling rarely
	config := clientConfig(startServer(t, 4))
	config.PollIntervalMillis = 200

	reader := openStorage(t, config)
	defer reader.Close()
	writer := openStorage(t, config)
	defer writer.Close()

	events := make(chan storage.ChangeEvent, 64)
	if _, err := reader.Subscribe(func(e storage.ChangeEvent) { events <- e }); err != nil {
		t.Fatal(err)
	}

	var last uint64
	for i := 0; i < 10; i++ {
		rev, err := writer.Set("/k", []byte{byte(i)})
		if err != nil {
			t.Fatal(err)
		}
		last = rev
	}

	// only the retained records arrive, the newest one last
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Revision == last {
				return
			}
		case <-timeout:
			t.Fatalf("Did not receive revision %d", last)
		}
	}
}

func TestCloseEndsSession(t *testing.T) {
	config := clientConfig(startServer(t, 0))
	s := openStorage(t, config)
	id := s.ID()
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// the session is gone on the server
	tr := rpchttp.NewHttpClientTransport()
	if err := tr.Connect(config); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	req := common.NewGetRequest("/k")
	req.Session = id
	if _, err := invokeRPCRequest(testShard, req, tr, serializer.NewBinarySerializer()); err == nil {
		t.Errorf("Expected error for closed session")
	}

	if _, _, _, err := s.Get("/k"); !errors.Is(err, storage.ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestPreferencesOverRPC(t *testing.T) {
	config := clientConfig(startServer(t, 0))

	a := openStorage(t, config)
	defer a.Close()
	b := openStorage(t, config)
	defer b.Close()

	ma, err := prefs.NewManager(a)
	if err != nil {
		t.Fatal(err)
	}
	defer ma.Close()
	mb, err := prefs.NewManager(b)
	if err != nil {
		t.Fatal(err)
	}
	defer mb.Close()

	if err := ma.DefinePreference("color", "red", nil); err != nil {
		t.Fatal(err)
	}
	changed := make(chan any, 8)
	if err := mb.DefinePreference("color", "red", prefs.ListenerFunc(func(v any) { changed <- v })); err != nil {
		t.Fatal(err)
	}
	if v := <-changed; v != "red" {
		t.Fatalf("Expected initial red, got %v", v)
	}

	p, err := ma.Set("color", "blue")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	select {
	case v := <-changed:
		if v != "blue" {
			t.Errorf("Expected blue, got %v", v)
		}
	case <-ctx.Done():
		t.Fatal("Remote manager was not notified")
	}
	if v, _ := mb.Get("color"); v != "blue" {
		t.Errorf("Expected blue on the remote manager, got %v", v)
	}
}

func TestPreferencesSurviveServerRestart(t *testing.T) {
	rs := startRestartableServer(t)
	config := clientConfig(rs.url)

	reader := openStorage(t, config)
	defer reader.Close()
	m, err := prefs.NewManager(reader)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	changed := make(chan any, 16)
	if err := m.DefinePreference("color", "red", prefs.ListenerFunc(func(v any) { changed <- v })); err != nil {
		t.Fatal(err)
	}
	<-changed

	// push the revisions of the first server above the ones the restarted server will use
	writer := openStorage(t, config)
	for i := 0; i < 5; i++ {
		if _, err := writer.Set("/other", []byte{'0' + byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := writer.Set("/color", []byte(`"blue"`)); err != nil {
		t.Fatal(err)
	}
	waitForValue(t, changed, "blue")
	_ = writer.Close()

	rs.restart()

	// a client of the restarted server writes with revision 1
	writer = openStorage(t, config)
	defer writer.Close()
	rev, err := writer.Set("/color", []byte(`"green"`))
	if err != nil {
		t.Fatal(err)
	}
	if rev != 1 {
		t.Fatalf("Expected the restarted medium to count from 1, got %d", rev)
	}
	waitForValue(t, changed, "green")
	if v, _ := m.Get("color"); v != "green" {
		t.Errorf("Expected green, got %v", v)
	}
}

// waitForValue reads notifications until want arrives
func waitForValue(t *testing.T, changed <-chan any, want any) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case v := <-changed:
			if v == want {
				return
			}
		case <-timeout:
			t.Fatalf("Did not receive %v", want)
		}
	}
}
