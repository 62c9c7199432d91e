package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/ValentinKolb/dPref/lib/storage"
	"github.com/ValentinKolb/dPref/lib/storage/mstorage"
	"github.com/ValentinKolb/dPref/lib/storage/sqlstorage"
	"github.com/ValentinKolb/dPref/rpc/common"
	"github.com/ValentinKolb/dPref/rpc/serializer"
	"github.com/ValentinKolb/dPref/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("rpc")

// RPCServer serves storage media to remote clients
type RPCServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer
	shards     *xsync.MapOf[uint64, *Shard]
}

// NewRPCServer creates a new RPC server and opens the medium of every configured shard.
//
// Usage:
//
//	s, err := server.NewRPCServer(
//		*config,
//		http.NewHttpServerTransport(),
//		serializer.NewBinarySerializer(),
//	)
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//	return s.Serve()
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
) (*RPCServer, error) {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	s := &RPCServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
		shards:     xsync.NewMapOf[uint64, *Shard](),
	}

	Logger.Infof("Created RPC Server")
	Logger.Infof(config.String())

	for _, shardConfig := range config.Shards {
		if err := s.addShard(shardConfig); err != nil {
			s.Close()
			return nil, err
		}
	}

	transport.RegisterHandler(s.HandleRequest)
	Logger.Infof("dPref setup completed successfully")
	return s, nil
}

// Serve starts the transport and blocks until it is shut down
func (s *RPCServer) Serve() error {
	return s.transport.Listen(s.config)
}

// Shutdown stops the transport and closes all shards
func (s *RPCServer) Shutdown(ctx context.Context) error {
	err := s.transport.Shutdown(ctx)
	return errors.Join(err, s.Close())
}

// Close closes the media of all shards
func (s *RPCServer) Close() error {
	var errs []error
	s.shards.Range(func(id uint64, shard *Shard) bool {
		s.shards.Delete(id)
		if err := shard.close(); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	return errors.Join(errs...)
}

// HandleRequest decodes a request, lets the adapter of the shard handle it and encodes
// the response. It is the handler registered at the transport.
func (s *RPCServer) HandleRequest(shardId uint64, req []byte) []byte {
	var msg common.Message
	var respMsg *common.Message

	shard, ok := s.shards.Load(shardId)
	if !ok {
		respMsg = common.NewErrorResponse(fmt.Sprintf("shard %d not found", shardId))
	} else if err := s.serializer.Deserialize(req, &msg); err != nil {
		respMsg = common.NewErrorResponse(fmt.Sprintf("failed to deserialize request: %s", err))
	} else {
		requestCounter(msg.MsgType).Inc()
		respMsg = shard.Adapter.Handle(&msg, shard)
	}

	val, err := s.serializer.Serialize(*respMsg)
	if err != nil {
		Logger.Errorf("failed to serialize response: %v", err)
		val, _ = s.serializer.Serialize(*common.NewErrorResponse(fmt.Sprintf("failed to serialize response: %s", err)))
	}
	return val
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// addShard opens the medium of a shard and starts feeding its change log
func (s *RPCServer) addShard(shardConfig common.ServerShard) error {
	if _, ok := s.shards.Load(shardConfig.ShardID); ok {
		return fmt.Errorf("shard %d configured twice", shardConfig.ShardID)
	}

	var open func() (storage.IStorage, error)
	switch shardConfig.Type {
	case common.ShardTypeMemory:
		medium := mstorage.NewMedium()
		open = func() (storage.IStorage, error) {
			return medium.Open(), nil
		}
		Logger.Infof("created memory medium for shard %d", shardConfig.ShardID)
	case common.ShardTypeSQLite:
		path := filepath.Join(s.config.DataDir, fmt.Sprintf("shard-%d.db", shardConfig.ShardID))
		opts := &sqlstorage.Options{
			PollInterval: time.Duration(s.config.PollIntervalMillis) * time.Millisecond,
		}
		open = func() (storage.IStorage, error) {
			return sqlstorage.Open(path, opts)
		}
		Logger.Infof("using sqlite medium %s for shard %d", path, shardConfig.ShardID)
	default:
		return fmt.Errorf("invalid shard type: %s", shardConfig.Type)
	}

	shard, err := newShard(shardConfig.ShardID, s.config.ChangeLogSize, open)
	if err != nil {
		return fmt.Errorf("opening medium of shard %d: %w", shardConfig.ShardID, err)
	}
	s.shards.Store(shardConfig.ShardID, shard)
	return nil
}

// requestCounter returns the request counter of a message type
func requestCounter(t common.MessageType) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`dpref_rpc_requests_total{type=%q}`, t.String()))
}

// WaitForSignal blocks until the process receives SIGINT or SIGTERM or ctx is done
func WaitForSignal(ctx context.Context) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
}
