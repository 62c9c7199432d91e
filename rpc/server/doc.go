// Package server implements the dPref RPC server. It serves storage media to remote
// clients (see rpc/client), one medium per shard.
//
// Key Components:
//
//   - RPCServer: opens the medium of every configured shard, registers HandleRequest at
//     the transport and routes every request to the adapter of its shard.
//
//   - Shard: the medium of a shard, its ChangeLog and the sessions of its clients. The
//     server handle of the medium feeds the change log. Every client opens a session, a
//     handle of its own on the medium, and writes through it. So the change records name
//     the writing client as origin.
//
//   - IRPCServerAdapter / NewIStorageServerAdapter: translates get, set, remove, changes,
//     head and session requests into calls on a Shard.
//
//   - ChangeLog: a ring buffer of the newest change events of a shard (4096 by default).
//     The server subscribes to every medium and appends each event with a sequence number.
//     Clients poll the log with the last sequence number they saw. A client that fell
//     behind the retained window gets the oldest retained records and a gap marker
//     (Ok=false), it has missed events. Each log has a random epoch that tells clients
//     a restarted server apart.
//
// Shard Types:
//
//   - memory: an mstorage medium that lives as long as the server
//
//   - sqlite: a sqlstorage medium in <data-dir>/shard-<id>.db. Other processes that open
//     the same file share the medium, their writes reach the change log through the
//     sqlite poller.
//
// Usage Example:
//
//	config := common.ServerConfig{
//	  Shards: []common.ServerShard{
//	    {ShardID: 100, Type: common.ShardTypeMemory},
//	    {ShardID: 200, Type: common.ShardTypeSQLite},
//	  },
//	  DataDir:  "./data",
//	  Endpoint: "0.0.0.0:8080",
//	}
//
//	s, err := server.NewRPCServer(config, http.NewHttpServerTransport(), serializer.NewBinarySerializer())
//	if err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//	go s.Serve()
//	server.WaitForSignal(context.Background())
//	s.Shutdown(context.Background())
//
// Every handled request increments dpref_rpc_requests_total{type="..."}. Sessions are
// counted in dpref_rpc_sessions_opened_total and dpref_rpc_sessions_closed_total.
//
// Thread Safety:
//
//	HandleRequest is safe for concurrent use. Serve must be called only once.
package server
