// Package client implements a storage.IStorage on top of the dPref RPC layer. A handle
// created with NewRPCStorage is one execution context on the medium of a remote shard.
//
// The package focuses on:
//   - Transparent access to a served medium through the storage.IStorage interface
//   - Integration with the transport and serialization layers
//   - Change event delivery by polling the change log of the server
//
// Subscriptions:
//
// The first Subscribe reads the head of the shard change log and starts a poller that
// requests the records after its cursor every PollIntervalMillis. The records are
// converted back to change events and fanned out to all listeners of the handle, in
// the order of the change log. If the client fell so far behind that the server already
// dropped records, the gap is logged and the client continues with the oldest retained
// record.
//
// Every change log has an epoch. When the server restarts the epoch changes and the
// poller starts over at the beginning of the new log. Revisions of the new log are moved
// above all revisions the handle reported before, a restarted memory shard counts from 1
// again and its events would otherwise look stale.
//
// Usage Example:
//
//	config := common.ClientConfig{
//	  Endpoints:          []string{"http://localhost:8080"},
//	  TimeoutSecond:      5,
//	  RetryCount:         3,
//	  PollIntervalMillis: 100,
//	}
//
//	s, err := client.NewRPCStorage(100, config, http.NewHttpClientTransport(), serializer.NewBinarySerializer())
//	if err != nil {
//	  return err
//	}
//	defer s.Close()
//
//	m, err := prefs.NewManager(s)
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
package client
