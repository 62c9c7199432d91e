// Package rpc makes a storage medium reachable over the network. A dPref server serves
// one medium per shard, every client process opens storage handles on it and runs its
// own preference manager on top of them.
//
// The package is organized into several subpackages:
//
//   - common: Core data structures and utilities used across the RPC system,
//     including the Message protocol, configuration structures, and logging.
//
//   - transport: Network communication abstractions, implemented over HTTP.
//
//   - serializer: Message serialization with multiple format options (Binary, JSON, GOB)
//     for converting between Message objects and byte arrays.
//
//   - client: A storage.IStorage on top of the RPC layer. Change events are delivered by
//     polling the change log of the server.
//
//   - server: RPC server components that handle incoming requests: the shards, their
//     change logs and the sessions of the clients.
package rpc
