// Package transport defines the interfaces for the RPC communication between dPref
// clients and servers. It provides a common contract that all transport implementations
// must fulfill, so client and server code never depends on the protocol.
//
// Key Components:
//
//   - IRPCClientTransport: Interface for client-side transport implementations that
//     handles connection management and request sending.
//
//   - IRPCServerTransport: Interface for server-side transport implementations that
//     receives requests, routes them to the handler and can be shut down gracefully.
//
//   - ServerHandleFunc: Function type for request handling callbacks.
//
// Requests are routed by shard id, every shard of a server serves one storage medium.
// The http subpackage is the implementation used by the dpref command.
package transport
