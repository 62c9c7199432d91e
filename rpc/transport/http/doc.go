// Package http implements the HTTP transport of the dPref RPC layer.
//
// Every shard is reachable under POST /{shardId}, the request and response bodies are
// messages encoded by the configured serializer. The server also exposes the process
// metrics (VictoriaMetrics counters of the prefs and rpc packages) in the Prometheus
// text format under GET /metrics.
//
// Key Components:
//
//   - httpClientTransport: Implements IRPCClientTransport. Requests are distributed
//     round-robin over the configured endpoints, a failed request is retried on the
//     next endpoint up to RetryCount times.
//
//   - httpServerTransport: Implements IRPCServerTransport on a net/http server with
//     graceful shutdown. With log level debug every request is logged.
//
// Thread Safety:
//
//	The client transport is safe for concurrent use once Connect returned.
package http
