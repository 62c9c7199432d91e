// Package common provides the data structures shared by the dPref RPC client and server.
//
// The package focuses on:
//   - Message protocol definition for the communication between client and server
//   - Configuration structures for client and server components
//   - Custom logging implementation integrated with Dragonboat's logger package
//
// Key Components:
//
//   - Message: Core data structure for all RPC communication, with a flexible
//     structure that adapts to the operation type. Includes factory methods
//     for all request and response messages.
//
//   - ChangeRecord: A storage change event as it travels over the wire. Records are
//     numbered per shard, the number is the cursor a client polls the change log with.
//
//   - MessageType: Enumeration of all supported operations: storage operations
//     (get, set, remove), change log operations (changes, head) and control messages.
//
//   - ServerConfig / ClientConfig: Configuration of the server (shards, storage,
//     endpoint) and the client (endpoints, timeouts, polling).
//
//   - Logger: A logger.Factory that gives every package logger the format
//     "LEVEL | package | message". InitLoggers installs it and sets the level.
package common
