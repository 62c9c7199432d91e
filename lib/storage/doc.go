// Package storage defines the Storage Adapter contract: a handle onto a key-value medium
// that is shared by several execution contexts and that reports every committed mutation
// as a change event.
//
// Key Components:
//
//   - IStorage Interface: Get, Set and Remove on raw []byte values plus Subscribe for the
//     change event stream. Every handle opened on one medium sees the writes of every
//     other handle, its own writes included.
//
//   - ChangeEvent: {Key, OldValue, NewValue, Revision, Origin}. A nil NewValue means the
//     key was removed. Revision is the commit number of the medium, Origin the ID of the
//     handle that issued the write.
//
//   - Error and RetCode: typed errors shared by all implementations. ErrClosed is returned
//     by every operation on a closed handle and can be matched with errors.Is.
//
// Implementations:
//   - mstorage: an in-process medium, every Open returns a new handle
//   - sqlstorage: a SQLite file shared across processes, the change log table is the
//     signaling channel
//   - rpc/client: a handle onto a medium served by a dPref server
//
// Delivery Guarantees:
//   - Events are delivered asynchronously on a goroutine owned by the subscription
//   - Events for a single key are delivered in commit order, there is no order across keys
//   - Every subscriber receives every event exactly once while it is subscribed
//   - Removing an absent key commits nothing and emits no event
//
// All implementations are tested with the conformance suite in lib/storage/testing.
package storage
