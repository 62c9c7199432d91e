// Package fanout delivers change events from one medium to many listeners.
//
// Key Components:
//
//   - Queue: an unbounded lock-free multi-producer single-consumer queue. Producers never
//     block, one goroutine per queue moves the items to a channel. Items of one producer
//     keep their order.
//
//   - Registry: the set of listeners of a storage handle. Every listener gets its own Queue
//     and delivery goroutine, so a slow or blocked listener delays only itself. A panicking
//     listener is recovered and logged, its goroutine keeps running.
//
// The storage media (mstorage, sqlstorage, the rpc client) publish every committed change
// into a Registry. Publishing is non-blocking, which lets mstorage publish while it still
// holds the lock of the changed key.
package fanout
