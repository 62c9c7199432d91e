// Package testing provides a conformance suite for storage.IStorage implementations.
//
// Every medium runs the same suite from its own tests:
//
//	func Test(t *testing.T) {
//		storagetesting.RunStorageTests(t, "Memory", func(t *testing.T) func() storage.IStorage {
//			return mstorage.NewMedium().Open
//		})
//	}
//
// The suite checks the adapter contract the preference manager relies on:
// self notification, fan-out to other handles of the same medium, deletion
// events with a nil NewValue, per key ordering and unsubscribing from inside
// a listener.
package testing
