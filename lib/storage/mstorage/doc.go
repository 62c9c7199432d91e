// Package mstorage implements an in-memory medium for the storage.IStorage interface.
//
// A Medium holds the values, every handle returned by Medium.Open is one execution
// context onto it (comparable to one browser tab on a shared origin). A write through
// any handle is delivered as a change event to the subscribers of all open handles,
// including the writer's own.
//
// Implementation Details:
//
//   - Values live in an xsync.MapOf. Set and Remove run inside MapOf.Compute, which
//     locks the bucket of the key while the revision is taken and the event is queued.
//     This gives events of one key the same order as their commits without a global lock.
//     Writes to different keys are not ordered relative to each other.
//
//   - Each subscription owns a lock-free queue and a goroutine (see package fanout), so
//     writers never wait for listeners.
//
// Usage Example:
//
//	medium := mstorage.NewMedium()
//	tab1, tab2 := medium.Open(), medium.Open()
//
//	unsubscribe, _ := tab1.Subscribe(func(e storage.ChangeEvent) {
//		fmt.Println("changed:", e.Key)
//	})
//	defer unsubscribe()
//
//	tab2.Set("/color", []byte(`"blue"`)) // tab1's listener prints "changed: /color"
//
// Data is not persisted between process restarts, use sqlstorage for that.
package mstorage
