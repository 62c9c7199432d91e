// Package prefs manages named preferences with default values on top of a shared
// storage medium (see package storage).
//
// A Manager is bound to one storage handle. It maps every preference name to a storage
// key (prefix + name, the prefix defaults to "/"), stores values as JSON text and keeps
// the effective value of each preference in memory: the stored value if one exists,
// the default otherwise.
//
// Reconciliation:
//
// The manager never updates an effective value directly. Set and Reset only write to
// storage, the medium reports the write as a change event and every event, local or
// from another handle, goes through Reconcile:
//  1. the key is mapped back to a preference name, events for other keys are ignored
//  2. a deletion (or a stored JSON null) resolves to the default, otherwise the stored
//     text is decoded. Malformed text is logged and resolves to the default as well
//  3. the new value is compared with the current one by deep equality, equal values do
//     not notify anyone
//  4. the current value is replaced and the listeners are called in registration order.
//     A panicking listener is recovered and does not stop the remaining listeners
//
// Consistency:
//
// Because of this a Get directly after Set may still return the old value. Set and Reset
// return a Pending that resolves when the event of the write was processed:
//
//	p, err := m.Set("color", "blue")
//	if err != nil {
//		return err
//	}
//	if err := p.Wait(ctx); err != nil {
//		return err
//	}
//	v, _ := m.Get("color") // "blue", unless another writer changed it in the meantime
//
// Events of one key are processed in commit order, events with a revision not newer
// than the last processed one (or than the read at definition) are skipped. Every manager subscribes on its own, several
// managers on one medium each receive every event once.
//
// Listeners run on the goroutine of the storage subscription. They may call any method
// of the manager but must not wait for a Pending of the same manager.
package prefs
