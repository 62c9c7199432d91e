// Package sqlstorage implements a persistent medium for the storage.IStorage interface
// on top of SQLite (modernc.org/sqlite, no cgo).
//
// Every handle returned by Open has its own connection. Handles of different processes
// that open the same database file share the medium, which makes this the backend for
// preferences that several processes read and write at the same time.
//
// Implementation Details:
//
//   - Schema: prefs_kv holds the current values, prefs_changes is an append-only change
//     log. Its AUTOINCREMENT row id is the revision returned by Set and Remove. The schema
//     is created by embedded SQL migrations.
//
//   - Writes: Set and Remove run in one immediate transaction that reads the old value,
//     appends the change and updates prefs_kv. Immediate transactions serialize writers,
//     so revisions are committed in increasing order.
//
//   - Change events: the first Subscribe of a handle starts a poller that reads the change
//     log after its cursor every PollInterval and fans the rows out to the subscribers.
//     There is no other signaling channel between processes, the change log is it.
//
//   - Retention: every 100 revisions the log is pruned to the last MaxChanges entries.
//
// Usage Example:
//
//	s, err := sqlstorage.Open("data/prefs.db", sqlstorage.DefaultOptions())
//	if err != nil {
//		return err
//	}
//	defer s.Close()
package sqlstorage
