package storage

import (
	"fmt"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// Listener is called once per change event. Listeners are invoked asynchronously
// on a goroutine owned by the subscription, never on the goroutine of the writer.
type Listener func(event ChangeEvent)

// IStorage is one execution context's handle onto a shared key-value medium.
// Every handle opened on the same medium observes the writes of every other handle
// through its subscriptions; the medium itself is the signaling channel.
type IStorage interface {
	// ID returns the unique id of this handle. It is reported as Origin on all
	// events caused by writes through this handle.
	ID() string
	// Get returns the stored value for a key. The boolean return value indicates whether a value was found.
	// The revision is the revision of the medium the read reflects: every commit for the key with
	// a revision up to it is contained in the result, later commits are not.
	Get(key string) (value []byte, loaded bool, revision uint64, err error)
	// Set stores a value and returns the revision of the commit.
	// Every Set emits exactly one change event to every subscriber of the medium, including
	// the subscribers of this handle.
	Set(key string, value []byte) (revision uint64, err error)
	// Remove deletes the stored value and returns the revision of the commit.
	// Removing an existing key emits a change event with a nil NewValue.
	// Removing an absent key commits nothing, emits nothing and returns revision 0.
	Remove(key string) (revision uint64, err error)
	// Subscribe registers a listener for all change events of the medium.
	// Events for a single key are delivered in commit order. The returned function removes
	// the subscription; it is idempotent, does not block and may be called from inside the listener.
	Subscribe(listener Listener) (unsubscribe func(), err error)
	// Close releases the handle and all subscriptions made through it.
	Close() error
}

// --------------------------------------------------------------------------
// Change Event
// --------------------------------------------------------------------------

// ChangeEvent describes one committed mutation of the medium.
// A nil OldValue means the key did not exist before, a nil NewValue means the key was removed.
type ChangeEvent struct {
	Key      string
	OldValue []byte
	NewValue []byte
	Revision uint64 // medium wide commit number, increasing
	Origin   string // id of the handle that issued the write
}

// IsDeletion reports whether the event removed the stored value.
func (e ChangeEvent) IsDeletion() bool {
	return e.NewValue == nil
}

// String returns a short description of the event for logging
func (e ChangeEvent) String() string {
	if e.IsDeletion() {
		return fmt.Sprintf("rev=%d key=%s removed (origin %s)", e.Revision, e.Key, e.Origin)
	}
	return fmt.Sprintf("rev=%d key=%s set (%d bytes, origin %s)", e.Revision, e.Key, len(e.NewValue), e.Origin)
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("StorageError (code %s): %s", e.Code, e.Msg)
}

// Is reports whether target is a storage error with the same code.
// This allows errors.Is(err, storage.ErrClosed).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError creates a new storage error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// ErrClosed is returned by all operations on a closed handle.
var ErrClosed = NewError(RetCClosed, "storage handle is closed")

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess          RetCode = iota // 0: Command executed successfully.
	RetCInternalError                   // 1: Command failed due to an internal error.
	RetCInvalidOperation                // 2: Invalid operation.
	RetCClosed                          // 3: The handle was closed.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}
