package common

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dPref/lib/storage"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for both requests and responses.
// Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// General fields
	Key     string `json:"key,omitempty"`     // Used for: Get, Set, Remove
	Value   []byte `json:"value,omitempty"`   // Used for: Set (request), Get (response)
	Session string `json:"session,omitempty"` // Used for: Get, Set, Remove, CloseSession (requests), OpenSession (response)

	// Change log fields
	Revision uint64         `json:"revision,omitempty"` // Used for: Get, Set, Remove, Head (responses)
	Cursor   uint64         `json:"cursor,omitempty"`   // Used for: Changes (request and response), Head (response)
	Limit    uint32         `json:"limit,omitempty"`    // Used for: Changes (request)
	Events   []ChangeRecord `json:"events,omitempty"`   // Used for: Changes (response)
	Epoch    string         `json:"epoch,omitempty"`    // Used for: Changes, Head (responses)

	// Response only fields
	Ok  bool   `json:"ok,omitempty"`  // Used for: Get (found), Changes (no entries were lost)
	Err string `json:"err,omitempty"` // Empty if no error, otherwise contains the error message

	// Meta information
	Meta []byte `json:"meta,omitempty"` // Unused, can be used for additional Adapters
}

// ChangeRecord is a change event of a served medium as it is sent to clients.
// Seq numbers the records of one shard change log and is the cursor clients poll with.
// HasOld and HasNew keep nil and empty values apart, not every serializer does.
type ChangeRecord struct {
	Seq      uint64 `json:"seq"`
	Key      string `json:"key"`
	OldValue []byte `json:"old,omitempty"`
	NewValue []byte `json:"new,omitempty"`
	HasOld   bool   `json:"has_old,omitempty"`
	HasNew   bool   `json:"has_new,omitempty"`
	Revision uint64 `json:"revision"`
	Origin   string `json:"origin,omitempty"`
}

// NewChangeRecord converts a storage event into a change record with the given sequence number
func NewChangeRecord(seq uint64, event storage.ChangeEvent) ChangeRecord {
	return ChangeRecord{
		Seq:      seq,
		Key:      event.Key,
		OldValue: event.OldValue,
		NewValue: event.NewValue,
		HasOld:   event.OldValue != nil,
		HasNew:   event.NewValue != nil,
		Revision: event.Revision,
		Origin:   event.Origin,
	}
}

// ToEvent converts the record back into a storage event
func (r ChangeRecord) ToEvent() storage.ChangeEvent {
	return storage.ChangeEvent{
		Key:      r.Key,
		OldValue: presentOrNil(r.OldValue, r.HasOld),
		NewValue: presentOrNil(r.NewValue, r.HasNew),
		Revision: r.Revision,
		Origin:   r.Origin,
	}
}

func presentOrNil(value []byte, present bool) []byte {
	if !present {
		return nil
	}
	if value == nil {
		return []byte{}
	}
	return value
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewGetRequest creates a new Get request
func NewGetRequest(key string) *Message {
	return &Message{
		MsgType: MsgTGet,
		Key:     key,
	}
}

// NewGetResponse creates a new Get response, revision is the revision the read reflects
func NewGetResponse(value []byte, ok bool, revision uint64, err error) *Message {
	msg := &Message{
		MsgType:  MsgTGet,
		Ok:       ok,
		Value:    value,
		Revision: revision,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewSetRequest creates a new Set request
func NewSetRequest(key string, value []byte) *Message {
	return &Message{
		MsgType: MsgTSet,
		Key:     key,
		Value:   value,
	}
}

// NewSetResponse creates a new Set response
func NewSetResponse(revision uint64, err error) *Message {
	msg := &Message{
		MsgType:  MsgTSet,
		Revision: revision,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewRemoveRequest creates a new Remove request
func NewRemoveRequest(key string) *Message {
	return &Message{
		MsgType: MsgTRemove,
		Key:     key,
	}
}

// NewRemoveResponse creates a new Remove response
func NewRemoveResponse(revision uint64, err error) *Message {
	msg := &Message{
		MsgType:  MsgTRemove,
		Revision: revision,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewOpenSessionRequest asks the server to open a handle for the client
func NewOpenSessionRequest() *Message {
	return &Message{
		MsgType: MsgTOpenSession,
	}
}

// NewOpenSessionResponse creates a new OpenSession response carrying the id of the opened handle
func NewOpenSessionResponse(session string, err error) *Message {
	msg := &Message{
		MsgType: MsgTOpenSession,
		Session: session,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewCloseSessionRequest asks the server to close the handle of a session
func NewCloseSessionRequest(session string) *Message {
	return &Message{
		MsgType: MsgTCloseSession,
		Session: session,
	}
}

// NewCloseSessionResponse creates a new CloseSession response
func NewCloseSessionResponse(err error) *Message {
	msg := &Message{
		MsgType: MsgTCloseSession,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewChangesRequest requests at most limit change records with a sequence number above cursor
func NewChangesRequest(cursor uint64, limit uint32) *Message {
	return &Message{
		MsgType: MsgTChanges,
		Cursor:  cursor,
		Limit:   limit,
	}
}

// NewChangesResponse creates a new Changes response. cursor is the sequence number to
// continue from, complete is false if records after the requested cursor were already dropped.
// epoch identifies the change log the sequence numbers belong to.
func NewChangesResponse(events []ChangeRecord, cursor uint64, complete bool, epoch string, err error) *Message {
	msg := &Message{
		MsgType: MsgTChanges,
		Events:  events,
		Cursor:  cursor,
		Ok:      complete,
		Epoch:   epoch,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewHeadRequest asks for the newest sequence number of a shard
func NewHeadRequest() *Message {
	return &Message{
		MsgType: MsgTHead,
	}
}

// NewHeadResponse creates a new Head response
func NewHeadResponse(cursor, revision uint64, epoch string, err error) *Message {
	msg := &Message{
		MsgType:  MsgTHead,
		Cursor:   cursor,
		Revision: revision,
		Epoch:    epoch,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewErrorResponse creates a new Error response
func NewErrorResponse(err string) *Message {
	return &Message{
		MsgType: MsgTError,
		Err:     err,
	}
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	switch t {
	case MsgTGet:
		return "get"
	case MsgTSet:
		return "set"
	case MsgTRemove:
		return "remove"
	case MsgTChanges:
		return "changes"
	case MsgTHead:
		return "head"
	case MsgTOpenSession:
		return "open_session"
	case MsgTCloseSession:
		return "close_session"
	case MsgTError:
		return "error"
	case MsgTSuccess:
		return "success"
	default:
		return "unknown"
	}
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
// This allows MessageType to be deserialized from a string in JSON.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	switch s {
	case "get":
		*t = MsgTGet
	case "set":
		*t = MsgTSet
	case "remove":
		*t = MsgTRemove
	case "changes":
		*t = MsgTChanges
	case "head":
		*t = MsgTHead
	case "open_session":
		*t = MsgTOpenSession
	case "close_session":
		*t = MsgTCloseSession
	case "error":
		*t = MsgTError
	case "success":
		*t = MsgTSuccess
	default:
		return fmt.Errorf("unknown message type: %s", s)
	}

	return nil
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// IStorage operations

	MsgTGet    // Get a value by key
	MsgTSet    // Set a key-value pair
	MsgTRemove // Remove a key-value pair

	// Change log operations

	MsgTChanges // Read change records after a cursor
	MsgTHead    // Read the newest cursor of a shard

	// Session operations

	MsgTOpenSession  // Open a handle on the medium of a shard
	MsgTCloseSession // Close the handle of a session
)
