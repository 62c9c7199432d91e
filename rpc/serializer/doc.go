// Package serializer encodes the messages exchanged between dPref RPC clients and the
// shard server. A message is one common.Message, requests and responses share the type.
// Besides get, set and remove the message set covers the session calls (open_session,
// close_session) and change log polling (head, changes), whose responses carry a list
// of common.ChangeRecord.
//
// Implementations:
//
//   - NewBinarySerializer: compact custom format, the default of the CLI.
//   - NewJSONSerializer: encoding/json, readable on the wire.
//   - NewGOBSerializer: encoding/gob with pooled buffers.
//
// Binary layout:
//
//	header   MsgType (1 byte) | field flags (uint16, big endian)
//	fields   only the fields whose flag is set, in flag order:
//	         key, value, revision, cursor, limit, events, ok, err, meta, session, epoch
//
// Strings and byte slices are written as a uint32 length followed by the data, numbers
// as big endian uint64 (limit and the event count as uint32). A change record starts
// with seq (uint64), revision (uint64) and a flag byte that marks the optional old value,
// new value and origin, followed by the key and the marked fields. The flag byte keeps
// an empty value apart from an absent one, which JSON with omitempty can not.
//
// The serializers hold no state and are safe for concurrent use. Client and server
// must use the same one:
//
//	s := serializer.NewBinarySerializer()
//	data, err := s.Serialize(*common.NewChangesRequest(cursor, 256))
//	// ... send data ...
//	var resp common.Message
//	err = s.Deserialize(respData, &resp)
package serializer
