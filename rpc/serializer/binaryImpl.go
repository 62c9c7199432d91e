package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dPref/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format.
//
// Layout: MsgType (1 byte), flags (2 bytes, big endian), then every field whose
// flag is set, in flag order. Strings and byte slices are prefixed with a uint32 length.
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasKey      uint16 = 1 << 0
	hasValue    uint16 = 1 << 1
	hasRevision uint16 = 1 << 2
	hasCursor   uint16 = 1 << 3
	hasLimit    uint16 = 1 << 4
	hasEvents   uint16 = 1 << 5
	hasOk       uint16 = 1 << 6
	hasErr      uint16 = 1 << 7
	hasMeta     uint16 = 1 << 8
	hasSession  uint16 = 1 << 9
	hasEpoch    uint16 = 1 << 10
)

// Bit flags of a single change record
const (
	recHasOld    byte = 1 << 0
	recHasNew    byte = 1 << 1
	recHasOrigin byte = 1 << 2
)

const headerSize = 3

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	result := make([]byte, headerSize, b.sizeBytes(msg))
	result[0] = byte(msg.MsgType)

	var flags uint16
	if msg.Key != "" {
		flags |= hasKey
		result = appendString(result, msg.Key)
	}
	if msg.Value != nil {
		flags |= hasValue
		result = appendBytes(result, msg.Value)
	}
	if msg.Revision > 0 {
		flags |= hasRevision
		result = binary.BigEndian.AppendUint64(result, msg.Revision)
	}
	if msg.Cursor > 0 {
		flags |= hasCursor
		result = binary.BigEndian.AppendUint64(result, msg.Cursor)
	}
	if msg.Limit > 0 {
		flags |= hasLimit
		result = binary.BigEndian.AppendUint32(result, msg.Limit)
	}
	if msg.Events != nil {
		flags |= hasEvents
		result = binary.BigEndian.AppendUint32(result, uint32(len(msg.Events)))
		for _, rec := range msg.Events {
			result = appendRecord(result, rec)
		}
	}
	if msg.Ok {
		flags |= hasOk
		result = append(result, 1)
	}
	if msg.Err != "" {
		flags |= hasErr
		result = appendString(result, msg.Err)
	}
	if msg.Meta != nil {
		flags |= hasMeta
		result = appendBytes(result, msg.Meta)
	}
	if msg.Session != "" {
		flags |= hasSession
		result = appendString(result, msg.Session)
	}
	if msg.Epoch != "" {
		flags |= hasEpoch
		result = appendString(result, msg.Epoch)
	}

	// Set flags after knowing which fields are present
	binary.BigEndian.PutUint16(result[1:3], flags)
	return result, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	// Check minimum size (MsgType + flags)
	if len(data) < headerSize {
		return fmt.Errorf("data too short for message header")
	}

	*msg = common.Message{MsgType: common.MessageType(data[0])}
	flags := binary.BigEndian.Uint16(data[1:3])
	r := reader{data: data, pos: headerSize}

	if flags&hasKey != 0 {
		msg.Key = r.readString("key")
	}
	if flags&hasValue != 0 {
		msg.Value = r.readBytes("value")
	}
	if flags&hasRevision != 0 {
		msg.Revision = r.readUint64("revision")
	}
	if flags&hasCursor != 0 {
		msg.Cursor = r.readUint64("cursor")
	}
	if flags&hasLimit != 0 {
		msg.Limit = r.readUint32("limit")
	}
	if flags&hasEvents != 0 {
		n := r.readUint32("event count")
		// every record needs at least 21 bytes, reject counts the data can not hold
		if r.err == nil && uint64(n)*21 > uint64(len(data)-r.pos) {
			return fmt.Errorf("data too short for %d events", n)
		}
		msg.Events = make([]common.ChangeRecord, 0, n)
		for i := uint32(0); i < n && r.err == nil; i++ {
			msg.Events = append(msg.Events, r.readRecord())
		}
	}
	if flags&hasOk != 0 {
		msg.Ok = r.readByte("ok flag") != 0
	}
	if flags&hasErr != 0 {
		msg.Err = r.readString("error")
	}
	if flags&hasMeta != 0 {
		msg.Meta = r.readBytes("meta")
	}
	if flags&hasSession != 0 {
		msg.Session = r.readString("session")
	}
	if flags&hasEpoch != 0 {
		msg.Epoch = r.readString("epoch")
	}

	return r.err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	size := headerSize

	if msg.Key != "" {
		size += 4 + len(msg.Key)
	}
	if msg.Value != nil {
		size += 4 + len(msg.Value)
	}
	if msg.Revision > 0 {
		size += 8
	}
	if msg.Cursor > 0 {
		size += 8
	}
	if msg.Limit > 0 {
		size += 4
	}
	if msg.Events != nil {
		size += 4
		for _, rec := range msg.Events {
			size += recordSize(rec)
		}
	}
	if msg.Ok {
		size += 1
	}
	if msg.Err != "" {
		size += 4 + len(msg.Err)
	}
	if msg.Meta != nil {
		size += 4 + len(msg.Meta)
	}
	if msg.Session != "" {
		size += 4 + len(msg.Session)
	}
	if msg.Epoch != "" {
		size += 4 + len(msg.Epoch)
	}
	return size
}

// recordSize is 8 (seq) + 8 (revision) + 1 (flags) + 4 + len(key) plus the optional fields
func recordSize(rec common.ChangeRecord) int {
	size := 8 + 8 + 1 + 4 + len(rec.Key)
	if rec.HasOld {
		size += 4 + len(rec.OldValue)
	}
	if rec.HasNew {
		size += 4 + len(rec.NewValue)
	}
	if rec.Origin != "" {
		size += 4 + len(rec.Origin)
	}
	return size
}

func appendRecord(dst []byte, rec common.ChangeRecord) []byte {
	var flags byte
	if rec.HasOld {
		flags |= recHasOld
	}
	if rec.HasNew {
		flags |= recHasNew
	}
	if rec.Origin != "" {
		flags |= recHasOrigin
	}

	dst = binary.BigEndian.AppendUint64(dst, rec.Seq)
	dst = binary.BigEndian.AppendUint64(dst, rec.Revision)
	dst = append(dst, flags)
	dst = appendString(dst, rec.Key)
	if rec.HasOld {
		dst = appendBytes(dst, rec.OldValue)
	}
	if rec.HasNew {
		dst = appendBytes(dst, rec.NewValue)
	}
	if rec.Origin != "" {
		dst = appendString(dst, rec.Origin)
	}
	return dst
}

func appendBytes(dst []byte, b []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(b)))
	return append(dst, b...)
}

func appendString(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(s)))
	return append(dst, s...)
}

// reader reads fields from serialized data. After the first failed read err is set
// and all further reads return zero values.
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) take(n int, field string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.data) {
		r.err = fmt.Errorf("data too short for %s", field)
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) readByte(field string) byte {
	if b := r.take(1, field); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) readUint32(field string) uint32 {
	if b := r.take(4, field); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) readUint64(field string) uint64 {
	if b := r.take(8, field); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

// bytes reads a length prefixed slice. The result is a copy and never nil.
func (r *reader) readBytes(field string) []byte {
	n := r.readUint32(field + " length")
	b := r.take(int(n), field+" data")
	if r.err != nil {
		return nil
	}
	return append(make([]byte, 0, n), b...)
}

func (r *reader) readString(field string) string {
	n := r.readUint32(field + " length")
	return string(r.take(int(n), field+" data"))
}

func (r *reader) readRecord() common.ChangeRecord {
	rec := common.ChangeRecord{
		Seq:      r.readUint64("record seq"),
		Revision: r.readUint64("record revision"),
	}
	flags := r.readByte("record flags")
	rec.Key = r.readString("record key")
	if flags&recHasOld != 0 {
		rec.HasOld = true
		rec.OldValue = r.readBytes("record old value")
	}
	if flags&recHasNew != 0 {
		rec.HasNew = true
		rec.NewValue = r.readBytes("record new value")
	}
	if flags&recHasOrigin != 0 {
		rec.Origin = r.readString("record origin")
	}
	return rec
}
