package logdev

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	// DMABoundary is the device write granularity. Records smaller than this
	// are copied into the group buffer, larger ones are written in place.
	DMABoundary     = 512
	InlineThreshold = DMABoundary

	// SerializedRecordHeaderSize is log_idx (8) + size/is_inlined word (4).
	SerializedRecordHeaderSize = 12

	// MaxRecordSize is the largest payload the 31 bit size field can hold.
	MaxRecordSize = 1<<31 - 1

	inlinedBit = 1 << 31
	sizeMask   = inlinedBit - 1
)

var byteOrder = binary.LittleEndian

var ErrShortRecord = errors.New("short serialized record")

// Record is a log entry waiting to become durable. Data is owned by the
// caller and must not be modified until the record's callback has run.
type Record struct {
	Data    []byte
	Context any
}

func (r Record) Size() int {
	return len(r.Data)
}

func (r Record) IsInlinable() bool {
	return len(r.Data) < InlineThreshold
}

// SerializedSize is the number of log bytes the record occupies.
func (r Record) SerializedSize() int {
	return SerializedSize(len(r.Data))
}

// InlinedSize is the number of bytes the record takes in a group's inline
// region.
func (r Record) InlinedSize() int {
	if r.IsInlinable() {
		return SerializedRecordHeaderSize + len(r.Data)
	}

	return SerializedRecordHeaderSize
}

func SerializedSize(size int) int {
	return SerializedRecordHeaderSize + size
}

// SerializedRecord is the decoded form of a record header as it sits in a
// group.
type SerializedRecord struct {
	LogIdx    int64
	Size      uint32
	IsInlined bool
	// Data is only set for inlined records and aliases the source buffer.
	Data []byte
}

// SerializeInto writes the record header for idx at the start of buf and,
// when the record is inlinable, its payload right after it. buf must hold at
// least InlinedSize bytes.
func (r Record) SerializeInto(buf []byte, idx int64) SerializedRecord {
	sr := SerializedRecord{
		LogIdx:    idx,
		Size:      uint32(len(r.Data)),
		IsInlined: r.IsInlinable(),
	}

	word := sr.Size & sizeMask
	if sr.IsInlined {
		word |= inlinedBit
	}

	byteOrder.PutUint64(buf[0:], uint64(idx))
	byteOrder.PutUint32(buf[8:], word)

	if sr.IsInlined {
		sr.Data = buf[SerializedRecordHeaderSize : SerializedRecordHeaderSize+len(r.Data)]
		copy(sr.Data, r.Data)
	}

	return sr
}

// DecodeSerializedRecord parses a record header, and the inline payload when
// present, from the start of buf.
func DecodeSerializedRecord(buf []byte) (SerializedRecord, error) {
	if len(buf) < SerializedRecordHeaderSize {
		return SerializedRecord{}, errors.Wrapf(ErrShortRecord, "need %d header bytes, have %d", SerializedRecordHeaderSize, len(buf))
	}

	word := byteOrder.Uint32(buf[8:])
	sr := SerializedRecord{
		LogIdx:    int64(byteOrder.Uint64(buf[0:])),
		Size:      word & sizeMask,
		IsInlined: word&inlinedBit != 0,
	}

	if sr.IsInlined {
		end := SerializedRecordHeaderSize + int(sr.Size)
		if len(buf) < end {
			return SerializedRecord{}, errors.Wrapf(ErrShortRecord, "inline payload of %d bytes truncated to %d", sr.Size, len(buf)-SerializedRecordHeaderSize)
		}
		sr.Data = buf[SerializedRecordHeaderSize:end]
	}

	return sr, nil
}

// InlinedSize is the footprint of the decoded record in the inline region.
func (sr SerializedRecord) InlinedSize() int {
	if sr.IsInlined {
		return SerializedRecordHeaderSize + int(sr.Size)
	}

	return SerializedRecordHeaderSize
}
