package logdev

import (
	"io"

	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/tsdb/wlog"
)

// DecodedRecord is a record read back from a group. Data is owned by the
// DecodedGroup and only valid until the next call to Reader.Next.
type DecodedRecord struct {
	LogIdx    int64
	IsInlined bool
	Data      []byte
}

type DecodedGroup struct {
	Offset  uint64
	Header  GroupHeader
	Records []DecodedRecord
}

// Reader decodes consecutive groups from a log stream and checks their
// checksum chain.
type Reader struct {
	reader io.Reader
	err    error
	total  uint64

	hdr      [GroupHeaderSize]byte
	inline   []byte
	payloads [][]byte
	group    DecodedGroup

	prev     uint32
	havePrev bool
}

// NewReader reads groups from reader, which must start at a group boundary
// located at log offset start.
func NewReader(reader io.Reader, start uint64) *Reader {
	return &Reader{reader: reader, total: start}
}

// Next decodes the next group. It returns false at the end of the stream or
// on error; Err tells them apart.
func (r *Reader) Next() bool {
	err := r.next()

	if errors.Is(err, io.EOF) {
		return false
	}

	r.err = err

	return err == nil
}

func (r *Reader) next() error {
	start := r.total

	n, err := io.ReadFull(r.reader, r.hdr[:])
	r.total += uint64(n)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return err
		}
		return errors.Wrap(err, "read group header")
	}

	hdr, err := DecodeGroupHeader(r.hdr[:])
	if err != nil {
		return err
	}

	if hdr.Magic != GroupMagic {
		return errors.Errorf("invalid group magic %#x", hdr.Magic)
	}

	if hdr.InlineDataSize < GroupHeaderSize || hdr.GroupSize < hdr.InlineDataSize || hdr.GroupSize > MaxGroupSize {
		return errors.Errorf("invalid group sizes: group_size=%d inline_data_size=%d", hdr.GroupSize, hdr.InlineDataSize)
	}

	if r.havePrev && hdr.PrevGroupChecksum != r.prev {
		return errors.Errorf("broken checksum chain: expected previous %#x, got %#x", r.prev, hdr.PrevGroupChecksum)
	}

	inlineLen := int(hdr.InlineDataSize)
	if cap(r.inline) < inlineLen {
		r.inline = make([]byte, inlineLen)
	}
	r.inline = r.inline[:inlineLen]
	copy(r.inline, r.hdr[:])

	n, err = io.ReadFull(r.reader, r.inline[GroupHeaderSize:])
	r.total += uint64(n)
	if err != nil {
		return errors.Wrap(err, "read inline region")
	}

	r.group = DecodedGroup{Offset: start, Header: hdr, Records: r.group.Records[:0]}
	r.payloads = r.payloads[:0]

	outOfLine := 0
	for pos := GroupHeaderSize; pos < inlineLen; {
		sr, err := DecodeSerializedRecord(r.inline[pos:])
		if err != nil {
			return err
		}
		pos += sr.InlinedSize()

		if sr.IsInlined != (sr.Size < InlineThreshold) {
			return errors.Errorf("record %d of size %d has inconsistent inline flag", sr.LogIdx, sr.Size)
		}

		rec := DecodedRecord{LogIdx: sr.LogIdx, IsInlined: sr.IsInlined, Data: sr.Data}
		if !sr.IsInlined {
			outOfLine += int(sr.Size)
			if outOfLine > int(hdr.GroupSize-hdr.InlineDataSize) {
				return errors.Errorf("out-of-line payloads exceed group size %d", hdr.GroupSize)
			}
			rec.Data = make([]byte, sr.Size)
			r.payloads = append(r.payloads, rec.Data)
		}
		r.group.Records = append(r.group.Records, rec)
	}

	if len(r.group.Records) != int(hdr.NRecords) {
		return errors.Errorf("expected %d records, decoded %d", hdr.NRecords, len(r.group.Records))
	}

	if outOfLine != int(hdr.GroupSize-hdr.InlineDataSize) {
		return errors.Errorf("out-of-line payloads of %d bytes, header says %d", outOfLine, hdr.GroupSize-hdr.InlineDataSize)
	}

	for _, p := range r.payloads {
		n, err = io.ReadFull(r.reader, p)
		r.total += uint64(n)
		if err != nil {
			return errors.Wrap(err, "read out-of-line payload")
		}
	}

	segments := append([][]byte{r.inline}, r.payloads...)
	if c := groupChecksum(hdr.PrevGroupChecksum, segments); c != hdr.CurGroupChecksum {
		return errors.Errorf("invalid checksum: expected %#x, got %#x", hdr.CurGroupChecksum, c)
	}

	r.prev = hdr.CurGroupChecksum
	r.havePrev = true

	return nil
}

// Group returns the group decoded by the last successful Next.
func (r *Reader) Group() DecodedGroup {
	return r.group
}

// Offset is the log offset right after the last byte consumed.
func (r *Reader) Offset() uint64 {
	return r.total
}

func (r *Reader) Err() error {
	if r.err == nil {
		return nil
	}

	return &wlog.CorruptionErr{
		Err:     r.err,
		Segment: -1,
		Offset:  int64(r.total),
	}
}
