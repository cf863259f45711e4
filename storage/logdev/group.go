package logdev

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

const (
	GroupMagic      = 0xDABAF00D
	GroupHeaderSize = 24

	// FlushIdxFrequency is the number of inline sized records a group buffer
	// holds before it has to grow.
	FlushIdxFrequency = 64
	InlineLogBufSize  = InlineThreshold * FlushIdxFrequency

	// MaxGroupSize caps the logical size of a group: header, inline region and
	// out-of-line payloads together.
	MaxGroupSize = 8192

	estimatedSegments = 10
)

var ErrShortHeader = errors.New("short group header")

// GroupHeader leads every group on disk.
type GroupHeader struct {
	Magic    uint32
	NRecords uint32
	// GroupSize includes the header, the inline region and every out-of-line
	// payload.
	GroupSize uint32
	// InlineDataSize is the header plus the inline region.
	InlineDataSize    uint32
	PrevGroupChecksum uint32
	CurGroupChecksum  uint32
}

func (h GroupHeader) Encode(buf []byte) {
	byteOrder.PutUint32(buf[0:], h.Magic)
	byteOrder.PutUint32(buf[4:], h.NRecords)
	byteOrder.PutUint32(buf[8:], h.GroupSize)
	byteOrder.PutUint32(buf[12:], h.InlineDataSize)
	byteOrder.PutUint32(buf[16:], h.PrevGroupChecksum)
	byteOrder.PutUint32(buf[20:], h.CurGroupChecksum)
}

func DecodeGroupHeader(buf []byte) (GroupHeader, error) {
	if len(buf) < GroupHeaderSize {
		return GroupHeader{}, errors.Wrapf(ErrShortHeader, "need %d bytes, have %d", GroupHeaderSize, len(buf))
	}

	return GroupHeader{
		Magic:             byteOrder.Uint32(buf[0:]),
		NRecords:          byteOrder.Uint32(buf[4:]),
		GroupSize:         byteOrder.Uint32(buf[8:]),
		InlineDataSize:    byteOrder.Uint32(buf[12:]),
		PrevGroupChecksum: byteOrder.Uint32(buf[16:]),
		CurGroupChecksum:  byteOrder.Uint32(buf[20:]),
	}, nil
}

func (h GroupHeader) String() string {
	return fmt.Sprintf("magic=%#x n_log_records=%d group_size=%d inline_data_size=%d prev_grp_checksum=%#x cur_grp_checksum=%#x",
		h.Magic, h.NRecords, h.GroupSize, h.InlineDataSize, h.PrevGroupChecksum, h.CurGroupChecksum)
}

// Group collects records for one flush. Segment 0 is the header followed by
// the inline region; every record too large to inline adds a segment that
// references the caller's payload.
//
// A group belongs to the flush owner from prepareFlush until its completion
// and is never touched by two goroutines at once.
type Group struct {
	buf      []byte
	pos      int
	segments [][]byte

	nrecords       int
	nonInlinedSize int

	from   int64
	upto   int64
	offset uint64
	header GroupHeader
}

func NewGroup() *Group {
	g := &Group{
		buf:      make([]byte, InlineLogBufSize),
		segments: make([][]byte, 0, estimatedSegments),
	}
	g.reset()

	return g
}

func (g *Group) reset() {
	for i := range g.segments {
		g.segments[i] = nil
	}

	g.pos = GroupHeaderSize
	g.segments = append(g.segments[:0], g.buf[:g.pos])
	g.nrecords = 0
	g.nonInlinedSize = 0
	g.from = 0
	g.upto = -1
	g.offset = 0
	g.header = GroupHeader{}
}

// grow swaps in a larger buffer and rebases segment 0 onto it.
func (g *Group) grow(minNeeded int) {
	n := max(minNeeded, 2*len(g.buf))
	buf := make([]byte, n)
	copy(buf, g.buf[:g.pos])

	g.buf = buf
	g.segments[0] = g.buf[:g.pos]
}

func (g *Group) canAccommodate(rec Record) bool {
	return rec.SerializedSize()+g.pos+g.nonInlinedSize <= MaxGroupSize
}

// TryAdd appends rec under idx. It returns false, leaving the group as it
// was, when the record would push the group past MaxGroupSize.
func (g *Group) TryAdd(rec Record, idx int64) bool {
	if !g.canAccommodate(rec) {
		return false
	}

	size := rec.InlinedSize()
	if g.pos+size > len(g.buf) {
		g.grow(g.pos + size)
	}

	rec.SerializeInto(g.buf[g.pos:], idx)
	g.pos += size
	g.segments[0] = g.buf[:g.pos]

	if !rec.IsInlinable() {
		// TODO: round out-of-line payloads up to DMABoundary.
		g.segments = append(g.segments, rec.Data)
		g.nonInlinedSize += rec.Size()
	}
	g.nrecords++

	return true
}

// Finish stamps the header, chaining the checksum from prevChecksum, and
// returns the write vector. It is called once, after the last TryAdd.
func (g *Group) Finish(prevChecksum uint32) [][]byte {
	g.header = GroupHeader{
		Magic:             GroupMagic,
		NRecords:          uint32(g.nrecords),
		InlineDataSize:    uint32(g.pos),
		GroupSize:         uint32(g.pos + g.nonInlinedSize),
		PrevGroupChecksum: prevChecksum,
	}
	g.header.CurGroupChecksum = groupChecksum(prevChecksum, g.segments)
	g.header.Encode(g.buf)

	return g.segments
}

// groupChecksum hashes everything after the header, seeded with the previous
// group's checksum so groups form a chain.
func groupChecksum(prev uint32, segments [][]byte) uint32 {
	d := xxhash.New()

	var seed [4]byte
	byteOrder.PutUint32(seed[:], prev)
	_, _ = d.Write(seed[:])

	for i, s := range segments {
		if i == 0 {
			s = s[GroupHeaderSize:]
		}
		_, _ = d.Write(s)
	}

	return uint32(d.Sum64())
}

func (g *Group) Header() GroupHeader {
	return g.header
}

func (g *Group) Segments() [][]byte {
	return g.segments
}

func (g *Group) NRecords() int {
	return g.nrecords
}

func (g *Group) NonInlinedSize() int {
	return g.nonInlinedSize
}

// InlineSize is the header plus the inline region written so far.
func (g *Group) InlineSize() int {
	return g.pos
}

// GroupSize is valid before Finish too.
func (g *Group) GroupSize() int {
	return g.pos + g.nonInlinedSize
}

// DataSize is the group size without its header; it equals the sum of the
// serialized sizes of its records.
func (g *Group) DataSize() int {
	return g.GroupSize() - GroupHeaderSize
}

// Range is the inclusive span of log indices in the group.
func (g *Group) Range() (from, upto int64) {
	return g.from, g.upto
}

// Offset is the log offset reserved for the group.
func (g *Group) Offset() uint64 {
	return g.offset
}

func (g *Group) String() string {
	return fmt.Sprintf("header=[%s] log_idx_range=[%d - %d] offset=%d non_inlined_size=%d",
		g.header, g.from, g.upto, g.offset, g.nonInlinedSize)
}
