package storage

// WriteCallback is invoked exactly once when a vectored write completes.
// A nil error means every segment is durable.
type WriteCallback func(err error)

// BlockWriter is the durable storage layer a log device hands its groups to.
//
// WriteV persists segments, in order, as one contiguous region starting at
// offset of the log address space. It must not block on the I/O itself:
// done is called asynchronously, possibly from another goroutine.
type BlockWriter interface {
	WriteV(offset uint64, segments [][]byte, done WriteCallback)
}

// SegmentsSize returns the total length of a write vector.
func SegmentsSize(segments [][]byte) int {
	n := 0
	for _, s := range segments {
		n += len(s)
	}

	return n
}
