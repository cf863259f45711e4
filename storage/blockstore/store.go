// Package blockstore is a file backed storage.BlockWriter.
//
// The log address space is cut into segment files named after the offset of
// their first byte. Writes must arrive in offset order without gaps; each one
// is coalesced into a single buffer, appended to the active segment and
// fsynced on the store's worker goroutine before its callback runs.
package blockstore

import (
	"os"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"walgroup/storage"
)

const (
	DefaultSegmentSize = 64 * 1024 * 1024
	minSegmentSize     = 64 * 1024

	workQueueSize = 100
)

var (
	ErrInvalidSegmentSize = errors.New("invalid segment size")
	ErrClosed             = errors.New("block store closed")
	ErrAlreadyClosed      = errors.New("block store already closed")
	ErrOffsetMismatch     = errors.New("write offset does not match store tail")
)

type Store struct {
	logger      log.Logger
	segmentSize int64
	dir         string
	metrics     *StoreMetrics
	buffers     *storage.BytesPool

	// Owned by the worker goroutine once Open returns.
	segment *Segment
	tail    atomic.Uint64

	mutex     sync.Mutex
	closed    bool
	workQueue chan func()
	stopc     chan chan struct{}
}

type StoreMetrics struct {
	writes           prometheus.Counter
	writtenBytes     prometheus.Counter
	segmentRotations prometheus.Counter
	fsyncDuration    prometheus.Summary
	writesFailed     prometheus.Counter
}

// Open prepares dir and continues writing at the end of its last segment.
func Open(logger log.Logger, registerer prometheus.Registerer, dir string, segmentSize int64) (*Store, error) {
	if segmentSize < minSegmentSize {
		return nil, ErrInvalidSegmentSize
	}

	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, errors.Wrap(err, "create block store dir")
	}

	store := &Store{
		logger:      logger,
		segmentSize: segmentSize,
		dir:         dir,
		buffers:     storage.NewBytesPool(),
		stopc:       make(chan chan struct{}),
		workQueue:   make(chan func(), workQueueSize),
	}

	if registerer != nil {
		registerer = prometheus.WrapRegistererWithPrefix("storage_blockstore_", registerer)
	}
	store.metrics = NewStoreMetrics(registerer)

	lastSegmentRef, err := LastSegment(dir)

	if err != nil {
		return nil, err
	}

	writeSegmentInd := uint64(0)

	if lastSegmentRef != nil {
		writeSegmentInd = lastSegmentRef.index
	}

	segment, err := CreateSegment(dir, writeSegmentInd)

	if err != nil {
		return nil, err
	}

	store.setSegment(segment)

	level.Info(logger).Log("msg", "block store opened", "dir", dir, "segment", segment.i, "tail", store.Tail())

	go store.run()

	return store, nil
}

func NewStoreMetrics(registerer prometheus.Registerer) *StoreMetrics {
	m := &StoreMetrics{}

	m.writes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "writes_total",
		Help: "Total number of vectored writes.",
	})

	m.writtenBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "written_bytes_total",
		Help: "Total number of bytes written.",
	})

	m.segmentRotations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "segment_rotations_total",
		Help: "Total number of completed segments.",
	})

	m.fsyncDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Name:       "fsync_duration_seconds",
		Help:       "Duration of segment fsync.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})

	m.writesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "writes_failed_total",
		Help: "Total number of writes that failed.",
	})

	if registerer != nil {
		registerer.MustRegister(m.writes, m.writtenBytes, m.segmentRotations, m.fsyncDuration, m.writesFailed)
	}

	return m
}

func (s *Store) setSegment(segment *Segment) {
	s.segment = segment
	s.tail.Store(segment.End())
}

// Tail is the log offset the next write has to start at.
func (s *Store) Tail() uint64 {
	return s.tail.Load()
}

func (s *Store) Dir() string {
	return s.dir
}

// WriteV queues the write and returns. done runs on the store's worker.
func (s *Store) WriteV(offset uint64, segments [][]byte, done storage.WriteCallback) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		go done(ErrClosed)
		return
	}

	s.workQueue <- func() {
		err := s.write(offset, segments)

		if err != nil {
			s.metrics.writesFailed.Inc()
			level.Error(s.logger).Log("msg", "block write failed", "offset", offset, "err", err)
		}

		done(err)
	}
}

func (s *Store) write(offset uint64, segments [][]byte) error {
	if tail := s.tail.Load(); offset != tail {
		return errors.Wrapf(ErrOffsetMismatch, "offset %d, tail %d", offset, tail)
	}

	size := int64(storage.SegmentsSize(segments))

	if s.segment.written > 0 && s.segment.written+size > s.segmentSize {
		if err := s.nextSegment(offset); err != nil {
			return err
		}
	}

	buf := s.buffers.GetBytes()
	defer s.buffers.PutBytes(buf)

	n, err := s.segment.Write(s.buffers.Concat(buf, segments))
	s.segment.written += int64(n)
	s.tail.Add(uint64(n))

	if err != nil {
		return errors.Wrapf(err, "write segment %d", s.segment.i)
	}

	s.metrics.writes.Inc()
	s.metrics.writtenBytes.Add(float64(n))

	return s.fsync(s.segment)
}

func (s *Store) nextSegment(offset uint64) error {
	next, err := CreateSegment(s.dir, offset)

	if err != nil {
		return err
	}

	prev := s.segment
	s.setSegment(next)
	s.metrics.segmentRotations.Inc()

	if err := s.fsync(prev); err != nil {
		level.Error(s.logger).Log("msg", "error syncing previous segment", "err", err, "segmentId", prev.i)
	}

	if err := prev.Close(); err != nil {
		level.Error(s.logger).Log("msg", "error closing previous segment", "err", err, "segmentId", prev.i)
	}

	return nil
}

func (s *Store) fsync(segment *Segment) error {
	now := time.Now()
	err := segment.Sync()

	s.metrics.fsyncDuration.Observe(time.Since(now).Seconds())

	return errors.Wrapf(err, "sync segment %d", segment.i)
}

func (s *Store) run() {
Loop:
	for {
		select {
		case f := <-s.workQueue:
			f()
		case donec := <-s.stopc:
			close(s.workQueue)
			defer close(donec)
			break Loop
		}
	}

	for f := range s.workQueue {
		f()
	}
}

// Stop drains queued writes and closes the active segment.
func (s *Store) Stop() error {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return ErrAlreadyClosed
	}
	// Writes queued from now on fail, the ones already queued are drained.
	s.closed = true
	s.mutex.Unlock()

	donec := make(chan struct{})
	s.stopc <- donec
	<-donec

	if err := s.fsync(s.segment); err != nil {
		level.Error(s.logger).Log("msg", "sync active segment", "err", err)
	}

	if err := s.segment.Close(); err != nil {
		level.Error(s.logger).Log("msg", "close active segment", "err", err)
	}

	return nil
}
