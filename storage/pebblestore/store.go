// Package pebblestore is a storage.BlockWriter that keeps every log group as
// one Pebble key.
//
// Keys are ordered so a range scan walks the log in offset order:
//   - g/{offset_be8} (group bytes)
//   - m/tail         (log offset after the last group)
//
// A group and the new tail are committed in a single batch.
package pebblestore

import (
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"walgroup/storage"
)

// FsyncMode defines durability behavior for group commits.
type FsyncMode int

const (
	// FsyncModeAlways syncs Pebble's WAL on every group.
	FsyncModeAlways FsyncMode = iota
	// FsyncModeNever leaves syncing to Pebble. Callbacks then only mean the
	// group reached the memtable.
	FsyncModeNever
)

var (
	groupPrefix = []byte("g/")
	tailKey     = []byte("m/tail")
)

var (
	ErrClosed         = errors.New("pebble block store closed")
	ErrOffsetMismatch = errors.New("write offset does not match store tail")
)

type Options struct {
	// DataDir is the path to the Pebble database directory.
	DataDir string
	Fsync   FsyncMode
	// PebbleOptions allows tuning of Pebble. If nil, defaults are used.
	PebbleOptions *pebble.Options
}

type Store struct {
	logger log.Logger
	db     *pebble.DB
	sync   *pebble.WriteOptions
	tail   atomic.Uint64

	mutex     sync.Mutex
	closed    bool
	workQueue chan func()
	donec     chan struct{}
}

func Open(logger log.Logger, opts Options) (*Store, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: Options.DataDir is required")
	}

	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}

	db, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, errors.Wrap(err, "open pebble")
	}

	s := &Store{
		logger:    logger,
		db:        db,
		sync:      pebble.Sync,
		workQueue: make(chan func(), 100),
		donec:     make(chan struct{}),
	}

	if opts.Fsync == FsyncModeNever {
		s.sync = pebble.NoSync
	}

	val, closer, err := db.Get(tailKey)
	switch {
	case err == nil:
		s.tail.Store(binary.BigEndian.Uint64(val))
		closer.Close()
	case errors.Is(err, pebble.ErrNotFound):
	default:
		db.Close()
		return nil, errors.Wrap(err, "load tail")
	}

	level.Info(logger).Log("msg", "pebble block store opened", "dir", opts.DataDir, "tail", s.Tail())

	go s.run()

	return s, nil
}

func groupKey(offset uint64) []byte {
	key := make([]byte, len(groupPrefix)+8)
	copy(key, groupPrefix)
	binary.BigEndian.PutUint64(key[len(groupPrefix):], offset)

	return key
}

// Tail is the log offset the next write has to start at.
func (s *Store) Tail() uint64 {
	return s.tail.Load()
}

func (s *Store) WriteV(offset uint64, segments [][]byte, done storage.WriteCallback) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		go done(ErrClosed)
		return
	}

	s.workQueue <- func() {
		err := s.commit(offset, segments)
		if err != nil {
			level.Error(s.logger).Log("msg", "group commit failed", "offset", offset, "err", err)
		}
		done(err)
	}
}

func (s *Store) commit(offset uint64, segments [][]byte) error {
	if tail := s.tail.Load(); offset != tail {
		return errors.Wrapf(ErrOffsetMismatch, "offset %d, tail %d", offset, tail)
	}

	val := make([]byte, 0, storage.SegmentsSize(segments))
	for _, seg := range segments {
		val = append(val, seg...)
	}

	next := offset + uint64(len(val))
	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], next)

	b := s.db.NewBatch()
	defer b.Close()

	if err := b.Set(groupKey(offset), val, nil); err != nil {
		return err
	}

	if err := b.Set(tailKey, meta[:], nil); err != nil {
		return err
	}

	if err := b.Commit(s.sync); err != nil {
		return errors.Wrap(err, "commit group batch")
	}

	s.tail.Store(next)

	return nil
}

// Get copies the group stored at offset.
func (s *Store) Get(offset uint64) ([]byte, error) {
	val, closer, err := s.db.Get(groupKey(offset))
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	return append([]byte(nil), val...), nil
}

// Groups calls fn for every stored group in offset order until fn returns
// false. data is only valid during the call.
func (s *Store) Groups(fn func(offset uint64, data []byte) bool) error {
	upper := append([]byte(nil), groupPrefix...)
	upper[len(upper)-1]++

	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: groupPrefix, UpperBound: upper})
	if err != nil {
		return err
	}

	for it.First(); it.Valid(); it.Next() {
		offset := binary.BigEndian.Uint64(it.Key()[len(groupPrefix):])
		if !fn(offset, it.Value()) {
			break
		}
	}

	return it.Close()
}

func (s *Store) run() {
	defer close(s.donec)

	for f := range s.workQueue {
		f()
	}
}

// Close drains queued writes and closes the database.
func (s *Store) Close() error {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return ErrClosed
	}
	s.closed = true
	close(s.workQueue)
	s.mutex.Unlock()

	<-s.donec

	return s.db.Close()
}
