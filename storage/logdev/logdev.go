// Package logdev implements a group-commit log device.
//
// Appenders hand records to a LogDev from any number of goroutines. Each
// record gets a monotonically increasing log index and is kept in a tracker
// until it is durable. Once enough serialized bytes are pending, one of the
// appenders wins a compare-and-swap and becomes the flush owner: it packs the
// oldest pending records into a Group, reserves the next region of the log
// address space and hands the group to the block writer as a single vectored
// write. Losers return right away.
//
// When the write completes every record of the group is reported through the
// registered AppendCallback, in index order and with the offset of the group,
// and the device checks again whether the records that arrived while the
// write was in flight need another flush.
//
// On disk a group looks like:
//
//	group := header inline-record* out-of-line-payload*
//
//	header :=
//		magic               uint32 // 0xDABAF00D
//		n_log_records       uint32
//		group_size          uint32 // header + inline region + out-of-line payloads
//		inline_data_size    uint32 // header + inline region
//		prev_grp_checksum   uint32
//		cur_grp_checksum    uint32 // xxhash of the group body, seeded by prev_grp_checksum
//
//	inline-record :=
//		log_idx             int64
//		size:31 is_inlined:1 uint32
//		data                [size]uint8 // only when is_inlined
//
// All integers are little endian. Payloads of DMABoundary bytes or more are
// not copied into the inline region; they follow it in record order.
package logdev

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"walgroup/storage"
	"walgroup/storage/tracker"
)

const (
	DefaultFlushThresholdSize   = 4096
	DefaultTruncateIdxFrequency = FlushIdxFrequency * 10

	stopPollInterval = 10 * time.Millisecond
)

var (
	ErrClosed         = errors.New("log device closed")
	ErrAlreadyClosed  = errors.New("log device already closed")
	ErrFlushFailed    = errors.New("log group flush failed")
	ErrRecordTooLarge = errors.New("record does not fit in a log group")
	ErrNoCallback     = errors.New("append callback not registered")
	ErrNoWriter       = errors.New("block writer is required")
)

// AppendCallback is called once per record after the group holding it is
// durable. offset is the log offset of that group.
type AppendCallback func(idx int64, offset uint64, ctx any)

// FlushError is the terminal failure of a group write. Once it happens the
// device stops flushing and refuses appends.
type FlushError struct {
	From, Upto int64
	Offset     uint64
	Err        error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("flush of log indices [%d, %d] at offset %d: %v", e.From, e.Upto, e.Offset, e.Err)
}

func (e *FlushError) Unwrap() error {
	return e.Err
}

func (e *FlushError) Is(target error) bool {
	return target == ErrFlushFailed
}

type Options struct {
	// FlushThresholdSize is the number of pending serialized bytes that makes
	// an appender try to flush.
	FlushThresholdSize int64
	// TruncateIdxFrequency is how many flushed records accumulate before the
	// tracker drops them.
	TruncateIdxFrequency int64
	// StartOffset is the log offset of the first group.
	StartOffset uint64
}

func (o *Options) applyDefaults() {
	if o.FlushThresholdSize <= 0 {
		o.FlushThresholdSize = DefaultFlushThresholdSize
	}

	if o.TruncateIdxFrequency <= 0 {
		o.TruncateIdxFrequency = DefaultTruncateIdxFrequency
	}
}

type LogDev struct {
	logger  log.Logger
	metrics *Metrics
	writer  storage.BlockWriter
	opts    Options

	records  *tracker.Tracker[Record]
	groups   *groupPool
	appendCb AppendCallback

	logIdx           atomic.Int64
	pendingFlushSize atomic.Int64
	isFlushing       atomic.Bool
	closed           atomic.Bool
	err              atomic.Error
	flushedIdx       atomic.Int64

	// Only the current flush owner touches these. Ownership passes through
	// isFlushing.
	lastFlushIdx    int64
	lastTruncateIdx int64
	offset          uint64
	lastChecksum    uint32

	// appendMu orders Stop against in-flight appends: an append holds it
	// shared from the closed check until its record is tracked.
	appendMu sync.RWMutex

	mu       sync.Mutex
	notifyCh chan struct{}
}

func New(logger log.Logger, registerer prometheus.Registerer, writer storage.BlockWriter, opts Options) (*LogDev, error) {
	if writer == nil {
		return nil, ErrNoWriter
	}

	opts.applyDefaults()

	if registerer != nil {
		registerer = prometheus.WrapRegistererWithPrefix("storage_logdev_", registerer)
	}

	ld := &LogDev{
		logger:          logger,
		metrics:         NewMetrics(registerer),
		writer:          writer,
		opts:            opts,
		records:         tracker.New[Record](),
		groups:          newGroupPool(),
		lastFlushIdx:    -1,
		lastTruncateIdx: -1,
		offset:          opts.StartOffset,
		notifyCh:        make(chan struct{}),
	}
	ld.flushedIdx.Store(-1)
	ld.metrics.lastFlushedIdx.Set(-1)

	return ld, nil
}

// RegisterCallback sets the completion callback. It must be called once,
// before the first Append.
func (ld *LogDev) RegisterCallback(cb AppendCallback) {
	ld.appendCb = cb
}

// Append queues data for the log and returns its index. data must stay
// untouched until the callback for the index has run.
func (ld *LogDev) Append(data []byte, ctx any) (int64, error) {
	idx, err := ld.register(data, ctx)
	if err != nil {
		return -1, err
	}

	ld.flushIfNeeded(0)

	return idx, nil
}

func (ld *LogDev) register(data []byte, ctx any) (int64, error) {
	ld.appendMu.RLock()
	defer ld.appendMu.RUnlock()

	if ld.closed.Load() {
		return -1, ErrClosed
	}

	if err := ld.err.Load(); err != nil {
		return -1, err
	}

	if ld.appendCb == nil {
		return -1, ErrNoCallback
	}

	size := SerializedSize(len(data))
	if size+GroupHeaderSize > MaxGroupSize {
		return -1, errors.Wrapf(ErrRecordTooLarge, "serialized size %d, group limit %d", size, MaxGroupSize-GroupHeaderSize)
	}

	// Account for the record before it gets an index so a flush owner never
	// sees a record whose bytes are not pending yet.
	ld.pendingFlushSize.Add(int64(size))

	idx := ld.logIdx.Inc() - 1
	if err := ld.records.Create(idx, Record{Data: data, Context: ctx}); err != nil {
		panic(errors.Wrap(err, "registering appended record"))
	}
	ld.metrics.appends.Inc()

	return idx, nil
}

// flushIfNeeded adds recordSize to the pending bytes and, when the threshold
// is reached, tries to become the flush owner. It reports whether a group was
// dispatched.
func (ld *LogDev) flushIfNeeded(recordSize int) bool {
	pending := ld.pendingFlushSize.Add(int64(recordSize))
	ld.metrics.pendingBytes.Set(float64(pending))

	if pending < ld.opts.FlushThresholdSize {
		return false
	}

	return ld.tryFlush(false)
}

// Flush starts a flush of whatever is pending, ignoring the threshold. It
// returns false if another flush is in flight or nothing can be flushed.
func (ld *LogDev) Flush() bool {
	return ld.tryFlush(true)
}

func (ld *LogDev) tryFlush(force bool) bool {
	for {
		if !ld.isFlushing.CompareAndSwap(false, true) {
			ld.metrics.flushesRejected.Inc()
			return false
		}

		if g := ld.prepareFlush(); g != nil {
			ld.dispatch(g)
			return true
		}

		// Nothing contiguous to flush yet. A record that showed up while we
		// held the flag lost its own election to us, so look again.
		ld.isFlushing.Store(false)

		if !ld.flushable(force) {
			return false
		}
	}
}

func (ld *LogDev) flushable(force bool) bool {
	if !force && ld.pendingFlushSize.Load() < ld.opts.FlushThresholdSize {
		return false
	}

	_, ok := ld.records.At(ld.flushedIdx.Load() + 1)

	return ok
}

// prepareFlush fills a group with the oldest pending records and reserves its
// place in the log. It returns nil when no record is ready.
func (ld *LogDev) prepareFlush() *Group {
	g := ld.groups.get()

	from := ld.lastFlushIdx + 1
	upto := from - 1

	ld.records.ForEachActive(from, func(idx int64, rec Record) bool {
		if !g.TryAdd(rec, idx) {
			level.Debug(ld.logger).Log("msg", "log group full, stopping batch", "idx", idx, "max_group_size", MaxGroupSize)
			return false
		}
		upto = idx
		return true
	})

	if g.NRecords() == 0 {
		ld.groups.put(g)
		return nil
	}

	g.Finish(ld.lastChecksum)
	g.from = from
	g.upto = upto
	g.offset = ld.reserve(uint64(g.DataSize() + GroupHeaderSize))
	ld.lastChecksum = g.Header().CurGroupChecksum

	pending := ld.pendingFlushSize.Sub(int64(g.DataSize()))
	ld.metrics.pendingBytes.Set(float64(pending))

	level.Debug(ld.logger).Log("msg", "prepared log group", "group", g, "pending", pending)

	return g
}

// reserve hands out the next size bytes of the log address space.
func (ld *LogDev) reserve(size uint64) uint64 {
	off := ld.offset
	ld.offset += size

	return off
}

func (ld *LogDev) dispatch(g *Group) {
	ld.metrics.flushes.Inc()
	ld.metrics.flushedBytes.Add(float64(g.GroupSize()))
	ld.metrics.groupRecords.Observe(float64(g.NRecords()))

	ld.writer.WriteV(g.offset, g.Segments(), func(err error) {
		ld.onFlushCompletion(g, err)
	})
}

func (ld *LogDev) onFlushCompletion(g *Group, err error) {
	if err != nil {
		ld.fail(g, err)
		return
	}

	if g.from != ld.lastFlushIdx+1 || g.upto < g.from {
		panic(fmt.Sprintf("completed log group [%d, %d] does not follow last flushed index %d", g.from, g.upto, ld.lastFlushIdx))
	}

	if err := ld.records.Complete(g.from, g.upto); err != nil {
		panic(errors.Wrap(err, "completing flushed log group"))
	}

	ld.lastFlushIdx = g.upto

	for idx := g.from; idx <= g.upto; idx++ {
		rec, _ := ld.records.At(idx)
		ld.appendCb(idx, g.offset, rec.Context)
	}

	// Published after the callbacks so Stop returns only once they have run.
	ld.flushedIdx.Store(g.upto)
	ld.metrics.lastFlushedIdx.Set(float64(g.upto))

	if ld.lastFlushIdx >= ld.lastTruncateIdx+ld.opts.TruncateIdxFrequency {
		ld.lastTruncateIdx = ld.records.Truncate(ld.lastFlushIdx)
		ld.metrics.truncations.Inc()
		level.Debug(ld.logger).Log("msg", "truncated record tracker", "upto", ld.lastTruncateIdx)
	}

	ld.groups.put(g)
	ld.isFlushing.Store(false)
	ld.notify()

	// Records appended while the write was in flight may already be over the
	// threshold, and their appenders lost the election to us.
	if ld.flushIfNeeded(0) {
		ld.metrics.chainFlushes.Inc()
	}
}

// fail records a write failure. The flush flag stays set so no later group
// can be written past the hole.
func (ld *LogDev) fail(g *Group, err error) {
	ferr := &FlushError{From: g.from, Upto: g.upto, Offset: g.offset, Err: err}
	ld.err.Store(ferr)
	ld.metrics.writesFailed.Inc()

	level.Error(ld.logger).Log("msg", "log group write failed, flushing stopped", "from", g.from, "upto", g.upto, "offset", g.offset, "err", err)

	ld.notify()
}

func (ld *LogDev) notify() {
	ld.mu.Lock()
	defer ld.mu.Unlock()

	close(ld.notifyCh)
	ld.notifyCh = make(chan struct{})
}

func (ld *LogDev) flushNotify() <-chan struct{} {
	ld.mu.Lock()
	defer ld.mu.Unlock()

	return ld.notifyCh
}

// Stop refuses new appends and waits until every appended record is durable
// and its callback has run. It returns the flush failure, if there was one.
func (ld *LogDev) Stop(ctx context.Context) error {
	ld.appendMu.Lock()
	alreadyClosed := ld.closed.Swap(true)
	ld.appendMu.Unlock()

	if alreadyClosed {
		return ErrAlreadyClosed
	}

	ticker := time.NewTicker(stopPollInterval)
	defer ticker.Stop()

	for {
		ch := ld.flushNotify()

		if err := ld.err.Load(); err != nil {
			return err
		}

		if ld.flushedIdx.Load() >= ld.logIdx.Load()-1 {
			level.Info(ld.logger).Log("msg", "log device stopped", "last_flushed_idx", ld.flushedIdx.Load())
			return nil
		}

		ld.Flush()

		select {
		case <-ch:
		case <-ticker.C:
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for pending log groups")
		}
	}
}

// Err returns the flush failure that stopped the device, if any.
func (ld *LogDev) Err() error {
	return ld.err.Load()
}

// LastFlushedIdx is the highest index known to be durable, -1 if none.
func (ld *LogDev) LastFlushedIdx() int64 {
	return ld.flushedIdx.Load()
}

// NextIdx is the index the next Append will get.
func (ld *LogDev) NextIdx() int64 {
	return ld.logIdx.Load()
}

func (ld *LogDev) PendingFlushSize() int64 {
	return ld.pendingFlushSize.Load()
}

func (ld *LogDev) IsFlushing() bool {
	return ld.isFlushing.Load()
}
