package logdev

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-faker/faker/v4"
	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"walgroup/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type pendingWrite struct {
	offset uint64
	data   []byte
	done   storage.WriteCallback
}

// testWriter records every group. Depending on its mode it completes writes
// inline, on a new goroutine, or only when the test says so.
type testWriter struct {
	mu       sync.Mutex
	writes   []pendingWrite
	deferred bool
	async    bool
	wg       sync.WaitGroup
}

func (w *testWriter) WriteV(offset uint64, segments [][]byte, done storage.WriteCallback) {
	data := bytes.Join(segments, nil)

	w.mu.Lock()
	w.writes = append(w.writes, pendingWrite{offset: offset, data: data, done: done})
	deferred, async := w.deferred, w.async
	w.mu.Unlock()

	switch {
	case deferred:
	case async:
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			done(nil)
		}()
	default:
		done(nil)
	}
}

func (w *testWriter) setDeferred(deferred bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deferred = deferred
}

func (w *testWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes)
}

func (w *testWriter) get(i int) pendingWrite {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes[i]
}

func (w *testWriter) complete(i int, err error) {
	w.get(i).done(err)
}

// stream returns every written group back to back, as a block store would
// lay them out.
func (w *testWriter) stream() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()

	var buf bytes.Buffer
	for _, wr := range w.writes {
		buf.Write(wr.data)
	}
	return buf.Bytes()
}

type completion struct {
	idx    int64
	offset uint64
	ctx    any
}

type completions struct {
	mu   sync.Mutex
	list []completion
}

func (c *completions) record(idx int64, offset uint64, ctx any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list = append(c.list, completion{idx: idx, offset: offset, ctx: ctx})
}

func (c *completions) snapshot() []completion {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]completion(nil), c.list...)
}

func newTestLogDev(t *testing.T, w storage.BlockWriter, opts Options) (*LogDev, *completions) {
	t.Helper()

	ld, err := New(log.NewNopLogger(), prometheus.NewRegistry(), w, opts)
	require.NoError(t, err)

	c := &completions{}
	ld.RegisterCallback(c.record)

	return ld, c
}

func decodeGroup(t *testing.T, data []byte) DecodedGroup {
	t.Helper()

	r := NewReader(bytes.NewReader(data), 0)
	ok := r.Next()
	require.True(t, ok, "decode group: %v", r.Err())
	g := r.Group()
	require.False(t, r.Next())
	require.NoError(t, r.Err())

	return g
}

func TestNewRequiresWriter(t *testing.T) {
	_, err := New(log.NewNopLogger(), nil, nil, Options{})
	assert.Equal(t, ErrNoWriter, err)
}

func TestAppendWithoutCallback(t *testing.T) {
	ld, err := New(log.NewNopLogger(), nil, &testWriter{}, Options{})
	require.NoError(t, err)

	_, err = ld.Append([]byte("x"), nil)
	assert.Equal(t, ErrNoCallback, err)
}

func TestAppendRecordTooLarge(t *testing.T) {
	ld, _ := newTestLogDev(t, &testWriter{}, Options{})

	_, err := ld.Append(make([]byte, MaxGroupSize), nil)
	assert.ErrorIs(t, err, ErrRecordTooLarge)
	assert.Equal(t, int64(0), ld.NextIdx())

	idx, err := ld.Append(make([]byte, MaxGroupSize-GroupHeaderSize-SerializedRecordHeaderSize), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), idx)
}

func TestAppendThresholdScenario(t *testing.T) {
	w := &testWriter{}
	ld, c := newTestLogDev(t, w, Options{FlushThresholdSize: 100})

	for i := 0; i < 3; i++ {
		idx, err := ld.Append(bytes.Repeat([]byte{'a'}, 10), i)
		require.NoError(t, err)
		assert.Equal(t, int64(i), idx)
	}

	assert.Equal(t, 0, w.count())
	assert.Equal(t, int64(3*SerializedSize(10)), ld.PendingFlushSize())

	idx, err := ld.Append(bytes.Repeat([]byte{'b'}, 80), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), idx)

	require.Equal(t, 1, w.count())
	wr := w.get(0)
	assert.Equal(t, uint64(0), wr.offset)

	dataSize := 3*SerializedSize(10) + SerializedSize(80)
	g := decodeGroup(t, wr.data)
	assert.Equal(t, uint32(4), g.Header.NRecords)
	assert.Equal(t, uint32(GroupHeaderSize+dataSize), g.Header.GroupSize)
	assert.Equal(t, g.Header.GroupSize, g.Header.InlineDataSize)
	assert.Equal(t, int64(0), ld.PendingFlushSize())
	assert.Equal(t, int64(3), ld.LastFlushedIdx())

	got := c.snapshot()
	require.Len(t, got, 4)
	for i, cmp := range got {
		assert.Equal(t, int64(i), cmp.idx)
		assert.Equal(t, uint64(0), cmp.offset)
		assert.Equal(t, i, cmp.ctx)
	}
}

func TestChainFlushAfterCompletion(t *testing.T) {
	w := &testWriter{deferred: true}
	ld, c := newTestLogDev(t, w, Options{FlushThresholdSize: 100})

	payload := bytes.Repeat([]byte("c"), 80)

	_, err := ld.Append(payload, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, w.count())

	_, err = ld.Append(payload, nil)
	require.NoError(t, err)
	require.Equal(t, 1, w.count())
	assert.True(t, ld.IsFlushing())

	// Over the threshold again while the first group is in flight.
	_, err = ld.Append(payload, nil)
	require.NoError(t, err)
	_, err = ld.Append(payload, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, w.count())
	assert.Equal(t, int64(2*SerializedSize(80)), ld.PendingFlushSize())

	w.complete(0, nil)

	// No new append was needed for the second group.
	require.Equal(t, 2, w.count())
	second := w.get(1)
	assert.Equal(t, uint64(GroupHeaderSize+2*SerializedSize(80)), second.offset)

	g := decodeGroup(t, second.data)
	require.Len(t, g.Records, 2)
	assert.Equal(t, int64(2), g.Records[0].LogIdx)
	assert.Equal(t, int64(3), g.Records[1].LogIdx)

	assert.Len(t, c.snapshot(), 2)
	w.complete(1, nil)

	got := c.snapshot()
	require.Len(t, got, 4)
	assert.Equal(t, uint64(0), got[1].offset)
	assert.Equal(t, second.offset, got[2].offset)
	assert.Equal(t, second.offset, got[3].offset)
	assert.False(t, ld.IsFlushing())
}

func TestSingleFlushOwnerUnderContention(t *testing.T) {
	const appenders = 32

	w := &testWriter{deferred: true}
	ld, c := newTestLogDev(t, w, Options{FlushThresholdSize: int64(appenders * SerializedSize(1))})

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < appenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := ld.Append([]byte{byte(i)}, i)
			assert.NoError(t, err)
		}(i)
	}
	close(start)
	wg.Wait()

	// The write never completes, so every other election failed.
	require.Equal(t, 1, w.count())

	g := decodeGroup(t, w.get(0).data)
	require.NotEmpty(t, g.Records)
	for i, rec := range g.Records {
		assert.Equal(t, int64(i), rec.LogIdx)
	}

	w.setDeferred(false)
	w.complete(0, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ld.Stop(ctx))

	got := c.snapshot()
	require.Len(t, got, appenders)
	for i, cmp := range got {
		assert.Equal(t, int64(i), cmp.idx)
	}
}

func TestConcurrentAppendsUniqueIndices(t *testing.T) {
	const (
		appenders   = 8
		perAppender = 400
	)

	w := &testWriter{async: true}
	ld, c := newTestLogDev(t, w, Options{FlushThresholdSize: 512})

	var mu sync.Mutex
	var indices []int64

	var wg sync.WaitGroup
	for a := 0; a < appenders; a++ {
		wg.Add(1)
		go func(a int) {
			defer wg.Done()
			local := make([]int64, 0, perAppender)
			for i := 0; i < perAppender; i++ {
				payload := bytes.Repeat([]byte{byte(a)}, (a*131+i*17)%900)
				idx, err := ld.Append(payload, a)
				if !assert.NoError(t, err) {
					return
				}
				local = append(local, idx)
			}
			mu.Lock()
			indices = append(indices, local...)
			mu.Unlock()
		}(a)
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, ld.Stop(ctx))
	w.wg.Wait()

	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	require.Len(t, indices, appenders*perAppender)
	for i, idx := range indices {
		require.Equal(t, int64(i), idx)
	}

	// Exactly once, ascending within a group, offsets of earlier groups first.
	got := c.snapshot()
	require.Len(t, got, appenders*perAppender)
	seen := make(map[int64]bool, len(got))
	for i, cmp := range got {
		require.False(t, seen[cmp.idx], "index %d completed twice", cmp.idx)
		seen[cmp.idx] = true
		assert.Equal(t, int64(i), cmp.idx)
		if i > 0 {
			assert.GreaterOrEqual(t, cmp.offset, got[i-1].offset)
		}
	}

	for i := 0; i < w.count(); i++ {
		assert.LessOrEqual(t, len(w.get(i).data), MaxGroupSize)
	}
}

func TestCompletionOffsetsFollowReservations(t *testing.T) {
	w := &testWriter{}
	ld, c := newTestLogDev(t, w, Options{FlushThresholdSize: 20000, StartOffset: 4096})

	payload := bytes.Repeat([]byte("o"), 600)
	for i := 0; i < 40; i++ {
		_, err := ld.Append(payload, nil)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ld.Stop(ctx))

	require.Greater(t, w.count(), 1)

	next := uint64(4096)
	byOffset := make(map[uint64][]int64)
	for i := 0; i < w.count(); i++ {
		wr := w.get(i)
		assert.Equal(t, next, wr.offset)
		require.LessOrEqual(t, len(wr.data), MaxGroupSize)

		g := decodeGroup(t, wr.data)
		assert.Equal(t, uint32(len(wr.data)), g.Header.GroupSize)
		for _, rec := range g.Records {
			assert.False(t, rec.IsInlined)
			assert.Equal(t, payload, rec.Data)
			byOffset[wr.offset] = append(byOffset[wr.offset], rec.LogIdx)
		}

		next += uint64(len(wr.data))
	}

	got := c.snapshot()
	require.Len(t, got, 40)
	for _, cmp := range got {
		assert.Contains(t, byOffset[cmp.offset], cmp.idx)
	}
}

func TestWriteFailureStopsFlushing(t *testing.T) {
	w := &testWriter{deferred: true}
	ld, c := newTestLogDev(t, w, Options{FlushThresholdSize: 10})

	_, err := ld.Append([]byte("first"), nil)
	require.NoError(t, err)
	require.Equal(t, 1, w.count())

	_, err = ld.Append([]byte("second"), nil)
	require.NoError(t, err)

	w.complete(0, errors.New("disk on fire"))

	assert.Empty(t, c.snapshot())
	assert.Equal(t, int64(-1), ld.LastFlushedIdx())
	assert.True(t, ld.IsFlushing())
	assert.Equal(t, 1, w.count())

	require.Error(t, ld.Err())
	assert.ErrorIs(t, ld.Err(), ErrFlushFailed)

	var ferr *FlushError
	require.ErrorAs(t, ld.Err(), &ferr)
	assert.Equal(t, int64(0), ferr.From)
	assert.Equal(t, int64(0), ferr.Upto)

	_, err = ld.Append([]byte("third"), nil)
	assert.ErrorIs(t, err, ErrFlushFailed)

	assert.False(t, ld.Flush())

	err = ld.Stop(context.Background())
	assert.ErrorIs(t, err, ErrFlushFailed)
}

func TestStopFlushesBelowThreshold(t *testing.T) {
	w := &testWriter{}
	ld, c := newTestLogDev(t, w, Options{FlushThresholdSize: 1 << 20})

	for i := 0; i < 3; i++ {
		_, err := ld.Append([]byte(faker.Sentence()), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, w.count())

	require.NoError(t, ld.Stop(context.Background()))
	assert.Len(t, c.snapshot(), 3)

	_, err := ld.Append([]byte("late"), nil)
	assert.Equal(t, ErrClosed, err)
	assert.Equal(t, ErrAlreadyClosed, ld.Stop(context.Background()))
}

func TestStopHonoursContext(t *testing.T) {
	w := &testWriter{deferred: true}
	ld, _ := newTestLogDev(t, w, Options{FlushThresholdSize: 1})

	_, err := ld.Append([]byte("stuck"), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err = ld.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTruncatesFlushedRecords(t *testing.T) {
	w := &testWriter{}
	ld, c := newTestLogDev(t, w, Options{FlushThresholdSize: 1, TruncateIdxFrequency: 8})

	for i := 0; i < 100; i++ {
		_, err := ld.Append([]byte{byte(i)}, nil)
		require.NoError(t, err)
	}

	assert.Equal(t, 100, w.count())
	assert.Len(t, c.snapshot(), 100)
	assert.LessOrEqual(t, ld.records.Len(), 8)
	assert.Equal(t, int64(99), ld.LastFlushedIdx())
}

func TestEmptyPayloads(t *testing.T) {
	w := &testWriter{}
	ld, c := newTestLogDev(t, w, Options{FlushThresholdSize: 2 * SerializedRecordHeaderSize})

	_, err := ld.Append(nil, "a")
	require.NoError(t, err)
	_, err = ld.Append([]byte{}, "b")
	require.NoError(t, err)

	require.Equal(t, 1, w.count())
	g := decodeGroup(t, w.get(0).data)
	require.Len(t, g.Records, 2)
	assert.Empty(t, g.Records[0].Data)
	assert.True(t, g.Records[1].IsInlined)

	got := c.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ctx)
	assert.Equal(t, "b", got[1].ctx)
}

func TestStopWaitsForInFlightAppends(t *testing.T) {
	const appenders = 4

	for trial := 0; trial < 50; trial++ {
		w := &testWriter{async: true}
		ld, c := newTestLogDev(t, w, Options{FlushThresholdSize: 1 << 20})

		var mu sync.Mutex
		var accepted []int64

		start := make(chan struct{})
		var wg sync.WaitGroup
		for a := 0; a < appenders; a++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for {
					idx, err := ld.Append([]byte("racing stop"), nil)
					if err != nil {
						assert.Equal(t, ErrClosed, err)
						return
					}
					mu.Lock()
					accepted = append(accepted, idx)
					mu.Unlock()
				}
			}()
		}

		close(start)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		require.NoError(t, ld.Stop(ctx))
		cancel()

		// Nothing can be admitted after Stop, so every callback is in already.
		got := c.snapshot()

		wg.Wait()
		w.wg.Wait()

		mu.Lock()
		require.Len(t, got, len(accepted), "trial %d", trial)
		mu.Unlock()
		for i, cmp := range got {
			require.Equal(t, int64(i), cmp.idx)
		}
		assert.Equal(t, int64(len(got)), ld.NextIdx())
	}
}

func TestFlushResumesAfterIndexGap(t *testing.T) {
	w := &testWriter{}
	ld, c := newTestLogDev(t, w, Options{FlushThresholdSize: 100})

	// Index 0 is handed out but its record is not tracked yet, as when an
	// appender is preempted between the two steps.
	ld.logIdx.Inc()

	for i := 1; i <= 4; i++ {
		idx, err := ld.Append(bytes.Repeat([]byte{'g'}, 30), i)
		require.NoError(t, err)
		assert.Equal(t, int64(i), idx)
	}

	assert.Equal(t, 0, w.count())
	assert.False(t, ld.IsFlushing())
	assert.False(t, ld.Flush())

	late := Record{Data: []byte("late"), Context: 0}
	require.NoError(t, ld.records.Create(0, late))
	assert.True(t, ld.flushIfNeeded(late.SerializedSize()))

	require.Equal(t, 1, w.count())
	g := decodeGroup(t, w.get(0).data)
	require.Len(t, g.Records, 5)
	for i, rec := range g.Records {
		assert.Equal(t, int64(i), rec.LogIdx)
	}
	assert.Equal(t, []byte("late"), g.Records[0].Data)

	got := c.snapshot()
	require.Len(t, got, 5)
	for i, cmp := range got {
		assert.Equal(t, int64(i), cmp.idx)
		assert.Equal(t, i, cmp.ctx)
	}
	assert.Equal(t, int64(0), ld.PendingFlushSize())
	assert.Equal(t, int64(4), ld.LastFlushedIdx())
}
