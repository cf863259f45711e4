package logdev_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"walgroup/storage/blockstore"
	"walgroup/storage/logdev"
)

func TestLogDevOnBlockStore(t *testing.T) {
	dir := t.TempDir()
	logger := log.NewNopLogger()
	registry := prometheus.NewRegistry()

	store, err := blockstore.Open(logger, registry, dir, blockstore.DefaultSegmentSize)
	require.NoError(t, err)

	ld, err := logdev.New(logger, registry, store, logdev.Options{FlushThresholdSize: 1024, StartOffset: store.Tail()})
	require.NoError(t, err)

	var mu sync.Mutex
	offsets := make(map[int64]uint64)
	contexts := make(map[int64]any)
	ld.RegisterCallback(func(idx int64, offset uint64, ctx any) {
		mu.Lock()
		defer mu.Unlock()
		_, dup := offsets[idx]
		assert.False(t, dup, "index %d completed twice", idx)
		offsets[idx] = offset
		contexts[idx] = ctx
	})

	const writers, perWriter = 4, 250

	var wg sync.WaitGroup
	payloads := make([][]byte, writers*perWriter)
	keys := make([]string, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := fmt.Sprintf("%d/%d", w, i)
				data := append([]byte(key), make([]byte, (w*perWriter+i)%700)...)
				idx, err := ld.Append(data, key)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				payloads[idx] = data
				keys[idx] = key
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, ld.Stop(ctx))
	require.NoError(t, store.Stop())

	mu.Lock()
	assert.Len(t, offsets, writers*perWriter)
	for idx, key := range keys {
		assert.Equal(t, key, contexts[int64(idx)])
	}
	mu.Unlock()

	seg, err := blockstore.OpenReadSegment(dir, 0)
	require.NoError(t, err)
	defer seg.Close()

	r := logdev.NewReader(seg, 0)
	next := int64(0)
	for r.Next() {
		g := r.Group()
		for _, rec := range g.Records {
			require.Equal(t, next, rec.LogIdx)
			assert.Equal(t, payloads[rec.LogIdx], rec.Data)
			assert.Equal(t, g.Offset, offsets[rec.LogIdx])
			next++
		}
	}
	require.NoError(t, r.Err())
	assert.Equal(t, int64(writers*perWriter), next)
}
