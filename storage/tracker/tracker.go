// Package tracker keeps records that were submitted to a log but are not yet
// durable, indexed by their log index.
//
// Records are created concurrently by appenders and walked, completed and
// truncated by a single flusher. Iteration only ever visits the contiguous
// run of active records that starts at the requested index, so a caller can
// never skip over a record whose creation is still in flight.
package tracker

import (
	"sync"

	"github.com/google/btree"
	"github.com/pkg/errors"
)

var (
	ErrDuplicateIndex = errors.New("index already tracked")
	ErrNotActive      = errors.New("index is not active")
)

type entry[T any] struct {
	idx       int64
	completed bool
	value     T
}

// Tracker is safe for concurrent use.
type Tracker[T any] struct {
	mu    sync.RWMutex
	items *btree.BTreeG[*entry[T]]

	// Entries at or below truncatedUpto have been dropped.
	truncatedUpto int64
}

func New[T any]() *Tracker[T] {
	return &Tracker[T]{
		items: btree.NewG[*entry[T]](32, func(a, b *entry[T]) bool {
			return a.idx < b.idx
		}),
		truncatedUpto: -1,
	}
}

// Create starts tracking value under idx.
func (t *Tracker[T]) Create(idx int64, value T) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if idx <= t.truncatedUpto {
		return errors.Wrapf(ErrDuplicateIndex, "index %d already truncated", idx)
	}

	if _, found := t.items.ReplaceOrInsert(&entry[T]{idx: idx, value: value}); found {
		return errors.Wrapf(ErrDuplicateIndex, "index %d", idx)
	}

	return nil
}

// At returns the value stored under idx, active or completed.
func (t *Tracker[T]) At(idx int64) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.items.Get(&entry[T]{idx: idx})
	if !ok {
		var zero T
		return zero, false
	}

	return e.value, true
}

// ForEachActive calls fn for every active record from start upwards, in
// ascending order, until fn returns false or the next index is missing or
// completed. It returns the last index visited, or start-1 when nothing was
// visited.
//
// fn runs with the read lock held and must not call back into the tracker's
// mutating methods.
func (t *Tracker[T]) ForEachActive(start int64, fn func(idx int64, value T) bool) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	last := start - 1
	t.items.AscendGreaterOrEqual(&entry[T]{idx: start}, func(e *entry[T]) bool {
		if e.idx != last+1 || e.completed {
			return false
		}
		if !fn(e.idx, e.value) {
			return false
		}
		last = e.idx
		return true
	})

	return last
}

// Complete marks every index in [from, to] as durable. All of them must be
// active.
func (t *Tracker[T]) Complete(from, to int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for idx := from; idx <= to; idx++ {
		e, ok := t.items.Get(&entry[T]{idx: idx})
		if !ok || e.completed {
			return errors.Wrapf(ErrNotActive, "complete [%d, %d] at %d", from, to, idx)
		}
	}

	t.items.AscendRange(&entry[T]{idx: from}, &entry[T]{idx: to + 1}, func(e *entry[T]) bool {
		e.completed = true
		return true
	})

	return nil
}

// Truncate drops completed records up to and including upto. It stops at the
// first record that is still active and returns the highest dropped index.
func (t *Tracker[T]) Truncate(upto int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var drop []*entry[T]
	t.items.AscendLessThan(&entry[T]{idx: upto + 1}, func(e *entry[T]) bool {
		if !e.completed {
			return false
		}
		drop = append(drop, e)
		return true
	})

	for _, e := range drop {
		t.items.Delete(e)
		t.truncatedUpto = e.idx
	}

	return t.truncatedUpto
}

// Len returns the number of tracked records, completed or not.
func (t *Tracker[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.items.Len()
}
