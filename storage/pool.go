package storage

import "sync"

// BytesPool recycles the buffers used to coalesce write vectors.
type BytesPool struct {
	pool sync.Pool
}

func NewBytesPool() *BytesPool {
	return &BytesPool{
		pool: sync.Pool{
			New: func() any {
				buf := new([]byte)             // Attempt to force allocation on heap.
				*buf = make([]byte, 0, 16<<10) // 16kb, two max sized groups
				return buf
			},
		},
	}
}

func (p *BytesPool) GetBytes() *[]byte {
	return p.pool.Get().(*[]byte)
}

func (p *BytesPool) PutBytes(b *[]byte) {
	*b = (*b)[:0]

	p.pool.Put(b)
}

// Concat appends every segment to the pooled buffer b and returns it.
func (p *BytesPool) Concat(b *[]byte, segments [][]byte) []byte {
	for _, s := range segments {
		*b = append(*b, s...)
	}

	return *b
}
