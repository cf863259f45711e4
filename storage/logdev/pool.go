package logdev

import "sync"

// groupPool recycles groups between flush cycles so the 32kb inline buffer
// is not reallocated for every flush.
type groupPool struct {
	pool sync.Pool
}

func newGroupPool() *groupPool {
	return &groupPool{
		pool: sync.Pool{
			New: func() any {
				return NewGroup()
			},
		},
	}
}

func (p *groupPool) get() *Group {
	return p.pool.Get().(*Group)
}

func (p *groupPool) put(g *Group) {
	// Drop buffers that grew past the default so the pool stays small.
	if len(g.buf) > InlineLogBufSize {
		return
	}

	g.reset()
	p.pool.Put(g)
}
