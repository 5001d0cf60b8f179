package iopool

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/opencontainers/go-digest"
)

// MemPool allocates buffers on the heap.
type MemPool struct {
	maxBytes int64
	bytes    atomic.Int64
}

// Default is the pool used when none is configured.
var Default Pool = NewMemPool()

// Option configures a MemPool.
type Option func(*MemPool)

// WithMaxBytes limits the total size of live buffers.
// Use 0 to disable the limit.
func WithMaxBytes(n int64) Option {
	return func(p *MemPool) {
		p.maxBytes = n
	}
}

// NewMemPool returns a heap-backed pool.
func NewMemPool(opts ...Option) *MemPool {
	p := &MemPool{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Allocate implements Pool.
func (p *MemPool) Allocate() (Buffer, error) {
	b := &memBuffer{pool: p, digester: digest.Canonical.Digester()}
	b.refs.Store(1)
	return b, nil
}

// MaxBytes implements Pool.
func (p *MemPool) MaxBytes() int64 {
	return p.maxBytes
}

// SizeBytes implements Pool.
func (p *MemPool) SizeBytes() int64 {
	return p.bytes.Load()
}

func (p *MemPool) reserve(n int64) bool {
	if p.maxBytes <= 0 {
		p.bytes.Add(n)
		return true
	}
	for {
		cur := p.bytes.Load()
		if cur+n > p.maxBytes {
			return false
		}
		if p.bytes.CompareAndSwap(cur, cur+n) {
			return true
		}
	}
}

type memBuffer struct {
	pool     *MemPool
	mu       sync.RWMutex
	data     []byte
	digester digest.Digester
	refs     atomic.Int32
	released bool
}

func (b *memBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return 0, ErrReleased
	}
	if !b.pool.reserve(int64(len(p))) {
		return 0, ErrPoolExhausted
	}
	b.data = append(b.data, p...)
	b.digester.Hash().Write(p)
	return len(p), nil
}

func (b *memBuffer) ReadAt(p []byte, off int64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.released {
		return 0, ErrReleased
	}
	if off < 0 {
		return 0, errors.New("iopool: negative offset")
	}
	if off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *memBuffer) Size() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(len(b.data))
}

func (b *memBuffer) Digest() digest.Digest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.digester.Digest()
}

func (b *memBuffer) Retain() {
	if b.refs.Add(1) <= 1 {
		panic("iopool: retain of released buffer")
	}
}

func (b *memBuffer) Release() error {
	n := b.refs.Add(-1)
	if n < 0 {
		return ErrReleased
	}
	if n > 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pool.bytes.Add(-int64(len(b.data)))
	b.data = nil
	b.released = true
	return nil
}
