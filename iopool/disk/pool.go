// Package disk provides an iopool.Pool backed by temporary files.
package disk

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/fedfs/iopool"
)

const (
	defaultDirPerm = 0o700
	bufferPattern  = "buffer-*"
)

// Pool implements iopool.Pool using files in a directory.
// The pool is safe for concurrent use.
type Pool struct {
	dir      string       // directory holding buffer files
	dirPerm  os.FileMode  // permissions for the directory
	maxBytes int64        // maximum bytes held by live buffers (0 = unlimited)
	bytes    atomic.Int64 // current bytes held by live buffers
}

// Option configures a disk pool.
type Option func(*Pool)

// WithDirPerm sets the permissions used when creating the pool directory.
func WithDirPerm(mode os.FileMode) Option {
	return func(p *Pool) {
		p.dirPerm = mode
	}
}

// WithMaxBytes sets the maximum size of live buffers in bytes.
// Values < 0 are invalid. Use 0 to disable the limit.
func WithMaxBytes(n int64) Option {
	return func(p *Pool) {
		p.maxBytes = n
	}
}

// New creates a disk-backed pool rooted at dir.
// Buffer files left behind by a previous process are removed.
func New(dir string, opts ...Option) (*Pool, error) {
	if dir == "" {
		return nil, errors.New("pool dir is empty")
	}
	p := &Pool{
		dir:     dir,
		dirPerm: defaultDirPerm,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxBytes < 0 {
		return nil, errors.New("max bytes must be >= 0")
	}
	if err := os.MkdirAll(dir, p.dirPerm); err != nil {
		return nil, err
	}
	if _, err := removeStale(dir); err != nil {
		return nil, err
	}
	return p, nil
}

// Allocate implements iopool.Pool.
func (p *Pool) Allocate() (iopool.Buffer, error) {
	f, err := os.CreateTemp(p.dir, bufferPattern)
	if err != nil {
		return nil, err
	}
	b := &buffer{
		pool:     p,
		file:     f,
		digester: digest.Canonical.Digester(),
	}
	b.refs.Store(1)
	return b, nil
}

// MaxBytes implements iopool.Pool.
func (p *Pool) MaxBytes() int64 {
	return p.maxBytes
}

// SizeBytes implements iopool.Pool.
func (p *Pool) SizeBytes() int64 {
	return p.bytes.Load()
}

func (p *Pool) reserve(n int64) bool {
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

type buffer struct {
	pool     *Pool
	mu       sync.Mutex // serializes appends and release
	file     *os.File
	size     atomic.Int64
	digester digest.Digester
	refs     atomic.Int32
	released atomic.Bool
}

func (b *buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released.Load() {
		return 0, iopool.ErrReleased
	}
	if !b.pool.reserve(int64(len(p))) {
		return 0, iopool.ErrPoolExhausted
	}
	n, err := b.file.WriteAt(p, b.size.Load())
	b.size.Add(int64(n))
	b.digester.Hash().Write(p[:n])
	if n < len(p) {
		b.pool.bytes.Add(-int64(len(p) - n))
	}
	return n, err
}

func (b *buffer) ReadAt(p []byte, off int64) (int, error) {
	if b.released.Load() {
		return 0, iopool.ErrReleased
	}
	size := b.size.Load()
	if off >= size {
		return 0, io.EOF
	}
	if avail := size - off; int64(len(p)) > avail {
		p = p[:avail]
		n, err := b.file.ReadAt(p, off)
		if err == nil {
			err = io.EOF
		}
		return n, err
	}
	return b.file.ReadAt(p, off)
}

func (b *buffer) Size() int64 {
	return b.size.Load()
}

func (b *buffer) Digest() digest.Digest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.digester.Digest()
}

func (b *buffer) Retain() {
	if b.refs.Add(1) <= 1 {
		panic("iopool: retain of released buffer")
	}
}

func (b *buffer) Release() error {
	n := b.refs.Add(-1)
	if n < 0 {
		return iopool.ErrReleased
	}
	if n > 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released.Store(true)
	b.pool.bytes.Add(-b.size.Load())
	path := b.file.Name()
	closeErr := b.file.Close()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return closeErr
}

// removeStale deletes buffer files in dir and returns the bytes freed.
func removeStale(dir string) (int64, error) {
	matches, err := filepath.Glob(filepath.Join(dir, bufferPattern))
	if err != nil {
		return 0, err
	}
	var freed int64
	for _, path := range matches {
		info, err := os.Lstat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return freed, err
		}
		if !info.Mode().IsRegular() {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return freed, err
		}
		freed += info.Size()
	}
	return freed, nil
}
