// Package iopool provides temporary storage for entry content.
//
// Controllers use buffers to decouple the content of an entry from the
// lifecycle of the storage it was read from: a reader keeps its buffer alive
// even after the archive it came from has been replaced by a sync.
package iopool

import (
	"errors"
	"io"
	"sync"

	"github.com/opencontainers/go-digest"
)

// Sentinel errors.
var (
	// ErrPoolExhausted is returned when a write would exceed the pool's byte limit.
	ErrPoolExhausted = errors.New("iopool: pool exhausted")

	// ErrReleased is returned when using a buffer after its last reference was released.
	ErrReleased = errors.New("iopool: buffer released")
)

// Pool allocates buffers.
//
// Implementations must be safe for concurrent use.
type Pool interface {
	// Allocate returns an empty buffer holding one reference.
	Allocate() (Buffer, error)

	// MaxBytes returns the configured size limit (0 = unlimited).
	MaxBytes() int64

	// SizeBytes returns the number of bytes held by live buffers.
	SizeBytes() int64
}

// Buffer is reference-counted temporary storage.
//
// Content is appended with Write and read with ReadAt. Reads may run
// concurrently with each other and with appends. When the last reference
// is released the storage is freed and further use fails with ErrReleased.
type Buffer interface {
	io.Writer
	io.ReaderAt

	// Size returns the number of bytes written.
	Size() int64

	// Digest returns the digest of the bytes written so far.
	Digest() digest.Digest

	// Retain adds a reference.
	Retain()

	// Release drops a reference.
	Release() error
}

// Reader reads a buffer through its own reference.
type Reader struct {
	*io.SectionReader
	buf  Buffer
	once sync.Once
	err  error
}

// NewReader retains buf and returns a reader over its current content.
// Closing the reader releases the reference.
func NewReader(buf Buffer) *Reader {
	buf.Retain()
	return &Reader{
		SectionReader: io.NewSectionReader(buf, 0, buf.Size()),
		buf:           buf,
	}
}

// Digest returns the digest of the buffer content.
func (r *Reader) Digest() digest.Digest {
	return r.buf.Digest()
}

// Close releases the reader's reference.
func (r *Reader) Close() error {
	r.once.Do(func() {
		r.err = r.buf.Release()
	})
	return r.err
}

// Fill allocates a buffer from pool and copies src into it.
func Fill(pool Pool, src io.Reader) (Buffer, error) {
	buf, err := pool.Allocate()
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(buf, src); err != nil {
		_ = buf.Release()
		return nil, err
	}
	return buf, nil
}
