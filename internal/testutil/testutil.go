// Package testutil provides in-memory doubles for the file system kernel:
// a plain storage driver, a small archive codec with failure injection and
// a recorder for sync order.
package testutil

import (
	"io"
	"time"
)

// ByteSource implements fstype.ReaderAt over a byte slice.
type ByteSource struct {
	data []byte
}

// NewByteSource returns a byte source backed by data.
func NewByteSource(data []byte) *ByteSource {
	return &ByteSource{data: data}
}

// ReadAt implements io.ReaderAt semantics over the backing slice.
func (b *ByteSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the total size of the backing data.
func (b *ByteSource) Size() int64 {
	return int64(len(b.data))
}

// Epoch is a fixed modification time for test entries.
var Epoch = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
