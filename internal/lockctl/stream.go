package lockctl

import (
	"io"
	"io/fs"
	"sync"

	"github.com/meigma/fedfs/internal/address"
	"github.com/meigma/fedfs/internal/fstype"
	"github.com/meigma/fedfs/internal/rwlock"
)

type inputStream struct {
	io.ReadCloser
	c    *Controller
	once sync.Once
}

func (s *inputStream) Close() error {
	err := s.ReadCloser.Close()
	s.once.Do(func() { s.c.readers.Add(-1) })
	return err
}

// inputStreamAt keeps random access available to callers such as archive
// drivers that mount the entry.
type inputStreamAt struct {
	*inputStream
	ra fstype.ReaderAt
}

func (s *inputStreamAt) ReadAt(p []byte, off int64) (int, error) {
	return s.ra.ReadAt(p, off)
}

func (s *inputStreamAt) Size() int64 {
	return s.ra.Size()
}

// outputStream is a registered output stream. Closing it commits the
// written content to the inner controller under the write lock.
type outputStream struct {
	c    *Controller
	w    io.WriteCloser
	name address.EntryName

	mu     sync.Mutex
	closed bool
}

func (s *outputStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fs.ErrClosed
	}
	return s.w.Write(p)
}

// Close flushes the stream. It takes the write lock of the file system with
// a fresh holder, so it must not be called by a goroutine that holds only
// the read lock of the same file system.
func (s *outputStream) Close() error {
	h := rwlock.NewHolder()
	s.c.lock.Lock(h)
	defer s.c.lock.Unlock(h)
	return s.finish(false)
}

// Discard closes the stream without committing its content.
func (s *outputStream) Discard() error {
	h := rwlock.NewHolder()
	s.c.lock.Lock(h)
	defer s.c.lock.Unlock(h)
	return s.finish(true)
}

func (s *outputStream) finish(discard bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fs.ErrClosed
	}
	s.closed = true
	var err error
	if d, ok := s.w.(fstype.Discarder); ok && discard {
		err = d.Discard()
	} else {
		err = s.w.Close()
	}
	s.mu.Unlock()
	s.c.unregister(s)
	return err
}
