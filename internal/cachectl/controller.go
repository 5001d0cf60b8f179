// Package cachectl implements the content cache controller.
//
// The cache sits between the concurrency controller and an archive
// controller. It copies entry content into pooled buffers so that streams
// never hold the archive's backing storage open, and a sync can replace
// that storage while readers are still reading.
package cachectl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/meigma/fedfs/internal/address"
	"github.com/meigma/fedfs/internal/fstype"
	"github.com/meigma/fedfs/iopool"
)

// Controller caches entry content of an inner controller.
//
// The caller must serialize access the way the concurrency controller
// does: Open may run concurrently with other read operations, every other
// method must hold the write lock of the model.
//
// Controller uses singleflight to deduplicate concurrent pulls of the same
// entry while several readers hold the read lock.
type Controller struct {
	inner  fstype.Controller
	pool   iopool.Pool
	logger *slog.Logger

	pullGroup singleflight.Group

	mu      sync.Mutex
	entries map[address.EntryName]*entry
}

// entry is the cached content of one entry. A pending entry holds written
// content that could not be flushed to the inner controller yet.
type entry struct {
	buf      iopool.Buffer
	pending  bool
	opts     fstype.AccessOptions
	template *fstype.Entry
}

// Interface compliance.
var _ fstype.Controller = (*Controller)(nil)

// Option configures a Controller.
type Option func(*Controller)

// WithPool sets the buffer pool. Defaults to iopool.Default.
func WithPool(pool iopool.Pool) Option {
	return func(c *Controller) {
		if pool != nil {
			c.pool = pool
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New wraps inner with a content cache.
func New(inner fstype.Controller, opts ...Option) *Controller {
	c := &Controller{
		inner:   inner,
		pool:    iopool.Default,
		logger:  slog.New(slog.DiscardHandler),
		entries: make(map[address.EntryName]*entry),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	return c
}

// Model implements fstype.Controller.
func (c *Controller) Model() *fstype.Model {
	return c.inner.Model()
}

// Parent implements fstype.Controller.
func (c *Controller) Parent() fstype.Controller {
	return c.inner.Parent()
}

// Len returns the number of cached entries.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stat implements fstype.Controller.
func (c *Controller) Stat(ctx context.Context, name address.EntryName) (*fstype.Entry, error) {
	return c.inner.Stat(ctx, name)
}

// ReadDir implements fstype.Controller.
func (c *Controller) ReadDir(ctx context.Context, name address.EntryName) ([]*fstype.Entry, error) {
	return c.inner.ReadDir(ctx, name)
}

// CheckAccess implements fstype.Controller.
func (c *Controller) CheckAccess(ctx context.Context, name address.EntryName, mode fstype.AccessMode) error {
	return c.inner.CheckAccess(ctx, name, mode)
}

// SetReadOnly implements fstype.Controller.
func (c *Controller) SetReadOnly(ctx context.Context, name address.EntryName) error {
	return c.inner.SetReadOnly(ctx, name)
}

// SetTime implements fstype.Controller.
func (c *Controller) SetTime(ctx context.Context, name address.EntryName, mtime time.Time) error {
	return c.inner.SetTime(ctx, name, mtime)
}

// Mknod implements fstype.Controller.
func (c *Controller) Mknod(ctx context.Context, name address.EntryName, typ fstype.EntryType, opts fstype.AccessOptions, template *fstype.Entry) error {
	if err := c.inner.Mknod(ctx, name, typ, opts, template); err != nil {
		return err
	}
	c.drop(name)
	return nil
}

// Unlink implements fstype.Controller.
func (c *Controller) Unlink(ctx context.Context, name address.EntryName, opts fstype.AccessOptions) error {
	if err := c.inner.Unlink(ctx, name, opts); err != nil {
		return err
	}
	if name.IsRoot() {
		c.clear()
		return nil
	}
	c.drop(name)
	return nil
}

// Open implements fstype.Controller.
//
// The first read of an entry pulls its whole content from the inner
// controller into a buffer. Later reads share the buffer until it is
// invalidated by a write, an unlink or a sync that clears the cache.
func (c *Controller) Open(ctx context.Context, name address.EntryName) (io.ReadCloser, error) {
	// Fast path, avoids singleflight overhead.
	if buf := c.lookup(name); buf != nil {
		return iopool.NewReader(buf), nil
	}

	result, err, _ := c.pullGroup.Do(name.String(), func() (any, error) {
		// Re-check: another caller may have completed the pull between our
		// lookup and acquiring the singleflight key.
		if buf := c.lookup(name); buf != nil {
			return buf, nil
		}
		return c.pull(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return iopool.NewReader(result.(iopool.Buffer)), nil
}

func (c *Controller) pull(ctx context.Context, name address.EntryName) (iopool.Buffer, error) {
	rc, err := c.inner.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	buf, err := iopool.Fill(c.pool, rc)
	if cerr := rc.Close(); err == nil && cerr != nil {
		if buf != nil {
			_ = buf.Release()
		}
		err = cerr
	}
	if err != nil {
		return nil, fstype.PathError("open", c.Model().MountPoint(), name, err)
	}
	c.logger.Debug("cached entry", "entry", name.String(), "bytes", buf.Size())
	c.mu.Lock()
	c.entries[name] = &entry{buf: buf}
	c.mu.Unlock()
	return buf, nil
}

func (c *Controller) lookup(name address.EntryName) iopool.Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[name]; ok {
		return e.buf
	}
	return nil
}

// Create implements fstype.Controller.
//
// The inner output stream is obtained up front so that existence and
// permission checks fail early. Written content goes to a pooled buffer
// and is copied to the inner stream when the returned stream is closed.
func (c *Controller) Create(ctx context.Context, name address.EntryName, opts fstype.AccessOptions, template *fstype.Entry) (io.WriteCloser, error) {
	buf, err := c.pool.Allocate()
	if err != nil {
		return nil, fstype.PathError("create", c.Model().MountPoint(), name, err)
	}
	inner, err := c.inner.Create(ctx, name, opts, template)
	if err != nil {
		_ = buf.Release()
		return nil, err
	}
	return &writer{c: c, name: name, opts: opts, template: template, buf: buf, inner: inner}, nil
}

// install replaces the cached content of name. The cache takes over the
// caller's reference to buf.
func (c *Controller) install(name address.EntryName, e *entry) {
	c.mu.Lock()
	old := c.entries[name]
	c.entries[name] = e
	c.mu.Unlock()
	if old != nil {
		c.release(name, old)
	}
}

func (c *Controller) drop(name address.EntryName) {
	c.mu.Lock()
	old, ok := c.entries[name]
	delete(c.entries, name)
	c.mu.Unlock()
	if ok {
		c.release(name, old)
	}
}

func (c *Controller) release(name address.EntryName, e *entry) {
	if err := e.buf.Release(); err != nil {
		c.logger.Warn("releasing cache buffer", "entry", name.String(), "error", err)
	}
}

// clear releases all cached buffers, pending ones included.
func (c *Controller) clear() {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[address.EntryName]*entry)
	c.mu.Unlock()
	for name, e := range entries {
		c.release(name, e)
	}
}

// Sync implements fstype.Controller.
//
// Pending content is flushed to the inner controller before the sync is
// delegated. Cached buffers are released afterwards if opts has ClearCache
// or Unmount, or if the changes were aborted.
func (c *Controller) Sync(ctx context.Context, opts fstype.SyncOptions) error {
	if !opts.Has(fstype.AbortChanges) {
		if err := c.flushPending(ctx); err != nil {
			return err
		}
	}
	err := c.inner.Sync(ctx, opts)
	if err != nil && !fstype.IsSyncWarning(err) {
		return err
	}
	if opts.Has(fstype.AbortChanges) || opts.Has(fstype.ClearCache) || opts.Has(fstype.Unmount) {
		c.clear()
	}
	return err
}

func (c *Controller) flushPending(ctx context.Context) error {
	c.mu.Lock()
	pending := make(map[address.EntryName]*entry)
	for name, e := range c.entries {
		if e.pending {
			pending[name] = e
		}
	}
	c.mu.Unlock()

	var errs error
	for name, e := range pending {
		if err := c.flush(ctx, name, e); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		c.mu.Lock()
		if c.entries[name] == e {
			e.pending = false
		}
		c.mu.Unlock()
	}
	if errs != nil {
		c.Model().SetTouched(true)
		return fmt.Errorf("flushing cached entries: %w", errs)
	}
	return nil
}

func (c *Controller) flush(ctx context.Context, name address.EntryName, e *entry) error {
	w, err := c.inner.Create(ctx, name, e.opts.Without(fstype.Exclusive|fstype.Append), e.template)
	if err != nil {
		return err
	}
	return copyTo(w, e.buf)
}

// copyTo writes the content of buf to w and closes w. w is discarded if
// the copy fails.
func copyTo(w io.WriteCloser, buf iopool.Buffer) error {
	if _, err := io.Copy(w, io.NewSectionReader(buf, 0, buf.Size())); err != nil {
		if d, ok := w.(fstype.Discarder); ok {
			_ = d.Discard()
		} else {
			_ = w.Close()
		}
		return err
	}
	return w.Close()
}

// writer buffers written content until Close.
type writer struct {
	c        *Controller
	name     address.EntryName
	opts     fstype.AccessOptions
	template *fstype.Entry
	buf      iopool.Buffer
	inner    io.WriteCloser
	done     bool
}

func (w *writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, fs.ErrClosed
	}
	return w.buf.Write(p)
}

// Close flushes the content to the inner controller. If the flush fails the
// content stays cached as pending and the next sync retries it.
func (w *writer) Close() error {
	if w.done {
		return fs.ErrClosed
	}
	w.done = true
	err := copyTo(w.inner, w.buf)
	switch {
	case err == nil && w.opts.Has(fstype.Append):
		// The buffer holds the appended bytes only.
		_ = w.buf.Release()
		w.c.drop(w.name)
	case err == nil:
		w.c.install(w.name, &entry{buf: w.buf})
	case w.opts.Has(fstype.Append):
		_ = w.buf.Release()
		w.c.drop(w.name)
	default:
		w.c.logger.Warn("flush failed, keeping content pending", "entry", w.name.String(), "error", err)
		w.c.install(w.name, &entry{buf: w.buf, pending: true, opts: w.opts, template: w.template})
		// Pending content must keep the file system from being evicted.
		w.c.Model().SetTouched(true)
	}
	return err
}

// Discard drops the written content.
func (w *writer) Discard() error {
	if w.done {
		return fs.ErrClosed
	}
	w.done = true
	_ = w.buf.Release()
	if d, ok := w.inner.(fstype.Discarder); ok {
		return d.Discard()
	}
	return w.inner.Close()
}
