// Package lockctl implements the concurrency controller: the outermost layer
// of every controller chain. It serializes operations on one mount point with
// the model's read/write lock and tracks open output streams so that a sync
// never commits a file system while content is still being written.
package lockctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meigma/fedfs/internal/address"
	"github.com/meigma/fedfs/internal/fstype"
	"github.com/meigma/fedfs/internal/rwlock"
)

// Controller guards an inner controller with the lock of its model.
//
// Read-only operations hold the read lock and mutating operations the write
// lock, for the duration of the call only. Streams returned by Open and
// Create do not hold the lock; output streams register themselves instead
// and take the write lock again when they are closed.
type Controller struct {
	inner  fstype.Controller
	model  *fstype.Model
	lock   *rwlock.RWLock
	logger *slog.Logger

	mu      sync.Mutex
	writers map[*outputStream]struct{}
	idle    chan struct{} // closed when the last writer closes
	readers atomic.Int64
}

var _ fstype.Controller = (*Controller)(nil)

// New wraps inner. A nil logger discards output.
func New(inner fstype.Controller, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	model := inner.Model()
	return &Controller{
		inner:   inner,
		model:   model,
		lock:    model.Lock(),
		logger:  logger.With("mount_point", model.MountPoint().String()),
		writers: make(map[*outputStream]struct{}),
	}
}

// Model implements fstype.Controller.
func (c *Controller) Model() *fstype.Model {
	return c.model
}

// Parent implements fstype.Controller.
func (c *Controller) Parent() fstype.Controller {
	return c.inner.Parent()
}

// OpenStreams returns the number of open input and output streams.
func (c *Controller) OpenStreams() (readers, writers int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.readers.Load()), len(c.writers)
}

func (c *Controller) readLocked(ctx context.Context, fn func(context.Context) error) error {
	ctx, h := rwlock.Ensure(ctx)
	c.lock.RLock(h)
	defer c.lock.RUnlock(h)
	return fn(ctx)
}

func (c *Controller) writeLocked(ctx context.Context, fn func(context.Context) error) error {
	ctx, h := rwlock.Ensure(ctx)
	if err := c.checkUpgrade(h); err != nil {
		return err
	}
	c.lock.Lock(h)
	defer c.lock.Unlock(h)
	return fn(ctx)
}

// checkUpgrade refuses write access to a holder that only holds the read
// lock; RWLock.Lock would block forever.
func (c *Controller) checkUpgrade(h rwlock.Holder) error {
	if c.lock.ReadHeldBy(h) && !c.lock.WriteHeldBy(h) {
		return fmt.Errorf("%s: %w", c.model.MountPoint(), fstype.ErrLockUpgrade)
	}
	return nil
}

// Stat implements fstype.Controller.
func (c *Controller) Stat(ctx context.Context, name address.EntryName) (*fstype.Entry, error) {
	var entry *fstype.Entry
	err := c.readLocked(ctx, func(ctx context.Context) error {
		var err error
		entry, err = c.inner.Stat(ctx, name)
		return err
	})
	return entry, err
}

// ReadDir implements fstype.Controller.
func (c *Controller) ReadDir(ctx context.Context, name address.EntryName) ([]*fstype.Entry, error) {
	var entries []*fstype.Entry
	err := c.readLocked(ctx, func(ctx context.Context) error {
		var err error
		entries, err = c.inner.ReadDir(ctx, name)
		return err
	})
	return entries, err
}

// CheckAccess implements fstype.Controller.
func (c *Controller) CheckAccess(ctx context.Context, name address.EntryName, mode fstype.AccessMode) error {
	return c.readLocked(ctx, func(ctx context.Context) error {
		return c.inner.CheckAccess(ctx, name, mode)
	})
}

// SetReadOnly implements fstype.Controller.
func (c *Controller) SetReadOnly(ctx context.Context, name address.EntryName) error {
	return c.writeLocked(ctx, func(ctx context.Context) error {
		return c.inner.SetReadOnly(ctx, name)
	})
}

// SetTime implements fstype.Controller.
func (c *Controller) SetTime(ctx context.Context, name address.EntryName, mtime time.Time) error {
	return c.writeLocked(ctx, func(ctx context.Context) error {
		return c.inner.SetTime(ctx, name, mtime)
	})
}

// Mknod implements fstype.Controller.
func (c *Controller) Mknod(ctx context.Context, name address.EntryName, typ fstype.EntryType, opts fstype.AccessOptions, template *fstype.Entry) error {
	return c.writeLocked(ctx, func(ctx context.Context) error {
		return c.inner.Mknod(ctx, name, typ, opts, template)
	})
}

// Unlink implements fstype.Controller.
func (c *Controller) Unlink(ctx context.Context, name address.EntryName, opts fstype.AccessOptions) error {
	return c.writeLocked(ctx, func(ctx context.Context) error {
		return c.inner.Unlink(ctx, name, opts)
	})
}

// Open implements fstype.Controller. The read lock is held while the
// stream is opened, not while it is read.
func (c *Controller) Open(ctx context.Context, name address.EntryName) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := c.readLocked(ctx, func(ctx context.Context) error {
		var err error
		rc, err = c.inner.Open(ctx, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.readers.Add(1)
	in := &inputStream{ReadCloser: rc, c: c}
	if ra, ok := rc.(fstype.ReaderAt); ok {
		return &inputStreamAt{inputStream: in, ra: ra}, nil
	}
	return in, nil
}

// Create implements fstype.Controller. The returned stream is registered
// until it is closed or discarded; Sync fails while it is open.
func (c *Controller) Create(ctx context.Context, name address.EntryName, opts fstype.AccessOptions, template *fstype.Entry) (io.WriteCloser, error) {
	var out *outputStream
	err := c.writeLocked(ctx, func(ctx context.Context) error {
		wc, err := c.inner.Create(ctx, name, opts, template)
		if err != nil {
			return err
		}
		out = &outputStream{c: c, w: wc, name: name}
		c.register(out)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Sync implements fstype.Controller.
//
// It holds the write lock while delegating to the inner controller and
// clears the model's touched flag only if the inner sync committed the
// data. Open output streams make it fail with *fstype.ResourceBusyError
// unless opts has WaitCloseIO or ForceCloseIO.
func (c *Controller) Sync(ctx context.Context, opts fstype.SyncOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	ctx, h := rwlock.Ensure(ctx)
	if err := c.checkUpgrade(h); err != nil {
		return err
	}
	c.lock.Lock(h)
	locked := true
	defer func() {
		if locked {
			c.lock.Unlock(h)
		}
	}()

	mountPoint := c.model.MountPoint()
	var warnings error
	for {
		_, n := c.OpenStreams()
		if n == 0 {
			break
		}
		busy := &fstype.ResourceBusyError{MountPoint: mountPoint, Streams: n}
		switch {
		case opts.Has(fstype.ForceCloseIO):
			c.logger.Warn("forcibly closing output streams", "streams", n)
			warnings = errors.Join(warnings, busy, c.forceClose())
		case opts.Has(fstype.WaitCloseIO) && c.lock.WriteHoldCount(h) == 1:
			c.logger.Debug("waiting for output streams to close", "streams", n)
			c.lock.Unlock(h)
			locked = false
			err := c.waitIdle(ctx)
			c.lock.Lock(h)
			locked = true
			if err != nil {
				return err
			}
		default:
			return busy
		}
	}

	if err := c.inner.Sync(ctx, opts); err != nil {
		if !fstype.IsSyncWarning(err) {
			return err
		}
		warnings = errors.Join(warnings, err)
	}
	c.model.SetTouched(false)
	if warnings != nil {
		return fstype.NewSyncWarning(mountPoint, warnings)
	}
	return nil
}

func (c *Controller) register(s *outputStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.writers) == 0 {
		c.idle = make(chan struct{})
	}
	c.writers[s] = struct{}{}
}

func (c *Controller) unregister(s *outputStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.writers[s]; !ok {
		return
	}
	delete(c.writers, s)
	if len(c.writers) == 0 {
		close(c.idle)
	}
}

func (c *Controller) waitIdle(ctx context.Context) error {
	c.mu.Lock()
	if len(c.writers) == 0 {
		c.mu.Unlock()
		return nil
	}
	idle := c.idle
	c.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// forceClose closes all registered output streams. The caller holds the
// write lock.
func (c *Controller) forceClose() error {
	c.mu.Lock()
	streams := make([]*outputStream, 0, len(c.writers))
	for s := range c.writers {
		streams = append(streams, s)
	}
	c.mu.Unlock()

	var errs error
	for _, s := range streams {
		if err := s.finish(false); err != nil && !errors.Is(err, fs.ErrClosed) {
			errs = errors.Join(errs, fmt.Errorf("closing %s: %w", s.name, err))
		}
	}
	return errs
}
