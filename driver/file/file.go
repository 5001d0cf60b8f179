// Package file implements the plain storage driver: the root of every
// chain of federated file systems. Entry names resolve against a directory
// of the operating system's file system, "/" by default.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/meigma/fedfs/internal/address"
	"github.com/meigma/fedfs/internal/fstype"
)

// Driver creates controllers for the root mount point of its scheme.
type Driver struct {
	root   *os.Root
	dir    string
	logger *slog.Logger
}

// Interface compliance.
var (
	_ fstype.Driver     = (*Driver)(nil)
	_ fstype.Controller = (*Controller)(nil)
	_ fstype.ReaderAt   = (*fileSource)(nil)
)

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// New returns a driver rooted at dir. An empty dir means "/".
// Access never escapes dir, including through symbolic links.
func New(dir string, opts ...Option) (*Driver, error) {
	if dir == "" {
		dir = "/"
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("file driver: %w", err)
	}
	d := &Driver{
		root:   root,
		dir:    root.Name(),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(d)
	}
	return d, nil
}

// Close releases the root directory.
func (d *Driver) Close() error {
	return d.root.Close()
}

// NewController implements fstype.Driver.
func (d *Driver) NewController(model *fstype.Model, parent fstype.Controller) fstype.Controller {
	if parent != nil || model.MountPoint().IsFederated() {
		panic("fedfs: file driver bound to federated mount point " + model.MountPoint().String())
	}
	return &Controller{d: d, model: model}
}

// Controller is the controller of a plain storage root.
type Controller struct {
	d     *Driver
	model *fstype.Model
}

// Model implements fstype.Controller.
func (c *Controller) Model() *fstype.Model {
	return c.model
}

// Parent implements fstype.Controller. Plain storage has no parent.
func (c *Controller) Parent() fstype.Controller {
	return nil
}

// osName converts an entry name to a name relative to the root directory.
func osName(name address.EntryName) string {
	if name.IsRoot() {
		return "."
	}
	return name.String()
}

// osPath returns the operating system path of name.
func (c *Controller) osPath(name address.EntryName) string {
	return path.Join(c.d.dir, name.String())
}

func (c *Controller) pathError(op string, name address.EntryName, err error) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		err = pe.Err
	}
	var le *os.LinkError
	if errors.As(err, &le) {
		err = le.Err
	}
	return fstype.PathError(op, c.model.MountPoint(), name, err)
}

func (c *Controller) entry(name address.EntryName, info fs.FileInfo) *fstype.Entry {
	e := &fstype.Entry{
		Name:    name,
		Type:    fstype.File,
		Size:    info.Size(),
		Mode:    info.Mode().Perm(),
		ModTime: info.ModTime(),
	}
	switch {
	case info.IsDir():
		e.Type = fstype.Directory
		e.Size = 0
	case !info.Mode().IsRegular():
		e.Type = fstype.Special
	}
	return e
}

// Stat implements fstype.Controller.
func (c *Controller) Stat(_ context.Context, name address.EntryName) (*fstype.Entry, error) {
	info, err := c.d.root.Stat(osName(name))
	if err != nil {
		return nil, c.pathError("stat", name, err)
	}
	return c.entry(name, info), nil
}

// ReadDir implements fstype.Controller.
func (c *Controller) ReadDir(_ context.Context, name address.EntryName) ([]*fstype.Entry, error) {
	dir, err := c.d.root.Open(osName(name))
	if err != nil {
		return nil, c.pathError("readdir", name, err)
	}
	defer dir.Close()
	dirEntries, err := dir.ReadDir(-1)
	if err != nil {
		if errors.Is(err, fstype.ErrNotDir) || !isDir(dir) {
			return nil, c.pathError("readdir", name, fstype.ErrNotDir)
		}
		return nil, c.pathError("readdir", name, err)
	}
	entries := make([]*fstype.Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			// Removed while listing.
			continue
		}
		entries = append(entries, c.entry(name.Join(address.EntryName(de.Name())), info))
	}
	slices.SortFunc(entries, func(a, b *fstype.Entry) int {
		return strings.Compare(a.Name.String(), b.Name.String())
	})
	return entries, nil
}

func isDir(f *os.File) bool {
	info, err := f.Stat()
	return err == nil && info.IsDir()
}

// CheckAccess implements fstype.Controller.
func (c *Controller) CheckAccess(_ context.Context, name address.EntryName, mode fstype.AccessMode) error {
	if _, err := c.d.root.Lstat(osName(name)); err != nil {
		return c.pathError("access", name, err)
	}
	if err := access(c.osPath(name), mode); err != nil {
		return c.pathError("access", name, err)
	}
	return nil
}

// SetReadOnly implements fstype.Controller.
func (c *Controller) SetReadOnly(_ context.Context, name address.EntryName) error {
	info, err := c.d.root.Stat(osName(name))
	if err != nil {
		return c.pathError("chmod", name, err)
	}
	if err := c.d.root.Chmod(osName(name), info.Mode().Perm()&^0o222); err != nil {
		return c.pathError("chmod", name, err)
	}
	return nil
}

// SetTime implements fstype.Controller.
func (c *Controller) SetTime(_ context.Context, name address.EntryName, mtime time.Time) error {
	if err := c.d.root.Chtimes(osName(name), mtime, mtime); err != nil {
		return c.pathError("chtimes", name, err)
	}
	return nil
}

// Open implements fstype.Controller. The returned stream supports random
// access.
func (c *Controller) Open(_ context.Context, name address.EntryName) (io.ReadCloser, error) {
	f, err := c.d.root.Open(osName(name))
	if err != nil {
		return nil, c.pathError("open", name, err)
	}
	src, err := newFileSource(f)
	if err != nil {
		f.Close()
		return nil, c.pathError("open", name, err)
	}
	if !src.regular {
		f.Close()
		if src.dir {
			return nil, c.pathError("open", name, fstype.ErrIsDir)
		}
		return nil, c.pathError("open", name, fs.ErrInvalid)
	}
	return src, nil
}

func (c *Controller) ensureParent(op string, name address.EntryName, opts fstype.AccessOptions) error {
	parent := name.Parent()
	info, err := c.d.root.Stat(osName(parent))
	switch {
	case errors.Is(err, fs.ErrNotExist) && opts.Has(fstype.CreateParents):
		if err := c.d.root.MkdirAll(osName(parent), 0o755); err != nil {
			return c.pathError(op, name, err)
		}
		return nil
	case err != nil:
		return c.pathError(op, name, err)
	case !info.IsDir():
		return c.pathError(op, name, fstype.ErrNotDir)
	}
	return nil
}

var tempSeq atomic.Uint64

// Create implements fstype.Controller.
//
// Content is written to a temporary file next to name, which replaces name
// when the stream is closed.
func (c *Controller) Create(_ context.Context, name address.EntryName, opts fstype.AccessOptions, template *fstype.Entry) (io.WriteCloser, error) {
	if name.IsRoot() {
		return nil, c.pathError("create", name, fstype.ErrIsDir)
	}
	perm := fs.FileMode(0o644)
	old, err := c.d.root.Stat(osName(name))
	switch {
	case err == nil && old.IsDir():
		return nil, c.pathError("create", name, fstype.ErrIsDir)
	case err == nil && opts.Has(fstype.Exclusive):
		return nil, c.pathError("create", name, fs.ErrExist)
	case err == nil && old.Mode().Perm()&0o222 == 0:
		return nil, c.pathError("create", name, fstype.ErrReadOnly)
	case err == nil:
		perm = old.Mode().Perm()
	case !errors.Is(err, fs.ErrNotExist):
		return nil, c.pathError("create", name, err)
	}
	if template != nil && template.Mode != 0 {
		perm = template.Mode.Perm()
	}
	if err := c.ensureParent("create", name, opts); err != nil {
		return nil, err
	}

	tmpName := fmt.Sprintf("%s.fedfs-%d-%d", osName(name), os.Getpid(), tempSeq.Add(1))
	tmp, err := c.d.root.OpenFile(tmpName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return nil, c.pathError("create", name, err)
	}
	w := &fileWriter{c: c, name: name, file: tmp, tmpName: tmpName}
	if template != nil && !template.ModTime.IsZero() {
		w.mtime = template.ModTime
	}
	if opts.Has(fstype.Append) && old != nil {
		if err := w.copyExisting(); err != nil {
			_ = w.Discard()
			return nil, c.pathError("create", name, err)
		}
	}
	return w, nil
}

// Mknod implements fstype.Controller.
func (c *Controller) Mknod(ctx context.Context, name address.EntryName, typ fstype.EntryType, opts fstype.AccessOptions, template *fstype.Entry) error {
	info, err := c.d.root.Lstat(osName(name))
	switch {
	case err == nil && (opts.Has(fstype.Exclusive) || typ != fstype.Directory || !info.IsDir()):
		return c.pathError("mknod", name, fs.ErrExist)
	case err == nil:
		return nil
	case !errors.Is(err, fs.ErrNotExist):
		return c.pathError("mknod", name, err)
	}

	switch typ {
	case fstype.Directory:
		if err := c.ensureParent("mknod", name, opts); err != nil {
			return err
		}
		perm := fs.FileMode(0o755)
		if template != nil && template.Mode != 0 {
			perm = template.Mode.Perm()
		}
		if err := c.d.root.Mkdir(osName(name), perm); err != nil {
			return c.pathError("mknod", name, err)
		}
		return nil
	case fstype.File:
		w, err := c.Create(ctx, name, opts|fstype.Exclusive, template)
		if err != nil {
			return err
		}
		return w.Close()
	default:
		return c.pathError("mknod", name, fs.ErrInvalid)
	}
}

// Unlink implements fstype.Controller.
func (c *Controller) Unlink(_ context.Context, name address.EntryName, _ fstype.AccessOptions) error {
	if name.IsRoot() {
		return c.pathError("remove", name, fs.ErrInvalid)
	}
	info, err := c.d.root.Lstat(osName(name))
	if err != nil {
		return c.pathError("remove", name, err)
	}
	if info.IsDir() {
		empty, err := c.isEmpty(name)
		if err != nil {
			return c.pathError("remove", name, err)
		}
		if !empty {
			return c.pathError("remove", name, fstype.ErrNotEmpty)
		}
	}
	if err := c.d.root.Remove(osName(name)); err != nil {
		return c.pathError("remove", name, err)
	}
	return nil
}

func (c *Controller) isEmpty(name address.EntryName) (bool, error) {
	dir, err := c.d.root.Open(osName(name))
	if err != nil {
		return false, err
	}
	defer dir.Close()
	_, err = dir.ReadDir(1)
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	return false, err
}

// Sync implements fstype.Controller. Plain storage is written through, so
// there is nothing to commit.
func (c *Controller) Sync(context.Context, fstype.SyncOptions) error {
	return nil
}

// fileSource wraps *os.File to implement fstype.ReaderAt.
// os.File has ReadAt but not Size, so we cache the size at construction.
type fileSource struct {
	*os.File
	size    int64
	regular bool
	dir     bool
}

func newFileSource(f *os.File) (*fileSource, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return &fileSource{File: f, size: info.Size(), regular: info.Mode().IsRegular(), dir: info.IsDir()}, nil
}

// Size returns the size of the file when it was opened.
func (s *fileSource) Size() int64 {
	return s.size
}

// fileWriter writes a temporary file and renames it over the target on
// Close.
type fileWriter struct {
	c       *Controller
	name    address.EntryName
	file    *os.File
	tmpName string
	mtime   time.Time
	done    bool
}

func (w *fileWriter) copyExisting() error {
	src, err := w.c.d.root.Open(osName(w.name))
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(w.file, src)
	return err
}

func (w *fileWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, fs.ErrClosed
	}
	return w.file.Write(p)
}

// Close commits the content.
func (w *fileWriter) Close() error {
	if w.done {
		return fs.ErrClosed
	}
	w.done = true
	root := w.c.d.root
	if err := w.file.Close(); err != nil {
		_ = root.Remove(w.tmpName)
		return w.c.pathError("close", w.name, err)
	}
	if err := root.Rename(w.tmpName, osName(w.name)); err != nil {
		_ = root.Remove(w.tmpName)
		return w.c.pathError("close", w.name, err)
	}
	if !w.mtime.IsZero() {
		if err := root.Chtimes(osName(w.name), w.mtime, w.mtime); err != nil {
			w.c.d.logger.Warn("restoring modification time", "entry", w.name.String(), "error", err)
		}
	}
	return nil
}

// Discard removes the temporary file.
func (w *fileWriter) Discard() error {
	if w.done {
		return fs.ErrClosed
	}
	w.done = true
	_ = w.file.Close()
	if err := w.c.d.root.Remove(w.tmpName); err != nil {
		return w.c.pathError("discard", w.name, err)
	}
	return nil
}
