package archive

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/meigma/fedfs/internal/address"
	"github.com/meigma/fedfs/internal/fstype"
	"github.com/meigma/fedfs/iopool"
)

// Driver binds a Codec to federated mount points.
type Driver struct {
	codec  Codec
	pool   iopool.Pool
	logger *slog.Logger
}

// Interface compliance.
var (
	_ fstype.Driver     = (*Driver)(nil)
	_ fstype.Controller = (*Controller)(nil)
)

// Option configures a Driver.
type Option func(*Driver)

// WithPool sets the pool for written entries and spooled archives.
// Defaults to iopool.Default.
func WithPool(pool iopool.Pool) Option {
	return func(d *Driver) {
		if pool != nil {
			d.pool = pool
		}
	}
}

// WithLogger sets the logger for controllers of the driver.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDriver returns a driver for archives read and written by codec.
func NewDriver(codec Codec, opts ...Option) *Driver {
	d := &Driver{
		codec:  codec,
		pool:   iopool.Default,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(d)
	}
	return d
}

// Codec returns the codec of the driver.
func (d *Driver) Codec() Codec {
	return d.codec
}

// NewController implements fstype.Driver.
func (d *Driver) NewController(model *fstype.Model, parent fstype.Controller) fstype.Controller {
	path, ok := model.MountPoint().ParentPath()
	if !ok || parent == nil {
		panic("fedfs: archive driver bound to root mount point " + model.MountPoint().String())
	}
	return &Controller{
		model:      model,
		parent:     parent,
		parentName: path.EntryName(),
		codec:      d.codec,
		pool:       d.pool,
		logger:     d.logger.With("mount_point", model.MountPoint().String()),
	}
}

// Controller is the controller of one mounted archive.
//
// The archive is mounted on first use. Until a sync, written content lives
// in pooled buffers and unchanged content is read from the archive file.
// A sync writes a complete new archive file into the parent file system
// and unmounts, so that the next operation mounts the new file.
type Controller struct {
	model      *fstype.Model
	parent     fstype.Controller
	parentName address.EntryName
	codec      Codec
	pool       iopool.Pool
	logger     *slog.Logger

	mu      sync.Mutex
	mounted bool
	source  io.Closer
	input   InputContainer
	nodes   map[address.EntryName]*node
	dirty   bool
	deleted bool
	// replaced is set once the root was unlinked; nothing of the old
	// archive file may be carried into the next one.
	replaced bool
}

// node is an entry of the mounted archive. Content of a file node is read
// from buf if set and from the input container otherwise.
type node struct {
	entry *fstype.Entry
	buf   iopool.Buffer
	opts  fstype.AccessOptions
}

// Model implements fstype.Controller.
func (c *Controller) Model() *fstype.Model {
	return c.model
}

// Parent implements fstype.Controller.
func (c *Controller) Parent() fstype.Controller {
	return c.parent
}

func (c *Controller) pathError(op string, name address.EntryName, err error) error {
	return fstype.PathError(op, c.model.MountPoint(), name, err)
}

// mount reads the entry table of the archive. If the archive file does not
// exist and autoCreate is set, an empty archive is mounted instead.
func (c *Controller) mount(ctx context.Context, autoCreate bool) error {
	if c.mounted {
		return nil
	}
	mountPoint := c.model.MountPoint()

	pe, err := c.parent.Stat(ctx, c.parentName)
	switch {
	case errors.Is(err, fs.ErrNotExist) && autoCreate:
		c.logger.Debug("creating archive")
		c.nodes = map[address.EntryName]*node{
			address.Root: {entry: NewEntry(address.Root, fstype.Directory, nil)},
		}
		c.mounted = true
		return nil
	case err != nil:
		return err
	case pe.IsDir():
		return &fstype.FalsePositiveError{MountPoint: mountPoint, Err: fstype.ErrIsDir}
	}

	src, closer, err := c.openSource(ctx)
	if err != nil {
		return err
	}
	input, err := c.codec.NewInput(ctx, c.model, src)
	if err != nil {
		_ = closer.Close()
		if !isFormatError(err) {
			return c.pathError("mount", address.Root, err)
		}
		return &fstype.FalsePositiveError{MountPoint: mountPoint, Err: err}
	}

	root := NewEntry(address.Root, fstype.Directory, nil)
	root.ModTime = pe.ModTime
	perm := pe.Mode.Perm()
	root.Mode = perm | (perm&0o444)>>2
	nodes := map[address.EntryName]*node{address.Root: {entry: root}}
	for _, e := range input.Entries() {
		if e.Name.IsRoot() {
			continue
		}
		nodes[e.Name] = &node{entry: e}
		for p := e.Name.Parent(); !p.IsRoot(); p = p.Parent() {
			if _, ok := nodes[p]; ok {
				break
			}
			implied := NewEntry(p, fstype.Directory, nil)
			implied.ModTime = root.ModTime
			nodes[p] = &node{entry: implied}
		}
	}

	c.source = closer
	c.input = input
	c.nodes = nodes
	c.mounted = true
	c.logger.Debug("mounted archive", "entries", len(nodes)-1)
	return nil
}

// isFormatError reports whether a codec error means that the archive file
// is not an archive of the codec's format.
func isFormatError(err error) bool {
	switch {
	case errors.Is(err, fstype.ErrKeyUnavailable),
		errors.Is(err, fs.ErrNotExist),
		errors.Is(err, iopool.ErrPoolExhausted),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// openSource opens the archive file in the parent file system for random
// access. Streams without random access are spooled into a pool buffer.
func (c *Controller) openSource(ctx context.Context) (fstype.ReaderAt, io.Closer, error) {
	rc, err := c.parent.Open(ctx, c.parentName)
	if err != nil {
		return nil, nil, err
	}
	if ra, ok := rc.(fstype.ReaderAt); ok {
		return ra, rc, nil
	}
	buf, err := iopool.Fill(c.pool, rc)
	if cerr := rc.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if buf != nil {
			_ = buf.Release()
		}
		return nil, nil, c.pathError("mount", address.Root, err)
	}
	r := iopool.NewReader(buf)
	_ = buf.Release() // r holds the only reference now
	return r, r, nil
}

// unmount releases all resources of the mounted archive.
func (c *Controller) unmount() error {
	if !c.mounted {
		return nil
	}
	var errs error
	for name, n := range c.nodes {
		if n.buf != nil {
			if err := n.buf.Release(); err != nil {
				errs = errors.Join(errs, fmt.Errorf("releasing %s: %w", name, err))
			}
		}
	}
	if c.input != nil {
		if err := c.input.Close(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("closing input: %w", err))
		}
	}
	if c.source != nil {
		if err := c.source.Close(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("closing source: %w", err))
		}
	}
	c.mounted = false
	c.source = nil
	c.input = nil
	c.nodes = nil
	c.dirty = false
	c.deleted = false
	c.replaced = false
	return errs
}

func (c *Controller) touch() {
	c.dirty = true
	c.model.SetTouched(true)
}

func (c *Controller) lookup(op string, name address.EntryName) (*node, error) {
	n, ok := c.nodes[name]
	if !ok || c.deleted {
		return nil, c.pathError(op, name, fs.ErrNotExist)
	}
	return n, nil
}

// Stat implements fstype.Controller.
func (c *Controller) Stat(ctx context.Context, name address.EntryName) (*fstype.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.mount(ctx, false); err != nil {
		return nil, err
	}
	n, err := c.lookup("stat", name)
	if err != nil {
		return nil, err
	}
	return n.entry.Clone(), nil
}

// ReadDir implements fstype.Controller.
func (c *Controller) ReadDir(ctx context.Context, name address.EntryName) ([]*fstype.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.mount(ctx, false); err != nil {
		return nil, err
	}
	n, err := c.lookup("readdir", name)
	if err != nil {
		return nil, err
	}
	if !n.entry.IsDir() {
		return nil, c.pathError("readdir", name, fstype.ErrNotDir)
	}
	var entries []*fstype.Entry
	for childName, child := range c.nodes {
		if !childName.IsRoot() && childName.Parent() == name {
			entries = append(entries, child.entry.Clone())
		}
	}
	slices.SortFunc(entries, func(a, b *fstype.Entry) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return entries, nil
}

// CheckAccess implements fstype.Controller.
func (c *Controller) CheckAccess(ctx context.Context, name address.EntryName, mode fstype.AccessMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.mount(ctx, false); err != nil {
		return err
	}
	n, err := c.lookup("access", name)
	if err != nil {
		return err
	}
	if mode&fstype.AccessWrite != 0 && n.entry.ReadOnly() {
		return c.pathError("access", name, fstype.ErrReadOnly)
	}
	if mode&fstype.AccessExecute != 0 && n.entry.Mode.Perm()&0o111 == 0 {
		return c.pathError("access", name, fs.ErrPermission)
	}
	return nil
}

// SetReadOnly implements fstype.Controller.
func (c *Controller) SetReadOnly(ctx context.Context, name address.EntryName) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.mount(ctx, false); err != nil {
		return err
	}
	n, err := c.lookup("chmod", name)
	if err != nil {
		return err
	}
	n.entry.Mode &^= 0o222
	c.touch()
	return nil
}

// SetTime implements fstype.Controller.
func (c *Controller) SetTime(ctx context.Context, name address.EntryName, mtime time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.mount(ctx, false); err != nil {
		return err
	}
	n, err := c.lookup("chtimes", name)
	if err != nil {
		return err
	}
	n.entry.ModTime = mtime
	c.touch()
	return nil
}

// Open implements fstype.Controller.
func (c *Controller) Open(ctx context.Context, name address.EntryName) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.mount(ctx, false); err != nil {
		return nil, err
	}
	n, err := c.lookup("open", name)
	if err != nil {
		return nil, err
	}
	if n.entry.IsDir() {
		return nil, c.pathError("open", name, fstype.ErrIsDir)
	}
	if n.buf != nil {
		return iopool.NewReader(n.buf), nil
	}
	rc, err := c.input.Open(n.entry)
	if err != nil {
		return nil, c.pathError("open", name, err)
	}
	return rc, nil
}

// ensureParents checks that the parent directory of name exists, creating
// missing directories if create is set.
func (c *Controller) ensureParents(op string, name address.EntryName, create bool) error {
	var missing []address.EntryName
	for p := name.Parent(); ; p = p.Parent() {
		n, ok := c.nodes[p]
		if ok {
			if !n.entry.IsDir() {
				return c.pathError(op, name, fstype.ErrNotDir)
			}
			break
		}
		if !create {
			return c.pathError(op, name, fs.ErrNotExist)
		}
		missing = append(missing, p)
		if p.IsRoot() {
			break
		}
	}
	for _, p := range missing {
		e, err := c.codec.NewEntry(p, fstype.Directory, nil)
		if err != nil {
			return c.pathError(op, p, err)
		}
		c.nodes[p] = &node{entry: e}
	}
	if len(missing) > 0 {
		c.touch()
	}
	return nil
}

// Create implements fstype.Controller.
func (c *Controller) Create(ctx context.Context, name address.EntryName, opts fstype.AccessOptions, template *fstype.Entry) (io.WriteCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name.IsRoot() {
		return nil, c.pathError("create", name, fstype.ErrIsDir)
	}
	if err := c.mount(ctx, true); err != nil {
		return nil, err
	}
	c.deleted = false
	old, exists := c.nodes[name]
	switch {
	case exists && old.entry.IsDir():
		return nil, c.pathError("create", name, fstype.ErrIsDir)
	case exists && opts.Has(fstype.Exclusive):
		return nil, c.pathError("create", name, fs.ErrExist)
	case exists && old.entry.ReadOnly():
		return nil, c.pathError("create", name, fstype.ErrReadOnly)
	}
	if template == nil && exists {
		template = old.entry
	}
	entry, err := c.codec.NewEntry(name, fstype.File, template)
	if err != nil {
		return nil, c.pathError("create", name, err)
	}
	if err := c.ensureParents("create", name, opts.Has(fstype.CreateParents)); err != nil {
		return nil, err
	}

	buf, err := c.pool.Allocate()
	if err != nil {
		return nil, c.pathError("create", name, err)
	}
	if exists && opts.Has(fstype.Append) {
		if err := c.copyContent(buf, old); err != nil {
			_ = buf.Release()
			return nil, c.pathError("create", name, err)
		}
	}
	return &writer{
		c:        c,
		entry:    entry,
		buf:      buf,
		opts:     opts & (fstype.Store | fstype.Compress),
		keepTime: template != nil && !template.ModTime.IsZero(),
	}, nil
}

func (c *Controller) copyContent(dst io.Writer, n *node) error {
	var src io.ReadCloser
	if n.buf != nil {
		src = iopool.NewReader(n.buf)
	} else {
		rc, err := c.input.Open(n.entry)
		if err != nil {
			return err
		}
		src = rc
	}
	_, err := io.Copy(dst, src)
	if cerr := src.Close(); err == nil {
		err = cerr
	}
	return err
}

// commitNode installs the content written to a writer.
func (c *Controller) commitNode(w *writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mounted {
		// The archive was unmounted by a sync with AbortChanges.
		_ = w.buf.Release()
		return c.pathError("close", w.entry.Name, fs.ErrClosed)
	}
	w.entry.Size = w.buf.Size()
	w.entry.Digest = w.buf.Digest()
	if !w.keepTime {
		w.entry.ModTime = time.Now().Truncate(time.Second)
	}
	if old, ok := c.nodes[w.entry.Name]; ok && old.buf != nil {
		_ = old.buf.Release()
	}
	c.nodes[w.entry.Name] = &node{entry: w.entry, buf: w.buf, opts: w.opts}
	c.touch()
	return nil
}

// Mknod implements fstype.Controller.
//
// Making the root directory creates a new empty archive if the archive file
// does not exist yet.
func (c *Controller) Mknod(ctx context.Context, name address.EntryName, typ fstype.EntryType, opts fstype.AccessOptions, template *fstype.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if typ == fstype.Special {
		return c.pathError("mknod", name, fs.ErrInvalid)
	}
	wasMounted := c.mounted
	if err := c.mount(ctx, true); err != nil {
		return err
	}
	if old, ok := c.nodes[name]; ok {
		if name.IsRoot() && (c.deleted || !wasMounted && c.input == nil) {
			// New or revived archive.
			c.deleted = false
			c.touch()
			return nil
		}
		if opts.Has(fstype.Exclusive) || old.entry.Type != typ || typ == fstype.File {
			return c.pathError("mknod", name, fs.ErrExist)
		}
		return nil
	}
	c.deleted = false
	entry, err := c.codec.NewEntry(name, typ, template)
	if err != nil {
		return c.pathError("mknod", name, err)
	}
	if err := c.ensureParents("mknod", name, opts.Has(fstype.CreateParents)); err != nil {
		return err
	}
	n := &node{entry: entry}
	if typ == fstype.File {
		buf, err := c.pool.Allocate()
		if err != nil {
			return c.pathError("mknod", name, err)
		}
		entry.Size = 0
		entry.Digest = buf.Digest()
		n.buf = buf
	}
	c.nodes[name] = n
	c.touch()
	return nil
}

// Unlink implements fstype.Controller.
//
// Unlinking the root directory deletes the archive file from the parent
// file system on the next sync.
func (c *Controller) Unlink(ctx context.Context, name address.EntryName, opts fstype.AccessOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.mount(ctx, false); err != nil {
		return err
	}
	n, err := c.lookup("remove", name)
	if err != nil {
		return err
	}
	if n.entry.IsDir() {
		for child := range c.nodes {
			if child != name && name.Contains(child) {
				return c.pathError("remove", name, fstype.ErrNotEmpty)
			}
		}
	}
	if name.IsRoot() {
		c.deleted = true
		c.replaced = true
		c.touch()
		return nil
	}
	if n.buf != nil {
		_ = n.buf.Release()
	}
	delete(c.nodes, name)
	c.touch()
	return nil
}

// Sync implements fstype.Controller.
//
// Pending changes are committed by writing a new archive file into the
// parent file system. Any failure up to and including closing the new file
// leaves the parent untouched and is a hard error. Failures while releasing
// the old archive afterwards are warnings.
func (c *Controller) Sync(ctx context.Context, opts fstype.SyncOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	mountPoint := c.model.MountPoint()

	if opts.Has(fstype.AbortChanges) {
		if c.dirty {
			c.logger.Info("discarding pending changes")
		}
		if err := c.unmount(); err != nil {
			return fstype.NewSyncWarning(mountPoint, err)
		}
		return nil
	}

	if c.dirty {
		var err error
		if c.deleted {
			err = c.parent.Unlink(ctx, c.parentName, 0)
			if errors.Is(err, fs.ErrNotExist) {
				err = nil
			}
		} else {
			err = c.commit(ctx)
		}
		if err != nil {
			return fstype.NewSyncError(mountPoint, err)
		}
		c.logger.Debug("committed archive")
	} else if !opts.Has(fstype.Unmount) && !opts.Has(fstype.ClearCache) {
		return nil
	}

	if err := c.unmount(); err != nil {
		return fstype.NewSyncWarning(mountPoint, err)
	}
	return nil
}

func (c *Controller) commit(ctx context.Context) error {
	root := c.nodes[address.Root].entry
	template := &fstype.Entry{Type: fstype.File, Mode: root.Mode.Perm() &^ 0o111, ModTime: time.Now().Truncate(time.Second)}
	sink, err := c.parent.Create(ctx, c.parentName, fstype.CreateParents, template)
	if err != nil {
		return err
	}
	if err := c.writeArchive(ctx, sink); err != nil {
		discard(sink)
		return err
	}
	return sink.Close()
}

func (c *Controller) writeArchive(ctx context.Context, sink io.Writer) error {
	input := c.input
	if c.replaced {
		input = nil
	}
	out, err := c.codec.NewOutput(ctx, c.model, sink, input)
	if err != nil {
		return err
	}
	names := make([]address.EntryName, 0, len(c.nodes))
	for name := range c.nodes {
		if !name.IsRoot() {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			_ = out.Close()
			return err
		}
		if err := c.writeNode(out, c.nodes[name]); err != nil {
			_ = out.Close()
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return out.Close()
}

func (c *Controller) writeNode(out OutputContainer, n *node) error {
	w, err := out.Create(n.entry, n.opts)
	if err != nil {
		return err
	}
	if n.entry.Type == fstype.File {
		if err := c.copyContent(w, n); err != nil {
			_ = w.Close()
			return err
		}
	}
	return w.Close()
}

func discard(w io.WriteCloser) {
	if d, ok := w.(fstype.Discarder); ok {
		_ = d.Discard()
		return
	}
	_ = w.Close()
}

// writer buffers the content of a new entry. Closing it installs the entry
// in the mounted archive.
type writer struct {
	c        *Controller
	entry    *fstype.Entry
	buf      iopool.Buffer
	opts     fstype.AccessOptions
	keepTime bool
	done     bool
}

func (w *writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, fs.ErrClosed
	}
	return w.buf.Write(p)
}

func (w *writer) Close() error {
	if w.done {
		return fs.ErrClosed
	}
	w.done = true
	return w.c.commitNode(w)
}

// Discard drops the written content.
func (w *writer) Discard() error {
	if w.done {
		return fs.ErrClosed
	}
	w.done = true
	return w.buf.Release()
}
