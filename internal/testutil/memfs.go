package testutil

import (
	"bytes"
	"cmp"
	"context"
	"io"
	"io/fs"
	"slices"
	"sync"
	"time"

	"github.com/meigma/fedfs/internal/address"
	"github.com/meigma/fedfs/internal/fstype"
)

// MemDriver is a plain storage driver that keeps one in-memory tree.
// Every controller it creates shares the tree, so a test can inspect what
// a sync wrote after the controller was evicted.
type MemDriver struct {
	mu    sync.Mutex
	nodes map[address.EntryName]*memNode
	syncs int
}

type memNode struct {
	entry fstype.Entry
	data  []byte
}

var (
	_ fstype.Driver     = (*MemDriver)(nil)
	_ fstype.Controller = (*memController)(nil)
)

// NewMemDriver returns a driver with an empty root directory.
func NewMemDriver() *MemDriver {
	return &MemDriver{
		nodes: map[address.EntryName]*memNode{
			address.Root: {entry: fstype.Entry{Type: fstype.Directory, Mode: 0o755, ModTime: Epoch}},
		},
	}
}

// NewController implements fstype.Driver.
func (d *MemDriver) NewController(model *fstype.Model, parent fstype.Controller) fstype.Controller {
	return &memController{d: d, model: model}
}

// Put stores a file, creating parent directories.
func (d *MemDriver) Put(name string, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := address.MustEntryName(name)
	d.mkdirs(n.Parent())
	d.nodes[n] = &memNode{
		entry: fstype.Entry{Name: n, Type: fstype.File, Size: int64(len(data)), Mode: 0o644, ModTime: Epoch},
		data:  bytes.Clone(data),
	}
}

// Get returns the content of a file.
func (d *MemDriver) Get(name string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[address.MustEntryName(name)]
	if !ok || n.entry.Type != fstype.File {
		return nil, false
	}
	return bytes.Clone(n.data), true
}

// Syncs returns the number of Sync calls on controllers of the driver.
func (d *MemDriver) Syncs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.syncs
}

func (d *MemDriver) mkdirs(name address.EntryName) {
	for ; !name.IsRoot(); name = name.Parent() {
		if _, ok := d.nodes[name]; ok {
			return
		}
		d.nodes[name] = &memNode{entry: fstype.Entry{Name: name, Type: fstype.Directory, Mode: 0o755, ModTime: Epoch}}
	}
}

type memController struct {
	d     *MemDriver
	model *fstype.Model
}

func (c *memController) Model() *fstype.Model      { return c.model }
func (c *memController) Parent() fstype.Controller { return nil }

func (c *memController) err(op string, name address.EntryName, err error) error {
	return fstype.PathError(op, c.model.MountPoint(), name, err)
}

func (c *memController) node(op string, name address.EntryName) (*memNode, error) {
	n, ok := c.d.nodes[name]
	if !ok {
		return nil, c.err(op, name, fs.ErrNotExist)
	}
	return n, nil
}

func (c *memController) Stat(_ context.Context, name address.EntryName) (*fstype.Entry, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	n, err := c.node("stat", name)
	if err != nil {
		return nil, err
	}
	e := n.entry
	return &e, nil
}

func (c *memController) ReadDir(_ context.Context, name address.EntryName) ([]*fstype.Entry, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	n, err := c.node("readdir", name)
	if err != nil {
		return nil, err
	}
	if n.entry.Type != fstype.Directory {
		return nil, c.err("readdir", name, fstype.ErrNotDir)
	}
	var entries []*fstype.Entry
	for childName, child := range c.d.nodes {
		if !childName.IsRoot() && childName.Parent() == name {
			e := child.entry
			entries = append(entries, &e)
		}
	}
	slices.SortFunc(entries, func(a, b *fstype.Entry) int { return cmp.Compare(a.Name, b.Name) })
	return entries, nil
}

func (c *memController) CheckAccess(_ context.Context, name address.EntryName, mode fstype.AccessMode) error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	n, err := c.node("access", name)
	if err != nil {
		return err
	}
	if mode&fstype.AccessWrite != 0 && n.entry.ReadOnly() {
		return c.err("access", name, fstype.ErrReadOnly)
	}
	return nil
}

func (c *memController) SetReadOnly(_ context.Context, name address.EntryName) error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	n, err := c.node("chmod", name)
	if err != nil {
		return err
	}
	n.entry.Mode &^= 0o222
	return nil
}

func (c *memController) SetTime(_ context.Context, name address.EntryName, mtime time.Time) error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	n, err := c.node("chtimes", name)
	if err != nil {
		return err
	}
	n.entry.ModTime = mtime
	return nil
}

func (c *memController) Open(_ context.Context, name address.EntryName) (io.ReadCloser, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	n, err := c.node("open", name)
	if err != nil {
		return nil, err
	}
	if n.entry.Type == fstype.Directory {
		return nil, c.err("open", name, fstype.ErrIsDir)
	}
	return memReader{bytes.NewReader(n.data)}, nil
}

func (c *memController) checkParent(op string, name address.EntryName, opts fstype.AccessOptions) error {
	p, ok := c.d.nodes[name.Parent()]
	switch {
	case !ok && opts.Has(fstype.CreateParents):
		c.d.mkdirs(name.Parent())
		return nil
	case !ok:
		return c.err(op, name, fs.ErrNotExist)
	case p.entry.Type != fstype.Directory:
		return c.err(op, name, fstype.ErrNotDir)
	}
	return nil
}

func (c *memController) Create(_ context.Context, name address.EntryName, opts fstype.AccessOptions, template *fstype.Entry) (io.WriteCloser, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if name.IsRoot() {
		return nil, c.err("create", name, fstype.ErrIsDir)
	}
	w := &memWriter{c: c, name: name}
	if old, ok := c.d.nodes[name]; ok {
		switch {
		case old.entry.Type == fstype.Directory:
			return nil, c.err("create", name, fstype.ErrIsDir)
		case opts.Has(fstype.Exclusive):
			return nil, c.err("create", name, fs.ErrExist)
		case old.entry.ReadOnly():
			return nil, c.err("create", name, fstype.ErrReadOnly)
		case opts.Has(fstype.Append):
			w.buf.Write(old.data)
		}
	}
	if err := c.checkParent("create", name, opts); err != nil {
		return nil, err
	}
	if template != nil {
		w.mode = template.Mode.Perm()
	}
	return w, nil
}

func (c *memController) Mknod(_ context.Context, name address.EntryName, typ fstype.EntryType, opts fstype.AccessOptions, _ *fstype.Entry) error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if old, ok := c.d.nodes[name]; ok {
		if opts.Has(fstype.Exclusive) || old.entry.Type != typ || typ != fstype.Directory {
			return c.err("mknod", name, fs.ErrExist)
		}
		return nil
	}
	if err := c.checkParent("mknod", name, opts); err != nil {
		return err
	}
	c.d.nodes[name] = &memNode{entry: fstype.Entry{Name: name, Type: typ, Mode: fstype.DefaultMode(typ), ModTime: time.Now()}}
	return nil
}

func (c *memController) Unlink(_ context.Context, name address.EntryName, _ fstype.AccessOptions) error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if name.IsRoot() {
		return c.err("remove", name, fs.ErrInvalid)
	}
	if _, err := c.node("remove", name); err != nil {
		return err
	}
	for other := range c.d.nodes {
		if other != name && name.Contains(other) {
			return c.err("remove", name, fstype.ErrNotEmpty)
		}
	}
	delete(c.d.nodes, name)
	return nil
}

func (c *memController) Sync(context.Context, fstype.SyncOptions) error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	c.d.syncs++
	return nil
}

type memReader struct {
	*bytes.Reader
}

func (memReader) Close() error { return nil }

type memWriter struct {
	c    *memController
	name address.EntryName
	mode fs.FileMode
	buf  bytes.Buffer
	done bool
}

func (w *memWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, fs.ErrClosed
	}
	return w.buf.Write(p)
}

func (w *memWriter) Close() error {
	if w.done {
		return fs.ErrClosed
	}
	w.done = true
	d := w.c.d
	d.mu.Lock()
	defer d.mu.Unlock()
	mode := w.mode
	if mode == 0 {
		mode = 0o644
	}
	d.nodes[w.name] = &memNode{
		entry: fstype.Entry{Name: w.name, Type: fstype.File, Size: int64(w.buf.Len()), Mode: mode, ModTime: time.Now()},
		data:  w.buf.Bytes(),
	}
	return nil
}

func (w *memWriter) Discard() error {
	w.done = true
	return nil
}
