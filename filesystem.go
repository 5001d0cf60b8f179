package fedfs

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"time"

	"github.com/meigma/fedfs/internal/address"
)

// FileSystem presents nested archives as ordinary directories.
//
// Names are slash-separated paths relative to the base path; segments that
// name archive files according to the detector descend into the archive.
// FileSystem implements fs.FS, fs.StatFS, fs.ReadDirFS and fs.ReadFileFS
// and adds the mutating operations of the kernel. Changes become durable
// with Sync.
//
// If a file that looks like an archive is not one, operations on it are
// retried on the plain file in the enclosing file system.
type FileSystem struct {
	m        *Manager
	drivers  Drivers
	detector *Detector
	base     Path
	ctx      context.Context
}

// Interface compliance.
var (
	_ fs.FS         = (*FileSystem)(nil)
	_ fs.StatFS     = (*FileSystem)(nil)
	_ fs.ReadDirFS  = (*FileSystem)(nil)
	_ fs.ReadFileFS = (*FileSystem)(nil)
)

// FileSystemOption configures a FileSystem.
type FileSystemOption func(*FileSystem)

// WithDetector sets the archive detector. Defaults to DefaultDetector.
func WithDetector(d *Detector) FileSystemOption {
	return func(f *FileSystem) {
		if d != nil {
			f.detector = d
		}
	}
}

// NewFileSystem returns a file system rooted at base.
func NewFileSystem(m *Manager, drivers Drivers, base Path, opts ...FileSystemOption) *FileSystem {
	f := &FileSystem{
		m:        m,
		drivers:  drivers,
		detector: DefaultDetector(),
		base:     base,
		ctx:      context.Background(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(f)
	}
	return f
}

// WithContext returns a shallow copy of f whose operations use ctx.
func (f *FileSystem) WithContext(ctx context.Context) *FileSystem {
	c := *f
	c.ctx = ctx
	return &c
}

// Manager returns the manager of f.
func (f *FileSystem) Manager() *Manager {
	return f.m
}

// Resolve returns the address of name.
func (f *FileSystem) Resolve(name string) (Path, error) {
	if !fs.ValidPath(name) {
		return Path{}, &fs.PathError{Op: "resolve", Path: name, Err: fs.ErrInvalid}
	}
	return f.detector.Resolve(f.base, name)
}

// do runs op against the controller of name, falling back to the enclosing
// file system for false positive archives.
func (f *FileSystem) do(op, name string, fn func(ctx context.Context, ctl Controller, entry EntryName) error) error {
	if !fs.ValidPath(name) {
		return &fs.PathError{Op: op, Path: name, Err: fs.ErrInvalid}
	}
	p, err := f.detector.Resolve(f.base, name)
	if err != nil {
		return &fs.PathError{Op: op, Path: name, Err: err}
	}
	ctx := WithHolder(f.ctx)
	for {
		err = f.doPath(ctx, p, fn)
		var fp *FalsePositiveError
		if !errors.As(err, &fp) {
			return err
		}
		next, ok := rebase(p, fp.MountPoint)
		if !ok {
			return err
		}
		f.m.logger.Debug("false positive archive", "mount_point", fp.MountPoint.String(), "error", fp.Err)
		p = next
	}
}

func (f *FileSystem) doPath(ctx context.Context, p Path, fn func(ctx context.Context, ctl Controller, entry EntryName) error) error {
	h, err := f.m.Controller(f.drivers, p.MountPoint())
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(ctx, h.Controller(), p.EntryName())
}

// rebase returns p with the false positive archive at fp replaced by the
// plain file in its parent file system.
func rebase(p Path, fp MountPoint) (Path, bool) {
	mountPoint := p.MountPoint()
	parentPath, federated := mountPoint.ParentPath()
	switch {
	case !federated:
		return p, false
	case mountPoint == fp:
		return parentPath.Resolve(p.EntryName()), true
	}
	parent, ok := rebase(parentPath, fp)
	if !ok {
		return p, false
	}
	rebased, err := address.NewMountPoint(mountPoint.Scheme(), parent)
	if err != nil {
		return p, false
	}
	return rebased.Resolve(p.EntryName()), true
}

// Open implements fs.FS.
func (f *FileSystem) Open(name string) (fs.File, error) {
	var file fs.File
	err := f.do("open", name, func(ctx context.Context, ctl Controller, entry EntryName) error {
		e, err := ctl.Stat(ctx, entry)
		if err != nil {
			return err
		}
		if e.IsDir() {
			entries, err := ctl.ReadDir(ctx, entry)
			if err != nil {
				return err
			}
			file = &openDir{info: e.Info(), entries: entries}
			return nil
		}
		rc, err := ctl.Open(ctx, entry)
		if err != nil {
			return err
		}
		file = &openFile{ReadCloser: rc, info: e.Info()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return file, nil
}

// Stat implements fs.StatFS.
func (f *FileSystem) Stat(name string) (fs.FileInfo, error) {
	var info fs.FileInfo
	err := f.do("stat", name, func(ctx context.Context, ctl Controller, entry EntryName) error {
		e, err := ctl.Stat(ctx, entry)
		if err != nil {
			return err
		}
		if entry.IsRoot() && name != "." {
			// The root of an archive takes the name of the archive file.
			e.Name = address.MustEntryName(name)
		}
		info = e.Info()
		return nil
	})
	return info, err
}

// ReadDir implements fs.ReadDirFS. Entries are sorted by name.
func (f *FileSystem) ReadDir(name string) ([]fs.DirEntry, error) {
	var dirEntries []fs.DirEntry
	err := f.do("readdir", name, func(ctx context.Context, ctl Controller, entry EntryName) error {
		entries, err := ctl.ReadDir(ctx, entry)
		if err != nil {
			return err
		}
		dirEntries = make([]fs.DirEntry, len(entries))
		for i, e := range entries {
			dirEntries[i] = e.DirEntry()
		}
		return nil
	})
	return dirEntries, err
}

// ReadFile implements fs.ReadFileFS.
func (f *FileSystem) ReadFile(name string) ([]byte, error) {
	var data []byte
	err := f.do("read", name, func(ctx context.Context, ctl Controller, entry EntryName) error {
		rc, err := ctl.Open(ctx, entry)
		if err != nil {
			return err
		}
		defer rc.Close()
		data, err = io.ReadAll(rc)
		return err
	})
	return data, err
}

// CheckAccess checks whether name exists and allows the given access.
func (f *FileSystem) CheckAccess(name string, mode AccessMode) error {
	return f.do("access", name, func(ctx context.Context, ctl Controller, entry EntryName) error {
		return ctl.CheckAccess(ctx, entry, mode)
	})
}

// Create returns a stream that replaces the content of name when closed.
// Archives that do not exist yet are created; missing directories are
// created only with CreateParents.
func (f *FileSystem) Create(name string, opts AccessOptions) (io.WriteCloser, error) {
	var w io.WriteCloser
	err := f.do("create", name, func(ctx context.Context, ctl Controller, entry EntryName) error {
		var err error
		w, err = ctl.Create(ctx, entry, opts, nil)
		return err
	})
	return w, err
}

// WriteFile writes data to name, creating it with perm and any missing
// parent directories if necessary.
func (f *FileSystem) WriteFile(name string, data []byte, perm fs.FileMode) error {
	return f.do("write", name, func(ctx context.Context, ctl Controller, entry EntryName) error {
		w, err := ctl.Create(ctx, entry, CreateParents, &Entry{Type: File, Mode: perm.Perm()})
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			if d, ok := w.(Discarder); ok {
				_ = d.Discard()
			} else {
				_ = w.Close()
			}
			return err
		}
		return w.Close()
	})
}

// Mkdir creates the directory name. If name addresses an archive file, an
// empty archive is created.
func (f *FileSystem) Mkdir(name string, perm fs.FileMode) error {
	return f.do("mkdir", name, func(ctx context.Context, ctl Controller, entry EntryName) error {
		return ctl.Mknod(ctx, entry, Directory, Exclusive, &Entry{Type: Directory, Mode: perm.Perm()})
	})
}

// MkdirAll creates the directory name and any missing parents.
func (f *FileSystem) MkdirAll(name string, perm fs.FileMode) error {
	return f.do("mkdir", name, func(ctx context.Context, ctl Controller, entry EntryName) error {
		return ctl.Mknod(ctx, entry, Directory, CreateParents, &Entry{Type: Directory, Mode: perm.Perm()})
	})
}

// Remove removes the file or empty directory name. Removing an empty
// archive deletes the archive file on the next sync.
func (f *FileSystem) Remove(name string) error {
	return f.do("remove", name, func(ctx context.Context, ctl Controller, entry EntryName) error {
		return ctl.Unlink(ctx, entry, 0)
	})
}

// Chtimes sets the modification time of name.
func (f *FileSystem) Chtimes(name string, mtime time.Time) error {
	return f.do("chtimes", name, func(ctx context.Context, ctl Controller, entry EntryName) error {
		return ctl.SetTime(ctx, entry, mtime)
	})
}

// Chmod clears the write permission of name. Modes that keep any write
// bit are rejected with fs.ErrInvalid.
func (f *FileSystem) Chmod(name string, mode fs.FileMode) error {
	if mode.Perm()&0o222 != 0 {
		return &fs.PathError{Op: "chmod", Path: name, Err: fs.ErrInvalid}
	}
	return f.do("chmod", name, func(ctx context.Context, ctl Controller, entry EntryName) error {
		return ctl.SetReadOnly(ctx, entry)
	})
}

// Sync commits all pending changes of the manager.
func (f *FileSystem) Sync(opts SyncOptions) error {
	return f.m.Sync(f.ctx, opts)
}
