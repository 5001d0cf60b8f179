package fedfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/meigma/fedfs/internal/rwlock"
)

// CopyOption configures Copy and CopyDir.
type CopyOption func(*copyConfig)

type copyConfig struct {
	overwrite     bool
	preserveMode  bool
	preserveTimes bool
	workers       int
}

// CopyWithOverwrite allows overwriting existing files.
// By default, existing files are skipped.
func CopyWithOverwrite(overwrite bool) CopyOption {
	return func(c *copyConfig) {
		c.overwrite = overwrite
	}
}

// CopyWithPreserveMode copies permission bits from the source.
// By default, new files get the default mode of the destination.
func CopyWithPreserveMode(preserve bool) CopyOption {
	return func(c *copyConfig) {
		c.preserveMode = preserve
	}
}

// CopyWithPreserveTimes copies modification times from the source.
// By default, files get the current time.
func CopyWithPreserveTimes(preserve bool) CopyOption {
	return func(c *copyConfig) {
		c.preserveTimes = preserve
	}
}

// CopyWithWorkers sets how many files CopyDir copies concurrently.
// Values < 0 force serial copying. Zero uses GOMAXPROCS.
func CopyWithWorkers(n int) CopyOption {
	return func(c *copyConfig) {
		c.workers = n
	}
}

func newCopyConfig(opts []CopyOption) *copyConfig {
	cfg := &copyConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	return cfg
}

// Copy copies the file src to dst, creating missing parent directories.
// Either name may lie inside archives; copying a file out of one archive
// into another needs no intermediate storage beyond the write buffer.
//
// An existing dst is skipped unless CopyWithOverwrite is set.
func (f *FileSystem) Copy(src, dst string, opts ...CopyOption) error {
	return f.copyFile(src, dst, newCopyConfig(opts))
}

// CopyDir copies the tree under src into dst. Archives are copied by
// content: copying "site.zip" to "site.tar" repacks the tree, and copying a
// plain directory to "out.tzst" creates a compressed archive.
//
// Files are copied concurrently; see CopyWithWorkers. Existing files are
// skipped unless CopyWithOverwrite is set.
func (f *FileSystem) CopyDir(src, dst string, opts ...CopyOption) error {
	cfg := newCopyConfig(opts)
	if !fs.ValidPath(src) {
		return &fs.PathError{Op: "copy", Path: src, Err: fs.ErrInvalid}
	}
	if !fs.ValidPath(dst) {
		return &fs.PathError{Op: "copy", Path: dst, Err: fs.ErrInvalid}
	}
	if within(dst, src) {
		return &fs.PathError{Op: "copy", Path: dst, Err: fmt.Errorf("destination inside source %s: %w", src, fs.ErrInvalid)}
	}

	workers := cfg.workers
	switch {
	case workers == 0:
		workers = runtime.GOMAXPROCS(0)
	case workers < 0:
		workers = 1
	}
	g, ctx := errgroup.WithContext(f.ctx)
	g.SetLimit(workers)

	err := fs.WalkDir(f, src, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return fs.SkipAll
		}
		target := path.Join(dst, relative(name, src))
		if d.IsDir() {
			return f.copyDir(name, target, cfg)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		// Each worker is its own lock holder.
		worker := f.WithContext(rwlock.WithHolder(ctx, rwlock.NewHolder()))
		g.Go(func() error {
			return worker.copyFile(name, target, cfg)
		})
		return nil
	})
	return errors.Join(err, g.Wait())
}

// within reports whether name is dir or lies below it.
func within(name, dir string) bool {
	return dir == "." || name == dir || strings.HasPrefix(name, dir+"/")
}

// relative returns name relative to dir; name lies within dir.
func relative(name, dir string) string {
	switch {
	case dir == ".":
		return name
	case name == dir:
		return "."
	default:
		return name[len(dir)+1:]
	}
}

func (f *FileSystem) copyDir(src, dst string, cfg *copyConfig) error {
	info, err := f.Stat(src)
	if err != nil {
		return err
	}
	template := cfg.template(info, Directory)
	return f.do("copy", dst, func(ctx context.Context, ctl Controller, entry EntryName) error {
		err := ctl.Mknod(ctx, entry, Directory, CreateParents, template)
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		return err
	})
}

func (f *FileSystem) copyFile(src, dst string, cfg *copyConfig) error {
	in, err := f.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return &fs.PathError{Op: "copy", Path: src, Err: ErrIsDir}
	}

	opts := CreateParents
	if !cfg.overwrite {
		opts |= Exclusive
	}
	template := cfg.template(info, File)
	var w io.WriteCloser
	err = f.do("copy", dst, func(ctx context.Context, ctl Controller, entry EntryName) error {
		var err error
		w, err = ctl.Create(ctx, entry, opts, template)
		return err
	})
	if err != nil {
		if !cfg.overwrite && errors.Is(err, fs.ErrExist) {
			return nil
		}
		return err
	}

	if _, err := io.Copy(w, in); err != nil {
		if d, ok := w.(Discarder); ok {
			return errors.Join(err, d.Discard())
		}
		return errors.Join(err, w.Close())
	}
	return w.Close()
}

// template returns the metadata a copy of info is created with.
func (c *copyConfig) template(info fs.FileInfo, typ EntryType) *Entry {
	e := &Entry{Type: typ}
	if c.preserveMode {
		e.Mode = info.Mode().Perm()
	}
	if c.preserveTimes {
		e.ModTime = info.ModTime()
	}
	return e
}
