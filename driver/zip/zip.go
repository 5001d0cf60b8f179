// Package zip implements the ZIP archive format for federated file systems.
//
// Entries are compressed with Deflate by default. WithZstd switches new
// compressed entries to Zstandard (method 93), which this package can always
// read back.
package zip

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"unicode/utf8"

	kzip "github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"github.com/meigma/fedfs/internal/address"
	"github.com/meigma/fedfs/internal/archive"
	"github.com/meigma/fedfs/internal/fstype"
	"github.com/meigma/fedfs/iopool"
)

// MethodZstd is the ZIP compression method number of Zstandard.
const MethodZstd = zstd.ZipMethodWinZip

// maxNameLen is the longest name the ZIP header can encode.
const maxNameLen = 1<<16 - 1

// Interface compliance.
var (
	_ archive.Codec           = (*Codec)(nil)
	_ archive.InputContainer  = (*input)(nil)
	_ archive.OutputContainer = (*output)(nil)
)

// Codec reads and writes ZIP archives.
type Codec struct {
	method uint16
	level  zstd.EncoderLevel
	logger *slog.Logger
}

type config struct {
	codec   Codec
	archive []archive.Option
}

// Option configures a Codec or the driver built on it.
type Option func(*config)

// WithZstd compresses entries with Zstandard at level instead of Deflate.
func WithZstd(level zstd.EncoderLevel) Option {
	return func(c *config) {
		c.codec.method = MethodZstd
		c.codec.level = level
	}
}

// WithPool sets the buffer pool of the driver.
func WithPool(pool iopool.Pool) Option {
	return func(c *config) {
		c.archive = append(c.archive, archive.WithPool(pool))
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.codec.logger = logger
			c.archive = append(c.archive, archive.WithLogger(logger))
		}
	}
}

func newConfig(opts []Option) *config {
	c := &config{codec: Codec{
		method: kzip.Deflate,
		level:  zstd.SpeedDefault,
		logger: slog.New(slog.DiscardHandler),
	}}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	return c
}

// New returns a ZIP codec.
func New(opts ...Option) *Codec {
	c := newConfig(opts).codec
	return &c
}

// NewDriver returns a driver for ZIP archives.
func NewDriver(opts ...Option) fstype.Driver {
	c := newConfig(opts)
	codec := c.codec
	return archive.NewDriver(&codec, c.archive...)
}

// NewEntry implements archive.Codec. Names must be valid UTF-8 and fit the
// ZIP header.
func (c *Codec) NewEntry(name address.EntryName, typ fstype.EntryType, template *fstype.Entry) (*fstype.Entry, error) {
	if !utf8.ValidString(name.String()) || len(name) >= maxNameLen {
		return nil, fstype.ErrInvalidName
	}
	if typ == fstype.Special {
		return nil, fs.ErrInvalid
	}
	return archive.NewEntry(name, typ, template), nil
}

// NewInput implements archive.Codec.
func (c *Codec) NewInput(_ context.Context, model *fstype.Model, src fstype.ReaderAt) (archive.InputContainer, error) {
	r, err := kzip.NewReader(src, src.Size())
	if err != nil {
		return nil, err
	}
	return newInput(r, c.logger.With("mount_point", model.MountPoint().String())), nil
}

// NewOutput implements archive.Codec.
func (c *Codec) NewOutput(_ context.Context, _ *fstype.Model, sink io.Writer, in archive.InputContainer) (archive.OutputContainer, error) {
	return newOutput(c, sink, in), nil
}

type input struct {
	reader  *kzip.Reader
	entries []*fstype.Entry
	files   map[address.EntryName]*kzip.File
	foreign []*kzip.File // members without a valid entry name, in archive order
}

func newInput(r *kzip.Reader, logger *slog.Logger) *input {
	r.RegisterDecompressor(MethodZstd, zstd.ZipDecompressor())
	in := &input{reader: r, files: make(map[address.EntryName]*kzip.File, len(r.File))}
	index := make(map[address.EntryName]int, len(r.File))
	for _, f := range r.File {
		name, err := address.NewEntryName(strings.TrimSuffix(f.Name, "/"))
		if err != nil {
			// Unaddressable members are kept and copied back raw.
			logger.Info("keeping unaddressable zip entry", "name", f.Name, "error", err)
			in.foreign = append(in.foreign, f)
			continue
		}
		if name.IsRoot() {
			continue
		}
		entry := &fstype.Entry{
			Name:    name,
			Type:    fstype.File,
			Size:    int64(f.UncompressedSize64),
			Mode:    f.Mode().Perm(),
			ModTime: f.Modified,
		}
		if f.Mode().IsDir() || strings.HasSuffix(f.Name, "/") {
			entry.Type = fstype.Directory
			entry.Size = 0
		}
		if entry.Mode == 0 {
			entry.Mode = fstype.DefaultMode(entry.Type)
		}
		// Later entries of the same name shadow earlier ones.
		if i, ok := index[name]; ok {
			in.entries[i] = entry
		} else {
			index[name] = len(in.entries)
			in.entries = append(in.entries, entry)
		}
		in.files[name] = f
	}
	return in
}

func (in *input) Entries() []*fstype.Entry {
	entries := make([]*fstype.Entry, len(in.entries))
	for i, e := range in.entries {
		entries[i] = e.Clone()
	}
	return entries
}

func (in *input) Open(entry *fstype.Entry) (io.ReadCloser, error) {
	f, ok := in.files[entry.Name]
	if !ok {
		return nil, fstype.ErrNotFound
	}
	return f.Open()
}

// method returns the compression method of the stored entry called name.
func (in *input) method(name address.EntryName) (uint16, bool) {
	f, ok := in.files[name]
	if !ok {
		return 0, false
	}
	return f.Method, true
}

// Close does nothing: the source is owned by the archive controller.
func (in *input) Close() error {
	return nil
}

type output struct {
	codec *Codec
	w     *kzip.Writer
	prev  *input
}

func newOutput(c *Codec, sink io.Writer, in archive.InputContainer) *output {
	w := kzip.NewWriter(sink)
	w.RegisterCompressor(MethodZstd, zstd.ZipCompressor(zstd.WithEncoderLevel(c.level)))
	out := &output{codec: c, w: w}
	if prev, ok := in.(*input); ok {
		out.prev = prev
		if comment := prev.reader.Comment; comment != "" {
			_ = w.SetComment(comment)
		}
	}
	return out
}

// methodFor picks the compression method of entry.
func (out *output) methodFor(entry *fstype.Entry, opts fstype.AccessOptions) uint16 {
	switch {
	case opts.Has(fstype.Store):
		return kzip.Store
	case opts.Has(fstype.Compress):
		return out.codec.method
	}
	if out.prev != nil {
		if m, ok := out.prev.method(entry.Name); ok && (m == kzip.Store || m == kzip.Deflate || m == MethodZstd) {
			return m
		}
	}
	return out.codec.method
}

func (out *output) Create(entry *fstype.Entry, opts fstype.AccessOptions) (io.WriteCloser, error) {
	fh := &kzip.FileHeader{
		Name:     entry.Name.String(),
		Modified: entry.ModTime,
	}
	if entry.IsDir() {
		fh.Name += "/"
		fh.Method = kzip.Store
		fh.SetMode(fs.ModeDir | entry.Mode.Perm())
	} else {
		fh.Method = out.methodFor(entry, opts)
		fh.UncompressedSize64 = uint64(entry.Size)
		fh.SetMode(entry.Mode.Perm())
	}
	w, err := out.w.CreateHeader(fh)
	if err != nil {
		return nil, err
	}
	return entryWriter{w}, nil
}

// Close copies the unaddressable members of the replaced archive without
// recompressing them and finishes the archive.
func (out *output) Close() error {
	var err error
	if out.prev != nil {
		for _, f := range out.prev.foreign {
			if err = out.w.Copy(f); err != nil {
				err = fmt.Errorf("zip entry %s: %w", f.Name, err)
				break
			}
		}
	}
	if cerr := out.w.Close(); err == nil {
		err = cerr
	}
	return err
}

// entryWriter adapts the writer of one ZIP entry. The entry is finished by
// the next Create or by closing the archive.
type entryWriter struct {
	io.Writer
}

func (entryWriter) Close() error {
	return nil
}
