// Package tar implements TAR archives for federated file systems, plain or
// compressed as a whole with Zstandard or LZ4.
//
// Every file written by this package carries the digest of its content in
// the PAX record FEDFS.digest. The digest is verified when the content is
// read back.
package tar

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"maps"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
	"github.com/pierrec/lz4/v4"

	"github.com/meigma/fedfs/internal/address"
	"github.com/meigma/fedfs/internal/archive"
	"github.com/meigma/fedfs/internal/fstype"
	"github.com/meigma/fedfs/iopool"
)

// PAXDigest is the PAX record holding the digest of an entry's content.
const PAXDigest = "FEDFS.digest"

// Compression selects how the whole archive is compressed.
type Compression uint8

const (
	None Compression = iota
	Zstd
	LZ4
)

func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	default:
		return fmt.Sprintf("Compression(%d)", uint8(c))
	}
}

// Interface compliance.
var (
	_ archive.Codec           = (*Codec)(nil)
	_ archive.InputContainer  = (*input)(nil)
	_ archive.OutputContainer = (*output)(nil)
)

// Codec reads and writes TAR archives.
type Codec struct {
	compression Compression
	pool        iopool.Pool
	decoders    *decoderPool
	zstdLevel   zstd.EncoderLevel
	lz4Level    lz4.CompressionLevel
	logger      *slog.Logger
}

type config struct {
	codec        Codec
	maxDecMemory uint64
	archive      []archive.Option
}

// Option configures a Codec or the driver built on it.
type Option func(*config)

// WithPool sets the buffer pool. Compressed archives are decompressed into
// a buffer of this pool when mounted.
func WithPool(pool iopool.Pool) Option {
	return func(c *config) {
		if pool != nil {
			c.codec.pool = pool
			c.archive = append(c.archive, archive.WithPool(pool))
		}
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

// WithZstdLevel sets the Zstandard encoder level.
func WithZstdLevel(level zstd.EncoderLevel) Option {
	return func(c *config) {
		c.codec.zstdLevel = level
	}
}

// WithLZ4Level sets the LZ4 compression level.
func WithLZ4Level(level lz4.CompressionLevel) Option {
	return func(c *config) {
		c.codec.lz4Level = level
	}
}

// WithMaxDecoderMemory limits the memory a Zstandard decoder may allocate.
// Zero means no limit.
func WithMaxDecoderMemory(n uint64) Option {
	return func(c *config) {
		c.maxDecMemory = n
	}
}

func newConfig(compression Compression, opts []Option) *config {
	c := &config{codec: Codec{
		compression: compression,
		pool:        iopool.NewMemPool(),
		zstdLevel:   zstd.SpeedDefault,
		lz4Level:    lz4.Fast,
		logger:      slog.New(slog.DiscardHandler),
	}}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	c.codec.decoders = newDecoderPool(c.maxDecMemory)
	return c
}

// New returns a TAR codec.
func New(compression Compression, opts ...Option) *Codec {
	c := newConfig(compression, opts).codec
	return &c
}

// NewDriver returns a driver for TAR archives.
func NewDriver(compression Compression, opts ...Option) fstype.Driver {
	c := newConfig(compression, opts)
	codec := c.codec
	return archive.NewDriver(&codec, c.archive...)
}

// Compression returns the compression of the codec.
func (c *Codec) Compression() Compression {
	return c.compression
}

// NewEntry implements archive.Codec. Names must be valid UTF-8.
func (c *Codec) NewEntry(name address.EntryName, typ fstype.EntryType, template *fstype.Entry) (*fstype.Entry, error) {
	if !utf8.ValidString(name.String()) {
		return nil, fstype.ErrInvalidName
	}
	if typ == fstype.Special {
		return nil, fs.ErrInvalid
	}
	return archive.NewEntry(name, typ, template), nil
}

// NewInput implements archive.Codec.
func (c *Codec) NewInput(ctx context.Context, model *fstype.Model, src fstype.ReaderAt) (archive.InputContainer, error) {
	in := &input{
		data:    src,
		located: make(map[address.EntryName]*location),
		logger:  c.logger.With("mount_point", model.MountPoint().String()),
	}
	if c.compression != None {
		buf, err := c.decompress(io.NewSectionReader(src, 0, src.Size()))
		if err != nil {
			return nil, fmt.Errorf("decompressing %s archive: %w", c.compression, err)
		}
		in.buf = buf
		in.data = buf
	}
	if err := in.scan(ctx, c.pool); err != nil {
		_ = in.Close()
		return nil, err
	}
	return in, nil
}

// NewOutput implements archive.Codec.
func (c *Codec) NewOutput(_ context.Context, _ *fstype.Model, sink io.Writer, in archive.InputContainer) (archive.OutputContainer, error) {
	out := &output{}
	if prev, ok := in.(*input); ok {
		out.prev = prev
	}
	comp, err := c.compressor(sink)
	if err != nil {
		return nil, err
	}
	if comp != nil {
		out.comp = comp
		sink = comp
	}
	out.tw = tar.NewWriter(sink)
	return out, nil
}

// location tells where the content of an entry is stored.
type location struct {
	header *tar.Header
	offset int64
	buf    iopool.Buffer // content of entries that cannot be read in place
}

type input struct {
	data    fstype.ReaderAt
	buf     iopool.Buffer // decompressed archive, if compressed
	entries []*fstype.Entry
	located map[address.EntryName]*location
	foreign []*location // members without a valid entry name, in archive order
	logger  *slog.Logger
}

func (in *input) scan(ctx context.Context, pool iopool.Pool) error {
	sr := io.NewSectionReader(in.data, 0, in.data.Size())
	tr := tar.NewReader(sr)
	index := make(map[address.EntryName]int)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		offset, err := sr.Seek(0, io.SeekCurrent)
		if err != nil {
			return err
		}
		name, err := address.NewEntryName(strings.TrimSuffix(hdr.Name, "/"))
		if err != nil {
			// Unaddressable members are kept and written back verbatim.
			in.logger.Info("keeping unaddressable tar entry", "name", hdr.Name, "error", err)
			loc := &location{header: hdr, offset: offset}
			if isSparse(hdr) {
				if loc.buf, err = iopool.Fill(pool, tr); err != nil {
					return err
				}
			}
			in.foreign = append(in.foreign, loc)
			continue
		}
		if name.IsRoot() {
			continue
		}
		entry, loc, err := in.newEntry(name, hdr, offset)
		if err != nil {
			return err
		}
		if entry.Type == fstype.File && isSparse(hdr) {
			// Sparse content is expanded by the reader, so it is not stored
			// contiguously at offset.
			if loc.buf, err = iopool.Fill(pool, tr); err != nil {
				return err
			}
		}
		if old, ok := in.located[name]; ok && old.buf != nil {
			_ = old.buf.Release()
		}
		// Later entries of the same name shadow earlier ones.
		if i, ok := index[name]; ok {
			in.entries[i] = entry
		} else {
			index[name] = len(in.entries)
			in.entries = append(in.entries, entry)
		}
		in.located[name] = loc
	}
}

func (in *input) newEntry(name address.EntryName, hdr *tar.Header, offset int64) (*fstype.Entry, *location, error) {
	entry := &fstype.Entry{
		Name:    name,
		Mode:    fs.FileMode(hdr.Mode).Perm(),
		ModTime: hdr.ModTime,
	}
	loc := &location{header: hdr, offset: offset}
	switch hdr.Typeflag {
	case tar.TypeReg, tar.TypeGNUSparse:
		entry.Type = fstype.File
		entry.Size = hdr.Size
		if s, ok := hdr.PAXRecords[PAXDigest]; ok {
			d, err := digest.Parse(s)
			if err != nil {
				return nil, nil, fmt.Errorf("tar entry %s: %w", hdr.Name, err)
			}
			entry.Digest = d
		}
	case tar.TypeDir:
		entry.Type = fstype.Directory
	default:
		entry.Type = fstype.Special
	}
	if entry.Mode == 0 {
		entry.Mode = fstype.DefaultMode(entry.Type)
	}
	return entry, loc, nil
}

func isSparse(hdr *tar.Header) bool {
	if hdr.Typeflag == tar.TypeGNUSparse {
		return true
	}
	for key := range hdr.PAXRecords {
		if strings.HasPrefix(key, "GNU.sparse.") {
			return true
		}
	}
	return false
}

func (in *input) Entries() []*fstype.Entry {
	entries := make([]*fstype.Entry, len(in.entries))
	for i, e := range in.entries {
		entries[i] = e.Clone()
	}
	return entries
}

func (in *input) Open(entry *fstype.Entry) (io.ReadCloser, error) {
	loc, ok := in.located[entry.Name]
	if !ok || entry.Type != fstype.File {
		return nil, fstype.ErrNotFound
	}
	rc := in.content(loc)
	if entry.Digest == "" {
		return rc, nil
	}
	return &verifyingReader{ReadCloser: rc, verifier: entry.Digest.Verifier(), name: entry.Name}, nil
}

// content returns the stored content of loc.
func (in *input) content(loc *location) io.ReadCloser {
	if loc.buf != nil {
		return iopool.NewReader(loc.buf)
	}
	return io.NopCloser(io.NewSectionReader(in.data, loc.offset, loc.header.Size))
}

func (in *input) Close() error {
	for _, loc := range in.located {
		if loc.buf != nil {
			_ = loc.buf.Release()
			loc.buf = nil
		}
	}
	for _, loc := range in.foreign {
		if loc.buf != nil {
			_ = loc.buf.Release()
			loc.buf = nil
		}
	}
	if in.buf != nil {
		err := in.buf.Release()
		in.buf = nil
		return err
	}
	return nil
}

// verifyingReader fails at the end of the content if its digest does not
// match.
type verifyingReader struct {
	io.ReadCloser
	verifier digest.Verifier
	name     address.EntryName
}

func (r *verifyingReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	_, _ = r.verifier.Write(p[:n])
	if err == io.EOF && !r.verifier.Verified() {
		return n, fmt.Errorf("tar entry %s: %w", r.name, fstype.ErrDigestMismatch)
	}
	return n, err
}

type output struct {
	tw   *tar.Writer
	comp io.WriteCloser
	prev *input
}

func (out *output) Create(entry *fstype.Entry, _ fstype.AccessOptions) (io.WriteCloser, error) {
	hdr := &tar.Header{
		Name:    entry.Name.String(),
		Mode:    int64(entry.Mode.Perm()),
		ModTime: entry.ModTime,
		Format:  tar.FormatPAX,
	}
	switch entry.Type {
	case fstype.Directory:
		hdr.Typeflag = tar.TypeDir
		hdr.Name += "/"
	case fstype.File:
		hdr.Typeflag = tar.TypeReg
		hdr.Size = entry.Size
		if entry.Digest != "" {
			hdr.PAXRecords = map[string]string{PAXDigest: entry.Digest.String()}
		}
	default:
		// Special entries are carried over from the archive being replaced.
		if out.prev == nil {
			return nil, fs.ErrInvalid
		}
		loc, ok := out.prev.located[entry.Name]
		if !ok {
			return nil, fs.ErrInvalid
		}
		hdr = cloneHeader(loc.header)
		hdr.Mode = int64(entry.Mode.Perm())
		hdr.ModTime = entry.ModTime
	}
	if err := out.tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	return entryWriter{out.tw}, nil
}

func cloneHeader(hdr *tar.Header) *tar.Header {
	c := *hdr
	c.PAXRecords = maps.Clone(hdr.PAXRecords)
	c.Size = 0
	return &c
}

// Close writes the unaddressable members of the replaced archive after
// all entries and finishes the archive.
func (out *output) Close() error {
	err := out.writeForeign()
	if cerr := out.tw.Close(); err == nil {
		err = cerr
	}
	if out.comp != nil {
		if cerr := out.comp.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (out *output) writeForeign() error {
	if out.prev == nil {
		return nil
	}
	for _, loc := range out.prev.foreign {
		hdr := cloneHeader(loc.header)
		hdr.Format = tar.FormatUnknown
		regular := loc.header.Typeflag == tar.TypeReg || isSparse(loc.header)
		if regular {
			// Sparse members are written expanded.
			hdr.Typeflag = tar.TypeReg
			hdr.Size = loc.header.Size
			if loc.buf != nil {
				hdr.Size = loc.buf.Size()
			}
			maps.DeleteFunc(hdr.PAXRecords, func(k, _ string) bool {
				return strings.HasPrefix(k, "GNU.sparse.")
			})
		}
		if err := out.tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("tar entry %s: %w", loc.header.Name, err)
		}
		if !regular {
			continue
		}
		rc := out.prev.content(loc)
		_, err := io.Copy(out.tw, rc)
		_ = rc.Close()
		if err != nil {
			return fmt.Errorf("tar entry %s: %w", loc.header.Name, err)
		}
	}
	return nil
}

// entryWriter writes the content of one entry. Close reports content that
// is shorter than the header announced.
type entryWriter struct {
	tw *tar.Writer
}

func (w entryWriter) Write(p []byte) (int, error) {
	return w.tw.Write(p)
}

func (w entryWriter) Close() error {
	return w.tw.Flush()
}
