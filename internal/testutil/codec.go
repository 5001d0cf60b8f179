package testutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"

	"github.com/meigma/fedfs/internal/address"
	"github.com/meigma/fedfs/internal/archive"
	"github.com/meigma/fedfs/internal/fstype"
)

const codecMagic = "fedfs-test-archive"

// Codec is an archive codec that stores all entries as one CBOR document.
// Its exported fields inject failures; they must not change while the
// codec is in use.
type Codec struct {
	// InputErr is returned by NewInput if set.
	InputErr error
	// OutputErr is returned by OutputContainer.Close if set.
	OutputErr error
	// InputCloseErr is returned by InputContainer.Close if set.
	InputCloseErr error

	inputs  atomic.Int64
	outputs atomic.Int64
}

var _ archive.Codec = (*Codec)(nil)

type document struct {
	Magic   string        `cbor:"1,keyasint"`
	Entries []documentRow `cbor:"2,keyasint"`
}

type documentRow struct {
	Name    string `cbor:"1,keyasint"`
	Type    uint8  `cbor:"2,keyasint"`
	Mode    uint32 `cbor:"3,keyasint"`
	ModTime int64  `cbor:"4,keyasint"`
	Data    []byte `cbor:"5,keyasint,omitempty"`
}

// Inputs returns the number of successfully mounted inputs.
func (c *Codec) Inputs() int64 { return c.inputs.Load() }

// Outputs returns the number of successfully written archives.
func (c *Codec) Outputs() int64 { return c.outputs.Load() }

// NewEntry implements archive.Codec. Names must be valid UTF-8.
func (c *Codec) NewEntry(name address.EntryName, typ fstype.EntryType, template *fstype.Entry) (*fstype.Entry, error) {
	if !utf8.ValidString(name.String()) {
		return nil, fstype.ErrInvalidName
	}
	return archive.NewEntry(name, typ, template), nil
}

// NewInput implements archive.Codec.
func (c *Codec) NewInput(_ context.Context, _ *fstype.Model, src fstype.ReaderAt) (archive.InputContainer, error) {
	if c.InputErr != nil {
		return nil, c.InputErr
	}
	data, err := io.ReadAll(io.NewSectionReader(src, 0, src.Size()))
	if err != nil {
		return nil, err
	}
	var doc document
	if err := cbor.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding test archive: %w", err)
	}
	if doc.Magic != codecMagic {
		return nil, errors.New("not a test archive")
	}
	in := &input{codec: c, data: make(map[address.EntryName][]byte)}
	for _, row := range doc.Entries {
		name, err := address.NewEntryName(row.Name)
		if err != nil {
			return nil, err
		}
		in.entries = append(in.entries, &fstype.Entry{
			Name:    name,
			Type:    fstype.EntryType(row.Type),
			Size:    int64(len(row.Data)),
			Mode:    fsMode(row.Mode),
			ModTime: time.Unix(row.ModTime, 0).UTC(),
		})
		in.data[name] = row.Data
	}
	c.inputs.Add(1)
	return in, nil
}

// NewOutput implements archive.Codec.
func (c *Codec) NewOutput(_ context.Context, _ *fstype.Model, sink io.Writer, _ archive.InputContainer) (archive.OutputContainer, error) {
	return &output{codec: c, sink: sink, doc: document{Magic: codecMagic}}, nil
}

// Encode returns an archive holding files, keyed by entry name.
func Encode(files map[string][]byte) []byte {
	doc := document{Magic: codecMagic}
	for name, data := range files {
		doc.Entries = append(doc.Entries, documentRow{
			Name:    name,
			Type:    uint8(fstype.File),
			Mode:    0o644,
			ModTime: Epoch.Unix(),
			Data:    data,
		})
	}
	out, err := cbor.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return out
}

// Decode returns the files of an archive, keyed by entry name.
func Decode(data []byte) (map[string][]byte, error) {
	var doc document
	if err := cbor.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Magic != codecMagic {
		return nil, errors.New("not a test archive")
	}
	files := make(map[string][]byte)
	for _, row := range doc.Entries {
		if fstype.EntryType(row.Type) == fstype.File {
			files[row.Name] = row.Data
		}
	}
	return files, nil
}

type input struct {
	codec   *Codec
	entries []*fstype.Entry
	data    map[address.EntryName][]byte
}

func (in *input) Entries() []*fstype.Entry {
	entries := make([]*fstype.Entry, len(in.entries))
	for i, e := range in.entries {
		entries[i] = e.Clone()
	}
	return entries
}

func (in *input) Open(entry *fstype.Entry) (io.ReadCloser, error) {
	data, ok := in.data[entry.Name]
	if !ok {
		return nil, fstype.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (in *input) Close() error {
	return in.codec.InputCloseErr
}

type output struct {
	codec *Codec
	sink  io.Writer
	mu    sync.Mutex
	doc   document
}

func (out *output) Create(entry *fstype.Entry, _ fstype.AccessOptions) (io.WriteCloser, error) {
	return &rowWriter{out: out, row: documentRow{
		Name:    entry.Name.String(),
		Type:    uint8(entry.Type),
		Mode:    uint32(entry.Mode.Perm()),
		ModTime: entry.ModTime.Unix(),
	}}, nil
}

func (out *output) Close() error {
	if out.codec.OutputErr != nil {
		return out.codec.OutputErr
	}
	out.mu.Lock()
	defer out.mu.Unlock()
	data, err := cbor.Marshal(out.doc)
	if err != nil {
		return err
	}
	if _, err := out.sink.Write(data); err != nil {
		return err
	}
	out.codec.outputs.Add(1)
	return nil
}

type rowWriter struct {
	out *output
	row documentRow
	buf bytes.Buffer
}

func (w *rowWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *rowWriter) Close() error {
	w.row.Data = w.buf.Bytes()
	w.out.mu.Lock()
	defer w.out.mu.Unlock()
	w.out.doc.Entries = append(w.out.doc.Entries, w.row)
	return nil
}

func fsMode(m uint32) fs.FileMode {
	return fs.FileMode(m).Perm()
}
