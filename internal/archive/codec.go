// Package archive implements the controller for federated file systems that
// are stored as an archive file in their parent file system.
//
// The controller is format-agnostic: it mounts the archive lazily through a
// Codec, keeps written entries in pooled buffers, and rewrites the whole
// archive into the parent file system on sync. Concrete formats live in the
// driver packages.
package archive

import (
	"context"
	"io"
	"time"

	"github.com/meigma/fedfs/internal/address"
	"github.com/meigma/fedfs/internal/fstype"
)

// Codec reads and writes one archive format.
type Codec interface {
	// NewEntry returns a new entry for name, copying size, mode, modification
	// time and digest from template when it is not nil. It fails with
	// fstype.ErrInvalidName if the format cannot encode name.
	NewEntry(name address.EntryName, typ fstype.EntryType, template *fstype.Entry) (*fstype.Entry, error)

	// NewInput reads the entry table of an archive. It fails with
	// fstype.ErrKeyUnavailable if the archive cannot be opened right now and
	// with any other error if src is not an archive of this format.
	NewInput(ctx context.Context, model *fstype.Model, src fstype.ReaderAt) (InputContainer, error)

	// NewOutput starts writing an archive to sink. input is the container of
	// the archive being replaced, or nil, and may be used to carry over
	// archive level metadata. Members of input that have no valid entry name
	// are not visible as entries; the output must write them back unchanged.
	NewOutput(ctx context.Context, model *fstype.Model, sink io.Writer, input InputContainer) (OutputContainer, error)
}

// InputContainer gives read access to the entries of a mounted archive.
type InputContainer interface {
	// Entries returns all entries stored in the archive. Directories that
	// are only implied by the names of other entries may be missing.
	Entries() []*fstype.Entry

	// Open returns a reader for the content of entry.
	Open(entry *fstype.Entry) (io.ReadCloser, error)

	Close() error
}

// OutputContainer writes the entries of a new archive.
type OutputContainer interface {
	// Create starts a new entry. Entries are created in lexical order of
	// their names, parents before children; entry.Size is exact for files.
	// opts carries the Store and Compress bits the entry was written with.
	Create(entry *fstype.Entry, opts fstype.AccessOptions) (io.WriteCloser, error)

	// Close finishes the archive. It does not close the sink.
	Close() error
}

// NewEntry is the default entry factory for codecs.
func NewEntry(name address.EntryName, typ fstype.EntryType, template *fstype.Entry) *fstype.Entry {
	e := &fstype.Entry{
		Name:    name,
		Type:    typ,
		Mode:    fstype.DefaultMode(typ),
		ModTime: time.Now().Truncate(time.Second),
	}
	if template == nil {
		return e
	}
	if typ == template.Type {
		e.Size = template.Size
		e.Digest = template.Digest
	}
	if template.Mode != 0 {
		e.Mode = template.Mode.Perm()
	}
	if !template.ModTime.IsZero() {
		e.ModTime = template.ModTime
	}
	return e
}
