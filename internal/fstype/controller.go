package fstype

import (
	"context"
	"io"
	"time"

	"github.com/meigma/fedfs/internal/address"
)

// Controller provides the operations of one mounted file system.
//
// Entry names are relative to the mount point of the controller's model.
// Missing entries are reported as *fs.PathError wrapping fs.ErrNotExist.
type Controller interface {
	// Model returns the model shared by the controller chain.
	Model() *Model

	// Parent returns the controller of the parent file system, or nil.
	Parent() Controller

	// Stat returns the entry called name.
	Stat(ctx context.Context, name address.EntryName) (*Entry, error)

	// ReadDir returns the members of the directory called name, sorted by name.
	ReadDir(ctx context.Context, name address.EntryName) ([]*Entry, error)

	// CheckAccess fails unless the entry exists and permits mode.
	CheckAccess(ctx context.Context, name address.EntryName, mode AccessMode) error

	// SetReadOnly clears the write permission bits of the entry.
	SetReadOnly(ctx context.Context, name address.EntryName) error

	// SetTime sets the modification time of the entry.
	SetTime(ctx context.Context, name address.EntryName, mtime time.Time) error

	// Open opens the file called name for reading. The returned stream
	// implements ReaderAt when the controller can offer random access.
	Open(ctx context.Context, name address.EntryName) (io.ReadCloser, error)

	// Create opens the file called name for writing. Content becomes visible
	// when the stream is closed; streams implementing Discarder can be
	// abandoned without committing. template, if non-nil, supplies metadata.
	Create(ctx context.Context, name address.EntryName, opts AccessOptions, template *Entry) (io.WriteCloser, error)

	// Mknod creates an entry of type typ.
	Mknod(ctx context.Context, name address.EntryName, typ EntryType, opts AccessOptions, template *Entry) error

	// Unlink removes the entry. Directories must be empty.
	Unlink(ctx context.Context, name address.EntryName, opts AccessOptions) error

	// Sync commits pending changes to the backing storage.
	Sync(ctx context.Context, opts SyncOptions) error
}

// Driver creates the format specific controller of a mount point.
type Driver interface {
	// NewController returns the controller for model. parent is the
	// controller of the parent file system, or nil for a root mount point.
	NewController(model *Model, parent Controller) Controller
}

// ReaderAt is random access content of known size.
type ReaderAt interface {
	io.ReaderAt
	Size() int64
}

// Discarder is implemented by output streams that can be abandoned.
type Discarder interface {
	// Discard releases the stream without committing its content.
	Discard() error
}
