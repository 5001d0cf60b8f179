package fedfs

import (
	"context"

	"github.com/meigma/fedfs/internal/address"
	"github.com/meigma/fedfs/internal/fstype"
	"github.com/meigma/fedfs/internal/rwlock"
)

// --- Re-exports from internal/address ---

// Scheme identifies a file system driver, for example "file" or "zip".
type Scheme = address.Scheme

// EntryName is a normalized path relative to the root of a file system.
type EntryName = address.EntryName

// MountPoint is the canonical address of a file system.
type MountPoint = address.MountPoint

// Path addresses an entry within a file system.
type Path = address.Path

// SyntaxError describes a malformed address.
type SyntaxError = address.SyntaxError

// Root is the entry name of the root directory of every file system.
const Root = address.Root

// Address constructors re-exported from internal/address.
var (
	NewScheme       = address.NewScheme
	NewEntryName    = address.NewEntryName
	NewMountPoint   = address.NewMountPoint
	RootMountPoint  = address.RootMountPoint
	ParseMountPoint = address.ParseMountPoint
	ParsePath       = address.ParsePath
	MustScheme      = address.MustScheme
	MustEntryName   = address.MustEntryName
	MustMountPoint  = address.MustMountPoint
	MustPath        = address.MustPath
)

// --- Re-exports from internal/fstype ---

// Entry describes an entry of a file system.
type Entry = fstype.Entry

// EntryType is the type of an entry.
type EntryType = fstype.EntryType

// AccessOptions modify mutating operations.
type AccessOptions = fstype.AccessOptions

// AccessMode is a set of access types for CheckAccess.
type AccessMode = fstype.AccessMode

// SyncOptions modify the sync protocol.
type SyncOptions = fstype.SyncOptions

// Model holds the state shared by all controllers of one mount point.
type Model = fstype.Model

// Controller implements the operations of one file system.
type Controller = fstype.Controller

// Driver creates controllers for the file systems of one scheme.
type Driver = fstype.Driver

// ReaderAt is a stream with random access and a known size.
type ReaderAt = fstype.ReaderAt

// Discarder is implemented by output streams that can be closed without
// committing their content.
type Discarder = fstype.Discarder

// Entry types.
const (
	File      = fstype.File
	Directory = fstype.Directory
	Special   = fstype.Special
)

// Access options.
const (
	CreateParents = fstype.CreateParents
	Exclusive     = fstype.Exclusive
	Append        = fstype.Append
	Store         = fstype.Store
	Compress      = fstype.Compress
)

// Access modes.
const (
	AccessRead    = fstype.AccessRead
	AccessWrite   = fstype.AccessWrite
	AccessExecute = fstype.AccessExecute
)

// Sync options.
const (
	WaitCloseIO  = fstype.WaitCloseIO
	ForceCloseIO = fstype.ForceCloseIO
	ClearCache   = fstype.ClearCache
	Unmount      = fstype.Unmount
	AbortChanges = fstype.AbortChanges

	SyncDefault = fstype.SyncDefault
	SyncUnmount = fstype.SyncUnmount
	SyncReset   = fstype.SyncReset
)

// WithHolder returns a context that identifies one logical operation to the
// file system locks. Locks taken through the returned context are reentrant.
// If ctx already carries an identity it is returned unchanged.
func WithHolder(ctx context.Context) context.Context {
	ctx, _ = rwlock.Ensure(ctx)
	return ctx
}
