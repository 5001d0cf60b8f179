package fedfs

import (
	"github.com/meigma/fedfs/internal/fstype"
	"github.com/meigma/fedfs/iopool"
)

// Errors re-exported from internal/fstype.
var (
	// ErrAddressSyntax is returned for malformed mount points, paths and entry names.
	ErrAddressSyntax = fstype.ErrAddressSyntax

	// ErrNotFound is returned when an entry or its backing storage does not exist.
	// It is fs.ErrNotExist.
	ErrNotFound = fstype.ErrNotFound

	// ErrResourceBusy is returned by a sync while output streams are open.
	// Retry after closing the streams or sync with ForceCloseIO.
	ErrResourceBusy = fstype.ErrResourceBusy

	// ErrKeyUnavailable is returned when an archive exists but cannot be
	// opened right now, for example because no key was provided.
	ErrKeyUnavailable = fstype.ErrKeyUnavailable

	// ErrFalsePositive is returned when a file is not a valid archive of the
	// format its name suggests.
	ErrFalsePositive = fstype.ErrFalsePositive

	// ErrSync matches every error returned by a sync.
	ErrSync = fstype.ErrSync

	// ErrLockUpgrade is returned when an operation needs the write lock of a
	// file system whose read lock is held by the same holder.
	ErrLockUpgrade = fstype.ErrLockUpgrade

	// ErrReadOnly is returned when writing a read-only entry.
	ErrReadOnly = fstype.ErrReadOnly

	// ErrNotEmpty is returned when removing a directory with entries.
	ErrNotEmpty = fstype.ErrNotEmpty

	// ErrNotDir is returned when a directory was expected.
	ErrNotDir = fstype.ErrNotDir

	// ErrIsDir is returned when a file was expected.
	ErrIsDir = fstype.ErrIsDir

	// ErrDigestMismatch is returned when entry content does not match its digest.
	ErrDigestMismatch = fstype.ErrDigestMismatch

	// ErrNoDriver is returned when no driver is registered for a scheme.
	ErrNoDriver = fstype.ErrNoDriver

	// ErrInvalidName is returned when a driver cannot encode an entry name.
	ErrInvalidName = fstype.ErrInvalidName
)

// ErrPoolExhausted is returned when a buffer pool reached its size limit.
var ErrPoolExhausted = iopool.ErrPoolExhausted

// ResourceBusyError reports the open output streams that made a sync fail.
type ResourceBusyError = fstype.ResourceBusyError

// FalsePositiveError reports a file that is not a valid archive.
type FalsePositiveError = fstype.FalsePositiveError

// SyncError reports the failure to sync one file system.
type SyncError = fstype.SyncError

// AggregateSyncError reports a sync of several file systems with failures.
type AggregateSyncError = fstype.AggregateSyncError

// IsSyncWarning reports whether err is a sync error after which all data
// was committed.
var IsSyncWarning = fstype.IsSyncWarning
