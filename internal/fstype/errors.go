package fstype

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/meigma/fedfs/internal/address"
)

// Sentinel errors.
var (
	// ErrAddressSyntax is returned for malformed mount points, paths and entry names.
	ErrAddressSyntax = address.ErrSyntax

	// ErrNotFound is returned when the backing storage of an entry is absent.
	ErrNotFound = fs.ErrNotExist

	// ErrResourceBusy is returned when a sync is attempted while output streams are open.
	ErrResourceBusy = errors.New("fedfs: resource busy")

	// ErrKeyUnavailable is returned when an existing resource cannot be opened
	// because its key has not been provided. A retry may succeed.
	ErrKeyUnavailable = errors.New("fedfs: key unavailable")

	// ErrFalsePositive is returned when an entry is not a valid archive of
	// the format implied by its mount point.
	ErrFalsePositive = errors.New("fedfs: not a valid archive")

	// ErrSync is matched by every sync failure.
	ErrSync = errors.New("fedfs: sync failed")

	// ErrLockUpgrade is returned when an operation needs the write lock while
	// the calling holder has the read lock.
	ErrLockUpgrade = errors.New("fedfs: read lock cannot be upgraded")

	// ErrReadOnly is returned when writing a read-only entry.
	ErrReadOnly = errors.New("fedfs: read-only entry")

	// ErrNotEmpty is returned when unlinking a non-empty directory.
	ErrNotEmpty = errors.New("fedfs: directory not empty")

	// ErrNotDir is returned when a directory was expected.
	ErrNotDir = errors.New("fedfs: not a directory")

	// ErrIsDir is returned when a file was expected.
	ErrIsDir = errors.New("fedfs: is a directory")

	// ErrDigestMismatch is returned when content does not match its recorded digest.
	ErrDigestMismatch = errors.New("fedfs: digest mismatch")

	// ErrNoDriver is returned when no driver is registered for a scheme.
	ErrNoDriver = errors.New("fedfs: no driver for scheme")

	// ErrInvalidName is returned when a driver cannot encode an entry name.
	ErrInvalidName = errors.New("fedfs: entry name not encodable")
)

// ResourceBusyError reports open output streams preventing a sync.
// It is retryable after closing the streams or with ForceCloseIO.
type ResourceBusyError struct {
	MountPoint address.MountPoint
	Streams    int
}

func (e *ResourceBusyError) Error() string {
	return fmt.Sprintf("fedfs: %s: %d open output stream(s)", e.MountPoint, e.Streams)
}

// Is reports whether target is ErrResourceBusy.
func (e *ResourceBusyError) Is(target error) bool {
	return target == ErrResourceBusy
}

// FalsePositiveError reports that the archive file backing a mount point
// exists but is not an archive of the mount point's format. Clients fall
// back to treating the entry as a plain entry of the parent file system.
type FalsePositiveError struct {
	MountPoint address.MountPoint
	Err        error
}

func (e *FalsePositiveError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fedfs: %s: not a valid archive", e.MountPoint)
	}
	return fmt.Sprintf("fedfs: %s: not a valid archive: %v", e.MountPoint, e.Err)
}

// Unwrap returns the underlying cause.
func (e *FalsePositiveError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrFalsePositive.
func (e *FalsePositiveError) Is(target error) bool {
	return target == ErrFalsePositive
}

// PathError returns an *fs.PathError for name within mountPoint.
func PathError(op string, mountPoint address.MountPoint, name address.EntryName, err error) error {
	return &fs.PathError{Op: op, Path: mountPoint.Resolve(name).String(), Err: err}
}
