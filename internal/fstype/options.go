package fstype

import (
	"fmt"
	"io/fs"
	"strings"
)

// AccessOptions modify mutating operations.
type AccessOptions uint16

const (
	// CreateParents creates missing parent directories.
	CreateParents AccessOptions = 1 << iota
	// Exclusive fails if the entry already exists.
	Exclusive
	// Append keeps existing content and writes after it.
	Append
	// Store asks archive drivers not to compress the entry.
	Store
	// Compress asks archive drivers to compress the entry.
	Compress
)

// Has reports whether all bits of o2 are set in o.
func (o AccessOptions) Has(o2 AccessOptions) bool {
	return o&o2 == o2
}

// Without returns o with the bits of o2 cleared.
func (o AccessOptions) Without(o2 AccessOptions) AccessOptions {
	return o &^ o2
}

func (o AccessOptions) String() string {
	return flagString(uint16(o), []string{"CreateParents", "Exclusive", "Append", "Store", "Compress"})
}

// SyncOptions modify the sync protocol.
type SyncOptions uint16

const (
	// WaitCloseIO waits for open output streams to close instead of failing.
	WaitCloseIO SyncOptions = 1 << iota
	// ForceCloseIO forcibly closes open output streams. Data written so far
	// is committed; later writes to those streams fail.
	ForceCloseIO
	// ClearCache drops cached entry buffers after the sync.
	ClearCache
	// Unmount releases all resources of the file system and evicts it from
	// the manager when no client references remain. Implies ClearCache.
	Unmount
	// AbortChanges discards pending changes instead of committing them.
	AbortChanges
)

// Common sync option sets.
const (
	SyncDefault SyncOptions = 0
	SyncUnmount             = Unmount | ClearCache
	SyncReset               = ForceCloseIO | Unmount | ClearCache
)

// Has reports whether all bits of o2 are set in o.
func (o SyncOptions) Has(o2 SyncOptions) bool {
	return o&o2 == o2
}

// Without returns o with the bits of o2 cleared.
func (o SyncOptions) Without(o2 SyncOptions) SyncOptions {
	return o &^ o2
}

// Validate rejects contradictory combinations.
func (o SyncOptions) Validate() error {
	if o.Has(WaitCloseIO | ForceCloseIO) {
		return fmt.Errorf("fedfs: sync options %v: WaitCloseIO and ForceCloseIO are exclusive: %w", o, fs.ErrInvalid)
	}
	return nil
}

func (o SyncOptions) String() string {
	return flagString(uint16(o), []string{"WaitCloseIO", "ForceCloseIO", "ClearCache", "Unmount", "AbortChanges"})
}

// AccessMode is a set of access types for CheckAccess.
type AccessMode uint8

const (
	AccessRead AccessMode = 1 << iota
	AccessWrite
	AccessExecute
)

func flagString(bits uint16, names []string) string {
	if bits == 0 {
		return "0"
	}
	var parts []string
	for i, name := range names {
		if bits&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}
