package fstype

import (
	"io/fs"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/fedfs/internal/address"
)

// EntryType classifies an entry.
type EntryType uint8

const (
	File EntryType = iota
	Directory
	Special
)

func (t EntryType) String() string {
	switch t {
	case File:
		return "file"
	case Directory:
		return "directory"
	case Special:
		return "special"
	default:
		return "unknown"
	}
}

// Entry describes an entry of a file system.
type Entry struct {
	// Name is the entry name relative to its mount point.
	Name address.EntryName

	// Type is the entry type.
	Type EntryType

	// Size is the length of the entry content in bytes. Zero for directories.
	Size int64

	// Mode holds the permission bits of the entry.
	Mode fs.FileMode

	// ModTime is the last modification time.
	ModTime time.Time

	// Digest is the content digest, if known.
	Digest digest.Digest
}

// IsDir reports whether e is a directory.
func (e *Entry) IsDir() bool {
	return e.Type == Directory
}

// ReadOnly reports whether no write permission bit is set.
func (e *Entry) ReadOnly() bool {
	return e.Mode.Perm()&0o222 == 0
}

// Clone returns a copy of e.
func (e *Entry) Clone() *Entry {
	c := *e
	return &c
}

// Info adapts e to fs.FileInfo.
func (e *Entry) Info() fs.FileInfo {
	return entryInfo{e: e}
}

// DefaultMode returns the permission bits used for new entries of type t.
func DefaultMode(t EntryType) fs.FileMode {
	if t == Directory {
		return 0o755
	}
	return 0o644
}

type entryInfo struct {
	e *Entry
}

func (i entryInfo) Name() string {
	if i.e.Name.IsRoot() {
		return "."
	}
	return i.e.Name.Base()
}

func (i entryInfo) Size() int64        { return i.e.Size }
func (i entryInfo) ModTime() time.Time { return i.e.ModTime }
func (i entryInfo) IsDir() bool        { return i.e.IsDir() }
func (i entryInfo) Sys() any           { return i.e }

func (i entryInfo) Mode() fs.FileMode {
	switch i.e.Type {
	case Directory:
		return fs.ModeDir | i.e.Mode.Perm()
	case Special:
		return fs.ModeIrregular | i.e.Mode.Perm()
	default:
		return i.e.Mode.Perm()
	}
}

// DirEntry adapts e to fs.DirEntry.
func (e *Entry) DirEntry() fs.DirEntry {
	return fs.FileInfoToDirEntry(e.Info())
}
