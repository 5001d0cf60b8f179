package address

import "strings"

// Path addresses an entry within a file system: a mount point plus an
// entry name relative to it.
type Path struct {
	mountPoint MountPoint
	name       EntryName
}

// NewPath returns the path of name within mountPoint.
func NewPath(mountPoint MountPoint, name EntryName) Path {
	return Path{mountPoint: mountPoint, name: name}
}

// ParsePath resolves a hierarchical address into a Path.
//
// "." and ".." segments are canonicalized. Plain addresses ("file:/tmp/x")
// resolve against the root mount point of their scheme; federated addresses
// ("zip:file:/tmp/a.zip!/x") split at the last "!/" separator, recursively.
func ParsePath(s string) (Path, error) {
	scheme, rest, err := splitScheme(s)
	if err != nil {
		return Path{}, err
	}
	if strings.HasPrefix(rest, Separator) {
		name, err := NewEntryName(strings.TrimLeft(rest, Separator))
		if err != nil {
			return Path{}, err
		}
		return Path{mountPoint: RootMountPoint(scheme), name: name}, nil
	}
	i := strings.LastIndex(rest, mountSeparator)
	if i < 0 {
		return Path{}, syntaxError(s, `relative address without "!/" mount point separator`)
	}
	parent, err := ParsePath(rest[:i])
	if err != nil {
		return Path{}, err
	}
	mountPoint, err := NewMountPoint(scheme, parent)
	if err != nil {
		return Path{}, err
	}
	name, err := NewEntryName(rest[i+len(mountSeparator):])
	if err != nil {
		return Path{}, err
	}
	return Path{mountPoint: mountPoint, name: name}, nil
}

// MustPath is like ParsePath but panics on error.
func MustPath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

// MountPoint returns the mount point of the file system containing p.
func (p Path) MountPoint() MountPoint {
	return p.mountPoint
}

// EntryName returns the name of p relative to its mount point.
func (p Path) EntryName() EntryName {
	return p.name
}

// Resolve returns the path of name relative to p.
func (p Path) Resolve(name EntryName) Path {
	return Path{mountPoint: p.mountPoint, name: p.name.Join(name)}
}

// IsZero reports whether p is the zero value.
func (p Path) IsZero() bool {
	return p.mountPoint.IsZero()
}

func (p Path) String() string {
	return p.mountPoint.uri + string(p.name)
}
