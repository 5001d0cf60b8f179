package address

import "strings"

// mountSeparator terminates the parent path of a federated mount point.
const mountSeparator = "!/"

// MountPoint is the canonical address of a file system.
//
// A mount point without a parent is the root of its scheme ("file:/").
// A mount point with a parent denotes a directory view of an entry in the
// parent file system ("zip:file:/tmp/a.zip!/"). The zero value is invalid.
type MountPoint struct {
	uri    string
	scheme Scheme
	parent string // canonical parent path, "" if not federated
	depth  int
}

// RootMountPoint returns the non-federated mount point of scheme.
func RootMountPoint(scheme Scheme) MountPoint {
	return MountPoint{
		uri:    string(scheme) + ":" + Separator,
		scheme: scheme,
	}
}

// NewMountPoint returns the mount point of the file system stored at parent.
// The parent path must name a non-root entry.
func NewMountPoint(scheme Scheme, parent Path) (MountPoint, error) {
	if parent.IsZero() {
		return RootMountPoint(scheme), nil
	}
	if parent.EntryName().IsRoot() {
		return MountPoint{}, syntaxError(parent.String(), "mount point parent must name an entry")
	}
	p := parent.String()
	return MountPoint{
		uri:    string(scheme) + ":" + p + mountSeparator,
		scheme: scheme,
		parent: p,
		depth:  parent.MountPoint().depth + 1,
	}, nil
}

// ParseMountPoint parses the canonical form of a mount point.
func ParseMountPoint(s string) (MountPoint, error) {
	scheme, rest, err := splitScheme(s)
	if err != nil {
		return MountPoint{}, err
	}
	if strings.HasPrefix(rest, Separator) {
		if rest != Separator {
			return MountPoint{}, syntaxError(s, `non-federated mount point must be "scheme:/"`)
		}
		return RootMountPoint(scheme), nil
	}
	if !strings.HasSuffix(rest, mountSeparator) {
		return MountPoint{}, syntaxError(s, `federated mount point must end with "!/"`)
	}
	parent, err := ParsePath(strings.TrimSuffix(rest, mountSeparator))
	if err != nil {
		return MountPoint{}, err
	}
	return NewMountPoint(scheme, parent)
}

// MustMountPoint is like ParseMountPoint but panics on error.
func MustMountPoint(s string) MountPoint {
	m, err := ParseMountPoint(s)
	if err != nil {
		panic(err)
	}
	return m
}

// Scheme returns the scheme of the file system mounted at m.
func (m MountPoint) Scheme() Scheme {
	return m.scheme
}

// ParentPath returns the path of m within its parent file system.
func (m MountPoint) ParentPath() (Path, bool) {
	if m.parent == "" {
		return Path{}, false
	}
	p, err := ParsePath(m.parent)
	if err != nil {
		panic("fedfs: corrupt mount point " + m.uri + ": " + err.Error())
	}
	return p, true
}

// Parent returns the mount point of the parent file system.
func (m MountPoint) Parent() (MountPoint, bool) {
	p, ok := m.ParentPath()
	if !ok {
		return MountPoint{}, false
	}
	return p.MountPoint(), true
}

// IsFederated reports whether m has a parent file system.
func (m MountPoint) IsFederated() bool {
	return m.parent != ""
}

// Depth returns the nesting depth of m: zero for a root mount point.
func (m MountPoint) Depth() int {
	return m.depth
}

// IsZero reports whether m is the zero value.
func (m MountPoint) IsZero() bool {
	return m.uri == ""
}

// IsAncestorOf reports whether m is a transitive parent of other.
func (m MountPoint) IsAncestorOf(other MountPoint) bool {
	if other.depth <= m.depth {
		return false
	}
	for other.depth > m.depth {
		other, _ = other.Parent()
	}
	return other == m
}

// Resolve returns the path of name within m.
// Resolving Root yields a path equal to m itself.
func (m MountPoint) Resolve(name EntryName) Path {
	return Path{mountPoint: m, name: name}
}

// Compare orders mount points by their canonical string form.
func (m MountPoint) Compare(other MountPoint) int {
	return strings.Compare(m.uri, other.uri)
}

func (m MountPoint) String() string {
	return m.uri
}
