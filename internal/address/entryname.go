package address

import "strings"

// Separator separates the segments of an entry name.
const Separator = "/"

// Root is the entry name of the root directory of every file system.
const Root EntryName = ""

// EntryName is a normalized path relative to the root of a file system.
//
// Segments are separated by "/"; the name never starts or ends with "/" and
// never contains "." or ".." segments. The root directory is the empty name.
type EntryName string

// NewEntryName normalizes s into an EntryName.
//
// It performs the following transformations:
//   - Collapses consecutive slashes: "a//b" → "a/b"
//   - Strips trailing slashes: "a/b/" → "a/b"
//   - Drops "." segments and resolves ".." against the preceding segment
//
// It fails for absolute names, for ".." segments that would escape the root,
// for names containing NUL, and for segments ending in "!", which would be
// ambiguous with the "!/" mount point separator.
func NewEntryName(s string) (EntryName, error) {
	if strings.HasPrefix(s, Separator) {
		return "", syntaxError(s, "entry name must be relative")
	}
	if strings.IndexByte(s, 0) >= 0 {
		return "", syntaxError(s, "entry name contains NUL")
	}
	parts := strings.Split(s, Separator)
	result := parts[:0] // reuse backing array
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(result) == 0 {
				return "", syntaxError(s, "entry name escapes its root")
			}
			result = result[:len(result)-1]
			continue
		}
		if strings.HasSuffix(part, "!") {
			return "", syntaxError(s, `segment must not end with "!"`)
		}
		result = append(result, part)
	}
	return EntryName(strings.Join(result, Separator)), nil
}

// MustEntryName is like NewEntryName but panics on error.
func MustEntryName(s string) EntryName {
	n, err := NewEntryName(s)
	if err != nil {
		panic(err)
	}
	return n
}

// IsRoot reports whether n names the root directory.
func (n EntryName) IsRoot() bool {
	return n == Root
}

// Parent returns the name of the directory containing n.
// The parent of a top-level entry and of the root is the root.
func (n EntryName) Parent() EntryName {
	i := strings.LastIndex(string(n), Separator)
	if i < 0 {
		return Root
	}
	return n[:i]
}

// Base returns the last segment of n, or "" for the root.
func (n EntryName) Base() string {
	i := strings.LastIndex(string(n), Separator)
	return string(n[i+1:])
}

// Join appends child to n.
func (n EntryName) Join(child EntryName) EntryName {
	switch {
	case child.IsRoot():
		return n
	case n.IsRoot():
		return child
	default:
		return n + Separator + child
	}
}

// Segments returns the segments of n, or nil for the root.
func (n EntryName) Segments() []string {
	if n.IsRoot() {
		return nil
	}
	return strings.Split(string(n), Separator)
}

// Contains reports whether other is n itself or lies below n.
func (n EntryName) Contains(other EntryName) bool {
	if n.IsRoot() || n == other {
		return true
	}
	return strings.HasPrefix(string(other), string(n)+Separator)
}

func (n EntryName) String() string {
	return string(n)
}
