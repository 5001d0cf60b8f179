package fedfs

import (
	"fmt"
	"slices"
	"strings"

	"github.com/meigma/fedfs/internal/address"
)

// Detector recognizes archive files by the suffix of their names and turns
// plain slash-separated paths into nested addresses.
type Detector struct {
	suffixes []suffixScheme // longest suffix first
}

type suffixScheme struct {
	suffix string
	scheme Scheme
}

// Default archive schemes.
var (
	SchemeFile   = address.MustScheme("file")
	SchemeZip    = address.MustScheme("zip")
	SchemeTar    = address.MustScheme("tar")
	SchemeTarZst = address.MustScheme("tzst")
	SchemeTarLZ4 = address.MustScheme("tlz4")
	SchemeSealed = address.MustScheme("szip")
)

// NewDetector returns a detector for the given suffix to scheme mapping.
// Suffixes are matched case-insensitively and include the leading dot.
func NewDetector(suffixes map[string]Scheme) *Detector {
	d := &Detector{}
	for suffix, scheme := range suffixes {
		d.suffixes = append(d.suffixes, suffixScheme{suffix: strings.ToLower(suffix), scheme: scheme})
	}
	slices.SortFunc(d.suffixes, func(a, b suffixScheme) int {
		if n := len(b.suffix) - len(a.suffix); n != 0 {
			return n
		}
		return strings.Compare(a.suffix, b.suffix)
	})
	return d
}

// DefaultDetector recognizes the archive formats of DefaultDrivers.
func DefaultDetector() *Detector {
	return NewDetector(map[string]Scheme{
		".zip":     SchemeZip,
		".jar":     SchemeZip,
		".tar":     SchemeTar,
		".tzst":    SchemeTarZst,
		".tar.zst": SchemeTarZst,
		".tlz4":    SchemeTarLZ4,
		".tar.lz4": SchemeTarLZ4,
		".szip":    SchemeSealed,
	})
}

// Scheme returns the archive scheme for a file name.
func (d *Detector) Scheme(name string) (Scheme, bool) {
	lower := strings.ToLower(name)
	for _, s := range d.suffixes {
		if len(lower) > len(s.suffix) && strings.HasSuffix(lower, s.suffix) {
			return s.scheme, true
		}
	}
	return "", false
}

// Resolve resolves a slash-separated path relative to base. Every segment
// that names an archive file opens a new federated file system, so
// "a.zip/b.tar/c.txt" addresses c.txt within b.tar within a.zip. A path
// ending in an archive file addresses the root directory of the archive.
func (d *Detector) Resolve(base Path, name string) (Path, error) {
	rel, err := address.NewEntryName(name)
	if err != nil {
		return Path{}, err
	}
	mountPoint := base.MountPoint()
	current := base.EntryName()
	for _, segment := range rel.Segments() {
		current = current.Join(EntryName(segment))
		scheme, ok := d.Scheme(segment)
		if !ok {
			continue
		}
		mountPoint, err = address.NewMountPoint(scheme, mountPoint.Resolve(current))
		if err != nil {
			return Path{}, fmt.Errorf("resolving %q: %w", name, err)
		}
		current = Root
	}
	return mountPoint.Resolve(current), nil
}
