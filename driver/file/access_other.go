//go:build !unix

package file

import (
	"io/fs"
	"os"

	"github.com/meigma/fedfs/internal/fstype"
)

// access checks the permission bits of path.
func access(path string, mode fstype.AccessMode) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	perm := info.Mode().Perm()
	if mode&fstype.AccessWrite != 0 && perm&0o222 == 0 {
		return fs.ErrPermission
	}
	if mode&fstype.AccessExecute != 0 && !info.IsDir() && perm&0o111 == 0 {
		return fs.ErrPermission
	}
	return nil
}
