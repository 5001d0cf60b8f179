//go:build unix

package file

import (
	"golang.org/x/sys/unix"

	"github.com/meigma/fedfs/internal/fstype"
)

// access checks the permissions of path for the calling process.
func access(path string, mode fstype.AccessMode) error {
	var m uint32
	if mode&fstype.AccessRead != 0 {
		m |= unix.R_OK
	}
	if mode&fstype.AccessWrite != 0 {
		m |= unix.W_OK
	}
	if mode&fstype.AccessExecute != 0 {
		m |= unix.X_OK
	}
	if m == 0 {
		m = unix.F_OK
	}
	return unix.Access(path, m)
}
