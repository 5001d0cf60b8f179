package fstype

import (
	"sync/atomic"

	"github.com/meigma/fedfs/internal/address"
	"github.com/meigma/fedfs/internal/rwlock"
)

// Model holds the state of one mounted file system that is shared by all
// layers of its controller chain: the mount point, the parent model, the
// read/write lock and the touched flag.
//
// Exactly one Model exists per live mount point; lock ownership is tied to
// its identity.
type Model struct {
	mountPoint address.MountPoint
	parent     *Model
	lock       *rwlock.RWLock
	touched    atomic.Bool
}

// NewModel returns the model of mountPoint. parent must be the model of the
// parent mount point for federated mount points and nil otherwise.
func NewModel(mountPoint address.MountPoint, parent *Model) *Model {
	if mountPoint.IsZero() {
		panic("fedfs: model without mount point")
	}
	want, federated := mountPoint.Parent()
	switch {
	case federated && parent == nil:
		panic("fedfs: federated model " + mountPoint.String() + " without parent model")
	case !federated && parent != nil:
		panic("fedfs: root model " + mountPoint.String() + " with parent model")
	case federated && parent.mountPoint != want:
		panic("fedfs: model " + mountPoint.String() + " has mismatched parent " + parent.mountPoint.String())
	}
	return &Model{
		mountPoint: mountPoint,
		parent:     parent,
		lock:       rwlock.New(),
	}
}

// MountPoint returns the mount point of the file system.
func (m *Model) MountPoint() address.MountPoint {
	return m.mountPoint
}

// Parent returns the model of the parent file system, or nil.
func (m *Model) Parent() *Model {
	return m.parent
}

// Lock returns the lock guarding the file system.
func (m *Model) Lock() *rwlock.RWLock {
	return m.lock
}

// Touched reports whether the file system has uncommitted changes.
func (m *Model) Touched() bool {
	return m.touched.Load()
}

// SetTouched records whether the file system has uncommitted changes.
func (m *Model) SetTouched(touched bool) {
	m.touched.Store(touched)
}

func (m *Model) String() string {
	return m.mountPoint.String()
}
