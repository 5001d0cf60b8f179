package testutil

import (
	"github.com/meigma/fedfs/internal/address"
	"github.com/meigma/fedfs/internal/fstype"
	"github.com/meigma/fedfs/internal/lockctl"
)

// ArchiveFixture mounts an archive driver on the entry "dir/<file>" of an
// in-memory plain storage.
type ArchiveFixture struct {
	Ctl        fstype.Controller
	Parent     *MemDriver
	Model      *fstype.Model
	MountPoint address.MountPoint
	name       string
}

// NewArchiveFixture returns a fixture for the file system of scheme stored
// at "mem:/dir/<file>". The archive controller is wrapped in a concurrency
// controller, as a manager would do.
func NewArchiveFixture(scheme, file string, d fstype.Driver) *ArchiveFixture {
	parentDriver := NewMemDriver()
	parentModel := fstype.NewModel(address.RootMountPoint(address.MustScheme("mem")), nil)
	parent := lockctl.New(parentDriver.NewController(parentModel, nil), nil)
	name := "dir/" + file
	mountPoint, err := address.NewMountPoint(address.MustScheme(scheme), address.MustPath("mem:/"+name))
	if err != nil {
		panic(err)
	}
	model := fstype.NewModel(mountPoint, parentModel)
	return &ArchiveFixture{
		Ctl:        lockctl.New(d.NewController(model, parent), nil),
		Parent:     parentDriver,
		Model:      model,
		MountPoint: mountPoint,
		name:       name,
	}
}

// Put stores the archive file.
func (f *ArchiveFixture) Put(data []byte) {
	f.Parent.Put(f.name, data)
}

// Get returns the archive file.
func (f *ArchiveFixture) Get() ([]byte, bool) {
	return f.Parent.Get(f.name)
}
