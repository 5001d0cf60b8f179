package testutil

import (
	"context"
	"sync"

	"github.com/meigma/fedfs/internal/address"
	"github.com/meigma/fedfs/internal/fstype"
)

// SyncRecorder records the order in which controllers are synced and fails
// syncs of selected mount points.
type SyncRecorder struct {
	mu    sync.Mutex
	order []address.MountPoint
	fail  map[address.MountPoint]error
}

// NewSyncRecorder returns an empty recorder.
func NewSyncRecorder() *SyncRecorder {
	return &SyncRecorder{fail: make(map[address.MountPoint]error)}
}

// Fail makes syncs of mountPoint return err. A nil err clears the failure.
func (r *SyncRecorder) Fail(mountPoint address.MountPoint, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.fail, mountPoint)
		return
	}
	r.fail[mountPoint] = err
}

// Order returns the synced mount points in call order.
func (r *SyncRecorder) Order() []address.MountPoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]address.MountPoint(nil), r.order...)
}

// Reset forgets the recorded order.
func (r *SyncRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = nil
}

// Driver wraps d so that controllers it creates report to r.
func (r *SyncRecorder) Driver(d fstype.Driver) fstype.Driver {
	return recordingDriver{Driver: d, r: r}
}

func (r *SyncRecorder) record(mountPoint address.MountPoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, mountPoint)
	return r.fail[mountPoint]
}

type recordingDriver struct {
	fstype.Driver
	r *SyncRecorder
}

func (d recordingDriver) NewController(model *fstype.Model, parent fstype.Controller) fstype.Controller {
	return &recordingController{Controller: d.Driver.NewController(model, parent), r: d.r}
}

type recordingController struct {
	fstype.Controller
	r *SyncRecorder
}

func (c *recordingController) Sync(ctx context.Context, opts fstype.SyncOptions) error {
	if err := c.r.record(c.Model().MountPoint()); err != nil {
		return fstype.NewSyncError(c.Model().MountPoint(), err)
	}
	return c.Controller.Sync(ctx, opts)
}
