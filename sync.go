package fedfs

import (
	"context"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/meigma/fedfs/internal/fstype"
)

// Sync commits the pending changes of all registered file systems.
//
// File systems are synced deepest first, so an archive is always written
// after the archives it contains. File systems of the same depth are
// independent and are synced concurrently. A failure does not stop the
// sync of unrelated file systems; the ancestors of a file system that
// failed are skipped, since syncing them would commit a stale copy.
//
// Sync returns nil, a *SyncError if exactly one file system failed, or an
// *AggregateSyncError. With Unmount, file systems without handles are
// evicted afterwards.
func (m *Manager) Sync(ctx context.Context, opts SyncOptions) error {
	return m.sync(ctx, opts, func(MountPoint) bool { return true })
}

// SyncMountPoint commits the pending changes of mountPoint and of all
// registered file systems below it.
func (m *Manager) SyncMountPoint(ctx context.Context, mountPoint MountPoint, opts SyncOptions) error {
	return m.sync(ctx, opts, func(mp MountPoint) bool {
		return mp == mountPoint || mountPoint.IsAncestorOf(mp)
	})
}

func (m *Manager) sync(ctx context.Context, opts SyncOptions, include func(MountPoint) bool) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	// Pin a snapshot. File systems mounted during the sync do not take part.
	m.mu.Lock()
	snapshot := make([]*mount, 0, len(m.mounts))
	for mp, e := range m.mounts {
		if include(mp) {
			e.refs++
			snapshot = append(snapshot, e)
		}
	}
	m.mu.Unlock()

	slices.SortFunc(snapshot, func(a, b *mount) int {
		return compareDeepestFirst(a.model.MountPoint(), b.model.MountPoint())
	})
	m.logger.Debug("sync started", "file_systems", len(snapshot), "options", opts.String())

	var builder fstype.SyncErrorBuilder
	for _, level := range byDepth(snapshot) {
		var g errgroup.Group
		g.SetLimit(m.syncConcurrency)
		for _, e := range level {
			mountPoint := e.model.MountPoint()
			if builder.Failed(mountPoint) {
				m.logger.Warn("skipping sync after failure below", "mount_point", mountPoint.String())
				builder.Skip(mountPoint)
				continue
			}
			g.Go(func() error {
				err := e.ctl.Sync(ctx, opts)
				if err != nil {
					m.logger.Warn("sync failed", "mount_point", mountPoint.String(), "error", err)
				}
				builder.Add(mountPoint, err)
				return nil
			})
		}
		_ = g.Wait()
	}

	m.mu.Lock()
	for _, e := range snapshot {
		e.refs--
	}
	evicted := m.sweepLocked(opts.Has(fstype.Unmount))
	m.mu.Unlock()
	m.close(evicted)

	err := builder.Err()
	m.logger.Debug("sync finished", "file_systems", len(snapshot), "error", err)
	return err
}

// byDepth splits mounts sorted deepest first into runs of equal depth.
func byDepth(sorted []*mount) [][]*mount {
	var levels [][]*mount
	depth := -1
	for _, e := range sorted {
		if d := e.model.MountPoint().Depth(); d != depth || len(levels) == 0 {
			levels = append(levels, nil)
			depth = d
		}
		levels[len(levels)-1] = append(levels[len(levels)-1], e)
	}
	return levels
}
