package fstype_test

import (
	"errors"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/fedfs/internal/address"
	"github.com/meigma/fedfs/internal/fstype"
)

var (
	root = address.MustMountPoint("file:/")
	a    = address.MustMountPoint("zip:file:/a.zip!/")
	b    = address.MustMountPoint("zip:zip:file:/a.zip!/b.zip!/")
	d    = address.MustMountPoint("zip:zip:file:/a.zip!/d.zip!/")
)

func TestSyncErrorBuilderEmpty(t *testing.T) {
	t.Parallel()
	var builder fstype.SyncErrorBuilder
	builder.Add(a, nil)
	builder.Add(b, nil)
	assert.NoError(t, builder.Err())
}

func TestSyncErrorBuilderSingleFailure(t *testing.T) {
	t.Parallel()
	var builder fstype.SyncErrorBuilder
	cause := errors.New("disk full")
	builder.Add(d, nil)
	builder.Add(b, cause)

	err := builder.Err()
	var se *fstype.SyncError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, b, se.MountPoint)
	assert.False(t, se.Warning)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, fstype.ErrSync)
	assert.False(t, fstype.IsSyncWarning(err))
}

func TestSyncErrorBuilderAggregate(t *testing.T) {
	t.Parallel()
	var builder fstype.SyncErrorBuilder
	builder.Add(d, nil)
	builder.Add(a, fstype.NewSyncWarning(a, errors.New("timestamps lost")))
	builder.Add(b, errors.New("disk full"))
	builder.Skip(root)

	err := builder.Err()
	var agg *fstype.AggregateSyncError
	require.ErrorAs(t, err, &agg)
	require.Len(t, agg.Failures, 2)
	assert.Equal(t, b, agg.Failures[0].MountPoint, "deepest first")
	assert.Equal(t, a, agg.Failures[1].MountPoint)
	assert.Equal(t, []address.MountPoint{root}, agg.Skipped)
	assert.Equal(t, 1, agg.Synced)
	assert.False(t, agg.Warning())
	assert.ErrorIs(t, err, fstype.ErrSync)
	assert.Contains(t, err.Error(), "2 of 4 file systems failed")
	assert.Contains(t, err.Error(), "disk full")
}

func TestSyncErrorBuilderWarningsOnly(t *testing.T) {
	t.Parallel()
	var builder fstype.SyncErrorBuilder
	builder.Add(a, fstype.NewSyncWarning(a, errors.New("one")))
	builder.Add(b, fstype.NewSyncWarning(b, errors.New("two")))
	assert.True(t, fstype.IsSyncWarning(builder.Err()))
}

func TestSyncErrorBuilderFailed(t *testing.T) {
	t.Parallel()
	var builder fstype.SyncErrorBuilder
	builder.Add(b, errors.New("boom"))
	builder.Add(d, fstype.NewSyncWarning(d, errors.New("meh")))

	assert.True(t, builder.Failed(b))
	assert.True(t, builder.Failed(a), "ancestor of a hard failure")
	assert.True(t, builder.Failed(root))
	assert.False(t, builder.Failed(d), "warnings do not block ancestors")
}

func TestSyncErrorBuilderMergesAggregates(t *testing.T) {
	t.Parallel()
	var inner fstype.SyncErrorBuilder
	inner.Add(b, errors.New("x"))
	inner.Add(d, errors.New("y"))

	var outer fstype.SyncErrorBuilder
	outer.Add(a, inner.Err())
	var agg *fstype.AggregateSyncError
	require.ErrorAs(t, outer.Err(), &agg)
	assert.Len(t, agg.Failures, 2)
}

func TestSyncOptionsValidate(t *testing.T) {
	t.Parallel()
	assert.NoError(t, fstype.SyncReset.Validate())
	assert.NoError(t, (fstype.WaitCloseIO | fstype.ClearCache).Validate())
	assert.ErrorIs(t, (fstype.WaitCloseIO | fstype.ForceCloseIO).Validate(), fs.ErrInvalid)

	assert.True(t, fstype.SyncUnmount.Has(fstype.ClearCache))
	assert.False(t, fstype.SyncUnmount.Without(fstype.ClearCache).Has(fstype.ClearCache))
}

func TestModelParentConsistency(t *testing.T) {
	t.Parallel()
	rootModel := fstype.NewModel(root, nil)
	aModel := fstype.NewModel(a, rootModel)
	assert.Same(t, rootModel, aModel.Parent())
	assert.Equal(t, a, aModel.MountPoint())

	assert.Panics(t, func() { fstype.NewModel(a, nil) })
	assert.Panics(t, func() { fstype.NewModel(root, rootModel) })
	assert.Panics(t, func() { fstype.NewModel(b, rootModel) })
	assert.Panics(t, func() { fstype.NewModel(address.MountPoint{}, nil) })
}

func TestModelTouched(t *testing.T) {
	t.Parallel()
	m := fstype.NewModel(root, nil)
	assert.False(t, m.Touched())
	m.SetTouched(true)
	assert.True(t, m.Touched())
	m.SetTouched(false)
	assert.False(t, m.Touched())
}

func TestResourceBusyError(t *testing.T) {
	t.Parallel()
	err := error(&fstype.ResourceBusyError{MountPoint: a, Streams: 2})
	assert.ErrorIs(t, err, fstype.ErrResourceBusy)
	assert.Contains(t, err.Error(), "2 open output stream(s)")
}

func TestEntryInfo(t *testing.T) {
	t.Parallel()
	e := &fstype.Entry{Name: "dir/file.txt", Type: fstype.File, Size: 3, Mode: 0o444}
	info := e.Info()
	assert.Equal(t, "file.txt", info.Name())
	assert.Equal(t, fs.FileMode(0o444), info.Mode())
	assert.True(t, e.ReadOnly())

	dir := &fstype.Entry{Type: fstype.Directory, Mode: 0o755}
	assert.Equal(t, ".", dir.Info().Name())
	assert.True(t, dir.Info().Mode().IsDir())
}
