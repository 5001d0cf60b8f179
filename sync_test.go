package fedfs_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/fedfs"
)

var (
	mpA = fedfs.MustMountPoint("tst:mem:/a.tst!/")
	mpB = fedfs.MustMountPoint("tst:tst:mem:/a.tst!/b.tst!/")
	mpC = fedfs.MustMountPoint("tst:tst:tst:mem:/a.tst!/b.tst!/c.tst!/")
	mpD = fedfs.MustMountPoint("tst:mem:/d.tst!/")
)

// newTree registers A > B > C and D, all below plain storage.
func newTree(t *testing.T) *env {
	t.Helper()
	e := newEnv(t, fedfs.WithStrength(fedfs.Strong), fedfs.WithSyncConcurrency(1))
	handle(t, e, mpC.String()).Release()
	handle(t, e, mpD.String()).Release()
	require.Equal(t, 5, e.m.Len())
	return e
}

func TestSyncOrderDeepestFirst(t *testing.T) {
	t.Parallel()
	e := newTree(t)
	require.NoError(t, e.m.Sync(context.Background(), fedfs.SyncDefault))
	assert.Equal(t, []fedfs.MountPoint{mpC, mpB, mpA, mpD, memRoot}, e.rec.Order())
}

func TestSyncSkipsAncestorsOfFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTree(t)
	boom := errors.New("boom")
	e.rec.Fail(mpB, boom)

	err := e.m.Sync(ctx, fedfs.SyncDefault)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, fedfs.ErrSync)

	var agg *fedfs.AggregateSyncError
	require.ErrorAs(t, err, &agg)
	require.Len(t, agg.Failures, 1)
	assert.Equal(t, mpB, agg.Failures[0].MountPoint)
	assert.Equal(t, []fedfs.MountPoint{memRoot, mpA}, agg.Skipped)
	assert.Equal(t, 2, agg.Synced)
	assert.Equal(t, []fedfs.MountPoint{mpC, mpB, mpD}, e.rec.Order())

	e.rec.Fail(mpB, nil)
	e.rec.Reset()
	require.NoError(t, e.m.Sync(ctx, fedfs.SyncDefault))
	assert.Equal(t, []fedfs.MountPoint{mpC, mpB, mpA, mpD, memRoot}, e.rec.Order())
}

func TestSyncMountPoint(t *testing.T) {
	t.Parallel()
	e := newTree(t)
	require.NoError(t, e.m.SyncMountPoint(context.Background(), mpA, fedfs.SyncDefault))
	assert.Equal(t, []fedfs.MountPoint{mpC, mpB, mpA}, e.rec.Order())
}

func TestSyncInvalidOptions(t *testing.T) {
	t.Parallel()
	e := newTree(t)
	err := e.m.Sync(context.Background(), fedfs.WaitCloseIO|fedfs.ForceCloseIO)
	assert.Error(t, err)
	assert.Empty(t, e.rec.Order())
}

func TestSyncConcurrentSiblings(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t, fedfs.WithSyncConcurrency(8))
	fsys := e.fs()
	for _, name := range []string{"a", "b", "c", "d"} {
		require.NoError(t, fsys.WriteFile(name+".tst/f", []byte(name), 0o644))
	}
	require.NoError(t, e.m.Sync(ctx, fedfs.SyncDefault))
	for _, name := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, map[string][]byte{"f": []byte(name)}, e.stored(t, name+".tst"))
	}
}
