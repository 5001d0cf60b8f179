package lockctl_test

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/fedfs/internal/address"
	"github.com/meigma/fedfs/internal/fstype"
	"github.com/meigma/fedfs/internal/lockctl"
	"github.com/meigma/fedfs/internal/rwlock"
	"github.com/meigma/fedfs/internal/testutil"
)

func newController(t *testing.T) (*lockctl.Controller, *testutil.MemDriver) {
	t.Helper()
	driver := testutil.NewMemDriver()
	model := fstype.NewModel(address.RootMountPoint(address.MustScheme("mem")), nil)
	return lockctl.New(driver.NewController(model, nil), nil), driver
}

func TestSyncFailsWhileOutputStreamOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, driver := newController(t)

	w, err := c.Create(ctx, "a.txt", 0, nil)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	c.Model().SetTouched(true)

	err = c.Sync(ctx, fstype.SyncDefault)
	require.ErrorIs(t, err, fstype.ErrResourceBusy)
	var busy *fstype.ResourceBusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, 1, busy.Streams)
	assert.Equal(t, c.Model().MountPoint(), busy.MountPoint)
	assert.True(t, c.Model().Touched(), "failed sync must not clear touched")

	require.NoError(t, w.Close())
	require.NoError(t, c.Sync(ctx, fstype.SyncDefault))
	assert.False(t, c.Model().Touched())

	data, ok := driver.Get("a.txt")
	require.True(t, ok)
	assert.Equal(t, "hello", string(data))
}

func TestSyncForceCloseIO(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, driver := newController(t)

	w, err := c.Create(ctx, "a.txt", 0, nil)
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)
	c.Model().SetTouched(true)

	err = c.Sync(ctx, fstype.ForceCloseIO)
	require.Error(t, err)
	assert.True(t, fstype.IsSyncWarning(err), "forced close is a warning: %v", err)
	assert.ErrorIs(t, err, fstype.ErrResourceBusy)
	assert.False(t, c.Model().Touched())

	data, ok := driver.Get("a.txt")
	require.True(t, ok)
	assert.Equal(t, "partial", string(data))

	_, err = w.Write([]byte("more"))
	assert.ErrorIs(t, err, fs.ErrClosed)
	assert.ErrorIs(t, w.Close(), fs.ErrClosed)

	_, writers := c.OpenStreams()
	assert.Zero(t, writers)
}

func TestSyncWaitCloseIO(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _ := newController(t)

	w, err := c.Create(ctx, "a.txt", 0, nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = w.Close()
	}()
	require.NoError(t, c.Sync(ctx, fstype.WaitCloseIO))
}

func TestSyncWaitCloseIOCanceled(t *testing.T) {
	t.Parallel()
	c, _ := newController(t)

	w, err := c.Create(context.Background(), "a.txt", 0, nil)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = c.Sync(ctx, fstype.WaitCloseIO)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The lock was released.
	h := rwlock.NewHolder()
	require.True(t, c.Model().Lock().TryLock(h))
	c.Model().Lock().Unlock(h)
}

func TestSyncRejectsContradictoryOptions(t *testing.T) {
	t.Parallel()
	c, _ := newController(t)
	err := c.Sync(context.Background(), fstype.WaitCloseIO|fstype.ForceCloseIO)
	require.ErrorIs(t, err, fs.ErrInvalid)
}

func TestInputStreamsDoNotBlockSync(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, driver := newController(t)
	driver.Put("a.txt", []byte("content"))

	r, err := c.Open(ctx, "a.txt")
	require.NoError(t, err)
	defer r.Close()
	_, ok := r.(fstype.ReaderAt)
	assert.True(t, ok, "random access must survive the wrapper")

	readers, writers := c.OpenStreams()
	assert.Equal(t, 1, readers)
	assert.Zero(t, writers)

	require.NoError(t, c.Sync(ctx, fstype.SyncDefault))

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))

	require.NoError(t, r.Close())
	readers, _ = c.OpenStreams()
	assert.Zero(t, readers)
}

func TestLockUpgradeIsRejected(t *testing.T) {
	t.Parallel()
	c, _ := newController(t)
	ctx, h := rwlock.Ensure(context.Background())
	lock := c.Model().Lock()

	lock.RLock(h)
	err := c.Mknod(ctx, "dir", fstype.Directory, 0, nil)
	require.ErrorIs(t, err, fstype.ErrLockUpgrade)
	err = c.Sync(ctx, fstype.SyncDefault)
	require.ErrorIs(t, err, fstype.ErrLockUpgrade)

	// Reads are reentrant.
	_, err = c.Stat(ctx, address.Root)
	require.NoError(t, err)
	lock.RUnlock(h)

	require.NoError(t, c.Mknod(ctx, "dir", fstype.Directory, 0, nil))
}

func TestDowngradeIsAllowed(t *testing.T) {
	t.Parallel()
	c, _ := newController(t)
	ctx, h := rwlock.Ensure(context.Background())
	lock := c.Model().Lock()

	lock.Lock(h)
	defer lock.Unlock(h)

	require.NoError(t, c.Mknod(ctx, "dir", fstype.Directory, 0, nil))
	e, err := c.Stat(ctx, "dir")
	require.NoError(t, err)
	assert.True(t, e.IsDir())
}

func TestDiscardDropsContent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, driver := newController(t)

	w, err := c.Create(ctx, "a.txt", 0, nil)
	require.NoError(t, err)
	_, err = w.Write([]byte("nope"))
	require.NoError(t, err)

	d, ok := w.(fstype.Discarder)
	require.True(t, ok)
	require.NoError(t, d.Discard())

	_, ok = driver.Get("a.txt")
	assert.False(t, ok)
	require.NoError(t, c.Sync(ctx, fstype.SyncDefault))
}

func TestOperationsSerializeWithWriters(t *testing.T) {
	t.Parallel()
	c, _ := newController(t)
	h := rwlock.NewHolder()
	lock := c.Model().Lock()
	lock.Lock(h)

	done := make(chan error, 1)
	go func() {
		_, err := c.Stat(context.Background(), address.Root)
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("Stat must wait for the writer")
	case <-time.After(50 * time.Millisecond):
	}
	lock.Unlock(h)
	require.NoError(t, <-done)
}

func TestErrorsPassThrough(t *testing.T) {
	t.Parallel()
	c, _ := newController(t)
	_, err := c.Stat(context.Background(), "missing")
	require.ErrorIs(t, err, fs.ErrNotExist)
	var pathErr *fs.PathError
	require.True(t, errors.As(err, &pathErr))
	assert.Equal(t, "mem:/missing", pathErr.Path)
}
