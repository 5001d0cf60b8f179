package archive_test

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/fedfs/internal/address"
	"github.com/meigma/fedfs/internal/archive"
	"github.com/meigma/fedfs/internal/fstype"
	"github.com/meigma/fedfs/internal/lockctl"
	"github.com/meigma/fedfs/internal/testutil"
	"github.com/meigma/fedfs/iopool"
)

type fixture struct {
	ctl    fstype.Controller
	model  *fstype.Model
	codec  *testutil.Codec
	parent *testutil.MemDriver
	pool   *iopool.MemPool
}

// streamOnly hides random access of the streams it opens.
type streamOnly struct {
	fstype.Controller
}

func (s streamOnly) Open(ctx context.Context, name address.EntryName) (io.ReadCloser, error) {
	rc, err := s.Controller.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return struct {
		io.Reader
		io.Closer
	}{rc, rc}, nil
}

func newFixture(t *testing.T, wrap func(fstype.Controller) fstype.Controller) *fixture {
	t.Helper()
	parentDriver := testutil.NewMemDriver()
	parentModel := fstype.NewModel(address.RootMountPoint(address.MustScheme("mem")), nil)
	var parent fstype.Controller = lockctl.New(parentDriver.NewController(parentModel, nil), nil)
	if wrap != nil {
		parent = wrap(parent)
	}

	mountPoint, err := address.NewMountPoint(address.MustScheme("tst"), address.MustPath("mem:/dir/a.tst"))
	require.NoError(t, err)
	model := fstype.NewModel(mountPoint, parentModel)

	codec := &testutil.Codec{}
	pool := iopool.NewMemPool()
	driver := archive.NewDriver(codec, archive.WithPool(pool))
	return &fixture{
		ctl:    driver.NewController(model, parent),
		model:  model,
		codec:  codec,
		parent: parentDriver,
		pool:   pool,
	}
}

func (f *fixture) put(files map[string][]byte) {
	f.parent.Put("dir/a.tst", testutil.Encode(files))
}

func (f *fixture) stored(t *testing.T) map[string][]byte {
	t.Helper()
	data, ok := f.parent.Get("dir/a.tst")
	require.True(t, ok, "archive file missing in parent")
	files, err := testutil.Decode(data)
	require.NoError(t, err)
	return files
}

func (f *fixture) write(t *testing.T, name address.EntryName, opts fstype.AccessOptions, content string) {
	t.Helper()
	w, err := f.ctl.Create(context.Background(), name, opts, nil)
	require.NoError(t, err)
	_, err = io.WriteString(w, content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func read(t *testing.T, c fstype.Controller, name address.EntryName) string {
	t.Helper()
	r, err := c.Open(context.Background(), name)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data)
}

func TestMountReadsEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil)
	f.put(map[string][]byte{"x/y.txt": []byte("hello"), "z.txt": []byte("zz")})

	root, err := f.ctl.Stat(ctx, address.Root)
	require.NoError(t, err)
	assert.True(t, root.IsDir())

	x, err := f.ctl.Stat(ctx, "x")
	require.NoError(t, err)
	assert.True(t, x.IsDir(), "implied directory")

	entries, err := f.ctl.ReadDir(ctx, address.Root)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, address.EntryName("x"), entries[0].Name)
	assert.Equal(t, address.EntryName("z.txt"), entries[1].Name)

	assert.Equal(t, "hello", read(t, f.ctl, "x/y.txt"))
	assert.Equal(t, int64(1), f.codec.Inputs())

	_, err = f.ctl.ReadDir(ctx, "z.txt")
	assert.ErrorIs(t, err, fstype.ErrNotDir)
	_, err = f.ctl.Open(ctx, "x")
	assert.ErrorIs(t, err, fstype.ErrIsDir)
}

func TestMountMissingArchive(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	_, err := f.ctl.Stat(context.Background(), address.Root)
	require.ErrorIs(t, err, fs.ErrNotExist)
	assert.NotErrorIs(t, err, fstype.ErrFalsePositive)
}

func TestMountFalsePositive(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.parent.Put("dir/a.tst", []byte("just some text"))

	_, err := f.ctl.Stat(context.Background(), address.Root)
	require.ErrorIs(t, err, fstype.ErrFalsePositive)
	var fp *fstype.FalsePositiveError
	require.ErrorAs(t, err, &fp)
	assert.Equal(t, f.model.MountPoint(), fp.MountPoint)

	// Mutations do not overwrite a file that is not an archive.
	_, err = f.ctl.Create(context.Background(), "b.txt", 0, nil)
	require.ErrorIs(t, err, fstype.ErrFalsePositive)
}

func TestMountKeyUnavailable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.put(nil)
	f.codec.InputErr = fmt.Errorf("no password: %w", fstype.ErrKeyUnavailable)

	_, err := f.ctl.Stat(context.Background(), address.Root)
	require.ErrorIs(t, err, fstype.ErrKeyUnavailable)
	assert.NotErrorIs(t, err, fstype.ErrFalsePositive)
}

func TestCreateAutoCreatesArchive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil)

	f.write(t, "b.txt", 0, "new")
	assert.True(t, f.model.Touched())
	_, ok := f.parent.Get("dir/a.tst")
	assert.False(t, ok, "nothing is written before sync")

	require.NoError(t, f.ctl.Sync(ctx, fstype.SyncDefault))
	assert.Equal(t, map[string][]byte{"b.txt": []byte("new")}, f.stored(t))
	assert.Equal(t, int64(1), f.codec.Outputs())

	// The controller remounts the new archive.
	assert.Equal(t, "new", read(t, f.ctl, "b.txt"))
	assert.Equal(t, int64(1), f.codec.Inputs())
}

func TestSyncUpdatesInPlace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil)
	f.put(map[string][]byte{"keep.txt": []byte("kept"), "gone.txt": []byte("x")})

	f.write(t, "sub/new.txt", fstype.CreateParents, "added")
	require.NoError(t, f.ctl.Unlink(ctx, "gone.txt", 0))
	require.NoError(t, f.ctl.Sync(ctx, fstype.SyncDefault))

	assert.Equal(t, map[string][]byte{
		"keep.txt":    []byte("kept"),
		"sub/new.txt": []byte("added"),
	}, f.stored(t))
}

func TestSyncWithoutChangesWritesNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil)
	f.put(map[string][]byte{"a": []byte("a")})

	_, err := f.ctl.Stat(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, f.ctl.Sync(ctx, fstype.SyncUnmount))
	assert.Zero(t, f.codec.Outputs())
}

func TestSyncFailureLeavesParentUntouched(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil)
	f.put(map[string][]byte{"a": []byte("old")})
	f.codec.OutputErr = fmt.Errorf("simulated write error")

	f.write(t, "a", 0, "new")
	err := f.ctl.Sync(ctx, fstype.SyncDefault)
	require.ErrorIs(t, err, fstype.ErrSync)
	assert.False(t, fstype.IsSyncWarning(err))
	assert.Equal(t, map[string][]byte{"a": []byte("old")}, f.stored(t))

	// Changes stay pending and a retry commits them.
	f.codec.OutputErr = nil
	assert.Equal(t, "new", read(t, f.ctl, "a"))
	require.NoError(t, f.ctl.Sync(ctx, fstype.SyncDefault))
	assert.Equal(t, map[string][]byte{"a": []byte("new")}, f.stored(t))
}

func TestSyncCloseFailureIsWarning(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil)
	f.put(map[string][]byte{"a": []byte("old")})
	f.codec.InputCloseErr = fmt.Errorf("simulated close error")

	f.write(t, "a", 0, "new")
	err := f.ctl.Sync(ctx, fstype.SyncDefault)
	require.Error(t, err)
	assert.True(t, fstype.IsSyncWarning(err))
	assert.Equal(t, map[string][]byte{"a": []byte("new")}, f.stored(t))
}

func TestUnlinkRootDeletesArchive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil)
	f.put(map[string][]byte{"a": []byte("a")})

	err := f.ctl.Unlink(ctx, address.Root, 0)
	require.ErrorIs(t, err, fstype.ErrNotEmpty)

	require.NoError(t, f.ctl.Unlink(ctx, "a", 0))
	require.NoError(t, f.ctl.Unlink(ctx, address.Root, 0))
	_, err = f.ctl.Stat(ctx, address.Root)
	require.ErrorIs(t, err, fs.ErrNotExist)

	require.NoError(t, f.ctl.Sync(ctx, fstype.SyncDefault))
	_, ok := f.parent.Get("dir/a.tst")
	assert.False(t, ok)
}

func TestAbortChanges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil)
	f.put(map[string][]byte{"a": []byte("a")})

	f.write(t, "b", 0, "b")
	require.NoError(t, f.ctl.Sync(ctx, fstype.AbortChanges))
	assert.Zero(t, f.pool.SizeBytes())

	_, err := f.ctl.Stat(ctx, "b")
	require.ErrorIs(t, err, fs.ErrNotExist)
	assert.Equal(t, map[string][]byte{"a": []byte("a")}, f.stored(t))
}

func TestMknodRootCreatesEmptyArchive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil)

	require.NoError(t, f.ctl.Mknod(ctx, address.Root, fstype.Directory, 0, nil))
	require.NoError(t, f.ctl.Sync(ctx, fstype.SyncDefault))
	assert.Empty(t, f.stored(t))

	err := f.ctl.Mknod(ctx, address.Root, fstype.Directory, fstype.Exclusive, nil)
	assert.ErrorIs(t, err, fs.ErrExist)
}

func TestCreateChecksParents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil)
	f.put(map[string][]byte{"file": []byte("x")})

	_, err := f.ctl.Create(ctx, "missing/b.txt", 0, nil)
	require.ErrorIs(t, err, fs.ErrNotExist)
	_, err = f.ctl.Create(ctx, "file/b.txt", fstype.CreateParents, nil)
	require.ErrorIs(t, err, fstype.ErrNotDir)
	_, err = f.ctl.Create(ctx, "file", fstype.Exclusive, nil)
	require.ErrorIs(t, err, fs.ErrExist)
	_, err = f.ctl.Create(ctx, "bad\xff", 0, nil)
	require.ErrorIs(t, err, fstype.ErrInvalidName)
}

func TestAppendKeepsContent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.put(map[string][]byte{"log": []byte("one\n")})

	f.write(t, "log", fstype.Append, "two\n")
	assert.Equal(t, "one\ntwo\n", read(t, f.ctl, "log"))
}

func TestReadOnlyEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil)
	f.put(map[string][]byte{"a": []byte("a")})

	require.NoError(t, f.ctl.CheckAccess(ctx, "a", fstype.AccessRead|fstype.AccessWrite))
	require.NoError(t, f.ctl.SetReadOnly(ctx, "a"))
	err := f.ctl.CheckAccess(ctx, "a", fstype.AccessWrite)
	require.ErrorIs(t, err, fstype.ErrReadOnly)
	_, err = f.ctl.Create(ctx, "a", 0, nil)
	require.ErrorIs(t, err, fstype.ErrReadOnly)
}

func TestSpoolsStreamOnlySource(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, func(c fstype.Controller) fstype.Controller { return streamOnly{c} })
	f.put(map[string][]byte{"a": []byte("spooled")})

	assert.Equal(t, "spooled", read(t, f.ctl, "a"))
	assert.Positive(t, f.pool.SizeBytes())

	require.NoError(t, f.ctl.Sync(ctx, fstype.SyncUnmount))
	assert.Zero(t, f.pool.SizeBytes())
}
