package fedfs_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meigma/fedfs"
	"github.com/meigma/fedfs/internal/archive"
	"github.com/meigma/fedfs/internal/testutil"
	"github.com/meigma/fedfs/iopool"
)

var (
	memScheme = fedfs.MustScheme("mem")
	tstScheme = fedfs.MustScheme("tst")
	memRoot   = fedfs.RootMountPoint(memScheme)
)

// env is a manager over in-memory plain storage with the test archive
// format mounted for names ending in ".tst".
type env struct {
	m       *fedfs.Manager
	drivers fedfs.Drivers
	mem     *testutil.MemDriver
	codec   *testutil.Codec
	rec     *testutil.SyncRecorder
}

func newEnv(t *testing.T, opts ...fedfs.Option) *env {
	t.Helper()
	m, err := fedfs.NewManager(opts...)
	require.NoError(t, err)
	e := &env{
		m:     m,
		mem:   testutil.NewMemDriver(),
		codec: &testutil.Codec{},
		rec:   testutil.NewSyncRecorder(),
	}
	e.drivers = fedfs.Drivers{
		memScheme: e.rec.Driver(e.mem),
		tstScheme: e.rec.Driver(archive.NewDriver(e.codec, archive.WithPool(iopool.NewMemPool()))),
	}
	return e
}

func (e *env) fs() *fedfs.FileSystem {
	detector := fedfs.NewDetector(map[string]fedfs.Scheme{".tst": tstScheme})
	return fedfs.NewFileSystem(e.m, e.drivers, fedfs.MustPath("mem:/"), fedfs.WithDetector(detector))
}

// stored decodes the test archive stored at name in plain storage.
func (e *env) stored(t *testing.T, name string) map[string][]byte {
	t.Helper()
	data, ok := e.mem.Get(name)
	require.True(t, ok, "%s missing in plain storage", name)
	files, err := testutil.Decode(data)
	require.NoError(t, err)
	return files
}

func handle(t *testing.T, e *env, mp string) *fedfs.Handle {
	t.Helper()
	h, err := e.m.Controller(e.drivers, fedfs.MustMountPoint(mp))
	require.NoError(t, err)
	return h
}
