package sealed_test

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/fedfs/driver/sealed"
	"github.com/meigma/fedfs/internal/address"
	"github.com/meigma/fedfs/internal/fstype"
	"github.com/meigma/fedfs/internal/testutil"
	"github.com/meigma/fedfs/keymgr"
)

var testKDF = sealed.WithKDFParams(sealed.KDFParams{Time: 1, Memory: 64, Threads: 1})

func seal(t *testing.T, keys keymgr.KeyManager, files map[string]string) []byte {
	t.Helper()
	ctx := context.Background()
	f := testutil.NewArchiveFixture("szip", "a.szip", sealed.NewDriver(keys, testKDF))
	for name, content := range files {
		w, err := f.Ctl.Create(ctx, address.MustEntryName(name), fstype.CreateParents, nil)
		require.NoError(t, err)
		_, err = io.WriteString(w, content)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}
	require.NoError(t, f.Ctl.Sync(ctx, fstype.SyncDefault))
	data, ok := f.Get()
	require.True(t, ok)
	return data
}

func readFile(t *testing.T, c fstype.Controller, name address.EntryName) string {
	t.Helper()
	rc, err := c.Open(context.Background(), name)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	keys := keymgr.NewStatic(keymgr.WithDefaultKey([]byte("correct horse")))
	data := seal(t, keys, map[string]string{"secret/plan.txt": "attack at dawn"})

	assert.Equal(t, sealed.Magic, string(data[:len(sealed.Magic)]))
	assert.NotContains(t, string(data), "attack at dawn")
	assert.NotContains(t, string(data), "plan.txt")

	f := testutil.NewArchiveFixture("szip", "a.szip", sealed.NewDriver(keys, testKDF))
	f.Put(data)
	assert.Equal(t, "attack at dawn", readFile(t, f.Ctl, "secret/plan.txt"))
}

func TestMissingKey(t *testing.T) {
	t.Parallel()
	data := seal(t, keymgr.NewStatic(keymgr.WithDefaultKey([]byte("k"))), map[string]string{"f": "x"})

	keys := keymgr.NewStatic()
	f := testutil.NewArchiveFixture("szip", "a.szip", sealed.NewDriver(keys, testKDF))
	f.Put(data)

	_, err := f.Ctl.Stat(context.Background(), "f")
	assert.ErrorIs(t, err, fstype.ErrKeyUnavailable)
	assert.NotErrorIs(t, err, fstype.ErrFalsePositive)

	// Supplying the key later makes the archive accessible.
	keys.SetKey(f.MountPoint, []byte("k"))
	assert.Equal(t, "x", readFile(t, f.Ctl, "f"))
}

func TestWrongKey(t *testing.T) {
	t.Parallel()
	data := seal(t, keymgr.NewStatic(keymgr.WithDefaultKey([]byte("right"))), map[string]string{"f": "x"})

	f := testutil.NewArchiveFixture("szip", "a.szip",
		sealed.NewDriver(keymgr.NewStatic(keymgr.WithDefaultKey([]byte("wrong"))), testKDF))
	f.Put(data)
	_, err := f.Ctl.Stat(context.Background(), "f")
	assert.ErrorIs(t, err, fstype.ErrKeyUnavailable)
}

// promptProvider returns its keys in order, like a user retrying a
// passphrase prompt.
type promptProvider struct {
	mu      sync.Mutex
	keys    [][]byte
	invalid []bool
}

func (p *promptProvider) Provider(address.MountPoint) keymgr.KeyProvider { return p }

func (p *promptProvider) ReadKey(_ context.Context, invalid bool) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalid = append(p.invalid, invalid)
	if len(p.keys) == 0 {
		return nil, fstype.ErrKeyUnavailable
	}
	key := p.keys[0]
	p.keys = p.keys[1:]
	return key, nil
}

func (p *promptProvider) WriteKey(context.Context) ([]byte, error) {
	return nil, fstype.ErrKeyUnavailable
}

func TestRetryAfterWrongKey(t *testing.T) {
	t.Parallel()
	data := seal(t, keymgr.NewStatic(keymgr.WithDefaultKey([]byte("right"))), map[string]string{"f": "x"})

	prompt := &promptProvider{keys: [][]byte{[]byte("typo"), []byte("right")}}
	f := testutil.NewArchiveFixture("szip", "a.szip", sealed.NewDriver(prompt, testKDF))
	f.Put(data)

	assert.Equal(t, "x", readFile(t, f.Ctl, "f"))
	assert.Equal(t, []bool{false, true}, prompt.invalid)
}

func TestTooManyWrongKeys(t *testing.T) {
	t.Parallel()
	data := seal(t, keymgr.NewStatic(keymgr.WithDefaultKey([]byte("right"))), map[string]string{"f": "x"})

	prompt := &promptProvider{keys: [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("right")}}
	f := testutil.NewArchiveFixture("szip", "a.szip", sealed.NewDriver(prompt, testKDF))
	f.Put(data)

	_, err := f.Ctl.Stat(context.Background(), "f")
	assert.ErrorIs(t, err, fstype.ErrKeyUnavailable)
	assert.Len(t, prompt.invalid, 3)
}

func TestTamperedCiphertext(t *testing.T) {
	t.Parallel()
	keys := keymgr.NewStatic(keymgr.WithDefaultKey([]byte("k")))
	data := seal(t, keys, map[string]string{"f": "x"})
	data[len(data)-1] ^= 0xff

	f := testutil.NewArchiveFixture("szip", "a.szip", sealed.NewDriver(keys, testKDF))
	f.Put(data)
	_, err := f.Ctl.Stat(context.Background(), "f")
	assert.ErrorIs(t, err, sealed.ErrAuthentication)
}

func TestNotSealed(t *testing.T) {
	t.Parallel()
	keys := keymgr.NewStatic(keymgr.WithDefaultKey([]byte("k")))
	f := testutil.NewArchiveFixture("szip", "a.szip", sealed.NewDriver(keys, testKDF))
	f.Put([]byte("PK\x03\x04 plain zip header, not sealed"))

	_, err := f.Ctl.Stat(context.Background(), address.Root)
	assert.ErrorIs(t, err, fstype.ErrFalsePositive)
}

func TestWriteWithoutKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := testutil.NewArchiveFixture("szip", "a.szip", sealed.NewDriver(keymgr.NewStatic(), testKDF))

	w, err := f.Ctl.Create(ctx, "f", 0, nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	err = f.Ctl.Sync(ctx, fstype.SyncDefault)
	assert.ErrorIs(t, err, fstype.ErrSync)
	assert.ErrorIs(t, err, fstype.ErrKeyUnavailable)
	_, ok := f.Get()
	assert.False(t, ok, "nothing written without a key")
}

// rewriteHeader returns data with its header fields replaced by fields.
func rewriteHeader(t *testing.T, data []byte, fields map[int]any) []byte {
	t.Helper()
	prefix := len(sealed.Magic) + 4
	n := int(binary.BigEndian.Uint32(data[len(sealed.Magic):prefix]))
	var hdr map[int]any
	require.NoError(t, cbor.Unmarshal(data[prefix:prefix+n], &hdr))
	for k, v := range fields {
		hdr[k] = v
	}
	enc, err := cbor.Marshal(hdr)
	require.NoError(t, err)

	out := append([]byte(sealed.Magic), binary.BigEndian.AppendUint32(nil, uint32(len(enc)))...)
	out = append(out, enc...)
	return append(out, data[prefix+n:]...)
}

func TestHostileKDFParams(t *testing.T) {
	t.Parallel()
	keys := keymgr.NewStatic(keymgr.WithDefaultKey([]byte("k")))
	data := seal(t, keys, map[string]string{"f": "x"})

	tests := []struct {
		name   string
		fields map[int]any
	}{
		{"time", map[int]any{3: uint64(1 << 30), 4: uint64(8), 5: uint64(1)}},
		{"memory", map[int]any{3: uint64(1), 4: uint64(1 << 30), 5: uint64(1)}},
		{"threads", map[int]any{3: uint64(1), 4: uint64(64 * 1024), 5: uint64(255)}},
		{"zero time", map[int]any{3: uint64(0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := testutil.NewArchiveFixture("szip", "a.szip", sealed.NewDriver(keys, testKDF))
			f.Put(rewriteHeader(t, data, tt.fields))

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_, err := f.Ctl.Stat(ctx, "f")
			assert.ErrorIs(t, err, fstype.ErrFalsePositive)
			assert.NotErrorIs(t, err, fstype.ErrKeyUnavailable)
			assert.NoError(t, ctx.Err(), "rejected before key derivation")
		})
	}
}

func TestMountHonorsCancellation(t *testing.T) {
	t.Parallel()
	keys := keymgr.NewStatic(keymgr.WithDefaultKey([]byte("k")))
	data := seal(t, keys, map[string]string{"f": "x"})

	f := testutil.NewArchiveFixture("szip", "a.szip", sealed.NewDriver(keys, testKDF))
	f.Put(data)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Ctl.Stat(ctx, "f")
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, fstype.ErrFalsePositive)

	assert.Equal(t, "x", readFile(t, f.Ctl, "f"))
}

func TestWriteRejectsExcessiveKDFParams(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	keys := keymgr.NewStatic(keymgr.WithDefaultKey([]byte("k")))
	f := testutil.NewArchiveFixture("szip", "a.szip",
		sealed.NewDriver(keys, sealed.WithKDFParams(sealed.KDFParams{Time: 17, Memory: 64, Threads: 1})))

	w, err := f.Ctl.Create(ctx, "f", 0, nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.ErrorIs(t, f.Ctl.Sync(ctx, fstype.SyncDefault), fstype.ErrSync)
	_, ok := f.Get()
	assert.False(t, ok)
}
