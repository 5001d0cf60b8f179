package address

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEntryName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    EntryName
		wantErr bool
	}{
		{in: "", want: Root},
		{in: ".", want: Root},
		{in: "a", want: "a"},
		{in: "a/b/", want: "a/b"},
		{in: "a//b", want: "a/b"},
		{in: "a/./b", want: "a/b"},
		{in: "a/../b", want: "b"},
		{in: "a/b/..", want: "a"},
		{in: "..", wantErr: true},
		{in: "a/../..", wantErr: true},
		{in: "/a", wantErr: true},
		{in: "a!/b", wantErr: true},
		{in: "a\x00b", wantErr: true},
	}
	for _, tt := range tests {
		got, err := NewEntryName(tt.in)
		if tt.wantErr {
			require.Error(t, err, "input %q", tt.in)
			assert.ErrorIs(t, err, ErrSyntax)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestEntryNameNavigation(t *testing.T) {
	t.Parallel()

	n := MustEntryName("a/b/c")
	assert.Equal(t, EntryName("a/b"), n.Parent())
	assert.Equal(t, "c", n.Base())
	assert.Equal(t, []string{"a", "b", "c"}, n.Segments())
	assert.Equal(t, Root, EntryName("a").Parent())
	assert.Equal(t, Root, Root.Parent())
	assert.Equal(t, "", Root.Base())
	assert.Nil(t, Root.Segments())

	assert.Equal(t, EntryName("a/b/c/d"), n.Join("d"))
	assert.Equal(t, n, n.Join(Root))
	assert.Equal(t, n, Root.Join(n))

	assert.True(t, EntryName("a/b").Contains(n))
	assert.True(t, Root.Contains(n))
	assert.True(t, n.Contains(n))
	assert.False(t, EntryName("a/bc").Contains("a/b"))
	assert.False(t, EntryName("a/b").Contains("a/bc"))
}

func TestNewScheme(t *testing.T) {
	t.Parallel()

	s, err := NewScheme("ZIP")
	require.NoError(t, err)
	assert.Equal(t, Scheme("zip"), s)

	_, err = NewScheme("tar+zst")
	require.NoError(t, err)

	for _, bad := range []string{"", "1zip", "zi p", "zip/"} {
		_, err := NewScheme(bad)
		assert.ErrorIs(t, err, ErrSyntax, "scheme %q", bad)
	}
}

func TestParsePath(t *testing.T) {
	t.Parallel()

	p, err := ParsePath("tar:zip:file:/tmp/../tmp/a.zip!/./b.tar!/c/d.txt")
	require.NoError(t, err)
	assert.Equal(t, "tar:zip:file:/tmp/a.zip!/b.tar!/c/d.txt", p.String())
	assert.Equal(t, EntryName("c/d.txt"), p.EntryName())

	mp := p.MountPoint()
	assert.Equal(t, Scheme("tar"), mp.Scheme())
	assert.Equal(t, 2, mp.Depth())
	assert.Equal(t, "tar:zip:file:/tmp/a.zip!/b.tar!/", mp.String())

	parent, ok := mp.Parent()
	require.True(t, ok)
	assert.Equal(t, "zip:file:/tmp/a.zip!/", parent.String())
	parentPath, ok := mp.ParentPath()
	require.True(t, ok)
	assert.Equal(t, EntryName("b.tar"), parentPath.EntryName())

	root, ok := parent.Parent()
	require.True(t, ok)
	assert.Equal(t, RootMountPoint("file"), root)
	assert.False(t, root.IsFederated())
	_, ok = root.Parent()
	assert.False(t, ok)
}

func TestParsePathErrors(t *testing.T) {
	t.Parallel()

	for _, bad := range []string{
		"",
		":/x",
		"file",
		"file:",
		"1file:/x",
		"zip:file:/a.zip",     // no "!/" separator
		"zip:a.zip!/x",        // relative mount point without parent context
		"zip:file:/!/x",       // parent names the root
		"file:/../x",          // escapes the root
		"zip:file:/a.zip!/..", // escapes the archive root
	} {
		_, err := ParsePath(bad)
		require.Error(t, err, "input %q", bad)
		assert.True(t, errors.Is(err, ErrSyntax), "input %q: %v", bad, err)
	}
}

func TestParseMountPoint(t *testing.T) {
	t.Parallel()

	mp, err := ParseMountPoint("zip:file:/tmp/a.zip!/")
	require.NoError(t, err)
	assert.Equal(t, 1, mp.Depth())
	assert.True(t, mp.IsFederated())

	mp, err = ParseMountPoint("file:/")
	require.NoError(t, err)
	assert.Equal(t, RootMountPoint("file"), mp)

	for _, bad := range []string{"file:/tmp/", "zip:file:/a.zip!/x", "zip:file:/a.zip"} {
		_, err := ParseMountPoint(bad)
		assert.ErrorIs(t, err, ErrSyntax, "input %q", bad)
	}
}

func TestResolveRootIsIdentity(t *testing.T) {
	t.Parallel()

	for _, s := range []string{
		"file:/",
		"zip:file:/a.zip!/",
		"tar:zip:file:/a.zip!/dir/b.tar!/",
	} {
		mp := MustMountPoint(s)
		assert.Equal(t, mp.String(), mp.Resolve(Root).String())
		assert.Equal(t, mp, MustPath(mp.Resolve(Root).String()).MountPoint())
	}
}

func TestPathRoundTrip(t *testing.T) {
	t.Parallel()

	for _, s := range []string{
		"file:/",
		"file:/tmp/x",
		"zip:file:/tmp/a.zip!/",
		"zip:file:/tmp/a.zip!/dir/entry",
		"tar:zip:file:/tmp/a.zip!/b.tar!/c",
		"szip:tar:zip:file:/a.zip!/b.tar!/c.szip!/d/e/f",
	} {
		p := MustPath(s)
		resolved := p.MountPoint().Resolve(p.EntryName())
		assert.Equal(t, s, resolved.String())
		assert.Equal(t, p, resolved)
	}
}

func TestMountPointOrdering(t *testing.T) {
	t.Parallel()

	a := MustMountPoint("zip:file:/a.zip!/")
	b := MustMountPoint("zip:zip:file:/a.zip!/b.zip!/")
	c := MustMountPoint("zip:file:/c.zip!/")

	assert.True(t, a.IsAncestorOf(b))
	assert.False(t, b.IsAncestorOf(a))
	assert.False(t, a.IsAncestorOf(a))
	assert.False(t, c.IsAncestorOf(b))
	assert.True(t, RootMountPoint("file").IsAncestorOf(b))

	assert.Negative(t, a.Compare(c))
	assert.Zero(t, a.Compare(MustMountPoint(a.String())))
	assert.True(t, a == MustMountPoint("zip:file:/a.zip!/"))
}
