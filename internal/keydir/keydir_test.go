package keydir_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scala-nl/bytecask/internal/keydir"
)

func TestPutGetRemove(t *testing.T) {
	t.Parallel()

	ix := keydir.New()
	_, ok := ix.Get("k")
	require.False(t, ok)

	ix.Put("k", keydir.Entry{File: "0", Pos: 10, Length: 5})
	e, ok := ix.Get("k")
	require.True(t, ok)
	require.Equal(t, int64(10), e.Pos)

	prev, had := ix.Remove("k")
	require.True(t, had)
	require.Equal(t, int64(10), prev.Pos)

	_, ok = ix.Get("k")
	require.False(t, ok)
}

func TestHasEntry(t *testing.T) {
	t.Parallel()

	ix := keydir.New()
	loc := keydir.Entry{File: "1", Pos: 4}
	ix.Put("k", loc)

	require.True(t, ix.HasEntry("k", loc))
	require.False(t, ix.HasEntry("k", keydir.Entry{File: "1", Pos: 5}))
	require.False(t, ix.HasEntry("missing", loc))
}

func TestInstallIfStale(t *testing.T) {
	t.Parallel()

	ix := keydir.New()
	ix.Put("k", keydir.Entry{File: "1", Pos: 0})

	stale := map[string]struct{}{"1": {}}

	ok := ix.InstallIfStale("k", keydir.Entry{File: "2", Pos: 0}, stale)
	require.True(t, ok)

	// A newer write (not in the stale set) must survive a late install.
	ix.Put("k", keydir.Entry{File: "0", Pos: 99})
	ok = ix.InstallIfStale("k", keydir.Entry{File: "2", Pos: 0}, stale)
	require.False(t, ok)

	e, _ := ix.Get("k")
	require.Equal(t, "0", e.File)
	require.Equal(t, int64(99), e.Pos)
}

func TestRenameFile(t *testing.T) {
	t.Parallel()

	ix := keydir.New()
	ix.Put("a", keydir.Entry{File: "0", Pos: 10})
	ix.Put("b", keydir.Entry{File: "0", Pos: 20})
	ix.Put("c", keydir.Entry{File: "1", Pos: 30})

	ix.RenameFile("0", "3")

	a, _ := ix.Get("a")
	require.Equal(t, "3", a.File)
	b, _ := ix.Get("b")
	require.Equal(t, "3", b.File)
	c, _ := ix.Get("c")
	require.Equal(t, "1", c.File)
}

func TestKeysSnapshot(t *testing.T) {
	t.Parallel()

	ix := keydir.New()
	ix.Put("a", keydir.Entry{File: "0"})
	ix.Put("b", keydir.Entry{File: "0"})

	keys := ix.Keys()
	require.ElementsMatch(t, []string{"a", "b"}, keys)
}
