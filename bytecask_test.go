package bytecask

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T, opts Options) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	e, err := Open(dir, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, dir
}

func TestPutGetDeleteKeys(t *testing.T) {
	e, _ := openTest(t, Options{})

	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Put([]byte("b"), []byte("2")))

	v, err := e.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	require.NoError(t, e.Delete([]byte("a")))
	_, err = e.Get([]byte("a"))
	require.ErrorIs(t, err, ErrNotFound)

	keys, err := e.Keys()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, "b", string(keys[0]))
}

func TestDeleteAbsentKeyIsNoOp(t *testing.T) {
	e, _ := openTest(t, Options{})

	before, err := e.Stats()
	require.NoError(t, err)

	require.NoError(t, e.Delete([]byte("never-written")))

	after, err := e.Stats()
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestPutRejectsInvalidArguments(t *testing.T) {
	e, _ := openTest(t, Options{})

	require.ErrorIs(t, e.Put(nil, []byte("v")), ErrEmptyKey)
	require.ErrorIs(t, e.Put([]byte("k"), nil), ErrEmptyValue)
}

func TestOverwriteRotationAndForceMerge(t *testing.T) {
	e, _ := openTest(t, Options{MaxFileSize: 256})

	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("key-%d", i%10))
		value := []byte(fmt.Sprintf("value-%d-%d", i%10, i))
		require.NoError(t, e.Put(key, value))
	}

	statsBefore, err := e.Stats()
	require.NoError(t, err)
	require.Greater(t, statsBefore.DataFiles, 1)
	require.Greater(t, statsBefore.ReclaimableBytes, int64(0))

	require.NoError(t, e.ForceMerge())

	statsAfter, err := e.Stats()
	require.NoError(t, err)
	require.Equal(t, 10, statsAfter.Keys)
	require.Equal(t, int64(0), statsAfter.ReclaimableBytes)
	require.Equal(t, uint64(1), statsAfter.MergesCount)

	for i := 0; i < 10; i++ {
		v, err := e.Get([]byte(fmt.Sprintf("key-%d", i)))
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("value-%d-%d", i, 190+i), string(v))
	}
}

func TestTombstoneSurvivesUntilMergeThenReopen(t *testing.T) {
	e, dir := openTest(t, Options{MaxFileSize: 128})

	require.NoError(t, e.Put([]byte("gone"), []byte("x")))
	// force a rotation so the put above lands in an inactive file
	require.NoError(t, e.Put([]byte("filler"), make([]byte, 200)))
	require.NoError(t, e.Delete([]byte("gone")))

	_, err := e.Get([]byte("gone"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, e.Close())

	e2, err := Open(dir, Options{MaxFileSize: 128})
	require.NoError(t, err)
	defer e2.Close()

	_, err = e2.Get([]byte("gone"))
	require.ErrorIs(t, err, ErrNotFound)

	v, err := e2.Get([]byte("filler"))
	require.NoError(t, err)
	require.Len(t, v, 200)
}

func TestCorruptionDetectedOnReopen(t *testing.T) {
	e, dir := openTest(t, Options{})

	require.NoError(t, e.Put([]byte("k"), []byte("original-value")))
	require.NoError(t, e.Close())

	path := filepath.Join(dir, "0")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// flip a byte inside the value, leaving the header (and hence the
	// recorded CRC) untouched so VerifyAndDecode's comparison fails
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	e2, err := Open(dir, Options{})
	require.NoError(t, err)
	defer e2.Close()

	_, err = e2.Get([]byte("k"))
	var be *Error
	require.ErrorAs(t, err, &be)
	require.Equal(t, KindCorrupt, be.Kind)
}

func TestTruncatedTailToleratedOnRecovery(t *testing.T) {
	e, dir := openTest(t, Options{})

	require.NoError(t, e.Put([]byte("whole"), []byte("v1")))
	require.NoError(t, e.Close())

	path := filepath.Join(dir, "0")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// simulate a crash mid-write: append a 10-byte fragment, shorter than
	// the 14-byte record header, as if the process died partway through
	// writing the next record
	torn := append(append([]byte{}, data...), data[:10]...)
	require.NoError(t, os.WriteFile(path, torn, 0o644))

	e2, err := Open(dir, Options{})
	require.NoError(t, err)
	defer e2.Close()

	v, err := e2.Get([]byte("whole"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(v))
}

func TestConcurrentWriters(t *testing.T) {
	e, _ := openTest(t, Options{MaxFileSize: 4096})

	const writers = 8
	const perWriter = 1000

	var wg sync.WaitGroup
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := []byte(fmt.Sprintf("w%d-k%d", w, i))
				require.NoError(t, e.Put(key, []byte("v")))
			}
		}(w)
	}
	wg.Wait()

	keys, err := e.Keys()
	require.NoError(t, err)
	require.Len(t, keys, writers*perWriter)
}

func TestValuesSnapshot(t *testing.T) {
	e, _ := openTest(t, Options{})

	want := map[string]string{"a": "1", "b": "2", "c": "3"}
	for k, v := range want {
		require.NoError(t, e.Put([]byte(k), []byte(v)))
	}

	values, err := e.Values()
	require.NoError(t, err)

	got := make(map[string]bool, len(values))
	for _, v := range values {
		got[string(v)] = true
	}
	wantSet := map[string]bool{"1": true, "2": true, "3": true}
	if diff := cmp.Diff(wantSet, got); diff != "" {
		t.Fatalf("Values() mismatch (-want +got):\n%s", diff)
	}
}

func TestPrefixedKeysRoundTrip(t *testing.T) {
	e, dir := openTest(t, Options{PrefixedKeys: true})

	require.NoError(t, e.Put([]byte("secret"), []byte("value")))
	require.NoError(t, e.Close())

	e2, err := Open(dir, Options{PrefixedKeys: true})
	require.NoError(t, err)
	defer e2.Close()

	v, err := e2.Get([]byte("secret"))
	require.NoError(t, err)
	require.Equal(t, "value", string(v))

	keys, err := e2.Keys()
	require.NoError(t, err)
	require.Equal(t, "secret", string(keys[0]))
}

func TestDestroyRemovesDirectory(t *testing.T) {
	e, dir := openTest(t, Options{})
	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Destroy())

	_, err := os.Stat(dir)
	require.True(t, os.IsNotExist(err))
}

func TestSecondOpenIsRejected(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, Options{})
	require.NoError(t, err)
	defer e.Close()

	_, err = Open(dir, Options{})
	require.ErrorIs(t, err, ErrBusy)
}
