package store

import (
	"archive/zip"
	"bytes"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tritium-launcher/tritium-core/src/paths"
)

func fakeJar(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("hello.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("hi"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestEnsureLibraryFetchesOnceConcurrently(t *testing.T) {
	root := t.TempDir()
	cache := New(root)
	jar := fakeJar(t)

	var fetches int32
	fetch := func() ([]byte, error) {
		atomic.AddInt32(&fetches, 1)
		return jar, nil
	}

	var wg sync.WaitGroup
	var firstErr error
	var mu sync.Mutex
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			instDir := filepath.Join(root, "inst", "lib.jar")
			_, err := cache.EnsureLibrary(instDir, "g/a/1.0/a-1.0.jar", int64(len(jar)), "", fetch)
			if err != nil {
				mu.Lock()
				firstErr = err
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.NoError(t, firstErr)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetches))
}

func TestEnsureLibraryRejectsBadArchive(t *testing.T) {
	root := t.TempDir()
	cache := New(root)

	fetch := func() ([]byte, error) { return []byte("not a jar"), nil }

	_, err := cache.EnsureLibrary(filepath.Join(root, "inst", "lib.jar"), "g/a/1.0/a-1.0.jar", 0, "", fetch)
	require.Error(t, err)
}

func TestEnsureObjectVerifiesHash(t *testing.T) {
	root := t.TempDir()
	cache := New(root)
	data := []byte("asset bytes")
	hash := paths.Sha1Hex(data)

	objPath, err := cache.EnsureObject(hash, int64(len(data)), func() ([]byte, error) { return data, nil })
	require.NoError(t, err)
	assert.True(t, paths.FileExists(objPath))
	assert.Contains(t, objPath, hash[:2])
}

func TestEnsureObjectRejectsHashMismatch(t *testing.T) {
	root := t.TempDir()
	cache := New(root)
	data := []byte("asset bytes")
	wrongHash := paths.Sha1Hex([]byte("other bytes"))

	_, err := cache.EnsureObject(wrongHash, int64(len(data)), func() ([]byte, error) { return data, nil })
	require.Error(t, err)
}

func TestUsablePredicateRejectsZeroSize(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "empty")
	require.NoError(t, paths.AtomicWrite(p, nil, 0o644))
	assert.False(t, Usable(p, 0))
}
