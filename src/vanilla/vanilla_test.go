package vanilla

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tritium-launcher/tritium-core/src/fetch"
	"github.com/tritium-launcher/tritium-core/src/paths"
	"github.com/tritium-launcher/tritium-core/src/store"
)

func buildJar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// newTestServer builds a mock Mojang endpoint set: version manifest, version
// metadata, client jar, one library, one native classifier jar, an asset
// index, and the single asset object it references.
func newTestServer(t *testing.T) (*httptest.Server, []byte) {
	t.Helper()

	clientJar := buildJar(t, map[string]string{"net/minecraft/client/Main.class": "x"})
	libJar := buildJar(t, map[string]string{"com/example/Lib.class": "y"})
	nativeJar := buildJar(t, map[string]string{"liblwjgl.so": "z", "META-INF/MANIFEST.MF": "skip-me"})
	assetData := []byte("a sound file")
	assetHash := paths.Sha1Hex(assetData)

	mux := http.NewServeMux()
	// base is filled in once the server is listening, so every handler below
	// can emit fully-qualified URLs that point back at this same server.
	base := new(string)

	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"versions":[{"id":"1.20.1","url":%q}]}`, *base+"/meta/1.20.1.json")
	})

	mux.HandleFunc("/meta/1.20.1.json", func(w http.ResponseWriter, r *http.Request) {
		meta := map[string]any{
			"id":        "1.20.1",
			"mainClass": "net.minecraft.client.main.Main",
			"downloads": map[string]any{
				"client": map[string]any{"url": *base + "/client.jar", "sha1": "", "size": len(clientJar)},
			},
			"libraries": []any{
				map[string]any{
					"name": "com.example:lib:1.0",
					"downloads": map[string]any{
						"artifact": map[string]any{
							"path": "com/example/lib/1.0/lib-1.0.jar",
							"url":  *base + "/lib.jar",
							"size": len(libJar),
						},
						"classifiers": map[string]any{
							"natives-linux": map[string]any{
								"path": "com/example/lib/1.0/lib-1.0-natives-linux.jar",
								"url":  *base + "/native.jar",
								"size": len(nativeJar),
							},
						},
					},
					"natives": map[string]any{"linux": "natives-linux"},
					"extract": map[string]any{"exclude": []string{"META-INF/"}},
				},
			},
			"assetIndex": map[string]any{
				"id":   "1.20.1",
				"url":  *base + "/assetindex.json",
				"sha1": "",
				"size": 0,
			},
		}
		json.NewEncoder(w).Encode(meta)
	})

	mux.HandleFunc("/client.jar", func(w http.ResponseWriter, r *http.Request) { w.Write(clientJar) })
	mux.HandleFunc("/lib.jar", func(w http.ResponseWriter, r *http.Request) { w.Write(libJar) })
	mux.HandleFunc("/native.jar", func(w http.ResponseWriter, r *http.Request) { w.Write(nativeJar) })
	mux.HandleFunc("/assetindex.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"objects":{"sound/a.ogg":{"hash":%q,"size":%d}}}`, assetHash, len(assetData))
	})
	mux.HandleFunc(fmt.Sprintf("/assets/%s/%s", assetHash[:2], assetHash), func(w http.ResponseWriter, r *http.Request) {
		w.Write(assetData)
	})

	srv := httptest.NewServer(mux)
	*base = srv.URL
	return srv, assetData
}

func TestEnsureProvisionsFullVanillaVersion(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	cacheRoot := t.TempDir()
	instanceDir := t.TempDir()
	cache := store.New(cacheRoot)
	p := New(cache, fetch.New(), nil)
	p.ManifestURL = srv.URL + "/manifest.json"
	p.AssetBaseURL = srv.URL + "/assets/"

	res, err := p.Ensure(context.Background(), instanceDir, "1.20.1")
	require.NoError(t, err)

	assert.True(t, paths.FileExists(res.VersionJSONPath))
	assert.True(t, paths.FileExists(res.ClientJarPath))
	assert.Equal(t, "1.20.1", res.Descriptor.ID)

	libPath := filepath.Join(instanceDir, ".tr", "libraries", "com/example/lib/1.0/lib-1.0.jar")
	assert.True(t, paths.FileExists(libPath))

	nativeOut := filepath.Join(res.NativesDir, "liblwjgl.so")
	assert.True(t, paths.FileExists(nativeOut), "non-excluded native entry should be extracted")
	excludedOut := filepath.Join(res.NativesDir, "META-INF", "MANIFEST.MF")
	assert.False(t, paths.FileExists(excludedOut), "extract.exclude prefix should be honored")

	objPath := filepath.Join(cacheRoot, "objects")
	found := false
	paths.Walk(objPath, func(rel string, info os.FileInfo) error {
		found = true
		return nil
	})
	assert.True(t, found, "asset object should have been materialized into the shared cache")

	assert.True(t, paths.FileExists(filepath.Join(res.AssetsDir, "indexes", "1.20.1.json")),
		"assetsDir must expose the shared cache's indexes/ through the symlink")
	assert.True(t, paths.DirExists(filepath.Join(res.AssetsDir, "objects")),
		"assetsDir must expose the shared cache's objects/ through the symlink")
}

func TestLibraryConcurrencyFormula(t *testing.T) {
	assert.LessOrEqual(t, libraryConcurrency(100), int64(24))
	assert.GreaterOrEqual(t, libraryConcurrency(100), int64(8))
	assert.LessOrEqual(t, libraryConcurrency(2000), int64(24))
}

func TestAssetConcurrencyFormula(t *testing.T) {
	assert.LessOrEqual(t, assetConcurrency(100), int64(32))
	assert.GreaterOrEqual(t, assetConcurrency(100), int64(16))
	assert.LessOrEqual(t, assetConcurrency(20000), int64(64))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 8, clamp(2, 8, 24))
	assert.Equal(t, 24, clamp(100, 8, 24))
	assert.Equal(t, 16, clamp(16, 8, 24))
}

func TestLinkSharedAssetsSymlinksToCacheRoot(t *testing.T) {
	cacheRoot := t.TempDir()
	cache := store.New(cacheRoot)
	require.NoError(t, paths.EnsureDir(cache.IndexesDir()))
	require.NoError(t, os.WriteFile(filepath.Join(cache.IndexesDir(), "1.20.1.json"), []byte("{}"), 0o644))
	require.NoError(t, paths.EnsureDir(cache.ObjectsDir()))

	p := New(cache, fetch.New(), nil)

	assetsDir := filepath.Join(t.TempDir(), "assets")
	err := p.linkSharedAssets(assetsDir)
	require.NoError(t, err)
	assert.True(t, paths.DirExists(assetsDir))

	// assetsDir must resolve to the same root EnsureObject/the index fetch
	// populate, i.e. cacheRoot itself, not a "assets" subdirectory of it.
	assert.True(t, paths.FileExists(filepath.Join(assetsDir, "indexes", "1.20.1.json")))
	assert.True(t, paths.DirExists(filepath.Join(assetsDir, "objects")))
}

func TestLinkSharedAssetsRespectsExistingDirectory(t *testing.T) {
	cacheRoot := t.TempDir()
	cache := store.New(cacheRoot)
	p := New(cache, fetch.New(), nil)

	assetsDir := filepath.Join(t.TempDir(), "assets")
	require.NoError(t, paths.EnsureDir(assetsDir))
	require.NoError(t, os.WriteFile(filepath.Join(assetsDir, "marker"), []byte("x"), 0o644))

	err := p.linkSharedAssets(assetsDir)
	require.NoError(t, err)
	assert.True(t, paths.FileExists(filepath.Join(assetsDir, "marker")), "pre-existing per-instance assets dir must be left untouched")
}
