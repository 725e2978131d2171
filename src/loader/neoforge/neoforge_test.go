package neoforge

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/Jeffail/gabs/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tritium-launcher/tritium-core/src/fetch"
	"github.com/tritium-launcher/tritium-core/src/loader"
	"github.com/tritium-launcher/tritium-core/src/paths"
	"github.com/tritium-launcher/tritium-core/src/store"
	"github.com/tritium-launcher/tritium-core/src/version"
)

func buildZip(t *testing.T, files map[string]string) []byte {
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

// buildInstallerJar assembles a minimal but structurally real NeoForge
// installer: install_profile.json (no processors, so no java invocation is
// needed), an embedded version.json, and the client jar under maven/.
func buildInstallerJar(t *testing.T) []byte {
	t.Helper()
	clientJar := buildZip(t, map[string]string{"net/minecraft/client/Main.class": "x"})

	profile := `{
		"json": "/version.json",
		"path": null,
		"data": {"TEST_LIT": {"client": "'hello'"}},
		"libraries": [
			{
				"name": "net.neoforged:neoforge:20.1.80:client",
				"downloads": {"artifact": {"path": "net/neoforged/neoforge/20.1.80/neoforge-20.1.80-client.jar", "url": "", "size": ` + strconv.Itoa(len(clientJar)) + `}}
			}
		],
		"processors": []
	}`
	versionJSON := `{"id": "1.20.1-neoforge-20.1.80", "mainClass": "cpw.mods.bootstraplauncher.BootstrapLauncher", "libraries": []}`

	return buildZip(t, map[string]string{
		"install_profile.json":                                              profile,
		"version.json":                                                      versionJSON,
		"maven/net/neoforged/neoforge/20.1.80/neoforge-20.1.80-client.jar":  string(clientJar),
	})
}

func TestInstallBuildsMergedJarAndPatchWithNoProcessors(t *testing.T) {
	installerJar := buildInstallerJar(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/maven/net/neoforged/neoforge/20.1.80/neoforge-20.1.80-installer.jar", func(w http.ResponseWriter, r *http.Request) {
		w.Write(installerJar)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cache := store.New(t.TempDir())
	l := New(cache, fetch.New(), nil, "20.1.80")
	l.InstallerBaseURL = srv.URL + "/maven/"

	instanceDir := t.TempDir()
	err := l.Install(context.Background(), instanceDir, "1.20.1")
	require.NoError(t, err)

	mergedID := "1.20.1-neoforge-20.1.80"
	mergedJar := filepath.Join(instanceDir, ".tr", "versions", mergedID, mergedID+".jar")
	assert.True(t, paths.FileExists(mergedJar))

	patch, gotMergedID, err := l.BuildVersionPatch(context.Background(), instanceDir, "1.20.1")
	require.NoError(t, err)
	assert.Equal(t, mergedID, gotMergedID)
	assert.Equal(t, "cpw.mods.bootstraplauncher.BootstrapLauncher", patch.MainClass.Client)
}

func TestMergeProfileLibrariesDedupesByIdentityKey(t *testing.T) {
	profile, err := gabs.ParseJSON([]byte(`{"libraries":[{"name":"org.ow2.asm:asm:9.6"}]}`))
	require.NoError(t, err)

	versionLibs := []version.Library{{Name: "org.ow2.asm:asm:9.6"}, {Name: "com.example:extra:1.0"}}
	libs := mergeProfileLibraries(profile, versionLibs)

	assert.Len(t, libs, 2)
}

func TestResolveDataMapHandlesLiteralAndArtifactForms(t *testing.T) {
	profile, err := gabs.ParseJSON([]byte(`{
		"data": {
			"LITERAL": {"client": "'hi'"},
			"ARTIFACT": {"client": "[org.ow2.asm:asm:9.6]"}
		}
	}`))
	require.NoError(t, err)

	data, err := resolveDataMap(profile, nil, "/libs", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "hi", data["LITERAL"])
	assert.Equal(t, filepath.Join("/libs", "org/ow2/asm/asm/9.6/asm-9.6.jar"), data["ARTIFACT"])
}

func TestExpandProcessorArg(t *testing.T) {
	data := map[string]string{"FOO": "/tmp/foo"}
	assert.Equal(t, "/tmp/foo", expandProcessorArg("{FOO}", data, "/libs"))
	assert.Equal(t, filepath.Join("/libs", "org/ow2/asm/asm/9.6/asm-9.6.jar"), expandProcessorArg("[org.ow2.asm:asm:9.6]", data, "/libs"))
	assert.Equal(t, "--task", expandProcessorArg("--task", data, "/libs"))
}

func TestOutputArgExtractsValueFollowingFlag(t *testing.T) {
	assert.Equal(t, "/out/x.jar", outputArg([]string{"--input", "a", "--output", "/out/x.jar"}))
	assert.Equal(t, "", outputArg([]string{"--input", "a"}))
}

func TestShouldStripMinecraftClientArtifactsTrue(t *testing.T) {
	l := New(nil, nil, nil, "20.1.80")
	assert.True(t, l.ShouldStripMinecraftClientArtifacts())
}

func TestPrepareClasspathAppendsExtraEntries(t *testing.T) {
	l := New(nil, nil, nil, "20.1.80")
	l.extraClasspath = []string{"universal.jar"}
	got := l.PrepareClasspath([]string{"a.jar"})
	assert.Equal(t, []string{"a.jar", "universal.jar"}, got)

	var _ loader.Loader = l
}

func TestLegacyFMLMajor(t *testing.T) {
	assert.Equal(t, 9, legacyFMLMajor("9.0.99.1980"))
	assert.Equal(t, 20, legacyFMLMajor("20.1.80"))
	assert.Equal(t, -1, legacyFMLMajor("not-a-version"))
}

func TestSanitizeUniversalJarStripsModuleInfoAndAutomaticModuleName(t *testing.T) {
	src := filepath.Join(t.TempDir(), "universal.jar")
	data := buildZip(t, map[string]string{
		"module-info.class":   "binary-module-descriptor",
		"META-INF/MANIFEST.MF": "Manifest-Version: 1.0\r\nAutomatic-Module-Name: neoforge\r\nMain-Class: Foo\r\n",
		"net/neoforged/Foo.class": "x",
	})
	require.NoError(t, os.WriteFile(src, data, 0o644))

	out, err := sanitizeUniversalJar(src)
	require.NoError(t, err)
	assert.Contains(t, out, "-sanitized")

	zr, err := zip.OpenReader(out)
	require.NoError(t, err)
	defer zr.Close()

	names := make(map[string]bool)
	for _, f := range zr.File {
		names[f.Name] = true
	}
	assert.False(t, names["module-info.class"], "module-info.class must be stripped")
	assert.True(t, names["net/neoforged/Foo.class"], "non-module entries must survive")

	for _, f := range zr.File {
		if f.Name != "META-INF/MANIFEST.MF" {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		manifest, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		assert.NotContains(t, string(manifest), "Automatic-Module-Name")
		assert.Contains(t, string(manifest), "Main-Class: Foo")
	}
}

func TestRunProcessorsSkipsOnlyWhenOutputIsNonEmpty(t *testing.T) {
	libDir := t.TempDir()
	jarPath := filepath.Join(libDir, "org/example/task/1.0/task-1.0.jar")
	jarData := buildZip(t, map[string]string{"META-INF/MANIFEST.MF": "Main-Class: Foo\r\n"})
	require.NoError(t, paths.EnsureDir(filepath.Dir(jarPath)))
	require.NoError(t, os.WriteFile(jarPath, jarData, 0o644))

	outPath := filepath.Join(t.TempDir(), "out.jar")

	profileJSON := `{
		"processors": [
			{"jar": "org.example:task:1.0", "classpath": [], "args": ["--output", "` + filepath.ToSlash(outPath) + `"]}
		]
	}`
	profile, err := gabs.ParseJSON([]byte(profileJSON))
	require.NoError(t, err)

	l := New(store.New(t.TempDir()), fetch.New(), nil, "20.1.80")
	l.JavaExec = "false" // would exit nonzero if ever invoked

	// A zero-byte leftover output must NOT short-circuit: the processor is
	// expected to run (and fail, since JavaExec always exits nonzero here).
	require.NoError(t, os.WriteFile(outPath, nil, 0o644))
	err = l.runProcessors(context.Background(), profile, libDir, nil)
	assert.Error(t, err, "empty existing output must not be treated as cached")

	// A genuinely populated output must short-circuit: no processor runs,
	// so no error surfaces even though JavaExec would otherwise fail.
	require.NoError(t, os.WriteFile(outPath, []byte("not empty"), 0o644))
	err = l.runProcessors(context.Background(), profile, libDir, nil)
	assert.NoError(t, err, "non-empty existing output must be treated as cached")
}
