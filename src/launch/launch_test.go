package launch

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tritium-launcher/tritium-core/src/fetch"
	"github.com/tritium-launcher/tritium-core/src/javart"
	"github.com/tritium-launcher/tritium-core/src/loader"
	"github.com/tritium-launcher/tritium-core/src/paths"
	"github.com/tritium-launcher/tritium-core/src/tritiumerr"
	"github.com/tritium-launcher/tritium-core/src/version"
)

// parseDescriptor builds a Descriptor from a raw JSON literal (Library's
// Downloads field is an anonymous struct, so it is filled through
// UnmarshalJSON rather than written as a literal).
func parseDescriptor(t *testing.T, raw string) *version.Descriptor {
	t.Helper()
	desc, err := version.Parse([]byte(raw))
	require.NoError(t, err)
	return desc
}

// passthroughLoader is the vanilla-equivalent no-op loader used when no
// mod loader is installed: its classpath/jvm-arg hooks are pure
// pass-through, and its strip field sets what
// ShouldStripMinecraftClientArtifacts reports.
type passthroughLoader struct {
	loader.Identity
	strip bool
}

func (l *passthroughLoader) ID() string { return "vanilla" }
func (l *passthroughLoader) Install(ctx context.Context, instanceDir, mcVersion string) error {
	return nil
}
func (l *passthroughLoader) BuildVersionPatch(ctx context.Context, instanceDir, mcVersion string) (*version.Descriptor, string, error) {
	return nil, mcVersion, nil
}
func (l *passthroughLoader) ShouldStripMinecraftClientArtifacts() bool { return l.strip }

func writeFakeJar(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, paths.EnsureDir(filepath.Dir(path)))
	// A ZIP with a single entry, so store.Usable's IsOpenableZip check
	// (which rejects archives with no entries) passes.
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	_, err := zw.Create("META-INF/MANIFEST.MF")
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func newTestComposer(t *testing.T) (*Composer, string) {
	t.Helper()
	javaDir := t.TempDir()
	javaPath := filepath.Join(javaDir, "configured-java")
	require.NoError(t, paths.AtomicWrite(javaPath, []byte("#!/bin/sh\necho 'openjdk version \"17.0.9\" 2023-10-17' 1>&2\n"), 0o755))

	resolver := javart.New(javaDir, fetch.New(), nil)
	return New(resolver, nil), javaPath
}

func baseMergedDescriptor(t *testing.T, id string) *version.Descriptor {
	raw := `{
		"id": "` + id + `",
		"mainClass": "net.minecraft.client.main.Main",
		"assetIndex": {"id": "17"},
		"libraries": [
			{"name": "org.ow2.asm:asm:9.6", "downloads": {"artifact": {"path": "org/ow2/asm/asm/9.6/asm-9.6.jar"}}}
		]
	}`
	return parseDescriptor(t, raw)
}

func withLibraryJSON(t *testing.T, desc *version.Descriptor, libJSON string) *version.Descriptor {
	t.Helper()
	var lib version.Library
	require.NoError(t, json.Unmarshal([]byte(libJSON), &lib))
	desc.Libraries = append(desc.Libraries, lib)
	return desc
}

func setupInstance(t *testing.T, mcVersion string, merged *version.Descriptor) string {
	t.Helper()
	instanceDir := t.TempDir()
	libDir := filepath.Join(instanceDir, ".tr", "libraries")
	for _, lib := range merged.Libraries {
		if lib.Downloads.Artifact != nil {
			writeFakeJar(t, filepath.Join(libDir, filepath.FromSlash(lib.Downloads.Artifact.Path)))
		}
	}
	writeFakeJar(t, filepath.Join(instanceDir, ".tr", "versions", mcVersion, mcVersion+".jar"))
	return instanceDir
}

func TestComposeUsesConfiguredJavaAndResolvesClasspath(t *testing.T) {
	composer, javaPath := newTestComposer(t)
	merged := baseMergedDescriptor(t, "1.20.1")
	instanceDir := setupInstance(t, "1.20.1", merged)

	plan, err := composer.Compose(context.Background(), instanceDir, "1.20.1", merged, &passthroughLoader{}, Config{JavaPath: javaPath})
	require.NoError(t, err)
	assert.Equal(t, javaPath, plan.JavaPath)
	assert.Len(t, plan.Classpath, 2)
	assert.Contains(t, plan.Classpath[len(plan.Classpath)-1], "1.20.1.jar")
	assert.Equal(t, "net.minecraft.client.main.Main", plan.MainClass)
	assert.NotEmpty(t, plan.CompanionToken)
	assert.Contains(t, plan.Env, "TRITIUM_COMPANION_WS_TOKEN")
}

func TestComposeSkipsRuleDisallowedAndClientLibraries(t *testing.T) {
	composer, javaPath := newTestComposer(t)
	merged := baseMergedDescriptor(t, "1.20.1")
	merged = withLibraryJSON(t, merged, `{
		"name": "some.disallowed:lib:1.0",
		"rules": [{"action": "allow", "os": {"name": "never-a-real-os"}}],
		"downloads": {"artifact": {"path": "some/disallowed/lib/1.0/lib-1.0.jar", "size": 1}}
	}`)
	merged = withLibraryJSON(t, merged, `{
		"name": "net.minecraft:client:1.20.1",
		"downloads": {"artifact": {"path": "net/minecraft/client/1.20.1/client-1.20.1-srg.jar", "size": 1}}
	}`)
	instanceDir := setupInstance(t, "1.20.1", merged)

	plan, err := composer.Compose(context.Background(), instanceDir, "1.20.1", merged, &passthroughLoader{}, Config{JavaPath: javaPath})
	require.NoError(t, err)
	for _, entry := range plan.Classpath {
		assert.NotContains(t, entry, "disallowed")
		assert.NotContains(t, entry, "net/minecraft/client")
	}
}

func TestComposeAbortsOnMissingClasspathEntry(t *testing.T) {
	composer, javaPath := newTestComposer(t)
	merged := baseMergedDescriptor(t, "1.20.1")
	instanceDir := t.TempDir() // no jars materialized at all

	_, err := composer.Compose(context.Background(), instanceDir, "1.20.1", merged, &passthroughLoader{}, Config{JavaPath: javaPath})
	require.Error(t, err)
	var launchErr *tritiumerr.LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.Equal(t, tritiumerr.MissingClasspathEntries, launchErr.Reason)
}

func TestComposeAbortsOnMissingMainClass(t *testing.T) {
	composer, javaPath := newTestComposer(t)
	merged := baseMergedDescriptor(t, "1.20.1")
	merged.MainClass = version.MainClassBySide{}
	instanceDir := setupInstance(t, "1.20.1", merged)

	_, err := composer.Compose(context.Background(), instanceDir, "1.20.1", merged, &passthroughLoader{}, Config{JavaPath: javaPath})
	require.Error(t, err)
	var launchErr *tritiumerr.LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.Equal(t, tritiumerr.MissingMainClass, launchErr.Reason)
}

func TestBuildGameArgsExpandsTokensAndScrubsQuickPlay(t *testing.T) {
	composer, _ := newTestComposer(t)
	merged := baseMergedDescriptor(t, "1.20.1")
	merged.Arguments = &struct {
		Game []version.ArgEntry `json:"game,omitempty"`
		JVM  []version.ArgEntry `json:"jvm,omitempty"`
	}{
		Game: []version.ArgEntry{
			{Values: []string{"--username"}},
			{Values: []string{"${auth_player_name}"}},
			{Values: []string{"--quickPlaySingleplayer"}},
			{Values: []string{"${quickPlayPath}"}},
			{Values: []string{"--demo"}},
			{Values: []string{"--width"}},
			{Values: []string{"800"}},
			{Values: []string{"--height"}},
			{Values: []string{"600"}},
			{Values: []string{"--unresolved"}},
			{Values: []string{"${not_a_real_token}"}},
		},
	}

	args := composer.buildGameArgs(merged, Config{PlayerName: "Steve", ResolutionWidth: 1024, ResolutionHeight: 768}, "/instance", "/instance/.tr/assets")

	assert.Contains(t, args, "Steve")
	assert.NotContains(t, args, "--quickPlaySingleplayer")
	assert.NotContains(t, args, "--demo")
	assert.NotContains(t, args, "${not_a_real_token}")

	widthIdx := indexOf(args, "--width")
	require.GreaterOrEqual(t, widthIdx, 0)
	assert.Equal(t, "1024", args[widthIdx+1])
	heightIdx := indexOf(args, "--height")
	require.GreaterOrEqual(t, heightIdx, 0)
	assert.Equal(t, "768", args[heightIdx+1])

	// Only one --width/--height pair should survive (the freshly appended one).
	assert.Equal(t, 1, count(args, "--width"))
	assert.Equal(t, 1, count(args, "--height"))
}

func TestBuildJVMArgsStripsModulePathForStrippingLoader(t *testing.T) {
	composer, _ := newTestComposer(t)
	merged := baseMergedDescriptor(t, "1.20.1-neoforge-20.1.1")
	merged.Arguments = &struct {
		Game []version.ArgEntry `json:"game,omitempty"`
		JVM  []version.ArgEntry `json:"jvm,omitempty"`
	}{
		JVM: []version.ArgEntry{
			{Values: []string{"-p"}},
			{Values: []string{"/libs/net/minecraft/client/1.20.1/client-1.20.1-srg.jar" + string(os.PathListSeparator) + "/libs/keep/keep.jar"}},
		},
	}

	args := composer.buildJVMArgs(merged, &passthroughLoader{strip: true}, Config{MemoryMB: 4096}, "/natives", "/libs", "/cp.jar", "1.20.1", merged.ID)

	pIdx := indexOf(args, "-p")
	require.GreaterOrEqual(t, pIdx, 0)
	assert.NotContains(t, args[pIdx+1], "net/minecraft/client")
	assert.Contains(t, args[pIdx+1], "keep.jar")
	assert.Contains(t, args, "-Xmx4096M")
	assert.Contains(t, args, "-Xms1024M")
}

func TestBuildJVMArgsDropsModuleFlagWhenEmptyAfterStripping(t *testing.T) {
	composer, _ := newTestComposer(t)
	merged := baseMergedDescriptor(t, "1.20.1-neoforge-20.1.1")
	merged.Arguments = &struct {
		Game []version.ArgEntry `json:"game,omitempty"`
		JVM  []version.ArgEntry `json:"jvm,omitempty"`
	}{
		JVM: []version.ArgEntry{
			{Values: []string{"-p"}},
			{Values: []string{"/libs/net/minecraft/client/1.20.1/client-1.20.1-srg.jar"}},
		},
	}

	args := composer.buildJVMArgs(merged, &passthroughLoader{strip: true}, Config{}, "/natives", "/libs", "/cp.jar", "1.20.1", merged.ID)
	assert.Equal(t, -1, indexOf(args, "-p"))
}

func TestBuildJVMArgsAppliesMemoryFloorAndDefault(t *testing.T) {
	composer, _ := newTestComposer(t)
	merged := baseMergedDescriptor(t, "1.20.1")

	args := composer.buildJVMArgs(merged, &passthroughLoader{}, Config{MemoryMB: 128}, "/natives", "/libs", "/cp.jar", "1.20.1", merged.ID)
	assert.Contains(t, args, "-Xmx512M")

	args = composer.buildJVMArgs(merged, &passthroughLoader{}, Config{}, "/natives", "/libs", "/cp.jar", "1.20.1", merged.ID)
	assert.Contains(t, args, "-Xmx2048M")
}

func TestBuildJVMArgsSplitsExtraArgsWithQuoting(t *testing.T) {
	composer, _ := newTestComposer(t)
	merged := baseMergedDescriptor(t, "1.20.1")

	args := composer.buildJVMArgs(merged, &passthroughLoader{}, Config{ExtraJVMArgs: `-Dfoo="bar baz" -Dsingle=1`}, "/natives", "/libs", "/cp.jar", "1.20.1", merged.ID)
	assert.Contains(t, args, `-Dfoo=bar baz`)
	assert.Contains(t, args, "-Dsingle=1")
}

func TestResolutionFallsBackWhenMaximizedWithoutExplicitSize(t *testing.T) {
	composer, _ := newTestComposer(t)
	w, h := composer.resolution(Config{Maximized: true})
	assert.Equal(t, defaultScreenWidth, w)
	assert.Equal(t, defaultScreenHeight, h)

	w, h = composer.resolution(Config{Maximized: true, ScreenGeometry: func() (int, int) { return 3440, 1440 }})
	assert.Equal(t, 3440, w)
	assert.Equal(t, 1440, h)
}

func indexOf(items []string, target string) int {
	for i, v := range items {
		if v == target {
			return i
		}
	}
	return -1
}

func count(items []string, target string) int {
	n := 0
	for _, v := range items {
		if v == target {
			n++
		}
	}
	return n
}
