// Package neoforge implements the NeoForge mod-loader installer (spec.md
// §4.7): download and verify the installer jar, merge its install profile
// and embedded version JSON, run the install-processor chain, and build the
// merged client jar NeoForge ships in place of the vanilla one.
package neoforge

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Jeffail/gabs/v2"

	"github.com/tritium-launcher/tritium-core/src/events"
	"github.com/tritium-launcher/tritium-core/src/fetch"
	"github.com/tritium-launcher/tritium-core/src/loader"
	"github.com/tritium-launcher/tritium-core/src/maven"
	"github.com/tritium-launcher/tritium-core/src/paths"
	"github.com/tritium-launcher/tritium-core/src/store"
	"github.com/tritium-launcher/tritium-core/src/tritiumerr"
	"github.com/tritium-launcher/tritium-core/src/version"
)

const defaultInstallerRepo = "https://maven.neoforged.net/releases/"

// Loader installs a specific NeoForge version over a given Minecraft version.
type Loader struct {
	loader.Identity

	LoaderVersion string
	InstallerBaseURL string
	JavaExec         string

	Cache   *store.SharedCache
	Fetcher *fetch.Fetcher
	Events  *events.Emitter

	extraClasspath []string
}

// New returns a NeoForge Loader for loaderVersion. emitter may be nil.
func New(cache *store.SharedCache, fetcher *fetch.Fetcher, emitter *events.Emitter, loaderVersion string) *Loader {
	if emitter == nil {
		emitter = events.Nop()
	}
	return &Loader{
		LoaderVersion:    loaderVersion,
		InstallerBaseURL: defaultInstallerRepo,
		JavaExec:         "java",
		Cache:            cache,
		Fetcher:          fetcher,
		Events:           emitter,
	}
}

func (l *Loader) ID() string { return "neoforge-" + l.LoaderVersion }

// ShouldStripMinecraftClientArtifacts is true: NeoForge ships a merged,
// patched client jar in place of the vanilla one, so net/minecraft/client
// -srg/-slim/-extra jars must not also appear on the JVM module path.
func (l *Loader) ShouldStripMinecraftClientArtifacts() bool { return true }

// PrepareClasspath appends the universal jar (and any other installer-time
// classpath additions) recorded during Install.
func (l *Loader) PrepareClasspath(entries []string) []string {
	return append(append([]string{}, entries...), l.extraClasspath...)
}

func (l *Loader) trDir(instanceDir string) string {
	return filepath.Join(instanceDir, ".tr", "loader", "neoforge")
}

func (l *Loader) installerCoordinate() maven.Coordinate {
	return maven.Coordinate{
		Group:      "net.neoforged",
		Artifact:   "neoforge",
		Version:    l.LoaderVersion,
		Classifier: "installer",
	}
}

// Install downloads and verifies the NeoForge installer jar, merges the
// install profile's and embedded version JSON's libraries, downloads them
// through the Artifact Store, runs the install-processor chain, handles the
// universal jar, and builds the merged client jar.
func (l *Loader) Install(ctx context.Context, instanceDir, mcVersion string) error {
	work := l.trDir(instanceDir)
	if err := paths.EnsureDir(work); err != nil {
		return err
	}

	installerPath := filepath.Join(work, fmt.Sprintf("neoforge-%s-installer.jar", l.LoaderVersion))
	if err := l.ensureInstaller(ctx, installerPath); err != nil {
		return fmt.Errorf("neoforge installer: %w", err)
	}

	zr, err := zip.OpenReader(installerPath)
	if err != nil {
		return fmt.Errorf("open neoforge installer: %w", err)
	}
	defer zr.Close()

	profileBytes, err := readZipEntry(&zr.Reader, "install_profile.json")
	if err != nil {
		return fmt.Errorf("read install_profile.json: %w", err)
	}
	profile, err := gabs.ParseJSON(profileBytes)
	if err != nil {
		return fmt.Errorf("parse install_profile.json: %w", err)
	}

	versionJSONPath := "version.json"
	if p, ok := profile.Path("json").Data().(string); ok && p != "" {
		versionJSONPath = strings.TrimPrefix(p, "/")
	}
	versionBytes, err := readZipEntry(&zr.Reader, versionJSONPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", versionJSONPath, err)
	}
	versionDesc, err := version.Parse(versionBytes)
	if err != nil {
		return fmt.Errorf("parse %s: %w", versionJSONPath, err)
	}

	libDir := filepath.Join(instanceDir, ".tr", "libraries")
	allLibs := mergeProfileLibraries(profile, versionDesc.Libraries)
	for _, lib := range allLibs {
		if err := l.ensureProfileLibrary(ctx, libDir, zr.Reader, lib); err != nil {
			return fmt.Errorf("neoforge library %s: %w", lib.Name, err)
		}
	}

	vanillaClientJar := filepath.Join(instanceDir, ".tr", "versions", mcVersion, mcVersion+".jar")
	tmpDir := filepath.Join(work, "tmp")
	if err := paths.EnsureDir(tmpDir); err != nil {
		return err
	}

	data, err := resolveDataMap(profile, &zr.Reader, libDir, tmpDir)
	if err != nil {
		return fmt.Errorf("resolve install_profile.json data: %w", err)
	}
	data["SIDE"] = "client"
	data["MINECRAFT_JAR"] = vanillaClientJar
	data["ROOT"] = libDir
	data["INSTALLER"] = installerPath

	if err := l.runProcessors(ctx, profile, libDir, data); err != nil {
		return fmt.Errorf("run neoforge processors: %w", err)
	}

	if err := l.handleUniversalJar(instanceDir, &zr.Reader, profile, libDir); err != nil {
		return fmt.Errorf("handle universal jar: %w", err)
	}

	mergedID := mcVersion + "-neoforge-" + l.LoaderVersion
	mergedJarPath := filepath.Join(instanceDir, ".tr", "versions", mergedID, mergedID+".jar")
	if err := l.buildMergedClientJar(libDir, data, mergedJarPath); err != nil {
		return fmt.Errorf("build merged client jar: %w", err)
	}

	patch := &version.Descriptor{
		ID:        mergedID,
		MainClass: versionDesc.MainClass,
		Libraries: allLibs,
	}
	patchBytes, err := json.MarshalIndent(patch, "", "  ")
	if err != nil {
		return err
	}
	if err := paths.AtomicWrite(filepath.Join(work, "version_patch.json"), patchBytes, 0o644); err != nil {
		return err
	}
	if err := paths.AtomicWrite(filepath.Join(work, "merged_id.txt"), []byte(mergedID), 0o644); err != nil {
		return err
	}

	l.Events.Emit("neoforge_install_done", mergedID)
	return nil
}

// BuildVersionPatch reads back the version_patch.json written by Install.
func (l *Loader) BuildVersionPatch(ctx context.Context, instanceDir, mcVersion string) (*version.Descriptor, string, error) {
	work := l.trDir(instanceDir)
	data, err := paths.ReadOrNil(filepath.Join(work, "version_patch.json"))
	if err != nil {
		return nil, "", err
	}
	if data == nil {
		return nil, "", fmt.Errorf("neoforge version_patch.json not found under %s; Install must run first", work)
	}
	patch, err := version.Parse(data)
	if err != nil {
		return nil, "", fmt.Errorf("parse neoforge version_patch.json: %w", err)
	}
	return patch, patch.ID, nil
}

// ensureInstaller materializes the installer jar at dest, verifying the
// downloaded bytes against a companion .sha512/.sha256/.sha1 checksum file
// when the repository publishes one (first available wins). Verification
// runs before anything is written, so a failed check leaves no file at dest.
func (l *Loader) ensureInstaller(ctx context.Context, dest string) error {
	if paths.FileExists(dest) && paths.IsOpenableZip(dest) {
		return nil
	}

	coord := l.installerCoordinate()
	repoPath := coord.Path()
	base := strings.TrimRight(l.InstallerBaseURL, "/") + "/" + repoPath

	data, err := l.Fetcher.GetBytes(ctx, base, 0, 0)
	if err != nil {
		return err
	}

	if err := verifyChecksum(ctx, l.Fetcher, base, data); err != nil {
		return err
	}

	if !isZipBytes(data) {
		return &tritiumerr.IntegrityError{Path: dest, Reason: tritiumerr.BadArchive}
	}
	if err := paths.AtomicWrite(dest, data, 0o644); err != nil {
		os.Remove(dest)
		return err
	}
	return nil
}

// verifyChecksum tries, in order, a companion .sha512/.sha256/.sha1 file at
// the same URL; the first that fetches successfully is checked, and any
// mismatch is fatal. A repository that publishes none of the three is
// accepted unverified (the jar is still validated as a well-formed zip).
func verifyChecksum(ctx context.Context, f *fetch.Fetcher, artifactURL string, data []byte) error {
	checks := []struct {
		suffix string
		newer  func() hash.Hash
	}{
		{".sha512", sha512.New},
		{".sha256", sha256.New},
		{".sha1", sha1.New},
	}
	for _, c := range checks {
		expected, err := f.GetBytes(ctx, artifactURL+c.suffix, 0, 0)
		if err != nil {
			continue
		}
		want := strings.ToLower(strings.Fields(string(expected))[0])
		h := c.newer()
		h.Write(data)
		got := hex.EncodeToString(h.Sum(nil))
		if got != want {
			return &tritiumerr.IntegrityError{Path: artifactURL, Reason: tritiumerr.HashMismatch}
		}
		return nil
	}
	return nil
}

func isZipBytes(data []byte) bool {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	return err == nil && len(r.File) > 0
}

func readZipEntry(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name == name {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	return nil, fmt.Errorf("entry %q not found in archive", name)
}

// mergeProfileLibraries unions the install profile's libraries array with
// the embedded version.json's, deduplicated by maven identity key, profile
// entries first (the install profile's processor-support libraries must
// land on disk before processors run).
func mergeProfileLibraries(profile *gabs.Container, versionLibs []version.Library) []version.Library {
	seen := make(map[string]bool)
	var out []version.Library

	for _, child := range profile.Path("libraries").Children() {
		raw, err := child.MarshalJSON()
		if err != nil {
			continue
		}
		var lib version.Library
		if err := json.Unmarshal(raw, &lib); err != nil {
			continue
		}
		key := lib.IdentityKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, lib)
	}
	for _, lib := range versionLibs {
		key := lib.IdentityKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, lib)
	}
	return out
}

// ensureProfileLibrary materializes one library, preferring the installer's
// own maven/ tree, falling back to its explicit downloads.artifact URL, then
// to the group's repository fallback list (spec.md §4.4).
func (l *Loader) ensureProfileLibrary(ctx context.Context, libDir string, zr zip.Reader, lib version.Library) error {
	coord, err := maven.Parse(lib.Name)
	if err != nil {
		return err
	}
	repoPath := coord.Path()
	instPath := filepath.Join(libDir, filepath.FromSlash(repoPath))

	var expectedSize int64
	var expectedSha1 string
	if lib.Downloads.Artifact != nil {
		expectedSize = lib.Downloads.Artifact.Size
		expectedSha1 = lib.Downloads.Artifact.SHA1
	}

	_, err = l.Cache.EnsureLibrary(instPath, repoPath, expectedSize, expectedSha1, func() ([]byte, error) {
		if data, ferr := readZipEntry(&zr, "maven/"+repoPath); ferr == nil {
			return data, nil
		}
		var urls []string
		if lib.Downloads.Artifact != nil && lib.Downloads.Artifact.URL != "" {
			urls = append(urls, lib.Downloads.Artifact.URL)
		}
		urls = append(urls, maven.ResolveURLs(coord)...)
		var lastErr error
		for _, u := range urls {
			data, ferr := l.Fetcher.GetBytes(ctx, u, 0, 0)
			if ferr == nil {
				return data, nil
			}
			lastErr = ferr
		}
		return nil, lastErr
	})
	return err
}

// resolveDataMap evaluates install_profile.json's "data" section for the
// client side: a "'literal'" value is used verbatim; a "[g:a:v]" value is
// resolved to its library path on disk; anything else is a path inside the
// installer jar, extracted into workDir.
func resolveDataMap(profile *gabs.Container, zr *zip.Reader, libDir, workDir string) (map[string]string, error) {
	out := make(map[string]string)
	children := profile.Path("data").ChildrenMap()
	for key, entry := range children {
		value, _ := entry.Path("client").Data().(string)
		switch {
		case strings.HasPrefix(value, "'") && strings.HasSuffix(value, "'"):
			out[key] = strings.Trim(value, "'")
		case strings.HasPrefix(value, "[") && strings.HasSuffix(value, "]"):
			coord, err := maven.Parse(strings.Trim(value, "[]"))
			if err != nil {
				return nil, err
			}
			out[key] = filepath.Join(libDir, filepath.FromSlash(coord.Path()))
		case value != "":
			name := strings.TrimPrefix(value, "/")
			data, err := readZipEntry(zr, name)
			if err != nil {
				return nil, fmt.Errorf("extract data entry %s (%s): %w", key, name, err)
			}
			dest := filepath.Join(workDir, filepath.FromSlash(name))
			if err := paths.AtomicWrite(dest, data, 0o644); err != nil {
				return nil, err
			}
			out[key] = dest
		}
	}
	return out, nil
}

// runProcessors executes install_profile.json's processor chain in
// declaration order, skipping entries whose "sides" excludes "client".
// A processor whose expanded --output argument already exists and is
// non-empty is skipped,
// short-circuiting the common DOWNLOAD_MOJMAPS/PROCESS_MINECRAFT_JAR tasks
// on reinstall.
func (l *Loader) runProcessors(ctx context.Context, profile *gabs.Container, libDir string, data map[string]string) error {
	processors := profile.Path("processors").Children()
	for i, p := range processors {
		if sides, ok := p.Path("sides").Data().([]any); ok && len(sides) > 0 {
			clientSide := false
			for _, s := range sides {
				if s == "client" {
					clientSide = true
				}
			}
			if !clientSide {
				continue
			}
		}

		jarName, _ := p.Path("jar").Data().(string)
		jarCoord, err := maven.Parse(jarName)
		if err != nil {
			return fmt.Errorf("processor %d jar %q: %w", i, jarName, err)
		}
		jarPath := filepath.Join(libDir, filepath.FromSlash(jarCoord.Path()))

		var classpath []string
		for _, cp := range p.Path("classpath").Children() {
			name, _ := cp.Data().(string)
			coord, err := maven.Parse(name)
			if err != nil {
				continue
			}
			classpath = append(classpath, filepath.Join(libDir, filepath.FromSlash(coord.Path())))
		}
		classpath = append(classpath, jarPath)

		mainClass, err := readJarMainClass(jarPath)
		if err != nil {
			return fmt.Errorf("processor %d main class: %w", i, err)
		}

		var args []string
		for _, a := range p.Path("args").Children() {
			raw, _ := a.Data().(string)
			args = append(args, expandProcessorArg(raw, data, libDir))
		}

		if out := outputArg(args); out != "" && paths.Size(out) > 0 {
			l.Events.Emit("neoforge_processor_cached", jarName)
			continue
		}

		l.Events.Emit("neoforge_processor_start", jarName)
		if err := l.invokeProcessor(ctx, jarName, classpath, mainClass, args); err != nil {
			return err
		}
	}
	return nil
}

func expandProcessorArg(raw string, data map[string]string, libDir string) string {
	switch {
	case strings.HasPrefix(raw, "{") && strings.HasSuffix(raw, "}"):
		return data[strings.Trim(raw, "{}")]
	case strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]"):
		coord, err := maven.Parse(strings.Trim(raw, "[]"))
		if err != nil {
			return raw
		}
		return filepath.Join(libDir, filepath.FromSlash(coord.Path()))
	default:
		return raw
	}
}

func outputArg(args []string) string {
	for i, a := range args {
		if a == "--output" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func (l *Loader) invokeProcessor(ctx context.Context, task string, classpath []string, mainClass string, args []string) error {
	cmdArgs := append([]string{"-cp", strings.Join(classpath, string(os.PathListSeparator)), mainClass}, args...)
	cmd := exec.CommandContext(ctx, l.JavaExec, cmdArgs...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		exitCode := -1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		excerpt := string(out)
		if len(excerpt) > 2000 {
			excerpt = excerpt[len(excerpt)-2000:]
		}
		return &tritiumerr.ProcessorError{Task: task, ExitCode: exitCode, StderrExcerpt: excerpt}
	}
	return nil
}

// readJarMainClass opens a jar and reads Main-Class out of its manifest.
func readJarMainClass(jarPath string) (string, error) {
	zr, err := zip.OpenReader(jarPath)
	if err != nil {
		return "", err
	}
	defer zr.Close()
	manifest, err := readZipEntry(&zr.Reader, "META-INF/MANIFEST.MF")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(manifest), "\n") {
		line = strings.TrimRight(line, "\r")
		if name, ok := strings.CutPrefix(line, "Main-Class: "); ok {
			return strings.TrimSpace(name), nil
		}
	}
	return "", fmt.Errorf("Main-Class not found in %s manifest", jarPath)
}

// handleUniversalJar locates NeoForge's universal jar among the installed
// libraries, sanitizes it against JPMS conflicts, then either copies it
// into mods/ (legacy FML, major < 10) or adds it to the launch classpath
// via the loader hook (current NeoForge, which no longer patches through a
// mods-folder coremod).
func (l *Loader) handleUniversalJar(instanceDir string, zr *zip.Reader, profile *gabs.Container, libDir string) error {
	universalName, ok := profile.Path("path").Data().(string)
	if !ok || universalName == "" {
		return nil
	}
	coord, err := maven.Parse(universalName)
	if err != nil {
		return nil
	}
	universalPath := filepath.Join(libDir, filepath.FromSlash(coord.Path()))
	if !paths.FileExists(universalPath) {
		if data, ferr := readZipEntry(zr, "maven/"+coord.Path()); ferr == nil {
			paths.AtomicWrite(universalPath, data, 0o644)
		}
	}
	if !paths.FileExists(universalPath) {
		return nil
	}

	sanitized, err := sanitizeUniversalJar(universalPath)
	if err != nil {
		return fmt.Errorf("sanitize universal jar: %w", err)
	}

	if major := legacyFMLMajor(l.LoaderVersion); major >= 0 && major < 10 {
		modsDir := filepath.Join(instanceDir, ".tr", "mods")
		if err := paths.EnsureDir(modsDir); err != nil {
			return err
		}
		data, err := os.ReadFile(sanitized)
		if err != nil {
			return err
		}
		return paths.AtomicWrite(filepath.Join(modsDir, filepath.Base(sanitized)), data, 0o644)
	}

	l.extraClasspath = append(l.extraClasspath, sanitized)
	return nil
}

// sanitizeUniversalJar strips module-info.class and the
// Automatic-Module-Name manifest attribute from the universal jar at
// srcPath, writing the result alongside it with a "-sanitized" suffix
// (spec.md §4.7: "sanitize the universal JAR... to avoid JPMS conflicts").
func sanitizeUniversalJar(srcPath string) (string, error) {
	zr, err := zip.OpenReader(srcPath)
	if err != nil {
		return "", err
	}
	defer zr.Close()

	destPath := strings.TrimSuffix(srcPath, ".jar") + "-sanitized.jar"
	out, err := os.Create(destPath)
	if err != nil {
		return "", err
	}
	defer out.Close()
	zw := zip.NewWriter(out)
	defer zw.Close()

	for _, f := range zr.File {
		if f.Name == "module-info.class" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", err
		}
		if f.Name == "META-INF/MANIFEST.MF" {
			data = stripAutomaticModuleName(data)
		}
		w, err := zw.Create(f.Name)
		if err != nil {
			return "", err
		}
		if _, err := w.Write(data); err != nil {
			return "", err
		}
	}
	return destPath, nil
}

// stripAutomaticModuleName removes the Automatic-Module-Name line from a
// jar manifest, leaving every other attribute untouched.
func stripAutomaticModuleName(manifest []byte) []byte {
	lines := strings.Split(string(manifest), "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimRight(line, "\r"), "Automatic-Module-Name:") {
			continue
		}
		kept = append(kept, line)
	}
	return []byte(strings.Join(kept, "\n"))
}

// legacyFMLMajor returns the leading major-version component of a loader
// version string (e.g. 10 for "10.13.2.1340"), or -1 if it can't be parsed;
// an unparseable version is treated as current (non-legacy) NeoForge.
func legacyFMLMajor(versionStr string) int {
	first, _, found := strings.Cut(versionStr, ".")
	if !found {
		first = versionStr
	}
	major, err := strconv.Atoi(first)
	if err != nil {
		return -1
	}
	return major
}

// buildMergedClientJar assembles the final client jar NeoForge launches
// with: the best-available patched client jar as the base, any "*-extra"
// jar overlaid first-writer-wins, module-info.class and the original
// manifest stripped, and a fresh manifest written in their place.
func (l *Loader) buildMergedClientJar(libDir string, data map[string]string, destPath string) error {
	base := firstExisting(
		data["PATCHED"],
		filepath.Join(libDir, "net", "neoforged", "neoforge", l.LoaderVersion, "neoforge-"+l.LoaderVersion+"-client.jar"),
		filepath.Join(libDir, "net", "minecraft", "client", "minecraft-client-patched-"+l.LoaderVersion+".jar"),
	)
	if base == "" {
		found, err := findBySuffix(libDir, "-srg.jar")
		if err != nil {
			return err
		}
		base = found
	}
	if base == "" {
		return fmt.Errorf("no patched client jar found to merge")
	}

	if err := paths.EnsureDir(filepath.Dir(destPath)); err != nil {
		return err
	}
	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()
	zw := zip.NewWriter(out)
	defer zw.Close()

	written := make(map[string]bool)
	copyEntries := func(jarPath string) error {
		zr, err := zip.OpenReader(jarPath)
		if err != nil {
			return err
		}
		defer zr.Close()
		for _, f := range zr.File {
			if written[f.Name] || f.Name == "module-info.class" || f.Name == "META-INF/MANIFEST.MF" {
				continue
			}
			written[f.Name] = true
			rc, err := f.Open()
			if err != nil {
				return err
			}
			w, err := zw.Create(f.Name)
			if err != nil {
				rc.Close()
				return err
			}
			if _, err := io.Copy(w, rc); err != nil {
				rc.Close()
				return err
			}
			rc.Close()
		}
		return nil
	}

	if err := copyEntries(base); err != nil {
		return err
	}
	extra, err := findBySuffix(libDir, "-extra.jar")
	if err == nil && extra != "" {
		if err := copyEntries(extra); err != nil {
			return err
		}
	}

	manifest := "Manifest-Version: 1.0\nAutomatic-Module-Name: minecraft\nMinecraft-Dists: client\n"
	w, err := zw.Create("META-INF/MANIFEST.MF")
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(manifest)); err != nil {
		return err
	}
	return nil
}

func firstExisting(candidates ...string) string {
	for _, p := range candidates {
		if p != "" && paths.FileExists(p) {
			return p
		}
	}
	return ""
}

func findBySuffix(root, suffix string) (string, error) {
	var found string
	err := paths.Walk(root, func(rel string, info os.FileInfo) error {
		if found == "" && strings.HasSuffix(rel, suffix) {
			found = filepath.Join(root, rel)
		}
		return nil
	})
	return found, err
}
