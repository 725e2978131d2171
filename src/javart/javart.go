// Package javart resolves a Java runtime executable for a given Minecraft
// version (spec.md §4.9 "resolve Java runtime"): a configured path first,
// then a runtime already managed under the Resolver's JavaDir, then a
// system-wide detector, and finally an Adoptium download as a last resort.
package javart

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"

	"github.com/mholt/archiver/v3"

	"github.com/tritium-launcher/tritium-core/src/events"
	"github.com/tritium-launcher/tritium-core/src/fetch"
	"github.com/tritium-launcher/tritium-core/src/paths"
	"github.com/tritium-launcher/tritium-core/src/tritiumerr"
)

const adoptiumAPIBase = "https://api.adoptium.net/v3/assets/latest/"

// RequiredMajor returns the Java major version a Minecraft version needs
// (spec.md §4.9): 8 for ≤1.16.x, 17 for 1.17–1.20.x, 21 for 1.21–1.21.x,
// 25 for 26.x.
func RequiredMajor(mcVersion string) (int, error) {
	major, minor, ok := splitReleaseVersion(mcVersion)
	if !ok {
		return 0, &tritiumerr.ResolutionError{What: tritiumerr.UnknownMCVersion, Detail: mcVersion}
	}
	switch {
	case major == 26:
		return 25, nil
	case major == 1 && minor >= 21:
		return 21, nil
	case major == 1 && minor >= 17:
		return 17, nil
	case major == 1:
		return 8, nil
	default:
		return 0, &tritiumerr.ResolutionError{What: tritiumerr.UnknownMCVersion, Detail: mcVersion}
	}
}

var releaseVersionPattern = regexp.MustCompile(`^(\d+)\.(\d+)(?:\.\d+)?`)

func splitReleaseVersion(mcVersion string) (major, minor int, ok bool) {
	m := releaseVersionPattern.FindStringSubmatch(mcVersion)
	if m == nil {
		return 0, 0, false
	}
	major, _ = strconv.Atoi(m[1])
	minor, _ = strconv.Atoi(m[2])
	return major, minor, true
}

// Resolver resolves and, if necessary, provisions a Java runtime.
type Resolver struct {
	// JavaDir is the root under which downloaded runtimes are extracted,
	// one subdirectory per major version.
	JavaDir string

	Fetcher *fetch.Fetcher
	Events  *events.Emitter

	// Architecture and Platform override the Adoptium query's arch/os
	// fields; empty means derive them from runtime.GOARCH/runtime.GOOS.
	Architecture string
	Platform     string

	// AdoptiumBaseURL overrides adoptiumAPIBase; tests point this at a
	// local httptest.Server instead of the real Adoptium API.
	AdoptiumBaseURL string
}

// New returns a Resolver rooted at javaDir.
func New(javaDir string, fetcher *fetch.Fetcher, emitter *events.Emitter) *Resolver {
	if emitter == nil {
		emitter = events.Nop()
	}
	return &Resolver{JavaDir: javaDir, Fetcher: fetcher, Events: emitter, AdoptiumBaseURL: adoptiumAPIBase}
}

// Resolve returns the path to a Java executable satisfying mcVersion's
// required major, per spec.md §4.9's four-step order: configured path,
// managed runtime directory, system-wide detection, download fallback.
func (r *Resolver) Resolve(ctx context.Context, mcVersion, configuredPath string) (string, error) {
	major, err := RequiredMajor(mcVersion)
	if err != nil {
		return "", err
	}

	if configuredPath != "" && paths.FileExists(configuredPath) {
		if gotMajor, err := probeMajor(configuredPath); err == nil && gotMajor == major {
			r.Events.Emit("javart_resolved", map[string]any{"source": "configured", "path": configuredPath})
			return configuredPath, nil
		}
		r.Events.Emit("javart_configured_rejected", map[string]any{"path": configuredPath})
	}

	if exe, err := r.findManaged(major); err == nil {
		r.Events.Emit("javart_resolved", map[string]any{"source": "managed", "path": exe})
		return exe, nil
	}

	if exe, ok := DetectBest(major); ok {
		r.Events.Emit("javart_resolved", map[string]any{"source": "detected", "path": exe})
		return exe, nil
	}

	r.Events.Emit("javart_download_start", major)
	exe, err := r.download(ctx, major)
	if err != nil {
		return "", &tritiumerr.ResolutionError{What: tritiumerr.MissingJava, Detail: err.Error()}
	}
	r.Events.Emit("javart_resolved", map[string]any{"source": "downloaded", "path": exe})
	return exe, nil
}

func (r *Resolver) majorDir(major int) string {
	return filepath.Join(r.JavaDir, strconv.Itoa(major))
}

// findManaged looks for a previously downloaded runtime under JavaDir and
// returns its executable if its reported major version still matches.
func (r *Resolver) findManaged(major int) (string, error) {
	dir := r.majorDir(major)
	if !paths.DirExists(dir) {
		return "", fmt.Errorf("no managed runtime under %s", dir)
	}
	exe, err := findJavaExecutable(dir)
	if err != nil {
		return "", err
	}
	gotMajor, err := probeMajor(exe)
	if err != nil || gotMajor != major {
		return "", fmt.Errorf("managed runtime at %s reports major %d, want %d", exe, gotMajor, major)
	}
	return exe, nil
}

// findJavaExecutable walks dir for the java/java.exe binary a freshly
// extracted JDK/JRE ships (typically under a "bin" directory one or two
// levels below the extraction root).
func findJavaExecutable(dir string) (string, error) {
	name := "java"
	if runtime.GOOS == "windows" {
		name = "java.exe"
	}
	var found string
	err := paths.Walk(dir, func(relPath string, info os.FileInfo) error {
		if found != "" {
			return nil
		}
		if filepath.Base(relPath) == name {
			found = filepath.Join(dir, filepath.FromSlash(relPath))
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("no %s executable found under %s", name, dir)
	}
	return found, nil
}

// DetectBest searches PATH plus the platform's conventional install
// locations for a java executable reporting the required major version.
func DetectBest(major int) (string, bool) {
	candidates := candidatePaths()
	for _, exe := range candidates {
		gotMajor, err := probeMajor(exe)
		if err == nil && gotMajor == major {
			return exe, true
		}
	}
	return "", false
}

func candidatePaths() []string {
	var out []string
	name := "java"
	if runtime.GOOS == "windows" {
		name = "java.exe"
	}
	if exe, err := exec.LookPath(name); err == nil {
		out = append(out, exe)
	}
	for _, dir := range commonInstallDirs() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			exe := filepath.Join(dir, entry.Name(), "bin", name)
			if paths.FileExists(exe) {
				out = append(out, exe)
			}
		}
	}
	return out
}

func commonInstallDirs() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"/Library/Java/JavaVirtualMachines"}
	case "windows":
		return []string{`C:\Program Files\Java`, `C:\Program Files\Eclipse Adoptium`}
	default:
		return []string{"/usr/lib/jvm"}
	}
}

// probeMajor runs "<exe> -version" and parses the major version out of
// its stderr banner (e.g. `openjdk version "17.0.9"` or the legacy
// `java version "1.8.0_392"` form).
func probeMajor(exe string) (int, error) {
	cmd := exec.Command(exe, "-version")
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, err
	}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	scanner := bufio.NewScanner(stderr)
	var firstLine string
	if scanner.Scan() {
		firstLine = scanner.Text()
	}
	_ = cmd.Wait()

	return parseMajorFromVersionBanner(firstLine)
}

var versionBannerPattern = regexp.MustCompile(`version "(\d+)(?:\.(\d+))?`)

func parseMajorFromVersionBanner(line string) (int, error) {
	m := versionBannerPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, fmt.Errorf("unrecognized java -version output: %q", line)
	}
	major, _ := strconv.Atoi(m[1])
	if major == 1 && m[2] != "" {
		// Legacy "1.8" style: the real major is the second component.
		major, _ = strconv.Atoi(m[2])
	}
	return major, nil
}

type adoptiumRelease struct {
	Binary adoptiumBinary `json:"binary"`
}

type adoptiumBinary struct {
	Package adoptiumPackage `json:"package"`
}

type adoptiumPackage struct {
	Name string `json:"name"`
	Link string `json:"link"`
}

// download fetches and extracts an Adoptium JRE for major into
// JavaDir/<major>, returning the extracted java executable's path.
func (r *Resolver) download(ctx context.Context, major int) (string, error) {
	arch := r.Architecture
	if arch == "" {
		arch = adoptiumArch(runtime.GOARCH)
	}
	platform := r.Platform
	if platform == "" {
		platform = adoptiumOS(runtime.GOOS)
	}

	base := r.AdoptiumBaseURL
	if base == "" {
		base = adoptiumAPIBase
	}
	url := fmt.Sprintf("%s%d/hotspot?image_type=jre&os=%s&architecture=%s", base, major, platform, arch)
	body, err := r.Fetcher.GetBytes(ctx, url, 0, 0)
	if err != nil {
		return "", fmt.Errorf("query adoptium metadata: %w", err)
	}

	var releases []adoptiumRelease
	if err := json.Unmarshal(body, &releases); err != nil {
		return "", fmt.Errorf("parse adoptium metadata: %w", err)
	}
	if len(releases) == 0 || releases[0].Binary.Package.Link == "" {
		return "", fmt.Errorf("no adoptium release found for major %d (%s/%s)", major, platform, arch)
	}
	pkg := releases[0].Binary.Package

	archiveBytes, err := r.Fetcher.GetBytes(ctx, pkg.Link, 0, 0)
	if err != nil {
		return "", fmt.Errorf("download adoptium runtime: %w", err)
	}

	destDir := r.majorDir(major)
	if err := paths.EnsureDir(destDir); err != nil {
		return "", err
	}

	tmpArchive := filepath.Join(destDir, pkg.Name)
	if err := paths.AtomicWrite(tmpArchive, archiveBytes, 0o644); err != nil {
		return "", err
	}
	defer os.Remove(tmpArchive)

	if err := archiver.Unarchive(tmpArchive, destDir); err != nil {
		return "", &tritiumerr.IntegrityError{Path: tmpArchive, Reason: tritiumerr.BadArchive}
	}

	exe, err := findJavaExecutable(destDir)
	if err != nil {
		return "", err
	}
	return exe, nil
}

func adoptiumArch(goarch string) string {
	switch goarch {
	case "amd64":
		return "x64"
	case "arm64":
		return "aarch64"
	case "386":
		return "x86"
	default:
		return goarch
	}
}

func adoptiumOS(goos string) string {
	switch goos {
	case "darwin":
		return "mac"
	default:
		return goos
	}
}
