// Package launch implements the Launch Composer (spec.md §4.9): it turns a
// merged version descriptor plus a loader's hooks into a fully-resolved
// java invocation (path, classpath, JVM args, game args, environment) or
// aborts before ever spawning the process.
package launch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/shlex"
	"github.com/google/uuid"

	"github.com/tritium-launcher/tritium-core/src/events"
	"github.com/tritium-launcher/tritium-core/src/javart"
	"github.com/tritium-launcher/tritium-core/src/loader"
	"github.com/tritium-launcher/tritium-core/src/store"
	"github.com/tritium-launcher/tritium-core/src/tritiumerr"
	"github.com/tritium-launcher/tritium-core/src/version"
)

const (
	defaultMaxMemoryMB  = 2048
	minMaxMemoryMB      = 512
	defaultScreenWidth  = 1920
	defaultScreenHeight = 1080
)

// Config carries everything the composer needs that isn't already present
// on the merged descriptor: account/auth fields, modpack-level overrides,
// and the per-session companion wiring.
type Config struct {
	JavaPath string // explicit override; empty means auto-resolve

	PlayerName  string
	UUID        string
	AccessToken string
	UserType    string // defaults to "msa"
	VersionType string // defaults to "release"

	LauncherName    string
	LauncherVersion string
	ClientID        string
	AuthXUID        string
	QuickPlayPath   string

	ResolutionWidth  int
	ResolutionHeight int
	Maximized        bool
	// ScreenGeometry overrides the primary-screen size used when Maximized
	// is requested and no explicit resolution was given. No pack example
	// wires a screen-geometry library (see DESIGN.md), so this defaults to
	// a fixed fallback when left nil.
	ScreenGeometry func() (width, height int)

	ExtraJVMArgs string // quoted-string, split with shlex

	MemoryMB int // modpack max heap; floor 512, default 2048

	CompanionWSPort int
}

// Plan is the fully-resolved launch the Process Manager spawns verbatim.
type Plan struct {
	JavaPath        string
	ClasspathJoined string
	Classpath       []string
	MainClass       string
	GameArgs        []string
	JVMArgs         []string
	Env             map[string]string
	WorkingDir      string
	CompanionToken  string
}

// Composer builds Plans for a single instance directory.
type Composer struct {
	Java   *javart.Resolver
	Events *events.Emitter
}

// New returns a Composer. emitter may be nil.
func New(javaResolver *javart.Resolver, emitter *events.Emitter) *Composer {
	if emitter == nil {
		emitter = events.Nop()
	}
	return &Composer{Java: javaResolver, Events: emitter}
}

var moduleClientArtifactPattern = regexp.MustCompile(`net/minecraft/client/.*(?:-srg|-slim|-extra)\.jar$`)

// Compose resolves Java, builds the classpath, and builds the game/JVM
// arguments for mcVersion's merged descriptor under instanceDir, applying
// ld's classpath/jvm-arg hooks. It returns a LaunchError and spawns nothing
// when any classpath entry cannot be resolved.
func (c *Composer) Compose(ctx context.Context, instanceDir, mcVersion string, merged *version.Descriptor, ld loader.Loader, cfg Config) (*Plan, error) {
	javaPath, err := c.Java.Resolve(ctx, mcVersion, cfg.JavaPath)
	if err != nil {
		return nil, err
	}

	trDir := filepath.Join(instanceDir, ".tr")
	libDir := filepath.Join(trDir, "libraries")
	nativesDir := filepath.Join(trDir, "natives", mcVersion)
	assetsDir := filepath.Join(trDir, "assets")

	classpath, missing := c.buildRawClasspath(libDir, instanceDir, mcVersion, merged)

	classpath = ld.PrepareClasspath(classpath)
	missing = append(missing, validateClasspath(classpath)...)
	if len(missing) > 0 {
		return nil, &tritiumerr.LaunchError{Reason: tritiumerr.MissingClasspathEntries, Details: missing}
	}
	classpath = dedupePreserveOrder(classpath)
	if len(classpath) == 0 {
		return nil, &tritiumerr.LaunchError{Reason: tritiumerr.EmptyClasspath}
	}

	mainClass := merged.MainClass.Client
	if mainClass == "" {
		return nil, &tritiumerr.LaunchError{Reason: tritiumerr.MissingMainClass}
	}

	classpathJoined := strings.Join(classpath, string(os.PathListSeparator))

	gameArgs := c.buildGameArgs(merged, cfg, instanceDir, assetsDir)
	jvmArgs := c.buildJVMArgs(merged, ld, cfg, nativesDir, libDir, classpathJoined, mcVersion, merged.ID)

	token := uuid.NewString()
	env := map[string]string{"TRITIUM_COMPANION_WS_TOKEN": token}

	return &Plan{
		JavaPath:        javaPath,
		ClasspathJoined: classpathJoined,
		Classpath:       classpath,
		MainClass:       mainClass,
		GameArgs:        gameArgs,
		JVMArgs:         jvmArgs,
		Env:             env,
		WorkingDir:      instanceDir,
		CompanionToken:  token,
	}, nil
}

// buildRawClasspath iterates merged's libraries, skipping rule-disallowed,
// non-jar, and net/minecraft/client/ entries, then appends the merged main
// jar (falling back to the vanilla client jar). Unusable entries are
// returned in missing rather than aborting immediately, so every problem
// can be reported at once.
func (c *Composer) buildRawClasspath(libDir, instanceDir, mcVersion string, merged *version.Descriptor) (entries []string, missing []string) {
	for _, lib := range merged.Libraries {
		if !version.RulesAllow(lib.Rules) {
			continue
		}
		art := lib.Downloads.Artifact
		if art == nil || art.Path == "" {
			continue
		}
		if strings.Contains(art.Path, "net/minecraft/client/") {
			continue
		}
		if !strings.HasSuffix(strings.ToLower(art.Path), ".jar") {
			continue
		}
		path := filepath.Join(libDir, filepath.FromSlash(art.Path))
		if !store.Usable(path, art.Size) {
			missing = append(missing, lib.Name)
			continue
		}
		entries = append(entries, path)
	}

	mergedJarPath := filepath.Join(instanceDir, ".tr", "versions", merged.ID, merged.ID+".jar")
	baseJarPath := filepath.Join(instanceDir, ".tr", "versions", mcVersion, mcVersion+".jar")
	mainJarPath := mergedJarPath
	if !store.Usable(mainJarPath, 0) {
		mainJarPath = baseJarPath
	}
	if !store.Usable(mainJarPath, 0) {
		missing = append(missing, mainJarPath)
	} else {
		entries = append(entries, mainJarPath)
	}

	return entries, missing
}

// validateClasspath re-checks every entry for usability; used after the
// loader's PrepareClasspath hook may have appended its own paths.
func validateClasspath(entries []string) []string {
	var missing []string
	for _, e := range entries {
		if !store.Usable(e, 0) {
			missing = append(missing, e)
		}
	}
	return missing
}

func dedupePreserveOrder(entries []string) []string {
	seen := make(map[string]bool, len(entries))
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}

var quickPlayFlagPattern = regexp.MustCompile(`^--quickPlay`)

// buildGameArgs expands merged's game-arguments tokens (already rule-filtered
// and legacy-fallback-handled by Descriptor.GameArgs), strips quickPlay/demo
// and any unresolved token, and rewrites the --width/--height pair.
func (c *Composer) buildGameArgs(merged *version.Descriptor, cfg Config, instanceDir, assetsDir string) []string {
	replacements := c.gameTokenReplacements(merged, cfg, instanceDir, assetsDir)

	expanded := make([]string, 0, len(merged.GameArgs()))
	for _, tok := range merged.GameArgs() {
		expanded = append(expanded, expandTokens(tok, replacements))
	}

	filtered := make([]string, 0, len(expanded))
	for i := 0; i < len(expanded); i++ {
		arg := expanded[i]
		switch {
		case quickPlayFlagPattern.MatchString(arg):
			i++ // drop the flag's value too
			continue
		case arg == "--demo":
			continue
		case strings.Contains(arg, "${"):
			continue
		case arg == "--width" || arg == "--height":
			i++ // drop the stale resolution pair
			continue
		}
		filtered = append(filtered, arg)
	}

	width, height := c.resolution(cfg)
	filtered = append(filtered, "--width", fmt.Sprintf("%d", width), "--height", fmt.Sprintf("%d", height))
	return filtered
}

func (c *Composer) resolution(cfg Config) (int, int) {
	if cfg.Maximized && cfg.ResolutionWidth == 0 && cfg.ResolutionHeight == 0 {
		geometry := cfg.ScreenGeometry
		if geometry == nil {
			geometry = func() (int, int) { return defaultScreenWidth, defaultScreenHeight }
		}
		return geometry()
	}
	width, height := cfg.ResolutionWidth, cfg.ResolutionHeight
	if width == 0 {
		width = defaultScreenWidth
	}
	if height == 0 {
		height = defaultScreenHeight
	}
	return width, height
}

func (c *Composer) gameTokenReplacements(merged *version.Descriptor, cfg Config, instanceDir, assetsDir string) map[string]string {
	userType := cfg.UserType
	if userType == "" {
		userType = "msa"
	}
	versionType := cfg.VersionType
	if versionType == "" {
		versionType = "release"
	}
	assetIndexName := ""
	if merged.AssetIndex != nil {
		assetIndexName = merged.AssetIndex.ID
	}
	width, height := c.resolution(cfg)

	return map[string]string{
		"${auth_player_name}":  cfg.PlayerName,
		"${version_name}":      merged.ID,
		"${game_directory}":    instanceDir,
		"${assets_root}":       assetsDir,
		"${assets_index_name}": assetIndexName,
		"${auth_uuid}":         cfg.UUID,
		"${auth_access_token}": cfg.AccessToken,
		"${user_type}":         userType,
		"${version_type}":      versionType,
		"${launcher_name}":     cfg.LauncherName,
		"${launcher_version}":  cfg.LauncherVersion,
		"${clientid}":          cfg.ClientID,
		"${auth_xuid}":         cfg.AuthXUID,
		"${resolution_width}":  fmt.Sprintf("%d", width),
		"${resolution_height}": fmt.Sprintf("%d", height),
		"${quickPlayPath}":     cfg.QuickPlayPath,
	}
}

// buildJVMArgs expands merged's jvm-arguments tokens, applies the loader's
// PrepareJvmArgs hook and optional module-path stripping, appends the
// modpack's extra args, and ensures -cp and heap flags are present.
func (c *Composer) buildJVMArgs(merged *version.Descriptor, ld loader.Loader, cfg Config, nativesDir, libDir, classpathJoined, mcVersion, mergedID string) []string {
	args := []string{
		"-Djava.library.path=" + nativesDir,
		"-Dorg.lwjgl.librarypath=" + nativesDir,
	}

	replacements := map[string]string{
		"${natives_directory}":   nativesDir,
		"${classpath_separator}": string(os.PathListSeparator),
		"${library_directory}":   libDir,
		"${classpath}":           classpathJoined,
		"${launcher_name}":       cfg.LauncherName,
		"${launcher_version}":    cfg.LauncherVersion,
		"${version_name}":        mergedID,
		"${version_id}":          mergedID,
	}
	for _, tok := range merged.JVMArgs() {
		args = append(args, expandTokens(tok, replacements))
	}

	args = ld.PrepareJvmArgs(args)

	if ld.ShouldStripMinecraftClientArtifacts() {
		args = stripModulePathClientArtifacts(args)
	}

	if extra, err := shlex.Split(cfg.ExtraJVMArgs); err == nil {
		args = append(args, extra...)
	}

	if !hasClasspathFlag(args) {
		args = append(args, "-cp", classpathJoined)
	}

	maxMB := cfg.MemoryMB
	if maxMB < minMaxMemoryMB {
		if maxMB == 0 {
			maxMB = defaultMaxMemoryMB
		} else {
			maxMB = minMaxMemoryMB
		}
	}
	minMB := maxMB
	if minMB > 1024 {
		minMB = 1024
	}
	args = append(args, fmt.Sprintf("-Xms%dM", minMB), fmt.Sprintf("-Xmx%dM", maxMB))

	if cfg.CompanionWSPort > 0 {
		args = append(args, fmt.Sprintf("-Dtritium.companion.ws.port=%d", cfg.CompanionWSPort))
	}

	return args
}

func hasClasspathFlag(args []string) bool {
	for i, a := range args {
		if a == "-cp" || a == "-classpath" {
			return i+1 < len(args) && strings.TrimSpace(args[i+1]) != ""
		}
	}
	return false
}

// stripModulePathClientArtifacts removes any entry of a "-p"/"--module-path"
// value that lies anywhere under net/minecraft/client/ and ends in -srg.jar,
// -slim.jar or -extra.jar, dropping the flag entirely if nothing remains.
func stripModulePathClientArtifacts(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if (arg == "-p" || arg == "--module-path") && i+1 < len(args) {
			entries := strings.Split(args[i+1], string(os.PathListSeparator))
			kept := entries[:0]
			for _, e := range entries {
				if !moduleClientArtifactPattern.MatchString(filepath.ToSlash(e)) {
					kept = append(kept, e)
				}
			}
			i++ // consume the value
			if len(kept) == 0 {
				continue
			}
			out = append(out, arg, strings.Join(kept, string(os.PathListSeparator)))
			continue
		}
		out = append(out, arg)
	}
	return out
}

func expandTokens(s string, replacements map[string]string) string {
	for k, v := range replacements {
		s = strings.ReplaceAll(s, k, v)
	}
	return s
}
