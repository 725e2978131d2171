// Package fabric implements the Fabric mod-loader installer (spec.md
// §4.7): fetch loader metadata, materialize its libraries via the Artifact
// Store and Maven resolver, and produce a version-JSON patch to merge over
// the vanilla descriptor.
package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tritium-launcher/tritium-core/src/events"
	"github.com/tritium-launcher/tritium-core/src/fetch"
	"github.com/tritium-launcher/tritium-core/src/loader"
	"github.com/tritium-launcher/tritium-core/src/maven"
	"github.com/tritium-launcher/tritium-core/src/paths"
	"github.com/tritium-launcher/tritium-core/src/store"
	"github.com/tritium-launcher/tritium-core/src/version"
)

const defaultMetaBaseURL = "https://meta.fabricmc.net/v2/versions/loader/"

// metaLibrary is one entry of launcherMeta.libraries.{client,common,server}:
// a bare maven name plus the repository base URL to resolve it against.
type metaLibrary struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type loaderMeta struct {
	Loader struct {
		Maven string `json:"maven"`
	} `json:"loader"`
	Intermediary struct {
		Maven string `json:"maven"`
	} `json:"intermediary"`
	LauncherMeta struct {
		Libraries struct {
			Client []metaLibrary `json:"client"`
			Common []metaLibrary `json:"common"`
			Server []metaLibrary `json:"server"`
		} `json:"libraries"`
		MainClass version.MainClassBySide `json:"mainClass"`
		Arguments *struct {
			Game []version.ArgEntry `json:"game,omitempty"`
			JVM  []version.ArgEntry `json:"jvm,omitempty"`
		} `json:"arguments,omitempty"`
	} `json:"launcherMeta"`
}

// Loader installs a specific Fabric loader version over a given Minecraft version.
type Loader struct {
	loader.Identity

	LoaderVersion string
	MetaBaseURL   string

	Cache   *store.SharedCache
	Fetcher *fetch.Fetcher
	Events  *events.Emitter

	meta *loaderMeta
}

// New returns a Fabric Loader for loaderVersion. emitter may be nil.
func New(cache *store.SharedCache, fetcher *fetch.Fetcher, emitter *events.Emitter, loaderVersion string) *Loader {
	if emitter == nil {
		emitter = events.Nop()
	}
	return &Loader{
		LoaderVersion: loaderVersion,
		MetaBaseURL:   defaultMetaBaseURL,
		Cache:         cache,
		Fetcher:       fetcher,
		Events:        emitter,
	}
}

func (l *Loader) ID() string { return "fabric-" + l.LoaderVersion }

// ShouldStripMinecraftClientArtifacts is false: Fabric patches the running
// game via its own classloader rather than shipping a merged client jar.
func (l *Loader) ShouldStripMinecraftClientArtifacts() bool { return false }

// Install fetches Fabric's loader metadata, materializes every library
// (client ∪ common ∪ {loaderMaven, intermediaryMaven}, deduplicated by
// maven name) through the Artifact Store, and writes the loader's
// launcher-meta.json and version_patch.json under .tr/loader/fabric/.
func (l *Loader) Install(ctx context.Context, instanceDir, mcVersion string) error {
	metaURL := l.MetaBaseURL + mcVersion + "/" + l.LoaderVersion
	body, err := l.Fetcher.GetBytes(ctx, metaURL, 0, 0)
	if err != nil {
		return fmt.Errorf("fetch fabric loader meta: %w", err)
	}
	var meta loaderMeta
	if err := json.Unmarshal(body, &meta); err != nil {
		return fmt.Errorf("parse fabric loader meta: %w", err)
	}
	l.meta = &meta

	trDir := filepath.Join(instanceDir, ".tr")
	loaderDir := filepath.Join(trDir, "loader", "fabric")
	if err := paths.EnsureDir(loaderDir); err != nil {
		return err
	}
	if err := paths.AtomicWrite(filepath.Join(loaderDir, "launcher-meta.json"), body, 0o644); err != nil {
		return err
	}

	libs := dedupeLibraries(meta, l.LoaderVersion, mcVersion)
	libDir := filepath.Join(trDir, "libraries")
	for _, lib := range libs {
		if err := l.ensureLibrary(ctx, libDir, lib); err != nil {
			return fmt.Errorf("fabric library %s: %w", lib.Name, err)
		}
	}

	patch, mergedID, err := l.buildPatch(mcVersion, libs)
	if err != nil {
		return err
	}
	patchBytes, err := json.MarshalIndent(patch, "", "  ")
	if err != nil {
		return err
	}
	if err := paths.AtomicWrite(filepath.Join(loaderDir, "version_patch.json"), patchBytes, 0o644); err != nil {
		return err
	}
	l.Events.Emit("fabric_install_done", mergedID)
	return nil
}

// BuildVersionPatch reads back the version_patch.json written by Install
// and returns it along with the merged descriptor id.
func (l *Loader) BuildVersionPatch(ctx context.Context, instanceDir, mcVersion string) (*version.Descriptor, string, error) {
	patchPath := filepath.Join(instanceDir, ".tr", "loader", "fabric", "version_patch.json")
	data, err := paths.ReadOrNil(patchPath)
	if err != nil {
		return nil, "", err
	}
	if data == nil {
		return nil, "", fmt.Errorf("fabric version_patch.json not found at %s; Install must run first", patchPath)
	}
	patch, err := version.Parse(data)
	if err != nil {
		return nil, "", fmt.Errorf("parse fabric version_patch.json: %w", err)
	}
	return patch, patch.ID, nil
}

func (l *Loader) ensureLibrary(ctx context.Context, libDir string, lib metaLibrary) error {
	coord, err := maven.Parse(lib.Name)
	if err != nil {
		return err
	}
	repoPath := coord.Path()
	instPath := filepath.Join(libDir, filepath.FromSlash(repoPath))

	var urls []string
	if lib.URL != "" {
		urls = append(urls, strings.TrimRight(lib.URL, "/")+"/"+repoPath)
	}
	urls = append(urls, maven.ResolveURLs(coord)...)

	l.Events.Emit("fabric_library_download_start", lib.Name)
	_, err = l.Cache.EnsureLibrary(instPath, repoPath, 0, "", func() ([]byte, error) {
		var lastErr error
		for _, full := range urls {
			data, err := l.Fetcher.GetBytes(ctx, full, 0, 0)
			if err == nil {
				return data, nil
			}
			lastErr = err
		}
		return nil, lastErr
	})
	if err != nil {
		l.Events.Emit("fabric_library_failed", lib.Name)
		return err
	}
	l.Events.Emit("fabric_library_done", lib.Name)
	return nil
}

// dedupeLibraries builds client ∪ common ∪ {loaderMaven, intermediaryMaven},
// deduplicated by maven name (spec.md §4.7).
func dedupeLibraries(meta loaderMeta, loaderVersion, mcVersion string) []metaLibrary {
	seen := make(map[string]bool)
	var out []metaLibrary
	add := func(lib metaLibrary) {
		if lib.Name == "" || seen[lib.Name] {
			return
		}
		seen[lib.Name] = true
		out = append(out, lib)
	}
	for _, lib := range meta.LauncherMeta.Libraries.Client {
		add(lib)
	}
	for _, lib := range meta.LauncherMeta.Libraries.Common {
		add(lib)
	}
	add(metaLibrary{Name: meta.Loader.Maven})
	add(metaLibrary{Name: meta.Intermediary.Maven})
	return out
}

// buildPatch constructs the version.Descriptor patch to be merged over the
// vanilla base descriptor, with mergedID == "<mcVersion>-fabric-<loaderVersion>".
// launcherMeta.arguments (JVM/game args Fabric requires, e.g. its
// tweaker/knot-loader flags) is carried through so Merge propagates it to the
// Launch Composer alongside the vanilla base's own arguments.
func (l *Loader) buildPatch(mcVersion string, libs []metaLibrary) (*version.Descriptor, string, error) {
	mergedID := mcVersion + "-fabric-" + l.LoaderVersion

	patch := &version.Descriptor{
		ID:        mergedID,
		MainClass: l.meta.LauncherMeta.MainClass,
	}
	if l.meta.LauncherMeta.Arguments != nil {
		patch.Arguments = &struct {
			Game []version.ArgEntry `json:"game,omitempty"`
			JVM  []version.ArgEntry `json:"jvm,omitempty"`
		}{
			Game: l.meta.LauncherMeta.Arguments.Game,
			JVM:  l.meta.LauncherMeta.Arguments.JVM,
		}
	}
	for _, lib := range libs {
		patch.Libraries = append(patch.Libraries, version.Library{Name: lib.Name, URL: lib.URL})
	}
	return patch, mergedID, nil
}
