// Package cachegc implements Cache Maintenance (spec.md §4.8): a
// 12-hour-gated sampled scrub of the Artifact Store followed by a
// reachability-based garbage collection of asset indexes and objects.
package cachegc

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tritium-launcher/tritium-core/src/events"
	"github.com/tritium-launcher/tritium-core/src/paths"
	"github.com/tritium-launcher/tritium-core/src/store"
	"github.com/tritium-launcher/tritium-core/src/version"
)

const (
	gateInterval       = 12 * time.Hour
	assetSampleSize    = 160
	librarySampleSize  = 64
	maxObjectDeletions = 200_000
	stampFileName      = ".gc-stamp"
)

// Report summarizes one Maintain run.
type Report struct {
	ScrubbedAssets        int
	ScrubbedLibraries     int
	IndexesDeleted        int
	ObjectsDeleted        int
	EmptyDirsPruned       int
	ObjectDeletionsCapped bool
}

// GC runs Cache Maintenance against a SharedCache.
type GC struct {
	Cache  *store.SharedCache
	Events *events.Emitter

	// StampPath overrides the default <cache root>/.gc-stamp gate file.
	StampPath string

	// Now and Rand are overridable for deterministic tests; both default
	// to time.Now and a process-global rand source.
	Now  func() time.Time
	Rand *rand.Rand
}

// New returns a GC for cache. emitter may be nil.
func New(cache *store.SharedCache, emitter *events.Emitter) *GC {
	if emitter == nil {
		emitter = events.Nop()
	}
	return &GC{
		Cache:  cache,
		Events: emitter,
		Now:    time.Now,
		Rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (g *GC) stampPath() string {
	if g.StampPath != "" {
		return g.StampPath
	}
	return filepath.Join(g.Cache.Root, stampFileName)
}

// ShouldRun reports whether at least gateInterval has elapsed since the
// last recorded run (or no run has ever been recorded).
func (g *GC) ShouldRun() bool {
	data, err := paths.ReadOrNil(g.stampPath())
	if err != nil || data == nil {
		return true
	}
	last, err := time.Parse(time.RFC3339, strings.TrimSpace(string(data)))
	if err != nil {
		return true
	}
	return g.Now().Sub(last) >= gateInterval
}

func (g *GC) recordRun() error {
	return paths.AtomicWrite(g.stampPath(), []byte(g.Now().Format(time.RFC3339)), 0o644)
}

// Maintain runs the full Cache Maintenance cycle if ShouldRun reports true,
// scanning instanceDirs (each a project's target directory) for reachable
// version descriptors. It records a fresh stamp when a cycle completes;
// when nothing is due it returns an empty Report and leaves the stamp as is.
func (g *GC) Maintain(instanceDirs []string) (Report, error) {
	if !g.ShouldRun() {
		return Report{}, nil
	}

	var report Report

	scrubbedAssets, err := g.scrubAssets()
	if err != nil {
		g.Events.Emit("cachegc_scrub_assets_failed", err.Error())
	}
	report.ScrubbedAssets = scrubbedAssets

	scrubbedLibs, err := g.scrubLibraries()
	if err != nil {
		g.Events.Emit("cachegc_scrub_libraries_failed", err.Error())
	}
	report.ScrubbedLibraries = scrubbedLibs

	if err := g.reachabilityGC(instanceDirs, &report); err != nil {
		g.Events.Emit("cachegc_reachability_failed", err.Error())
	}

	if err := g.recordRun(); err != nil {
		return report, fmt.Errorf("record gc stamp: %w", err)
	}
	g.Events.Emit("cachegc_done", report)
	return report, nil
}

// scrubAssets draws a reservoir sample of up to assetSampleSize object
// files, rejects (deletes) any whose content sha1 doesn't match its
// filename, and returns the count examined.
func (g *GC) scrubAssets() (int, error) {
	objectsDir := g.Cache.ObjectsDir()
	if !paths.DirExists(objectsDir) {
		return 0, nil
	}
	var all []string
	err := paths.Walk(objectsDir, func(relPath string, info os.FileInfo) error {
		all = append(all, filepath.Join(objectsDir, filepath.FromSlash(relPath)))
		return nil
	})
	if err != nil {
		return 0, err
	}

	sample := reservoirSample(all, assetSampleSize, g.Rand)
	for _, path := range sample {
		hash := strings.ToLower(filepath.Base(path))
		got, err := paths.Sha1HexFile(path)
		if err != nil || got != hash {
			os.Remove(path)
			g.Events.Emit("cachegc_asset_evicted", path)
		}
	}
	return len(sample), nil
}

// scrubLibraries draws a reservoir sample of up to librarySampleSize
// library jars under the shared cache and deletes any that fail the
// usability predicate.
func (g *GC) scrubLibraries() (int, error) {
	libDir := g.Cache.LibrariesDir()
	if !paths.DirExists(libDir) {
		return 0, nil
	}
	var jars []string
	err := paths.Walk(libDir, func(relPath string, info os.FileInfo) error {
		if strings.HasSuffix(strings.ToLower(relPath), ".jar") {
			jars = append(jars, filepath.Join(libDir, filepath.FromSlash(relPath)))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	sample := reservoirSample(jars, librarySampleSize, g.Rand)
	for _, path := range sample {
		if !store.Usable(path, 0) {
			os.Remove(path)
			g.Events.Emit("cachegc_library_evicted", path)
		}
	}
	return len(sample), nil
}

// reservoirSample implements Algorithm R, returning up to k elements of
// items sampled uniformly without replacement. items is never mutated.
func reservoirSample(items []string, k int, rnd *rand.Rand) []string {
	if len(items) <= k {
		out := make([]string, len(items))
		copy(out, items)
		return out
	}
	out := make([]string, k)
	copy(out, items[:k])
	for i := k; i < len(items); i++ {
		j := rnd.Intn(i + 1)
		if j < k {
			out[j] = items[i]
		}
	}
	return out
}

type assetIndexFile struct {
	Objects map[string]struct {
		Hash string `json:"hash"`
		Size int64  `json:"size"`
	} `json:"objects"`
}

// reachabilityGC collects every assetIndex.id reachable from any project's
// version descriptors, deletes unreachable index files first (fully, before
// any object deletion begins, per spec.md §4.8's "never deletes under a
// non-reachable root mid-scan" guarantee), then walks objects/ deleting
// anything not named by a reachable hash.
func (g *GC) reachabilityGC(instanceDirs []string, report *Report) error {
	reachableIDs, err := collectReachableAssetIndexIDs(instanceDirs)
	if err != nil {
		return err
	}

	indexesDir := g.Cache.IndexesDir()
	var remainingIndexPaths []string
	if paths.DirExists(indexesDir) {
		entries, err := os.ReadDir(indexesDir)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			id := strings.TrimSuffix(entry.Name(), ".json")
			full := filepath.Join(indexesDir, entry.Name())
			if reachableIDs[id] {
				remainingIndexPaths = append(remainingIndexPaths, full)
				continue
			}
			if err := os.Remove(full); err == nil {
				report.IndexesDeleted++
				g.Events.Emit("cachegc_index_deleted", full)
			}
		}
	}

	reachableHashes := make(map[string]bool)
	for _, indexPath := range remainingIndexPaths {
		data, err := os.ReadFile(indexPath)
		if err != nil {
			g.Events.Emit("cachegc_index_read_failed", indexPath)
			continue
		}
		var idx assetIndexFile
		if err := json.Unmarshal(data, &idx); err != nil {
			g.Events.Emit("cachegc_index_parse_failed", indexPath)
			continue
		}
		for _, obj := range idx.Objects {
			reachableHashes[strings.ToLower(obj.Hash)] = true
		}
	}

	objectsDir := g.Cache.ObjectsDir()
	if !paths.DirExists(objectsDir) {
		return nil
	}

	deleted := 0
	err = paths.Walk(objectsDir, func(relPath string, info os.FileInfo) error {
		if deleted >= maxObjectDeletions {
			return nil
		}
		name := strings.ToLower(filepath.Base(relPath))
		if isValidSha1Hex(name) && reachableHashes[name] {
			return nil
		}
		full := filepath.Join(objectsDir, filepath.FromSlash(relPath))
		if err := os.Remove(full); err == nil {
			deleted++
		}
		return nil
	})
	if err != nil {
		return err
	}
	report.ObjectsDeleted = deleted
	report.ObjectDeletionsCapped = deleted >= maxObjectDeletions

	pruned := pruneEmptyDirs(objectsDir)
	report.EmptyDirsPruned = pruned
	return nil
}

var hexDigits = "0123456789abcdef"

func isValidSha1Hex(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune(hexDigits, c) {
			return false
		}
	}
	return true
}

// collectReachableAssetIndexIDs scans <instanceDir>/.tr/versions/**/*.json
// under every instanceDir and collects the assetIndex.id each descriptor
// references.
func collectReachableAssetIndexIDs(instanceDirs []string) (map[string]bool, error) {
	ids := make(map[string]bool)
	for _, instanceDir := range instanceDirs {
		versionsDir := filepath.Join(instanceDir, ".tr", "versions")
		if !paths.DirExists(versionsDir) {
			continue
		}
		err := paths.Walk(versionsDir, func(relPath string, info os.FileInfo) error {
			if !strings.HasSuffix(relPath, ".json") {
				return nil
			}
			data, err := os.ReadFile(filepath.Join(versionsDir, filepath.FromSlash(relPath)))
			if err != nil {
				return nil
			}
			desc, err := version.Parse(data)
			if err != nil || desc.AssetIndex == nil {
				return nil
			}
			ids[desc.AssetIndex.ID] = true
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// pruneEmptyDirs removes every directory under root (root itself excluded)
// that is empty after object deletion, working bottom-up so a directory
// emptied by pruning its last child subdirectory is itself removed.
func pruneEmptyDirs(root string) int {
	var dirs []string
	filepathWalkDirs(root, &dirs)
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))

	pruned := 0
	for _, dir := range dirs {
		if dir == root {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		if len(entries) == 0 {
			if os.Remove(dir) == nil {
				pruned++
			}
		}
	}
	return pruned
}

// filepathWalkDirs enumerates every directory under root (root included).
// paths.Walk only visits files, so directories are walked directly here.
func filepathWalkDirs(root string, out *[]string) {
	var collect func(dir string)
	collect = func(dir string) {
		*out = append(*out, dir)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, entry := range entries {
			if entry.IsDir() {
				collect(filepath.Join(dir, entry.Name()))
			}
		}
	}
	collect(root)
}
