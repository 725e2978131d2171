// Package vanilla implements the Vanilla Provisioner (spec.md §4.6): it
// ensures a vanilla Minecraft version's JSON, client jar, libraries,
// natives, logging config, and assets are present under an instance
// directory, fanning work out over the Artifact Store with the
// concurrency formulas spec.md prescribes.
package vanilla

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tritium-launcher/tritium-core/src/events"
	"github.com/tritium-launcher/tritium-core/src/fetch"
	"github.com/tritium-launcher/tritium-core/src/paths"
	"github.com/tritium-launcher/tritium-core/src/store"
	"github.com/tritium-launcher/tritium-core/src/tritiumerr"
	"github.com/tritium-launcher/tritium-core/src/version"
)

const (
	versionManifestURL = "https://launchermeta.mojang.com/mc/game/version_manifest.json"
	assetBaseURL       = "https://resources.download.minecraft.net/"
)

// manifestEntry is one row of the Mojang version manifest.
type manifestEntry struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type versionManifest struct {
	Versions []manifestEntry `json:"versions"`
}

// assetIndexFile is the parsed form of assets/indexes/<id>.json.
type assetIndexFile struct {
	Objects map[string]struct {
		Hash string `json:"hash"`
		Size int64  `json:"size"`
	} `json:"objects"`
}

// Result is what Ensure returns: the paths it materialized and the parsed
// vanilla descriptor, ready to be merged with a loader patch.
type Result struct {
	VersionJSONPath string
	ClientJarPath   string
	NativesDir      string
	AssetsDir       string
	Descriptor      *version.Descriptor
}

// Provisioner ensures vanilla Minecraft artifacts through the shared cache.
// ManifestURL and AssetBaseURL default to Mojang's endpoints but are
// exported so tests can point them at a local httptest.Server.
type Provisioner struct {
	Cache   *store.SharedCache
	Fetcher *fetch.Fetcher
	Events  *events.Emitter

	ManifestURL  string
	AssetBaseURL string
}

// New returns a Provisioner. emitter may be nil, in which case a no-op
// emitter is used.
func New(cache *store.SharedCache, fetcher *fetch.Fetcher, emitter *events.Emitter) *Provisioner {
	if emitter == nil {
		emitter = events.Nop()
	}
	return &Provisioner{
		Cache:        cache,
		Fetcher:      fetcher,
		Events:       emitter,
		ManifestURL:  versionManifestURL,
		AssetBaseURL: assetBaseURL,
	}
}

// Ensure provisions every vanilla artifact for mcVersion under
// instanceDir/.tr, running libraries/natives/logging and assets
// concurrently per spec.md §4.6, and returns once everything has settled.
func (p *Provisioner) Ensure(ctx context.Context, instanceDir, mcVersion string) (*Result, error) {
	trDir := filepath.Join(instanceDir, ".tr")

	entry, err := p.resolveManifestEntry(ctx, mcVersion)
	if err != nil {
		return nil, err
	}

	metaBytes, err := p.Fetcher.GetBytes(ctx, entry.URL, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("fetch version metadata for %s: %w", mcVersion, err)
	}
	desc, err := version.Parse(metaBytes)
	if err != nil {
		return nil, fmt.Errorf("parse version metadata for %s: %w", mcVersion, err)
	}

	versionDir := filepath.Join(trDir, "versions", mcVersion)
	jsonPath := filepath.Join(versionDir, mcVersion+".json")
	if err := paths.AtomicWrite(jsonPath, metaBytes, 0o644); err != nil {
		return nil, err
	}
	p.Events.Emit("version_json_saved", jsonPath)

	res := &Result{VersionJSONPath: jsonPath, Descriptor: desc, NativesDir: filepath.Join(trDir, "natives", mcVersion)}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		jarPath := filepath.Join(versionDir, mcVersion+".jar")
		if desc.Downloads.Client == nil {
			return &tritiumerr.ResolutionError{What: tritiumerr.UnknownMCVersion, Detail: "no client download declared for " + mcVersion}
		}
		p.Events.Emit("client_jar_start", jarPath)
		path, err := p.Cache.EnsureLibrary(jarPath, filepath.Join("versions", mcVersion, mcVersion+".jar"),
			desc.Downloads.Client.Size, desc.Downloads.Client.SHA1, p.fetchFunc(gctx, desc.Downloads.Client.URL, desc.Downloads.Client.Size))
		if err != nil {
			return fmt.Errorf("client jar: %w", err)
		}
		res.ClientJarPath = path
		p.Events.Emit("client_jar_done", path)
		return nil
	})

	g.Go(func() error {
		return p.ensureLibrariesAndNatives(gctx, trDir, mcVersion, desc.Libraries, res.NativesDir)
	})

	g.Go(func() error {
		return p.ensureLogging(gctx, trDir, desc)
	})

	g.Go(func() error {
		assetsDir, err := p.ensureAssets(gctx, trDir, desc)
		if err != nil {
			return err
		}
		res.AssetsDir = assetsDir
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

func (p *Provisioner) resolveManifestEntry(ctx context.Context, mcVersion string) (*manifestEntry, error) {
	body, err := p.Fetcher.GetBytes(ctx, p.ManifestURL, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("fetch version manifest: %w", err)
	}
	var manifest versionManifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return nil, fmt.Errorf("parse version manifest: %w", err)
	}
	for i := range manifest.Versions {
		if manifest.Versions[i].ID == mcVersion {
			return &manifest.Versions[i], nil
		}
	}
	return nil, &tritiumerr.ResolutionError{What: tritiumerr.UnknownMCVersion, Detail: mcVersion}
}

func (p *Provisioner) fetchFunc(ctx context.Context, url string, size int64) store.FetchFunc {
	return func() ([]byte, error) {
		return p.Fetcher.GetBytes(ctx, url, 0, size)
	}
}

// libraryConcurrency implements spec.md §4.6's library concurrency formula:
// clamp(cores*4, 8, min(targetByTotal, 24)) where targetByTotal is
// 14/16/24 for totals <600/<1200/>=1200.
func libraryConcurrency(total int) int64 {
	target := 24
	switch {
	case total < 600:
		target = 14
	case total < 1200:
		target = 16
	}
	return int64(clamp(runtime.NumCPU()*4, 8, min(target, 24)))
}

// assetConcurrency implements spec.md §4.6's asset concurrency formula:
// clamp(cores*5, 16, min(targetByTotal, 64)) where targetByTotal is
// 32/48/56/64 for totals <3000/<6000/<10000/>=10000.
func assetConcurrency(total int) int64 {
	target := 64
	switch {
	case total < 3000:
		target = 32
	case total < 6000:
		target = 48
	case total < 10000:
		target = 56
	}
	return int64(clamp(runtime.NumCPU()*5, 16, min(target, 64)))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ensureLibrariesAndNatives materializes every rule-applicable library and,
// for ones carrying a matching natives classifier, extracts it into
// natives/<mcVersion>/ honoring extract.exclude prefixes.
func (p *Provisioner) ensureLibrariesAndNatives(ctx context.Context, trDir, mcVersion string, libs []version.Library, nativesDir string) error {
	applicable := make([]version.Library, 0, len(libs))
	for _, lib := range libs {
		if version.RulesAllow(lib.Rules) {
			applicable = append(applicable, lib)
		} else {
			p.Events.Emit("library_skipped", lib.Name)
		}
	}

	sem := semaphore.NewWeighted(libraryConcurrency(len(applicable)))
	g, gctx := errgroup.WithContext(ctx)
	libDir := filepath.Join(trDir, "libraries")

	for _, lib := range applicable {
		lib := lib
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			return p.ensureOneLibrary(gctx, libDir, nativesDir, lib)
		})
	}
	return g.Wait()
}

func (p *Provisioner) ensureOneLibrary(ctx context.Context, libDir, nativesDir string, lib version.Library) error {
	if art := lib.Downloads.Artifact; art != nil && art.Path != "" {
		instPath := filepath.Join(libDir, filepath.FromSlash(art.Path))
		p.Events.Emit("library_download_start", lib.Name)
		_, err := p.Cache.EnsureLibrary(instPath, art.Path, art.Size, art.SHA1, p.fetchFunc(ctx, art.URL, art.Size))
		if err != nil {
			p.Events.Emit("library_failed", lib.Name)
			return fmt.Errorf("library %s: %w", lib.Name, err)
		}
		p.Events.Emit("library_done", lib.Name)
	}

	classifierKey, hasNative := lib.NativeClassifierKey()
	if !hasNative {
		return nil
	}
	classifier, ok := lib.Downloads.Classifiers[classifierKey]
	if !ok || classifier.Path == "" {
		return nil
	}

	nativeJarPath := filepath.Join(libDir, filepath.FromSlash(classifier.Path))
	p.Events.Emit("native_download_start", lib.Name)
	path, err := p.Cache.EnsureLibrary(nativeJarPath, classifier.Path, classifier.Size, classifier.SHA1, p.fetchFunc(ctx, classifier.URL, classifier.Size))
	if err != nil {
		p.Events.Emit("native_failed", lib.Name)
		return fmt.Errorf("native %s: %w", lib.Name, err)
	}

	var exclude []string
	if lib.Extract != nil {
		exclude = lib.Extract.Exclude
	}
	if err := extractNatives(path, nativesDir, exclude); err != nil {
		return fmt.Errorf("extract natives %s: %w", lib.Name, err)
	}
	p.Events.Emit("native_extracted", lib.Name)
	return nil
}

// extractNatives unpacks every entry of the classifier jar at jarPath into
// destDir, skipping entries whose name carries any of the exclude prefixes
// (e.g. "META-INF/") per spec.md §4.6.
func extractNatives(jarPath, destDir string, exclude []string) error {
	r, err := zip.OpenReader(jarPath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		skip := false
		for _, prefix := range exclude {
			if strings.HasPrefix(f.Name, prefix) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return err
		}
		outPath := filepath.Join(destDir, filepath.FromSlash(f.Name))
		if err := paths.AtomicWrite(outPath, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provisioner) ensureLogging(ctx context.Context, trDir string, desc *version.Descriptor) error {
	if desc.Logging == nil || desc.Logging.Client == nil {
		return nil
	}
	file := desc.Logging.Client.File
	if file.URL == "" || file.Path == "" {
		return nil
	}
	dest := filepath.Join(trDir, "assets", "log_configs", filepath.Base(file.Path))
	p.Events.Emit("logging_config_start", dest)
	_, err := p.Cache.EnsureLibrary(dest, filepath.Join("log_configs", filepath.Base(file.Path)), file.Size, file.SHA1, p.fetchFunc(ctx, file.URL, file.Size))
	if err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	p.Events.Emit("logging_config_done", dest)
	return nil
}

// ensureAssets downloads the asset index and every referenced object, then
// links or copies the shared assets root into the instance per spec.md
// §4.6's shared-assets linking rule. It returns the directory assets ended
// up usable under (the instance's .tr/assets, whether a symlink or real dir).
func (p *Provisioner) ensureAssets(ctx context.Context, trDir string, desc *version.Descriptor) (string, error) {
	if desc.AssetIndex == nil {
		return "", nil
	}
	ref := desc.AssetIndex
	indexPath := filepath.Join(p.Cache.IndexesDir(), ref.ID+".json")

	var raw []byte
	if paths.FileExists(indexPath) && (ref.SHA1 == "" || sha1FileMatches(indexPath, ref.SHA1)) {
		var err error
		raw, err = os.ReadFile(indexPath)
		if err != nil {
			return "", fmt.Errorf("asset index %s: %w", ref.ID, err)
		}
	} else {
		body, err := p.Fetcher.GetBytes(ctx, ref.URL, 0, ref.Size)
		if err != nil {
			return "", fmt.Errorf("asset index %s: %w", ref.ID, err)
		}
		if ref.SHA1 != "" {
			if got := paths.Sha1Hex(body); got != strings.ToLower(ref.SHA1) {
				return "", &tritiumerr.IntegrityError{Path: indexPath, Reason: tritiumerr.HashMismatch}
			}
		}
		if err := paths.AtomicWrite(indexPath, body, 0o644); err != nil {
			return "", fmt.Errorf("asset index %s: %w", ref.ID, err)
		}
		raw = body
	}
	p.Events.Emit("asset_index_done", ref.ID)

	var index assetIndexFile
	if err := json.Unmarshal(raw, &index); err != nil {
		return "", fmt.Errorf("parse asset index %s: %w", ref.ID, err)
	}

	if err := p.ensureObjectsWithRetry(ctx, index); err != nil {
		return "", err
	}

	assetsDir := filepath.Join(trDir, "assets")
	if err := p.linkSharedAssets(assetsDir); err != nil {
		p.Events.Emit("assets_per_instance", err.Error())
	}
	return assetsDir, nil
}

// ensureObjectsWithRetry downloads every asset object at the primary
// concurrency, retries the failures once at a concurrency capped to 8 (per
// spec.md §4.6), and surfaces a PartialFailureError with up to 8 sample
// hashes if failures persist.
func (p *Provisioner) ensureObjectsWithRetry(ctx context.Context, index assetIndexFile) error {
	type object struct{ hash string; size int64 }
	objects := make([]object, 0, len(index.Objects))
	for _, o := range index.Objects {
		objects = append(objects, object{hash: o.Hash, size: o.Size})
	}

	fetchAll := func(items []object, concurrency int64) ([]string, []error) {
		sem := semaphore.NewWeighted(concurrency)
		var failedMu sync.Mutex
		var failed []string
		var errs []error

		var g errgroup.Group
		for _, o := range items {
			o := o
			g.Go(func() error {
				if err := sem.Acquire(ctx, 1); err != nil {
					return nil
				}
				defer sem.Release(1)
				_, err := p.Cache.EnsureObject(o.hash, o.size, p.fetchFunc(ctx, p.AssetBaseURL+o.hash[:2]+"/"+o.hash, o.size))
				if err != nil {
					failedMu.Lock()
					failed = append(failed, o.hash)
					errs = append(errs, err)
					failedMu.Unlock()
				}
				return nil
			})
		}
		g.Wait()
		return failed, errs
	}

	firstPassFailed, _ := fetchAll(objects, assetConcurrency(len(objects)))
	p.Events.Emit("assets_first_pass_done", len(objects)-len(firstPassFailed))
	if len(firstPassFailed) == 0 {
		return nil
	}

	retryItems := make([]object, 0, len(firstPassFailed))
	byHash := make(map[string]object, len(objects))
	for _, o := range objects {
		byHash[o.hash] = o
	}
	for _, h := range firstPassFailed {
		retryItems = append(retryItems, byHash[h])
	}

	secondPassFailed, secondPassErrs := fetchAll(retryItems, 8)
	if len(secondPassFailed) == 0 {
		p.Events.Emit("assets_retry_recovered", len(firstPassFailed))
		return nil
	}

	sort.Strings(secondPassFailed)
	samples := secondPassFailed
	if len(samples) > 8 {
		samples = samples[:8]
	}
	return &tritiumerr.PartialFailureError{
		Op:      "ensure assets",
		Total:   len(objects),
		Failed:  len(secondPassFailed),
		Samples: samples,
		Cause:   errors.Join(secondPassErrs...),
	}
}

// linkSharedAssets attempts to symlink assetsDir to the shared cache root
// when assetsDir does not yet exist, so --assetsDir resolves to the same
// indexes/ and objects/ trees EnsureObject and the index fetch just
// populated (p.Cache.IndexesDir()/p.Cache.ObjectsDir() are both rooted at
// p.Cache.Root, not a "assets" subdirectory of it); an existing real
// directory is respected as per-instance assets, and a failed symlink
// falls back to per-instance (spec.md §4.6).
func (p *Provisioner) linkSharedAssets(assetsDir string) error {
	if paths.DirExists(assetsDir) {
		return nil // existing directory (symlink or real) respected as-is
	}
	if err := paths.EnsureDir(filepath.Dir(assetsDir)); err != nil {
		return err
	}
	if err := os.Symlink(p.Cache.Root, assetsDir); err != nil {
		return paths.EnsureDir(assetsDir)
	}
	return nil
}

func sha1FileMatches(path, expectedHex string) bool {
	got, err := paths.Sha1HexFile(path)
	return err == nil && got == strings.ToLower(expectedHex)
}
