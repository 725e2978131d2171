// Package store implements the shared, content/path-addressed artifact
// cache (spec.md §4.3) that every provisioner materializes bytes through,
// guaranteeing at-most-once concurrent materialization per key.
package store

import (
	"archive/zip"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/tritium-launcher/tritium-core/src/paths"
	"github.com/tritium-launcher/tritium-core/src/tritiumerr"
)

// SharedCache is the process-wide store rooted at Root, with the
// libraries/, objects/, and indexes/ sub-roots from spec.md's data model.
type SharedCache struct {
	Root string

	// libGroup deduplicates concurrent ensureLibrary calls for the same
	// repo-relative path; objGroup does the same for ensureObject calls
	// keyed by sha1. Grounded on ct-archive-serve's zip_cache.go pattern
	// of a singleflight.Group guarding a shared cache (see DESIGN.md).
	libGroup singleflight.Group
	objGroup singleflight.Group
}

// New returns a SharedCache rooted at root. The directory is created lazily
// on first use, not here.
func New(root string) *SharedCache {
	return &SharedCache{Root: root}
}

func (c *SharedCache) LibrariesDir() string { return filepath.Join(c.Root, "libraries") }
func (c *SharedCache) ObjectsDir() string   { return filepath.Join(c.Root, "objects") }
func (c *SharedCache) IndexesDir() string   { return filepath.Join(c.Root, "indexes") }

// FetchFunc retrieves the canonical bytes for an artifact on a cache miss.
type FetchFunc func() ([]byte, error)

// Usable implements spec.md §4.3's usability predicate: exists, size > 0,
// matches expectedSize when given, and opens as a JAR/ZIP when the path
// ends in .jar (case-insensitive).
func Usable(path string, expectedSize int64) bool {
	size := paths.Size(path)
	if size <= 0 {
		return false
	}
	if expectedSize > 0 && size != expectedSize {
		return false
	}
	if strings.HasSuffix(strings.ToLower(path), ".jar") {
		return paths.IsOpenableZip(path)
	}
	return true
}

// EnsureLibrary materializes the library at repoPath (maven-layout relative
// path, e.g. "net/fabricmc/fabric-loader/0.15.7/fabric-loader-0.15.7.jar")
// into instancePath, returning the instance path on success.
//
//  1. If instancePath is already usable, return it.
//  2. Try linking/copying from the shared cache.
//  3. Fetch bytes, validate, write atomically to the shared cache, then
//     link-or-copy into the instance.
func (c *SharedCache) EnsureLibrary(instancePath, repoPath string, expectedSize int64, expectedSha1 string, fetch FetchFunc) (string, error) {
	if Usable(instancePath, expectedSize) {
		return instancePath, nil
	}

	sharedPath := filepath.Join(c.LibrariesDir(), filepath.FromSlash(repoPath))

	if Usable(sharedPath, expectedSize) {
		if LinkOrCopyFromCache(sharedPath, instancePath) == nil && Usable(instancePath, expectedSize) {
			return instancePath, nil
		}
	}

	_, err, _ := c.libGroup.Do(repoPath, func() (any, error) {
		// Re-check: another goroutine (or a previous call) may have
		// populated the shared cache while we waited for the group.
		if Usable(sharedPath, expectedSize) {
			return nil, nil
		}

		data, err := fetch()
		if err != nil {
			return nil, err
		}
		if expectedSize > 0 && int64(len(data)) != expectedSize {
			return nil, &tritiumerr.IntegrityError{Path: sharedPath, Reason: tritiumerr.SizeMismatch}
		}
		if expectedSha1 != "" {
			if got := paths.Sha1Hex(data); got != strings.ToLower(expectedSha1) {
				return nil, &tritiumerr.IntegrityError{Path: sharedPath, Reason: tritiumerr.HashMismatch}
			}
		}
		if strings.HasSuffix(strings.ToLower(sharedPath), ".jar") {
			if !isZipBytes(data) {
				return nil, &tritiumerr.IntegrityError{Path: sharedPath, Reason: tritiumerr.BadArchive}
			}
		}
		if err := paths.AtomicWrite(sharedPath, data, 0o644); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return "", fmt.Errorf("ensure library %s: %w", repoPath, err)
	}

	if err := paths.EnsureDir(filepath.Dir(instancePath)); err != nil {
		return "", err
	}
	if LinkOrCopyFromCache(sharedPath, instancePath) != nil {
		// Fall back to a direct copy; non-fatal per spec.md §4.3.
		data, err := os.ReadFile(sharedPath)
		if err != nil {
			return "", fmt.Errorf("read shared cache copy of %s: %w", repoPath, err)
		}
		if err := paths.AtomicWrite(instancePath, data, 0o644); err != nil {
			return "", err
		}
	}

	if !Usable(instancePath, expectedSize) {
		return "", &tritiumerr.IntegrityError{Path: instancePath, Reason: tritiumerr.BadArchive}
	}
	return instancePath, nil
}

// EnsureObject materializes an asset object keyed by its sha1 hash into
// objects/<hash[0:2]>/<hash>, writing to the shared cache only (asset
// objects have no instance-local copy per spec.md's data model, unless the
// caller maintains per-instance assets — see src/vanilla's linking logic).
func (c *SharedCache) EnsureObject(hash string, size int64, fetch FetchFunc) (string, error) {
	hash = strings.ToLower(hash)
	if len(hash) != 40 {
		return "", &tritiumerr.IntegrityError{Path: hash, Reason: tritiumerr.HashMismatch}
	}
	objPath := filepath.Join(c.ObjectsDir(), hash[:2], hash)

	if Usable(objPath, size) && sha1Matches(objPath, hash) {
		return objPath, nil
	}

	_, err, _ := c.objGroup.Do(hash, func() (any, error) {
		if Usable(objPath, size) && sha1Matches(objPath, hash) {
			return nil, nil
		}

		data, err := fetch()
		if err != nil {
			return nil, err
		}
		if size > 0 && int64(len(data)) != size {
			return nil, &tritiumerr.IntegrityError{Path: objPath, Reason: tritiumerr.SizeMismatch}
		}
		if got := paths.Sha1Hex(data); got != hash {
			return nil, &tritiumerr.IntegrityError{Path: objPath, Reason: tritiumerr.HashMismatch}
		}
		return nil, paths.AtomicWrite(objPath, data, 0o644)
	})
	if err != nil {
		return "", fmt.Errorf("ensure object %s: %w", hash, err)
	}
	return objPath, nil
}

func sha1Matches(path, expectedHash string) bool {
	got, err := paths.Sha1HexFile(path)
	return err == nil && got == expectedHash
}

func isZipBytes(data []byte) bool {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return false
	}
	return len(r.File) > 0
}

// LinkOrCopyFromCache attempts a hard link from src to dst, falling back to
// a byte copy. Failure is non-fatal — callers write directly instead.
func LinkOrCopyFromCache(src, dst string) error {
	if !paths.FileExists(src) {
		return fmt.Errorf("link source %s does not exist", src)
	}
	if err := paths.EnsureDir(filepath.Dir(dst)); err != nil {
		return err
	}
	os.Remove(dst) // hard link fails if dst already exists

	if err := os.Link(src, dst); err == nil {
		return nil
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return paths.AtomicWrite(dst, data, 0o644)
}
