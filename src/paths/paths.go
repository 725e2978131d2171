// Package paths provides normalized-path, atomic-write, digest, and
// archive-sniffing primitives shared by every other package in tritium-core.
package paths

import (
	"archive/zip"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
)

var tmpCounter uint64

// EnsureDir creates dir and all missing parents. Directory creation is
// treated as idempotent and non-fatal: if the first MkdirAll fails, it is
// retried once before the error is surfaced (see SPEC_FULL.md §9).
func EnsureDir(dir string) error {
	if DirExists(dir) {
		return nil
	}
	err := os.MkdirAll(dir, 0o755)
	if err == nil || DirExists(dir) {
		return nil
	}
	err = os.MkdirAll(dir, 0o755)
	if err == nil || DirExists(dir) {
		return nil
	}
	return fmt.Errorf("ensure dir %s: %w", dir, err)
}

// FileExists reports whether path exists and is a regular (non-directory) file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// DirExists reports whether path exists and is a directory.
func DirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// Size returns the size in bytes of the file at path, or -1 if it does not exist.
func Size(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return -1
	}
	return info.Size()
}

// ReadOrNil returns the contents of path, or nil if the file does not exist.
func ReadOrNil(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// AtomicWrite writes data to path by first writing to a sibling temp file
// and renaming it into place, so readers never observe a partial write.
// It publishes either the complete payload or nothing.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := EnsureDir(dir); err != nil {
		return err
	}

	n := atomic.AddUint64(&tmpCounter, 1)
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d-%d", filepath.Base(path), os.Getpid(), n))

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("atomic write %s: create temp: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("atomic write %s: write: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("atomic write %s: sync: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("atomic write %s: close: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("atomic write %s: rename: %w", path, err)
	}
	return nil
}

// AtomicCopy streams src to dst atomically, via a temp file + rename, so a
// cancelled or failed copy never leaves a partial file at dst.
func AtomicCopy(dst string, src io.Reader, perm os.FileMode) (int64, error) {
	dir := filepath.Dir(dst)
	if err := EnsureDir(dir); err != nil {
		return 0, err
	}

	n := atomic.AddUint64(&tmpCounter, 1)
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d-%d", filepath.Base(dst), os.Getpid(), n))

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return 0, fmt.Errorf("atomic copy %s: create temp: %w", dst, err)
	}

	written, err := io.Copy(f, src)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return written, fmt.Errorf("atomic copy %s: %w", dst, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return written, fmt.Errorf("atomic copy %s: sync: %w", dst, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return written, fmt.Errorf("atomic copy %s: close: %w", dst, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return written, fmt.Errorf("atomic copy %s: rename: %w", dst, err)
	}
	return written, nil
}

// Sha1Hex returns the lowercase hex SHA-1 digest of data.
func Sha1Hex(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Sha1HexFile returns the lowercase hex SHA-1 digest of the file at path.
func Sha1HexFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// IsOpenableZip reports whether path opens as a valid ZIP/JAR archive with
// at least one entry. An empty archive or a corrupt central directory both
// return false without error — callers treat "not openable" as "not usable",
// not as a hard failure.
func IsOpenableZip(path string) bool {
	r, err := zip.OpenReader(path)
	if err != nil {
		return false
	}
	defer r.Close()
	return len(r.File) > 0
}

// Walk recursively visits every regular file under root, calling fn with
// the file's path relative to root (using forward slashes, matching the
// maven/Mojang repo-layout convention used elsewhere in tritium-core).
func Walk(root string, fn func(relPath string, info os.FileInfo) error) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), info)
	})
}

// CanonicalAbs returns the realpath of path if it exists, else its
// normalized absolute form. Used to compute ProjectScope (spec.md §4.10).
func CanonicalAbs(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return filepath.Clean(abs), nil
}
