package cache

import (
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kobo-build/anvil/internal/log"
)

// GCStats summarizes a garbage-collection sweep over pkg/ entries.
type GCStats struct {
	ScannedEntries int
	RemovedEntries int
	FreedBytes     int64
}

// String renders a human-readable summary.
func (s GCStats) String() string {
	return humanize.Bytes(uint64(s.FreedBytes)) + " freed across " +
		humanize.Comma(int64(s.RemovedEntries)) + " entries"
}

// GC sweeps <root>/pkg for entries whose .complete-install sentinel is
// older than maxAge, removing the entry wholesale. An entry missing
// .complete-install entirely (a crashed or fetch-only entry) is never
// touched here — only TryCleanupStale handles those, since a bare age
// threshold can't distinguish "crashed" from "in progress." Exposed as
// `anvil cache gc`.
func GC(root string, maxAge time.Duration, logger log.Logger) (GCStats, error) {
	if logger == nil {
		logger = log.NewNoop()
	}
	var stats GCStats
	pkgRoot := filepath.Join(root, "pkg")

	cutoff := time.Now().Add(-maxAge)

	err := walkEntries(pkgRoot, func(entryPath string) error {
		stats.ScannedEntries++
		sentinel := filepath.Join(entryPath, ".complete-install")
		info, err := os.Stat(sentinel)
		if err != nil {
			return nil // not a completed entry; leave it alone
		}
		if info.ModTime().After(cutoff) {
			return nil // still fresh
		}

		size, err := dirSize(entryPath)
		if err != nil {
			return err
		}
		if err := os.RemoveAll(entryPath); err != nil {
			return &IoError{Op: "remove", Path: entryPath, Err: err}
		}
		stats.RemovedEntries++
		stats.FreedBytes += size
		logger.Debug("gc removed entry", "path", entryPath, "age", time.Since(info.ModTime()))
		return nil
	})
	return stats, err
}

// TryCleanupStale reclaims scratch space from entries that never reached
// .complete-install — the crashed-writer case. Since the phase engine
// already re-does incomplete phases on its own, this is purely disk
// hygiene: it clears tmp/ trees left behind by a process that never
// returned.
func TryCleanupStale(root string, logger log.Logger) (GCStats, error) {
	if logger == nil {
		logger = log.NewNoop()
	}
	var stats GCStats
	pkgRoot := filepath.Join(root, "pkg")

	err := walkEntries(pkgRoot, func(entryPath string) error {
		stats.ScannedEntries++
		if _, err := os.Stat(filepath.Join(entryPath, ".complete-install")); err == nil {
			return nil // finished entries are never "stale"
		}
		tmp := filepath.Join(entryPath, "tmp")
		info, err := os.Stat(tmp)
		if err != nil {
			return nil
		}
		// No reliable cross-platform way to check "is some process still
		// writing here" beyond the entry's own flock, which TryCleanupStale
		// deliberately doesn't attempt to seize (that's EnsurePkg's job on
		// next use). Only tmp/ scratch older than an hour is cleared; tmp/
		// is purgeable at any time by contract.
		if time.Since(info.ModTime()) < time.Hour {
			return nil
		}
		size, err := dirSize(tmp)
		if err != nil {
			return err
		}
		if err := os.RemoveAll(tmp); err != nil {
			return &IoError{Op: "remove", Path: tmp, Err: err}
		}
		if err := os.MkdirAll(tmp, 0755); err != nil {
			return &IoError{Op: "mkdir", Path: tmp, Err: err}
		}
		stats.RemovedEntries++
		stats.FreedBytes += size
		return nil
	})
	return stats, err
}

// walkEntries calls fn once per variant-hash leaf directory under
// <root>/pkg/<platform>/<arch>/<identity>/<variant_hash>.
func walkEntries(pkgRoot string, fn func(entryPath string) error) error {
	platforms, err := os.ReadDir(pkgRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &IoError{Op: "readdir", Path: pkgRoot, Err: err}
	}
	for _, plat := range platforms {
		if !plat.IsDir() {
			continue
		}
		archRoot := filepath.Join(pkgRoot, plat.Name())
		archs, err := os.ReadDir(archRoot)
		if err != nil {
			continue
		}
		for _, arch := range archs {
			if !arch.IsDir() {
				continue
			}
			identRoot := filepath.Join(archRoot, arch.Name())
			if err := walkIdentities(identRoot, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// walkIdentities descends an arch directory's identity subtree (one
// directory per identity, named by the full identity string), finding
// variant_hash leaves anywhere beneath it.
func walkIdentities(dir string, fn func(entryPath string) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if isVariantLeaf(path) {
			if err := fn(path); err != nil {
				return err
			}
			continue
		}
		if err := walkIdentities(path, fn); err != nil {
			return err
		}
	}
	return nil
}

// isVariantLeaf reports whether dir looks like a variant_hash entry
// (contains a fetch/, stage/, install/, or tmp/ subdirectory) rather than
// an intermediate identity-path segment.
func isVariantLeaf(dir string) bool {
	for _, sub := range []string{"fetch", "stage", "install", "tmp"} {
		if info, err := os.Stat(filepath.Join(dir, sub)); err == nil && info.IsDir() {
			return true
		}
	}
	return false
}

func dirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}
