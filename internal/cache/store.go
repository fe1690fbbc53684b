// Package cache implements the crash-safe, content-addressed cache store:
// on-disk layout under <cache_root>/{pkg,spec,locks,shell}, per-entry
// inter-process flocks, and rename-based phase sentinels. Entry
// completeness is attested solely by sentinel files, so a crashed writer
// leaves at most partial sub-directories that the next holder redoes.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/kobo-build/anvil/internal/log"
)

// Store owns the on-disk cache layout rooted at Root.
type Store struct {
	Root        string
	LockRetries int
	LockBackoff time.Duration
	Logger      log.Logger
}

// New constructs a Store rooted at root, creating the standard sub-trees
// (pkg/, spec/, locks/, shell/) if absent.
func New(root string, lockRetries int, lockBackoff time.Duration, logger log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.NewNoop()
	}
	s := &Store{Root: root, LockRetries: lockRetries, LockBackoff: lockBackoff, Logger: logger}
	for _, sub := range []string{"pkg", "spec", "locks", "shell"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0755); err != nil {
			return nil, &IoError{Op: "mkdir", Path: filepath.Join(root, sub), Err: err}
		}
	}
	return s, nil
}

// PkgEntry names the directories and sentinels of one package cache entry
// (pkg/<platform>/<arch>/<identity>/<variant_hash>/).
type PkgEntry struct {
	Path    string // <cache>/pkg/<platform>/<arch>/<identity>/<variant_hash>
	Fetch   string
	Stage   string
	Install string
	Tmp     string
}

// ComputePkgPath derives an entry's path from its coordinates. Pure;
// no lock or I/O.
func (s *Store) ComputePkgPath(identity, platform, arch, variantHash string) string {
	return filepath.Join(s.Root, "pkg", platform, arch, identity, variantHash)
}

func pkgEntry(path string) PkgEntry {
	return PkgEntry{
		Path:    path,
		Fetch:   filepath.Join(path, "fetch"),
		Stage:   filepath.Join(path, "stage"),
		Install: filepath.Join(path, "install"),
		Tmp:     filepath.Join(path, "tmp"),
	}
}

func (e PkgEntry) completeFetch() string   { return filepath.Join(e.Path, ".complete-fetch") }
func (e PkgEntry) completeInstall() string { return filepath.Join(e.Path, ".complete-install") }

// Handle is the slow-path handle returned by EnsurePkg when the entry
// wasn't already published. Releasing it (Close) without calling the
// matching Mark*Complete leaves the sentinel absent, so the entry is
// redone on the next attempt.
type Handle struct {
	store *Store
	entry PkgEntry
	lock  *fileLock
}

// FetchDir, StageDir, InstallDir, TmpDir expose the entry's working
// directories.
func (h *Handle) FetchDir() string   { return h.entry.Fetch }
func (h *Handle) StageDir() string   { return h.entry.Stage }
func (h *Handle) InstallDir() string { return h.entry.Install }
func (h *Handle) TmpDir() string     { return h.entry.Tmp }

// MarkFetchComplete writes the .complete-fetch sentinel via
// write+fsync+rename.
func (h *Handle) MarkFetchComplete() error {
	if err := os.MkdirAll(h.entry.Fetch, 0755); err != nil {
		return &IoError{Op: "mkdir", Path: h.entry.Fetch, Err: err}
	}
	return writeSentinel(h.entry.completeFetch())
}

// MarkInstallComplete assembles install/ atomically: the payload is built
// inside stage/ and renamed to install/ in one step, then the
// .complete-install sentinel is written.
//
// stageInstallSubdir is the path, inside StageDir(), holding the finished
// install payload (conventionally "<stage>/install"). A recipe whose
// callbacks produced no payload still publishes an (empty) install/.
func (h *Handle) MarkInstallComplete(stageInstallSubdir string) error {
	if _, err := os.Stat(h.entry.Install); err == nil {
		return writeSentinel(h.entry.completeInstall()) // renamed by a previous unfinished attempt
	}
	if _, err := os.Stat(stageInstallSubdir); os.IsNotExist(err) {
		if err := os.MkdirAll(stageInstallSubdir, 0755); err != nil {
			return &IoError{Op: "mkdir", Path: stageInstallSubdir, Err: err}
		}
	}
	if err := os.Rename(stageInstallSubdir, h.entry.Install); err != nil {
		return &IoError{Op: "rename install", Path: stageInstallSubdir, Err: err}
	}
	return writeSentinel(h.entry.completeInstall())
}

// Close releases the handle's lock without writing any sentinel. Safe to
// call after Mark*Complete; idempotent.
func (h *Handle) Close() error {
	if h.lock == nil {
		return nil
	}
	err := h.lock.unlock()
	h.lock = nil
	return err
}

// writeSentinel creates an empty sentinel file via a temp-file-then-rename
// so a crash never leaves a half-written sentinel.
func writeSentinel(path string) error {
	tmp := path + ".tmp-" + uuid.NewString()
	f, err := os.Create(tmp)
	if err != nil {
		return &IoError{Op: "create sentinel", Path: tmp, Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return &IoError{Op: "fsync sentinel", Path: tmp, Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return &IoError{Op: "close sentinel", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &IoError{Op: "rename sentinel", Path: path, Err: err}
	}
	return nil
}

// EnsurePkgResult is the result of EnsurePkg: either the fast path (entry
// already published, Handle is nil) or the slow path (Handle non-nil,
// caller owns the lock and must Close it, calling Mark*Complete first on
// success).
type EnsurePkgResult struct {
	Entry      PkgEntry
	InstallDir string // populated on the fast path
	Handle     *Handle
}

// FastPath reports whether the entry was already published
// (.complete-install present) when EnsurePkg was called.
func (r EnsurePkgResult) FastPath() bool { return r.Handle == nil }

// EnsurePkg returns the entry for the given coordinates. Fast path: when
// .complete-install already exists no lock is taken, and the caller may
// assume install/ is fully populated. Slow path otherwise, with
// double-checked locking.
func (s *Store) EnsurePkg(identity, platform, arch, variantHash string) (EnsurePkgResult, error) {
	path := s.ComputePkgPath(identity, platform, arch, variantHash)
	entry := pkgEntry(path)

	if _, err := os.Stat(entry.completeInstall()); err == nil {
		s.Logger.Debug("cache fast path", "identity", identity, "variant_hash", variantHash)
		return EnsurePkgResult{Entry: entry, InstallDir: entry.Install}, nil
	}

	lockPath := filepath.Join(s.Root, "locks", fmt.Sprintf("packages.%s.%s.lock", identity, variantHash))
	lock, err := acquireLock(lockPath, s.LockRetries, s.LockBackoff)
	if err != nil {
		return EnsurePkgResult{}, err
	}

	// Double-checked: another process may have finished between our first
	// stat and acquiring the lock.
	if _, err := os.Stat(entry.completeInstall()); err == nil {
		lock.unlock()
		s.Logger.Debug("cache fast path after lock race", "identity", identity, "variant_hash", variantHash)
		return EnsurePkgResult{Entry: entry, InstallDir: entry.Install}, nil
	}

	for _, dir := range []string{entry.Fetch, entry.Stage, entry.Tmp} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			lock.unlock()
			return EnsurePkgResult{}, &IoError{Op: "mkdir", Path: dir, Err: err}
		}
	}

	s.Logger.Debug("cache slow path acquired", "identity", identity, "variant_hash", variantHash, "path", path)
	return EnsurePkgResult{Entry: entry, Handle: &Handle{store: s, entry: entry, lock: lock}}, nil
}

// SpecEntry names the directories/sentinels of one spec cache entry
// (spec/<identity>/).
type SpecEntry struct {
	Path       string
	SourceFile string
}

func specEntry(root, identity string) SpecEntry {
	path := filepath.Join(root, "spec", identity)
	return SpecEntry{Path: path, SourceFile: filepath.Join(path, "source")}
}

func (e SpecEntry) complete() string { return filepath.Join(e.Path, ".complete") }

// SpecHandle is the slow-path handle for a spec cache entry.
type SpecHandle struct {
	entry SpecEntry
	lock  *fileLock
}

// SourceFile is the path callers should write the canonical recipe body to.
func (h *SpecHandle) SourceFile() string { return h.entry.SourceFile }

// MarkComplete writes the spec entry's completion sentinel.
func (h *SpecHandle) MarkComplete() error { return writeSentinel(h.entry.complete()) }

// Close releases the handle's lock.
func (h *SpecHandle) Close() error {
	if h.lock == nil {
		return nil
	}
	err := h.lock.unlock()
	h.lock = nil
	return err
}

// EnsureSpecResult mirrors EnsurePkgResult for spec entries.
type EnsureSpecResult struct {
	Entry      SpecEntry
	SourceFile string // populated on the fast path
	Handle     *SpecHandle
}

// FastPath reports whether the spec entry was already published.
func (r EnsureSpecResult) FastPath() bool { return r.Handle == nil }

// EnsureSpec is EnsurePkg's analogue for recipe-source entries.
func (s *Store) EnsureSpec(identity string) (EnsureSpecResult, error) {
	entry := specEntry(s.Root, identity)

	if _, err := os.Stat(entry.complete()); err == nil {
		return EnsureSpecResult{Entry: entry, SourceFile: entry.SourceFile}, nil
	}

	lockPath := filepath.Join(s.Root, "locks", fmt.Sprintf("spec.%s.lock", identity))
	lock, err := acquireLock(lockPath, s.LockRetries, s.LockBackoff)
	if err != nil {
		return EnsureSpecResult{}, err
	}

	if _, err := os.Stat(entry.complete()); err == nil {
		lock.unlock()
		return EnsureSpecResult{Entry: entry, SourceFile: entry.SourceFile}, nil
	}

	if err := os.MkdirAll(entry.Path, 0755); err != nil {
		lock.unlock()
		return EnsureSpecResult{}, &IoError{Op: "mkdir", Path: entry.Path, Err: err}
	}

	return EnsureSpecResult{Entry: entry, Handle: &SpecHandle{entry: entry, lock: lock}}, nil
}
