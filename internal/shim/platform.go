// Package shim holds the narrow external-interface adapters the core
// requires: fetchers, extractors, a hasher, a shell runner, and platform
// detection. The phase engine and cache store depend only on the
// interfaces here, never on a concrete implementation, so a host program
// can substitute its own (e.g. a test double, or a signing-aware
// extractor).
package shim

import (
	"path/filepath"
	"runtime"
)

// Platform reports the operating system, architecture, and cache-root
// default for the current host.
type Platform interface {
	OSName() string
	ArchName() string
	DefaultCacheRoot() string
}

// hostPlatform is the default Platform, backed by runtime.GOOS/GOARCH.
type hostPlatform struct{}

// Host returns the Platform shim for the running process.
func Host() Platform { return hostPlatform{} }

func (hostPlatform) OSName() string   { return runtime.GOOS }
func (hostPlatform) ArchName() string { return runtime.GOARCH }

// DefaultCacheRoot returns the platform-conventional cache directory:
// $XDG_CACHE_HOME/anvil on Linux-likes (via os.UserCacheDir, which already
// honors XDG_CACHE_HOME and macOS's ~/Library/Caches), joined with "anvil".
func (hostPlatform) DefaultCacheRoot() string {
	dir, err := userCacheDir()
	if err != nil {
		return filepath.Join(".", ".anvil-cache")
	}
	return filepath.Join(dir, "anvil")
}
