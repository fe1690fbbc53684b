package shim

import "os"

// userCacheDir wraps os.UserCacheDir for platform.go's DefaultCacheRoot,
// which falls back to ./.anvil-cache when it returns an error.
func userCacheDir() (string, error) {
	return os.UserCacheDir()
}
