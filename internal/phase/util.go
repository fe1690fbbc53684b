package phase

import "os"

// writeFile writes data to path, creating parent permissions the caller's
// cache.Store.EnsureSpec already established.
func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0644)
}
