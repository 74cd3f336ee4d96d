//go:build !windows

package preflight

import "path/filepath"

// checkVolumeExists is a no-op on Unix, every path hangs off "/".
func checkVolumeExists(string) error {
	return nil
}

// isUnsafeRoot reports whether path is "." or "/".
func isUnsafeRoot(path string) bool {
	return path == "." || path == string(filepath.Separator)
}
