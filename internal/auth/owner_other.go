//go:build !unix

package auth

import "os"

// checkOwnerAndFixMode is a no-op on platforms without POSIX ownership
// bits; the symlink and regular-file checks in validateAndRead still apply.
func checkOwnerAndFixMode(path string, info os.FileInfo) error {
	return nil
}
