//go:build unix

package auth

import (
	"os"
	"syscall"

	"github.com/axon-project/axond/internal/daemonerr"
	"github.com/axon-project/axond/internal/logger"
)

// checkOwnerAndFixMode rejects a token file owned by a UID other than the
// daemon's, and warns-and-fixes permissions when the mode drifted from
// 0600, matching daemon/token.rs's validate_and_read.
func checkOwnerAndFixMode(path string, info os.FileInfo) error {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	if int(stat.Uid) != os.Getuid() {
		return daemonerr.New(daemonerr.CodeIdentityUnreadable, "token file is not owned by the daemon's user")
	}
	if info.Mode().Perm() != tokenFileMode {
		logger.GetDefaultLogger().Warn("token file has unexpected permissions, fixing",
			logger.String("path", path), logger.String("mode", info.Mode().Perm().String()))
		_ = os.Chmod(path, tokenFileMode)
	}
	return nil
}
