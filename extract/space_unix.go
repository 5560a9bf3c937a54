//go:build unix

package extract

import (
	"syscall"

	"github.com/modlift/modlift/base"
)

// diskFree returns the free bytes on the filesystem holding path, or -1
// when the query fails.
func diskFree(path base.AbsolutePath) int64 {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path.String(), &stat); err != nil {
		return -1
	}
	return int64(stat.Bavail) * stat.Bsize //nolint:gosec // block counts fit int64
}
