//go:build unix

package audit

import "golang.org/x/sys/unix"

func (al *Logger) freeDiskSpace() (int64, bool) {
	var stat unix.Statfs_t
	if err := unix.Statfs(al.logDir, &stat); err != nil {
		return 0, false
	}
	return int64(stat.Bavail) * int64(stat.Bsize), true
}
