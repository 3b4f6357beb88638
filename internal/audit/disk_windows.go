//go:build windows

package audit

import "golang.org/x/sys/windows"

func (al *Logger) freeDiskSpace() (int64, bool) {
	pathPtr, err := windows.UTF16PtrFromString(al.logDir)
	if err != nil {
		return 0, false
	}

	var freeBytes uint64
	if err := windows.GetDiskFreeSpaceEx(pathPtr, &freeBytes, nil, nil); err != nil {
		return 0, false
	}
	return int64(freeBytes), true
}
