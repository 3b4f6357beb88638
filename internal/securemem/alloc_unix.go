//go:build unix

package securemem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// alloc maps anonymous memory and tries to lock it so it is never swapped.
// Locking is best effort: RLIMIT_MEMLOCK is often tiny in containers.
func alloc(n int) ([]byte, func([]byte), error) {
	if n == 0 {
		return []byte{}, func([]byte) {}, nil
	}
	data, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap %d bytes: %w", n, err)
	}
	locked := unix.Mlock(data) == nil

	free := func(b []byte) {
		if locked {
			unix.Munlock(b)
		}
		unix.Munmap(b)
	}
	return data, free, nil
}
