//go:build linux

package transport

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

const tcpEstablished = 1

// checkAlive asks the kernel for the TCP state of the socket under c. Anything
// other than ESTABLISHED means the peer is gone.
func checkAlive(c net.Conn) error {
	sc := socketOf(c)
	if sc == nil {
		return nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}

	var info *unix.TCPInfo
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		info, sockErr = unix.GetsockoptTCPInfo(int(fd), unix.IPPROTO_TCP, unix.TCP_INFO)
	})
	if ctrlErr != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, ctrlErr)
	}
	if sockErr != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, sockErr)
	}
	if info.State != tcpEstablished {
		return fmt.Errorf("%w: tcp state %d", ErrConnectionClosed, info.State)
	}
	return nil
}
