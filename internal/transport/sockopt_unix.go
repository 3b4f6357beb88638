//go:build linux || darwin || freebsd

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// ReuseAddrControl sets SO_REUSEADDR so a restarted listener can bind a port
// whose previous connections sit in TIME_WAIT. A live listener still blocks.
func ReuseAddrControl(network, address string, c syscall.RawConn) error {
	return setSockopts(c, unix.SO_REUSEADDR)
}

// ReusePortControl additionally sets SO_REUSEPORT, letting the peer-to-peer
// listener share its port with the outbound STUN binding.
func ReusePortControl(network, address string, c syscall.RawConn) error {
	return setSockopts(c, unix.SO_REUSEADDR, unix.SO_REUSEPORT)
}

func setSockopts(c syscall.RawConn, opts ...int) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		for _, opt := range opts {
			if opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, opt, 1); opErr != nil {
				return
			}
		}
	})
	if err != nil {
		return err
	}
	return opErr
}
