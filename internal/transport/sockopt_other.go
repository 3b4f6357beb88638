//go:build !(linux || darwin || freebsd)

package transport

import "syscall"

func ReuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}

func ReusePortControl(network, address string, c syscall.RawConn) error {
	return nil
}
