package transport

import (
	"net"
	"syscall"
)

// socketOf walks NetConn() wrappers (TLS, websockets) down to the socket.
func socketOf(c net.Conn) syscall.Conn {
	for i := 0; i < 8 && c != nil; i++ {
		if sc, ok := c.(syscall.Conn); ok {
			return sc
		}
		u, ok := c.(interface{ NetConn() net.Conn })
		if !ok {
			return nil
		}
		c = u.NetConn()
	}
	return nil
}
