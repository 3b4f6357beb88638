package transport

import (
	"net"
	"sync"
)

// connLimiter caps simultaneous connections per remote address.
type connLimiter struct {
	mu          sync.Mutex
	connections map[string]int
	maxConn     int
}

func newConnLimiter(maxConn int) *connLimiter {
	return &connLimiter{
		connections: make(map[string]int),
		maxConn:     maxConn,
	}
}

func (cl *connLimiter) TryConnect(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.connections[ip] >= cl.maxConn {
		return false
	}
	cl.connections[ip]++
	return true
}

func (cl *connLimiter) Disconnect(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.connections[ip] > 0 {
		cl.connections[ip]--
		if cl.connections[ip] == 0 {
			delete(cl.connections, ip)
		}
	}
}

// RemoteIP returns the host part of addr.
func RemoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
