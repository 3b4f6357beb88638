package transport

import (
	"fmt"
	"net"
	"strconv"

	"gardenlink/internal/constants"
)

// Endpoint is a host and port pair, used for loopback services and remote
// peers alike.
type Endpoint struct {
	Host string
	Port int
}

func Loopback(port int) Endpoint {
	return Endpoint{Host: constants.DefaultLoopbackHost, Port: port}
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ParseEndpoint accepts "port", ":port" or "host:port". A missing host is
// replaced by defaultHost.
func ParseEndpoint(arg, defaultHost string) (Endpoint, error) {
	var ep Endpoint

	if p, err := strconv.Atoi(arg); err == nil {
		ep = Endpoint{Host: defaultHost, Port: p}
	} else {
		host, portStr, err := net.SplitHostPort(arg)
		if err != nil {
			return Endpoint{}, fmt.Errorf("invalid endpoint: %s", arg)
		}
		if host == "" {
			host = defaultHost
		}
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return Endpoint{}, fmt.Errorf("invalid port number: %s", portStr)
		}
		ep = Endpoint{Host: host, Port: p}
	}

	if ep.Port < 0 || ep.Port > constants.MaxPort {
		return Endpoint{}, fmt.Errorf("port number out of range: %d", ep.Port)
	}
	return ep, nil
}

// EndpointOf converts a TCP address to an Endpoint.
func EndpointOf(addr net.Addr) Endpoint {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return Endpoint{Host: tcp.IP.String(), Port: tcp.Port}
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return Endpoint{}
	}
	port, _ := strconv.Atoi(portStr)
	return Endpoint{Host: host, Port: port}
}
