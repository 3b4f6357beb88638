// Package nat finds the address under which a local port is reachable from
// the internet.
package nat

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pion/stun"
	"github.com/sirupsen/logrus"

	"gardenlink/internal/constants"
	"gardenlink/internal/logger"
	"gardenlink/internal/transport"
)

var ErrNoMapping = errors.New("no public mapping in STUN response")

// Traversal opens and closes public mappings for local ports.
type Traversal interface {
	OpenPublicPort(ctx context.Context, localPort int) (transport.Endpoint, error)
	ClosePublicPort(ctx context.Context, localPort int) error
}

// New returns a STUN traversal when server is set, otherwise one that
// reports the station's own address.
func New(server string, timeout time.Duration, log *logrus.Entry) Traversal {
	if server == "" {
		return Direct{}
	}
	return NewSTUN(server, timeout, log)
}

// Direct assumes the station is reachable as is, e.g. on a LAN.
type Direct struct{}

func (Direct) OpenPublicPort(_ context.Context, localPort int) (transport.Endpoint, error) {
	return transport.Endpoint{Host: outboundIP(), Port: localPort}, nil
}

func (Direct) ClosePublicPort(context.Context, int) error { return nil }

// outboundIP picks the first non-loopback IPv4 address of the host.
func outboundIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return constants.DefaultLoopbackHost
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok || ipn.IP.IsLoopback() {
			continue
		}
		if ip4 := ipn.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return constants.DefaultLoopbackHost
}

// STUN discovers the public endpoint with a binding request sent over TCP
// from the local port itself, so the NAT mapping it reports belongs to that
// port. The listener on the port must allow address reuse.
type STUN struct {
	server  string
	timeout time.Duration
	log     *logrus.Entry

	mu     sync.Mutex
	mapped map[int]transport.Endpoint
}

func NewSTUN(server string, timeout time.Duration, log *logrus.Entry) *STUN {
	if timeout <= 0 {
		timeout = constants.DefaultConnectTimeout
	}
	return &STUN{
		server:  server,
		timeout: timeout,
		log:     logger.OrDiscard(log),
		mapped:  make(map[int]transport.Endpoint),
	}
}

// OpenPublicPort asks the STUN server how localPort is seen from outside.
// A localPort of 0 binds an ephemeral port.
func (s *STUN) OpenPublicPort(ctx context.Context, localPort int) (transport.Endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	d := net.Dialer{Control: transport.ReusePortControl}
	if localPort > 0 {
		d.LocalAddr = &net.TCPAddr{Port: localPort}
	}
	conn, err := d.DialContext(ctx, "tcp", s.server)
	if err != nil {
		return transport.Endpoint{}, fmt.Errorf("failed to connect to STUN server: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	ep, err := bind(conn)
	if err != nil {
		return transport.Endpoint{}, fmt.Errorf("STUN binding request failed: %w", err)
	}

	s.mu.Lock()
	s.mapped[localPort] = ep
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"local_port": localPort, "public": ep.String()}).Info("Discovered public endpoint")
	return ep, nil
}

// ClosePublicPort forgets the mapping. STUN bindings are not leased, the NAT
// drops them once idle.
func (s *STUN) ClosePublicPort(_ context.Context, localPort int) error {
	s.mu.Lock()
	delete(s.mapped, localPort)
	s.mu.Unlock()
	return nil
}

// Mapped returns the last endpoint discovered for localPort.
func (s *STUN) Mapped(localPort int) (transport.Endpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.mapped[localPort]
	return ep, ok
}

const headerSize = 20

func bind(rw io.ReadWriter) (transport.Endpoint, error) {
	req, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if err != nil {
		return transport.Endpoint{}, err
	}
	if _, err := req.WriteTo(rw); err != nil {
		return transport.Endpoint{}, err
	}

	res, err := readMessage(rw)
	if err != nil {
		return transport.Endpoint{}, err
	}
	if res.TransactionID != req.TransactionID {
		return transport.Endpoint{}, errors.New("transaction id mismatch")
	}
	if res.Type != stun.BindingSuccess {
		var code stun.ErrorCodeAttribute
		if code.GetFrom(res) == nil {
			return transport.Endpoint{}, fmt.Errorf("binding rejected: %s", code)
		}
		return transport.Endpoint{}, fmt.Errorf("unexpected response %s", res.Type)
	}

	var xor stun.XORMappedAddress
	if err := xor.GetFrom(res); err == nil {
		return transport.Endpoint{Host: xor.IP.String(), Port: xor.Port}, nil
	}
	var mapped stun.MappedAddress
	if err := mapped.GetFrom(res); err == nil {
		return transport.Endpoint{Host: mapped.IP.String(), Port: mapped.Port}, nil
	}
	return transport.Endpoint{}, ErrNoMapping
}

// readMessage reads one STUN message from a stream. Over TCP messages are
// delimited by the length field of their header.
func readMessage(r io.Reader) (*stun.Message, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}
	if !stun.IsMessage(raw) {
		return nil, errors.New("not a STUN message")
	}
	bodyLen := int(binary.BigEndian.Uint16(raw[2:4]))
	raw = append(raw, make([]byte, bodyLen)...)
	if _, err := io.ReadFull(r, raw[headerSize:]); err != nil {
		return nil, err
	}

	m := &stun.Message{Raw: raw}
	if err := m.Decode(); err != nil {
		return nil, err
	}
	return m, nil
}
