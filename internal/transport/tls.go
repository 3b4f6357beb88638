package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"

	"gardenlink/internal/crypto"
)

var ErrCertificateRejected = errors.New("peer certificate rejected")

// Handshake upgrades a freshly connected stream. Client runs on the dialing
// side, Server on the accepting side.
type Handshake interface {
	Client(ctx context.Context, conn net.Conn) (net.Conn, error)
	Server(ctx context.Context, conn net.Conn) (net.Conn, error)
}

// Plain leaves the stream untouched.
type Plain struct{}

func (Plain) Client(_ context.Context, conn net.Conn) (net.Conn, error) { return conn, nil }
func (Plain) Server(_ context.Context, conn net.Conn) (net.Conn, error) { return conn, nil }

// TLS runs a TLS handshake with Config on either side.
type TLS struct {
	Config *tls.Config
}

func (h TLS) Client(ctx context.Context, conn net.Conn) (net.Conn, error) {
	tc := tls.Client(conn, h.Config)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, handshakeErr(err)
	}
	return tc, nil
}

func (h TLS) Server(ctx context.Context, conn net.Conn) (net.Conn, error) {
	tc := tls.Server(conn, h.Config)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, handshakeErr(err)
	}
	return tc, nil
}

func handshakeErr(err error) error {
	if errors.Is(err, ErrCertificateRejected) {
		return err
	}
	return fmt.Errorf("tls handshake: %w", err)
}

// NewTLSServer serves cert with TLS 1.2 or newer.
func NewTLSServer(cert tls.Certificate) TLS {
	return TLS{Config: &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}}
}

// NewTLSServerFunc asks get for the certificate on every handshake, so a
// replaced certificate is served without restarting the listener.
func NewTLSServerFunc(get func(*tls.ClientHelloInfo) (*tls.Certificate, error)) TLS {
	return TLS{Config: &tls.Config{
		GetCertificate: get,
		MinVersion:     tls.VersionTLS12,
	}}
}

// NewPinnedTLSClient accepts exactly the peer whose leaf certificate has the
// given thumbprint. Hostname and chain checks are replaced by the pin. An
// empty thumbprint falls back to the system roots.
func NewPinnedTLSClient(serverName, thumbprint string) TLS {
	if thumbprint == "" {
		return TLS{Config: &tls.Config{
			ServerName: serverName,
			MinVersion: tls.VersionTLS12,
		}}
	}

	return TLS{Config: &tls.Config{
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("%w: no certificate presented", ErrCertificateRejected)
			}
			got := crypto.Thumbprint(rawCerts[0])
			if !crypto.ThumbprintEqual(got, thumbprint) {
				return fmt.Errorf("%w: thumbprint %s", ErrCertificateRejected, got)
			}
			return nil
		},
	}}
}
