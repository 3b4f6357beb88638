package keyexchange

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gardenlink/internal/audit"
	"gardenlink/internal/certs"
	"gardenlink/internal/constants"
	"gardenlink/internal/keyring"
	"gardenlink/internal/logger"
	"gardenlink/internal/securemem"
	"gardenlink/internal/transport"
)

var (
	ErrAckMismatch    = errors.New("acknowledgement mismatch")
	ErrNotInitialized = errors.New("key exchange not initialized")
)

type KeyProvider interface {
	Acquire(ctx context.Context) (*keyring.Material, error)
}

type CertificateProvider interface {
	GetCurrentServerCertificate(ctx context.Context) (*certs.Certificate, error)
}

// Manager hands the channel key and IV to clients over TLS, one client at a
// time. Each secret must be acknowledged before the next one is sent.
type Manager struct {
	log       *logrus.Entry
	audit     *audit.Logger
	ioTimeout time.Duration
	guard     *failureGuard

	mu       sync.Mutex
	keys     KeyProvider
	certs    CertificateProvider
	listener *transport.Listener
}

func NewManager(ioTimeout time.Duration, log *logrus.Entry, al *audit.Logger) *Manager {
	if ioTimeout <= 0 {
		ioTimeout = constants.DefaultIOTimeout
	}
	return &Manager{
		log:       logger.OrDiscard(log),
		audit:     al,
		ioTimeout: ioTimeout,
		guard:     newFailureGuard(constants.MaxPairingFailures, constants.PairingBlockDuration),
	}
}

func (m *Manager) Init(keys KeyProvider, cp CertificateProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = keys
	m.certs = cp
}

// Start listens on port (all interfaces). A busy port returns
// transport.ErrPortNotFree; the caller is expected to carry on without key
// exchange.
func (m *Manager) Start(ctx context.Context, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil || m.certs == nil {
		return ErrNotInitialized
	}
	if m.listener != nil {
		return fmt.Errorf("key exchange already listening on %s", m.listener.Endpoint())
	}

	if _, err := m.certs.GetCurrentServerCertificate(ctx); err != nil {
		return err
	}
	cp := m.certs
	getCertificate := func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		cert, err := cp.GetCurrentServerCertificate(hello.Context())
		if err != nil {
			return nil, err
		}
		tc := cert.TLS()
		return &tc, nil
	}

	l := transport.NewListener(transport.ListenerSettings{
		Endpoint: transport.Endpoint{Port: port},
		Mode:     transport.Serial,
		Conn: transport.Settings{
			SendTimeout:    m.ioTimeout,
			ReceiveTimeout: m.ioTimeout,
			Handshake:      transport.NewTLSServerFunc(getCertificate),
		},
	}, m.handle, m.log)

	if err := l.Start(ctx); err != nil {
		if errors.Is(err, transport.ErrPortNotFree) {
			m.log.WithField("port", port).Error("Key exchange port is not free")
		}
		return err
	}
	m.listener = l
	return nil
}

// Endpoint reports where the manager listens.
func (m *Manager) Endpoint() transport.Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return transport.Endpoint{}
	}
	return m.listener.Endpoint()
}

func (m *Manager) Stop() {
	m.mu.Lock()
	l := m.listener
	m.listener = nil
	m.mu.Unlock()
	if l != nil {
		l.Stop()
	}
}

func (m *Manager) handle(ctx context.Context, c *transport.Conn) {
	remote := c.RemoteAddr().String()
	ip := transport.RemoteIP(c.RemoteAddr())
	log := m.log.WithField("remote", remote)
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).WithField("stack", string(debug.Stack())).Error("Key exchange panicked")
		}
	}()

	if !m.guard.Check(ip) {
		log.Warn("Address blocked after repeated failed exchanges")
		return
	}

	m.mu.Lock()
	keys := m.keys
	m.mu.Unlock()

	material, err := keys.Acquire(ctx)
	if err != nil {
		log.WithError(err).Error("Channel key unavailable")
		return
	}
	defer material.Release()

	key, err := material.Key.Copy()
	if err != nil {
		log.WithError(err).Error("Channel key unavailable")
		return
	}
	defer securemem.Scrub(key)
	iv, err := material.IV.Copy()
	if err != nil {
		log.WithError(err).Error("Channel iv unavailable")
		return
	}
	defer securemem.Scrub(iv)

	for _, step := range []struct {
		name   string
		secret []byte
	}{{"key", key}, {"iv", iv}} {
		if err := m.deliver(ctx, c, step.secret); err != nil {
			if errors.Is(err, ErrAckMismatch) {
				log.WithField("stage", step.name).Warn("Client did not acknowledge, aborting key exchange")
				m.audit.AckMismatch(remote, step.name+" delivery")
				m.guard.RecordFailure(ip)
			} else {
				log.WithError(err).WithField("stage", step.name).Warn("Key exchange failed")
			}
			return
		}
	}

	m.guard.RecordSuccess(ip)
	log.Info("Key exchange completed")
	m.audit.PairingSuccess(remote)
}

func (m *Manager) deliver(ctx context.Context, c *transport.Conn, secret []byte) error {
	if err := c.SendRaw(ctx, secret); err != nil {
		return err
	}
	ack, err := c.ReceiveExact(ctx, len(constants.AckToken))
	if err != nil {
		return err
	}
	if !bytes.Equal(ack, constants.AckToken) {
		return ErrAckMismatch
	}
	return nil
}
