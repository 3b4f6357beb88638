// Package tunnel keeps the station reachable from the internet. It holds a
// persistent link to the rendezvous server, opens a direct peer-to-peer
// listener on request and answers the envelopes arriving on either path.
package tunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"gardenlink/internal/audit"
	"gardenlink/internal/constants"
	"gardenlink/internal/crypto"
	"gardenlink/internal/keyring"
	"gardenlink/internal/logger"
	"gardenlink/internal/nat"
	"gardenlink/internal/transport"
)

var (
	ErrAckRejected = errors.New("rendezvous greeting not acknowledged")
	ErrStopped     = errors.New("tunnel manager stopped")
	ErrNoKeys      = errors.New("no channel key provider")
)

// Relayer forwards requests to local services.
type Relayer interface {
	MakeTCPRequest(ctx context.Context, payload []byte, port int, closeConnection bool) ([]byte, error)
	MakeAPIRequest(ctx context.Context, payload []byte, port int) ([]byte, error)
	Stop()
}

// KeyProvider hands out the channel key material. Generation changes when
// the material is replaced.
type KeyProvider interface {
	Acquire(ctx context.Context) (*keyring.Material, error)
	Generation() uint64
}

type Manager struct {
	log   *logrus.Entry
	audit *audit.Logger
	opts  Options
	relay Relayer
	keys  KeyProvider
	nat   nat.Traversal

	resolve func(ctx context.Context, host string) ([]string, error)

	cipherMu  sync.Mutex
	cipher    crypto.Cipher
	cipherGen uint64

	state         atomic.Int32
	stats         Stats
	ackRejections atomic.Int64

	events       chan Event
	eventsMu     sync.RWMutex
	eventsClosed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	started   bool
	stopped   bool
	p2p       *transport.Listener
	p2pPublic transport.Endpoint
}

// NewManager wires the tunnel to its collaborators. keys may be nil when
// only plaintext envelopes are expected; tr defaults to nat.Direct.
func NewManager(opts Options, relay Relayer, keys KeyProvider, tr nat.Traversal, log *logrus.Entry, al *audit.Logger) *Manager {
	if tr == nil {
		tr = nat.Direct{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		log:     logger.OrDiscard(log),
		audit:   al,
		opts:    opts.withDefaults(),
		relay:   relay,
		keys:    keys,
		nat:     tr,
		resolve: net.DefaultResolver.LookupHost,
		events:  make(chan Event, eventBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the rendezvous loop. It returns at once; the loop retries
// until ctx is done or Stop is called. Without a rendezvous host only the
// peer-to-peer path is available.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if m.started {
		return errors.New("tunnel manager already started")
	}
	m.started = true

	if m.opts.RendezvousHost == "" {
		m.log.Info("No rendezvous host configured, external path disabled")
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	context.AfterFunc(m.ctx, cancel)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.runExternal(runCtx)
	}()
	return nil
}

func (m *Manager) runExternal(ctx context.Context) {
	b := &backoff.Backoff{
		Min:    m.opts.RetryInterval,
		Max:    m.opts.RetryInterval,
		Factor: 1,
	}
	host := m.opts.RendezvousHost
	log := m.log.WithField("rendezvous", net.JoinHostPort(host, fmt.Sprint(m.opts.RendezvousPort)))

	for {
		conn, err := m.establish(ctx, host)
		if err == nil {
			b.Reset()
			remote := conn.RemoteAddr().String()
			m.setState(StateConnected)
			m.audit.RendezvousConnected(remote)
			log.WithField("remote", remote).Info("Rendezvous session established")

			err = m.serve(ctx, conn, log)
			conn.Stop()
			if ctx.Err() != nil {
				m.setState(StateDisconnected)
				return
			}
			log.WithError(err).Warn("Rendezvous session lost, reconnecting")
			continue
		}
		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return
		}

		m.setState(StateDisconnected)
		attempt := int(b.Attempt()) + 1
		wait := b.Duration()
		if errors.Is(err, ErrAckRejected) {
			n := m.ackRejections.Add(1)
			m.audit.RendezvousRejected(host, attempt)
			m.publish(Event{Type: EventAckRejected, State: StateDisconnected, Err: err})
			log.WithField("rejections", n).Warn("Rendezvous server did not acknowledge the greeting")
		}
		log.WithError(err).WithFields(logrus.Fields{
			"attempt":  attempt,
			"retry_in": wait.String(),
		}).Warn("Rendezvous connection failed")

		select {
		case <-ctx.Done():
			m.setState(StateDisconnected)
			return
		case <-time.After(wait):
		}
	}
}

// establish resolves the host, connects to the first reachable address and
// exchanges the greeting.
func (m *Manager) establish(ctx context.Context, host string) (*transport.Conn, error) {
	m.setState(StateResolving)
	addrs, err := m.resolve(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}

	m.setState(StateConnecting)
	dial := m.dialer(host)
	var lastErr error
	for _, addr := range addrs {
		conn := transport.NewConn(m.log)
		err := conn.Start(ctx, transport.Settings{
			Endpoint:          transport.Endpoint{Host: addr, Port: m.opts.RendezvousPort},
			ConnectTimeout:    m.opts.ConnectTimeout,
			SendTimeout:       m.opts.IOTimeout,
			KeepAliveInterval: m.opts.KeepAliveInterval,
			Dial:              dial,
		})
		if err != nil {
			lastErr = err
			continue
		}
		if err := m.greet(ctx, conn); err != nil {
			conn.Stop()
			return nil, err
		}
		return conn, nil
	}
	return nil, lastErr
}

// greet announces the station and waits for the ACK token.
func (m *Manager) greet(ctx context.Context, conn *transport.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.IOTimeout)
	defer cancel()

	if err := conn.Send(ctx, []byte(m.opts.StationID)); err != nil {
		return fmt.Errorf("send station id: %w", err)
	}
	ack, err := conn.Receive(ctx)
	if err != nil {
		return fmt.Errorf("await acknowledgement: %w", err)
	}
	if !bytes.Equal(ack, constants.AckToken) {
		return ErrAckRejected
	}
	return nil
}

// serve answers envelopes on conn until it fails or ctx is done.
func (m *Manager) serve(ctx context.Context, conn *transport.Conn, log *logrus.Entry) error {
	for {
		msg, err := conn.Receive(ctx)
		if err != nil {
			return err
		}
		reply := m.HandleMessage(ctx, msg)
		if reply == nil {
			continue
		}
		if err := conn.Send(ctx, reply); err != nil {
			return err
		}
		log.WithField("bytes", len(reply)).Debug("Reply sent")
	}
}

func (m *Manager) channelCipher(ctx context.Context) (crypto.Cipher, error) {
	m.cipherMu.Lock()
	defer m.cipherMu.Unlock()
	if m.keys == nil {
		return nil, ErrNoKeys
	}
	if m.cipher != nil && m.cipherGen == m.keys.Generation() {
		return m.cipher, nil
	}
	mat, err := m.keys.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer mat.Release()

	c, err := mat.Cipher(m.opts.Cipher)
	if err != nil {
		return nil, err
	}
	m.cipher, m.cipherGen = c, m.keys.Generation()
	return c, nil
}

// AckRejections counts greetings the rendezvous server did not acknowledge.
func (m *Manager) AckRejections() int64 {
	return m.ackRejections.Load()
}

func (m *Manager) Stats() *Stats {
	return &m.stats
}

// Stop ends both paths, stops the relay and closes Events.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	p2p := m.p2p
	m.p2p = nil
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	if p2p != nil {
		port := p2p.Endpoint().Port
		p2p.Stop()
		if err := m.nat.ClosePublicPort(context.Background(), port); err != nil {
			m.log.WithError(err).Warn("Failed to close public port")
		}
		m.publish(Event{Type: EventPeerToPeerStopped})
	}
	if m.relay != nil {
		m.relay.Stop()
	}
	m.setState(StateStopped)

	m.eventsMu.Lock()
	m.eventsClosed = true
	close(m.events)
	m.eventsMu.Unlock()
	m.log.Info("Tunnel manager stopped")
}
