package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/sizestr"
	"github.com/sirupsen/logrus"

	"gardenlink/internal/constants"
	"gardenlink/internal/logger"
	"gardenlink/internal/protocol"
	"gardenlink/internal/transport"
)

var ErrStopped = errors.New("relay manager stopped")

type Options struct {
	Host           string // local services, loopback by default
	Framing        string
	ConnectTimeout time.Duration
	IOTimeout      time.Duration
	SessionIdle    time.Duration // 0 disables reaping
}

func (o Options) withDefaults() Options {
	if o.Host == "" {
		o.Host = constants.DefaultLoopbackHost
	}
	if o.Framing == "" {
		o.Framing = constants.FramingLengthPrefix
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = constants.DefaultConnectTimeout
	}
	if o.IOTimeout <= 0 {
		o.IOTimeout = constants.DefaultIOTimeout
	}
	return o
}

type session struct {
	id       string
	port     int
	conn     *transport.Conn
	mu       sync.Mutex
	closed   bool
	lastUsed atomic.Int64
}

func (s *session) touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

// Manager routes relay requests to local services. TCP requests are bound to
// sessions that keep their connection open between requests; API requests
// use one short-lived connection each, one at a time.
type Manager struct {
	log  *logrus.Entry
	opts Options

	sessions sync.Map // id -> *session
	count    atomic.Int64
	apiMu    sync.Mutex

	stopped atomic.Bool
	quit    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func NewManager(opts Options, log *logrus.Entry) *Manager {
	m := &Manager{
		log:  logger.OrDiscard(log),
		opts: opts.withDefaults(),
		quit: make(chan struct{}),
	}
	if m.opts.SessionIdle > 0 {
		m.wg.Add(1)
		go m.reapLoop()
	}
	return m
}

func (m *Manager) codec() transport.Codec {
	if m.opts.Framing == constants.FramingShortRead {
		return transport.ShortReadCodec{}
	}
	return transport.LengthPrefixCodec{Raw: true}
}

func (m *Manager) settings(port int, codec transport.Codec) transport.Settings {
	return transport.Settings{
		Endpoint:       transport.Endpoint{Host: m.opts.Host, Port: port},
		ConnectTimeout: m.opts.ConnectTimeout,
		SendTimeout:    m.opts.IOTimeout,
		ReceiveTimeout: m.opts.IOTimeout,
		Codec:          codec,
	}
}

// MakeTCPRequest forwards the inner bytes of a ServicePackage to the session
// it names and returns the service's reply wrapped with the same id.
//
// An empty id opens a new session; without data only the new id comes back.
// An unknown id yields an empty result. closeConnection ends the session.
// With no data on an existing session the next pending frame is returned.
func (m *Manager) MakeTCPRequest(ctx context.Context, payload []byte, port int, closeConnection bool) ([]byte, error) {
	if m.stopped.Load() {
		return nil, ErrStopped
	}
	pkg, err := protocol.DecodeServicePackage(payload)
	if err != nil {
		return nil, err
	}

	var s *session
	if pkg.SessionID == "" {
		if closeConnection {
			return nil, nil
		}
		if s, err = m.open(ctx, port); err != nil {
			return nil, err
		}
		if len(pkg.Data) == 0 {
			return (&protocol.ServicePackage{SessionID: s.id}).Encode()
		}
	} else {
		v, ok := m.sessions.Load(pkg.SessionID)
		if !ok {
			m.log.WithField("session", pkg.SessionID).Debug("Request for unknown session")
			return nil, nil
		}
		s = v.(*session)
		if closeConnection {
			m.close(s, "closed by peer")
			return nil, nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil
	}
	s.touch()

	if len(pkg.Data) > 0 {
		if err := s.conn.Send(ctx, pkg.Data); err != nil {
			m.failed(s, err)
			return nil, fmt.Errorf("forward to port %d: %w", s.port, err)
		}
	}
	resp, err := s.conn.Receive(ctx)
	if err != nil {
		m.failed(s, err)
		return nil, fmt.Errorf("read from port %d: %w", s.port, err)
	}
	s.touch()

	m.log.WithFields(logrus.Fields{
		"session": s.id,
		"sent":    sizestr.ToString(int64(len(pkg.Data))),
		"recv":    sizestr.ToString(int64(len(resp))),
	}).Debug("Relayed TCP request")

	return (&protocol.ServicePackage{SessionID: s.id, Data: resp}).Encode()
}

func (m *Manager) open(ctx context.Context, port int) (*session, error) {
	conn := transport.NewConn(m.log)
	if err := conn.Start(ctx, m.settings(port, m.codec())); err != nil {
		return nil, err
	}
	s := &session{id: uuid.NewString(), port: port, conn: conn}
	s.touch()
	m.sessions.Store(s.id, s)
	m.count.Add(1)

	// Stop may have swept the map between the check and the store.
	if m.stopped.Load() {
		m.close(s, "manager stopped")
		return nil, ErrStopped
	}
	m.log.WithFields(logrus.Fields{"session": s.id, "port": port}).Debug("Session opened")
	return s, nil
}

// failed drops a session whose connection is gone. Other errors, such as a
// timeout, leave it open. Caller holds s.mu.
func (m *Manager) failed(s *session, err error) {
	if errors.Is(err, transport.ErrConnectionClosed) {
		m.remove(s, "connection lost")
	}
}

func (m *Manager) close(s *session, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.remove(s, reason)
}

// remove requires s.mu.
func (m *Manager) remove(s *session, reason string) {
	if s.closed {
		return
	}
	s.closed = true
	s.conn.Stop()
	if m.sessions.CompareAndDelete(s.id, s) {
		m.count.Add(-1)
	}
	m.log.WithFields(logrus.Fields{"session": s.id, "reason": reason}).Debug("Session closed")
}

// MakeAPIRequest sends one raw HTTP request to a local service on a fresh
// connection and returns the raw response. Only one runs at a time.
func (m *Manager) MakeAPIRequest(ctx context.Context, payload []byte, port int) ([]byte, error) {
	if m.stopped.Load() {
		return nil, ErrStopped
	}
	m.apiMu.Lock()
	defer m.apiMu.Unlock()

	conn := transport.NewConn(m.log)
	if err := conn.Start(ctx, m.settings(port, newHTTPCodec(payload))); err != nil {
		return nil, err
	}
	defer conn.Stop()

	if err := conn.Send(ctx, payload); err != nil {
		return nil, fmt.Errorf("forward to port %d: %w", port, err)
	}
	resp, err := conn.Receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("read response from port %d: %w", port, err)
	}

	m.log.WithFields(logrus.Fields{
		"port": port,
		"sent": sizestr.ToString(int64(len(payload))),
		"recv": sizestr.ToString(int64(len(resp))),
	}).Debug("Relayed API request")
	return resp, nil
}

func (m *Manager) HasSession(id string) bool {
	_, ok := m.sessions.Load(id)
	return ok
}

func (m *Manager) SessionCount() int {
	return int(m.count.Load())
}

func (m *Manager) reapLoop() {
	defer m.wg.Done()
	interval := min(constants.SessionReapInterval, m.opts.SessionIdle)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.quit:
			return
		case <-ticker.C:
			m.reap()
		}
	}
}

func (m *Manager) reap() {
	cutoff := time.Now().Add(-m.opts.SessionIdle).UnixNano()
	m.sessions.Range(func(_, v any) bool {
		s := v.(*session)
		if s.lastUsed.Load() >= cutoff {
			return true
		}
		// Busy sessions are not idle.
		if !s.mu.TryLock() {
			return true
		}
		m.remove(s, "idle")
		s.mu.Unlock()
		return true
	})
}

// Stop closes every session. In-flight requests fail.
func (m *Manager) Stop() {
	m.stopped.Store(true)
	m.once.Do(func() { close(m.quit) })
	m.wg.Wait()

	m.sessions.Range(func(_, v any) bool {
		s := v.(*session)
		// Unblock a request still waiting on the connection before locking.
		s.conn.Stop()
		m.close(s, "manager stopped")
		return true
	})
}
