package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"gardenlink/internal/constants"
	"gardenlink/internal/logger"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrNotStarted       = errors.New("connection not started")
	ErrPortNotFree      = errors.New("port not free")
)

type State int32

const (
	StateNotStarted State = iota
	StateStarted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// DialFunc replaces the plain TCP dial plus handshake, for transports that
// negotiate their own stream (websockets).
type DialFunc func(ctx context.Context, ep Endpoint) (net.Conn, error)

// Settings configure one connection. Zero timeouts mean no deadline.
type Settings struct {
	Endpoint          Endpoint
	ConnectTimeout    time.Duration
	SendTimeout       time.Duration
	ReceiveTimeout    time.Duration
	KeepAliveInterval time.Duration // collapse probing, independent of OS keepalive
	Codec             Codec
	Handshake         Handshake
	Dial              DialFunc
}

func DefaultSettings(ep Endpoint) Settings {
	return Settings{
		Endpoint:       ep,
		ConnectTimeout: constants.DefaultConnectTimeout,
		SendTimeout:    constants.DefaultIOTimeout,
		ReceiveTimeout: constants.DefaultIOTimeout,
	}
}

func (s Settings) withDefaults() Settings {
	if s.Codec == nil {
		s.Codec = LengthPrefixCodec{}
	}
	if s.Handshake == nil {
		s.Handshake = Plain{}
	}
	return s
}

// Conn is a framed, cancellable connection. Start may be called again to
// replace the current session with a fresh one.
type Conn struct {
	log   *logrus.Entry
	mu    sync.Mutex
	sess  *session
	state atomic.Int32
}

type session struct {
	conn         net.Conn
	settings     Settings
	collapsed    chan struct{}
	done         chan struct{}
	collapseOnce sync.Once
	closeOnce    sync.Once
	readMu       sync.Mutex
	writeMu      sync.Mutex
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

var aLongTimeAgo = time.Unix(1, 0)

func NewConn(log *logrus.Entry) *Conn {
	return &Conn{log: logger.OrDiscard(log)}
}

// Wrap adopts an established stream, e.g. one returned by Accept or a
// multiplexed stream.
func Wrap(nc net.Conn, settings Settings, log *logrus.Entry) *Conn {
	c := NewConn(log)
	c.install(nc, settings.withDefaults())
	return c
}

func (c *Conn) Start(ctx context.Context, settings Settings) error {
	c.mu.Lock()
	prev := c.sess
	c.sess = nil
	c.mu.Unlock()
	if prev != nil {
		prev.close()
	}

	settings = settings.withDefaults()
	dialCtx := ctx
	if settings.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, settings.ConnectTimeout)
		defer cancel()
	}

	var nc net.Conn
	var err error
	if settings.Dial != nil {
		nc, err = settings.Dial(dialCtx, settings.Endpoint)
		if err != nil {
			c.state.Store(int32(StateStopped))
			return fmt.Errorf("connect %s: %w", settings.Endpoint, err)
		}
	} else {
		var d net.Dialer
		raw, err := d.DialContext(dialCtx, "tcp", settings.Endpoint.String())
		if err != nil {
			c.state.Store(int32(StateStopped))
			return fmt.Errorf("connect %s: %w", settings.Endpoint, err)
		}
		if tcp, ok := raw.(*net.TCPConn); ok {
			tcp.SetNoDelay(true)
		}
		nc, err = settings.Handshake.Client(dialCtx, raw)
		if err != nil {
			raw.Close()
			c.state.Store(int32(StateStopped))
			return fmt.Errorf("handshake with %s: %w", settings.Endpoint, err)
		}
	}

	c.install(nc, settings)
	c.log.WithField("remote", nc.RemoteAddr().String()).Debug("Connection started")
	return nil
}

func (c *Conn) install(nc net.Conn, settings Settings) {
	s := &session{
		conn:      nc,
		settings:  settings,
		collapsed: make(chan struct{}),
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	c.sess = s
	c.state.Store(int32(StateStarted))
	c.mu.Unlock()

	if settings.KeepAliveInterval > 0 {
		go s.keepAlive(c.log)
	}
}

func (c *Conn) current() (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil, ErrNotStarted
	}
	return c.sess, nil
}

// Receive returns the next frame. It blocks until a whole frame arrives, the
// receive timeout expires, ctx is done or the connection fails.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	var frame []byte
	err := c.read(ctx, func(s *session) error {
		var err error
		frame, err = s.settings.Codec.ReadFrame(s.conn)
		return err
	})
	return frame, err
}

// ReceiveExact reads exactly n raw bytes, bypassing the codec.
func (c *Conn) ReceiveExact(ctx context.Context, n int) ([]byte, error) {
	buf := make([]byte, n)
	err := c.read(ctx, func(s *session) error {
		_, err := io.ReadFull(s.conn, buf)
		return closedErr(err)
	})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// Send writes one frame with a single write.
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	return c.write(ctx, func(s *session) error {
		return s.settings.Codec.WriteFrame(s.conn, payload)
	})
}

// SendRaw writes bytes as they are, bypassing the codec.
func (c *Conn) SendRaw(ctx context.Context, p []byte) error {
	return c.write(ctx, func(s *session) error {
		_, err := s.conn.Write(p)
		return err
	})
}

func (c *Conn) read(ctx context.Context, fn func(s *session) error) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	select {
	case <-s.collapsed:
		return ErrConnectionClosed
	default:
	}

	s.readMu.Lock()
	defer s.readMu.Unlock()

	var deadline time.Time
	if d := s.settings.ReceiveTimeout; d > 0 {
		deadline = time.Now().Add(d)
	}
	s.conn.SetReadDeadline(deadline)

	defer watch(ctx, func() { s.conn.SetReadDeadline(aLongTimeAgo) })()

	if err := fn(s); err != nil {
		return c.fail(ctx, s, err)
	}
	return nil
}

func (c *Conn) write(ctx context.Context, fn func(s *session) error) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	select {
	case <-s.collapsed:
		return ErrConnectionClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var deadline time.Time
	if d := s.settings.SendTimeout; d > 0 {
		deadline = time.Now().Add(d)
	}
	s.conn.SetWriteDeadline(deadline)

	defer watch(ctx, func() { s.conn.SetWriteDeadline(aLongTimeAgo) })()

	if err := fn(s); err != nil {
		return c.fail(ctx, s, err)
	}
	return nil
}

func (c *Conn) fail(ctx context.Context, s *session, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	err = closedErr(err)
	if errors.Is(err, ErrConnectionClosed) {
		s.collapse()
	}
	return err
}

// watch runs fn once ctx is done. The returned func detaches the watcher and
// waits for fn if it already started.
func watch(ctx context.Context, fn func()) func() {
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		fn()
	})
	return func() {
		if !stop() {
			<-fired
		}
	}
}

// Stop closes the current session. Calling it again is a no-op.
func (c *Conn) Stop() {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	if s != nil || c.State() == StateNotStarted {
		c.state.Store(int32(StateStopped))
	}
	c.mu.Unlock()

	if s != nil {
		s.close()
	}
}

func (c *Conn) State() State {
	return State(c.state.Load())
}

// Collapsed is closed when the connection is found dead, either by the
// keep-alive check or by a failed read or write. Reads halt afterwards.
func (c *Conn) Collapsed() <-chan struct{} {
	s, err := c.current()
	if err != nil {
		return closedChan
	}
	return s.collapsed
}

// Done is closed once the session is stopped or collapses.
func (c *Conn) Done() <-chan struct{} {
	s, err := c.current()
	if err != nil {
		return closedChan
	}
	return s.done
}

func (c *Conn) RemoteAddr() net.Addr {
	s, err := c.current()
	if err != nil {
		return nil
	}
	return s.conn.RemoteAddr()
}

func (c *Conn) LocalAddr() net.Addr {
	s, err := c.current()
	if err != nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// NetConn exposes the underlying stream, e.g. for multiplexing.
func (c *Conn) NetConn() net.Conn {
	s, err := c.current()
	if err != nil {
		return nil
	}
	return s.conn
}

func (s *session) collapse() {
	s.collapseOnce.Do(func() {
		close(s.collapsed)
		s.close()
	})
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *session) keepAlive(log *logrus.Entry) {
	ticker := time.NewTicker(s.settings.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := checkAlive(s.conn); err != nil {
				log.WithError(err).WithField("remote", s.conn.RemoteAddr().String()).Warn("Keep-alive check failed, connection collapsed")
				s.collapse()
				return
			}
		}
	}
}
