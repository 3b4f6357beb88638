package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"

	"gardenlink/internal/constants"
	"gardenlink/internal/logger"
)

// Mode selects how accepted connections are handled.
type Mode int

const (
	// Serial handles one client at a time; the next Accept waits for the
	// handler to return.
	Serial Mode = iota
	// Concurrent runs every client in its own goroutine.
	Concurrent
)

// Handler serves one accepted connection. The connection is stopped when the
// handler returns.
type Handler func(ctx context.Context, c *Conn)

type ListenerSettings struct {
	Endpoint   Endpoint
	Mode       Mode
	MaxClients int // concurrent mode only, 0 is unlimited
	MaxPerIP   int // simultaneous connections per remote address, 0 is unlimited
	ReusePort  bool
	Conn       Settings // applied to every accepted connection
}

type Listener struct {
	log      *logrus.Entry
	settings ListenerSettings
	handler  Handler
	limiter  *connLimiter

	mu     sync.Mutex
	ln     net.Listener
	cancel context.CancelFunc
	active map[*Conn]struct{}
	wg     sync.WaitGroup
}

func NewListener(settings ListenerSettings, handler Handler, log *logrus.Entry) *Listener {
	settings.Conn = settings.Conn.withDefaults()
	l := &Listener{
		log:      logger.OrDiscard(log),
		settings: settings,
		handler:  handler,
		active:   make(map[*Conn]struct{}),
	}
	if settings.MaxPerIP > 0 {
		l.limiter = newConnLimiter(settings.MaxPerIP)
	}
	return l
}

// Start binds the endpoint and begins accepting. A port held by another
// listener yields ErrPortNotFree.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return fmt.Errorf("listener on %s already started", l.settings.Endpoint)
	}

	lc := net.ListenConfig{Control: ReuseAddrControl}
	if l.settings.ReusePort {
		lc.Control = ReusePortControl
	}
	ln, err := lc.Listen(ctx, "tcp", l.settings.Endpoint.String())
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("%w: %s", ErrPortNotFree, l.settings.Endpoint)
		}
		return fmt.Errorf("listen on %s: %w", l.settings.Endpoint, err)
	}
	if l.settings.Mode == Concurrent && l.settings.MaxClients > 0 {
		ln = netutil.LimitListener(ln, l.settings.MaxClients)
	}

	ctx, cancel := context.WithCancel(ctx)
	l.ln = ln
	l.cancel = cancel

	l.wg.Add(1)
	go l.acceptLoop(ctx, ln)

	l.log.WithField("addr", ln.Addr().String()).Info("Listener started")
	return nil
}

func (l *Listener) acceptLoop(ctx context.Context, ln net.Listener) {
	defer l.wg.Done()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.WithError(err).Warn("Accept failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		if l.limiter != nil && !l.limiter.TryConnect(RemoteIP(nc.RemoteAddr())) {
			l.log.WithField("remote", nc.RemoteAddr().String()).Warn("Too many connections from address, rejecting")
			nc.Close()
			continue
		}

		if l.settings.Mode == Serial {
			l.serve(ctx, nc)
			continue
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.serve(ctx, nc)
		}()
	}
}

func (l *Listener) serve(ctx context.Context, nc net.Conn) {
	log := l.log.WithField("remote", nc.RemoteAddr().String())
	if l.limiter != nil {
		defer l.limiter.Disconnect(RemoteIP(nc.RemoteAddr()))
	}
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).WithField("stack", string(debug.Stack())).Error("Connection handler panicked")
			nc.Close()
		}
	}()

	hsCtx, cancel := context.WithTimeout(ctx, constants.DefaultHandshakeTimeout)
	sc, err := l.settings.Conn.Handshake.Server(hsCtx, nc)
	cancel()
	if err != nil {
		log.WithError(err).Warn("Handshake failed")
		nc.Close()
		return
	}

	c := Wrap(sc, l.settings.Conn, log)
	if !l.track(c) {
		c.Stop()
		return
	}
	defer func() {
		l.untrack(c)
		c.Stop()
	}()

	l.handler(ctx, c)
}

func (l *Listener) track(c *Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return false
	}
	l.active[c] = struct{}{}
	return true
}

func (l *Listener) untrack(c *Conn) {
	l.mu.Lock()
	delete(l.active, c)
	l.mu.Unlock()
}

// Stop closes the listener and every connection it accepted, then waits for
// the handlers to return. It must not be called from a handler.
func (l *Listener) Stop() {
	l.mu.Lock()
	ln := l.ln
	cancel := l.cancel
	l.ln = nil
	active := make([]*Conn, 0, len(l.active))
	for c := range l.active {
		active = append(active, c)
	}
	l.mu.Unlock()

	if ln == nil {
		return
	}
	cancel()
	ln.Close()
	for _, c := range active {
		c.Stop()
	}
	l.wg.Wait()
	l.log.Info("Listener stopped")
}

// Addr returns the bound address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Endpoint returns the bound endpoint, with the real port when 0 was asked.
func (l *Listener) Endpoint() Endpoint {
	if addr := l.Addr(); addr != nil {
		return EndpointOf(addr)
	}
	return l.settings.Endpoint
}
