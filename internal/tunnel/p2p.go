package tunnel

import (
	"context"
	"sync"

	"github.com/hashicorp/yamux"

	"gardenlink/internal/constants"
	"gardenlink/internal/transport"
)

// StartPeerToPeer listens for direct clients on ep. Every connection, or
// every yamux stream in multiplex mode, runs the same envelope cycle as the
// rendezvous link. A running listener is reused.
func (m *Manager) StartPeerToPeer(ctx context.Context, ep transport.Endpoint) (transport.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return transport.Endpoint{}, ErrStopped
	}
	if m.p2p != nil {
		return m.p2p.Endpoint(), nil
	}

	l := transport.NewListener(transport.ListenerSettings{
		Endpoint:  ep,
		Mode:      transport.Concurrent,
		ReusePort: true,
		MaxPerIP:  constants.MaxConnectionsPerIP,
		Conn: transport.Settings{
			SendTimeout:       m.opts.IOTimeout,
			KeepAliveInterval: m.opts.KeepAliveInterval,
		},
	}, m.servePeer, m.log.WithField("path", "p2p"))

	// The listener outlives the request that opened it.
	if err := l.Start(m.ctx); err != nil {
		return transport.Endpoint{}, err
	}
	m.p2p = l
	bound := l.Endpoint()
	m.publish(Event{Type: EventPeerToPeerStarted, Endpoint: bound})
	return bound, nil
}

// openPeerToPeer starts the listener on the configured port and maps it to a
// public endpoint.
func (m *Manager) openPeerToPeer(ctx context.Context) (transport.Endpoint, error) {
	local, err := m.StartPeerToPeer(ctx, transport.Endpoint{Port: m.opts.P2PPort})
	if err != nil {
		return transport.Endpoint{}, err
	}
	public, err := m.nat.OpenPublicPort(ctx, local.Port)
	if err != nil {
		return transport.Endpoint{}, err
	}

	m.mu.Lock()
	m.p2pPublic = public
	m.mu.Unlock()
	m.log.WithField("public", public.String()).Info("Peer-to-peer path open")
	return public, nil
}

// PeerToPeerEndpoint returns where peers can reach the station directly:
// the public mapping if one is known, otherwise the bound address.
func (m *Manager) PeerToPeerEndpoint() (transport.Endpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.p2p == nil {
		return transport.Endpoint{}, false
	}
	if m.p2pPublic.Port != 0 {
		return m.p2pPublic, true
	}
	return m.p2p.Endpoint(), true
}

func (m *Manager) servePeer(ctx context.Context, c *transport.Conn) {
	log := m.log.WithField("peer", c.RemoteAddr().String())
	if !m.opts.P2PMultiplex {
		if err := m.serve(ctx, c, log); err != nil && ctx.Err() == nil {
			log.WithError(err).Debug("Peer disconnected")
		}
		return
	}

	sess, err := yamux.Server(c.NetConn(), yamuxConfig())
	if err != nil {
		log.WithError(err).Warn("Failed to create yamux session")
		return
	}
	var wg sync.WaitGroup
	defer func() {
		sess.Close()
		wg.Wait()
	}()
	stop := context.AfterFunc(ctx, func() { sess.Close() })
	defer stop()

	settings := transport.Settings{SendTimeout: m.opts.IOTimeout}
	for {
		stream, err := sess.AcceptStream()
		if err != nil {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sc := transport.Wrap(stream, settings, log)
			defer sc.Stop()
			m.serve(ctx, sc, log.WithField("stream", stream.StreamID()))
		}()
	}
}
