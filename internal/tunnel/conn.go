package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"gardenlink/internal/constants"
	"gardenlink/internal/transport"
)

// wsConn presents a websocket as a byte stream. Every Write becomes one
// binary message; Read concatenates incoming messages.
type wsConn struct {
	conn   *websocket.Conn
	reader io.Reader
	wmu    sync.Mutex
	stats  *Stats
}

func (w *wsConn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if w.reader == nil {
			_, r, err := w.conn.NextReader()
			if err != nil {
				return 0, wsErr(err)
			}
			w.reader = r
		}
		n, err := w.reader.Read(p)
		if err == io.EOF {
			w.reader = nil
			err = nil
			if n == 0 {
				continue
			}
		}
		if n > 0 && w.stats != nil {
			w.stats.BytesIn.Add(int64(n))
		}
		return n, err
	}
}

func (w *wsConn) Write(p []byte) (int, error) {
	w.wmu.Lock()
	defer w.wmu.Unlock()

	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, wsErr(err)
	}
	if w.stats != nil {
		w.stats.BytesOut.Add(int64(len(p)))
	}
	return len(p), nil
}

// wsErr reports a websocket close as end of stream.
func wsErr(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return io.EOF
	}
	return err
}

func (w *wsConn) Close() error         { return w.conn.Close() }
func (w *wsConn) LocalAddr() net.Addr  { return w.conn.LocalAddr() }
func (w *wsConn) RemoteAddr() net.Addr { return w.conn.RemoteAddr() }
func (w *wsConn) SetDeadline(t time.Time) error {
	if err := w.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return w.conn.SetWriteDeadline(t)
}
func (w *wsConn) SetReadDeadline(t time.Time) error  { return w.conn.SetReadDeadline(t) }
func (w *wsConn) SetWriteDeadline(t time.Time) error { return w.conn.SetWriteDeadline(t) }

// NetConn exposes the socket under the websocket for keep-alive probing.
func (w *wsConn) NetConn() net.Conn { return w.conn.NetConn() }

// countingConn tracks traffic on a plain stream.
type countingConn struct {
	net.Conn
	stats *Stats
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.stats.BytesIn.Add(int64(n))
	return n, err
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.stats.BytesOut.Add(int64(n))
	return n, err
}

func (c *countingConn) NetConn() net.Conn { return c.Conn }

// Stats are traffic counters for the rendezvous link.
type Stats struct {
	BytesIn  atomic.Int64
	BytesOut atomic.Int64
	Requests atomic.Int64
}

// dialer returns the transport dial function for the configured rendezvous
// transport. host is the name used for TLS, ep the resolved address.
func (m *Manager) dialer(host string) transport.DialFunc {
	pinned := transport.NewPinnedTLSClient(host, m.opts.RendezvousThumbprint)

	if m.opts.RendezvousTransport == constants.TransportWSS {
		return func(ctx context.Context, ep transport.Endpoint) (net.Conn, error) {
			d := websocket.Dialer{
				TLSClientConfig:  pinned.Config,
				HandshakeTimeout: m.opts.ConnectTimeout,
				ReadBufferSize:   constants.WSBufferSize,
				WriteBufferSize:  constants.WSBufferSize,
			}
			u := url.URL{Scheme: "wss", Host: ep.String(), Path: m.opts.RendezvousPath}
			conn, resp, err := d.DialContext(ctx, u.String(), nil)
			if resp != nil && resp.Body != nil {
				resp.Body.Close()
			}
			if err != nil {
				return nil, err
			}
			conn.SetReadLimit(int64(constants.MaxFrameSize))
			return &wsConn{conn: conn, stats: &m.stats}, nil
		}
	}

	return func(ctx context.Context, ep transport.Endpoint) (net.Conn, error) {
		var d net.Dialer
		raw, err := d.DialContext(ctx, "tcp", ep.String())
		if err != nil {
			return nil, err
		}
		tc, err := pinned.Client(ctx, raw)
		if err != nil {
			raw.Close()
			return nil, err
		}
		return &countingConn{Conn: tc, stats: &m.stats}, nil
	}
}
