package relay

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"gardenlink/internal/protocol"
	"gardenlink/internal/transport"
)

// startService runs a local length-prefixed service. reply maps one request
// frame, prefix included, to the frames written back verbatim.
func startService(t *testing.T, reply func(conn int, msg []byte) [][]byte) int {
	t.Helper()
	var next atomic.Int32
	l := transport.NewListener(transport.ListenerSettings{
		Endpoint: transport.Loopback(0),
		Mode:     transport.Concurrent,
		Conn:     transport.Settings{Codec: transport.LengthPrefixCodec{Raw: true}},
	},
		func(ctx context.Context, c *transport.Conn) {
			n := int(next.Add(1))
			for {
				msg, err := c.Receive(ctx)
				if err != nil {
					return
				}
				for _, out := range reply(n, msg) {
					if err := c.Send(ctx, out); err != nil {
						return
					}
				}
			}
		}, nil)
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(l.Stop)
	return l.Endpoint().Port
}

func request(t *testing.T, m *Manager, id string, data []byte, port int, closeConn bool) *protocol.ServicePackage {
	t.Helper()
	payload, _ := (&protocol.ServicePackage{SessionID: id, Data: data}).Encode()
	out, err := m.MakeTCPRequest(context.Background(), payload, port, closeConn)
	if err != nil {
		t.Fatalf("MakeTCPRequest: %v", err)
	}
	if out == nil {
		return nil
	}
	pkg, err := protocol.DecodeServicePackage(out)
	if err != nil {
		t.Fatalf("bad response envelope: %v", err)
	}
	return pkg
}

func TestSessionLifecycle(t *testing.T) {
	port := startService(t, func(_ int, msg []byte) [][]byte { return [][]byte{msg} })
	m := NewManager(Options{}, nil)
	defer m.Stop()

	opened := request(t, m, "", nil, port, false)
	if opened == nil || opened.SessionID == "" || len(opened.Data) != 0 {
		t.Fatalf("open returned %+v", opened)
	}
	if !m.HasSession(opened.SessionID) || m.SessionCount() != 1 {
		t.Fatal("session not registered")
	}

	frame := transport.EncodeFrame([]byte("hello"))
	resp := request(t, m, opened.SessionID, frame, port, false)
	if resp.SessionID != opened.SessionID {
		t.Fatalf("response id = %s", resp.SessionID)
	}
	if !bytes.Equal(resp.Data, frame) {
		t.Fatalf("response data = %v, want the raw frame %v", resp.Data, frame)
	}

	if got := request(t, m, uuid.NewString(), frame, port, false); got != nil {
		t.Fatalf("unknown session returned %+v", got)
	}

	if got := request(t, m, opened.SessionID, nil, port, true); got != nil {
		t.Fatalf("close returned %+v", got)
	}
	if m.HasSession(opened.SessionID) || m.SessionCount() != 0 {
		t.Fatal("session still registered after close")
	}
	if got := request(t, m, opened.SessionID, frame, port, false); got != nil {
		t.Fatal("closed session still answered")
	}
}

func TestNewSessionWithDataRelaysImmediately(t *testing.T) {
	port := startService(t, func(_ int, msg []byte) [][]byte {
		return [][]byte{transport.EncodeFrame(append([]byte("ok:"), msg[transport.HeaderSize:]...))}
	})
	m := NewManager(Options{}, nil)
	defer m.Stop()

	resp := request(t, m, "", transport.EncodeFrame([]byte("ping")), port, false)
	if resp == nil || resp.SessionID == "" {
		t.Fatal("no session allocated")
	}
	payload, err := transport.DecodeFrame(resp.Data)
	if err != nil || string(payload) != "ok:ping" {
		t.Fatalf("payload = %q, %v", payload, err)
	}
}

func TestEmptyRequestReadsPendingFrame(t *testing.T) {
	port := startService(t, func(_ int, msg []byte) [][]byte {
		return [][]byte{transport.EncodeFrame([]byte("first")), transport.EncodeFrame([]byte("second"))}
	})
	m := NewManager(Options{}, nil)
	defer m.Stop()

	resp := request(t, m, "", transport.EncodeFrame([]byte("go")), port, false)
	if p, _ := transport.DecodeFrame(resp.Data); string(p) != "first" {
		t.Fatalf("first reply = %q", p)
	}
	resp = request(t, m, resp.SessionID, nil, port, false)
	if p, _ := transport.DecodeFrame(resp.Data); string(p) != "second" {
		t.Fatalf("pending reply = %q", p)
	}
}

func TestConcurrentSessionsStayIsolated(t *testing.T) {
	port := startService(t, func(conn int, msg []byte) [][]byte {
		body := fmt.Sprintf("%d|%s", conn, msg[transport.HeaderSize:])
		return [][]byte{transport.EncodeFrame([]byte(body))}
	})
	m := NewManager(Options{}, nil)
	defer m.Stop()

	const sessions, rounds = 10, 20
	var wg sync.WaitGroup
	errs := make(chan error, sessions)
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, tag := "", ""
			for r := 0; r < rounds; r++ {
				msg := fmt.Sprintf("s%d-r%d", i, r)
				payload, _ := (&protocol.ServicePackage{SessionID: id, Data: transport.EncodeFrame([]byte(msg))}).Encode()
				out, err := m.MakeTCPRequest(context.Background(), payload, port, false)
				if err != nil {
					errs <- err
					return
				}
				pkg, _ := protocol.DecodeServicePackage(out)
				body, _ := transport.DecodeFrame(pkg.Data)
				connTag, echoed, _ := strings.Cut(string(body), "|")
				if id == "" {
					id, tag = pkg.SessionID, connTag
				}
				if pkg.SessionID != id || connTag != tag || echoed != msg {
					errs <- fmt.Errorf("session %d round %d crossed: id=%s tag=%s body=%s", i, r, pkg.SessionID, connTag, echoed)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if m.SessionCount() != sessions {
		t.Fatalf("SessionCount = %d, want %d", m.SessionCount(), sessions)
	}
}

func TestIdleSessionsAreReaped(t *testing.T) {
	port := startService(t, func(_ int, msg []byte) [][]byte { return [][]byte{msg} })
	m := NewManager(Options{SessionIdle: 50 * time.Millisecond}, nil)
	defer m.Stop()

	opened := request(t, m, "", nil, port, false)
	deadline := time.Now().Add(2 * time.Second)
	for m.HasSession(opened.SessionID) {
		if time.Now().After(deadline) {
			t.Fatal("idle session not reaped")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestStopClosesSessions(t *testing.T) {
	port := startService(t, func(_ int, msg []byte) [][]byte { return [][]byte{msg} })
	m := NewManager(Options{}, nil)

	for i := 0; i < 3; i++ {
		request(t, m, "", nil, port, false)
	}
	m.Stop()
	m.Stop()
	if m.SessionCount() != 0 {
		t.Fatalf("SessionCount after Stop = %d", m.SessionCount())
	}
	payload, _ := (&protocol.ServicePackage{}).Encode()
	if _, err := m.MakeTCPRequest(context.Background(), payload, port, false); err != ErrStopped {
		t.Fatalf("request after Stop: %v", err)
	}
}

func TestShortReadFraming(t *testing.T) {
	l := transport.NewListener(transport.ListenerSettings{
		Endpoint: transport.Loopback(0),
		Mode:     transport.Concurrent,
		Conn:     transport.Settings{Codec: transport.ShortReadCodec{}},
	}, func(ctx context.Context, c *transport.Conn) {
		for {
			msg, err := c.Receive(ctx)
			if err != nil {
				return
			}
			c.Send(ctx, bytes.ToUpper(msg))
		}
	}, nil)
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	m := NewManager(Options{Framing: "short-read"}, nil)
	defer m.Stop()
	resp := request(t, m, "", []byte("status?"), l.Endpoint().Port, false)
	if string(resp.Data) != "STATUS?" {
		t.Fatalf("data = %q", resp.Data)
	}
}

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	return srv.Listener.Addr().(*net.TCPAddr).Port
}

func TestAPIRequestChunkedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, "part-%d;", i)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	m := NewManager(Options{}, nil)
	defer m.Stop()

	req := []byte("GET /sensors HTTP/1.1\r\nHost: station\r\n\r\n")
	resp, err := m.MakeAPIRequest(context.Background(), req, serverPort(t, srv))
	if err != nil {
		t.Fatal(err)
	}
	text := string(resp)
	if !strings.HasPrefix(text, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("unexpected status line: %q", text)
	}
	if !strings.Contains(strings.ToLower(text), "transfer-encoding: chunked") {
		t.Fatalf("response not chunked: %q", text)
	}
	if !strings.HasSuffix(text, "0\r\n\r\n") {
		t.Fatalf("chunked terminator missing: %q", text)
	}
	for i := 0; i < 3; i++ {
		if !strings.Contains(text, fmt.Sprintf("part-%d;", i)) {
			t.Fatalf("part %d missing: %q", i, text)
		}
	}
}

func TestAPIRequestContentLengthAndHead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "11")
		if r.Method != http.MethodHead {
			w.Write([]byte("moisture=42"))
		}
	}))
	defer srv.Close()

	m := NewManager(Options{IOTimeout: 2 * time.Second}, nil)
	defer m.Stop()
	port := serverPort(t, srv)

	resp, err := m.MakeAPIRequest(context.Background(), []byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"), port)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasSuffix(resp, []byte("\r\n\r\nmoisture=42")) {
		t.Fatalf("GET response = %q", resp)
	}

	resp, err = m.MakeAPIRequest(context.Background(), []byte("HEAD / HTTP/1.1\r\nHost: x\r\n\r\n"), port)
	if err != nil {
		t.Fatalf("HEAD: %v", err)
	}
	if !bytes.HasSuffix(resp, []byte("\r\n\r\n")) || bytes.Contains(resp, []byte("moisture")) {
		t.Fatalf("HEAD response = %q", resp)
	}
}

func TestAPIRequestRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	port := serverPort(t, srv)
	srv.Close()

	m := NewManager(Options{}, nil)
	defer m.Stop()
	if _, err := m.MakeAPIRequest(context.Background(), []byte("GET / HTTP/1.1\r\n\r\n"), port); err == nil {
		t.Fatal("expected dial error")
	}
}
