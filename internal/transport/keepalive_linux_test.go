//go:build linux

package transport

import (
	"context"
	"testing"
	"time"
)

func TestKeepAliveDetectsPeerClose(t *testing.T) {
	l := NewListener(ListenerSettings{Endpoint: Loopback(0), Mode: Concurrent}, func(ctx context.Context, c *Conn) {}, nil)
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	settings := DefaultSettings(l.Endpoint())
	settings.KeepAliveInterval = 20 * time.Millisecond
	c := NewConn(nil)
	if err := c.Start(context.Background(), settings); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	// Nobody reads: only the keep-alive check can notice the peer went away.
	select {
	case <-c.Collapsed():
	case <-time.After(3 * time.Second):
		t.Fatal("keep-alive check did not collapse the connection")
	}
}
