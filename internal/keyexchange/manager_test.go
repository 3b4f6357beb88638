package keyexchange

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gardenlink/internal/audit"
	"gardenlink/internal/certs"
	"gardenlink/internal/constants"
	"gardenlink/internal/keyring"
	"gardenlink/internal/settings"
	"gardenlink/internal/transport"
)

type station struct {
	manager *Manager
	keys    *keyring.Keyring
	certs   *certs.Handler
	store   settings.Store
	cert    *certs.Certificate
	audit   string
}

func newStation(t *testing.T) *station {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	st, err := settings.NewMemoryStore("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	store, err := certs.NewDirStore(filepath.Join(dir, "certs"))
	if err != nil {
		t.Fatal(err)
	}
	handler := certs.NewHandler(st, store, certs.NewCache(store, 0), certs.Options{}, nil, nil)
	cert, err := handler.GetCurrentServerCertificate(ctx)
	if err != nil {
		t.Fatal(err)
	}

	auditPath := filepath.Join(dir, "audit.log")
	al, err := audit.New(auditPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { al.Close() })

	keys := keyring.New(st, handler, nil, nil)
	m := NewManager(2*time.Second, nil, al)
	m.Init(keys, handler)
	if err := m.Start(ctx, 0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Stop)

	return &station{manager: m, keys: keys, certs: handler, store: st, cert: cert, audit: auditPath}
}

func (s *station) endpoint() transport.Endpoint {
	return transport.Loopback(s.manager.Endpoint().Port)
}

func TestKeyExchangeDeliversStationKey(t *testing.T) {
	s := newStation(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key, iv, err := Fetch(ctx, s.endpoint(), s.cert.Thumbprint)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	material, err := s.keys.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer material.Release()
	if !bytes.Equal(key, material.Key.Bytes()) || !bytes.Equal(iv, material.IV.Bytes()) {
		t.Fatal("client received different key material than the station holds")
	}

	// Serial mode: a second client is served after the first.
	key2, _, err := Fetch(ctx, s.endpoint(), s.cert.Thumbprint)
	if err != nil || !bytes.Equal(key, key2) {
		t.Fatalf("second Fetch = %v", err)
	}
}

func TestKeyExchangeStopsOnBadAck(t *testing.T) {
	s := newStation(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	settings := transport.DefaultSettings(s.endpoint())
	settings.Handshake = transport.NewPinnedTLSClient("", s.cert.Thumbprint)
	c := transport.NewConn(nil)
	if err := c.Start(ctx, settings); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ReceiveExact(ctx, constants.AESKeySize); err != nil {
		t.Fatal(err)
	}
	if err := c.SendRaw(ctx, []byte{1, 2, 3, 4, 5, 6, 7, 8}); err != nil {
		t.Fatal(err)
	}

	// Nothing else may follow a rejected acknowledgement.
	if got, err := c.ReceiveExact(ctx, 1); err == nil {
		t.Fatalf("received %v after a bad ack", got)
	} else if !errors.Is(err, transport.ErrConnectionClosed) {
		t.Fatalf("err = %v, want ErrConnectionClosed", err)
	}
	c.Stop()

	// The listener keeps serving.
	if _, _, err := Fetch(ctx, s.endpoint(), s.cert.Thumbprint); err != nil {
		t.Fatalf("Fetch after rejected client: %v", err)
	}

	events := readAudit(t, s.audit)
	if !bytes.Contains(events, []byte(audit.EventAckMismatch)) {
		t.Fatalf("ack mismatch not audited: %s", events)
	}
}

func TestKeyExchangeServesReplacedCertificate(t *testing.T) {
	s := newStation(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, _, err := Fetch(ctx, s.endpoint(), s.cert.Thumbprint); err != nil {
		t.Fatal(err)
	}

	// Losing the thumbprint makes the handler issue a new certificate.
	err := s.store.Update(ctx, func(tx settings.Tx) error {
		tx.Delete(constants.SettingThumbprint)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	replaced, err := s.certs.GetCurrentServerCertificate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if replaced.Thumbprint == s.cert.Thumbprint {
		t.Fatal("certificate not replaced")
	}

	if _, _, err := Fetch(ctx, s.endpoint(), s.cert.Thumbprint); !errors.Is(err, transport.ErrCertificateRejected) {
		t.Fatalf("old pin: err = %v, want ErrCertificateRejected", err)
	}
	key, iv, err := Fetch(ctx, s.endpoint(), replaced.Thumbprint)
	if err != nil {
		t.Fatalf("Fetch with the new pin: %v", err)
	}

	material, err := s.keys.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after certificate change: %v", err)
	}
	defer material.Release()
	if !bytes.Equal(key, material.Key.Bytes()) || !bytes.Equal(iv, material.IV.Bytes()) {
		t.Fatal("client received different key material than the station holds")
	}
}

func TestKeyExchangeRejectsForeignPin(t *testing.T) {
	s := newStation(t)
	ctx := context.Background()

	other, err := certs.Generate(certs.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := Fetch(ctx, s.endpoint(), other.Thumbprint); !errors.Is(err, transport.ErrCertificateRejected) {
		t.Fatalf("err = %v, want ErrCertificateRejected", err)
	}
}

func TestKeyExchangePortNotFree(t *testing.T) {
	s := newStation(t)

	m := NewManager(0, nil, nil)
	m.Init(s.keys, staticCert{s.cert})
	err := m.Start(context.Background(), s.manager.Endpoint().Port)
	if !errors.Is(err, transport.ErrPortNotFree) {
		t.Fatalf("err = %v, want ErrPortNotFree", err)
	}
	m.Stop()
}

func TestStartRequiresInit(t *testing.T) {
	if err := NewManager(0, nil, nil).Start(context.Background(), 0); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("err = %v", err)
	}
}

type staticCert struct{ c *certs.Certificate }

func (s staticCert) GetCurrentServerCertificate(context.Context) (*certs.Certificate, error) {
	return s.c, nil
}

func readAudit(t *testing.T, path string) []byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		raw, _ := os.ReadFile(path)
		if len(raw) > 0 || time.Now().After(deadline) {
			return raw
		}
		time.Sleep(20 * time.Millisecond)
	}
}
