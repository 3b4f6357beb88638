package certs

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"gardenlink/internal/constants"
	"gardenlink/internal/settings"
)

type fixture struct {
	settings *settings.MemoryStore
	store    *DirStore
	handler  *Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := settings.NewMemoryStore("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	store, err := NewDirStore(filepath.Join(t.TempDir(), "certs"))
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		settings: st,
		store:    store,
		handler:  NewHandler(st, store, NewCache(store, 0), Options{}, nil, nil),
	}
}

func TestCertificateIsCreatedOnceAndReused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.handler.GetCurrentServerCertificate(ctx)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if first.Key.N.BitLen() < constants.RSAKeyBits {
		t.Errorf("key size = %d bits", first.Key.N.BitLen())
	}
	if first.Leaf.Subject.CommonName != constants.CertificateSubject {
		t.Errorf("subject = %q", first.Leaf.Subject.CommonName)
	}

	second, err := f.handler.GetCurrentServerCertificate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second.Thumbprint != first.Thumbprint {
		t.Fatal("second call returned a different certificate")
	}

	stored, ok, _ := f.settings.Get(ctx, constants.SettingThumbprint)
	if !ok || string(stored) != first.Thumbprint {
		t.Fatalf("stored thumbprint = %q", stored)
	}

	// A fresh handler with an empty cache loads the same certificate from disk.
	fresh := NewHandler(f.settings, f.store, NewCache(f.store, 0), Options{}, nil, nil)
	again, err := fresh.GetCurrentServerCertificate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again.Thumbprint != first.Thumbprint {
		t.Fatal("certificate not reloaded from the store")
	}
}

func TestClearedThumbprintCreatesNewCertificate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.handler.GetCurrentServerCertificate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	f.settings.Update(ctx, func(tx settings.Tx) error {
		tx.Delete(constants.SettingThumbprint)
		return nil
	})

	second, err := f.handler.GetCurrentServerCertificate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second.Thumbprint == first.Thumbprint {
		t.Fatal("expected a new certificate after clearing the thumbprint")
	}
}

func TestUnloadableThumbprintIsReplaced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.settings.Update(ctx, func(tx settings.Tx) error {
		tx.Set(constants.SettingThumbprint, []byte("DEADBEEF"))
		return nil
	})

	cert, err := f.handler.GetCurrentServerCertificate(ctx)
	if err != nil {
		t.Fatalf("recovery failed: %v", err)
	}
	if cert.Thumbprint == "DEADBEEF" {
		t.Fatal("bogus thumbprint returned")
	}
	stored, _, _ := f.settings.Get(ctx, constants.SettingThumbprint)
	if string(stored) != cert.Thumbprint {
		t.Fatalf("settings hold %q, want %q", stored, cert.Thumbprint)
	}
}

type brokenStore struct{}

func (brokenStore) Save(*Certificate) error { return errors.New("disk on fire") }
func (brokenStore) Load(string) (*Certificate, error) { return nil, ErrNotFound }
func (brokenStore) Delete(string) error { return nil }

func TestBrokenStoreMakesCertificateUnavailable(t *testing.T) {
	st, _ := settings.NewMemoryStore("")
	defer st.Close()

	h := NewHandler(st, brokenStore{}, NewCache(brokenStore{}, 0), Options{}, nil, nil)
	if _, err := h.GetCurrentServerCertificate(context.Background()); !errors.Is(err, ErrCertificateUnavailable) {
		t.Fatalf("err = %v, want ErrCertificateUnavailable", err)
	}
	if _, err := h.EncryptData(context.Background(), []byte("k")); !errors.Is(err, ErrCertificateUnavailable) {
		t.Fatalf("EncryptData err = %v", err)
	}
}

func TestEncryptDecryptData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	secret := bytes.Repeat([]byte{0x42}, constants.AESKeySize)
	wrapped, err := f.handler.EncryptData(ctx, secret)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(wrapped, secret) {
		t.Fatal("data not encrypted")
	}
	plain, err := f.handler.DecryptData(ctx, wrapped)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plain, secret) {
		t.Fatal("round trip mismatch")
	}

	if _, err := f.handler.EncryptData(ctx, make([]byte, 4096)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("bulk payload err = %v", err)
	}
}

func TestPEMRoundTrip(t *testing.T) {
	cert, err := Generate(Options{})
	if err != nil {
		t.Fatal(err)
	}
	certPEM, keyPEM, err := cert.EncodePEM()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodePEM(certPEM, keyPEM)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Thumbprint != cert.Thumbprint {
		t.Fatal("thumbprint changed across PEM encoding")
	}
	if _, err := DecodePEM([]byte("junk"), keyPEM); !errors.Is(err, ErrInvalidCertificate) {
		t.Fatalf("junk certificate err = %v", err)
	}
}
