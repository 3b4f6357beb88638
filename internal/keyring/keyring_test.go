package keyring

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"gardenlink/internal/audit"
	"gardenlink/internal/constants"
	"gardenlink/internal/crypto"
	"gardenlink/internal/settings"
)

// xorWrapper stands in for the certificate handler.
type xorWrapper struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (w *xorWrapper) EncryptData(_ context.Context, data []byte) ([]byte, error) {
	w.mu.Lock()
	w.calls++
	w.mu.Unlock()
	if w.fail {
		return nil, errors.New("no certificate")
	}
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ 0x5a
	}
	return out, nil
}

func (w *xorWrapper) DecryptData(ctx context.Context, data []byte) ([]byte, error) {
	return w.EncryptData(ctx, data)
}

func TestAcquireReturnsStableMaterial(t *testing.T) {
	st, _ := settings.NewMemoryStore("")
	defer st.Close()
	ctx := context.Background()
	kr := New(st, &xorWrapper{}, nil, nil)

	first, err := kr.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Release()
	if first.Key.Len() != constants.AESKeySize || first.IV.Len() != constants.AESIVSize {
		t.Fatalf("material sizes = %d/%d", first.Key.Len(), first.IV.Len())
	}

	second, err := kr.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Release()
	if !bytes.Equal(first.Key.Bytes(), second.Key.Bytes()) || !bytes.Equal(first.IV.Bytes(), second.IV.Bytes()) {
		t.Fatal("key material changed between acquisitions")
	}

	stored, _, _ := st.Get(ctx, constants.SettingAESKey)
	if bytes.Equal(stored, first.Key.Bytes()) {
		t.Fatal("key stored unwrapped")
	}
}

func TestEnsureGeneratesOnceUnderConcurrency(t *testing.T) {
	st, _ := settings.NewMemoryStore("")
	defer st.Close()
	ctx := context.Background()

	// Separate keyrings share the store, like independent components would.
	var wg sync.WaitGroup
	keys := make([][]byte, 8)
	for i := range keys {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := New(st, &xorWrapper{}, nil, nil).Acquire(ctx)
			if err != nil {
				t.Error(err)
				return
			}
			keys[i] = bytes.Clone(m.Key.Bytes())
			m.Release()
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(keys); i++ {
		if !bytes.Equal(keys[0], keys[i]) {
			t.Fatal("concurrent Ensure produced different keys")
		}
	}
}

func TestMaterialCipherAndRelease(t *testing.T) {
	st, _ := settings.NewMemoryStore("")
	defer st.Close()
	kr := New(st, &xorWrapper{}, nil, nil)

	m, err := kr.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	c, err := m.Cipher(constants.CipherAESCBC)
	if err != nil {
		t.Fatal(err)
	}
	enc, _ := c.Encrypt([]byte("open valve 3"))
	dec, err := c.Decrypt(enc)
	if err != nil || string(dec) != "open valve 3" {
		t.Fatalf("cipher round trip = %q, %v", dec, err)
	}

	m.Release()
	m.Release()
	if _, err := m.Cipher(constants.CipherAESCBC); err == nil {
		t.Fatal("released material still usable")
	}
}

func TestAcquireFailsWithoutWrapper(t *testing.T) {
	st, _ := settings.NewMemoryStore("")
	defer st.Close()

	_, err := New(st, &xorWrapper{fail: true}, nil, nil).Acquire(context.Background())
	if !errors.Is(err, ErrKeyUnavailable) {
		t.Fatalf("err = %v, want ErrKeyUnavailable", err)
	}
}

// generationWrapper tags wrapped data with its key generation, like a
// certificate that can be replaced.
type generationWrapper struct {
	mu  sync.Mutex
	gen byte
}

func (w *generationWrapper) rotate() {
	w.mu.Lock()
	w.gen++
	w.mu.Unlock()
}

func (w *generationWrapper) EncryptData(_ context.Context, data []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte{w.gen}, data...), nil
}

func (w *generationWrapper) DecryptData(_ context.Context, data []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(data) == 0 || data[0] != w.gen {
		return nil, crypto.ErrDecrypt
	}
	return bytes.Clone(data[1:]), nil
}

func TestAcquireRecoversAfterCertificateChange(t *testing.T) {
	st, _ := settings.NewMemoryStore("")
	defer st.Close()
	ctx := context.Background()
	w := &generationWrapper{}
	auditPath := filepath.Join(t.TempDir(), "audit.log")
	al, err := audit.New(auditPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	kr := New(st, w, nil, al)

	before, err := kr.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	oldKey := bytes.Clone(before.Key.Bytes())
	before.Release()

	w.rotate()

	// A restarted station sees the same settings with a new certificate.
	for _, k := range []*Keyring{kr, New(st, w, nil, al)} {
		after, err := k.Acquire(ctx)
		if err != nil {
			t.Fatalf("Acquire after certificate change: %v", err)
		}
		if after.Key.Len() != constants.AESKeySize || bytes.Equal(after.Key.Bytes(), oldKey) {
			t.Fatal("stale key material survived the certificate change")
		}
		after.Release()
	}

	first, _ := kr.Acquire(ctx)
	second, _ := New(st, w, nil, nil).Acquire(ctx)
	defer first.Release()
	defer second.Release()
	if !bytes.Equal(first.Key.Bytes(), second.Key.Bytes()) {
		t.Fatal("replacement material is not shared")
	}

	al.Close()
	logged, _ := os.ReadFile(auditPath)
	if n := strings.Count(string(logged), audit.EventKeyMaterialReset); n != 1 {
		t.Fatalf("key reset audited %d times, want 1", n)
	}
}

func TestAcquireDoesNotResetOnOtherErrors(t *testing.T) {
	st, _ := settings.NewMemoryStore("")
	defer st.Close()
	ctx := context.Background()
	w := &xorWrapper{}
	kr := New(st, w, nil, nil)

	m, err := kr.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	m.Release()
	stored, _, _ := st.Get(ctx, constants.SettingAESKey)

	w.fail = true
	if _, err := kr.Acquire(ctx); !errors.Is(err, ErrKeyUnavailable) {
		t.Fatalf("err = %v, want ErrKeyUnavailable", err)
	}
	if now, _, _ := st.Get(ctx, constants.SettingAESKey); !bytes.Equal(now, stored) {
		t.Fatal("key material replaced after an unrelated unwrap failure")
	}
}
