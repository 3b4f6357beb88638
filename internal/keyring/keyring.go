// Package keyring owns the station's channel key and IV. They are generated
// once, stored wrapped by the certificate key, and only unwrapped into
// locked memory for as long as a caller holds them.
package keyring

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"gardenlink/internal/audit"
	"gardenlink/internal/constants"
	"gardenlink/internal/crypto"
	"gardenlink/internal/logger"
	"gardenlink/internal/securemem"
	"gardenlink/internal/settings"
)

var ErrKeyUnavailable = errors.New("channel key unavailable")

// Wrapper encrypts small secrets for storage at rest. DecryptData fails with
// crypto.ErrDecrypt when data was wrapped under a different key.
type Wrapper interface {
	EncryptData(ctx context.Context, data []byte) ([]byte, error)
	DecryptData(ctx context.Context, data []byte) ([]byte, error)
}

type Keyring struct {
	settings settings.Store
	wrapper  Wrapper
	log      *logrus.Entry
	audit    *audit.Logger

	mu    sync.Mutex
	ready atomic.Bool
	gen   atomic.Uint64
}

func New(st settings.Store, wrapper Wrapper, log *logrus.Entry, al *audit.Logger) *Keyring {
	return &Keyring{settings: st, wrapper: wrapper, log: logger.OrDiscard(log), audit: al}
}

// Ensure makes sure wrapped key material exists. Only the first writer's
// material is kept; later calls are cheap.
func (k *Keyring) Ensure(ctx context.Context) error {
	if k.ready.Load() {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.ready.Load() {
		return nil
	}

	_, hasKey, err := k.settings.Get(ctx, constants.SettingAESKey)
	if err != nil {
		return err
	}
	_, hasIV, err := k.settings.Get(ctx, constants.SettingAESIV)
	if err != nil {
		return err
	}
	if hasKey && hasIV {
		k.ready.Store(true)
		return nil
	}

	// Wrapping needs the certificate, which itself goes through the settings
	// store, so it happens before the update rather than inside it.
	wrappedKey, wrappedIV, err := k.generateWrapped(ctx)
	if err != nil {
		return err
	}

	created := false
	err = k.settings.Update(ctx, func(tx settings.Tx) error {
		_, hasKey := tx.Get(constants.SettingAESKey)
		_, hasIV := tx.Get(constants.SettingAESIV)
		if hasKey && hasIV {
			created = false
			return nil
		}
		tx.Set(constants.SettingAESKey, wrappedKey)
		tx.Set(constants.SettingAESIV, wrappedIV)
		created = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("store channel key: %w", err)
	}
	if created {
		k.log.Info("Generated channel key material")
	}
	k.ready.Store(true)
	return nil
}

func (k *Keyring) generateWrapped(ctx context.Context) ([]byte, []byte, error) {
	key := make([]byte, constants.AESKeySize)
	iv := make([]byte, constants.AESIVSize)
	defer securemem.Scrub(key)
	defer securemem.Scrub(iv)

	if _, err := rand.Read(key); err != nil {
		return nil, nil, err
	}
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, err
	}

	wrappedKey, err := k.wrapper.EncryptData(ctx, key)
	if err != nil {
		return nil, nil, fmt.Errorf("wrap key: %w", err)
	}
	wrappedIV, err := k.wrapper.EncryptData(ctx, iv)
	if err != nil {
		return nil, nil, fmt.Errorf("wrap iv: %w", err)
	}
	return wrappedKey, wrappedIV, nil
}

// Acquire unwraps the key material. The caller must Release it.
//
// Material wrapped under a certificate that has since been replaced cannot
// be recovered. It is discarded and generated anew once, which invalidates
// every earlier pairing.
func (k *Keyring) Acquire(ctx context.Context) (*Material, error) {
	if err := k.Ensure(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}

	m, stale, err := k.load(ctx)
	if !errors.Is(err, crypto.ErrDecrypt) {
		return m, err
	}

	k.log.WithError(err).Warn("Channel key was wrapped by a replaced certificate, generating a new one")
	replaced, err := k.replace(ctx, stale)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	if replaced {
		k.audit.KeyMaterialReset()
	}
	m, _, err = k.load(ctx)
	return m, err
}

// load unwraps the stored key and iv. It also returns the wrapped key it
// read, so a caller can tell whether someone replaced it meanwhile.
func (k *Keyring) load(ctx context.Context) (*Material, []byte, error) {
	wrappedKey, err := k.wrapped(ctx, constants.SettingAESKey)
	if err != nil {
		return nil, nil, err
	}
	wrappedIV, err := k.wrapped(ctx, constants.SettingAESIV)
	if err != nil {
		return nil, nil, err
	}

	key, err := k.unwrap(ctx, constants.SettingAESKey, wrappedKey)
	if err != nil {
		return nil, wrappedKey, err
	}
	iv, err := k.unwrap(ctx, constants.SettingAESIV, wrappedIV)
	if err != nil {
		key.Destroy()
		return nil, wrappedKey, err
	}
	return &Material{Key: key, IV: iv}, wrappedKey, nil
}

func (k *Keyring) wrapped(ctx context.Context, name string) ([]byte, error) {
	wrapped, ok, err := k.settings.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrKeyUnavailable, name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s missing", ErrKeyUnavailable, name)
	}
	return wrapped, nil
}

func (k *Keyring) unwrap(ctx context.Context, name string, wrapped []byte) (*securemem.Buffer, error) {
	plain, err := k.wrapper.DecryptData(ctx, wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap %s: %w", ErrKeyUnavailable, name, err)
	}
	return securemem.FromBytes(plain)
}

// replace stores fresh material unless the stored key no longer equals
// stale, in which case another caller already replaced it.
func (k *Keyring) replace(ctx context.Context, stale []byte) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	wrappedKey, wrappedIV, err := k.generateWrapped(ctx)
	if err != nil {
		return false, err
	}

	replaced := false
	err = k.settings.Update(ctx, func(tx settings.Tx) error {
		replaced = false
		if current, _ := tx.Get(constants.SettingAESKey); !bytes.Equal(current, stale) {
			return nil
		}
		tx.Set(constants.SettingAESKey, wrappedKey)
		tx.Set(constants.SettingAESIV, wrappedIV)
		replaced = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("store channel key: %w", err)
	}
	k.gen.Add(1)
	return replaced, nil
}

// Generation changes whenever the stored key material is replaced. Holders
// of a cipher built from earlier material rebuild it when it moves.
func (k *Keyring) Generation() uint64 {
	return k.gen.Load()
}

// Material is unwrapped key material held in secure memory.
type Material struct {
	Key *securemem.Buffer
	IV  *securemem.Buffer
}

// Cipher builds a channel cipher from the material.
func (m *Material) Cipher(mode string) (crypto.Cipher, error) {
	key, err := m.Key.Copy()
	if err != nil {
		return nil, err
	}
	defer securemem.Scrub(key)
	iv, err := m.IV.Copy()
	if err != nil {
		return nil, err
	}
	defer securemem.Scrub(iv)
	return crypto.NewCipher(mode, key, iv)
}

// Release scrubs and frees the material.
func (m *Material) Release() {
	if m == nil {
		return
	}
	m.Key.Destroy()
	m.IV.Destroy()
}
