package command

import (
	"context"
	"sync"

	"gardenlink/internal/constants"
	"gardenlink/internal/crypto"
)

// keyedCipher encrypts with the current channel key. Once the keyring
// replaces the material, the next frame is handled with the new key.
type keyedCipher struct {
	keys KeyProvider
	mode string

	mu     sync.Mutex
	gen    uint64
	cipher crypto.Cipher
}

func (k *keyedCipher) current(ctx context.Context) (crypto.Cipher, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cipher != nil && k.gen == k.keys.Generation() {
		return k.cipher, nil
	}

	mat, err := k.keys.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer mat.Release()
	c, err := mat.Cipher(k.mode)
	if err != nil {
		return nil, err
	}
	k.cipher, k.gen = c, k.keys.Generation()
	return c, nil
}

func (k *keyedCipher) load() (crypto.Cipher, error) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultIOTimeout)
	defer cancel()
	return k.current(ctx)
}

func (k *keyedCipher) Encrypt(plaintext []byte) ([]byte, error) {
	c, err := k.load()
	if err != nil {
		return nil, err
	}
	return c.Encrypt(plaintext)
}

func (k *keyedCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	c, err := k.load()
	if err != nil {
		return nil, err
	}
	return c.Decrypt(ciphertext)
}
