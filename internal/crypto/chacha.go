package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Sealed encrypts each message with ChaCha20-Poly1305 under a fresh random
// nonce. Output is nonce followed by the sealed ciphertext.
type Sealed struct {
	aead cipher.AEAD
}

func NewSealed(key []byte) (*Sealed, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &Sealed{aead: aead}, nil
}

func (s *Sealed) Encrypt(plaintext []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+s.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, err
	}
	return s.aead.Seal(out, out[:nonceSize], plaintext, nil), nil
}

func (s *Sealed) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(ciphertext) < nonceSize+s.aead.Overhead() {
		return nil, fmt.Errorf("%w: message too short", ErrDecrypt)
	}
	plain, err := s.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}
