package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"gardenlink/internal/constants"
)

var (
	ErrDecrypt    = errors.New("decryption failed")
	ErrKeyLength  = errors.New("invalid key length")
	ErrUnknownAlg = errors.New("unknown cipher")
)

// Cipher is a symmetric message cipher shared by both ends of a channel.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// NewCipher builds the cipher named by mode. iv is ignored by modes that
// carry their own nonce.
func NewCipher(mode string, key, iv []byte) (Cipher, error) {
	switch mode {
	case "", constants.CipherAESCBC:
		return NewCBC(key, iv)
	case constants.CipherChaCha20Poly1305:
		return NewSealed(key)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAlg, mode)
}

// CBC is AES-CBC with PKCS#7 padding and a fixed IV agreed during key
// exchange. The key selects AES-128, -192 or -256. Identical plaintexts
// produce identical ciphertexts.
type CBC struct {
	block cipher.Block
	iv    []byte
}

func NewCBC(key, iv []byte) (*CBC, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: key is %d bytes", ErrKeyLength, len(key))
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: iv is %d bytes", ErrKeyLength, len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &CBC{block: block, iv: bytes.Clone(iv)}, nil
}

func (c *CBC) Encrypt(plaintext []byte) ([]byte, error) {
	padded := pad(plaintext, aes.BlockSize)
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(padded, padded)
	return padded, nil
}

func (c *CBC) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: length %d is not a multiple of the block size", ErrDecrypt, len(ciphertext))
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(out, ciphertext)
	return unpad(out, aes.BlockSize)
}

func pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpad(b []byte, blockSize int) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
		}
	}
	return b[:len(b)-n], nil
}
