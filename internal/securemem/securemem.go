// Package securemem holds secrets outside the garbage-collected heap where
// the platform allows it, so key bytes are not copied around by the runtime
// and can be reliably overwritten when released.
package securemem

import (
	"crypto/rand"
	"errors"
	"sync"
)

var ErrDestroyed = errors.New("secure buffer destroyed")

// Buffer owns a fixed-size region holding one secret.
type Buffer struct {
	mu   sync.Mutex
	data []byte
	free func([]byte)
}

// New allocates a zeroed buffer of n bytes.
func New(n int) (*Buffer, error) {
	data, free, err := alloc(n)
	if err != nil {
		return nil, err
	}
	return &Buffer{data: data, free: free}, nil
}

// FromBytes moves src into a new buffer and scrubs src.
func FromBytes(src []byte) (*Buffer, error) {
	b, err := New(len(src))
	if err != nil {
		Scrub(src)
		return nil, err
	}
	copy(b.data, src)
	Scrub(src)
	return b, nil
}

// Bytes returns the secret in place. The slice is invalid after Destroy.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

// Copy returns a heap copy. Callers scrub it when done.
func (b *Buffer) Copy() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return nil, ErrDestroyed
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out, nil
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Destroy scrubs and frees the region. Safe to call more than once and on a
// nil buffer.
func (b *Buffer) Destroy() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return
	}
	Scrub(b.data)
	b.free(b.data)
	b.data = nil
}

// Scrub overwrites b with random bytes.
func Scrub(b []byte) {
	if len(b) == 0 {
		return
	}
	if _, err := rand.Read(b); err != nil {
		clear(b)
	}
}
