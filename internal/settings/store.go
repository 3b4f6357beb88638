// Package settings persists the few values the network core keeps across
// restarts: the certificate thumbprint and the wrapped channel key.
package settings

import (
	"context"
	"errors"
)

var (
	ErrClosed   = errors.New("settings store closed")
	ErrConflict = errors.New("settings update conflicted too many times")
)

// Tx is a staged view used inside Update. Reads see the transaction's own
// writes. Nothing is visible to others until the update function returns nil.
type Tx interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
	Delete(key string)
}

// Store serializes every Update, so read-modify-write sequences never lose a
// concurrent write. An update function may run more than once when the
// backend retries a conflicting transaction.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

type stagedTx struct {
	read    func(key string) ([]byte, bool)
	sets    map[string][]byte
	deletes map[string]struct{}
}

func newStagedTx(read func(key string) ([]byte, bool)) *stagedTx {
	return &stagedTx{
		read:    read,
		sets:    make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}
}

func (tx *stagedTx) Get(key string) ([]byte, bool) {
	if v, ok := tx.sets[key]; ok {
		return clone(v), true
	}
	if _, ok := tx.deletes[key]; ok {
		return nil, false
	}
	v, ok := tx.read(key)
	if !ok {
		return nil, false
	}
	return clone(v), true
}

func (tx *stagedTx) Set(key string, value []byte) {
	delete(tx.deletes, key)
	tx.sets[key] = clone(value)
}

func (tx *stagedTx) Delete(key string) {
	delete(tx.sets, key)
	tx.deletes[key] = struct{}{}
}

func (tx *stagedTx) dirty() bool {
	return len(tx.sets) > 0 || len(tx.deletes) > 0
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
