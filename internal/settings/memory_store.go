package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// MemoryStore keeps settings in memory, optionally mirrored to a JSON file.
// A single goroutine applies all updates in arrival order.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
	path string

	updates chan updateReq
	quit    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

type updateReq struct {
	fn   func(Tx) error
	done chan error
}

// NewMemoryStore loads path if it exists. An empty path keeps everything in
// memory only.
func NewMemoryStore(path string) (*MemoryStore, error) {
	st := &MemoryStore{
		data:    make(map[string][]byte),
		path:    path,
		updates: make(chan updateReq),
		quit:    make(chan struct{}),
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(raw, &st.data); err != nil {
				return nil, fmt.Errorf("parse settings file %s: %w", path, err)
			}
			if st.data == nil {
				st.data = make(map[string][]byte)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("read settings file %s: %w", path, err)
		}
	}

	st.wg.Add(1)
	go st.run()
	return st, nil
}

func (st *MemoryStore) run() {
	defer st.wg.Done()
	for {
		select {
		case <-st.quit:
			return
		case req := <-st.updates:
			req.done <- st.apply(req.fn)
		}
	}
}

func (st *MemoryStore) apply(fn func(Tx) error) error {
	tx := newStagedTx(func(key string) ([]byte, bool) {
		st.mu.RLock()
		defer st.mu.RUnlock()
		v, ok := st.data[key]
		return v, ok
	})
	if err := fn(tx); err != nil {
		return err
	}
	if !tx.dirty() {
		return nil
	}

	st.mu.Lock()
	next := make(map[string][]byte, len(st.data)+len(tx.sets))
	for k, v := range st.data {
		next[k] = v
	}
	for k := range tx.deletes {
		delete(next, k)
	}
	for k, v := range tx.sets {
		next[k] = v
	}
	if err := st.persist(next); err != nil {
		st.mu.Unlock()
		return err
	}
	st.data = next
	st.mu.Unlock()
	return nil
}

func (st *MemoryStore) persist(data map[string][]byte) error {
	if st.path == "" {
		return nil
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(st.path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create settings directory: %w", err)
		}
	}
	tmp := st.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("write settings file: %w", err)
	}
	if err := os.Rename(tmp, st.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace settings file: %w", err)
	}
	return nil
}

func (st *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	v, ok := st.data[key]
	if !ok {
		return nil, false, nil
	}
	return clone(v), true, nil
}

// Update hands fn to the writer goroutine and waits for the result. If ctx
// ends after fn was accepted, the update may still be applied.
func (st *MemoryStore) Update(ctx context.Context, fn func(Tx) error) error {
	req := updateReq{fn: fn, done: make(chan error, 1)}
	select {
	case st.updates <- req:
	case <-st.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (st *MemoryStore) Close() error {
	st.once.Do(func() { close(st.quit) })
	st.wg.Wait()
	return nil
}
