package certs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	lrucache "github.com/cognusion/go-cache-lru"

	"gardenlink/internal/constants"
	"gardenlink/internal/crypto"
)

var ErrNotFound = errors.New("certificate not found")

// Store is the platform certificate store.
type Store interface {
	Save(c *Certificate) error
	Load(thumbprint string) (*Certificate, error)
	Delete(thumbprint string) error
}

// DirStore keeps each certificate as <thumbprint>.crt and <thumbprint>.key
// PEM files in one directory.
type DirStore struct {
	dir string
}

func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create certificate directory: %w", err)
	}
	return &DirStore{dir: dir}, nil
}

func (s *DirStore) paths(thumbprint string) (string, string, error) {
	tp := strings.ToUpper(thumbprint)
	if tp == "" || strings.ContainsAny(tp, `/\.`) {
		return "", "", fmt.Errorf("%w: bad thumbprint %q", ErrNotFound, thumbprint)
	}
	return filepath.Join(s.dir, tp+".crt"), filepath.Join(s.dir, tp+".key"), nil
}

func (s *DirStore) Save(c *Certificate) error {
	certPath, keyPath, err := s.paths(c.Thumbprint)
	if err != nil {
		return err
	}
	certPEM, keyPEM, err := c.EncodePEM()
	if err != nil {
		return err
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	return nil
}

func (s *DirStore) Load(thumbprint string) (*Certificate, error) {
	certPath, keyPath, err := s.paths(thumbprint)
	if err != nil {
		return nil, err
	}
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, thumbprint)
		}
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: key for %s", ErrNotFound, thumbprint)
		}
		return nil, err
	}

	c, err := DecodePEM(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	if !crypto.ThumbprintEqual(c.Thumbprint, thumbprint) {
		return nil, fmt.Errorf("%w: stored file does not match thumbprint %s", ErrInvalidCertificate, thumbprint)
	}
	return c, nil
}

func (s *DirStore) Delete(thumbprint string) error {
	certPath, keyPath, err := s.paths(thumbprint)
	if err != nil {
		return err
	}
	for _, p := range []string{certPath, keyPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Cache looks certificates up by thumbprint, going to the store on a miss.
// Entries expire after the configured TTL.
type Cache struct {
	store Store
	lru   *lrucache.Cache
}

func NewCache(store Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = constants.CertificateCacheTTL
	}
	return &Cache{
		store: store,
		lru:   lrucache.NewWithLRU(ttl, time.Hour, constants.CertificateCacheMax),
	}
}

func (c *Cache) Lookup(thumbprint string) (*Certificate, error) {
	key := strings.ToUpper(thumbprint)
	if v, ok := c.lru.Get(key); ok {
		return v.(*Certificate), nil
	}
	cert, err := c.store.Load(key)
	if err != nil {
		return nil, err
	}
	c.lru.Set(key, cert, lrucache.DefaultExpiration)
	return cert, nil
}

func (c *Cache) Put(cert *Certificate) {
	c.lru.Set(strings.ToUpper(cert.Thumbprint), cert, lrucache.DefaultExpiration)
}

func (c *Cache) Forget(thumbprint string) {
	c.lru.Delete(strings.ToUpper(thumbprint))
}
