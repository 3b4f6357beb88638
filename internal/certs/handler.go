package certs

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"gardenlink/internal/audit"
	"gardenlink/internal/constants"
	"gardenlink/internal/crypto"
	"gardenlink/internal/logger"
	"gardenlink/internal/settings"
)

var (
	ErrCertificateUnavailable = errors.New("server certificate unavailable")
	ErrPayloadTooLarge        = errors.New("payload too large for rsa key")
)

// Handler owns the station certificate. It creates one on first use, reloads
// it by the thumbprint kept in settings, and replaces it once if the stored
// one cannot be loaded.
type Handler struct {
	settings settings.Store
	cache    *Cache
	store    Store
	opts     Options
	log      *logrus.Entry
	audit    *audit.Logger

	mu sync.Mutex
}

func NewHandler(st settings.Store, store Store, cache *Cache, opts Options, log *logrus.Entry, al *audit.Logger) *Handler {
	return &Handler{
		settings: st,
		cache:    cache,
		store:    store,
		opts:     opts,
		log:      logger.OrDiscard(log),
		audit:    al,
	}
}

func (h *Handler) GetCurrentServerCertificate(ctx context.Context) (*Certificate, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cert, created, err := h.loadOrCreate(ctx)
	if err == nil {
		if created {
			h.audit.CertificateCreated(cert.Thumbprint, false)
		}
		return cert, nil
	}

	h.log.WithError(err).Warn("Stored certificate unusable, creating a new one")
	if clearErr := h.clearThumbprint(ctx); clearErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateUnavailable, clearErr)
	}

	cert, _, err = h.loadOrCreate(ctx)
	if err != nil {
		h.log.WithError(err).Error("Certificate creation failed")
		return nil, fmt.Errorf("%w: %v", ErrCertificateUnavailable, err)
	}
	h.audit.CertificateCreated(cert.Thumbprint, true)
	return cert, nil
}

func (h *Handler) loadOrCreate(ctx context.Context) (*Certificate, bool, error) {
	var thumbprint string
	var created *Certificate

	err := h.settings.Update(ctx, func(tx settings.Tx) error {
		created = nil
		if v, ok := tx.Get(constants.SettingThumbprint); ok && len(v) > 0 {
			thumbprint = string(v)
			return nil
		}

		cert, err := Generate(h.opts)
		if err != nil {
			return err
		}
		if err := h.store.Save(cert); err != nil {
			return fmt.Errorf("save certificate: %w", err)
		}
		tx.Set(constants.SettingThumbprint, []byte(cert.Thumbprint))
		created = cert
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if created != nil {
		h.cache.Put(created)
		h.log.WithField("thumbprint", created.Thumbprint).Info("Created station certificate")
		return created, true, nil
	}

	cert, err := h.cache.Lookup(thumbprint)
	if err != nil {
		return nil, false, err
	}
	return cert, false, nil
}

func (h *Handler) clearThumbprint(ctx context.Context) error {
	var old string
	err := h.settings.Update(ctx, func(tx settings.Tx) error {
		if v, ok := tx.Get(constants.SettingThumbprint); ok {
			old = string(v)
		}
		tx.Delete(constants.SettingThumbprint)
		return nil
	})
	if old != "" {
		h.cache.Forget(old)
	}
	return err
}

// EncryptData wraps a small secret with the certificate's public key
// (RSA PKCS#1 v1.5). Bulk data does not fit.
func (h *Handler) EncryptData(ctx context.Context, data []byte) ([]byte, error) {
	cert, err := h.GetCurrentServerCertificate(ctx)
	if err != nil {
		return nil, err
	}
	if max := cert.Key.PublicKey.Size() - 11; len(data) > max {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(data), max)
	}
	return rsa.EncryptPKCS1v15(rand.Reader, &cert.Key.PublicKey, data)
}

func (h *Handler) DecryptData(ctx context.Context, data []byte) ([]byte, error) {
	cert, err := h.GetCurrentServerCertificate(ctx)
	if err != nil {
		return nil, err
	}
	plain, err := rsa.DecryptPKCS1v15(rand.Reader, cert.Key, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", crypto.ErrDecrypt, err)
	}
	return plain, nil
}
