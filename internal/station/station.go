// Package station wires the network core together and runs it until a
// shutdown signal arrives.
package station

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/sirupsen/logrus"

	"gardenlink/internal/audit"
	"gardenlink/internal/certs"
	"gardenlink/internal/command"
	"gardenlink/internal/config"
	"gardenlink/internal/constants"
	"gardenlink/internal/keyexchange"
	"gardenlink/internal/keyring"
	"gardenlink/internal/nat"
	"gardenlink/internal/relay"
	"gardenlink/internal/settings"
	"gardenlink/internal/transport"
	"gardenlink/internal/tunnel"
)

type Station struct {
	cfg *config.Config
	log *logrus.Logger

	Audit    *audit.Logger
	Settings settings.Store
	Certs    *certs.Handler
	Keys     *keyring.Keyring
	Exchange *keyexchange.Manager
	Relay    *relay.Manager
	WAN      *tunnel.Manager
	Commands *command.Server
	Watering *command.LogController
}

// Identity is what a client needs to pair with the station.
type Identity struct {
	StationID       string    `json:"id"`
	CommandPort     int       `json:"command_port"`
	KeyExchangePort int       `json:"key_exchange_port"`
	Thumbprint      string    `json:"thumbprint"`
	NotAfter        time.Time `json:"not_after"`
}

func (s *Station) component(name string) *logrus.Entry {
	return s.log.WithField("component", name)
}

// New opens the stores and builds every component. Nothing listens until Run.
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*Station, error) {
	s := &Station{cfg: cfg, log: log}

	al, err := audit.New(cfg.AuditLog, s.component("audit"))
	if err != nil {
		s.log.WithError(err).Warn("Failed to initialize audit logger")
	}
	s.Audit = al

	st, err := settings.NewStore(ctx, cfg, s.component("settings"))
	if err != nil {
		s.Audit.Close()
		return nil, fmt.Errorf("failed to initialize settings store: %w", err)
	}
	s.Settings = st

	store, err := certs.NewDirStore(cfg.CertDir)
	if err != nil {
		s.Settings.Close()
		s.Audit.Close()
		return nil, fmt.Errorf("failed to open certificate directory: %w", err)
	}
	s.Certs = certs.NewHandler(st, store, certs.NewCache(store, constants.CertificateCacheTTL), certs.Options{}, s.component("certs"), al)
	s.Keys = keyring.New(st, s.Certs, s.component("keyring"), al)

	s.Exchange = keyexchange.NewManager(cfg.IOTimeout, s.component("keyexchange"), al)
	s.Exchange.Init(s.Keys, s.Certs)

	s.Relay = relay.NewManager(relay.Options{
		Framing:        cfg.RelayFraming,
		ConnectTimeout: cfg.ConnectTimeout,
		IOTimeout:      cfg.IOTimeout,
		SessionIdle:    cfg.RelaySessionIdle,
	}, s.component("relay"))

	s.WAN = tunnel.NewManager(tunnel.Options{
		StationID:            cfg.StationID,
		RendezvousHost:       cfg.RendezvousHost,
		RendezvousPort:       cfg.RendezvousPort,
		RendezvousThumbprint: cfg.RendezvousThumbprint,
		RendezvousTransport:  cfg.RendezvousTransport,
		RendezvousPath:       cfg.RendezvousPath,
		RetryInterval:        cfg.RetryInterval,
		P2PPort:              cfg.P2PPort,
		P2PMultiplex:         cfg.P2PMultiplex,
		Cipher:               cfg.ChannelCipher,
		ConnectTimeout:       cfg.ConnectTimeout,
		IOTimeout:            cfg.IOTimeout,
		KeepAliveInterval:    cfg.KeepAliveInterval,
	}, s.Relay, s.Keys, nat.New(cfg.STUNServer, cfg.ConnectTimeout, s.component("nat")), s.component("tunnel"), al)

	s.Watering = command.NewLogController(s.component("watering"))
	s.Commands = command.NewServer(command.Options{
		Port:              cfg.CommandPort,
		Cipher:            cfg.ChannelCipher,
		IOTimeout:         cfg.IOTimeout,
		KeepAliveInterval: cfg.KeepAliveInterval,
	}, s.Keys, s.Watering, s.WAN, s.component("command"))

	return s, nil
}

// Identity loads (or creates) the station certificate and reports the
// pairing details.
func (s *Station) Identity(ctx context.Context) (*Identity, error) {
	cert, err := s.Certs.GetCurrentServerCertificate(ctx)
	if err != nil {
		return nil, err
	}
	return &Identity{
		StationID:       s.cfg.StationID,
		CommandPort:     s.cfg.CommandPort,
		KeyExchangePort: s.cfg.KeyExchangePort,
		Thumbprint:      cert.Thumbprint,
		NotAfter:        cert.Leaf.NotAfter,
	}, nil
}

// Start brings the listeners and the WAN loop up. A busy port disables that
// listener but does not stop the station.
func (s *Station) Start(ctx context.Context) error {
	if err := s.Keys.Ensure(ctx); err != nil {
		return fmt.Errorf("failed to prepare key material: %w", err)
	}

	if err := s.Exchange.Start(ctx, s.cfg.KeyExchangePort); err != nil && !errors.Is(err, transport.ErrPortNotFree) {
		return fmt.Errorf("failed to start key exchange: %w", err)
	}
	if err := s.Commands.Start(ctx); err != nil && !errors.Is(err, transport.ErrPortNotFree) {
		return fmt.Errorf("failed to start command server: %w", err)
	}
	if err := s.WAN.Start(ctx); err != nil {
		return fmt.Errorf("failed to start tunnel: %w", err)
	}
	go s.watchEvents()

	s.log.WithFields(logrus.Fields{
		"station":      s.cfg.StationID,
		"command":      s.Commands.Endpoint().String(),
		"key_exchange": s.Exchange.Endpoint().String(),
		"rendezvous":   s.cfg.RendezvousHost,
	}).Info("Station started")
	return nil
}

func (s *Station) watchEvents() {
	log := s.component("tunnel")
	for ev := range s.WAN.Events() {
		entry := log.WithField("event", ev.Type.String())
		if ev.Err != nil {
			entry = entry.WithError(ev.Err)
		}
		switch ev.Type {
		case tunnel.EventStateChanged:
			entry.WithField("state", ev.State.String()).Info("Tunnel state changed")
		case tunnel.EventAckRejected:
			entry.Warn("Rendezvous rejected the station")
		default:
			entry.WithField("endpoint", ev.Endpoint.String()).Info("Peer-to-peer path changed")
		}
	}
}

// Run starts the station and blocks until ctx is done or SIGINT/SIGTERM.
func (s *Station) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		s.Shutdown(context.Background())
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		s.log.WithField("signal", sig.String()).Info("Shutting down station")
	case <-ctx.Done():
		s.log.Info("Shutting down station")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops the components in reverse start order. It gives up waiting
// when ctx expires.
func (s *Station) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Commands.Stop()
		s.WAN.Stop()
		s.Exchange.Stop()
		stats := s.WAN.Stats()
		s.log.WithFields(logrus.Fields{
			"in":       sizestr.ToString(stats.BytesIn.Load()),
			"out":      sizestr.ToString(stats.BytesOut.Load()),
			"requests": stats.Requests.Load(),
		}).Info("Tunnel traffic")
		if err := s.Settings.Close(); err != nil {
			s.log.WithError(err).Warn("Failed to close settings store")
		}
		s.Audit.Close()
	}()

	select {
	case <-done:
		s.log.Info("Station stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("station forced to shutdown: %w", ctx.Err())
	}
}
