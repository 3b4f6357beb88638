// Package command serves the encrypted command port paired clients talk to.
package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gardenlink/internal/channel"
	"gardenlink/internal/constants"
	"gardenlink/internal/crypto"
	"gardenlink/internal/keyring"
	"gardenlink/internal/logger"
	"gardenlink/internal/transport"
)

// Code is the first byte of every command frame.
type Code byte

const (
	WlanCommand              Code = 0x01
	StartManualWatering      Code = 0x02
	StopManualWatering       Code = 0x03
	StartAutomaticIrrigation Code = 0x04
	StopAutomaticIrrigation  Code = 0x05
)

func (c Code) String() string {
	switch c {
	case WlanCommand:
		return "WlanCommand"
	case StartManualWatering:
		return "StartManualWatering"
	case StopManualWatering:
		return "StopManualWatering"
	case StartAutomaticIrrigation:
		return "StartAutomaticIrrigation"
	case StopAutomaticIrrigation:
		return "StopAutomaticIrrigation"
	}
	return fmt.Sprintf("code(0x%02x)", byte(c))
}

// Controller performs the watering actions.
type Controller interface {
	StartManualWatering(ctx context.Context) error
	StopManualWatering(ctx context.Context) error
	StartAutomaticIrrigation(ctx context.Context) error
	StopAutomaticIrrigation(ctx context.Context) error
}

// MessageHandler answers WAN envelopes carried by WlanCommand.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg []byte) []byte
}

// KeyProvider hands out the channel key material. Generation changes when
// the material is replaced.
type KeyProvider interface {
	Acquire(ctx context.Context) (*keyring.Material, error)
	Generation() uint64
}

type Options struct {
	Port              int
	Cipher            string
	IOTimeout         time.Duration
	KeepAliveInterval time.Duration
	MaxClients        int
}

var (
	flagOK     = []byte{1}
	flagFailed = []byte{0}
)

// Server acknowledges every command frame, then answers it with either the
// WAN reply (WlanCommand) or a one-byte success flag.
type Server struct {
	log  *logrus.Entry
	opts Options
	keys KeyProvider
	ctrl Controller
	wan  MessageHandler

	mu       sync.Mutex
	listener *transport.Listener
}

func NewServer(opts Options, keys KeyProvider, ctrl Controller, wan MessageHandler, log *logrus.Entry) *Server {
	if opts.IOTimeout <= 0 {
		opts.IOTimeout = constants.DefaultIOTimeout
	}
	return &Server{log: logger.OrDiscard(log), opts: opts, keys: keys, ctrl: ctrl, wan: wan}
}

func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("command server already listening on %s", s.listener.Endpoint())
	}

	cipher := &keyedCipher{keys: s.keys, mode: s.opts.Cipher}
	if _, err := cipher.current(ctx); err != nil {
		return err
	}

	l := channel.NewListener(transport.ListenerSettings{
		Endpoint:   transport.Endpoint{Port: s.opts.Port},
		Mode:       transport.Concurrent,
		MaxClients: s.opts.MaxClients,
		MaxPerIP:   constants.MaxConnectionsPerIP,
		Conn: transport.Settings{
			SendTimeout:       s.opts.IOTimeout,
			KeepAliveInterval: s.opts.KeepAliveInterval,
		},
	}, cipher, s.handle, s.log)
	if err := l.Start(ctx); err != nil {
		if errors.Is(err, transport.ErrPortNotFree) {
			s.log.WithField("port", s.opts.Port).Error("Command port is not free")
		}
		return err
	}
	s.listener = l
	return nil
}

func (s *Server) Endpoint() transport.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return transport.Endpoint{}
	}
	return s.listener.Endpoint()
}

func (s *Server) Stop() {
	s.mu.Lock()
	l := s.listener
	s.listener = nil
	s.mu.Unlock()
	if l != nil {
		l.Stop()
	}
}

func (s *Server) handle(ctx context.Context, c *transport.Conn) {
	log := s.log.WithField("remote", c.RemoteAddr().String())
	for {
		msg, err := c.Receive(ctx)
		if errors.Is(err, crypto.ErrDecrypt) {
			log.WithError(err).Warn("Dropping undecryptable command frame")
			continue
		}
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, transport.ErrConnectionClosed) {
				log.WithError(err).Debug("Command connection ended")
			}
			return
		}

		if err := c.Send(ctx, constants.AckToken); err != nil {
			return
		}
		if err := c.Send(ctx, s.execute(ctx, msg, log)); err != nil {
			return
		}
	}
}

// execute runs one command. WlanCommand answers with the WAN reply, which is
// empty when the envelope needs none.
func (s *Server) execute(ctx context.Context, msg []byte, log *logrus.Entry) []byte {
	if len(msg) == 0 {
		log.Warn("Empty command frame")
		return flagFailed
	}
	code := Code(msg[0])
	log = log.WithField("command", code.String())

	var err error
	switch code {
	case WlanCommand:
		if s.wan == nil {
			log.Warn("No WAN handler for WlanCommand")
			return flagFailed
		}
		return s.wan.HandleMessage(ctx, msg[1:])
	case StartManualWatering:
		err = s.ctrl.StartManualWatering(ctx)
	case StopManualWatering:
		err = s.ctrl.StopManualWatering(ctx)
	case StartAutomaticIrrigation:
		err = s.ctrl.StartAutomaticIrrigation(ctx)
	case StopAutomaticIrrigation:
		err = s.ctrl.StopAutomaticIrrigation(ctx)
	default:
		log.Warn("Unknown command")
		return flagFailed
	}

	if err != nil {
		log.WithError(err).Warn("Command failed")
		return flagFailed
	}
	log.Info("Command executed")
	return flagOK
}
