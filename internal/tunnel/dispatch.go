package tunnel

import (
	"bytes"
	"context"
	"encoding/json"

	"gardenlink/internal/constants"
	"gardenlink/internal/crypto"
	"gardenlink/internal/protocol"
)

// HandleMessage answers one inbound message. Plaintext envelopes get a
// plaintext reply; anything else is decrypted with the channel key and the
// reply is encrypted the same way. A nil result means no reply is due.
func (m *Manager) HandleMessage(ctx context.Context, msg []byte) []byte {
	pkg, err := protocol.DecodeWanPackage(msg)
	if err == nil {
		return m.encode(m.Dispatch(ctx, pkg), nil)
	}

	cipher, err := m.channelCipher(ctx)
	if err != nil {
		m.log.WithError(err).Warn("Cannot decrypt inbound message")
		return m.encode(protocol.NewError("channel key unavailable"), nil)
	}
	plain, err := cipher.Decrypt(msg)
	if err != nil {
		m.log.WithError(err).Warn("Inbound message is neither an envelope nor decryptable")
		return m.encode(protocol.NewError("cannot decrypt message"), nil)
	}
	pkg, err = protocol.DecodeWanPackage(plain)
	if err != nil {
		m.log.WithError(err).Warn("Decrypted message is not a valid envelope")
		return m.encode(protocol.NewError("invalid package: %v", err), cipher)
	}
	return m.encode(m.Dispatch(ctx, pkg), cipher)
}

func (m *Manager) encode(pkg *protocol.WanPackage, cipher crypto.Cipher) []byte {
	if pkg == nil {
		return nil
	}
	out, err := pkg.Encode()
	if err != nil {
		m.log.WithError(err).Error("Failed to encode reply")
		return nil
	}
	if cipher == nil {
		return out
	}
	ct, err := cipher.Encrypt(out)
	if err != nil {
		m.log.WithError(err).Error("Failed to encrypt reply")
		return nil
	}
	return ct
}

// Dispatch routes an envelope by type and returns the reply, or nil for
// inbound errors.
func (m *Manager) Dispatch(ctx context.Context, pkg *protocol.WanPackage) *protocol.WanPackage {
	m.stats.Requests.Add(1)
	log := m.log.WithField("type", string(pkg.Type))

	switch pkg.Type {
	case protocol.Init:
		ep, err := m.openPeerToPeer(ctx)
		if err != nil {
			log.WithError(err).Warn("Peer-to-peer setup failed")
			return protocol.NewError("peer-to-peer unavailable: %v", err)
		}
		info, _ := json.Marshal(protocol.EndpointInfo{Host: ep.Host, Port: ep.Port})
		return &protocol.WanPackage{Type: protocol.Init, Payload: info}

	case protocol.Relay:
		return m.relayRequest(ctx, pkg)

	case protocol.PeerToPeerInit:
		ep, ok := m.PeerToPeerEndpoint()
		if !ok {
			return protocol.NewError("peer-to-peer not running")
		}
		info, _ := json.Marshal(protocol.EndpointInfo{Host: ep.Host, Port: ep.Port})
		return &protocol.WanPackage{Type: protocol.PeerToPeerInit, Payload: info}

	case protocol.ExternalServerRelayInit:
		return &protocol.WanPackage{Type: protocol.ExternalServerRelayInit, Payload: bytes.Clone(constants.AckToken)}

	case protocol.RelayTest:
		return &protocol.WanPackage{Type: protocol.RelayTest, Payload: pkg.Payload}

	case protocol.Error:
		log.WithField("message", string(pkg.Payload)).Warn("Peer reported an error")
		return nil
	}
	return protocol.NewError("unsupported package type %q", pkg.Type)
}

func (m *Manager) relayRequest(ctx context.Context, pkg *protocol.WanPackage) *protocol.WanPackage {
	d := *pkg.ServiceDetails
	if m.relay == nil {
		return protocol.NewError("relay unavailable")
	}

	var out []byte
	var err error
	switch d.Protocol {
	case protocol.API:
		out, err = m.relay.MakeAPIRequest(ctx, pkg.Payload, d.Port)
	case protocol.TCP:
		out, err = m.relay.MakeTCPRequest(ctx, pkg.Payload, d.Port, !d.HoldConnectionOpen)
	default:
		return protocol.NewError("unsupported protocol %q", d.Protocol)
	}
	if err != nil {
		m.log.WithError(err).WithField("port", d.Port).Warn("Relay request failed")
		return protocol.NewError("relay to port %d failed: %v", d.Port, err)
	}
	return &protocol.WanPackage{Type: protocol.Relay, Payload: out, ServiceDetails: &d}
}
