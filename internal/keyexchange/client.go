package keyexchange

import (
	"context"

	"gardenlink/internal/constants"
	"gardenlink/internal/transport"
)

// Fetch runs the client side of the exchange against a station whose
// certificate has the given thumbprint.
func Fetch(ctx context.Context, ep transport.Endpoint, thumbprint string) (key, iv []byte, err error) {
	settings := transport.DefaultSettings(ep)
	settings.Handshake = transport.NewPinnedTLSClient(constants.CertificateSubject, thumbprint)

	c := transport.NewConn(nil)
	if err := c.Start(ctx, settings); err != nil {
		return nil, nil, err
	}
	defer c.Stop()

	if key, err = c.ReceiveExact(ctx, constants.AESKeySize); err != nil {
		return nil, nil, err
	}
	if err = c.SendRaw(ctx, constants.AckToken); err != nil {
		return nil, nil, err
	}
	if iv, err = c.ReceiveExact(ctx, constants.AESIVSize); err != nil {
		return nil, nil, err
	}
	if err = c.SendRaw(ctx, constants.AckToken); err != nil {
		return nil, nil, err
	}
	return key, iv, nil
}
