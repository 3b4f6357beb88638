// Package channel implements the symmetric-encrypted framing used between
// the station and its paired clients: every frame is the length prefix
// followed by the ciphertext of one message.
package channel

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"

	"gardenlink/internal/crypto"
	"gardenlink/internal/transport"
)

// Codec encrypts each message and frames the ciphertext with a length
// prefix. A frame that fails to decrypt is consumed whole, so the stream
// stays aligned for the next one.
type Codec struct {
	Cipher crypto.Cipher
	Frame  transport.LengthPrefixCodec
}

func (c Codec) ReadFrame(r io.Reader) ([]byte, error) {
	ct, err := c.Frame.ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return c.Cipher.Decrypt(ct)
}

func (c Codec) WriteFrame(w io.Writer, payload []byte) error {
	ct, err := c.Cipher.Encrypt(payload)
	if err != nil {
		return err
	}
	return c.Frame.WriteFrame(w, ct)
}

// Client is the dialing end of a channel.
type Client struct {
	conn *transport.Conn
}

func Dial(ctx context.Context, settings transport.Settings, cipher crypto.Cipher, log *logrus.Entry) (*Client, error) {
	settings.Codec = Codec{Cipher: cipher}
	conn := transport.NewConn(log)
	if err := conn.Start(ctx, settings); err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Send(ctx context.Context, msg []byte) error {
	return c.conn.Send(ctx, msg)
}

// Receive waits for the next whole message.
func (c *Client) Receive(ctx context.Context) ([]byte, error) {
	return c.conn.Receive(ctx)
}

func (c *Client) Close() {
	c.conn.Stop()
}

// NewListener accepts channel clients. Every connection the handler sees
// already encrypts and decrypts transparently.
func NewListener(settings transport.ListenerSettings, cipher crypto.Cipher, handler transport.Handler, log *logrus.Entry) *transport.Listener {
	settings.Conn.Codec = Codec{Cipher: cipher}
	return transport.NewListener(settings, handler, log)
}
