package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"gardenlink/internal/constants"
)

// HeaderSize is the size of the length prefix. The prefix counts itself.
const HeaderSize = 4

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrFrameTooLarge  = errors.New("frame too large")
)

// Codec splits a byte stream into logical messages.
type Codec interface {
	ReadFrame(r io.Reader) ([]byte, error)
	WriteFrame(w io.Writer, payload []byte) error
}

// LengthPrefixCodec frames payloads as [u32 LE len(payload)+4][payload].
//
// With Raw set, frames are passed through untouched: ReadFrame returns the
// prefix together with the payload and WriteFrame writes its input verbatim.
// The relay uses this to route frames it must not look into.
type LengthPrefixCodec struct {
	MaxFrame int
	Raw      bool
}

func (c LengthPrefixCodec) ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, closedErr(err)
	}

	total := binary.LittleEndian.Uint32(hdr[:])
	if total < HeaderSize {
		return nil, fmt.Errorf("%w: declared length %d", ErrMalformedFrame, total)
	}
	max := c.MaxFrame
	if max <= 0 {
		max = constants.MaxFrameSize
	}
	if int64(total)-HeaderSize > int64(max) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, total-HeaderSize)
	}

	var frame, payload []byte
	if c.Raw {
		frame = make([]byte, total)
		copy(frame, hdr[:])
		payload = frame[HeaderSize:]
	} else {
		frame = make([]byte, total-HeaderSize)
		payload = frame
	}
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, closedErr(err)
	}
	return frame, nil
}

func (c LengthPrefixCodec) WriteFrame(w io.Writer, payload []byte) error {
	if c.Raw {
		_, err := w.Write(payload)
		return err
	}
	_, err := w.Write(EncodeFrame(payload))
	return err
}

// EncodeFrame returns payload with its length prefix.
func EncodeFrame(payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)+HeaderSize))
	copy(buf[HeaderSize:], payload)
	return buf
}

// DecodeFrame parses one complete frame held in memory.
func DecodeFrame(frame []byte) ([]byte, error) {
	if len(frame) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(frame))
	}
	total := binary.LittleEndian.Uint32(frame)
	if int64(total) != int64(len(frame)) {
		return nil, fmt.Errorf("%w: declared %d, have %d", ErrMalformedFrame, total, len(frame))
	}
	return frame[HeaderSize:], nil
}

// ShortReadCodec is the legacy undelimited framing: it keeps reading into a
// fixed buffer until a read returns less than the buffer size and treats the
// concatenation as one message. A message whose length is an exact multiple
// of the buffer size blocks until the peer sends more, so it is only used
// against local services that cannot speak length prefixes.
type ShortReadCodec struct {
	BufferSize int
}

func (c ShortReadCodec) ReadFrame(r io.Reader) ([]byte, error) {
	var buf []byte
	if c.BufferSize <= 0 || c.BufferSize == constants.ReadBufferSize {
		pooled := getReadBuffer()
		defer putReadBuffer(pooled)
		buf = *pooled
	} else {
		buf = make([]byte, c.BufferSize)
	}

	out := getMessageBuffer()
	defer putMessageBuffer(out)

	for {
		n, err := r.Read(buf)
		if n == 0 {
			if err == nil || errors.Is(err, io.EOF) {
				return nil, ErrConnectionClosed
			}
			return nil, closedErr(err)
		}
		out.Write(buf[:n])
		if n < len(buf) || err != nil {
			msg := make([]byte, out.Len())
			copy(msg, out.Bytes())
			return msg, nil
		}
	}
}

func (c ShortReadCodec) WriteFrame(w io.Writer, payload []byte) error {
	_, err := w.Write(payload)
	return err
}

func closedErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return err
}
