package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestLengthPrefixRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 4095, 4096, 65536, 1000000} {
		payload := bytes.Repeat([]byte{byte(size % 251)}, size)

		var buf bytes.Buffer
		if err := (LengthPrefixCodec{}).WriteFrame(&buf, payload); err != nil {
			t.Fatalf("WriteFrame(%d): %v", size, err)
		}
		if got := binary.LittleEndian.Uint32(buf.Bytes()); int(got) != size+HeaderSize {
			t.Fatalf("prefix for %d bytes = %d, want %d", size, got, size+HeaderSize)
		}

		got, err := (LengthPrefixCodec{}).ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame(%d): %v", size, err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("payload of %d bytes mismatched", size)
		}
		if buf.Len() != 0 {
			t.Fatalf("%d bytes left over after frame of %d", buf.Len(), size)
		}
	}
}

func TestLengthPrefixRawKeepsPrefix(t *testing.T) {
	frame := EncodeFrame([]byte("hello"))

	got, err := (LengthPrefixCodec{Raw: true}).ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, frame) {
		t.Fatalf("raw read = %v, want %v", got, frame)
	}

	var out bytes.Buffer
	if err := (LengthPrefixCodec{Raw: true}).WriteFrame(&out, frame); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out.Bytes(), frame) {
		t.Fatal("raw write altered the frame")
	}

	payload, err := DecodeFrame(frame)
	if err != nil || string(payload) != "hello" {
		t.Fatalf("DecodeFrame = %q, %v", payload, err)
	}
}

func TestLengthPrefixRejectsBadFrames(t *testing.T) {
	short := make([]byte, 4)
	binary.LittleEndian.PutUint32(short, 2)
	if _, err := (LengthPrefixCodec{}).ReadFrame(bytes.NewReader(short)); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("length below header: got %v", err)
	}

	big := EncodeFrame(make([]byte, 100))
	if _, err := (LengthPrefixCodec{MaxFrame: 10}).ReadFrame(bytes.NewReader(big)); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("oversized frame: got %v", err)
	}

	truncated := EncodeFrame([]byte("truncated"))[:8]
	if _, err := (LengthPrefixCodec{}).ReadFrame(bytes.NewReader(truncated)); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("truncated frame: got %v", err)
	}

	if _, err := (LengthPrefixCodec{}).ReadFrame(bytes.NewReader(nil)); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("empty stream: got %v", err)
	}

	if _, err := DecodeFrame([]byte{9, 0, 0, 0, 1}); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("DecodeFrame with wrong length: got %v", err)
	}
}

// chunkReader returns at most n bytes per Read.
type chunkReader struct {
	data []byte
	n    int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := min(len(p), r.n, len(r.data))
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func TestShortReadCodec(t *testing.T) {
	codec := ShortReadCodec{BufferSize: 16}

	// Full reads are concatenated until a short one ends the message.
	r := &chunkReader{data: bytes.Repeat([]byte("a"), 40), n: 16}
	got, err := codec.ReadFrame(r)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 40 {
		t.Fatalf("message length = %d, want 40", len(got))
	}

	if _, err := codec.ReadFrame(r); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("read at EOF: got %v", err)
	}

	var out bytes.Buffer
	codec.WriteFrame(&out, []byte("verbatim"))
	if out.String() != "verbatim" {
		t.Fatalf("WriteFrame wrote %q", out.String())
	}
}
