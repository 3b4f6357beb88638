package securemem

import (
	"bytes"
	"errors"
	"testing"
)

func TestFromBytesScrubsSource(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	src := bytes.Clone(secret)

	b, err := FromBytes(src)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Destroy()

	if bytes.Equal(src, secret) {
		t.Error("source still holds the secret")
	}
	if !bytes.Equal(b.Bytes(), secret) {
		t.Error("buffer does not hold the secret")
	}
	if b.Len() != len(secret) {
		t.Errorf("Len = %d", b.Len())
	}
}

func TestCopyAndDestroy(t *testing.T) {
	b, err := FromBytes([]byte("key material"))
	if err != nil {
		t.Fatal(err)
	}

	cp, err := b.Copy()
	if err != nil || string(cp) != "key material" {
		t.Fatalf("Copy = %q, %v", cp, err)
	}

	b.Destroy()
	b.Destroy()
	if _, err := b.Copy(); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("Copy after Destroy = %v", err)
	}
	if b.Len() != 0 {
		t.Fatalf("Len after Destroy = %d", b.Len())
	}

	var nilBuf *Buffer
	nilBuf.Destroy()
}

func TestEmptyBuffer(t *testing.T) {
	b, err := New(0)
	if err != nil {
		t.Fatal(err)
	}
	if b.Len() != 0 {
		t.Fatalf("Len = %d", b.Len())
	}
	b.Destroy()
}
