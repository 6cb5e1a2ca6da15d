package blocksource

import (
	"bytes"
	"io"
	"testing"
)

func TestXorReaderIdentityForEmptyKey(t *testing.T) {
	data := []byte("hello block file")
	r := NewXorReader(bytes.NewReader(data), nil)
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("expected identity passthrough, got %x want %x", got, data)
	}
}

func TestXorReaderRoundTripsWithDexor(t *testing.T) {
	key := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	plain := bytes.Repeat([]byte{0xAA, 0xBB, 0xCC}, 37) // not a multiple of len(key)

	encoded := Dexor(key, 0, plain)

	r := NewXorReader(bytes.NewReader(encoded), key)
	decoded, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(decoded, plain) {
		t.Fatalf("xor round trip mismatch")
	}
}

func TestXorReaderHonorsStreamOffset(t *testing.T) {
	key := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	plain := []byte("some bytes read starting mid-file")
	const startOffset = 19 // not a multiple of len(key)

	encoded := Dexor(key, startOffset, plain)

	r := NewXorReader(bytes.NewReader(encoded), key)
	r.pos = startOffset % len(key)
	decoded, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(decoded, plain) {
		t.Fatalf("xor round trip mismatch with nonzero start offset")
	}
}

func TestDexorIdentityForEmptyKey(t *testing.T) {
	data := []byte("unchanged")
	if got := Dexor(nil, 42, data); !bytes.Equal(got, data) {
		t.Fatalf("expected identity for empty key")
	}
}
