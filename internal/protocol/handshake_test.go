package protocol

import (
	"bytes"
	"crypto/sha1"
	"testing"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash, peerID [sha1.Size]byte
	copy(infoHash[:], bytes.Repeat([]byte{0xAB}, sha1.Size))
	copy(peerID[:], bytes.Repeat([]byte{0xCD}, sha1.Size))

	h := NewHandshake(infoHash, peerID)
	b, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(b) != 1+19+reservedBytes+sha1.Size+sha1.Size {
		t.Fatalf("encoded length = %d, want 68", len(b))
	}

	var got Handshake
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if got.Pstr != protocolIdentifier || got.InfoHash != infoHash || got.PeerID != peerID {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestHandshakeReadWriteFrom(t *testing.T) {
	var infoHash, peerID [sha1.Size]byte
	copy(infoHash[:], bytes.Repeat([]byte{1}, sha1.Size))
	copy(peerID[:], bytes.Repeat([]byte{2}, sha1.Size))
	h := NewHandshake(infoHash, peerID)

	var buf bytes.Buffer
	if _, err := h.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	got, err := ReadHandshake(&buf)
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if got.InfoHash != infoHash || got.PeerID != peerID {
		t.Fatalf("read mismatch: %+v", got)
	}
}

func TestHandshakeShortRead(t *testing.T) {
	_, err := ReadHandshake(bytes.NewReader([]byte{19, 'B', 'i', 't'}))
	if err != ErrShortHandshake {
		t.Fatalf("want ErrShortHandshake, got %v", err)
	}
}

func TestHandshakeBadPstrlen(t *testing.T) {
	var h Handshake
	if err := h.UnmarshalBinary([]byte{0}); err != ErrBadPstrlen {
		t.Fatalf("want ErrBadPstrlen, got %v", err)
	}
}

func TestExchangeInfoHashMismatch(t *testing.T) {
	var a, b [sha1.Size]byte
	a[0], b[0] = 1, 2

	local := NewHandshake(a, a)
	remote := NewHandshake(b, b)

	var seed bytes.Buffer
	if _, err := remote.WriteTo(&seed); err != nil {
		t.Fatalf("seed remote handshake: %v", err)
	}
	pipe := &loopback{read: &seed}

	_, err := local.Exchange(pipe, true)
	if err != ErrInfoHashMismatch {
		t.Fatalf("want ErrInfoHashMismatch, got %v", err)
	}
}

// loopback is a ReadWriter whose writes are discarded and whose reads
// drain a pre-seeded buffer, letting Exchange's write-then-read sequence
// be tested without a real connection.
type loopback struct {
	read *bytes.Buffer
}

func (l *loopback) Write(p []byte) (int, error) { return len(p), nil }
func (l *loopback) Read(p []byte) (int, error)  { return l.read.Read(p) }
