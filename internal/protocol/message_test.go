package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/prxssh/rabbit/internal/bitfield"
)

func TestMessageConstructorsAndParsers(t *testing.T) {
	if m := MessageHave(7); m.ID != Have {
		t.Fatalf("MessageHave id = %v", m.ID)
	} else if idx, ok := m.ParseHave(); !ok || idx != 7 {
		t.Fatalf("ParseHave = %d, %v", idx, ok)
	}

	req := MessageRequest(1, 2, 3)
	idx, begin, length, ok := req.ParseRequest()
	if !ok || idx != 1 || begin != 2 || length != 3 {
		t.Fatalf("ParseRequest = %d,%d,%d,%v", idx, begin, length, ok)
	}

	block := []byte("payload-bytes")
	pc := MessagePiece(4, 5, block)
	pidx, pbegin, pblock, pok := pc.ParsePiece()
	if !pok || pidx != 4 || pbegin != 5 || !bytes.Equal(pblock, block) {
		t.Fatalf("ParsePiece mismatch: %d,%d,%q,%v", pidx, pbegin, pblock, pok)
	}

	bf := bitfield.New(20)
	bf.Set(3)
	bfMsg := MessageBitfield(bf)
	got, ok := bfMsg.ParseBitfield()
	if !ok || !got.Equals(bf) {
		t.Fatalf("ParseBitfield mismatch: %v %v", got, ok)
	}
}

func TestMessageMarshalUnmarshalRoundTrip(t *testing.T) {
	orig := MessageRequest(10, 20, 30)
	b, err := orig.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	var got Message
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if got.ID != orig.ID || !bytes.Equal(got.Payload, orig.Payload) {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, orig)
	}
}

func TestMessageKeepAlive(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, nil); err != nil {
		t.Fatalf("WriteMessage(nil): %v", err)
	}
	if buf.Len() != 4 {
		t.Fatalf("keep-alive length = %d, want 4", buf.Len())
	}

	m, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !IsKeepAlive(m) {
		t.Fatalf("expected keep-alive, got %+v", m)
	}
}

func TestMessageWriteReadFrom(t *testing.T) {
	orig := MessagePiece(1, 0, []byte{0xDE, 0xAD})

	var buf bytes.Buffer
	if _, err := orig.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got == nil || got.ID != Piece {
		t.Fatalf("got %+v, want Piece", got)
	}
	_, _, block, ok := got.ParsePiece()
	if !ok || !bytes.Equal(block, []byte{0xDE, 0xAD}) {
		t.Fatalf("block mismatch: %v", block)
	}
}

func TestValidatePayloadSize(t *testing.T) {
	cases := []struct {
		name    string
		m       *Message
		wantErr bool
	}{
		{"nil-keepalive", nil, false},
		{"have-ok", MessageHave(1), false},
		{"have-bad", &Message{ID: Have, Payload: []byte{1, 2}}, true},
		{"request-ok", MessageRequest(1, 2, 3), false},
		{"request-bad", &Message{ID: Request, Payload: []byte{1}}, true},
		{"piece-ok", MessagePiece(1, 2, nil), false},
		{"piece-bad", &Message{ID: Piece, Payload: []byte{1, 2}}, true},
		{"choke-any", &Message{ID: Choke, Payload: []byte{1, 2, 3}}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.m.ValidatePayloadSize()
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}

func TestReadFromRejectsOversizeFrame(t *testing.T) {
	var lp [4]byte
	binary.BigEndian.PutUint32(lp[:], MaxFrameLength+1)

	var m Message
	_, err := m.ReadFrom(bytes.NewReader(lp[:]))
	var oe *OversizeFrameError
	if !errors.As(err, &oe) {
		t.Fatalf("expected *OversizeFrameError, got %v", err)
	}
	if !errors.Is(err, ErrOversizeFrame) {
		t.Fatalf("expected errors.Is match against ErrOversizeFrame")
	}
}

func TestUnmarshalBinaryRejectsOversizeFrame(t *testing.T) {
	var lp [4]byte
	binary.BigEndian.PutUint32(lp[:], MaxFrameLength+1)

	var m Message
	err := m.UnmarshalBinary(lp[:])
	if !errors.Is(err, ErrOversizeFrame) {
		t.Fatalf("expected ErrOversizeFrame, got %v", err)
	}
}

func TestMessageIDString(t *testing.T) {
	if Choke.String() != "choke" {
		t.Fatalf("Choke.String() = %q", Choke.String())
	}
	if MessageID(99).String() == "" {
		t.Fatalf("unknown id must stringify to something non-empty")
	}
}
