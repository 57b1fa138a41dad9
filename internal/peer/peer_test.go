package peer

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/prxssh/rabbit/internal/bitfield"
	"github.com/prxssh/rabbit/internal/protocol"
)

func pipePeer(t *testing.T, pieceCount int, cb Callbacks) (*Peer, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	addr := netip.MustParseAddrPort("127.0.0.1:6881")
	p := Accept(local, addr, pieceCount, nil, cb)
	return p, remote
}

func TestPeerBitfieldCallback(t *testing.T) {
	var got bitfield.Bitfield
	done := make(chan struct{})

	p, remote := pipePeer(t, 4, Callbacks{
		OnBitfield: func(_ netip.AddrPort, bf bitfield.Bitfield) {
			got = bf
			close(done)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go p.Run(ctx)

	bf := bitfield.New(4)
	bf.Set(0)
	bf.Set(2)
	if err := protocol.WriteMessage(remote, protocol.MessageBitfield(bf)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bitfield callback")
	}

	if !got.Has(0) || !got.Has(2) || got.Has(1) {
		t.Fatalf("unexpected bitfield state: %v", got)
	}
	if !p.Bitfield().Has(0) {
		t.Fatalf("peer bitfield not updated")
	}
}

func TestPeerUnchokeFlips(t *testing.T) {
	unchoked := make(chan struct{})
	p, remote := pipePeer(t, 1, Callbacks{
		OnUnchoked: func(netip.AddrPort) { close(unchoked) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	if !p.PeerChoking() {
		t.Fatalf("expected initial PeerChoking true")
	}

	if err := protocol.WriteMessage(remote, protocol.MessageUnchoke()); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-unchoked:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for unchoke callback")
	}
	if p.PeerChoking() {
		t.Fatalf("expected PeerChoking false after unchoke")
	}
}

func TestPeerHaveUpdatesBitfield(t *testing.T) {
	haveCh := make(chan int, 1)
	p, remote := pipePeer(t, 4, Callbacks{
		OnHave: func(_ netip.AddrPort, idx int) { haveCh <- idx },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	if err := protocol.WriteMessage(remote, protocol.MessageHave(3)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case idx := <-haveCh:
		if idx != 3 {
			t.Fatalf("got have index %d, want 3", idx)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for have callback")
	}
	if !p.Bitfield().Has(3) {
		t.Fatalf("expected bit 3 set")
	}
}

func TestPeerPieceCallback(t *testing.T) {
	type recv struct {
		idx, begin int
		block      []byte
	}
	recvCh := make(chan recv, 1)
	p, remote := pipePeer(t, 1, Callbacks{
		OnPiece: func(_ netip.AddrPort, idx, begin int, block []byte) {
			recvCh <- recv{idx, begin, append([]byte(nil), block...)}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if err := protocol.WriteMessage(remote, protocol.MessagePiece(0, 16, payload)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case r := <-recvCh:
		if r.idx != 0 || r.begin != 16 || string(r.block) != string(payload) {
			t.Fatalf("unexpected piece callback: %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for piece callback")
	}
	if p.Stats().Downloaded != uint64(len(payload)) {
		t.Fatalf("downloaded counter = %d, want %d", p.Stats().Downloaded, len(payload))
	}
}

func TestPeerSendSetsAmState(t *testing.T) {
	p, remote := pipePeer(t, 1, Callbacks{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := remote.Read(buf); err != nil {
				return
			}
		}
	}()

	if !p.AmChoking() {
		t.Fatalf("expected initial AmChoking true")
	}
	p.SendUnchoke()

	deadline := time.Now().Add(2 * time.Second)
	for p.AmChoking() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if p.AmChoking() {
		t.Fatalf("expected AmChoking false after SendUnchoke")
	}
}

func TestPeerRejectsLateBitfield(t *testing.T) {
	disconnected := make(chan error, 1)
	p, remote := pipePeer(t, 4, Callbacks{
		OnDisconnect: func(_ netip.AddrPort, err error) { disconnected <- err },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	// Any non-keepalive message first establishes that the connection is
	// past its "first message" window.
	if err := protocol.WriteMessage(remote, protocol.MessageUnchoke()); err != nil {
		t.Fatalf("write: %v", err)
	}
	bf := bitfield.New(4)
	if err := protocol.WriteMessage(remote, protocol.MessageBitfield(bf)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case err := <-disconnected:
		var pv *protocol.ProtocolViolationError
		if !errors.As(err, &pv) {
			t.Fatalf("expected a ProtocolViolationError, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect after a late bitfield")
	}
}

func TestPeerRejectsBitfieldWithNonzeroSpareBits(t *testing.T) {
	disconnected := make(chan error, 1)
	p, remote := pipePeer(t, 4, Callbacks{
		OnDisconnect: func(_ netip.AddrPort, err error) { disconnected <- err },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	// 4 pieces fit in one byte with 4 spare bits; set one of them.
	bf := bitfield.Bitfield([]byte{0b00001000})
	if err := protocol.WriteMessage(remote, protocol.MessageBitfield(bf)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case err := <-disconnected:
		var pv *protocol.ProtocolViolationError
		if !errors.As(err, &pv) {
			t.Fatalf("expected a ProtocolViolationError, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect after an invalid bitfield")
	}
}

func TestPeerDisconnectCallback(t *testing.T) {
	disconnected := make(chan struct{})
	p, remote := pipePeer(t, 1, Callbacks{
		OnDisconnect: func(netip.AddrPort, error) { close(disconnected) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go p.Run(ctx)
	remote.Close()

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect callback")
	}
}
