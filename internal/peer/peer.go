// Package peer manages a single BitTorrent peer-wire connection: the
// handshake, keep-alives, choke/interest state, and the read/write loops
// that translate protocol.Message frames into callbacks the swarm
// scheduler reacts to.
package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/rabbit/internal/bitfield"
	"github.com/prxssh/rabbit/internal/config"
	"github.com/prxssh/rabbit/internal/protocol"
	"golang.org/x/sync/errgroup"
)

const (
	maskAmChoking uint32 = 1 << iota
	maskAmInterested
	maskPeerChoking
	maskPeerInterested
)

// Callbacks lets the owning scheduler react to wire events without the
// peer package importing the piece/swarm packages.
type Callbacks struct {
	OnBitfield   func(netip.AddrPort, bitfield.Bitfield)
	OnHave       func(netip.AddrPort, int)
	OnPiece      func(addr netip.AddrPort, pieceIdx, begin int, block []byte)
	OnDisconnect func(netip.AddrPort, error)
	OnUnchoked   func(netip.AddrPort) // fired once the peer unchokes us, a cue to request work
}

type pieceIdx = int

// Peer is one live connection to a remote BitTorrent client.
type Peer struct {
	log  *slog.Logger
	conn net.Conn
	addr netip.AddrPort

	state uint32 // bitmask of maskAm*/maskPeer*

	bfMu sync.RWMutex
	bf   bitfield.Bitfield

	stats       Stats
	lastRecvAt  atomic.Int64 // last time any bytes were read from conn, drives the idle timeout
	lastSentAt  atomic.Int64 // last time any bytes were written to conn, drives our keep-alive cadence
	seenMessage atomic.Bool  // true once any non-keepalive message has been handled
	pieceCount  int

	outbox    chan *protocol.Message
	cancel    context.CancelFunc
	closeOnce sync.Once
	stopped   atomic.Bool

	cb Callbacks
}

// Dial establishes a TCP connection to addr, performs the BitTorrent
// handshake, and returns a Peer ready for Run.
func Dial(ctx context.Context, addr netip.AddrPort, infoHash, peerID [sha1.Size]byte, pieceCount int, log *slog.Logger, cb Callbacks) (*Peer, error) {
	cfg := config.Load()

	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	conn, err := d.DialContext(dialCtx, "tcp", addr.String())
	if err != nil {
		return nil, &DialFailureError{Addr: addr, Cause: err}
	}

	_ = conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	hs := protocol.NewHandshake(infoHash, peerID)
	if _, err := hs.Exchange(conn, true); err != nil {
		_ = conn.Close()
		return nil, &DialFailureError{Addr: addr, Cause: err}
	}
	_ = conn.SetDeadline(time.Time{})

	return newPeer(conn, addr, pieceCount, log, cb), nil
}

// Accept wraps an already-handshaken inbound connection.
func Accept(conn net.Conn, addr netip.AddrPort, pieceCount int, log *slog.Logger, cb Callbacks) *Peer {
	return newPeer(conn, addr, pieceCount, log, cb)
}

func newPeer(conn net.Conn, addr netip.AddrPort, pieceCount int, log *slog.Logger, cb Callbacks) *Peer {
	if log == nil {
		log = slog.Default()
	}
	p := &Peer{
		conn:       conn,
		addr:       addr,
		bf:         bitfield.New(pieceCount),
		pieceCount: pieceCount,
		outbox:     make(chan *protocol.Message, config.Load().PeerOutboundQueueBacklog),
		cb:         cb,
		log:        log.With("addr", addr.String()),
	}
	p.setState(maskAmChoking|maskPeerChoking, true)
	now := time.Now().UnixNano()
	p.lastRecvAt.Store(now)
	p.lastSentAt.Store(now)
	p.stats.ConnectedAt = time.Now()
	return p
}

// Run drives the connection's read loop, write loop, and rate sampler
// until ctx is cancelled or the connection fails, closing the connection
// on the way out.
func (p *Peer) Run(ctx context.Context) error {
	defer p.Close()

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.readLoop(gctx) })
	g.Go(func() error { return p.writeLoop(gctx) })
	g.Go(func() error { return p.rateLoop(gctx) })

	err := g.Wait()
	if p.cb.OnDisconnect != nil {
		p.cb.OnDisconnect(p.addr, err)
	}
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close tears down the connection idempotently; safe to call multiple
// times and from any goroutine.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.stopped.Store(true)
		if p.cancel != nil {
			p.cancel()
		}
		_ = p.conn.Close()
		close(p.outbox)
		p.stats.DisconnectedAt = time.Now()
	})
}

// Addr returns the remote peer address.
func (p *Peer) Addr() netip.AddrPort { return p.addr }

// Bitfield returns a snapshot of what this peer has announced having.
func (p *Peer) Bitfield() bitfield.Bitfield {
	p.bfMu.RLock()
	defer p.bfMu.RUnlock()
	return bitfield.FromBytes(p.bf)
}

// Idle reports how long it has been since any bytes were received.
func (p *Peer) Idle() time.Duration {
	return time.Since(time.Unix(0, p.lastRecvAt.Load()))
}

// sinceLastSend reports how long it has been since any bytes were written.
func (p *Peer) sinceLastSend() time.Duration {
	return time.Since(time.Unix(0, p.lastSentAt.Load()))
}

func (p *Peer) AmChoking() bool      { return p.getState(maskAmChoking) }
func (p *Peer) AmInterested() bool   { return p.getState(maskAmInterested) }
func (p *Peer) PeerChoking() bool    { return p.getState(maskPeerChoking) }
func (p *Peer) PeerInterested() bool { return p.getState(maskPeerInterested) }

func (p *Peer) getState(mask uint32) bool { return atomic.LoadUint32(&p.state)&mask != 0 }

func (p *Peer) setState(mask uint32, on bool) {
	for {
		old := atomic.LoadUint32(&p.state)
		next := old &^ mask
		if on {
			next = old | mask
		}
		if atomic.CompareAndSwapUint32(&p.state, old, next) {
			return
		}
	}
}

func (p *Peer) SendChoke()         { p.enqueue(protocol.MessageChoke()) }
func (p *Peer) SendUnchoke()       { p.enqueue(protocol.MessageUnchoke()) }
func (p *Peer) SendInterested()    { p.enqueue(protocol.MessageInterested()) }
func (p *Peer) SendNotInterested() { p.enqueue(protocol.MessageNotInterested()) }
func (p *Peer) SendHave(index int) { p.enqueue(protocol.MessageHave(uint32(index))) }

func (p *Peer) SendBitfield(bf bitfield.Bitfield) {
	p.enqueue(protocol.MessageBitfield(bf))
}

func (p *Peer) SendRequest(index, begin, length int) {
	if p.PeerChoking() {
		return
	}
	p.enqueue(protocol.MessageRequest(uint32(index), uint32(begin), uint32(length)))
}

func (p *Peer) SendCancel(index, begin, length int) {
	p.enqueue(protocol.MessageCancel(uint32(index), uint32(begin), uint32(length)))
}

func (p *Peer) SendPiece(index, begin int, block []byte) {
	if p.AmChoking() {
		return
	}
	p.enqueue(protocol.MessagePiece(uint32(index), uint32(begin), block))
}

// enqueue drops the message if the outbound queue is full or the peer is
// already stopping, rather than blocking the caller.
func (p *Peer) enqueue(msg *protocol.Message) bool {
	if p.stopped.Load() {
		return false
	}
	select {
	case p.outbox <- msg:
		return true
	default:
		return false
	}
}

func (p *Peer) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg, err := p.readMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if p.Idle() > config.Load().PeerIdleTimeout {
					return &IdleError{Addr: p.addr, Idle: p.Idle()}
				}
				continue
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrDisconnected, err)
		}

		if err := p.handle(msg); err != nil {
			return err
		}
	}
}

func (p *Peer) writeLoop(ctx context.Context) error {
	cfg := config.Load()
	ticker := time.NewTicker(cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-p.outbox:
			if !ok {
				return nil
			}
			if err := p.writeMessage(msg); err != nil {
				return fmt.Errorf("%w: %v", ErrDisconnected, err)
			}

		case <-ticker.C:
			if p.sinceLastSend() >= cfg.KeepAliveInterval {
				if err := p.writeMessage(nil); err != nil {
					return fmt.Errorf("%w: %v", ErrDisconnected, err)
				}
			}
		}
	}
}

func (p *Peer) readMessage() (*protocol.Message, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(config.Load().ReadTimeout))
	defer p.conn.SetReadDeadline(time.Time{})

	msg, err := protocol.ReadMessage(p.conn)
	if err != nil {
		p.stats.Errors.Add(1)
		return nil, err
	}

	p.stats.MessagesReceived.Add(1)
	p.lastRecvAt.Store(time.Now().UnixNano())
	return msg, nil
}

func (p *Peer) writeMessage(msg *protocol.Message) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(config.Load().WriteTimeout))
	defer p.conn.SetWriteDeadline(time.Time{})

	if err := protocol.WriteMessage(p.conn, msg); err != nil {
		p.stats.Errors.Add(1)
		return err
	}

	p.stats.MessagesSent.Add(1)
	p.lastSentAt.Store(time.Now().UnixNano())
	p.onSent(msg)
	return nil
}

func (p *Peer) handle(msg *protocol.Message) error {
	if protocol.IsKeepAlive(msg) {
		return nil
	}

	// The bitfield is only legal as the very first message after the
	// handshake; anything else that's already arrived rules it out. Check
	// before the switch so the ordering rule applies regardless of which
	// case below runs.
	alreadySeen := p.seenMessage.Swap(true)

	switch msg.ID {
	case protocol.Choke:
		p.setState(maskPeerChoking, true)
	case protocol.Unchoke:
		p.setState(maskPeerChoking, false)
		if p.cb.OnUnchoked != nil {
			p.cb.OnUnchoked(p.addr)
		}
	case protocol.Interested:
		p.setState(maskPeerInterested, true)
	case protocol.NotInterested:
		p.setState(maskPeerInterested, false)

	case protocol.Bitfield:
		if alreadySeen {
			return &protocol.ProtocolViolationError{Reason: "bitfield sent after the first post-handshake message"}
		}
		bf, ok := msg.ParseBitfield()
		if !ok {
			return errors.New("peer: malformed bitfield message")
		}
		if err := bf.ValidateSpareBits(p.pieceCount); err != nil {
			return &protocol.ProtocolViolationError{Reason: fmt.Sprintf("bitfield spare bits: %v", err)}
		}
		p.bfMu.Lock()
		p.bf = bf
		p.bfMu.Unlock()
		if p.cb.OnBitfield != nil {
			p.cb.OnBitfield(p.addr, bf)
		}

	case protocol.Have:
		index, ok := msg.ParseHave()
		if !ok {
			return errors.New("peer: malformed have message")
		}
		p.bfMu.Lock()
		p.bf.Set(int(index))
		p.bfMu.Unlock()
		if p.cb.OnHave != nil {
			p.cb.OnHave(p.addr, int(index))
		}

	case protocol.Piece:
		index, begin, block, ok := msg.ParsePiece()
		if !ok {
			return errors.New("peer: malformed piece message")
		}
		p.stats.PiecesReceived.Add(1)
		p.stats.Downloaded.Add(uint64(len(block)))
		if p.cb.OnPiece != nil {
			p.cb.OnPiece(p.addr, int(index), int(begin), block)
		}

	case protocol.Request:
		if _, _, _, ok := msg.ParseRequest(); !ok {
			return errors.New("peer: malformed request message")
		}
		p.stats.RequestsReceived.Add(1)

	case protocol.Cancel:
		p.stats.RequestsCancelled.Add(1)

	default:
		p.log.Warn("dropping unknown message", "id", msg.ID)
	}

	return nil
}

func (p *Peer) onSent(msg *protocol.Message) {
	if msg == nil {
		return
	}
	switch msg.ID {
	case protocol.Choke:
		p.setState(maskAmChoking, true)
	case protocol.Unchoke:
		p.setState(maskAmChoking, false)
	case protocol.Interested:
		p.setState(maskAmInterested, true)
	case protocol.NotInterested:
		p.setState(maskAmInterested, false)
	case protocol.Request:
		p.stats.RequestsSent.Add(1)
	case protocol.Piece:
		if n := len(msg.Payload); n >= 8 {
			p.stats.PiecesSent.Add(1)
			p.stats.Uploaded.Add(uint64(n - 8))
		}
	case protocol.Cancel:
		p.stats.RequestsCancelled.Add(1)
	}
}
