// Package swarm manages the set of live peer connections for a single
// torrent: admitting and dialing candidate addresses, feeding the piece
// picker's requests to unchoked peers, and routing wire events back into
// the picker and disk writer.
package swarm

import (
	"context"
	"crypto/sha1"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/prxssh/rabbit/internal/bitfield"
	"github.com/prxssh/rabbit/internal/config"
	"github.com/prxssh/rabbit/internal/peer"
	"github.com/prxssh/rabbit/internal/piece"
	"github.com/prxssh/rabbit/internal/writer"
	"golang.org/x/sync/errgroup"
)

// Stats is a point-in-time snapshot of swarm-wide transfer activity.
type Stats struct {
	ActivePeers     int
	TotalDownloaded uint64
	TotalUploaded   uint64
	DownloadRate    uint64
	UploadRate      uint64
}

// Manager owns every live peer connection for one torrent and is the
// bridge between the wire layer (peer.Peer) and the download-planning
// layer (piece.Picker) plus the disk writer.
type Manager struct {
	cfg      *config.Config
	log      *slog.Logger
	infoHash [sha1.Size]byte
	peerID   [sha1.Size]byte

	picker    *piece.Picker
	assembler *piece.Assembler
	store     *writer.Store

	mu    sync.RWMutex
	peers map[netip.AddrPort]*managedPeer

	peerCh  chan netip.AddrPort
	dialSem chan struct{}

	cancel context.CancelFunc
}

type managedPeer struct {
	p      *peer.Peer
	cancel context.CancelFunc
}

// New builds a Manager for one torrent's download. picker and assembler
// must be for the same torrent as store.
func New(infoHash, peerID [sha1.Size]byte, picker *piece.Picker, assembler *piece.Assembler, store *writer.Store, log *slog.Logger) *Manager {
	cfg := config.Load()
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:       cfg,
		log:       log.With("src", "swarm"),
		infoHash:  infoHash,
		peerID:    peerID,
		picker:    picker,
		assembler: assembler,
		store:     store,
		peers:     make(map[netip.AddrPort]*managedPeer),
		peerCh:    make(chan netip.AddrPort, cfg.MaxPeers),
		dialSem:   make(chan struct{}, max(1, cfg.MaxPeers/2)),
	}
}

// Run drives connection admission, periodic request dispatch, and idle
// peer reaping until ctx is cancelled, then closes every live connection.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.admitLoop(gctx) })
	g.Go(func() error { return m.dispatchLoop(gctx) })
	g.Go(func() error { return m.housekeepLoop(gctx) })

	err := g.Wait()
	m.closeAll()
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop cancels the manager's run loop and tears down every peer.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// AdmitPeers queues candidate addresses to dial, dropping any that don't
// fit in the backlog rather than blocking the caller (typically the
// tracker announce loop).
func (m *Manager) AdmitPeers(addrs []netip.AddrPort) {
	for _, addr := range addrs {
		select {
		case m.peerCh <- addr:
		default:
			m.log.Warn("peer admission queue full, dropping candidate", "addr", addr)
		}
	}
}

// BroadcastHave notifies every connected peer except exclude that we now
// have pieceIdx.
func (m *Manager) BroadcastHave(pieceIdx int, exclude netip.AddrPort) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for addr, mp := range m.peers {
		if addr == exclude {
			continue
		}
		mp.p.SendHave(pieceIdx)
	}
}

// Stats aggregates per-peer metrics into a swarm-wide snapshot.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{ActivePeers: len(m.peers)}
	for _, mp := range m.peers {
		pm := mp.p.Stats()
		s.TotalDownloaded += pm.Downloaded
		s.TotalUploaded += pm.Uploaded
		s.DownloadRate += pm.DownloadRate
		s.UploadRate += pm.UploadRate
	}
	return s
}

// PeerMetrics returns a snapshot for every connected peer, for progress
// reporting.
func (m *Manager) PeerMetrics() []peer.Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]peer.Metrics, 0, len(m.peers))
	for _, mp := range m.peers {
		out = append(out, mp.p.Stats())
	}
	return out
}

func (m *Manager) admitLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case addr, ok := <-m.peerCh:
			if !ok {
				return nil
			}
			if m.has(addr) || m.count() >= m.cfg.MaxPeers {
				continue
			}

			select {
			case m.dialSem <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			go m.connect(ctx, addr)
		}
	}
}

func (m *Manager) connect(ctx context.Context, addr netip.AddrPort) {
	defer func() { <-m.dialSem }()

	dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()

	pc, err := peer.Dial(dctx, addr, m.infoHash, m.peerID, m.picker.PieceCount, m.log, m.callbacks())
	if err != nil {
		m.log.Debug("dial failed", "addr", addr, "error", err)
		return
	}

	if m.has(addr) || m.count() >= m.cfg.MaxPeers {
		pc.Close()
		return
	}

	pctx, pcancel := context.WithCancel(ctx)
	m.add(addr, &managedPeer{p: pc, cancel: pcancel})

	pc.SendBitfield(m.picker.Bitfield())
	if err := pc.Run(pctx); err != nil {
		m.log.Debug("peer connection ended", "addr", addr, "error", err)
	}
	m.remove(addr)
}

// callbacks wires wire events from any peer into the picker and disk
// writer. A single Callbacks value is shared across connections since
// every handler is keyed off the addr the peer layer passes back in.
func (m *Manager) callbacks() peer.Callbacks {
	return peer.Callbacks{
		OnBitfield: func(addr netip.AddrPort, bf bitfield.Bitfield) {
			m.picker.OnPeerBitfield(addr, bf)
			if mp, ok := m.get(addr); ok && m.picker.HasAnyWantedPiece(bf) {
				mp.p.SendInterested()
			}
		},
		OnHave: func(addr netip.AddrPort, idx int) {
			m.picker.OnPeerHave(addr, idx)
			m.tryDispatch(addr)
		},
		OnPiece: func(addr netip.AddrPort, pieceIdx, begin int, block []byte) {
			m.handlePiece(addr, pieceIdx, begin, block)
		},
		OnUnchoked: func(addr netip.AddrPort) {
			m.tryDispatch(addr)
		},
		OnDisconnect: func(addr netip.AddrPort, err error) {
			m.mu.RLock()
			mp, ok := m.peers[addr]
			m.mu.RUnlock()
			if ok {
				m.picker.OnPeerGone(addr, mp.p.Bitfield())
			}
		},
	}
}

func (m *Manager) handlePiece(addr netip.AddrPort, pieceIdx, begin int, block []byte) {
	_, cancels := m.picker.OnBlockReceived(addr, pieceIdx, begin)
	for _, c := range cancels {
		if mp, ok := m.get(c.Peer); ok {
			mp.p.SendCancel(c.Piece, c.Begin, len(block))
		}
	}

	// Every block's bytes must reach the assembler, not just the one that
	// happens to complete the piece — it's the sole holder of block data
	// and only returns a verified piece once it has them all.
	vp, err := m.assembler.AddBlock(pieceIdx, begin, block)
	if err != nil {
		var hme *piece.HashMismatchError
		if errors.As(err, &hme) {
			m.log.Warn("piece failed hash verification, re-queuing", "piece", pieceIdx)
		}
		return
	}
	if vp == nil {
		return
	}

	select {
	case m.store.Jobs <- writer.Job{Index: vp.Index, Data: vp.Data}:
	default:
		m.log.Warn("writer queue full, dropping verified piece", "piece", vp.Index)
	}

	m.BroadcastHave(vp.Index, addr)
}

func (m *Manager) tryDispatch(addr netip.AddrPort) {
	mp, ok := m.get(addr)
	if !ok {
		return
	}
	if mp.p.PeerChoking() {
		return
	}

	pv := &piece.PeerView{Peer: addr, Has: mp.p.Bitfield(), Unchoked: true}
	reqs := m.picker.NextForPeer(pv)
	for _, r := range reqs {
		mp.p.SendRequest(r.Piece, r.Begin, r.Length)
	}
	if len(reqs) > 0 && !mp.p.AmInterested() {
		mp.p.SendInterested()
	}
}

func (m *Manager) dispatchLoop(ctx context.Context) error {
	t := time.NewTicker(250 * time.Millisecond)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			for _, addr := range m.addrs() {
				m.tryDispatch(addr)
			}
			if m.picker.RemainingBlocks() <= m.cfg.EndgameThreshold {
				m.picker.EnableEndgame()
			}
		}
	}
}

func (m *Manager) housekeepLoop(ctx context.Context) error {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			for _, to := range m.picker.ScanTimedOutBlocks(m.cfg.RequestTimeout) {
				m.picker.OnTimeout(to.Peer, to.Piece, to.Begin)
			}
			for _, addr := range m.addrs() {
				mp, ok := m.get(addr)
				if ok && mp.p.Idle() > m.cfg.PeerIdleTimeout {
					mp.cancel()
				}
			}
		}
	}
}

func (m *Manager) has(addr netip.AddrPort) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.peers[addr]
	return ok
}

func (m *Manager) get(addr netip.AddrPort) (*managedPeer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp, ok := m.peers[addr]
	return mp, ok
}

func (m *Manager) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

func (m *Manager) add(addr netip.AddrPort, mp *managedPeer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[addr] = mp
}

func (m *Manager) remove(addr netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, addr)
}

func (m *Manager) addrs() []netip.AddrPort {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]netip.AddrPort, 0, len(m.peers))
	for addr := range m.peers {
		out = append(out, addr)
	}
	return out
}

func (m *Manager) closeAll() {
	m.mu.Lock()
	peers := make([]*managedPeer, 0, len(m.peers))
	for _, mp := range m.peers {
		peers = append(peers, mp)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, mp := range peers {
		wg.Add(1)
		go func(mp *managedPeer) {
			defer wg.Done()
			mp.cancel()
		}(mp)
	}
	wg.Wait()
}
