package piece

import (
	"net/netip"
	"time"

	"github.com/prxssh/rabbit/internal/bitfield"
	"github.com/prxssh/rabbit/internal/config"
)

// NextForPeer chooses up to one batch of block requests to issue to a
// peer, respecting its unchoked state and per-peer/global pipeline
// limits, and dispatching to the configured selection strategy.
func (pk *Picker) NextForPeer(pv *PeerView) []*Request {
	if !pv.Unchoked {
		return nil
	}

	pk.mu.Lock()
	defer pk.mu.Unlock()

	perPeerLeft := pk.maxInflightPerPeer - pk.peerInflightCount[pv.Peer]
	if perPeerLeft <= 0 {
		return nil
	}
	globalLeft := pk.maxInflightGlobal - pk.inflightRequests
	if globalLeft <= 0 {
		return nil
	}

	limit := min(perPeerLeft, globalLeft)

	var reqs []*Request
	switch pk.strategy {
	case config.StrategySequential:
		reqs = pk.selectSequential(pv.Peer, pv.Has, limit)
	case config.StrategyRarestFirst:
		reqs = pk.selectRarestFirst(pv.Peer, pv.Has, limit)
	default:
		reqs = pk.selectRandomFirst(pv.Peer, pv.Has, limit)
	}

	pk.inflightRequests += len(reqs)
	return reqs
}

// selectSequential implements StrategySequential: it advances the
// (nextPiece, nextBlock) cursor through the torrent in order, skipping
// verified pieces, and requests blocks from the cursor's piece only. A peer
// that does not have that piece (or a piece outside the wanted set) gets
// no requests; later pieces are not considered.
func (pk *Picker) selectSequential(peer netip.AddrPort, bf bitfield.Bitfield, limit int) []*Request {
	for pk.nextPiece < pk.PieceCount && pk.pieces[pk.nextPiece].verified {
		pk.nextPiece++
		pk.nextBlock = 0
	}
	if pk.nextPiece >= pk.PieceCount {
		return nil
	}

	ps := pk.pieces[pk.nextPiece]
	if pk.wanted != nil && !pk.wanted[ps.index] {
		return nil
	}
	if !bf.Has(ps.index) {
		return nil
	}

	requests := make([]*Request, 0, limit)
	bi := pk.nextBlock
	for len(requests) < limit && bi < ps.blockCount {
		blk := ps.blocks[bi]
		if blk.status != blockWant || blk.pendingRequests >= pk.maxRequestsPerBlock {
			bi++
			continue
		}
		requests = append(requests, pk.assignBlockToPeer(peer, ps.index, bi))
		bi++
	}

	pk.nextBlock = bi
	return requests
}

// selectRarestFirst implements StrategyRarestFirst: it walks availability
// buckets from rarest to most common, requesting blocks from eligible
// pieces the peer has until limit is reached.
func (pk *Picker) selectRarestFirst(peer netip.AddrPort, bf bitfield.Bitfield, limit int) []*Request {
	requests := make([]*Request, 0, limit)

	for avail := 0; avail <= pk.availability.maxAvail && len(requests) < limit; avail++ {
		bucket := pk.availability.Bucket(avail)
		for _, pieceIdx := range bucket {
			if len(requests) >= limit {
				break
			}

			ps := pk.pieces[pieceIdx]
			if ps.verified || !bf.Has(pieceIdx) {
				continue
			}
			if pk.wanted != nil && !pk.wanted[pieceIdx] {
				continue
			}

			for bi := 0; bi < ps.blockCount && len(requests) < limit; bi++ {
				blk := ps.blocks[bi]
				if blk.status != blockWant || blk.pendingRequests >= pk.maxRequestsPerBlock {
					continue
				}
				requests = append(requests, pk.assignBlockToPeer(peer, ps.index, bi))
			}
		}
	}

	return requests
}

// selectRandomFirst implements StrategyRandomFirst: it shuffles the set
// of eligible pieces the peer has and requests blocks from them in that
// order, de-clumping early selection before rarity data has accumulated.
func (pk *Picker) selectRandomFirst(peer netip.AddrPort, bf bitfield.Bitfield, limit int) []*Request {
	eligible := make([]int, 0, pk.PieceCount)
	for i := 0; i < pk.PieceCount; i++ {
		ps := pk.pieces[i]
		if ps.verified || !bf.Has(i) {
			continue
		}
		if pk.wanted != nil && !pk.wanted[i] {
			continue
		}
		eligible = append(eligible, i)
	}

	pk.rng.Shuffle(len(eligible), func(i, j int) {
		eligible[i], eligible[j] = eligible[j], eligible[i]
	})

	requests := make([]*Request, 0, limit)
	for _, pieceIdx := range eligible {
		if len(requests) >= limit {
			break
		}
		ps := pk.pieces[pieceIdx]
		for bi := 0; bi < ps.blockCount && len(requests) < limit; bi++ {
			blk := ps.blocks[bi]
			if blk.status != blockWant || blk.pendingRequests >= pk.maxRequestsPerBlock {
				continue
			}
			requests = append(requests, pk.assignBlockToPeer(peer, ps.index, bi))
		}
	}

	return requests
}

// assignBlockToPeer records ownership of (pieceIdx, blockIdx) by peer,
// marks the block inflight, and returns the Request to send on the wire.
func (pk *Picker) assignBlockToPeer(peer netip.AddrPort, pieceIdx, blockIdx int) *Request {
	ps := pk.pieces[pieceIdx]
	blk := ps.blocks[blockIdx]
	begin, length, _ := BlockBounds(ps.length, blockIdx)

	blk.status = blockInflight
	blk.pendingRequests++
	blk.owners[peer] = &ownerMeta{sentAt: time.Now()}

	key := packKey(ps.index, blockIdx)
	if pk.peerBlockAssignments[peer] == nil {
		pk.peerBlockAssignments[peer] = make(map[uint64]struct{})
	}
	pk.peerBlockAssignments[peer][key] = struct{}{}
	pk.peerInflightCount[peer]++

	return &Request{Peer: peer, Piece: ps.index, Begin: begin, Length: length}
}
