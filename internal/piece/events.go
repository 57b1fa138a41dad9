package piece

import (
	"net/netip"
	"time"

	"github.com/prxssh/rabbit/internal/bitfield"
)

// OnPeerBitfield updates availability counts for every piece peer's
// bitfield bf reports having, after a freshly received Bitfield message.
func (pk *Picker) OnPeerBitfield(peer netip.AddrPort, bf bitfield.Bitfield) {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	for i := 0; i < pk.PieceCount; i++ {
		if bf.Has(i) {
			pk.updatePieceAvailability(i, 1)
		}
	}
}

// OnPeerHave updates availability for a single piece announced via a Have
// message.
func (pk *Picker) OnPeerHave(peer netip.AddrPort, pieceIdx int) {
	pk.mu.Lock()
	defer pk.mu.Unlock()
	pk.updatePieceAvailability(pieceIdx, 1)
}

// OnPeerGone releases peer's claim on every block it was fetching and
// undoes its contribution to piece availability, so its pieces can be
// reassigned immediately.
func (pk *Picker) OnPeerGone(peer netip.AddrPort, bf bitfield.Bitfield) {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	for i := 0; i < pk.PieceCount; i++ {
		if bf.Has(i) {
			pk.updatePieceAvailability(i, -1)
		}
	}

	keys := pk.peerBlockAssignments[peer]
	for key := range keys {
		pieceIdx, blockIdx := unpackKey(key)
		if pieceIdx < 0 || pieceIdx >= pk.PieceCount {
			continue
		}
		ps := pk.pieces[pieceIdx]
		if blockIdx < 0 || blockIdx >= ps.blockCount {
			continue
		}

		blk := ps.blocks[blockIdx]
		if _, had := blk.owners[peer]; !had {
			continue
		}
		delete(blk.owners, peer)
		if blk.pendingRequests > 0 {
			blk.pendingRequests--
		}
		if pk.inflightRequests > 0 {
			pk.inflightRequests--
		}
		if blk.status == blockInflight && len(blk.owners) == 0 {
			blk.status = blockWant
			if pieceIdx == pk.nextPiece && blockIdx < pk.nextBlock {
				pk.nextBlock = blockIdx
			}
		}
	}

	delete(pk.peerBlockAssignments, peer)
	delete(pk.peerInflightCount, peer)
}

// OnBlockReceived marks the block at (pieceIdx, begin) done, releases any
// other peers racing for it (endgame), and reports whether the piece is
// now byte-complete.
func (pk *Picker) OnBlockReceived(peer netip.AddrPort, pieceIdx, begin int) (complete bool, cancels []Cancel) {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	if pieceIdx < 0 || pieceIdx >= pk.PieceCount {
		return false, nil
	}
	ps := pk.pieces[pieceIdx]
	bi := BlockIndexForBegin(begin, ps.length, BlockLength)
	if bi < 0 || bi >= ps.blockCount {
		return false, nil
	}
	blk := ps.blocks[bi]

	key := packKey(pieceIdx, bi)
	freedSelf := false
	for owner := range blk.owners {
		if owner != peer {
			cancels = append(cancels, Cancel{Peer: owner, Piece: pieceIdx, Begin: begin})
		} else {
			freedSelf = true
		}
		delete(pk.peerBlockAssignments[owner], key)
		pk.decInflight(owner)
	}
	if !freedSelf {
		delete(pk.peerBlockAssignments[peer], key)
		pk.decInflight(peer)
	}

	dec := len(blk.owners)
	if !freedSelf {
		dec++
	}
	pk.inflightRequests -= dec
	if pk.inflightRequests < 0 {
		pk.inflightRequests = 0
	}

	blk.owners = make(map[netip.AddrPort]*ownerMeta)
	blk.pendingRequests = 0

	if blk.status != blockDone {
		blk.status = blockDone
		ps.doneBlocks++
		pk.remainingBlocks--
	}

	return ps.doneBlocks == ps.blockCount, cancels
}

func (pk *Picker) decInflight(peer netip.AddrPort) {
	pk.peerInflightCount[peer]--
	if pk.peerInflightCount[peer] < 0 {
		pk.peerInflightCount[peer] = 0
	}
}

// OnTimeout reclaims a single block that peer held past its request
// deadline, returning it to WANT if no other peer still holds it.
func (pk *Picker) OnTimeout(peer netip.AddrPort, pieceIdx, begin int) {
	pk.mu.Lock()
	defer pk.mu.Unlock()
	pk.releaseBlock(peer, pieceIdx, begin)
}

// Unassign releases peer's claim on (pieceIdx, begin) without treating it
// as a timeout, used when a Cancel is sent deliberately (e.g. an endgame
// loser).
func (pk *Picker) Unassign(peer netip.AddrPort, pieceIdx, begin int) {
	pk.mu.Lock()
	defer pk.mu.Unlock()
	pk.releaseBlock(peer, pieceIdx, begin)
}

func (pk *Picker) releaseBlock(peer netip.AddrPort, pieceIdx, begin int) {
	if pieceIdx < 0 || pieceIdx >= pk.PieceCount {
		return
	}
	ps := pk.pieces[pieceIdx]
	bi := BlockIndexForBegin(begin, ps.length, BlockLength)
	if bi < 0 || bi >= ps.blockCount {
		return
	}
	blk := ps.blocks[bi]

	if _, had := blk.owners[peer]; !had {
		return
	}
	delete(blk.owners, peer)
	delete(pk.peerBlockAssignments[peer], packKey(pieceIdx, bi))
	pk.decInflight(peer)
	if blk.pendingRequests > 0 {
		blk.pendingRequests--
	}
	if pk.inflightRequests > 0 {
		pk.inflightRequests--
	}

	if blk.status == blockInflight && len(blk.owners) == 0 {
		blk.status = blockWant
		if pieceIdx == pk.nextPiece && bi < pk.nextBlock {
			pk.nextBlock = bi
		}
	}
}

// HasAnyWantedPiece reports whether bf has at least one piece we still
// want and haven't fully requested, used to decide whether a peer is
// worth staying interested in.
func (pk *Picker) HasAnyWantedPiece(bf bitfield.Bitfield) bool {
	pk.mu.RLock()
	defer pk.mu.RUnlock()

	for i := 0; i < pk.PieceCount; i++ {
		ps := pk.pieces[i]
		if ps.verified || !bf.Has(i) {
			continue
		}
		if pk.wanted != nil && !pk.wanted[i] {
			continue
		}
		for b := 0; b < ps.blockCount; b++ {
			if ps.blocks[b].status == blockWant {
				return true
			}
		}
	}
	return false
}

// ScanTimedOutBlocks releases every (peer, block) assignment whose request
// was sent at least timeout ago, each owner judged on its own send time; a
// block returns to WANT once no owner is left. It returns the released
// assignments so the caller can notify the affected peers.
func (pk *Picker) ScanTimedOutBlocks(timeout time.Duration) []Timeout {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	now := time.Now()
	var timedOut []Timeout

	for _, ps := range pk.pieces {
		if ps.verified {
			continue
		}
		for bi, blk := range ps.blocks {
			if blk.status != blockInflight {
				continue
			}
			for owner, meta := range blk.owners {
				if now.Sub(meta.sentAt) < timeout {
					continue
				}
				begin, _, _ := BlockBounds(ps.length, bi)
				timedOut = append(timedOut, Timeout{Peer: owner, Piece: ps.index, Begin: begin})
			}
		}
	}

	for _, to := range timedOut {
		pk.releaseBlock(to.Peer, to.Piece, to.Begin)
	}
	return timedOut
}
