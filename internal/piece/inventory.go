package piece

import (
	"crypto/sha1"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/prxssh/rabbit/internal/bitfield"
	"github.com/prxssh/rabbit/internal/config"
)

// blockState tracks the lifecycle of an individual block inside a piece.
type blockState uint8

const (
	blockWant blockState = iota
	blockInflight
	blockDone
)

// ownerMeta records when a block was handed to a peer, so a stalled
// request can be detected and reclaimed.
type ownerMeta struct {
	sentAt time.Time
}

type block struct {
	pendingRequests int
	status          blockState
	owners          map[netip.AddrPort]*ownerMeta
}

// pieceState is one piece's static layout plus its download progress.
type pieceState struct {
	index       int
	length      int
	blockCount  int
	isLastPiece bool
	sha         [sha1.Size]byte

	availability int
	doneBlocks   int
	verified     bool
	blocks       []*block
}

// State is the coarse download status of a piece, for progress reporting.
type State int

const (
	StateNotStarted State = iota
	StateInProgress
	StateCompleted
)

// PeerView is a read-only snapshot of what the picker needs to decide
// whether a peer can be handed work right now: its bitfield and whether
// it has us unchoked.
type PeerView struct {
	Peer     netip.AddrPort
	Has      bitfield.Bitfield
	Unchoked bool
}

// Request is a concrete block request the caller should send on the
// wire. The picker has already marked the block inflight and recorded
// ownership before returning it.
type Request struct {
	Peer   netip.AddrPort
	Piece  int
	Begin  int
	Length int
}

// Cancel is a block request that should be cancelled, emitted when a
// duplicate (endgame) request is satisfied by another peer first.
type Cancel struct {
	Peer  netip.AddrPort
	Piece int
	Begin int
}

// Timeout describes a single inflight block request that exceeded its
// deadline and was reclaimed.
type Timeout struct {
	Peer  netip.AddrPort
	Piece int
	Begin int
}

// Picker is the per-torrent download planner: it owns piece/block state,
// peer availability, and the selection strategy used to decide what to
// request next.
type Picker struct {
	strategy config.Strategy

	PieceCount   int
	pieces       []*pieceState
	availability *availabilityBucket

	nextPiece int
	nextBlock int

	wanted map[int]bool

	endgame         bool
	remainingBlocks int

	rng *rand.Rand
	mu  sync.RWMutex

	peerBlockAssignments map[netip.AddrPort]map[uint64]struct{}
	peerInflightCount    map[netip.AddrPort]int
	inflightRequests     int

	maxInflightPerPeer int
	maxInflightGlobal  int
	maxRequestsPerBlock int

	bf bitfield.Bitfield
}

// NewPicker builds a picker for a torrent with the given piece hashes,
// laid out pieceLength bytes apart over a totalSize-byte stream.
func NewPicker(totalSize, pieceLength int64, pieceHashes [][sha1.Size]byte, cfg *config.Config) *Picker {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	n := len(pieceHashes)

	availability := newAvailabilityBucket(n, cfg.MaxPeers)

	totalBlocks := 0
	pieces := make([]*pieceState, n)
	for i := 0; i < n; i++ {
		plen, _ := LengthAt(i, totalSize, pieceLength)
		blockCount := BlocksIn(plen)
		totalBlocks += blockCount

		blocks := make([]*block, blockCount)
		for j := range blocks {
			blocks[j] = &block{status: blockWant, owners: make(map[netip.AddrPort]*ownerMeta)}
		}

		pieces[i] = &pieceState{
			index:       i,
			length:      plen,
			blockCount:  blockCount,
			isLastPiece: i == n-1,
			sha:         pieceHashes[i],
			blocks:      blocks,
		}
	}

	return &Picker{
		strategy:             cfg.Strategy,
		PieceCount:           n,
		pieces:               pieces,
		availability:         availability,
		rng:                  rng,
		remainingBlocks:      totalBlocks,
		peerBlockAssignments: make(map[netip.AddrPort]map[uint64]struct{}),
		peerInflightCount:    make(map[netip.AddrPort]int),
		maxInflightPerPeer:   cfg.MaxInflightRequestsPerPeer,
		maxInflightGlobal:    cfg.MaxInflightRequestsPerPeer * cfg.MaxPeers,
		maxRequestsPerBlock:  cfg.MaxRequestsPerBlock,
		bf:                   bitfield.New(n),
	}
}

// SetWanted restricts selection to the given piece indices (selective
// download). A nil set means every piece is eligible.
func (pk *Picker) SetWanted(indices []int) {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	if indices == nil {
		pk.wanted = nil
		return
	}
	pk.wanted = make(map[int]bool, len(indices))
	for _, i := range indices {
		pk.wanted[i] = true
	}
}

// EnableEndgame sets the picker's end-game flag. Block selection does not
// read the flag: a block in flight is not handed to a second peer, with or
// without it.
func (pk *Picker) EnableEndgame() {
	pk.mu.Lock()
	defer pk.mu.Unlock()
	pk.endgame = true
}

func (pk *Picker) Bitfield() bitfield.Bitfield {
	pk.mu.RLock()
	defer pk.mu.RUnlock()
	return pk.bf
}

// RemainingBlocks reports how many blocks have not been received yet (a
// block counts again once its piece fails hash verification).
// Once it falls under the endgame threshold, callers should call
// EnableEndgame.
func (pk *Picker) RemainingBlocks() int {
	pk.mu.RLock()
	defer pk.mu.RUnlock()
	return pk.remainingBlocks
}

func (pk *Picker) PieceHash(idx int) [sha1.Size]byte {
	pk.mu.RLock()
	defer pk.mu.RUnlock()
	return pk.pieces[idx].sha
}

// PieceLength returns the byte length of piece idx (the final piece may be
// shorter than the nominal piece length).
func (pk *Picker) PieceLength(idx int) int {
	pk.mu.RLock()
	defer pk.mu.RUnlock()
	return pk.pieces[idx].length
}

// BlockCount returns how many blocks piece idx is divided into.
func (pk *Picker) BlockCount(idx int) int {
	pk.mu.RLock()
	defer pk.mu.RUnlock()
	return pk.pieces[idx].blockCount
}

// CurrentPieceIndex returns the first piece not yet verified, used by the
// sequential strategy's progress cursor.
func (pk *Picker) CurrentPieceIndex() (int, bool) {
	pk.mu.RLock()
	defer pk.mu.RUnlock()

	for i := 0; i < pk.PieceCount; i++ {
		if !pk.pieces[i].verified {
			return i, true
		}
	}
	return 0, false
}

// CapacityForPeer returns how many more blocks peer may be assigned right
// now.
func (pk *Picker) CapacityForPeer(peer netip.AddrPort) int {
	pk.mu.RLock()
	defer pk.mu.RUnlock()

	left := pk.maxInflightPerPeer - pk.peerInflightCount[peer]
	if left < 0 {
		return 0
	}
	return left
}

// PieceStates returns the coarse status of every piece, indexed by piece
// index.
func (pk *Picker) PieceStates() []State {
	pk.mu.RLock()
	defer pk.mu.RUnlock()

	states := make([]State, pk.PieceCount)
	for i, p := range pk.pieces {
		switch {
		case p.verified:
			states[i] = StateCompleted
		case p.doneBlocks > 0:
			states[i] = StateInProgress
		default:
			states[i] = StateNotStarted
		}
	}
	return states
}

// MarkPieceVerified records the outcome of hash-checking piece idx. On
// success it is marked complete in the bitfield (its availability count is
// left as is; selection skips verified pieces); on failure its blocks are
// reset to WANT so they get re-downloaded.
func (pk *Picker) MarkPieceVerified(idx int, ok bool) {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	if idx < 0 || idx >= pk.PieceCount {
		return
	}
	ps := pk.pieces[idx]

	if ok {
		ps.verified = true
		pk.bf.Set(idx)
		if idx == pk.nextPiece {
			pk.nextPiece++
			pk.nextBlock = 0
		}
		return
	}

	for b := 0; b < ps.blockCount; b++ {
		if ps.blocks[b].status == blockDone {
			pk.remainingBlocks++
		}
		ps.blocks[b].status = blockWant
		ps.blocks[b].owners = make(map[netip.AddrPort]*ownerMeta)
		ps.blocks[b].pendingRequests = 0
	}
	ps.doneBlocks = 0
	if idx == pk.nextPiece {
		pk.nextBlock = 0
	}
}

// updatePieceAvailability applies delta to piece idx's rarity counter and
// re-homes it in the availability bucket structure.
func (pk *Picker) updatePieceAvailability(idx, delta int) {
	if idx < 0 || idx >= pk.PieceCount {
		return
	}
	pk.availability.Move(idx, delta, pk.rng)
	pk.pieces[idx].availability = int(pk.availability.avail[idx])
}
