package piece

import (
	"math/bits"
	"math/rand"
)

// availabilityBucket tracks, for each piece, how many connected peers
// currently have it, bucketed by count for O(1) rarest-first selection.
//
// buckets[a] holds a dense slice of piece indices whose availability
// equals a; a piece moves between buckets via swap-with-last, so every
// update is O(1). nonEmptyBits lets FirstNonEmpty find the rarest
// non-empty bucket without scanning all of them.
type availabilityBucket struct {
	buckets      [][]int
	avail        []uint16
	pos          []int
	maxAvail     int
	nonEmptyBits []uint64
}

func newAvailabilityBucket(pieceCount, maxAvail int) *availabilityBucket {
	b := &availabilityBucket{
		maxAvail:     maxAvail,
		buckets:      make([][]int, maxAvail+1),
		avail:        make([]uint16, pieceCount),
		pos:          make([]int, pieceCount),
		nonEmptyBits: make([]uint64, (maxAvail+63)/64+1),
	}

	capacity := max(1, pieceCount/(maxAvail+1))
	for a := range b.buckets {
		b.buckets[a] = make([]int, 0, capacity)
	}

	b.buckets[0] = make([]int, pieceCount)
	for i := 0; i < pieceCount; i++ {
		b.buckets[0][i] = i
		b.pos[i] = i
	}
	if pieceCount > 0 {
		b.setBit(0)
	}

	return b
}

// Move shifts piece i's availability by delta, clamped to [0, maxAvail],
// and re-homes it in the appropriate bucket. New bucket entries are
// inserted at a random position to avoid deterministic herding when many
// pieces share an availability level.
func (b *availabilityBucket) Move(i, delta int, rng *rand.Rand) {
	oldAvail := int(b.avail[i])
	newAvail := min(b.maxAvail, max(0, oldAvail+delta))
	if newAvail == oldAvail {
		return
	}

	ob := b.buckets[oldAvail]
	p := b.pos[i]
	last := len(ob) - 1
	ob[p] = ob[last]
	b.pos[ob[p]] = p
	ob = ob[:last]
	b.buckets[oldAvail] = ob
	if len(ob) == 0 {
		b.clearBit(oldAvail)
	}

	nb := append(b.buckets[newAvail], i)
	ni := len(nb) - 1
	if ni > 0 {
		j := rng.Intn(ni + 1)
		nb[ni], nb[j] = nb[j], nb[ni]
		b.pos[nb[ni]] = ni
		b.pos[nb[j]] = j
	} else {
		b.pos[i] = 0
	}
	b.buckets[newAvail] = nb
	b.setBit(newAvail)

	b.avail[i] = uint16(newAvail)
}

// FirstNonEmpty returns the smallest availability level with at least one
// piece in it.
func (b *availabilityBucket) FirstNonEmpty() (a int, ok bool) {
	for w := 0; w < len(b.nonEmptyBits); w++ {
		if x := b.nonEmptyBits[w]; x != 0 {
			return w<<6 + bits.TrailingZeros64(x), true
		}
	}
	return 0, false
}

// Bucket returns the piece indices at availability a.
func (b *availabilityBucket) Bucket(a int) []int {
	if a < 0 || a > b.maxAvail {
		return nil
	}
	return b.buckets[a]
}

func (b *availabilityBucket) setBit(a int) {
	w, bit := a>>6, uint(a&63)
	b.nonEmptyBits[w] |= 1 << bit
}

func (b *availabilityBucket) clearBit(a int) {
	w, bit := a>>6, uint(a&63)
	if len(b.buckets[a]) == 0 {
		b.nonEmptyBits[w] &^= 1 << bit
	}
}
