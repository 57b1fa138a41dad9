// Package piece implements piece/block bookkeeping: the math that maps a
// torrent's byte stream onto pieces and blocks, and the picker that
// decides which blocks to request from which peers.
package piece

import "fmt"

// BlockLength is the wire-level request granularity. All blocks are
// BlockLength bytes except the final block of a piece, which may be
// shorter.
const BlockLength = 16 * 1024

// Count returns how many pieces are needed to cover totalSize bytes at a
// fixed pieceLength (the last piece may be shorter).
func Count(totalSize, pieceLength int64) int {
	if totalSize <= 0 || pieceLength <= 0 {
		return 0
	}
	return int((totalSize + pieceLength - 1) / pieceLength)
}

// LastLength returns the exact byte length of the final piece.
func LastLength(totalSize, pieceLength int64) int {
	if totalSize <= 0 || pieceLength <= 0 {
		return 0
	}
	if rem := int(totalSize % pieceLength); rem != 0 {
		return rem
	}
	return int(pieceLength)
}

// LengthAt returns the byte length of the piece at index.
func LengthAt(index int, totalSize, pieceLength int64) (int, error) {
	count := Count(totalSize, pieceLength)
	if index < 0 || index >= count {
		return 0, fmt.Errorf("piece: index out of range: %d (count=%d)", index, count)
	}
	if index == count-1 {
		return LastLength(totalSize, pieceLength), nil
	}
	return int(pieceLength), nil
}

// OffsetBounds returns the [start, end) byte offsets a piece occupies in
// the torrent's flat byte stream.
func OffsetBounds(index int, totalSize, pieceLength int64) (start, end int64, err error) {
	pl, err := LengthAt(index, totalSize, pieceLength)
	if err != nil {
		return 0, 0, err
	}
	start = int64(index) * pieceLength
	return start, start + int64(pl), nil
}

// IndexForOffset maps a stream byte offset to its piece index, or -1 if
// offset is out of range.
func IndexForOffset(offset, totalSize, pieceLength int64) int {
	if offset < 0 || offset >= totalSize || pieceLength <= 0 {
		return -1
	}
	return int(offset / pieceLength)
}

// BlockCount returns how many blocks compose a piece of length pieceLen.
func BlockCount(pieceLen, blockLen int) int {
	if pieceLen <= 0 || blockLen <= 0 {
		return 0
	}
	n := pieceLen / blockLen
	if pieceLen%blockLen != 0 {
		n++
	}
	return n
}

// LastBlockLength returns the byte length of the final block in a piece.
func LastBlockLength(pieceLen, blockLen int) int {
	if pieceLen <= 0 || blockLen <= 0 {
		return 0
	}
	if rem := pieceLen % blockLen; rem != 0 {
		return rem
	}
	return blockLen
}

// BlockBoundsIn returns the [begin, length] of block blockIdx within a
// piece of length pieceLen, using blockLen as the nominal block size.
func BlockBoundsIn(pieceLen, blockLen, blockIdx int) (begin, length int, err error) {
	bc := BlockCount(pieceLen, blockLen)
	if blockIdx < 0 || blockIdx >= bc {
		return 0, 0, fmt.Errorf("piece: block index out of range: %d (count=%d)", blockIdx, bc)
	}
	begin = blockIdx * blockLen
	length = blockLen
	if blockIdx == bc-1 {
		length = LastBlockLength(pieceLen, blockLen)
	}
	return begin, length, nil
}

// BlockIndexForBegin returns the block index within a piece for a given
// byte offset, or -1 if out of range.
func BlockIndexForBegin(begin, pieceLen, blockLen int) int {
	if begin < 0 || begin >= pieceLen || blockLen <= 0 {
		return -1
	}
	return begin / blockLen
}

// BlocksIn uses the package-wide BlockLength.
func BlocksIn(pieceLen int) int { return BlockCount(pieceLen, BlockLength) }

// LastBlockIn uses the package-wide BlockLength.
func LastBlockIn(pieceLen int) int { return LastBlockLength(pieceLen, BlockLength) }

// BlockBounds uses the package-wide BlockLength.
func BlockBounds(pieceLen, blockIdx int) (begin, length int, err error) {
	return BlockBoundsIn(pieceLen, BlockLength, blockIdx)
}

// packKey encodes (pieceIdx, blockIdx) into a single uint64 key for the
// peer-assignment reverse index: high 32 bits piece, low 32 bits block.
func packKey(pieceIdx, blockIdx int) uint64 {
	return (uint64(uint32(pieceIdx)) << 32) | uint64(uint32(blockIdx))
}

func unpackKey(key uint64) (pieceIdx, blockIdx int) {
	return int(uint32(key >> 32)), int(uint32(key))
}
