package swarm

import (
	"context"
	"crypto/sha1"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prxssh/rabbit/internal/config"
	"github.com/prxssh/rabbit/internal/metainfo"
	"github.com/prxssh/rabbit/internal/piece"
	"github.com/prxssh/rabbit/internal/writer"
)

func mkManager(t *testing.T, data []byte, pieceLen int32) (*Manager, *metainfo.Metainfo, string) {
	t.Helper()
	config.Init()

	n := (len(data) + int(pieceLen) - 1) / int(pieceLen)
	hashes := make([][sha1.Size]byte, n)
	for i := 0; i < n; i++ {
		start := i * int(pieceLen)
		end := min(start+int(pieceLen), len(data))
		hashes[i] = sha1.Sum(data[start:end])
	}

	picker := piece.NewPicker(int64(len(data)), int64(pieceLen), hashes, config.Load())

	mi := &metainfo.Metainfo{
		Info: &metainfo.Info{
			Name:        "file.bin",
			PieceLength: pieceLen,
			Length:      int64(len(data)),
		},
	}

	dir := t.TempDir()
	store, err := writer.New(mi, dir, writer.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("writer.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	assembler := piece.NewAssembler(picker)

	var infoHash, peerID [sha1.Size]byte
	m := New(infoHash, peerID, picker, assembler, store, nil)
	return m, mi, dir
}

func TestHandlePieceWritesVerifiedData(t *testing.T) {
	data := make([]byte, 32)
	for i := range data {
		data[i] = byte(i)
	}
	m, mi, dir := mkManager(t, data, 32)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.store.Run(ctx)

	addr := netip.MustParseAddrPort("10.0.0.1:6881")
	m.picker.SetWanted(nil)

	m.handlePiece(addr, 0, 0, data)

	var result writer.Result
	select {
	case result = <-m.store.Results:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write result")
	}
	if result.Err != nil {
		t.Fatalf("unexpected write error: %v", result.Err)
	}

	path := filepath.Join(dir, mi.Info.Name)
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("written data mismatch")
	}
	if !m.picker.Bitfield().Has(0) {
		t.Fatalf("expected piece 0 marked verified")
	}
}

// TestHandlePieceAssemblesMultipleBlocks covers a piece made of more than
// one wire-sized (16 KiB) block, which is the common case for any real
// torrent. Every block must reach the assembler, not just the one whose
// arrival happens to complete the piece.
func TestHandlePieceAssemblesMultipleBlocks(t *testing.T) {
	const pieceLen = 32 * 1024 // two 16 KiB blocks
	data := make([]byte, pieceLen)
	for i := range data {
		data[i] = byte(i)
	}
	m, mi, dir := mkManager(t, data, pieceLen)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.store.Run(ctx)

	addr := netip.MustParseAddrPort("10.0.0.3:6881")
	m.picker.SetWanted(nil)

	const blockLen = 16 * 1024
	m.handlePiece(addr, 0, 0, data[:blockLen])
	if m.picker.Bitfield().Has(0) {
		t.Fatalf("piece should not verify before its second block arrives")
	}
	m.handlePiece(addr, 0, blockLen, data[blockLen:])

	var result writer.Result
	select {
	case result = <-m.store.Results:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write result")
	}
	if result.Err != nil {
		t.Fatalf("unexpected write error: %v", result.Err)
	}

	path := filepath.Join(dir, mi.Info.Name)
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("written data mismatch: assembler dropped a non-final block")
	}
	if !m.picker.Bitfield().Has(0) {
		t.Fatalf("expected piece 0 marked verified")
	}
}

func TestHandlePieceHashMismatchDoesNotWrite(t *testing.T) {
	data := make([]byte, 16)
	m, _, _ := mkManager(t, data, 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.store.Run(ctx)

	addr := netip.MustParseAddrPort("10.0.0.2:6881")
	garbage := make([]byte, 16)
	for i := range garbage {
		garbage[i] = 0xFF
	}

	m.handlePiece(addr, 0, 0, garbage)

	select {
	case <-m.store.Results:
		t.Fatal("expected no write for a piece that failed verification")
	case <-time.After(200 * time.Millisecond):
	}
	if m.picker.Bitfield().Has(0) {
		t.Fatalf("piece should not be marked verified after hash mismatch")
	}
}
