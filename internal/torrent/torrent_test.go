package torrent

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/prxssh/rabbit/internal/bencode"
	"github.com/prxssh/rabbit/internal/config"
)

func mkPieces(n int) string {
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		buf.Write(bytes.Repeat([]byte{byte('a' + i)}, sha1.Size))
	}
	return buf.String()
}

func sampleTorrentBytes(t *testing.T, trackerURL string) []byte {
	t.Helper()
	root := map[string]any{
		"announce": trackerURL,
		"info": map[string]any{
			"name":         "sample.bin",
			"piece length": int64(16384),
			"pieces":       mkPieces(2),
			"length":       int64(20000),
		},
	}
	data, err := bencode.Marshal(root)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestNewBuildsTorrentFromMetainfo(t *testing.T) {
	config.Init()

	raw := sampleTorrentBytes(t, "http://127.0.0.1:1/announce")
	dir := t.TempDir()

	var clientID [sha1.Size]byte
	copy(clientID[:], []byte("-RB0001-"))

	tr, err := New(clientID, raw, dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tr.Metainfo.Info.Name != "sample.bin" {
		t.Fatalf("unexpected name: %s", tr.Metainfo.Info.Name)
	}
	if tr.picker.PieceCount != 2 {
		t.Fatalf("expected 2 pieces, got %d", tr.picker.PieceCount)
	}
	if tr.Progress() != 0 {
		t.Fatalf("expected zero progress for a fresh torrent, got %f", tr.Progress())
	}
}

func TestNewRejectsMalformedTorrent(t *testing.T) {
	config.Init()
	if _, err := New([sha1.Size]byte{}, []byte("not bencode"), t.TempDir()); err == nil {
		t.Fatalf("expected parse error for malformed input")
	}
}

func TestClientAddAndRemove(t *testing.T) {
	config.Init()

	c, err := NewClient()
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	raw := sampleTorrentBytes(t, "http://127.0.0.1:1/announce")
	tr, err := c.Add(t.Context(), raw, t.TempDir())
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	defer tr.Stop()

	if _, ok := c.Get(tr.Metainfo.InfoHash); !ok {
		t.Fatalf("expected torrent registered under its info hash")
	}

	if _, err := c.Add(t.Context(), raw, t.TempDir()); err == nil {
		t.Fatalf("expected duplicate add to fail")
	}

	if err := c.Remove(tr.Metainfo.InfoHash); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := c.Get(tr.Metainfo.InfoHash); ok {
		t.Fatalf("expected torrent gone after Remove")
	}
}
