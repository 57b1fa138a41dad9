package torrent

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prxssh/rabbit/internal/config"
)

// Client owns every active download in a process and generates one peer
// ID at startup that every torrent it adds shares.
type Client struct {
	log      *slog.Logger
	mu       sync.RWMutex
	clientID [sha1.Size]byte
	torrents map[[sha1.Size]byte]*Torrent
}

// NewClient generates a fresh 20-byte peer ID (config.ClientIDPrefix
// followed by random bytes) and returns an empty Client.
func NewClient() (*Client, error) {
	config.Init()

	clientID, err := generateClientID()
	if err != nil {
		return nil, fmt.Errorf("torrent: generate client id: %w", err)
	}

	return &Client{
		log:      slog.Default().With("src", "torrent_client"),
		clientID: clientID,
		torrents: make(map[[sha1.Size]byte]*Torrent),
	}, nil
}

// Add parses raw as a .torrent file, registers it under its info hash,
// and starts its download loop in the background.
func (c *Client) Add(ctx context.Context, raw []byte, destDir string) (*Torrent, error) {
	t, err := New(c.clientID, raw, destDir)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if _, exists := c.torrents[t.Metainfo.InfoHash]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("torrent: %x already added", t.Metainfo.InfoHash)
	}
	c.torrents[t.Metainfo.InfoHash] = t
	c.mu.Unlock()

	c.log.Info("torrent added",
		"name", t.Metainfo.Info.Name,
		"info_hash", hex.EncodeToString(t.Metainfo.InfoHash[:]),
		"size", t.Metainfo.Size(),
	)

	go func() {
		if err := t.Run(ctx); err != nil {
			c.log.Error("torrent exited", "name", t.Metainfo.Info.Name, "error", err)
		}
	}()

	return t, nil
}

// Remove stops and forgets the torrent identified by infoHash.
func (c *Client) Remove(infoHash [sha1.Size]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.torrents[infoHash]
	if !ok {
		return fmt.Errorf("torrent: %x not found", infoHash)
	}

	t.Stop()
	delete(c.torrents, infoHash)
	return nil
}

// Get returns the torrent registered under infoHash, if any.
func (c *Client) Get(infoHash [sha1.Size]byte) (*Torrent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.torrents[infoHash]
	return t, ok
}

// All returns every currently registered torrent.
func (c *Client) All() []*Torrent {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Torrent, 0, len(c.torrents))
	for _, t := range c.torrents {
		out = append(out, t)
	}
	return out
}

func generateClientID() ([sha1.Size]byte, error) {
	var id [sha1.Size]byte

	prefix := []byte(config.Load().ClientIDPrefix)
	n := copy(id[:], prefix)

	if _, err := rand.Read(id[n:]); err != nil {
		return [sha1.Size]byte{}, err
	}
	return id, nil
}
