// Package config holds the process-wide tunables for the download engine
// behind an atomic, hot-swappable singleton.
package config

import (
	"runtime"
	"sync/atomic"
	"time"
)

// Strategy selects the piece-selection policy used by the picker.
type Strategy uint8

const (
	// StrategySequential requests pieces in ascending index order.
	StrategySequential Strategy = iota
	// StrategyRarestFirst requests the least-available pieces first.
	StrategyRarestFirst
	// StrategyRandomFirst reshuffles the eligible pieces on every
	// selection pass and requests blocks in that shuffled order.
	StrategyRandomFirst
)

func (s Strategy) String() string {
	switch s {
	case StrategySequential:
		return "sequential"
	case StrategyRarestFirst:
		return "rarest-first"
	case StrategyRandomFirst:
		return "random-first"
	default:
		return "unknown"
	}
}

// Config groups every tunable the engine consults. Treat values returned by
// Load as read-only; mutate only through Update or Swap.
type Config struct {
	// ClientIDPrefix is prepended to the random suffix of the local
	// peer_id.
	ClientIDPrefix string

	// DownloadDir is the default destination for new torrents.
	DownloadDir string

	// Port is the (unbound) port advertised to trackers.
	Port uint16

	// MaxPeers bounds concurrent active peer connections per torrent.
	MaxPeers int

	// MaxInflightRequestsPerPeer bounds a single peer's request
	// pipeline depth (Q in the spec).
	MaxInflightRequestsPerPeer int

	// MinInflightRequestsPerPeer is not read by the scheduler: every
	// dispatch pass tops each unchoked peer up to
	// MaxInflightRequestsPerPeer regardless of this value.
	MinInflightRequestsPerPeer int

	// MaxRequestsPerBlock caps duplicate in-flight requests for the
	// same block across all peers (>1 only meaningful in end-game).
	MaxRequestsPerBlock int

	// EndgameThreshold is compared against the picker's count of blocks
	// not yet received (not pieces); at or below it the swarm sets the
	// picker's end-game flag.
	EndgameThreshold int

	// EndgameDuplicatePerBlock is not read by the picker: the end-game
	// flag does not change how many peers a block is requested from.
	EndgameDuplicatePerBlock int

	// DialTimeout bounds establishing a new peer TCP connection.
	DialTimeout time.Duration

	// HandshakeTimeout bounds the handshake exchange.
	HandshakeTimeout time.Duration

	// ReadTimeout/WriteTimeout bound a single socket operation.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// KeepAliveInterval is the send-side idle threshold before a
	// keep-alive frame is emitted.
	KeepAliveInterval time.Duration

	// PeerIdleTimeout is the receive-side idle threshold before a peer
	// is considered dead.
	PeerIdleTimeout time.Duration

	// RequestTimeout bounds an individual outstanding block request.
	RequestTimeout time.Duration

	// PeerOutboundQueueBacklog bounds a peer's outbound message queue.
	PeerOutboundQueueBacklog int

	// PeerFailureCooldown is not read by the swarm: failed addresses are
	// not remembered, and an address the tracker offers again is redialed.
	PeerFailureCooldown time.Duration

	// NumWant is the number of peers requested per announce.
	NumWant uint32

	// AnnounceInterval is used when the tracker omits one.
	AnnounceInterval time.Duration

	// MinAnnounceInterval floors the reannounce interval regardless of
	// what the tracker suggests.
	MinAnnounceInterval time.Duration

	// MaxAnnounceBackoff caps the tracker retry backoff.
	MaxAnnounceBackoff time.Duration

	// Strategy selects the piece-selection policy (§4.P).
	Strategy Strategy
}

func defaultConfig() Config {
	return Config{
		ClientIDPrefix:             "-RB0100-",
		DownloadDir:                defaultDownloadDir(),
		Port:                       6881,
		MaxPeers:                   30,
		MaxInflightRequestsPerPeer: 5,
		MinInflightRequestsPerPeer: 2,
		MaxRequestsPerBlock:        1,
		EndgameThreshold:           2,
		EndgameDuplicatePerBlock:   4,
		DialTimeout:                15 * time.Second,
		HandshakeTimeout:           30 * time.Second,
		ReadTimeout:                30 * time.Second,
		WriteTimeout:               30 * time.Second,
		KeepAliveInterval:          90 * time.Second,
		PeerIdleTimeout:            120 * time.Second,
		RequestTimeout:             30 * time.Second,
		PeerOutboundQueueBacklog:   64,
		PeerFailureCooldown:        5 * time.Minute,
		NumWant:                    50,
		AnnounceInterval:           30 * time.Minute,
		MinAnnounceInterval:        30 * time.Second,
		MaxAnnounceBackoff:         15 * time.Minute,
		Strategy:                   StrategySequential,
	}
}

func defaultDownloadDir() string {
	switch runtime.GOOS {
	case "windows", "darwin":
		return "./Downloads/rabbit"
	default:
		return "./.local/share/rabbit/downloads"
	}
}

var cfg atomic.Value

// Init installs the default configuration. Call once at process start
// before any torrent is created.
func Init() {
	c := defaultConfig()
	cfg.Store(&c)
}

// Load returns the current configuration. The returned pointer is
// read-only; never mutate it in place.
func Load() *Config {
	v, _ := cfg.Load().(*Config)
	if v == nil {
		c := defaultConfig()
		cfg.Store(&c)
		return &c
	}
	return v
}

// Update applies mut to a copy of the current config and installs the
// result atomically.
func Update(mut func(*Config)) *Config {
	next := *Load()
	mut(&next)
	cfg.Store(&next)
	return &next
}

// Swap installs next as the current configuration, replacing it wholesale.
func Swap(next Config) *Config {
	cfg.Store(&next)
	return &next
}
