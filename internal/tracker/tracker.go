// Package tracker implements the BEP 3 HTTP tracker protocol plus the
// BEP 12 announce-list tier extension: within a tier, URLs are tried in
// order and a successful URL is promoted to the front of its tier; tiers
// themselves are tried top-to-bottom until one responds.
package tracker

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Event signals a lifecycle transition to the tracker.
type Event uint32

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return ""
	}
}

// AnnounceParams is everything a GET /announce request needs.
type AnnounceParams struct {
	InfoHash   [sha1.Size]byte
	PeerID     [sha1.Size]byte
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
	NumWant    uint32
	Port       uint16
}

// AnnounceResponse is the tracker's reply, stripped of its bencode shape.
type AnnounceResponse struct {
	Interval    time.Duration
	MinInterval time.Duration
	TrackerID   string
	Seeders     int64
	Leechers    int64
	Peers       []netip.AddrPort
}

// ErrRejected is the sentinel wrapped by RejectedError.
var ErrRejected = errors.New("tracker rejected announce")

// RejectedError reports a tracker "failure reason" response: the
// announce is malformed or the tracker has banned this client/torrent.
// Fatal — retrying will not help.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return fmt.Sprintf("%v: %s", ErrRejected, e.Reason) }
func (e *RejectedError) Unwrap() error { return ErrRejected }

// ErrUnavailable is the sentinel wrapped by UnavailableError.
var ErrUnavailable = errors.New("tracker unavailable")

// UnavailableError reports a network or decode failure reaching a
// tracker. Transient — the caller should back off and retry.
type UnavailableError struct {
	Cause error
}

func (e *UnavailableError) Error() string { return fmt.Sprintf("%v: %v", ErrUnavailable, e.Cause) }
func (e *UnavailableError) Unwrap() error { return ErrUnavailable }

// Tracker manages announce-list tiers with per-tier failover and
// front-of-tier promotion of the last URL that answered successfully.
//
// Thread-safety: all methods are safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	tiers    [][]*url.URL
	clients  map[string]*httpClient
	log      *slog.Logger
	httpOpts httpOptions
}

// New builds a Tracker from a torrent's primary announce URL and optional
// BEP 12 announce-list. A torrent with no announce-list behaves exactly
// as the single-URL baseline: one tier holding one URL.
func New(announce string, announceList [][]string, log *slog.Logger) (*Tracker, error) {
	tiers, err := buildTiers(announce, announceList)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for _, tier := range tiers {
		rng.Shuffle(len(tier), func(a, b int) { tier[a], tier[b] = tier[b], tier[a] })
	}

	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "tracker", "tiers", len(tiers))

	return &Tracker{
		tiers:    tiers,
		clients:  make(map[string]*httpClient),
		log:      log,
		httpOpts: defaultHTTPOptions(),
	}, nil
}

// Announce tries every URL of every tier, in order, until one responds
// successfully, promoting the winner to the front of its own tier.
// Any error, a RejectedError included, moves on to the next URL and then
// the next tier; if no URL succeeds, the last error seen is returned.
func (t *Tracker) Announce(ctx context.Context, params AnnounceParams) (*AnnounceResponse, error) {
	var lastErr error

	for tierIdx := 0; tierIdx < t.tierCount(); tierIdx++ {
		tier := t.snapshotTier(tierIdx)

		for i, u := range tier {
			client := t.clientFor(u)
			resp, err := client.announce(ctx, params)
			if err != nil {
				lastErr = err
				t.log.Warn("announce failed", "tier", tierIdx, "url", u.String(), "error", err)
				continue
			}

			t.promote(tierIdx, i)
			t.log.Info("announce ok", "tier", tierIdx, "url", u.String(), "peers", len(resp.Peers))
			return resp, nil
		}
	}

	if lastErr == nil {
		lastErr = &UnavailableError{Cause: errors.New("no announce urls configured")}
	}
	return nil, lastErr
}

func (t *Tracker) tierCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tiers)
}

func (t *Tracker) snapshotTier(idx int) []*url.URL {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*url.URL(nil), t.tiers[idx]...)
}

// promote moves the URL at urlIdx within tierIdx to the front of its
// tier, per BEP 12's "rotate to front of list" rule for a successful
// announce.
func (t *Tracker) promote(tierIdx, urlIdx int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tier := t.tiers[tierIdx]
	if urlIdx <= 0 || urlIdx >= len(tier) {
		return
	}
	u := tier[urlIdx]
	copy(tier[1:urlIdx+1], tier[0:urlIdx])
	tier[0] = u
}

func (t *Tracker) clientFor(u *url.URL) *httpClient {
	key := u.String()

	t.mu.Lock()
	c, ok := t.clients[key]
	t.mu.Unlock()
	if ok {
		return c
	}

	c = newHTTPClient(u, t.httpOpts)

	t.mu.Lock()
	t.clients[key] = c
	t.mu.Unlock()

	return c
}

func buildTiers(announce string, announceList [][]string) ([][]*url.URL, error) {
	tiers := make([][]*url.URL, 0, len(announceList)+1)

	if s := strings.TrimSpace(announce); s != "" {
		if u, ok := parseURL(s); ok {
			tiers = append(tiers, []*url.URL{u})
		}
	}

	for _, tier := range announceList {
		out := make([]*url.URL, 0, len(tier))
		for _, raw := range tier {
			if u, ok := parseURL(raw); ok {
				out = append(out, u)
			}
		}
		if len(out) > 0 {
			tiers = append(tiers, out)
		}
	}

	if len(tiers) == 0 {
		return nil, errors.New("tracker: no usable announce urls")
	}
	return tiers, nil
}

func parseURL(raw string) (*url.URL, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, false
	}
	switch u.Scheme {
	case "http", "https":
		return u, true
	default:
		return nil, false
	}
}
