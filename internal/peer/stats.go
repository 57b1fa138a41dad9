package peer

import (
	"context"
	"net/netip"
	"sync/atomic"
	"time"
)

// Stats holds per-connection counters and timestamps. All fields except
// the timestamps are atomic; all counters except DownloadRate/UploadRate
// (overwritten each second with the current EMA) are monotonically
// increasing for the lifetime of a peer.
type Stats struct {
	Downloaded   atomic.Uint64
	Uploaded     atomic.Uint64
	DownloadRate atomic.Uint64 // EMA-smoothed bytes/sec
	UploadRate   atomic.Uint64

	MessagesReceived  atomic.Uint64
	MessagesSent      atomic.Uint64
	RequestsSent      atomic.Uint64
	RequestsReceived  atomic.Uint64
	RequestsCancelled atomic.Uint64
	RequestsTimedOut  atomic.Uint64
	PiecesReceived    atomic.Uint64
	PiecesSent        atomic.Uint64
	Errors            atomic.Uint64

	ConnectedAt    time.Time
	DisconnectedAt time.Time
}

// Metrics is a point-in-time snapshot of a peer's connection and
// transfer stats, safe to copy and hand to a UI/CLI layer.
type Metrics struct {
	Addr           netip.AddrPort
	Downloaded     uint64
	Uploaded       uint64
	RequestsSent   uint64
	PiecesReceived uint64
	RequestsTimedOut uint64
	LastActive     time.Time
	ConnectedAt    time.Time
	ConnectedFor   time.Duration
	DownloadRate   uint64
	UploadRate     uint64
	PeerChoking    bool
	AmInterested   bool
}

// rateLoop recomputes DownloadRate/UploadRate once per second from the
// monotonic byte counters using an exponential moving average, smoothing
// out bursty single-second throughput.
//
//	instant = curTotal - lastTotal          (bytes received/sent this tick)
//	emaNext = alpha*instant + (1-alpha)*emaPrev
func (p *Peer) rateLoop(ctx context.Context) error {
	const alpha = 0.2

	t := time.NewTicker(time.Second)
	defer t.Stop()

	lastUp := p.stats.Uploaded.Load()
	lastDown := p.stats.Downloaded.Load()
	var upEMA, downEMA float64
	inited := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			curUp := p.stats.Uploaded.Load()
			curDown := p.stats.Downloaded.Load()

			instUp := float64(curUp - lastUp)
			instDown := float64(curDown - lastDown)

			if !inited {
				upEMA, downEMA, inited = instUp, instDown, true
			} else {
				upEMA = alpha*instUp + (1-alpha)*upEMA
				downEMA = alpha*instDown + (1-alpha)*downEMA
			}

			p.stats.UploadRate.Store(uint64(upEMA))
			p.stats.DownloadRate.Store(uint64(downEMA))

			lastUp, lastDown = curUp, curDown
		}
	}
}

// Stats returns a snapshot of this peer's transfer metrics.
func (p *Peer) Stats() Metrics {
	lastActive := time.Unix(0, p.lastRecvAt.Load())
	return Metrics{
		Addr:             p.addr,
		Downloaded:       p.stats.Downloaded.Load(),
		Uploaded:         p.stats.Uploaded.Load(),
		RequestsSent:     p.stats.RequestsSent.Load(),
		PiecesReceived:   p.stats.PiecesReceived.Load(),
		RequestsTimedOut: p.stats.RequestsTimedOut.Load(),
		LastActive:       lastActive,
		ConnectedAt:      p.stats.ConnectedAt,
		ConnectedFor:     time.Since(p.stats.ConnectedAt),
		DownloadRate:     p.stats.DownloadRate.Load(),
		UploadRate:       p.stats.UploadRate.Load(),
		PeerChoking:      p.PeerChoking(),
		AmInterested:     p.AmInterested(),
	}
}
