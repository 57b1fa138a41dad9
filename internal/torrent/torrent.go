// Package torrent orchestrates a single download: parsing the
// metainfo, running the tracker announce loop, and wiring the piece
// picker, disk writer, and peer swarm together.
package torrent

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	mr "math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/rabbit/internal/config"
	"github.com/prxssh/rabbit/internal/metainfo"
	"github.com/prxssh/rabbit/internal/piece"
	"github.com/prxssh/rabbit/internal/swarm"
	"github.com/prxssh/rabbit/internal/tracker"
	"github.com/prxssh/rabbit/internal/writer"
	"golang.org/x/sync/errgroup"
)

// Torrent coordinates the tracker announce loop, peer swarm, and disk
// writer for one download. Call Run to drive it to completion and Stop
// to tear it down early.
type Torrent struct {
	Metainfo *metainfo.Metainfo

	clientID [sha1.Size]byte
	log      *slog.Logger

	tracker *tracker.Tracker
	picker  *piece.Picker
	swarm   *swarm.Manager
	store   *writer.Store

	piecesWritten atomic.Int64 // count of Results successfully persisted to disk
	completedOnce sync.Once

	cancel   context.CancelFunc
	stopOnce sync.Once
}

// New parses a .torrent file's raw bytes and builds a Torrent ready to
// Run. destDir is where the torrent's files are written.
func New(clientID [sha1.Size]byte, raw []byte, destDir string) (*Torrent, error) {
	mi, err := metainfo.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("torrent: parse metainfo: %w", err)
	}

	log := slog.Default().With("torrent", mi.Info.Name)

	tr, err := tracker.New(mi.Announce, mi.AnnounceList, log)
	if err != nil {
		return nil, fmt.Errorf("torrent: build tracker: %w", err)
	}

	picker := piece.NewPicker(mi.Size(), int64(mi.Info.PieceLength), mi.Info.Pieces, config.Load())
	assembler := piece.NewAssembler(picker)

	store, err := writer.New(mi, destDir, writer.DefaultConfig(), log)
	if err != nil {
		return nil, fmt.Errorf("torrent: build writer: %w", err)
	}

	var peerID [sha1.Size]byte
	copy(peerID[:], clientID[:])

	sw := swarm.New(mi.InfoHash, peerID, picker, assembler, store, log)

	return &Torrent{
		Metainfo: mi,
		clientID: clientID,
		log:      log,
		tracker:  tr,
		picker:   picker,
		swarm:    sw,
		store:    store,
	}, nil
}

// Run drives the announce loop, peer swarm, and disk writer until ctx is
// cancelled or the download completes.
func (t *Torrent) Run(ctx context.Context) error {
	t.log.Info("torrent starting", "size", t.Metainfo.Size(), "pieces", t.picker.PieceCount)

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.announceLoop(gctx) })
	g.Go(func() error { return t.swarm.Run(gctx) })
	g.Go(func() error { return t.store.Run(gctx) })
	g.Go(func() error { return t.resultLoop(gctx) })

	err := g.Wait()
	t.log.Info("torrent stopped", "error", err)
	return err
}

// Stop cancels the torrent's run loop and releases its open file
// handles; safe to call more than once.
func (t *Torrent) Stop() {
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		if err := t.store.Close(); err != nil {
			t.log.Warn("error closing file handles", "error", err)
		}
	})
}

// Progress reports the completed-piece fraction, 0 to 1.
func (t *Torrent) Progress() float64 {
	states := t.picker.PieceStates()
	if len(states) == 0 {
		return 0
	}
	done := 0
	for _, s := range states {
		if s == piece.StateCompleted {
			done++
		}
	}
	return float64(done) / float64(len(states))
}

// Stats is a progress/throughput snapshot suitable for a CLI progress
// line or a JSON status endpoint.
type Stats struct {
	Progress     float64
	Downloaded   uint64
	Uploaded     uint64
	DownloadRate uint64
	UploadRate   uint64
	ActivePeers  int
}

// Stats returns a point-in-time download snapshot.
func (t *Torrent) Stats() Stats {
	ss := t.swarm.Stats()
	return Stats{
		Progress:     t.Progress(),
		Downloaded:   ss.TotalDownloaded,
		Uploaded:     ss.TotalUploaded,
		DownloadRate: ss.DownloadRate,
		UploadRate:   ss.UploadRate,
		ActivePeers:  ss.ActivePeers,
	}
}

// resultLoop logs disk-write failures and, once every piece has been
// durably written, runs the completion sequence exactly once. Completion
// is driven off writer Results rather than the picker's hash-verified
// state, since a piece can verify in memory before its bytes actually
// land on disk.
func (t *Torrent) resultLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case res, ok := <-t.store.Results:
			if !ok {
				return nil
			}
			if res.Err != nil {
				t.log.Error("piece write failed", "piece", res.Index, "error", res.Err, "offline", res.Offline)
				continue
			}
			t.log.Debug("piece written", "piece", res.Index)

			if int(t.piecesWritten.Add(1)) >= t.picker.PieceCount {
				t.onComplete(ctx)
			}
		}
	}
}

// onComplete runs the completion sequence exactly once: announce
// completed, finalize the writer, and tear down the torrent's run loop
// (this client does not seed, so there is nothing left to keep running
// for once every piece is on disk).
func (t *Torrent) onComplete(ctx context.Context) {
	t.completedOnce.Do(func() {
		t.log.Info("download complete")

		announceCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := t.tracker.Announce(announceCtx, t.buildAnnounceParams(tracker.EventCompleted)); err != nil {
			t.log.Warn("completed announce failed", "error", err)
		}
		cancel()

		if err := t.store.Close(); err != nil {
			t.log.Warn("error finalizing writer", "error", err)
		}

		if t.cancel != nil {
			t.cancel()
		}
	})
}

func (t *Torrent) announceLoop(ctx context.Context) error {
	const maxBackoffShift = 4
	consecutiveFailures := 0

	interval, err := t.announce(ctx, tracker.EventStarted)
	if err != nil {
		if _, rejected := err.(*tracker.RejectedError); rejected {
			return err
		}
		consecutiveFailures++
		interval = t.calculateBackoff(consecutiveFailures, maxBackoffShift)
		t.log.Warn("initial announce failed", "error", err, "retry_in", interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, _ = t.tracker.Announce(stopCtx, t.buildAnnounceParams(tracker.EventStopped))
			cancel()
			return nil

		case <-ticker.C:
			next, err := t.announce(ctx, tracker.EventNone)
			if err != nil {
				if _, rejected := err.(*tracker.RejectedError); rejected {
					return err
				}
				consecutiveFailures++
				backoff := t.calculateBackoff(consecutiveFailures, maxBackoffShift)
				t.log.Warn("announce failed", "error", err, "failures", consecutiveFailures, "retry_in", backoff)
				ticker.Reset(backoff)
				continue
			}

			consecutiveFailures = 0
			ticker.Reset(next)
		}
	}
}

// announce performs a single announce with event and, on success, admits
// the returned peers and reports the interval until the next reannounce.
func (t *Torrent) announce(ctx context.Context, event tracker.Event) (time.Duration, error) {
	resp, err := t.tracker.Announce(ctx, t.buildAnnounceParams(event))
	if err != nil {
		return 0, err
	}

	t.log.Debug("announce ok", "peers", len(resp.Peers), "interval", resp.Interval, "seeders", resp.Seeders, "leechers", resp.Leechers)
	t.swarm.AdmitPeers(resp.Peers)
	return t.nextAnnounceInterval(resp), nil
}

func (t *Torrent) buildAnnounceParams(event tracker.Event) tracker.AnnounceParams {
	ss := t.swarm.Stats()
	cfg := config.Load()

	return tracker.AnnounceParams{
		InfoHash:   t.Metainfo.InfoHash,
		PeerID:     t.clientID,
		Port:       cfg.Port,
		Uploaded:   ss.TotalUploaded,
		Downloaded: ss.TotalDownloaded,
		Left:       t.bytesRemaining(ss.TotalDownloaded),
		Event:      event,
		NumWant:    cfg.NumWant,
	}
}

// bytesRemaining clamps at zero: a re-downloaded piece after a hash
// failure can push TotalDownloaded past the torrent's size, and Left is
// unsigned.
func (t *Torrent) bytesRemaining(downloaded uint64) uint64 {
	size := uint64(t.Metainfo.Size())
	if downloaded >= size {
		return 0
	}
	return size - downloaded
}

func (t *Torrent) nextAnnounceInterval(resp *tracker.AnnounceResponse) time.Duration {
	cfg := config.Load()

	interval := cfg.AnnounceInterval
	if interval == 0 {
		interval = 2 * time.Minute
	}
	if resp.Interval > 0 {
		interval = resp.Interval
	}
	if resp.MinInterval > 0 && resp.MinInterval > interval {
		interval = resp.MinInterval
	}
	if cfg.MinAnnounceInterval > 0 && interval < cfg.MinAnnounceInterval {
		interval = cfg.MinAnnounceInterval
	}
	if interval > time.Hour {
		interval = time.Hour
	}
	return interval
}

// calculateBackoff doubles the retry delay per consecutive failure,
// starting at 30s and capped at the configured ceiling, then jitters it
// to a random value within ±25% of that delay to avoid synchronized
// retries against the tracker.
func (t *Torrent) calculateBackoff(failures, maxShift int) time.Duration {
	const baseDelay = 30 * time.Second

	shift := failures - 1
	if shift > maxShift {
		shift = maxShift
	}
	delay := baseDelay * (1 << uint(shift))

	if ceiling := config.Load().MaxAnnounceBackoff; ceiling > 0 && delay > ceiling {
		delay = ceiling
	}

	jitter := time.Duration(mr.Int63n(int64(delay)/2 + 1))
	return delay - (delay / 4) + jitter
}
