// Package writer persists hash-verified pieces to disk, mapping the
// logical piece stream onto a torrent's constituent files and finalizing
// each file independently as soon as its own bytes are complete.
package writer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prxssh/rabbit/internal/metainfo"
	"github.com/prxssh/rabbit/internal/retry"
	"golang.org/x/sync/errgroup"
)

// Config controls the writer's queue depths and retry policy.
type Config struct {
	QueueSize   int
	RetryConfig retry.Config
}

// DefaultConfig returns a writer configuration with modest queue depths
// and the ambient retry package's default backoff.
func DefaultConfig() Config {
	return Config{QueueSize: 64, RetryConfig: retry.DefaultConfig()}
}

// Job is a hash-verified piece ready to be written to disk.
type Job struct {
	Index int
	Data  []byte
}

// Result reports the outcome of persisting a piece.
type Result struct {
	Index   int
	Err     error // nil on success
	Offline bool  // true once IOFailure has exhausted retries and the store should be considered unwritable
}

// IOFailure reports that disk I/O for a piece could not be completed after
// the configured number of retries.
type IOFailure struct {
	Path  string
	Cause error
}

func (e *IOFailure) Error() string { return fmt.Sprintf("io failure at %s: %v", e.Path, e.Cause) }
func (e *IOFailure) Unwrap() error { return e.Cause }

// Store writes verified pieces to their mapped files and finalizes each
// file independently once every byte within it has been written.
type Store struct {
	cfg       Config
	log       *slog.Logger
	pieceLen  int64
	totalSize int64
	files     []*dataFile
	mu        sync.Mutex // guards files' written counters and finalize/rename

	Jobs    chan Job
	Results chan Result
}

// New builds a Store for mi rooted at destDir. It creates (or resumes)
// every constituent file and their parent directories but does not start
// the write-loop goroutine; call Run for that.
func New(mi *metainfo.Metainfo, destDir string, cfg Config, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "writer")
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	files, err := layout(mi, destDir)
	if err != nil {
		return nil, fmt.Errorf("writer: %w", err)
	}

	return &Store{
		cfg:       cfg,
		log:       log,
		pieceLen:  int64(mi.Info.PieceLength),
		totalSize: mi.Size(),
		files:     files,
		Jobs:      make(chan Job, cfg.QueueSize),
		Results:   make(chan Result, cfg.QueueSize),
	}, nil
}

// Close closes every underlying file handle.
func (s *Store) Close() error {
	var err error
	for _, f := range s.files {
		if e := f.f.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// Run drains Jobs, writing each piece to disk and publishing a Result,
// until ctx is cancelled or Jobs is closed.
func (s *Store) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.writeLoop(gctx) })
	return g.Wait()
}

func (s *Store) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-s.Jobs:
			if !ok {
				return nil
			}
			s.handleJob(ctx, job)
		}
	}
}

func (s *Store) handleJob(ctx context.Context, job Job) {
	var failedPath string
	err := retry.Do(ctx, func(ctx context.Context) error {
		path, werr := s.writePiece(job.Index, job.Data)
		failedPath = path
		return werr
	}, retry.WithMaxAttempts(s.cfg.RetryConfig.MaxAttempts),
		retry.WithInitialDelay(s.cfg.RetryConfig.InitialDelay),
		retry.WithMaxDelay(s.cfg.RetryConfig.MaxDelay),
		retry.WithMultiplier(s.cfg.RetryConfig.Multiplier),
		retry.WithOnRetry(func(attempt int, err error, next time.Duration) {
			s.log.Warn("piece write failed, retrying", "piece", job.Index, "attempt", attempt, "next", next, "error", err)
		}),
	)

	if err != nil {
		s.log.Error("piece write failed permanently", "piece", job.Index, "path", failedPath, "error", err)
		s.Results <- Result{Index: job.Index, Err: &IOFailure{Path: failedPath, Cause: err}, Offline: true}
		return
	}

	s.Results <- Result{Index: job.Index}
}

// writePiece splits piece data across the files it overlaps, writing each
// segment and tracking per-file completion. Returns the path of the file
// being written when an error occurs, for IOFailure reporting.
func (s *Store) writePiece(index int, data []byte) (string, error) {
	pieceStart := int64(index) * s.pieceLen
	pieceEnd := pieceStart + int64(len(data))

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, df := range s.files {
		fileStart := df.offset
		fileEnd := df.offset + df.length

		overlapStart := max64(pieceStart, fileStart)
		overlapEnd := min64(pieceEnd, fileEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		n := overlapEnd - overlapStart
		dataOff := overlapStart - pieceStart
		fileOff := overlapStart - fileStart

		if _, err := df.f.WriteAt(data[dataOff:dataOff+n], fileOff); err != nil {
			return df.partPath, err
		}

		df.written += n
		if df.written >= df.length && !df.done {
			if err := df.finalize(); err != nil {
				return df.partPath, err
			}
		}
	}

	return "", nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
