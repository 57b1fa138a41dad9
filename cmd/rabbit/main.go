// Command rabbit downloads a single .torrent file from the command line,
// printing progress until the torrent completes or is interrupted.
//
// It exists to exercise the download/progress/stop path end to end; the
// download engine itself lives in the internal packages.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prxssh/rabbit/internal/config"
	"github.com/prxssh/rabbit/internal/logging"
	"github.com/prxssh/rabbit/internal/torrent"
)

func main() {
	setupLogger()

	var (
		destDir = flag.String("dir", "", "destination directory (default: config download dir)")
		verbose = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	if *verbose {
		opts := logging.DefaultOptions()
		opts.SlogOpts.Level = slog.LevelDebug
		opts.SlogOpts.AddSource = true
		slog.SetDefault(slog.New(logging.NewPrettyHandler(os.Stdout, &opts)))
	}

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: rabbit [-dir path] [-v] <torrent-file>")
		os.Exit(2)
	}

	if err := run(flag.Arg(0), *destDir); err != nil {
		slog.Error("rabbit exited with an error", "error", err)
		os.Exit(1)
	}
}

func run(torrentPath, destDir string) error {
	config.Init()
	if destDir == "" {
		destDir = config.Load().DownloadDir
	}

	raw, err := os.ReadFile(torrentPath)
	if err != nil {
		return fmt.Errorf("read torrent file: %w", err)
	}

	client, err := torrent.NewClient()
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	t, err := client.Add(ctx, raw, destDir)
	if err != nil {
		return fmt.Errorf("add torrent: %w", err)
	}

	fmt.Printf("downloading %q (%d bytes) to %s\n", t.Metainfo.Info.Name, t.Metainfo.Size(), destDir)

	return reportProgress(ctx, t)
}

func reportProgress(ctx context.Context, t *torrent.Torrent) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.Stop()
			fmt.Println("\nstopping...")
			return nil

		case <-ticker.C:
			s := t.Stats()
			fmt.Printf("\rprogress: %6.2f%%  down: %s/s  up: %s/s  peers: %d   ",
				s.Progress*100, humanBytes(s.DownloadRate), humanBytes(s.UploadRate), s.ActivePeers)

			if s.Progress >= 1 {
				fmt.Println("\ndownload complete")
				t.Stop()
				return nil
			}
		}
	}
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo
	opts.SlogOpts.AddSource = false

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}
