package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// SnapshotArchiver periodically uploads the campaign and indicator
// snapshot files to S3, keyed by date and hour so older snapshots remain
// retrievable.
type SnapshotArchiver struct {
	client   *Client
	paths    []string
	interval time.Duration
	done     chan struct{}
}

// NewSnapshotArchiver creates an archiver for the given snapshot files.
// Empty paths are skipped.
func NewSnapshotArchiver(client *Client, interval time.Duration, paths ...string) *SnapshotArchiver {
	var kept []string
	for _, p := range paths {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return &SnapshotArchiver{
		client:   client,
		paths:    kept,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start runs the archival loop until the context is cancelled or Stop is
// called.
func (a *SnapshotArchiver) Start(ctx context.Context) {
	if len(a.paths) == 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-a.done:
				return
			case <-ticker.C:
				if err := a.ArchiveOnce(ctx); err != nil {
					slog.Warn("snapshot archival failed", "error", err)
				}
			}
		}
	}()

	slog.Info("snapshot archiver started", "files", len(a.paths), "interval", a.interval)
}

// Stop stops the archival loop.
func (a *SnapshotArchiver) Stop() {
	close(a.done)
}

// ArchiveOnce uploads a gzipped copy of every configured snapshot file.
// A missing file is skipped; the first upload failure is returned.
func (a *SnapshotArchiver) ArchiveOnce(ctx context.Context) error {
	stamp := time.Now().UTC().Format("2006-01-02/15")

	for _, path := range a.paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("failed to read snapshot %s: %w", path, err)
		}

		compressed, err := gzipSnapshot(data)
		if err != nil {
			return fmt.Errorf("failed to compress snapshot %s: %w", path, err)
		}

		key := fmt.Sprintf("%s/%s.gz", stamp, filepath.Base(path))
		if err := a.client.Upload(ctx, key, "application/gzip", compressed); err != nil {
			return err
		}
	}
	return nil
}

func gzipSnapshot(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
