package accounting

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// retentionInterval is how often the recording sweep runs.
const retentionInterval = 1 * time.Hour

// StartRecordingCleanup runs a background goroutine that deletes recording
// files older than maxAge from dir. A zero maxAge or empty dir disables
// the sweep. The goroutine stops when the context is cancelled.
func StartRecordingCleanup(ctx context.Context, dir string, maxAge time.Duration, logger *slog.Logger) {
	if dir == "" || maxAge <= 0 {
		return
	}
	log := logger.With("subsystem", "recording-retention")

	go func() {
		ticker := time.NewTicker(retentionInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := sweep(dir, maxAge, log)
				if removed > 0 {
					log.Info("recording retention cleanup",
						"deleted", removed,
						"max_age", maxAge.String(),
					)
				}
			}
		}
	}()
}

// sweep removes expired recording files, returning how many were deleted.
func sweep(dir string, maxAge time.Duration, log *slog.Logger) int {
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Error("recording retention scan failed", "dir", dir, "error", err)
		return 0
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to remove recording file", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed
}
