package server

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const tempRootName = "stemfetch"

// Orphaned working directories older than this are swept by the cleanup
// worker. Normal requests remove their own directory on every exit
// path; the sweeper only catches crashes and kills.
const orphanMaxAge = time.Hour

const cleanupInterval = 15 * time.Minute

// tempRoot is the directory holding every per-request working dir.
func (s *Server) tempRoot() string {
	return filepath.Join(s.cfg.Storage.TempDir, tempRootName)
}

// requestDir creates the working directory for one request. Everything
// the request touches on disk lives under it, so cleanup is a single
// RemoveAll.
func (s *Server) requestDir(id string) (string, error) {
	dir := filepath.Join(s.tempRoot(), id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// StartCleanupWorker sweeps orphaned working directories and prunes
// long-finished tracker entries until ctx is cancelled.
func (s *Server) StartCleanupWorker(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepOrphans()
				if n := s.tracker.ReleaseTerminalBefore(time.Now().Add(-orphanMaxAge)); n > 0 {
					slog.Info("Pruned finished requests", "count", n)
				}
			}
		}
	}()
}

// sweepOrphans removes request directories whose owner is long gone.
func (s *Server) sweepOrphans() {
	entries, err := os.ReadDir(s.tempRoot())
	if err != nil {
		return
	}

	cutoff := time.Now().Add(-orphanMaxAge)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(s.tempRoot(), entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("Failed to remove orphaned directory", "dir", dir, "error", err)
			continue
		}
		slog.Info("Removed orphaned working directory", "dir", dir)
	}
}

// sanitizeFilename strips path separators and characters that are
// unsafe in a filename on common filesystems.
func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
		"\x00", "_",
	)
	sanitized := strings.TrimSpace(replacer.Replace(name))
	sanitized = strings.Trim(sanitized, ".")
	return sanitized
}
