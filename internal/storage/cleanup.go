package storage

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// SweepOrphans removes device directories older than maxAge that no live
// session owns. They are left behind when the process dies before a session
// can tear down. active may be nil.
//
// Returns the number of directories removed.
func (l *Layout) SweepOrphans(logger *slog.Logger, maxAge time.Duration, active func(deviceID string) bool) (int, error) {
	entries, err := os.ReadDir(l.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debug("base directory does not exist, skipping sweep",
				slog.String("path", l.baseDir))
			return 0, nil
		}
		logger.Error("failed to read directory for sweep",
			slog.String("path", l.baseDir),
			slog.String("error", err.Error()))
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	var removed int

	for _, entry := range entries {
		if !entry.IsDir() || !ValidDeviceID(entry.Name()) {
			continue
		}
		if active != nil && active(entry.Name()) {
			continue
		}

		dirPath := filepath.Join(l.baseDir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			logger.Warn("failed to get directory info",
				slog.String("path", dirPath),
				slog.String("error", err.Error()))
			continue
		}

		if info.ModTime().After(cutoff) {
			logger.Debug("preserving recent device directory",
				slog.String("path", dirPath),
				slog.Duration("age", time.Since(info.ModTime()).Round(time.Second)))
			continue
		}

		if err := os.RemoveAll(dirPath); err != nil {
			logger.Warn("failed to remove orphaned device directory",
				slog.String("path", dirPath),
				slog.String("error", err.Error()))
			continue
		}

		logger.Info("removed orphaned device directory",
			slog.String("device_id", entry.Name()),
			slog.Duration("age", time.Since(info.ModTime()).Round(time.Second)))
		removed++
	}

	return removed, nil
}
