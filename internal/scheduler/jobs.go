package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/jtstream/internal/storage"
)

// Job names.
const (
	JobOrphanSweep      = "orphan_sweep"
	JobHistoryRetention = "history_retention"
)

// Pruner deletes history older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// OrphanSweepHandler removes device directories that no live session
// holds and that have not changed for MaxAge.
type OrphanSweepHandler struct {
	Layout *storage.Layout
	MaxAge time.Duration
	// Active reports whether a session currently owns the device.
	Active func(deviceID string) bool
	Logger *slog.Logger
}

// Execute runs one sweep.
func (h *OrphanSweepHandler) Execute(_ context.Context) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	n, err := h.Layout.SweepOrphans(logger, h.MaxAge, h.Active)
	if err != nil {
		return "", fmt.Errorf("sweeping orphaned output: %w", err)
	}
	return fmt.Sprintf("removed %d orphaned device directories", n), nil
}

// RetentionHandler deletes history records older than Retention.
type RetentionHandler struct {
	Store     Pruner
	Retention time.Duration
	now       func() time.Time
}

// Execute runs one prune.
func (h *RetentionHandler) Execute(ctx context.Context) (string, error) {
	if h.Retention <= 0 {
		return "retention disabled", nil
	}
	now := time.Now
	if h.now != nil {
		now = h.now
	}
	n, err := h.Store.Prune(ctx, now().Add(-h.Retention))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("pruned %d session records", n), nil
}
