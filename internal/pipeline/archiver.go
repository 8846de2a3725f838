// Package pipeline runs background maintenance jobs on a schedule.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sbarrientos2/VEIL/internal/domain"
)

// Archiver periodically copies settled markets to cold storage.
type Archiver struct {
	blobArchiver domain.Archiver
	retention    time.Duration
	clock        domain.Clock
	logger       *slog.Logger
}

// NewArchiver creates an Archiver that exports markets settled more than
// retentionDays ago.
func NewArchiver(blobArchiver domain.Archiver, retentionDays int, clock domain.Clock, logger *slog.Logger) *Archiver {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Archiver{
		blobArchiver: blobArchiver,
		retention:    time.Duration(retentionDays) * 24 * time.Hour,
		clock:        clock,
		logger:       logger.With(slog.String("component", "archive_job")),
	}
}

// Run executes a single archive pass.
func (a *Archiver) Run(ctx context.Context) (int64, error) {
	cutoff := a.clock.Now().Add(-a.retention)
	n, err := a.blobArchiver.ArchiveSettled(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("pipeline: archive before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	a.logger.InfoContext(ctx, "archive run complete",
		slog.Time("cutoff", cutoff),
		slog.Int64("markets", n),
	)
	return n, nil
}

// RunEvery runs an archive pass immediately and then every interval until
// ctx is cancelled. A failed pass is logged and retried on the next tick.
func (a *Archiver) RunEvery(ctx context.Context, interval time.Duration) error {
	a.logger.InfoContext(ctx, "archiver started", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := a.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			a.logger.InfoContext(ctx, "archiver stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
