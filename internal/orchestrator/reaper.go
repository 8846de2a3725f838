package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sbarrientos2/VEIL/internal/domain"
)

// Reap expires every in-flight job whose deadline has passed. Results that
// arrive later are rejected as unknown.
func (o *Orchestrator) Reap(ctx context.Context) int {
	now := o.clock.Now()

	o.mu.Lock()
	var overdue []*inflight
	for id, e := range o.inflight {
		if !now.Before(e.job.Deadline) {
			overdue = append(overdue, e)
			delete(o.inflight, id)
		}
	}
	o.mu.Unlock()

	for _, e := range overdue {
		o.finish(ctx, e, domain.ComputationExpired,
			fmt.Errorf("orchestrator: %s after %s: %w", e.job.CorrelationID, o.cfg.Timeout, domain.ErrComputationTimeout))
	}
	return len(overdue)
}

// Recover marks records left pending by a previous process as expired and
// drops their guards. Call it once before serving.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	pending, err := o.store.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: recover: %w", err)
	}
	o.mu.Lock()
	live := make(map[string]bool, len(o.inflight))
	for id := range o.inflight {
		live[id] = true
	}
	o.mu.Unlock()

	n := 0
	now := o.clock.Now()
	for _, c := range pending {
		if live[c.CorrelationID] {
			continue
		}
		msg := fmt.Sprintf("orphaned by restart: %s", domain.ErrComputationTimeout)
		if err := o.store.Finish(ctx, c.CorrelationID, domain.ComputationExpired, msg, now); err != nil {
			o.logger.WarnContext(ctx, "expire orphaned computation",
				slog.String("correlation_id", c.CorrelationID), slog.String("error", err.Error()))
			continue
		}
		if err := o.locks.ForceRelease(ctx, GuardKey(c.Kind, c.Market, c.Bettor)); err != nil {
			o.logger.WarnContext(ctx, "release orphaned guard",
				slog.String("correlation_id", c.CorrelationID), slog.String("error", err.Error()))
		}
		n++
	}
	if n > 0 {
		o.logger.InfoContext(ctx, "expired orphaned computations", slog.Int("count", n))
	}
	return n, nil
}

// Run reaps overdue jobs every ReapInterval until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := o.Reap(ctx); n > 0 {
				o.logger.InfoContext(ctx, "expired overdue computations", slog.Int("count", n))
			}
		}
	}
}
