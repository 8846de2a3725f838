package mpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sbarrientos2/VEIL/internal/crypto"
	"github.com/sbarrientos2/VEIL/internal/domain"
)

// ResultHandler receives signed results. The orchestrator implements it.
type ResultHandler interface {
	OnResult(ctx context.Context, res domain.ComputationResult) error
}

// LocalCluster runs circuits in process. Submitted jobs wait in a FIFO
// queue until Process (tests) or Run (dev mode) drains it, so callers see
// the same asynchrony as with a remote cluster.
type LocalCluster struct {
	exec   *Executor
	signer *crypto.Signer
	logger *slog.Logger

	mu      sync.Mutex
	queue   []domain.ComputationRequest
	handler ResultHandler
	wake    chan struct{}
}

// NewLocalCluster creates a cluster that signs with signer.
func NewLocalCluster(exec *Executor, signer *crypto.Signer, logger *slog.Logger) *LocalCluster {
	return &LocalCluster{
		exec:   exec,
		signer: signer,
		logger: logger.With(slog.String("component", "mpc_local")),
		wake:   make(chan struct{}, 1),
	}
}

// SetHandler registers where results are delivered.
func (c *LocalCluster) SetHandler(h ResultHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Submit enqueues req.
func (c *LocalCluster) Submit(_ context.Context, req domain.ComputationRequest) error {
	c.mu.Lock()
	c.queue = append(c.queue, req)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of queued jobs.
func (c *LocalCluster) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Drop discards a queued job as if the cluster lost it.
func (c *LocalCluster) Drop(correlationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, req := range c.queue {
		if req.CorrelationID == correlationID {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Process executes every queued job in order and delivers the signed
// results. Handler rejections are logged, not returned: they are terminal
// for the job, not for the cluster.
func (c *LocalCluster) Process(ctx context.Context) (int, error) {
	c.mu.Lock()
	batch := c.queue
	c.queue = nil
	h := c.handler
	c.mu.Unlock()

	if h == nil && len(batch) > 0 {
		return 0, fmt.Errorf("mpc: local cluster has no result handler")
	}
	for i, req := range batch {
		if err := ctx.Err(); err != nil {
			c.requeue(batch[i:])
			return i, err
		}
		res := c.exec.Run(req)
		if err := c.signer.SignResult(&res); err != nil {
			return i, fmt.Errorf("mpc: sign %s: %w", req.CorrelationID, err)
		}
		if err := h.OnResult(ctx, res); err != nil {
			c.logger.WarnContext(ctx, "result rejected",
				slog.String("correlation_id", req.CorrelationID),
				slog.String("kind", string(req.Kind)),
				slog.String("error", err.Error()),
			)
		}
	}
	return len(batch), nil
}

func (c *LocalCluster) requeue(reqs []domain.ComputationRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(append([]domain.ComputationRequest(nil), reqs...), c.queue...)
}

// Run drains the queue whenever a job is submitted, until ctx is done.
func (c *LocalCluster) Run(ctx context.Context) error {
	c.logger.InfoContext(ctx, "local cluster started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.wake:
			if _, err := c.Process(ctx); err != nil && ctx.Err() == nil {
				c.logger.ErrorContext(ctx, "process queue", slog.String("error", err.Error()))
			}
		}
	}
}
