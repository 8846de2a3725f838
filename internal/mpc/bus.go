package mpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sbarrientos2/VEIL/internal/crypto"
	"github.com/sbarrientos2/VEIL/internal/domain"
)

// Default stream names shared by nodes and the cluster worker.
const (
	DefaultRequestStream = "veil:mpc:requests"
	DefaultResultStream  = "veil:mpc:results"
)

const (
	streamBatch         = 64
	defaultPollInterval = 250 * time.Millisecond
)

// BusClient submits requests by appending them to the request stream.
type BusClient struct {
	bus    domain.SignalBus
	stream string
}

// NewBusClient creates a client writing to stream.
func NewBusClient(bus domain.SignalBus, stream string) *BusClient {
	if stream == "" {
		stream = DefaultRequestStream
	}
	return &BusClient{bus: bus, stream: stream}
}

// Submit serialises req and appends it to the request stream.
func (c *BusClient) Submit(ctx context.Context, req domain.ComputationRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("mpc: marshal request %s: %w", req.CorrelationID, err)
	}
	if err := c.bus.StreamAppend(ctx, c.stream, data); err != nil {
		return fmt.Errorf("mpc: submit %s: %w", req.CorrelationID, err)
	}
	return nil
}

// StreamConfig names the streams and poll cadence for Worker and
// ResultPump.
type StreamConfig struct {
	RequestStream string
	ResultStream  string
	PollInterval  time.Duration
	// StartID is the stream position to read after; "0" replays from the
	// beginning.
	StartID string
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.RequestStream == "" {
		c.RequestStream = DefaultRequestStream
	}
	if c.ResultStream == "" {
		c.ResultStream = DefaultResultStream
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.StartID == "" {
		c.StartID = "0"
	}
	return c
}

// Worker is the cluster side of the stream transport: it consumes
// requests, executes them and appends signed results.
type Worker struct {
	bus    domain.SignalBus
	exec   *Executor
	signer *crypto.Signer
	cfg    StreamConfig
	clock  domain.Clock
	logger *slog.Logger
	lastID string
}

// NewWorker creates a worker.
func NewWorker(bus domain.SignalBus, exec *Executor, signer *crypto.Signer, cfg StreamConfig, clock domain.Clock, logger *slog.Logger) *Worker {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Worker{
		bus:    bus,
		exec:   exec,
		signer: signer,
		cfg:    cfg,
		clock:  clock,
		logger: logger.With(slog.String("component", "mpc_worker")),
		lastID: cfg.StartID,
	}
}

// Poll handles one batch of requests and returns how many were read.
func (w *Worker) Poll(ctx context.Context) (int, error) {
	msgs, err := w.bus.StreamRead(ctx, w.cfg.RequestStream, w.lastID, streamBatch)
	if err != nil {
		return 0, fmt.Errorf("mpc: read requests: %w", err)
	}
	// The cursor moves past a request only once its result is on the
	// stream, so a failed append is retried on the next poll.
	for i, msg := range msgs {
		var req domain.ComputationRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			w.logger.WarnContext(ctx, "skipping malformed request",
				slog.String("stream_id", msg.ID), slog.String("error", err.Error()))
			w.lastID = msg.ID
			continue
		}
		if !req.Deadline.IsZero() && !w.clock.Now().Before(req.Deadline) {
			w.logger.InfoContext(ctx, "skipping expired request",
				slog.String("correlation_id", req.CorrelationID), slog.String("kind", string(req.Kind)))
			w.lastID = msg.ID
			continue
		}

		res := w.exec.Run(req)
		if err := w.signer.SignResult(&res); err != nil {
			return i, fmt.Errorf("mpc: sign %s: %w", req.CorrelationID, err)
		}
		data, err := json.Marshal(res)
		if err != nil {
			return i, fmt.Errorf("mpc: marshal result %s: %w", req.CorrelationID, err)
		}
		if err := w.bus.StreamAppend(ctx, w.cfg.ResultStream, data); err != nil {
			return i, fmt.Errorf("mpc: append result %s: %w", req.CorrelationID, err)
		}
		w.lastID = msg.ID
		w.logger.InfoContext(ctx, "computation executed",
			slog.String("correlation_id", req.CorrelationID),
			slog.String("kind", string(req.Kind)),
			slog.Bool("failed", res.Error != ""),
		)
	}
	return len(msgs), nil
}

// Run polls until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "cluster worker started",
		slog.String("requests", w.cfg.RequestStream),
		slog.String("results", w.cfg.ResultStream),
		slog.String("signer", w.signer.Address().Hex()),
	)
	return pollLoop(ctx, w.cfg.PollInterval, w.Poll, w.logger)
}

// ResultPump is the node side: it reads signed results and hands them to
// the orchestrator.
type ResultPump struct {
	bus     domain.SignalBus
	handler ResultHandler
	cfg     StreamConfig
	logger  *slog.Logger
	lastID  string
}

// NewResultPump creates a pump delivering to handler.
func NewResultPump(bus domain.SignalBus, handler ResultHandler, cfg StreamConfig, logger *slog.Logger) *ResultPump {
	cfg = cfg.withDefaults()
	return &ResultPump{
		bus:     bus,
		handler: handler,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "mpc_results")),
		lastID:  cfg.StartID,
	}
}

// Poll delivers one batch of results.
func (p *ResultPump) Poll(ctx context.Context) (int, error) {
	msgs, err := p.bus.StreamRead(ctx, p.cfg.ResultStream, p.lastID, streamBatch)
	if err != nil {
		return 0, fmt.Errorf("mpc: read results: %w", err)
	}
	for _, msg := range msgs {
		p.lastID = msg.ID
		var res domain.ComputationResult
		if err := json.Unmarshal(msg.Payload, &res); err != nil {
			p.logger.WarnContext(ctx, "skipping malformed result",
				slog.String("stream_id", msg.ID), slog.String("error", err.Error()))
			continue
		}
		if err := p.handler.OnResult(ctx, res); err != nil {
			level := slog.LevelWarn
			if errors.Is(err, domain.ErrUnknownComputation) {
				level = slog.LevelDebug
			}
			p.logger.Log(ctx, level, "result rejected",
				slog.String("correlation_id", res.CorrelationID),
				slog.String("kind", string(res.Kind)),
				slog.String("error", err.Error()),
			)
		}
	}
	return len(msgs), nil
}

// Run polls until ctx is done.
func (p *ResultPump) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "result pump started", slog.String("stream", p.cfg.ResultStream))
	return pollLoop(ctx, p.cfg.PollInterval, p.Poll, p.logger)
}

// pollLoop calls poll immediately while it keeps returning full batches and
// waits interval otherwise.
func pollLoop(ctx context.Context, interval time.Duration, poll func(context.Context) (int, error), logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.ErrorContext(ctx, "poll failed", slog.String("error", err.Error()))
		}
		if n == streamBatch {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
