// Package orchestrator bridges synchronous ledger operations and the
// asynchronous computation cluster: it queues jobs under a per-market guard,
// verifies signed results, hands them to the registered commit callback and
// releases the guard on every exit path.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sbarrientos2/VEIL/internal/domain"
)

// Cluster accepts computation requests. Results come back through OnResult.
type Cluster interface {
	Submit(ctx context.Context, req domain.ComputationRequest) error
}

// ResultVerifier checks a result is attributable to the expected cluster.
type ResultVerifier interface {
	VerifyResult(res domain.ComputationResult) error
}

// Callback commits the output of one job kind.
type Callback interface {
	// Commit writes the verified output atomically. An error rejects the
	// result and nothing may have been written.
	Commit(ctx context.Context, job domain.Computation, res domain.ComputationResult) error
	// Abort is told about a job that ended without committing.
	Abort(ctx context.Context, job domain.Computation, cause error)
}

// Job is what a caller asks the cluster to compute.
type Job struct {
	Kind       domain.JobKind
	Market     domain.Address
	Bettor     domain.Address
	StateNonce uint64
	State      *domain.EncryptedState
	Bet        *domain.Envelope
	Outcome    domain.Outcome
	Amount     uint64
}

// Config tunes timeouts.
type Config struct {
	// Timeout bounds how long a job may stay pending. It is also the TTL of
	// the market guard, so a lost guard frees itself.
	Timeout time.Duration
	// ReapInterval is how often Run expires overdue jobs.
	ReapInterval time.Duration
}

const (
	defaultTimeout      = 2 * time.Minute
	defaultReapInterval = 10 * time.Second
)

type inflight struct {
	job    domain.Computation
	unlock func()
	handle *Handle
}

// Orchestrator owns the pending-computation guard.
type Orchestrator struct {
	cluster  Cluster
	verifier ResultVerifier
	locks    domain.LockManager
	store    domain.ComputationStore
	events   domain.EventPublisher
	clock    domain.Clock
	logger   *slog.Logger
	cfg      Config

	mu        sync.Mutex
	callbacks map[domain.JobKind]Callback
	inflight  map[string]*inflight
}

// New creates an Orchestrator. events may be nil.
func New(cluster Cluster, verifier ResultVerifier, locks domain.LockManager, store domain.ComputationStore, events domain.EventPublisher, clock domain.Clock, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = defaultReapInterval
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Orchestrator{
		cluster:   cluster,
		verifier:  verifier,
		locks:     locks,
		store:     store,
		events:    events,
		clock:     clock,
		logger:    logger.With(slog.String("component", "orchestrator")),
		cfg:       cfg,
		callbacks: make(map[domain.JobKind]Callback),
		inflight:  make(map[string]*inflight),
	}
}

// Register installs the commit callback for kind, replacing any previous.
func (o *Orchestrator) Register(kind domain.JobKind, cb Callback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.callbacks[kind] = cb
}

// Timeout returns the configured job timeout.
func (o *Orchestrator) Timeout() time.Duration { return o.cfg.Timeout }

// GuardKey names the lock that serialises jobs. Every kind touching the
// encrypted market state shares one key per market; claim verification is
// scoped to the bettor.
func GuardKey(kind domain.JobKind, market, bettor domain.Address) string {
	if kind.ReadsState() {
		return "veil:guard:" + market.String() + ":state"
	}
	return "veil:guard:" + market.String() + ":claim:" + bettor.String()
}

// Queue acquires the guard, records the job and submits it. A held guard
// fails with domain.ErrComputationPending; nothing is queued in that case.
func (o *Orchestrator) Queue(ctx context.Context, j Job) (*Handle, error) {
	if !j.Kind.Valid() || j.Market.IsZero() {
		return nil, fmt.Errorf("orchestrator: queue %q: %w", j.Kind, domain.ErrInvalidComputation)
	}
	o.mu.Lock()
	_, ok := o.callbacks[j.Kind]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("orchestrator: queue %s: no callback registered: %w", j.Kind, domain.ErrInvalidComputation)
	}

	key := GuardKey(j.Kind, j.Market, j.Bettor)
	unlock, err := o.locks.Acquire(ctx, key, o.cfg.Timeout)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("orchestrator: queue %s on %s: %w", j.Kind, j.Market, domain.ErrComputationPending)
		}
		return nil, fmt.Errorf("orchestrator: acquire guard %s: %w", key, err)
	}

	now := o.clock.Now()
	rec := domain.Computation{
		CorrelationID: uuid.NewString(),
		Kind:          j.Kind,
		Market:        j.Market,
		Bettor:        j.Bettor,
		StateNonce:    j.StateNonce,
		Outcome:       j.Outcome,
		Amount:        j.Amount,
		Status:        domain.ComputationPending,
		CreatedAt:     now,
		Deadline:      now.Add(o.cfg.Timeout),
	}
	if err := o.store.Create(ctx, rec); err != nil {
		unlock()
		return nil, fmt.Errorf("orchestrator: record %s: %w", rec.CorrelationID, err)
	}

	h := newHandle(rec)
	o.mu.Lock()
	o.inflight[rec.CorrelationID] = &inflight{job: rec, unlock: unlock, handle: h}
	o.mu.Unlock()

	req := domain.ComputationRequest{
		CorrelationID: rec.CorrelationID,
		Kind:          j.Kind,
		Market:        j.Market,
		Bettor:        j.Bettor,
		StateNonce:    j.StateNonce,
		State:         j.State,
		Bet:           j.Bet,
		Outcome:       j.Outcome,
		Amount:        j.Amount,
		Deadline:      rec.Deadline,
	}
	if err := o.cluster.Submit(ctx, req); err != nil {
		cause := fmt.Errorf("orchestrator: submit %s: %w: %w", rec.CorrelationID, err, domain.ErrComputationFailed)
		if entry := o.take(rec.CorrelationID); entry != nil {
			o.finish(context.WithoutCancel(ctx), entry, domain.ComputationFailed, cause)
		}
		return nil, cause
	}

	o.logger.InfoContext(ctx, "computation queued",
		slog.String("correlation_id", rec.CorrelationID),
		slog.String("kind", string(j.Kind)),
		slog.String("market", j.Market.String()),
		slog.Uint64("state_nonce", j.StateNonce),
	)
	return h, nil
}

// take removes an in-flight entry so exactly one caller finishes it.
func (o *Orchestrator) take(id string) *inflight {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.inflight[id]
	if !ok {
		return nil
	}
	delete(o.inflight, id)
	return e
}

// OnResult accepts a signed result. Unknown correlation ids are rejected
// with domain.ErrUnknownComputation and change nothing. For a known id the
// job always ends here: committed, or failed with the cause returned.
func (o *Orchestrator) OnResult(ctx context.Context, res domain.ComputationResult) error {
	entry := o.take(res.CorrelationID)
	if entry == nil {
		return fmt.Errorf("orchestrator: result %q: %w", res.CorrelationID, domain.ErrUnknownComputation)
	}
	// The commit must not be cut short by the delivering caller going away.
	ctx = context.WithoutCancel(ctx)
	job := entry.job

	if err := o.verifier.VerifyResult(res); err != nil {
		cause := fmt.Errorf("orchestrator: verify %s: %w: %w", job.CorrelationID, err, domain.ErrComputationFailed)
		o.finish(ctx, entry, domain.ComputationFailed, cause)
		return cause
	}
	if res.Kind != job.Kind || res.Market != job.Market {
		cause := fmt.Errorf("orchestrator: result %s is %s on %s, want %s on %s: %w",
			job.CorrelationID, res.Kind, res.Market, job.Kind, job.Market, domain.ErrComputationFailed)
		o.finish(ctx, entry, domain.ComputationFailed, cause)
		return cause
	}
	if res.Error != "" {
		cause := fmt.Errorf("orchestrator: cluster aborted %s: %s: %w", job.CorrelationID, res.Error, domain.ErrComputationFailed)
		o.finish(ctx, entry, domain.ComputationFailed, cause)
		return cause
	}

	o.mu.Lock()
	cb := o.callbacks[job.Kind]
	o.mu.Unlock()
	if err := cb.Commit(ctx, job, res); err != nil {
		cause := fmt.Errorf("orchestrator: commit %s: %w: %w", job.CorrelationID, err, domain.ErrComputationFailed)
		o.finish(ctx, entry, domain.ComputationFailed, cause)
		return cause
	}

	o.finish(ctx, entry, domain.ComputationCommitted, nil)
	return nil
}

// finish records the terminal status, releases the guard and wakes
// waiters. It runs on every exit path of a job.
func (o *Orchestrator) finish(ctx context.Context, e *inflight, status domain.ComputationStatus, cause error) {
	defer e.unlock()

	job := e.job
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	now := o.clock.Now()
	if err := o.store.Finish(ctx, job.CorrelationID, status, msg, now); err != nil {
		o.logger.ErrorContext(ctx, "record computation outcome",
			slog.String("correlation_id", job.CorrelationID),
			slog.String("error", err.Error()),
		)
	}
	job.Status = status
	job.Error = msg
	job.FinishedAt = &now
	e.handle.resolve(job, cause)

	if status == domain.ComputationCommitted {
		o.logger.InfoContext(ctx, "computation committed",
			slog.String("correlation_id", job.CorrelationID),
			slog.String("kind", string(job.Kind)),
			slog.String("market", job.Market.String()),
		)
		return
	}

	o.logger.WarnContext(ctx, "computation failed",
		slog.String("correlation_id", job.CorrelationID),
		slog.String("kind", string(job.Kind)),
		slog.String("market", job.Market.String()),
		slog.String("status", string(status)),
		slog.String("error", msg),
	)
	o.mu.Lock()
	cb := o.callbacks[job.Kind]
	o.mu.Unlock()
	if cb != nil {
		cb.Abort(ctx, job, cause)
	}
	if o.events != nil {
		o.events.Publish(ctx, domain.Event{
			Type:          domain.EventComputationFailed,
			Market:        job.Market,
			CorrelationID: job.CorrelationID,
			Detail:        map[string]any{"kind": string(job.Kind), "status": string(status), "error": msg},
			At:            now,
		})
	}
}

// Await blocks until the job behind h ends or ctx is done. It returns nil
// when the result committed.
func (o *Orchestrator) Await(ctx context.Context, h *Handle) (domain.Computation, error) {
	select {
	case <-h.done:
		return h.job, h.err
	case <-ctx.Done():
		return h.Job(), ctx.Err()
	}
}

// Get returns the persisted record of a job.
func (o *Orchestrator) Get(ctx context.Context, correlationID string) (domain.Computation, error) {
	c, err := o.store.Get(ctx, correlationID)
	if err != nil {
		return domain.Computation{}, fmt.Errorf("orchestrator: get %s: %w", correlationID, err)
	}
	return c, nil
}

// Pending lists the in-flight jobs on market.
func (o *Orchestrator) Pending(market domain.Address) []domain.Computation {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []domain.Computation
	for _, e := range o.inflight {
		if e.job.Market == market {
			out = append(out, e.job)
		}
	}
	return out
}

// ForceUnlock fails every in-flight job on market and drops the market's
// state guard even if no local job holds it. It returns how many jobs were
// failed.
func (o *Orchestrator) ForceUnlock(ctx context.Context, market domain.Address) (int, error) {
	o.mu.Lock()
	var victims []*inflight
	for id, e := range o.inflight {
		if e.job.Market == market {
			victims = append(victims, e)
			delete(o.inflight, id)
		}
	}
	o.mu.Unlock()

	for _, e := range victims {
		o.finish(ctx, e, domain.ComputationFailed,
			fmt.Errorf("orchestrator: %s: %w", e.job.CorrelationID, domain.ErrForceUnlocked))
	}
	if err := o.locks.ForceRelease(ctx, GuardKey(domain.JobPlaceBet, market, domain.Address{})); err != nil {
		return len(victims), fmt.Errorf("orchestrator: force release %s: %w", market, err)
	}
	o.logger.WarnContext(ctx, "market force-unlocked",
		slog.String("market", market.String()),
		slog.Int("jobs_failed", len(victims)),
	)
	return len(victims), nil
}
