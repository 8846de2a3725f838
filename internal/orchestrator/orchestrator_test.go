package orchestrator_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbarrientos2/VEIL/internal/crypto"
	"github.com/sbarrientos2/VEIL/internal/domain"
	"github.com/sbarrientos2/VEIL/internal/orchestrator"
	"github.com/sbarrientos2/VEIL/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeCluster struct {
	mu   sync.Mutex
	reqs []domain.ComputationRequest
	fail error
}

func (c *fakeCluster) Submit(_ context.Context, req domain.ComputationRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.reqs = append(c.reqs, req)
	return nil
}

type fakeCallback struct {
	mu        sync.Mutex
	commitErr error
	committed []string
	aborted   []error
}

func (f *fakeCallback) Commit(_ context.Context, job domain.Computation, _ domain.ComputationResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	f.committed = append(f.committed, job.CorrelationID)
	return nil
}

func (f *fakeCallback) Abort(_ context.Context, _ domain.Computation, cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, cause)
}

type env struct {
	orc     *orchestrator.Orchestrator
	cluster *fakeCluster
	cb      *fakeCallback
	signer  *crypto.Signer
	store   *memory.ComputationStore
	locks   *memory.LockManager
	clock   *fakeClock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	signer, err := crypto.GenerateSigner()
	require.NoError(t, err)
	verifier, err := crypto.NewVerifier(signer.Address().Hex())
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	e := &env{
		cluster: &fakeCluster{},
		cb:      &fakeCallback{},
		signer:  signer,
		store:   memory.NewComputationStore(),
		locks:   memory.NewLockManager(clock),
		clock:   clock,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e.orc = orchestrator.New(e.cluster, verifier, e.locks, e.store, nil, clock, orchestrator.Config{Timeout: time.Minute}, logger)
	for _, k := range []domain.JobKind{domain.JobInitMarketState, domain.JobPlaceBet, domain.JobPayoutPools, domain.JobVerifyBetClaim} {
		e.orc.Register(k, e.cb)
	}
	return e
}

func (e *env) result(t *testing.T, h *orchestrator.Handle, signer *crypto.Signer) domain.ComputationResult {
	t.Helper()
	res := domain.ComputationResult{CorrelationID: h.CorrelationID, Kind: h.Kind, Market: h.Market, Output: []byte{1}}
	require.NoError(t, signer.SignResult(&res))
	return res
}

var (
	marketA = domain.Address{0xA}
	marketB = domain.Address{0xB}
	bettor1 = domain.Address{1}
	bettor2 = domain.Address{2}
)

func TestQueue_GuardRejectsSecondStateJob(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	h, err := e.orc.Queue(ctx, orchestrator.Job{Kind: domain.JobPlaceBet, Market: marketA, Bettor: bettor1})
	require.NoError(t, err)

	_, err = e.orc.Queue(ctx, orchestrator.Job{Kind: domain.JobPlaceBet, Market: marketA, Bettor: bettor2})
	require.ErrorIs(t, err, domain.ErrComputationPending)
	assert.Equal(t, domain.KindConcurrency, domain.KindOf(err))

	// Every state-reading kind shares the guard.
	_, err = e.orc.Queue(ctx, orchestrator.Job{Kind: domain.JobPayoutPools, Market: marketA, Outcome: domain.OutcomeYes})
	require.ErrorIs(t, err, domain.ErrComputationPending)

	// Other markets and claim verification are independent.
	_, err = e.orc.Queue(ctx, orchestrator.Job{Kind: domain.JobPlaceBet, Market: marketB, Bettor: bettor1})
	require.NoError(t, err)
	_, err = e.orc.Queue(ctx, orchestrator.Job{Kind: domain.JobVerifyBetClaim, Market: marketA, Bettor: bettor1})
	require.NoError(t, err)

	assert.Len(t, e.cluster.reqs, 3)
	assert.Equal(t, h.CorrelationID, e.cluster.reqs[0].CorrelationID)
}

func TestQueue_CorrelationIDsAreRandomUUIDs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		h, err := e.orc.Queue(ctx, orchestrator.Job{Kind: domain.JobVerifyBetClaim, Market: marketA, Bettor: domain.Address{byte(i)}})
		require.NoError(t, err)
		id, err := uuid.Parse(h.CorrelationID)
		require.NoError(t, err)
		assert.Equal(t, uuid.Version(4), id.Version())
		assert.False(t, seen[h.CorrelationID])
		seen[h.CorrelationID] = true
	}
}

func TestOnResult_CommitsAndReleasesGuard(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	h, err := e.orc.Queue(ctx, orchestrator.Job{Kind: domain.JobPlaceBet, Market: marketA, Bettor: bettor1, StateNonce: 3})
	require.NoError(t, err)
	require.NoError(t, e.orc.OnResult(ctx, e.result(t, h, e.signer)))

	job, err := e.orc.Await(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, domain.ComputationCommitted, job.Status)
	assert.Equal(t, []string{h.CorrelationID}, e.cb.committed)

	stored, err := e.orc.Get(ctx, h.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, domain.ComputationCommitted, stored.Status)
	assert.Equal(t, uint64(3), stored.StateNonce)

	_, err = e.orc.Queue(ctx, orchestrator.Job{Kind: domain.JobPlaceBet, Market: marketA, Bettor: bettor2})
	require.NoError(t, err)
}

func TestOnResult_UnknownCorrelationID(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	h, err := e.orc.Queue(ctx, orchestrator.Job{Kind: domain.JobPlaceBet, Market: marketA, Bettor: bettor1})
	require.NoError(t, err)

	forged := e.result(t, h, e.signer)
	forged.CorrelationID = uuid.NewString()
	require.NoError(t, e.signer.SignResult(&forged))

	err = e.orc.OnResult(ctx, forged)
	require.ErrorIs(t, err, domain.ErrUnknownComputation)

	// The real job is untouched and still holds the guard.
	assert.Len(t, e.orc.Pending(marketA), 1)
	_, err = e.orc.Queue(ctx, orchestrator.Job{Kind: domain.JobPlaceBet, Market: marketA, Bettor: bettor2})
	assert.ErrorIs(t, err, domain.ErrComputationPending)
}

func TestOnResult_BadSignatureIsTerminal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	impostor, err := crypto.GenerateSigner()
	require.NoError(t, err)

	h, err := e.orc.Queue(ctx, orchestrator.Job{Kind: domain.JobPlaceBet, Market: marketA, Bettor: bettor1})
	require.NoError(t, err)

	err = e.orc.OnResult(ctx, e.result(t, h, impostor))
	require.ErrorIs(t, err, domain.ErrComputationFailed)
	require.ErrorIs(t, err, domain.ErrInvalidSignature)

	_, err = e.orc.Await(ctx, h)
	require.ErrorIs(t, err, domain.ErrComputationFailed)
	assert.Empty(t, e.cb.committed)
	assert.Len(t, e.cb.aborted, 1)

	// No retry: the genuine result now finds no job.
	err = e.orc.OnResult(ctx, e.result(t, h, e.signer))
	require.ErrorIs(t, err, domain.ErrUnknownComputation)

	// Guard released.
	_, err = e.orc.Queue(ctx, orchestrator.Job{Kind: domain.JobPlaceBet, Market: marketA, Bettor: bettor2})
	require.NoError(t, err)
}

func TestOnResult_KindMismatch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	h, err := e.orc.Queue(ctx, orchestrator.Job{Kind: domain.JobPlaceBet, Market: marketA, Bettor: bettor1})
	require.NoError(t, err)

	res := e.result(t, h, e.signer)
	res.Kind = domain.JobInitMarketState
	require.NoError(t, e.signer.SignResult(&res))
	require.ErrorIs(t, e.orc.OnResult(ctx, res), domain.ErrComputationFailed)
}

func TestOnResult_ClusterErrorAndCallbackError(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	h, err := e.orc.Queue(ctx, orchestrator.Job{Kind: domain.JobPlaceBet, Market: marketA, Bettor: bettor1})
	require.NoError(t, err)
	res := domain.ComputationResult{CorrelationID: h.CorrelationID, Kind: h.Kind, Market: h.Market, Error: "overflow"}
	require.NoError(t, e.signer.SignResult(&res))
	require.ErrorIs(t, e.orc.OnResult(ctx, res), domain.ErrComputationFailed)

	e.cb.commitErr = domain.ErrStaleState
	h, err = e.orc.Queue(ctx, orchestrator.Job{Kind: domain.JobPlaceBet, Market: marketA, Bettor: bettor1})
	require.NoError(t, err)
	err = e.orc.OnResult(ctx, e.result(t, h, e.signer))
	require.ErrorIs(t, err, domain.ErrComputationFailed)
	require.ErrorIs(t, err, domain.ErrStaleState)

	stored, err := e.store.Get(ctx, h.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, domain.ComputationFailed, stored.Status)

	_, err = e.orc.Queue(ctx, orchestrator.Job{Kind: domain.JobPlaceBet, Market: marketA, Bettor: bettor2})
	require.NoError(t, err)
}

func TestQueue_SubmitFailureReleasesGuard(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.cluster.fail = errors.New("stream down")

	_, err := e.orc.Queue(ctx, orchestrator.Job{Kind: domain.JobPlaceBet, Market: marketA, Bettor: bettor1})
	require.ErrorIs(t, err, domain.ErrComputationFailed)

	e.cluster.fail = nil
	_, err = e.orc.Queue(ctx, orchestrator.Job{Kind: domain.JobPlaceBet, Market: marketA, Bettor: bettor1})
	require.NoError(t, err)
}

func TestReap_ExpiresOverdueJobs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	h, err := e.orc.Queue(ctx, orchestrator.Job{Kind: domain.JobPlaceBet, Market: marketA, Bettor: bettor1})
	require.NoError(t, err)

	assert.Zero(t, e.orc.Reap(ctx))
	e.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, e.orc.Reap(ctx))

	job, err := e.orc.Await(ctx, h)
	require.ErrorIs(t, err, domain.ErrComputationTimeout)
	assert.Equal(t, domain.ComputationExpired, job.Status)

	// A late result is ignored.
	require.ErrorIs(t, e.orc.OnResult(ctx, e.result(t, h, e.signer)), domain.ErrUnknownComputation)
	assert.Empty(t, e.cb.committed)

	_, err = e.orc.Queue(ctx, orchestrator.Job{Kind: domain.JobPlaceBet, Market: marketA, Bettor: bettor2})
	require.NoError(t, err)
}

func TestForceUnlock(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	h, err := e.orc.Queue(ctx, orchestrator.Job{Kind: domain.JobPlaceBet, Market: marketA, Bettor: bettor1})
	require.NoError(t, err)
	_, err = e.orc.Queue(ctx, orchestrator.Job{Kind: domain.JobPlaceBet, Market: marketB, Bettor: bettor1})
	require.NoError(t, err)

	n, err := e.orc.ForceUnlock(ctx, marketA)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = e.orc.Await(ctx, h)
	require.ErrorIs(t, err, domain.ErrForceUnlocked)
	assert.Len(t, e.orc.Pending(marketB), 1)

	_, err = e.orc.Queue(ctx, orchestrator.Job{Kind: domain.JobPlaceBet, Market: marketA, Bettor: bettor2})
	require.NoError(t, err)
}

func TestRecover_ExpiresOrphans(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	orphan := domain.Computation{CorrelationID: "old", Kind: domain.JobPlaceBet, Market: marketA, Status: domain.ComputationPending}
	require.NoError(t, e.store.Create(ctx, orphan))
	_, err := e.locks.Acquire(ctx, orchestrator.GuardKey(domain.JobPlaceBet, marketA, domain.Address{}), time.Hour)
	require.NoError(t, err)

	n, err := e.orc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := e.store.Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, domain.ComputationExpired, got.Status)

	_, err = e.orc.Queue(ctx, orchestrator.Job{Kind: domain.JobPlaceBet, Market: marketA, Bettor: bettor1})
	require.NoError(t, err)
}

func TestAwait_ContextCancelled(t *testing.T) {
	e := newEnv(t)
	h, err := e.orc.Queue(context.Background(), orchestrator.Job{Kind: domain.JobInitMarketState, Market: marketA})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	job, err := e.orc.Await(ctx, h)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.ComputationPending, job.Status)
}
