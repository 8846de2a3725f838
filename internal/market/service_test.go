package market_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbarrientos2/VEIL/internal/crypto"
	"github.com/sbarrientos2/VEIL/internal/domain"
	"github.com/sbarrientos2/VEIL/internal/envelope"
	"github.com/sbarrientos2/VEIL/internal/market"
	"github.com/sbarrientos2/VEIL/internal/mpc"
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

type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) Publish(_ context.Context, ev domain.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types() []domain.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.EventType, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Type)
	}
	return out
}

// capturingOrchestrator records the callbacks the service registers so tests
// can replay results the orchestrator would never deliver.
type capturingOrchestrator struct {
	*orchestrator.Orchestrator
	callbacks map[domain.JobKind]orchestrator.Callback
}

func (c *capturingOrchestrator) Register(kind domain.JobKind, cb orchestrator.Callback) {
	c.callbacks[kind] = cb
	c.Orchestrator.Register(kind, cb)
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	clock    *fakeClock
	accounts *memory.AccountStore
	cluster  *mpc.LocalCluster
	orc      *capturingOrchestrator
	svc      *market.Service
	events   *eventLog
	clusterK domain.PublicKey
}

var (
	authority = addr(0xA0)
	alice     = addr(0x01)
	bob       = addr(0x02)
	carol     = addr(0x03)
)

func addr(b byte) domain.Address {
	var a domain.Address
	a[0] = b
	a[31] = b
	return a
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	mxe, err := envelope.GenerateKeyPair()
	require.NoError(t, err)
	opener, err := envelope.NewOpener(mxe)
	require.NoError(t, err)
	signer, err := crypto.GenerateSigner()
	require.NoError(t, err)
	verifier, err := crypto.NewVerifier(signer.Address().Hex())
	require.NoError(t, err)

	accounts := memory.NewAccountStore()
	events := &eventLog{}
	cluster := mpc.NewLocalCluster(mpc.NewExecutor(opener), signer, logger)
	orc := &capturingOrchestrator{
		Orchestrator: orchestrator.New(cluster, verifier, memory.NewLockManager(clock), memory.NewComputationStore(), events, clock, orchestrator.Config{}, logger),
		callbacks:    make(map[domain.JobKind]orchestrator.Callback),
	}
	cluster.SetHandler(orc)
	svc := market.NewService(accounts, orc, nil, events, clock, market.DefaultConfig(), logger)

	return &harness{
		t: t, ctx: context.Background(), clock: clock, accounts: accounts,
		cluster: cluster, orc: orc, svc: svc, events: events, clusterK: opener.PublicKey(),
	}
}

// process runs the cluster until the queue is empty.
func (h *harness) process() {
	h.t.Helper()
	_, err := h.cluster.Process(h.ctx)
	require.NoError(h.t, err)
}

func (h *harness) await(hd *orchestrator.Handle) error {
	h.t.Helper()
	h.process()
	ctx, cancel := context.WithTimeout(h.ctx, time.Second)
	defer cancel()
	_, err := h.svc.Await(ctx, hd)
	return err
}

// openMarket creates a market with the given fee and initialises its state.
func (h *harness) openMarket(fee uint16) domain.Market {
	h.t.Helper()
	m, err := h.svc.CreateMarket(h.ctx, market.CreateMarketRequest{
		Authority:      authority,
		MarketID:       1,
		Question:       "Will it rain in Lisbon on 1 April?",
		ResolutionTime: h.clock.Now().Add(24 * time.Hour),
		FeeBps:         fee,
	})
	require.NoError(h.t, err)
	hd, err := h.svc.InitMarketState(h.ctx, authority, m.Address)
	require.NoError(h.t, err)
	require.NoError(h.t, h.await(hd))
	return m
}

func (h *harness) sealBet(side domain.Outcome, amount uint64) domain.Envelope {
	h.t.Helper()
	keys, err := envelope.GenerateKeyPair()
	require.NoError(h.t, err)
	sealer, err := envelope.NewSealer(keys, h.clusterK)
	require.NoError(h.t, err)
	env, err := sealer.SealBet(side, amount)
	require.NoError(h.t, err)
	return env
}

func (h *harness) bet(m domain.Market, bettor domain.Address, side domain.Outcome, stake uint64) *orchestrator.Handle {
	h.t.Helper()
	_, hd, err := h.svc.PlaceBet(h.ctx, market.PlaceBetRequest{
		Market: m.Address, Bettor: bettor, Envelope: h.sealBet(side, stake), Stake: stake,
	})
	require.NoError(h.t, err)
	return hd
}

func (h *harness) confirmedBet(m domain.Market, bettor domain.Address, side domain.Outcome, stake uint64) {
	h.t.Helper()
	require.NoError(h.t, h.await(h.bet(m, bettor, side, stake)))
}

func (h *harness) resolve(m domain.Market, outcome domain.Outcome) {
	h.t.Helper()
	_, err := h.svc.CloseMarket(h.ctx, authority, m.Address)
	require.NoError(h.t, err)
	hd, err := h.svc.ResolveMarket(h.ctx, authority, m.Address, outcome)
	require.NoError(h.t, err)
	require.NoError(h.t, h.await(hd))
}

func (h *harness) market(m domain.Market) domain.Market {
	h.t.Helper()
	got, err := h.accounts.GetMarket(h.ctx, m.Address)
	require.NoError(h.t, err)
	return got
}

func TestCreateMarket_Validation(t *testing.T) {
	h := newHarness(t)
	base := market.CreateMarketRequest{
		Authority:      authority,
		MarketID:       7,
		Question:       "q",
		ResolutionTime: h.clock.Now().Add(time.Hour),
	}

	tests := []struct {
		name   string
		mutate func(*market.CreateMarketRequest)
		want   error
	}{
		{"fee too high", func(r *market.CreateMarketRequest) { r.FeeBps = 1001 }, domain.ErrInvalidFee},
		{"empty question", func(r *market.CreateMarketRequest) { r.Question = "" }, domain.ErrInvalidQuestion},
		{"long question", func(r *market.CreateMarketRequest) { r.Question = string(make([]byte, 201)) }, domain.ErrInvalidQuestion},
		{"resolution too soon", func(r *market.CreateMarketRequest) { r.ResolutionTime = h.clock.Now().Add(30 * time.Second) }, domain.ErrResolutionTooSoon},
		{"bad oracle", func(r *market.CreateMarketRequest) { r.OracleKind = "coin_flip" }, domain.ErrInvalidOracle},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			_, err := h.svc.CreateMarket(h.ctx, req)
			require.ErrorIs(t, err, tc.want)
			assert.Equal(t, domain.KindValidation, domain.KindOf(err))
		})
	}

	m, err := h.svc.CreateMarket(h.ctx, base)
	require.NoError(t, err)
	assert.Equal(t, domain.DeriveMarketAddress(authority, 7), m.Address)
	assert.Equal(t, domain.DeriveVaultAddress(m.Address), m.Vault)
	assert.Equal(t, domain.OracleManual, m.OracleKind)
	assert.Equal(t, domain.MarketStatusOpen, m.Status)
	assert.False(t, m.MPCInitialized)

	_, err = h.svc.CreateMarket(h.ctx, base)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestInitMarketState_OnceAndAuthorityOnly(t *testing.T) {
	h := newHarness(t)
	m, err := h.svc.CreateMarket(h.ctx, market.CreateMarketRequest{
		Authority: authority, MarketID: 1, Question: "q", ResolutionTime: h.clock.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	_, err = h.svc.InitMarketState(h.ctx, alice, m.Address)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	hd, err := h.svc.InitMarketState(h.ctx, authority, m.Address)
	require.NoError(t, err)
	require.NoError(t, h.await(hd))

	got := h.market(m)
	assert.True(t, got.MPCInitialized)
	assert.False(t, got.EncryptedState.IsZero())
	assert.Equal(t, uint64(1), got.StateNonce)

	_, err = h.svc.InitMarketState(h.ctx, authority, m.Address)
	assert.ErrorIs(t, err, domain.ErrMPCAlreadyInitialized)
}

func TestPlaceBet_RequiresInitialisedState(t *testing.T) {
	h := newHarness(t)
	m, err := h.svc.CreateMarket(h.ctx, market.CreateMarketRequest{
		Authority: authority, MarketID: 1, Question: "q", ResolutionTime: h.clock.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	_, _, err = h.svc.PlaceBet(h.ctx, market.PlaceBetRequest{
		Market: m.Address, Bettor: alice, Envelope: h.sealBet(domain.OutcomeYes, 2_000_000), Stake: 2_000_000,
	})
	require.ErrorIs(t, err, domain.ErrMPCNotInitialized)
	assert.Equal(t, domain.KindState, domain.KindOf(err))
}

func TestPlaceBet_BelowMinimumWritesNothing(t *testing.T) {
	h := newHarness(t)
	m := h.openMarket(300)

	_, _, err := h.svc.PlaceBet(h.ctx, market.PlaceBetRequest{
		Market: m.Address, Bettor: alice, Envelope: h.sealBet(domain.OutcomeYes, 999_999), Stake: 999_999,
	})
	require.ErrorIs(t, err, domain.ErrBetTooLow)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	_, err = h.accounts.GetBet(h.ctx, m.Address, alice)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	v, err := h.accounts.GetVault(h.ctx, m.Address)
	require.NoError(t, err)
	assert.Zero(t, v.Balance())
	assert.Zero(t, h.cluster.Pending())

	_, _, err = h.svc.PlaceBet(h.ctx, market.PlaceBetRequest{
		Market: m.Address, Bettor: alice, Envelope: h.sealBet(domain.OutcomeYes, 1), Stake: 1_000_000_000_001,
	})
	assert.ErrorIs(t, err, domain.ErrBetTooHigh)
}

func TestPlaceBet_SecondBetWhileInFlight(t *testing.T) {
	h := newHarness(t)
	m := h.openMarket(300)

	first := h.bet(m, alice, domain.OutcomeYes, 100_000_000)
	before := h.market(m)

	_, _, err := h.svc.PlaceBet(h.ctx, market.PlaceBetRequest{
		Market: m.Address, Bettor: bob, Envelope: h.sealBet(domain.OutcomeNo, 200_000_000), Stake: 200_000_000,
	})
	require.ErrorIs(t, err, domain.ErrComputationPending)
	assert.Equal(t, domain.KindConcurrency, domain.KindOf(err))

	_, err = h.accounts.GetBet(h.ctx, m.Address, bob)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, before, h.market(m))

	require.NoError(t, h.await(first))
	a, err := h.accounts.GetBet(h.ctx, m.Address, alice)
	require.NoError(t, err)
	assert.Equal(t, domain.BetStatusConfirmed, a.Status)

	// The guard is free again.
	h.confirmedBet(m, bob, domain.OutcomeNo, 200_000_000)
}

func TestPlaceBet_DuplicateBettor(t *testing.T) {
	h := newHarness(t)
	m := h.openMarket(300)
	h.confirmedBet(m, alice, domain.OutcomeYes, 5_000_000)

	_, _, err := h.svc.PlaceBet(h.ctx, market.PlaceBetRequest{
		Market: m.Address, Bettor: alice, Envelope: h.sealBet(domain.OutcomeNo, 5_000_000), Stake: 5_000_000,
	})
	require.ErrorIs(t, err, domain.ErrBetExists)
	assert.Equal(t, domain.KindState, domain.KindOf(err))
}

func TestPlaceBet_ConfirmsAndAdvancesState(t *testing.T) {
	h := newHarness(t)
	m := h.openMarket(300)

	h.confirmedBet(m, alice, domain.OutcomeYes, 100_000_000)
	h.confirmedBet(m, bob, domain.OutcomeNo, 200_000_000)

	got := h.market(m)
	assert.Equal(t, uint32(2), got.BetCount)
	assert.Equal(t, uint64(3), got.StateNonce)
	assert.Equal(t, uint64(300_000_000), got.TotalLiquidity)

	b, err := h.accounts.GetBet(h.ctx, m.Address, bob)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), b.BetIndex)
	assert.Equal(t, domain.DeriveBetAddress(m.Address, bob), b.Address)
	require.NotNil(t, b.ConfirmedAt)

	v, err := h.accounts.GetVault(h.ctx, m.Address)
	require.NoError(t, err)
	assert.Equal(t, uint64(300_000_000), v.Balance())

	assert.Contains(t, h.events.types(), domain.EventBetConfirmed)
}

func TestPlaceBet_AmountMismatchStaysPendingAndResubmits(t *testing.T) {
	h := newHarness(t)
	m := h.openMarket(0)

	_, hd, err := h.svc.PlaceBet(h.ctx, market.PlaceBetRequest{
		Market: m.Address, Bettor: alice, Envelope: h.sealBet(domain.OutcomeYes, 9_000_000), Stake: 3_000_000,
	})
	require.NoError(t, err)
	err = h.await(hd)
	require.ErrorIs(t, err, domain.ErrComputationFailed)

	b, err := h.accounts.GetBet(h.ctx, m.Address, alice)
	require.NoError(t, err)
	assert.Equal(t, domain.BetStatusPending, b.Status)
	assert.Equal(t, uint64(1), h.market(m).StateNonce)
	assert.Zero(t, h.market(m).BetCount)

	hd, err = h.svc.ResubmitBet(h.ctx, m.Address, alice, h.sealBet(domain.OutcomeYes, 3_000_000))
	require.NoError(t, err)
	require.NoError(t, h.await(hd))

	b, err = h.accounts.GetBet(h.ctx, m.Address, alice)
	require.NoError(t, err)
	assert.Equal(t, domain.BetStatusConfirmed, b.Status)
	assert.Equal(t, uint32(1), h.market(m).BetCount)

	_, err = h.svc.ResubmitBet(h.ctx, m.Address, alice, h.sealBet(domain.OutcomeYes, 3_000_000))
	assert.ErrorIs(t, err, domain.ErrBetNotPending)
}

func TestPlaceBet_AfterResolutionTime(t *testing.T) {
	h := newHarness(t)
	m := h.openMarket(0)
	h.clock.Advance(25 * time.Hour)

	_, _, err := h.svc.PlaceBet(h.ctx, market.PlaceBetRequest{
		Market: m.Address, Bettor: alice, Envelope: h.sealBet(domain.OutcomeYes, 2_000_000), Stake: 2_000_000,
	})
	assert.ErrorIs(t, err, domain.ErrBettingClosed)
}

func TestCloseMarket_Rules(t *testing.T) {
	h := newHarness(t)
	m := h.openMarket(0)

	_, err := h.svc.CloseMarket(h.ctx, alice, m.Address)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	h.clock.Advance(24 * time.Hour)
	got, err := h.svc.CloseMarket(h.ctx, alice, m.Address)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusClosed, got.Status)
	require.NotNil(t, got.ClosedAt)

	// Closing twice is a no-op.
	again, err := h.svc.CloseMarket(h.ctx, authority, m.Address)
	require.NoError(t, err)
	assert.Equal(t, got.ClosedAt, again.ClosedAt)

	n := 0
	for _, typ := range h.events.types() {
		if typ == domain.EventMarketClosed {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestResolveAndClaim_Scenario(t *testing.T) {
	h := newHarness(t)
	m := h.openMarket(300)
	h.confirmedBet(m, alice, domain.OutcomeYes, 100_000_000)
	h.confirmedBet(m, bob, domain.OutcomeNo, 200_000_000)

	_, err := h.svc.ResolveMarket(h.ctx, authority, m.Address, domain.OutcomeYes)
	require.ErrorIs(t, err, domain.ErrMarketNotClosed)

	h.resolve(m, domain.OutcomeYes)
	got := h.market(m)
	assert.Equal(t, domain.MarketStatusResolved, got.Status)
	assert.Equal(t, domain.OutcomeYes, got.Outcome)
	assert.Equal(t, uint64(100_000_000), got.RevealedYesPool)
	assert.Equal(t, uint64(200_000_000), got.RevealedNoPool)
	assert.Equal(t, got.RevealedYesPool+got.RevealedNoPool, got.RevealedTotalPool)
	assert.Equal(t, uint64(300_000_000), got.RevealedTotalPool)

	hd, err := h.svc.ClaimPayout(h.ctx, m.Address, alice, domain.OutcomeYes, 100_000_000)
	require.NoError(t, err)
	require.NoError(t, h.await(hd))
	a, err := h.accounts.GetBet(h.ctx, m.Address, alice)
	require.NoError(t, err)
	assert.Equal(t, domain.BetStatusClaimed, a.Status)
	assert.True(t, a.Claimed)
	require.NotNil(t, a.PayoutAmount)
	assert.Equal(t, uint64(294_000_000), *a.PayoutAmount)

	hd, err = h.svc.ClaimPayout(h.ctx, m.Address, bob, domain.OutcomeNo, 200_000_000)
	require.NoError(t, err)
	require.NoError(t, h.await(hd))
	b, err := h.accounts.GetBet(h.ctx, m.Address, bob)
	require.NoError(t, err)
	require.NotNil(t, b.PayoutAmount)
	assert.Zero(t, *b.PayoutAmount)

	v, err := h.accounts.GetVault(h.ctx, m.Address)
	require.NoError(t, err)
	assert.Equal(t, uint64(6_000_000), v.Balance())

	// A second claim fails and pays nothing.
	_, err = h.svc.ClaimPayout(h.ctx, m.Address, alice, domain.OutcomeYes, 100_000_000)
	require.ErrorIs(t, err, domain.ErrAlreadyClaimed)
	assert.Equal(t, domain.KindSettlement, domain.KindOf(err))
	v2, err := h.accounts.GetVault(h.ctx, m.Address)
	require.NoError(t, err)
	assert.Equal(t, v.Balance(), v2.Balance())

	_, err = h.svc.ClaimRefund(h.ctx, m.Address, alice)
	assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)
}

func TestClaimPayout_WrongOutcomeLeavesRecordUntouched(t *testing.T) {
	h := newHarness(t)
	m := h.openMarket(300)
	h.confirmedBet(m, alice, domain.OutcomeNo, 50_000_000)
	h.confirmedBet(m, bob, domain.OutcomeYes, 50_000_000)
	h.resolve(m, domain.OutcomeYes)

	_, err := h.svc.ClaimPayout(h.ctx, m.Address, alice, domain.OutcomeNo, 49_000_000)
	require.ErrorIs(t, err, domain.ErrClaimMismatch)

	// Alice lies about her side: the cluster refutes it.
	hd, err := h.svc.ClaimPayout(h.ctx, m.Address, alice, domain.OutcomeYes, 50_000_000)
	require.NoError(t, err)
	err = h.await(hd)
	require.ErrorIs(t, err, domain.ErrClaimMismatch)
	assert.Equal(t, domain.KindSettlement, domain.KindOf(err))

	a, err := h.accounts.GetBet(h.ctx, m.Address, alice)
	require.NoError(t, err)
	assert.Equal(t, domain.BetStatusConfirmed, a.Status)
	assert.False(t, a.Claimed)
	assert.Nil(t, a.PayoutAmount)

	v, err := h.accounts.GetVault(h.ctx, m.Address)
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000_000), v.Balance())
}

func TestCancelAndRefund(t *testing.T) {
	h := newHarness(t)
	m := h.openMarket(300)
	h.confirmedBet(m, alice, domain.OutcomeYes, 42_000_000)

	_, err := h.svc.ClaimRefund(h.ctx, m.Address, alice)
	require.ErrorIs(t, err, domain.ErrMarketNotCancelled)

	_, err = h.svc.CancelMarket(h.ctx, alice, m.Address)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = h.svc.CancelMarket(h.ctx, authority, m.Address)
	require.NoError(t, err)

	b, err := h.svc.ClaimRefund(h.ctx, m.Address, alice)
	require.NoError(t, err)
	assert.Equal(t, domain.BetStatusRefunded, b.Status)
	require.NotNil(t, b.PayoutAmount)
	assert.Equal(t, uint64(42_000_000), *b.PayoutAmount)
	assert.False(t, b.Claimed)

	v, err := h.accounts.GetVault(h.ctx, m.Address)
	require.NoError(t, err)
	assert.Zero(t, v.Balance())
	assert.Equal(t, uint64(42_000_000), v.TotalWithdrawals)

	_, err = h.svc.ClaimRefund(h.ctx, m.Address, alice)
	assert.ErrorIs(t, err, domain.ErrAlreadyRefunded)
	_, err = h.svc.ClaimPayout(h.ctx, m.Address, alice, domain.OutcomeYes, 42_000_000)
	assert.ErrorIs(t, err, domain.ErrMarketNotResolved)
}

func TestTerminalStates(t *testing.T) {
	h := newHarness(t)
	m := h.openMarket(0)
	h.confirmedBet(m, alice, domain.OutcomeYes, 2_000_000)
	h.resolve(m, domain.OutcomeYes)

	_, err := h.svc.CancelMarket(h.ctx, authority, m.Address)
	assert.ErrorIs(t, err, domain.ErrMarketTerminal)
	_, err = h.svc.CloseMarket(h.ctx, authority, m.Address)
	assert.ErrorIs(t, err, domain.ErrMarketTerminal)
	_, err = h.svc.ResolveMarket(h.ctx, authority, m.Address, domain.OutcomeNo)
	assert.ErrorIs(t, err, domain.ErrMarketTerminal)
	_, _, err = h.svc.PlaceBet(h.ctx, market.PlaceBetRequest{
		Market: m.Address, Bettor: bob, Envelope: h.sealBet(domain.OutcomeYes, 2_000_000), Stake: 2_000_000,
	})
	assert.ErrorIs(t, err, domain.ErrMarketNotOpen)
}

func TestResolveMarket_RetryAfterFailure(t *testing.T) {
	h := newHarness(t)
	m := h.openMarket(0)
	h.confirmedBet(m, alice, domain.OutcomeYes, 2_000_000)
	_, err := h.svc.CloseMarket(h.ctx, authority, m.Address)
	require.NoError(t, err)

	_, err = h.svc.ResolveMarket(h.ctx, alice, m.Address, domain.OutcomeYes)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	hd, err := h.svc.ResolveMarket(h.ctx, authority, m.Address, domain.OutcomeYes)
	require.NoError(t, err)
	assert.True(t, h.cluster.Drop(hd.CorrelationID))
	n, err := h.svc.ForceUnlock(h.ctx, authority, m.Address)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.MarketStatusResolving, h.market(m).Status)

	hd, err = h.svc.ResolveMarket(h.ctx, authority, m.Address, domain.OutcomeYes)
	require.NoError(t, err)
	require.NoError(t, h.await(hd))
	assert.Equal(t, domain.MarketStatusResolved, h.market(m).Status)
}

func TestStaleResultIsRejected(t *testing.T) {
	h := newHarness(t)
	m := h.openMarket(0)

	first := h.bet(m, alice, domain.OutcomeYes, 2_000_000)
	assert.True(t, h.cluster.Drop(first.CorrelationID))
	_, err := h.svc.ForceUnlock(h.ctx, authority, m.Address)
	require.NoError(t, err)
	require.ErrorIs(t, first.Err(), domain.ErrForceUnlocked)

	// Bob's bet advances the state while Alice's stays pending.
	h.confirmedBet(m, bob, domain.OutcomeNo, 3_000_000)
	cur := h.market(m)
	assert.Equal(t, uint64(2), cur.StateNonce)

	// Alice's result, computed against nonce 1, turns up late.
	late := first.Job()
	err = h.orc.callbacks[domain.JobPlaceBet].Commit(h.ctx, late, domain.ComputationResult{
		CorrelationID: late.CorrelationID,
		Kind:          late.Kind,
		Market:        late.Market,
		Output:        mpc.EncodeState(cur.EncryptedState),
	})
	require.ErrorIs(t, err, domain.ErrStaleState)
	assert.Equal(t, cur, h.market(m))

	a, err := h.accounts.GetBet(h.ctx, m.Address, alice)
	require.NoError(t, err)
	assert.Equal(t, domain.BetStatusPending, a.Status)

	hd, err := h.svc.RequestBetCount(h.ctx, m.Address)
	require.NoError(t, err)
	require.NoError(t, h.await(hd))
	got := h.market(m)
	require.NotNil(t, got.RevealedBetCount)
	assert.Equal(t, uint32(1), *got.RevealedBetCount)
}

func TestRevealTotals_AfterResolution(t *testing.T) {
	h := newHarness(t)
	m := h.openMarket(0)
	h.confirmedBet(m, alice, domain.OutcomeYes, 2_000_000)
	h.confirmedBet(m, carol, domain.OutcomeNo, 5_000_000)

	_, err := h.svc.RevealTotals(h.ctx, authority, m.Address)
	require.ErrorIs(t, err, domain.ErrMarketNotResolved)

	h.resolve(m, domain.OutcomeNo)
	hd, err := h.svc.RevealTotals(h.ctx, authority, m.Address)
	require.NoError(t, err)
	require.NoError(t, h.await(hd))
	assert.Contains(t, h.events.types(), domain.EventTotalsRevealed)
}

func TestRefund_PendingBetOnResolvedMarket(t *testing.T) {
	h := newHarness(t)
	m := h.openMarket(0)
	h.confirmedBet(m, alice, domain.OutcomeYes, 2_000_000)

	stuck := h.bet(m, bob, domain.OutcomeNo, 4_000_000)
	assert.True(t, h.cluster.Drop(stuck.CorrelationID))
	_, err := h.svc.ForceUnlock(h.ctx, authority, m.Address)
	require.NoError(t, err)

	h.resolve(m, domain.OutcomeYes)
	assert.Equal(t, uint64(2_000_000), h.market(m).RevealedTotalPool)

	_, err = h.svc.ClaimPayout(h.ctx, m.Address, bob, domain.OutcomeNo, 4_000_000)
	require.ErrorIs(t, err, domain.ErrBetNotConfirmed)

	b, err := h.svc.ClaimRefund(h.ctx, m.Address, bob)
	require.NoError(t, err)
	assert.Equal(t, domain.BetStatusRefunded, b.Status)

	_, err = h.svc.ClaimRefund(h.ctx, m.Address, alice)
	assert.ErrorIs(t, err, domain.ErrNotRefundable)
}

func TestLifecycleTable(t *testing.T) {
	assert.True(t, market.CanTransition(domain.MarketStatusOpen, domain.MarketStatusClosed))
	assert.True(t, market.CanTransition(domain.MarketStatusClosed, domain.MarketStatusCancelled))
	assert.True(t, market.CanTransition(domain.MarketStatusResolving, domain.MarketStatusResolved))
	assert.False(t, market.CanTransition(domain.MarketStatusOpen, domain.MarketStatusResolving))
	assert.False(t, market.CanTransition(domain.MarketStatusResolving, domain.MarketStatusCancelled))
	assert.False(t, market.CanTransition(domain.MarketStatusResolved, domain.MarketStatusCancelled))
	assert.False(t, market.CanTransition(domain.MarketStatusCancelled, domain.MarketStatusOpen))
}
