// Package market runs the market lifecycle: creation, encrypted-state
// initialisation, bet placement, closing, resolution, cancellation and
// settlement. Operations that touch the encrypted state are split in two: a
// synchronous half that validates and queues a computation inside the
// market's store transaction, and a commit callback that applies the signed
// result.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sbarrientos2/VEIL/internal/domain"
	"github.com/sbarrientos2/VEIL/internal/orchestrator"
	"github.com/sbarrientos2/VEIL/internal/settlement"
)

// Config holds the market limits.
type Config struct {
	MinBet            uint64
	MaxBet            uint64
	MaxQuestionLen    int
	MaxFeeBps         uint16
	MinResolutionLead time.Duration
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		MinBet:            1_000_000,
		MaxBet:            1_000_000_000_000,
		MaxQuestionLen:    200,
		MaxFeeBps:         1000,
		MinResolutionLead: time.Minute,
	}
}

// Computations is the slice of the orchestrator the service drives.
type Computations interface {
	Queue(ctx context.Context, j orchestrator.Job) (*orchestrator.Handle, error)
	Register(kind domain.JobKind, cb orchestrator.Callback)
	Await(ctx context.Context, h *orchestrator.Handle) (domain.Computation, error)
	ForceUnlock(ctx context.Context, market domain.Address) (int, error)
}

// Service implements the market operations.
type Service struct {
	store  domain.AccountStore
	orc    Computations
	ledger *settlement.Ledger
	cache  domain.MarketCache
	events domain.EventPublisher
	clock  domain.Clock
	cfg    Config
	logger *slog.Logger
}

// NewService creates a Service and registers its commit callbacks with orc.
// cache and events may be nil.
func NewService(
	store domain.AccountStore,
	orc Computations,
	cache domain.MarketCache,
	events domain.EventPublisher,
	clock domain.Clock,
	cfg Config,
	logger *slog.Logger,
) *Service {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	s := &Service{
		store:  store,
		orc:    orc,
		ledger: settlement.NewLedger(clock),
		cache:  cache,
		events: events,
		clock:  clock,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "market")),
	}
	orc.Register(domain.JobInitMarketState, callback{s: s, commit: s.commitInit})
	orc.Register(domain.JobPlaceBet, callback{s: s, commit: s.commitBet})
	orc.Register(domain.JobPayoutPools, callback{s: s, commit: s.commitPools})
	orc.Register(domain.JobRevealTotals, callback{s: s, commit: s.commitTotals})
	orc.Register(domain.JobVerifyBetClaim, callback{s: s, commit: s.commitClaim})
	orc.Register(domain.JobGetBetCount, callback{s: s, commit: s.commitBetCount})
	return s
}

// Config returns the limits the service enforces.
func (s *Service) Config() Config { return s.cfg }

// CreateMarketRequest carries the immutable configuration of a new market.
type CreateMarketRequest struct {
	Authority       domain.Address    `json:"authority"`
	MarketID        uint64            `json:"market_id"`
	Question        string            `json:"question"`
	ResolutionTime  time.Time         `json:"resolution_time"`
	FeeBps          uint16            `json:"fee_bps"`
	OracleKind      domain.OracleKind `json:"oracle_kind"`
	OracleReference string            `json:"oracle_reference,omitempty"`
}

// CreateMarket allocates a market and its vault at their derived addresses.
// The market starts Open without encrypted state.
func (s *Service) CreateMarket(ctx context.Context, req CreateMarketRequest) (domain.Market, error) {
	now := s.clock.Now()
	if req.OracleKind == "" {
		req.OracleKind = domain.OracleManual
	}
	switch {
	case req.Authority.IsZero():
		return domain.Market{}, fmt.Errorf("market: create: authority: %w", domain.ErrInvalidAddress)
	case req.Question == "" || len(req.Question) > s.cfg.MaxQuestionLen:
		return domain.Market{}, fmt.Errorf("market: create: question of %d bytes: %w", len(req.Question), domain.ErrInvalidQuestion)
	case req.FeeBps > s.cfg.MaxFeeBps:
		return domain.Market{}, fmt.Errorf("market: create: fee %d bps: %w", req.FeeBps, domain.ErrInvalidFee)
	case req.ResolutionTime.Before(now.Add(s.cfg.MinResolutionLead)):
		return domain.Market{}, fmt.Errorf("market: create: resolution at %s: %w", req.ResolutionTime.Format(time.RFC3339), domain.ErrResolutionTooSoon)
	case !req.OracleKind.Valid():
		return domain.Market{}, fmt.Errorf("market: create: oracle %q: %w", req.OracleKind, domain.ErrInvalidOracle)
	}

	addr := domain.DeriveMarketAddress(req.Authority, req.MarketID)
	vault := domain.Vault{
		Address:   domain.DeriveVaultAddress(addr),
		Market:    addr,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m := domain.Market{
		Address:         addr,
		Authority:       req.Authority,
		MarketID:        req.MarketID,
		Question:        req.Question,
		ResolutionTime:  req.ResolutionTime.UTC(),
		FeeBps:          req.FeeBps,
		OracleKind:      req.OracleKind,
		OracleReference: req.OracleReference,
		Status:          domain.MarketStatusOpen,
		Outcome:         domain.OutcomeUnset,
		Vault:           vault.Address,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateMarket(ctx, m, vault); err != nil {
		return domain.Market{}, fmt.Errorf("market: create %s: %w", addr, err)
	}

	s.logger.InfoContext(ctx, "market created",
		slog.String("market", addr.String()),
		slog.String("authority", req.Authority.String()),
		slog.Uint64("market_id", req.MarketID),
	)
	s.publish(ctx, domain.Event{
		Type:   domain.EventMarketCreated,
		Market: addr,
		Detail: map[string]any{
			"market_id":       req.MarketID,
			"question":        req.Question,
			"resolution_time": m.ResolutionTime,
			"fee_bps":         req.FeeBps,
			"oracle_kind":     string(req.OracleKind),
		},
	})
	return m, nil
}

// InitMarketState queues the computation that produces the encrypted zero
// state. Only the authority may call it, once.
func (s *Service) InitMarketState(ctx context.Context, caller, market domain.Address) (*orchestrator.Handle, error) {
	var h *orchestrator.Handle
	err := s.store.Update(ctx, market, func(tx domain.AccountTx) error {
		m, err := tx.Market(ctx)
		if err != nil {
			return err
		}
		if caller != m.Authority {
			return domain.ErrUnauthorized
		}
		if m.MPCInitialized {
			return domain.ErrMPCAlreadyInitialized
		}
		if m.Status != domain.MarketStatusOpen {
			return fmt.Errorf("status %s: %w", m.Status, domain.ErrMarketNotOpen)
		}
		h, err = s.orc.Queue(ctx, orchestrator.Job{
			Kind:       domain.JobInitMarketState,
			Market:     market,
			StateNonce: m.StateNonce,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("market: init state %s: %w", market, err)
	}
	s.publish(ctx, domain.Event{Type: domain.EventMarketStateInitRequested, Market: market, CorrelationID: h.CorrelationID})
	return h, nil
}

// PlaceBetRequest is one encrypted bet. Stake is the escrowed amount and
// must equal the encrypted amount; the cluster rejects the bet otherwise.
type PlaceBetRequest struct {
	Market   domain.Address  `json:"market"`
	Bettor   domain.Address  `json:"bettor"`
	Envelope domain.Envelope `json:"envelope"`
	Stake    uint64          `json:"stake"`
}

// PlaceBet escrows the stake, writes a Pending bet record and queues the
// aggregation. Any rejection, including a computation already in flight on
// the market, leaves nothing written.
func (s *Service) PlaceBet(ctx context.Context, req PlaceBetRequest) (domain.BetRecord, *orchestrator.Handle, error) {
	switch {
	case req.Bettor.IsZero():
		return domain.BetRecord{}, nil, fmt.Errorf("market: place bet: bettor: %w", domain.ErrInvalidAddress)
	case req.Stake < s.cfg.MinBet:
		return domain.BetRecord{}, nil, fmt.Errorf("market: place bet: stake %d below %d: %w", req.Stake, s.cfg.MinBet, domain.ErrBetTooLow)
	case req.Stake > s.cfg.MaxBet:
		return domain.BetRecord{}, nil, fmt.Errorf("market: place bet: stake %d above %d: %w", req.Stake, s.cfg.MaxBet, domain.ErrBetTooHigh)
	}
	encBet, err := domain.BetFromEnvelope(req.Envelope)
	if err != nil {
		return domain.BetRecord{}, nil, fmt.Errorf("market: place bet: %w", err)
	}

	var (
		rec domain.BetRecord
		h   *orchestrator.Handle
	)
	err = s.store.Update(ctx, req.Market, func(tx domain.AccountTx) error {
		now := s.clock.Now()
		m, err := tx.Market(ctx)
		if err != nil {
			return err
		}
		if err := checkBettable(m, now); err != nil {
			return err
		}

		rec = domain.BetRecord{
			Address:         domain.DeriveBetAddress(req.Market, req.Bettor),
			Market:          req.Market,
			Bettor:          req.Bettor,
			EncryptedBet:    encBet,
			BettorPublicKey: req.Envelope.SenderKey,
			UserNonce:       req.Envelope.Nonce,
			Stake:           req.Stake,
			Status:          domain.BetStatusPending,
			PlacedAt:        now,
		}
		if err := tx.CreateBet(ctx, rec); err != nil {
			return err
		}

		v, err := tx.Vault(ctx)
		if err != nil {
			return err
		}
		if err := settlement.Credit(&v, req.Stake); err != nil {
			return err
		}
		v.UpdatedAt = now
		if m.TotalLiquidity+req.Stake < m.TotalLiquidity {
			return domain.ErrArithmeticOverflow
		}
		m.TotalLiquidity += req.Stake
		m.UpdatedAt = now
		if err := tx.PutVault(ctx, v); err != nil {
			return err
		}
		if err := tx.PutMarket(ctx, m); err != nil {
			return err
		}

		state := m.EncryptedState
		env := req.Envelope
		h, err = s.orc.Queue(ctx, orchestrator.Job{
			Kind:       domain.JobPlaceBet,
			Market:     req.Market,
			Bettor:     req.Bettor,
			StateNonce: m.StateNonce,
			State:      &state,
			Bet:        &env,
			Amount:     req.Stake,
		})
		return err
	})
	if err != nil {
		return domain.BetRecord{}, nil, fmt.Errorf("market: place bet on %s: %w", req.Market, err)
	}

	s.invalidate(ctx, req.Market)
	s.logger.InfoContext(ctx, "bet placed",
		slog.String("market", req.Market.String()),
		slog.String("bettor", req.Bettor.String()),
		slog.Uint64("stake", req.Stake),
		slog.String("correlation_id", h.CorrelationID),
	)
	bettor := req.Bettor
	s.publish(ctx, domain.Event{
		Type:          domain.EventBetPlaced,
		Market:        req.Market,
		Bettor:        &bettor,
		CorrelationID: h.CorrelationID,
		Detail:        map[string]any{"stake": req.Stake},
	})
	return rec, h, nil
}

// ResubmitBet re-queues the aggregation of a Pending bet whose earlier
// computation failed, with a fresh envelope. The stake is already escrowed.
func (s *Service) ResubmitBet(ctx context.Context, market, bettor domain.Address, env domain.Envelope) (*orchestrator.Handle, error) {
	encBet, err := domain.BetFromEnvelope(env)
	if err != nil {
		return nil, fmt.Errorf("market: resubmit bet: %w", err)
	}
	var h *orchestrator.Handle
	err = s.store.Update(ctx, market, func(tx domain.AccountTx) error {
		m, err := tx.Market(ctx)
		if err != nil {
			return err
		}
		if err := checkBettable(m, s.clock.Now()); err != nil {
			return err
		}
		b, err := tx.Bet(ctx, bettor)
		if err != nil {
			return err
		}
		if b.Status != domain.BetStatusPending {
			return fmt.Errorf("bet %s is %s: %w", b.Address, b.Status, domain.ErrBetNotPending)
		}
		b.EncryptedBet = encBet
		b.BettorPublicKey = env.SenderKey
		b.UserNonce = env.Nonce
		if err := tx.PutBet(ctx, b); err != nil {
			return err
		}
		state := m.EncryptedState
		h, err = s.orc.Queue(ctx, orchestrator.Job{
			Kind:       domain.JobPlaceBet,
			Market:     market,
			Bettor:     bettor,
			StateNonce: m.StateNonce,
			State:      &state,
			Bet:        &env,
			Amount:     b.Stake,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("market: resubmit bet on %s: %w", market, err)
	}
	s.publish(ctx, domain.Event{
		Type:          domain.EventBetPlaced,
		Market:        market,
		Bettor:        &bettor,
		CorrelationID: h.CorrelationID,
		Detail:        map[string]any{"resubmitted": true},
	})
	return h, nil
}

// CloseMarket stops betting. The authority may close at any time; anyone
// may close once the resolution time has passed. Closing a closed market is
// a no-op.
func (s *Service) CloseMarket(ctx context.Context, caller, market domain.Address) (domain.Market, error) {
	var (
		m       domain.Market
		changed bool
	)
	err := s.store.Update(ctx, market, func(tx domain.AccountTx) error {
		var err error
		m, err = tx.Market(ctx)
		if err != nil {
			return err
		}
		if m.Status == domain.MarketStatusClosed {
			return nil
		}
		if err := checkTransition(m.Status, domain.MarketStatusClosed); err != nil {
			return err
		}
		now := s.clock.Now()
		if caller != m.Authority && now.Before(m.ResolutionTime) {
			return domain.ErrUnauthorized
		}
		m.Status = domain.MarketStatusClosed
		m.ClosedAt = &now
		m.UpdatedAt = now
		changed = true
		return tx.PutMarket(ctx, m)
	})
	if err != nil {
		return domain.Market{}, fmt.Errorf("market: close %s: %w", market, err)
	}
	if !changed {
		return m, nil
	}

	s.invalidate(ctx, market)
	s.logger.InfoContext(ctx, "market closed",
		slog.String("market", market.String()),
		slog.String("closed_by", caller.String()),
		slog.Int("bet_count", int(m.BetCount)),
	)
	s.publish(ctx, domain.Event{
		Type:   domain.EventMarketClosed,
		Market: market,
		Detail: map[string]any{
			"closed_by":       caller.String(),
			"bet_count":       m.BetCount,
			"total_liquidity": m.TotalLiquidity,
		},
	})
	return m, nil
}

// ResolveMarket records the outcome and queues the payout-pool computation.
// A market left Resolving by a failed computation may be resolved again.
func (s *Service) ResolveMarket(ctx context.Context, caller, market domain.Address, outcome domain.Outcome) (*orchestrator.Handle, error) {
	if !outcome.Valid() {
		return nil, fmt.Errorf("market: resolve %s: outcome %q: %w", market, outcome, domain.ErrInvalidOutcome)
	}
	var h *orchestrator.Handle
	err := s.store.Update(ctx, market, func(tx domain.AccountTx) error {
		m, err := tx.Market(ctx)
		if err != nil {
			return err
		}
		if !canResolve(m, caller) {
			return domain.ErrUnauthorized
		}
		if m.Status != domain.MarketStatusResolving {
			if err := checkTransition(m.Status, domain.MarketStatusResolving); err != nil {
				return err
			}
		}
		if !m.MPCInitialized {
			return domain.ErrMPCNotInitialized
		}
		now := s.clock.Now()
		m.Status = domain.MarketStatusResolving
		m.Outcome = outcome
		m.UpdatedAt = now
		if err := tx.PutMarket(ctx, m); err != nil {
			return err
		}
		state := m.EncryptedState
		h, err = s.orc.Queue(ctx, orchestrator.Job{
			Kind:       domain.JobPayoutPools,
			Market:     market,
			StateNonce: m.StateNonce,
			State:      &state,
			Outcome:    outcome,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("market: resolve %s: %w", market, err)
	}

	s.invalidate(ctx, market)
	s.logger.InfoContext(ctx, "market resolution requested",
		slog.String("market", market.String()),
		slog.String("outcome", string(outcome)),
		slog.String("correlation_id", h.CorrelationID),
	)
	s.publish(ctx, domain.Event{
		Type:          domain.EventMarketResolutionRequested,
		Market:        market,
		CorrelationID: h.CorrelationID,
		Detail:        map[string]any{"outcome": string(outcome)},
	})
	return h, nil
}

// CancelMarket moves an Open or Closed market to Cancelled so every stake
// can be refunded. Authority only.
func (s *Service) CancelMarket(ctx context.Context, caller, market domain.Address) (domain.Market, error) {
	var m domain.Market
	err := s.store.Update(ctx, market, func(tx domain.AccountTx) error {
		var err error
		m, err = tx.Market(ctx)
		if err != nil {
			return err
		}
		if caller != m.Authority {
			return domain.ErrUnauthorized
		}
		if err := checkTransition(m.Status, domain.MarketStatusCancelled); err != nil {
			return err
		}
		m.Status = domain.MarketStatusCancelled
		m.UpdatedAt = s.clock.Now()
		return tx.PutMarket(ctx, m)
	})
	if err != nil {
		return domain.Market{}, fmt.Errorf("market: cancel %s: %w", market, err)
	}

	s.invalidate(ctx, market)
	s.logger.InfoContext(ctx, "market cancelled", slog.String("market", market.String()))
	s.publish(ctx, domain.Event{
		Type:   domain.EventMarketCancelled,
		Market: market,
		Detail: map[string]any{"bet_count": m.BetCount, "total_liquidity": m.TotalLiquidity},
	})
	return m, nil
}

// ClaimPayout checks a claim against the stored record and queues the
// verification of the claimed outcome and stake against the encrypted bet.
// The payout is settled by the verification callback.
func (s *Service) ClaimPayout(ctx context.Context, market, bettor domain.Address, claimedOutcome domain.Outcome, claimedStake uint64) (*orchestrator.Handle, error) {
	var h *orchestrator.Handle
	err := s.store.Update(ctx, market, func(tx domain.AccountTx) error {
		m, err := tx.Market(ctx)
		if err != nil {
			return err
		}
		b, err := tx.Bet(ctx, bettor)
		if err != nil {
			return err
		}
		if err := settlement.CheckClaimable(m, b, claimedOutcome, claimedStake); err != nil {
			return err
		}
		env := b.Envelope()
		h, err = s.orc.Queue(ctx, orchestrator.Job{
			Kind:       domain.JobVerifyBetClaim,
			Market:     market,
			Bettor:     bettor,
			StateNonce: m.StateNonce,
			Bet:        &env,
			Outcome:    claimedOutcome,
			Amount:     claimedStake,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("market: claim payout on %s: %w", market, err)
	}
	return h, nil
}

// ClaimRefund returns exactly the escrowed stake of a bet on a cancelled
// market, or of a bet that never confirmed on a resolved market.
func (s *Service) ClaimRefund(ctx context.Context, market, bettor domain.Address) (domain.BetRecord, error) {
	var b domain.BetRecord
	err := s.store.Update(ctx, market, func(tx domain.AccountTx) error {
		var err error
		b, err = s.ledger.Refund(ctx, tx, bettor)
		return err
	})
	if err != nil {
		return domain.BetRecord{}, fmt.Errorf("market: refund on %s: %w", market, err)
	}

	s.invalidate(ctx, market)
	s.logger.InfoContext(ctx, "refund claimed",
		slog.String("market", market.String()),
		slog.String("bettor", bettor.String()),
		slog.Uint64("amount", b.Stake),
	)
	s.publish(ctx, domain.Event{
		Type:   domain.EventRefundClaimed,
		Market: market,
		Bettor: &bettor,
		Detail: map[string]any{"amount": b.Stake},
	})
	return b, nil
}

// RequestBetCount queues a computation that discloses only the number of
// aggregated bets.
func (s *Service) RequestBetCount(ctx context.Context, market domain.Address) (*orchestrator.Handle, error) {
	return s.queueReveal(ctx, market, domain.JobGetBetCount, nil)
}

// RevealTotals queues a recomputation of the pool totals on a resolved
// market, checked against the pools revealed at resolution. Authority only.
func (s *Service) RevealTotals(ctx context.Context, caller, market domain.Address) (*orchestrator.Handle, error) {
	return s.queueReveal(ctx, market, domain.JobRevealTotals, func(m domain.Market) error {
		if caller != m.Authority {
			return domain.ErrUnauthorized
		}
		if m.Status != domain.MarketStatusResolved {
			return domain.ErrMarketNotResolved
		}
		return nil
	})
}

func (s *Service) queueReveal(ctx context.Context, market domain.Address, kind domain.JobKind, check func(domain.Market) error) (*orchestrator.Handle, error) {
	var h *orchestrator.Handle
	err := s.store.View(ctx, market, func(tx domain.AccountTx) error {
		m, err := tx.Market(ctx)
		if err != nil {
			return err
		}
		if !m.MPCInitialized {
			return domain.ErrMPCNotInitialized
		}
		if check != nil {
			if err := check(m); err != nil {
				return err
			}
		}
		state := m.EncryptedState
		h, err = s.orc.Queue(ctx, orchestrator.Job{
			Kind:       kind,
			Market:     market,
			StateNonce: m.StateNonce,
			State:      &state,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("market: %s on %s: %w", kind, market, err)
	}
	return h, nil
}

// ForceUnlock fails every in-flight computation on market and frees its
// guard. Authority only.
func (s *Service) ForceUnlock(ctx context.Context, caller, market domain.Address) (int, error) {
	m, err := s.store.GetMarket(ctx, market)
	if err != nil {
		return 0, fmt.Errorf("market: force unlock %s: %w", market, err)
	}
	if caller != m.Authority {
		return 0, fmt.Errorf("market: force unlock %s: %w", market, domain.ErrUnauthorized)
	}
	return s.orc.ForceUnlock(ctx, market)
}

// Await blocks until the computation behind h ends.
func (s *Service) Await(ctx context.Context, h *orchestrator.Handle) (domain.Computation, error) {
	return s.orc.Await(ctx, h)
}

func (s *Service) publish(ctx context.Context, ev domain.Event) {
	if s.events == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = s.clock.Now()
	}
	s.events.Publish(ctx, ev)
}

func (s *Service) invalidate(ctx context.Context, market domain.Address) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, market); err != nil {
		s.logger.WarnContext(ctx, "cache invalidate failed",
			slog.String("market", market.String()),
			slog.String("error", err.Error()),
		)
	}
}
