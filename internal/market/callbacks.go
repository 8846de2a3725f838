package market

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sbarrientos2/VEIL/internal/domain"
	"github.com/sbarrientos2/VEIL/internal/mpc"
	"github.com/sbarrientos2/VEIL/internal/orchestrator"
)

// callback adapts a commit function to orchestrator.Callback.
type callback struct {
	s      *Service
	commit func(ctx context.Context, job domain.Computation, output []byte) error
}

var _ orchestrator.Callback = callback{}

func (c callback) Commit(ctx context.Context, job domain.Computation, res domain.ComputationResult) error {
	return c.commit(ctx, job, res.Output)
}

// Abort leaves every account untouched. A Pending bet stays Pending and can
// be resubmitted or refunded; a Resolving market can be resolved again.
func (c callback) Abort(ctx context.Context, job domain.Computation, cause error) {
	c.s.logger.WarnContext(ctx, "computation aborted",
		slog.String("correlation_id", job.CorrelationID),
		slog.String("kind", string(job.Kind)),
		slog.String("market", job.Market.String()),
		slog.String("error", errString(cause)),
	)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// checkNonce rejects a result computed against a state the market no longer
// holds.
func checkNonce(m domain.Market, job domain.Computation) error {
	if m.StateNonce != job.StateNonce {
		return fmt.Errorf("job read nonce %d, market at %d: %w", job.StateNonce, m.StateNonce, domain.ErrStaleState)
	}
	return nil
}

func (s *Service) commitInit(ctx context.Context, job domain.Computation, output []byte) error {
	state, err := mpc.DecodeState(job.Kind, output)
	if err != nil {
		return err
	}
	err = s.store.Update(ctx, job.Market, func(tx domain.AccountTx) error {
		m, err := tx.Market(ctx)
		if err != nil {
			return err
		}
		if m.MPCInitialized {
			return domain.ErrMPCAlreadyInitialized
		}
		if err := checkNonce(m, job); err != nil {
			return err
		}
		m.EncryptedState = state
		m.StateNonce = job.StateNonce + 1
		m.MPCInitialized = true
		m.UpdatedAt = s.clock.Now()
		return tx.PutMarket(ctx, m)
	})
	if err != nil {
		return fmt.Errorf("market: commit init %s: %w", job.Market, err)
	}

	s.invalidate(ctx, job.Market)
	s.logger.InfoContext(ctx, "market state initialized", slog.String("market", job.Market.String()))
	s.publish(ctx, domain.Event{Type: domain.EventMarketStateInitialized, Market: job.Market, CorrelationID: job.CorrelationID})
	return nil
}

func (s *Service) commitBet(ctx context.Context, job domain.Computation, output []byte) error {
	state, err := mpc.DecodeState(job.Kind, output)
	if err != nil {
		return err
	}
	var b domain.BetRecord
	err = s.store.Update(ctx, job.Market, func(tx domain.AccountTx) error {
		m, err := tx.Market(ctx)
		if err != nil {
			return err
		}
		b, err = tx.Bet(ctx, job.Bettor)
		if err != nil {
			return err
		}
		if b.Status != domain.BetStatusPending {
			return fmt.Errorf("bet %s is %s: %w", b.Address, b.Status, domain.ErrBetNotPending)
		}
		if err := checkNonce(m, job); err != nil {
			return err
		}
		if m.BetCount == ^uint32(0) {
			return domain.ErrArithmeticOverflow
		}

		now := s.clock.Now()
		m.EncryptedState = state
		m.StateNonce = job.StateNonce + 1
		b.BetIndex = m.BetCount
		m.BetCount++
		m.UpdatedAt = now
		b.Status = domain.BetStatusConfirmed
		b.ConfirmedAt = &now
		if err := tx.PutBet(ctx, b); err != nil {
			return err
		}
		return tx.PutMarket(ctx, m)
	})
	if err != nil {
		return fmt.Errorf("market: commit bet %s on %s: %w", job.Bettor, job.Market, err)
	}

	s.invalidate(ctx, job.Market)
	s.logger.InfoContext(ctx, "bet confirmed",
		slog.String("market", job.Market.String()),
		slog.String("bettor", job.Bettor.String()),
		slog.Int("bet_index", int(b.BetIndex)),
	)
	bettor := job.Bettor
	s.publish(ctx, domain.Event{
		Type:          domain.EventBetConfirmed,
		Market:        job.Market,
		Bettor:        &bettor,
		CorrelationID: job.CorrelationID,
		Detail:        map[string]any{"bet_index": b.BetIndex},
	})
	return nil
}

func (s *Service) commitPools(ctx context.Context, job domain.Computation, output []byte) error {
	pools, err := mpc.DecodePayoutPools(output)
	if err != nil {
		return err
	}
	var m domain.Market
	err = s.store.Update(ctx, job.Market, func(tx domain.AccountTx) error {
		var err error
		m, err = tx.Market(ctx)
		if err != nil {
			return err
		}
		if m.Status != domain.MarketStatusResolving {
			return fmt.Errorf("market is %s: %w", m.Status, domain.ErrStaleState)
		}
		if err := checkNonce(m, job); err != nil {
			return err
		}
		if pools.Outcome != m.Outcome {
			return fmt.Errorf("pools computed for %s, market resolving to %s: %w", pools.Outcome, m.Outcome, domain.ErrComputationFailed)
		}
		yes, no := pools.YesNo()
		if yes+no < yes || yes+no != pools.Total {
			return fmt.Errorf("pools %d + %d do not sum to %d: %w", yes, no, pools.Total, domain.ErrComputationFailed)
		}

		now := s.clock.Now()
		m.RevealedYesPool = yes
		m.RevealedNoPool = no
		m.RevealedTotalPool = pools.Total
		m.Status = domain.MarketStatusResolved
		m.ResolvedAt = &now
		m.UpdatedAt = now
		return tx.PutMarket(ctx, m)
	})
	if err != nil {
		return fmt.Errorf("market: commit resolution %s: %w", job.Market, err)
	}

	s.invalidate(ctx, job.Market)
	s.logger.InfoContext(ctx, "market resolved",
		slog.String("market", job.Market.String()),
		slog.String("outcome", string(m.Outcome)),
		slog.Uint64("yes_pool", m.RevealedYesPool),
		slog.Uint64("no_pool", m.RevealedNoPool),
	)
	s.publish(ctx, domain.Event{
		Type:          domain.EventMarketResolved,
		Market:        job.Market,
		CorrelationID: job.CorrelationID,
		Detail: map[string]any{
			"outcome":    string(m.Outcome),
			"yes_pool":   m.RevealedYesPool,
			"no_pool":    m.RevealedNoPool,
			"total_pool": m.RevealedTotalPool,
		},
	})
	return nil
}

func (s *Service) commitTotals(ctx context.Context, job domain.Computation, output []byte) error {
	totals, err := mpc.DecodeTotals(output)
	if err != nil {
		return err
	}
	m, err := s.store.GetMarket(ctx, job.Market)
	if err != nil {
		return fmt.Errorf("market: commit totals %s: %w", job.Market, err)
	}
	if err := checkNonce(m, job); err != nil {
		return fmt.Errorf("market: commit totals %s: %w", job.Market, err)
	}
	if totals.Yes != m.RevealedYesPool || totals.No != m.RevealedNoPool || totals.Total != m.RevealedTotalPool {
		return fmt.Errorf("market: totals %d/%d/%d disagree with revealed pools %d/%d/%d: %w",
			totals.Yes, totals.No, totals.Total, m.RevealedYesPool, m.RevealedNoPool, m.RevealedTotalPool, domain.ErrComputationFailed)
	}
	s.publish(ctx, domain.Event{
		Type:          domain.EventTotalsRevealed,
		Market:        job.Market,
		CorrelationID: job.CorrelationID,
		Detail:        map[string]any{"yes_pool": totals.Yes, "no_pool": totals.No, "total_pool": totals.Total},
	})
	return nil
}

func (s *Service) commitClaim(ctx context.Context, job domain.Computation, output []byte) error {
	verified, err := mpc.DecodeVerdict(output)
	if err != nil {
		return err
	}
	var (
		b      domain.BetRecord
		amount uint64
	)
	err = s.store.Update(ctx, job.Market, func(tx domain.AccountTx) error {
		rec, bd, err := s.ledger.Claim(ctx, tx, job.Bettor, job.Outcome, job.Amount, verified)
		if err != nil {
			return err
		}
		b, amount = rec, bd.Payout
		return nil
	})
	if err != nil {
		return fmt.Errorf("market: commit claim %s on %s: %w", job.Bettor, job.Market, err)
	}

	s.invalidate(ctx, job.Market)
	s.logger.InfoContext(ctx, "payout claimed",
		slog.String("market", job.Market.String()),
		slog.String("bettor", job.Bettor.String()),
		slog.Uint64("stake", b.Stake),
		slog.Uint64("payout", amount),
	)
	bettor := job.Bettor
	s.publish(ctx, domain.Event{
		Type:          domain.EventPayoutClaimed,
		Market:        job.Market,
		Bettor:        &bettor,
		CorrelationID: job.CorrelationID,
		Detail:        map[string]any{"bet_amount": b.Stake, "payout_amount": amount},
	})
	return nil
}

func (s *Service) commitBetCount(ctx context.Context, job domain.Computation, output []byte) error {
	n, err := mpc.DecodeBetCount(output)
	if err != nil {
		return err
	}
	err = s.store.Update(ctx, job.Market, func(tx domain.AccountTx) error {
		m, err := tx.Market(ctx)
		if err != nil {
			return err
		}
		if err := checkNonce(m, job); err != nil {
			return err
		}
		m.RevealedBetCount = &n
		m.UpdatedAt = s.clock.Now()
		return tx.PutMarket(ctx, m)
	})
	if err != nil {
		return fmt.Errorf("market: commit bet count %s: %w", job.Market, err)
	}

	s.invalidate(ctx, job.Market)
	s.publish(ctx, domain.Event{
		Type:          domain.EventBetCountRevealed,
		Market:        job.Market,
		CorrelationID: job.CorrelationID,
		Detail:        map[string]any{"bet_count": n},
	})
	return nil
}
