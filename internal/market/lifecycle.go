package market

import (
	"fmt"
	"time"

	"github.com/sbarrientos2/VEIL/internal/domain"
)

// transitions lists every legal status change. Anything absent is rejected.
var transitions = map[domain.MarketStatus][]domain.MarketStatus{
	domain.MarketStatusOpen:      {domain.MarketStatusClosed, domain.MarketStatusCancelled},
	domain.MarketStatusClosed:    {domain.MarketStatusResolving, domain.MarketStatusCancelled},
	domain.MarketStatusResolving: {domain.MarketStatusResolved},
}

// CanTransition reports whether a market may move from one status to another.
func CanTransition(from, to domain.MarketStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// checkTransition returns the state error describing why from cannot move
// to to, or nil.
func checkTransition(from, to domain.MarketStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	var err error
	switch {
	case from.Terminal():
		err = domain.ErrMarketTerminal
	case to == domain.MarketStatusClosed:
		err = domain.ErrMarketNotOpen
	default:
		err = domain.ErrMarketNotClosed
	}
	return fmt.Errorf("market: %s -> %s: %w", from, to, err)
}

// canResolve reports whether a resolver may be authorised for m. Every
// oracle kind currently resolves through the market authority; feed and jury
// integrations sign as the authority.
func canResolve(m domain.Market, caller domain.Address) bool {
	switch m.OracleKind {
	case domain.OracleManual, domain.OracleExternalFeed, domain.OracleJury:
		return caller == m.Authority
	}
	return false
}

// checkBettable returns why m does not accept a bet at now, or nil.
func checkBettable(m domain.Market, now time.Time) error {
	switch {
	case m.Status != domain.MarketStatusOpen:
		return fmt.Errorf("market: %s is %s: %w", m.Address, m.Status, domain.ErrMarketNotOpen)
	case !now.Before(m.ResolutionTime):
		return fmt.Errorf("market: %s closed for betting at %s: %w", m.Address, m.ResolutionTime.Format(time.RFC3339), domain.ErrBettingClosed)
	case !m.MPCInitialized:
		return fmt.Errorf("market: %s: %w", m.Address, domain.ErrMPCNotInitialized)
	}
	return nil
}
