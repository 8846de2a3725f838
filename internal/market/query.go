package market

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sbarrientos2/VEIL/internal/domain"
)

// GetMarket returns the public view of a market, checking the cache first
// and falling back to the store on a miss.
func (s *Service) GetMarket(ctx context.Context, addr domain.Address) (domain.Market, error) {
	if s.cache != nil {
		if m, err := s.cache.Get(ctx, addr); err == nil {
			return m.PublicView(), nil
		}
	}

	m, err := s.store.GetMarket(ctx, addr)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market: get %s: %w", addr, err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, m); err != nil {
			s.logger.WarnContext(ctx, "cache set failed",
				slog.String("market", addr.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return m.PublicView(), nil
}

// ListMarkets returns public views of the markets matching f.
func (s *Service) ListMarkets(ctx context.Context, f domain.MarketFilter) ([]domain.Market, error) {
	ms, err := s.store.ListMarkets(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("market: list: %w", err)
	}
	for i := range ms {
		ms[i] = ms[i].PublicView()
	}
	return ms, nil
}

// GetVault returns the escrow account of a market.
func (s *Service) GetVault(ctx context.Context, market domain.Address) (domain.Vault, error) {
	v, err := s.store.GetVault(ctx, market)
	if err != nil {
		return domain.Vault{}, fmt.Errorf("market: get vault %s: %w", market, err)
	}
	return v, nil
}

// GetBet returns one bettor's record on a market.
func (s *Service) GetBet(ctx context.Context, market, bettor domain.Address) (domain.BetRecord, error) {
	b, err := s.store.GetBet(ctx, market, bettor)
	if err != nil {
		return domain.BetRecord{}, fmt.Errorf("market: get bet %s on %s: %w", bettor, market, err)
	}
	return b, nil
}

// ListBets returns every record on a market in placement order.
func (s *Service) ListBets(ctx context.Context, market domain.Address) ([]domain.BetRecord, error) {
	bs, err := s.store.ListBets(ctx, market)
	if err != nil {
		return nil, fmt.Errorf("market: list bets %s: %w", market, err)
	}
	return bs, nil
}
