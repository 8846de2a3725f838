// Package memory provides in-process implementations of the domain store,
// lock and bus interfaces. They back the dev mode and the test suites.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sbarrientos2/VEIL/internal/domain"
)

// marketEntry holds one market's accounts. mu serialises every reader and
// writer of the entry, which gives Update its single-writer guarantee.
type marketEntry struct {
	mu     sync.Mutex
	market domain.Market
	vault  domain.Vault
	bets   map[domain.Address]domain.BetRecord
}

// AccountStore implements domain.AccountStore in memory.
type AccountStore struct {
	mu      sync.RWMutex
	markets map[domain.Address]*marketEntry
}

// NewAccountStore returns an empty store.
func NewAccountStore() *AccountStore {
	return &AccountStore{markets: make(map[domain.Address]*marketEntry)}
}

func (s *AccountStore) entry(addr domain.Address) (*marketEntry, error) {
	s.mu.RLock()
	e, ok := s.markets[addr]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("memory: market %s: %w", addr, domain.ErrNotFound)
	}
	return e, nil
}

// CreateMarket allocates a market and its vault.
func (s *AccountStore) CreateMarket(_ context.Context, m domain.Market, v domain.Vault) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[m.Address]; ok {
		return fmt.Errorf("memory: create market %s: %w", m.Address, domain.ErrAlreadyExists)
	}
	s.markets[m.Address] = &marketEntry{
		market: m,
		vault:  v,
		bets:   make(map[domain.Address]domain.BetRecord),
	}
	return nil
}

// Update runs fn with exclusive access to the market's accounts. Writes are
// staged in the transaction and applied only if fn returns nil.
func (s *AccountStore) Update(ctx context.Context, market domain.Address, fn func(tx domain.AccountTx) error) error {
	e, err := s.entry(market)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	tx := newAccountTx(e)
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.apply(e)
	return nil
}

// View runs fn against a snapshot; writes are discarded.
func (s *AccountStore) View(_ context.Context, market domain.Address, fn func(tx domain.AccountTx) error) error {
	e, err := s.entry(market)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(newAccountTx(e))
}

// GetMarket returns a copy of the market.
func (s *AccountStore) GetMarket(_ context.Context, market domain.Address) (domain.Market, error) {
	e, err := s.entry(market)
	if err != nil {
		return domain.Market{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.market, nil
}

// GetVault returns a copy of the market's vault.
func (s *AccountStore) GetVault(_ context.Context, market domain.Address) (domain.Vault, error) {
	e, err := s.entry(market)
	if err != nil {
		return domain.Vault{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vault, nil
}

// GetBet returns the bettor's record on market.
func (s *AccountStore) GetBet(_ context.Context, market, bettor domain.Address) (domain.BetRecord, error) {
	e, err := s.entry(market)
	if err != nil {
		return domain.BetRecord{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.bets[domain.DeriveBetAddress(market, bettor)]
	if !ok {
		return domain.BetRecord{}, fmt.Errorf("memory: bet %s/%s: %w", market, bettor, domain.ErrNotFound)
	}
	return b, nil
}

// ListMarkets returns markets ordered by creation time.
func (s *AccountStore) ListMarkets(_ context.Context, f domain.MarketFilter) ([]domain.Market, error) {
	s.mu.RLock()
	entries := make([]*marketEntry, 0, len(s.markets))
	for _, e := range s.markets {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]domain.Market, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		m := e.market
		e.mu.Unlock()
		if matchMarket(m, f) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Address.String() < out[j].Address.String()
	})
	return paginate(out, f.ListOpts), nil
}

// ListBets returns every record on market ordered by placement time.
func (s *AccountStore) ListBets(_ context.Context, market domain.Address) ([]domain.BetRecord, error) {
	e, err := s.entry(market)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return sortedBets(e.bets), nil
}

func matchMarket(m domain.Market, f domain.MarketFilter) bool {
	if f.Authority != nil && m.Authority != *f.Authority {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if m.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Since != nil && m.UpdatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !m.UpdatedAt.Before(*f.Until) {
		return false
	}
	return true
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return items[:0]
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

func sortedBets(m map[domain.Address]domain.BetRecord) []domain.BetRecord {
	out := make([]domain.BetRecord, 0, len(m))
	for _, b := range m {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PlacedAt.Equal(out[j].PlacedAt) {
			return out[i].PlacedAt.Before(out[j].PlacedAt)
		}
		return out[i].Address.String() < out[j].Address.String()
	})
	return out
}

// accountTx stages writes against a copy of one market entry.
type accountTx struct {
	addr   domain.Address
	market domain.Market
	vault  domain.Vault
	base   map[domain.Address]domain.BetRecord
	staged map[domain.Address]domain.BetRecord
}

func newAccountTx(e *marketEntry) *accountTx {
	return &accountTx{
		addr:   e.market.Address,
		market: e.market,
		vault:  e.vault,
		base:   e.bets,
		staged: make(map[domain.Address]domain.BetRecord),
	}
}

func (tx *accountTx) apply(e *marketEntry) {
	e.market = tx.market
	e.vault = tx.vault
	for k, v := range tx.staged {
		e.bets[k] = v
	}
}

func (tx *accountTx) Market(context.Context) (domain.Market, error) { return tx.market, nil }

func (tx *accountTx) PutMarket(_ context.Context, m domain.Market) error {
	if m.Address != tx.addr {
		return fmt.Errorf("memory: put market %s in tx for %s: %w", m.Address, tx.addr, domain.ErrInvalidAddress)
	}
	tx.market = m
	return nil
}

func (tx *accountTx) Vault(context.Context) (domain.Vault, error) { return tx.vault, nil }

func (tx *accountTx) PutVault(_ context.Context, v domain.Vault) error {
	if v.Market != tx.addr {
		return fmt.Errorf("memory: put vault for %s in tx for %s: %w", v.Market, tx.addr, domain.ErrInvalidAddress)
	}
	tx.vault = v
	return nil
}

func (tx *accountTx) lookup(addr domain.Address) (domain.BetRecord, bool) {
	if b, ok := tx.staged[addr]; ok {
		return b, true
	}
	b, ok := tx.base[addr]
	return b, ok
}

func (tx *accountTx) Bet(_ context.Context, bettor domain.Address) (domain.BetRecord, error) {
	b, ok := tx.lookup(domain.DeriveBetAddress(tx.addr, bettor))
	if !ok {
		return domain.BetRecord{}, fmt.Errorf("memory: bet %s/%s: %w", tx.addr, bettor, domain.ErrNotFound)
	}
	return b, nil
}

func (tx *accountTx) PutBet(_ context.Context, b domain.BetRecord) error {
	addr := domain.DeriveBetAddress(tx.addr, b.Bettor)
	if b.Address != addr || b.Market != tx.addr {
		return fmt.Errorf("memory: put bet %s: %w", b.Address, domain.ErrInvalidAddress)
	}
	if _, ok := tx.lookup(addr); !ok {
		return fmt.Errorf("memory: put bet %s: %w", addr, domain.ErrNotFound)
	}
	tx.staged[addr] = b
	return nil
}

func (tx *accountTx) CreateBet(_ context.Context, b domain.BetRecord) error {
	addr := domain.DeriveBetAddress(tx.addr, b.Bettor)
	if b.Address != addr || b.Market != tx.addr {
		return fmt.Errorf("memory: create bet %s: %w", b.Address, domain.ErrInvalidAddress)
	}
	if _, ok := tx.lookup(addr); ok {
		return fmt.Errorf("memory: create bet %s: %w", addr, domain.ErrBetExists)
	}
	tx.staged[addr] = b
	return nil
}

func (tx *accountTx) Bets(context.Context) ([]domain.BetRecord, error) {
	merged := make(map[domain.Address]domain.BetRecord, len(tx.base)+len(tx.staged))
	for k, v := range tx.base {
		merged[k] = v
	}
	for k, v := range tx.staged {
		merged[k] = v
	}
	return sortedBets(merged), nil
}

var (
	_ domain.AccountStore = (*AccountStore)(nil)
	_ domain.AccountTx    = (*accountTx)(nil)
)
