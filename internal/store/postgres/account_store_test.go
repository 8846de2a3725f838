package postgres

import (
	"context"
	"errors"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbarrientos2/VEIL/internal/domain"
)

// liveStore connects to the database named by VEIL_TEST_POSTGRES_DSN, applies
// the migrations and skips the test when the variable is unset.
func liveStore(t *testing.T) *AccountStore {
	t.Helper()
	dsn := os.Getenv("VEIL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VEIL_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	c, err := New(ctx, ClientConfig{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.NoError(t, c.RunMigrations(ctx))
	return c.Stores().Accounts
}

// seedLiveMarket creates an open market under a fresh authority so runs do
// not collide on a shared database.
func seedLiveMarket(t *testing.T, s *AccountStore) domain.Market {
	t.Helper()
	var auth domain.Address
	id := uuid.New()
	copy(auth[:], id[:])

	now := time.Now().UTC().Truncate(time.Microsecond)
	addr := domain.DeriveMarketAddress(auth, 1)
	m := domain.Market{
		Address:        addr,
		Authority:      auth,
		MarketID:       1,
		Question:       "Will the tide turn?",
		ResolutionTime: now.Add(time.Hour),
		FeeBps:         300,
		OracleKind:     domain.OracleManual,
		Status:         domain.MarketStatusOpen,
		Outcome:        domain.OutcomeUnset,
		Vault:          domain.DeriveVaultAddress(addr),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	v := domain.Vault{Address: m.Vault, Market: addr, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateMarket(context.Background(), m, v))
	return m
}

func liveBet(m domain.Market, bettor domain.Address, stake uint64) domain.BetRecord {
	return domain.BetRecord{
		Address:  domain.DeriveBetAddress(m.Address, bettor),
		Market:   m.Address,
		Bettor:   bettor,
		Stake:    stake,
		Status:   domain.BetStatusPending,
		PlacedAt: time.Now().UTC(),
	}
}

func TestAccountStore_Live_CreateMarketTwice(t *testing.T) {
	s := liveStore(t)
	m := seedLiveMarket(t, s)

	err := s.CreateMarket(context.Background(), m, domain.Vault{Address: m.Vault, Market: m.Address})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	got, err := s.GetMarket(context.Background(), m.Address)
	require.NoError(t, err)
	assert.Equal(t, m.Authority, got.Authority)
	assert.Equal(t, uint16(300), got.FeeBps)
	assert.True(t, m.ResolutionTime.Equal(got.ResolutionTime))
}

func TestAccountStore_Live_UpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := liveStore(t)
	m := seedLiveMarket(t, s)
	boom := errors.New("boom")

	err := s.Update(ctx, m.Address, func(tx domain.AccountTx) error {
		require.NoError(t, tx.CreateBet(ctx, liveBet(m, domain.Address{9}, 5)))
		v, err := tx.Vault(ctx)
		require.NoError(t, err)
		v.TotalDeposits = 5
		require.NoError(t, tx.PutVault(ctx, v))
		cur, err := tx.Market(ctx)
		require.NoError(t, err)
		cur.BetCount = 1
		cur.TotalLiquidity = 5
		require.NoError(t, tx.PutMarket(ctx, cur))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetBet(ctx, m.Address, domain.Address{9})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	v, err := s.GetVault(ctx, m.Address)
	require.NoError(t, err)
	assert.Zero(t, v.TotalDeposits)
	got, err := s.GetMarket(ctx, m.Address)
	require.NoError(t, err)
	assert.Zero(t, got.BetCount)
	assert.Zero(t, got.TotalLiquidity)
}

func TestAccountStore_Live_OneBetPerBettor(t *testing.T) {
	ctx := context.Background()
	s := liveStore(t)
	m := seedLiveMarket(t, s)

	require.NoError(t, s.Update(ctx, m.Address, func(tx domain.AccountTx) error {
		return tx.CreateBet(ctx, liveBet(m, domain.Address{9}, 5))
	}))
	err := s.Update(ctx, m.Address, func(tx domain.AccountTx) error {
		return tx.CreateBet(ctx, liveBet(m, domain.Address{9}, 7))
	})
	assert.ErrorIs(t, err, domain.ErrBetExists)

	bets, err := s.ListBets(ctx, m.Address)
	require.NoError(t, err)
	require.Len(t, bets, 1)
	assert.Equal(t, uint64(5), bets[0].Stake)
}

func TestAccountStore_Live_PutBetRequiresExisting(t *testing.T) {
	ctx := context.Background()
	s := liveStore(t)
	m := seedLiveMarket(t, s)

	err := s.Update(ctx, m.Address, func(tx domain.AccountTx) error {
		return tx.PutBet(ctx, liveBet(m, domain.Address{3}, 1))
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAccountStore_Live_FullWidthAmounts(t *testing.T) {
	ctx := context.Background()
	s := liveStore(t)
	m := seedLiveMarket(t, s)

	stake := uint64(math.MaxInt64) + 7
	paid := uint64(math.MaxUint64)
	require.NoError(t, s.Update(ctx, m.Address, func(tx domain.AccountTx) error {
		b := liveBet(m, domain.Address{4}, stake)
		if err := tx.CreateBet(ctx, b); err != nil {
			return err
		}
		b.Status = domain.BetStatusClaimed
		b.Claimed = true
		b.PayoutAmount = &paid
		if err := tx.PutBet(ctx, b); err != nil {
			return err
		}
		v, err := tx.Vault(ctx)
		if err != nil {
			return err
		}
		v.TotalDeposits = stake
		return tx.PutVault(ctx, v)
	}))

	b, err := s.GetBet(ctx, m.Address, domain.Address{4})
	require.NoError(t, err)
	assert.Equal(t, stake, b.Stake)
	require.NotNil(t, b.PayoutAmount)
	assert.Equal(t, paid, *b.PayoutAmount)
	assert.Equal(t, domain.BetStatusClaimed, b.Status)

	v, err := s.GetVault(ctx, m.Address)
	require.NoError(t, err)
	assert.Equal(t, stake, v.TotalDeposits)
}

func TestAccountStore_Live_UpdatesSerialisePerMarket(t *testing.T) {
	ctx := context.Background()
	s := liveStore(t)
	m := seedLiveMarket(t, s)

	const writers, rounds = 4, 10
	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range rounds {
				assert.NoError(t, s.Update(ctx, m.Address, func(tx domain.AccountTx) error {
					v, err := tx.Vault(ctx)
					if err != nil {
						return err
					}
					v.TotalDeposits++
					return tx.PutVault(ctx, v)
				}))
			}
		}()
	}
	wg.Wait()

	v, err := s.GetVault(ctx, m.Address)
	require.NoError(t, err)
	assert.Equal(t, uint64(writers*rounds), v.TotalDeposits)
}

func TestAccountStore_Live_ViewIsReadOnly(t *testing.T) {
	ctx := context.Background()
	s := liveStore(t)
	m := seedLiveMarket(t, s)

	err := s.View(ctx, m.Address, func(tx domain.AccountTx) error {
		return tx.CreateBet(ctx, liveBet(m, domain.Address{5}, 1))
	})
	require.Error(t, err)
	_, err = s.GetBet(ctx, m.Address, domain.Address{5})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAccountStore_Live_ListMarketsFilter(t *testing.T) {
	ctx := context.Background()
	s := liveStore(t)
	m := seedLiveMarket(t, s)

	open, err := s.ListMarkets(ctx, domain.MarketFilter{
		Authority: &m.Authority,
		Statuses:  []domain.MarketStatus{domain.MarketStatusOpen},
	})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, m.Address, open[0].Address)

	closed, err := s.ListMarkets(ctx, domain.MarketFilter{
		Authority: &m.Authority,
		Statuses:  []domain.MarketStatus{domain.MarketStatusClosed},
	})
	require.NoError(t, err)
	assert.Empty(t, closed)
}
