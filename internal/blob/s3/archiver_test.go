package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbarrientos2/VEIL/internal/domain"
	"github.com/sbarrientos2/VEIL/internal/store/memory"
)

// bucket is an in-process BlobStore.
type bucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newBucket() *bucket { return &bucket{objects: make(map[string][]byte)} }

func (b *bucket) Put(_ context.Context, path string, data io.Reader, _ string) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = raw
	return nil
}

func (b *bucket) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, ok := b.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (b *bucket) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.BlobInfo
	for p, raw := range b.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(raw))})
		}
	}
	return out, nil
}

func (b *bucket) Exists(_ context.Context, path string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[path]
	return ok, nil
}

func seedMarket(t *testing.T, s *memory.AccountStore, id uint64, status domain.MarketStatus, updated time.Time, bettors ...domain.Address) domain.Market {
	t.Helper()
	ctx := context.Background()
	authority := domain.Address{0xAA}
	addr := domain.DeriveMarketAddress(authority, id)
	m := domain.Market{
		Address:   addr,
		Authority: authority,
		MarketID:  id,
		Question:  "q",
		Status:    status,
		CreatedAt: updated,
		UpdatedAt: updated,
	}
	require.NoError(t, s.CreateMarket(ctx, m, domain.Vault{Address: domain.DeriveVaultAddress(addr), Market: addr}))
	require.NoError(t, s.Update(ctx, addr, func(tx domain.AccountTx) error {
		for _, b := range bettors {
			rec := domain.BetRecord{
				Address: domain.DeriveBetAddress(addr, b),
				Market:  addr,
				Bettor:  b,
				Stake:   1_000_000,
				Status:  domain.BetStatusConfirmed,
			}
			if err := tx.CreateBet(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	}))
	return m
}

func TestArchiver_ArchiveSettled(t *testing.T) {
	ctx := context.Background()
	store := memory.NewAccountStore()
	audit := memory.NewAuditStore()
	blobs := newBucket()
	a := NewArchiver(blobs, store, audit, "", slog.New(slog.NewTextHandler(io.Discard, nil)))

	old := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	cutoff := old.Add(24 * time.Hour)

	resolved := seedMarket(t, store, 1, domain.MarketStatusResolved, old, domain.Address{1}, domain.Address{2})
	seedMarket(t, store, 2, domain.MarketStatusOpen, old)
	seedMarket(t, store, 3, domain.MarketStatusCancelled, cutoff.Add(time.Hour))

	n, err := a.ArchiveSettled(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	path := "archive/markets/2026-03/" + resolved.Address.String() + ".jsonl"
	rc, err := blobs.Get(ctx, path)
	require.NoError(t, err)
	defer rc.Close()

	var kinds []string
	sc := bufio.NewScanner(rc)
	for sc.Scan() {
		var rec archiveRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		kinds = append(kinds, rec.Kind)
	}
	assert.Equal(t, []string{"market", "bet", "bet"}, kinds)

	entries, err := audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "archive.market", entries[0].Event)

	// A second pass finds the object and writes nothing.
	n, err = a.ArchiveSettled(ctx, cutoff)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestArchiver_Restore(t *testing.T) {
	ctx := context.Background()
	store := memory.NewAccountStore()
	blobs := newBucket()
	a := NewArchiver(blobs, store, memory.NewAuditStore(), "veil", slog.New(slog.NewTextHandler(io.Discard, nil)))

	settled := time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC)
	m := seedMarket(t, store, 7, domain.MarketStatusCancelled, settled, domain.Address{3})
	seedMarket(t, store, 8, domain.MarketStatusResolved, settled)

	_, err := a.Restore(ctx, m.Address)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	n, err := a.ArchiveSettled(ctx, settled.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	got, err := a.Restore(ctx, m.Address)
	require.NoError(t, err)
	assert.Equal(t, "veil/markets/2026-05/"+m.Address.String()+".jsonl", got.Path)
	assert.Equal(t, m.Address, got.Market.Address)
	assert.Equal(t, domain.MarketStatusCancelled, got.Market.Status)
	require.Len(t, got.Bets, 1)
	assert.Equal(t, domain.Address{3}, got.Bets[0].Bettor)
}

func seedClaimedMarket(t *testing.T, s *memory.AccountStore, payouts [2]uint64) domain.Market {
	t.Helper()
	ctx := context.Background()
	authority := domain.Address{0xAB}
	addr := domain.DeriveMarketAddress(authority, 11)
	settled := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	m := domain.Market{
		Address:         addr,
		Authority:       authority,
		MarketID:        11,
		Question:        "q",
		Status:          domain.MarketStatusResolved,
		Outcome:         domain.OutcomeYes,
		FeeBps:          300,
		RevealedYesPool: 100_000_000,
		RevealedNoPool:  200_000_000,
		CreatedAt:       settled,
		UpdatedAt:       settled,
	}
	m.RevealedTotalPool = m.RevealedYesPool + m.RevealedNoPool
	require.NoError(t, s.CreateMarket(ctx, m, domain.Vault{Address: domain.DeriveVaultAddress(addr), Market: addr}))
	require.NoError(t, s.Update(ctx, addr, func(tx domain.AccountTx) error {
		for i, stake := range []uint64{100_000_000, 200_000_000} {
			bettor := domain.Address{byte(0x20 + i)}
			paid := payouts[i]
			if err := tx.CreateBet(ctx, domain.BetRecord{
				Address:      domain.DeriveBetAddress(addr, bettor),
				Market:       addr,
				Bettor:       bettor,
				Stake:        stake,
				Status:       domain.BetStatusClaimed,
				Claimed:      true,
				PayoutAmount: &paid,
			}); err != nil {
				return err
			}
		}
		return nil
	}))
	return m
}

func TestArchiver_ReconcilesClaimedMarket(t *testing.T) {
	cases := []struct {
		name       string
		payouts    [2]uint64
		reconciled bool
	}{
		{"matches", [2]uint64{294_000_000, 0}, true},
		{"overpaid winner", [2]uint64{295_000_000, 0}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := memory.NewAccountStore()
			audit := memory.NewAuditStore()
			a := NewArchiver(newBucket(), store, audit, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
			seedClaimedMarket(t, store, tc.payouts)

			n, err := a.ArchiveSettled(ctx, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))
			require.NoError(t, err)
			require.Equal(t, int64(1), n)

			entries, err := audit.List(ctx, domain.ListOpts{})
			require.NoError(t, err)
			require.Len(t, entries, 1)
			d := entries[0].Detail
			assert.Equal(t, tc.reconciled, d["reconciled"])
			assert.Equal(t, tc.payouts[0], d["paid"])
			assert.Equal(t, uint64(6_000_000), d["fees"])
		})
	}
}

func TestArchiver_SkipsReconcileWithUnclaimedBets(t *testing.T) {
	ctx := context.Background()
	store := memory.NewAccountStore()
	audit := memory.NewAuditStore()
	a := NewArchiver(newBucket(), store, audit, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	old := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	seedMarket(t, store, 1, domain.MarketStatusResolved, old, domain.Address{1})

	_, err := a.ArchiveSettled(ctx, old.Add(time.Hour))
	require.NoError(t, err)
	entries, err := audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].Detail, "reconciled")
}

func TestUnmarshalMarket_Rejects(t *testing.T) {
	_, err := unmarshalMarket(strings.NewReader(""))
	assert.Error(t, err)

	_, err = unmarshalMarket(strings.NewReader(`{"kind":"bet","bet":{}}` + "\n"))
	assert.Error(t, err)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://s3.local", normaliseEndpoint("s3.local", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("http://minio:9000", true))
}
