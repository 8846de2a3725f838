package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/sbarrientos2/VEIL/internal/domain"
	"github.com/sbarrientos2/VEIL/internal/payout"
)

const jsonlContentType = "application/x-ndjson"

// Archiver exports terminal markets to object storage, one JSONL object per
// market: the first line is the market, the rest its bet records in
// placement order. An existing object marks the market as archived, so runs
// are idempotent.
//
// Rows are not deleted from the primary store here.
type Archiver struct {
	blobs  domain.BlobStore
	store  domain.AccountStore
	audit  domain.AuditStore
	prefix string
	logger *slog.Logger
}

// archiveRecord is one JSONL line.
type archiveRecord struct {
	Kind   string            `json:"kind"`
	Market *domain.Market    `json:"market,omitempty"`
	Bet    *domain.BetRecord `json:"bet,omitempty"`
}

// NewArchiver creates an Archiver writing under prefix ("archive" if empty).
func NewArchiver(
	blobs domain.BlobStore,
	store domain.AccountStore,
	audit domain.AuditStore,
	prefix string,
	logger *slog.Logger,
) *Archiver {
	if prefix == "" {
		prefix = "archive"
	}
	return &Archiver{
		blobs:  blobs,
		store:  store,
		audit:  audit,
		prefix: prefix,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveSettled exports every Resolved or Cancelled market last updated
// before the cutoff and not yet present in the bucket.
func (a *Archiver) ArchiveSettled(ctx context.Context, before time.Time) (int64, error) {
	markets, err := a.store.ListMarkets(ctx, domain.MarketFilter{
		Statuses: []domain.MarketStatus{domain.MarketStatusResolved, domain.MarketStatusCancelled},
		ListOpts: domain.ListOpts{Until: &before},
	})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query: %w", err)
	}

	var count int64
	for _, m := range markets {
		path := a.marketPath(m)
		exists, err := a.blobs.Exists(ctx, path)
		if err != nil {
			return count, fmt.Errorf("s3blob: archive check %s: %w", path, err)
		}
		if exists {
			continue
		}

		bets, err := a.store.ListBets(ctx, m.Address)
		if err != nil {
			return count, fmt.Errorf("s3blob: archive bets %s: %w", m.Address, err)
		}
		buf, err := marshalMarket(m, bets)
		if err != nil {
			return count, fmt.Errorf("s3blob: archive marshal %s: %w", m.Address, err)
		}
		if err := a.blobs.Put(ctx, path, bytes.NewReader(buf), jsonlContentType); err != nil {
			return count, fmt.Errorf("s3blob: archive upload %s: %w", path, err)
		}
		count++

		a.logger.InfoContext(ctx, "market archived",
			slog.String("market", m.Address.String()),
			slog.String("path", path),
			slog.Int("bets", len(bets)),
		)
		detail := map[string]any{
			"market": m.Address.String(),
			"path":   path,
			"bets":   len(bets),
			"status": string(m.Status),
		}
		a.reconcile(ctx, m, bets, detail)
		if err := a.audit.Log(ctx, "archive.market", detail); err != nil {
			return count, fmt.Errorf("s3blob: archive audit log: %w", err)
		}
	}
	return count, nil
}

// reconcile reprices a fully claimed resolved market and records the totals
// in detail. Sides stay encrypted, so a claim paying more than zero marks a
// winner. A market with unclaimed bets is left unpriced.
func (a *Archiver) reconcile(ctx context.Context, m domain.Market, bets []domain.BetRecord, detail map[string]any) {
	if m.Status != domain.MarketStatusResolved {
		return
	}
	losing := domain.OutcomeNo
	if m.Outcome == domain.OutcomeNo {
		losing = domain.OutcomeYes
	}
	priced := make([]payout.Bet, 0, len(bets))
	var paid uint64
	for _, b := range bets {
		if b.Status != domain.BetStatusClaimed || b.PayoutAmount == nil {
			return
		}
		side := losing
		if *b.PayoutAmount > 0 {
			side = m.Outcome
		}
		priced = append(priced, payout.Bet{Outcome: side, Stake: b.Stake})
		paid += *b.PayoutAmount
	}

	s, err := payout.Summarize(m.RevealedYesPool, m.RevealedNoPool, m.Outcome, m.FeeBps, priced)
	reconciled := err == nil && s.Paid == paid
	if !reconciled {
		a.logger.WarnContext(ctx, "archived market does not reconcile",
			slog.String("market", m.Address.String()),
			slog.Uint64("paid", paid),
			slog.Uint64("expected", s.Paid),
			slog.Any("error", err),
		)
	}
	detail["paid"] = paid
	detail["fees"] = s.Fees
	detail["dust"] = s.Dust
	detail["reconciled"] = reconciled
}

// Restore reads an archived market back. Objects are partitioned by month,
// so the lookup lists the markets prefix and matches the address.
func (a *Archiver) Restore(ctx context.Context, market domain.Address) (domain.ArchivedMarket, error) {
	objects, err := a.blobs.List(ctx, a.prefix+"/markets/")
	if err != nil {
		return domain.ArchivedMarket{}, fmt.Errorf("s3blob: restore %s: %w", market, err)
	}
	suffix := "/" + market.String() + ".jsonl"
	path := ""
	for _, obj := range objects {
		if strings.HasSuffix(obj.Path, suffix) {
			path = obj.Path
			break
		}
	}
	if path == "" {
		return domain.ArchivedMarket{}, fmt.Errorf("s3blob: restore %s: %w", market, domain.ErrNotFound)
	}

	rc, err := a.blobs.Get(ctx, path)
	if err != nil {
		return domain.ArchivedMarket{}, fmt.Errorf("s3blob: restore %s: %w", market, err)
	}
	defer rc.Close()

	out, err := unmarshalMarket(rc)
	if err != nil {
		return domain.ArchivedMarket{}, fmt.Errorf("s3blob: restore %s: %w", path, err)
	}
	out.Path = path
	return out, nil
}

// marketPath partitions objects by the month the market settled.
//
//	archive/markets/2026-05/<address>.jsonl
func (a *Archiver) marketPath(m domain.Market) string {
	return fmt.Sprintf("%s/markets/%s/%s.jsonl", a.prefix, m.UpdatedAt.UTC().Format("2006-01"), m.Address)
}

func marshalMarket(m domain.Market, bets []domain.BetRecord) ([]byte, error) {
	records := make([]archiveRecord, 0, len(bets)+1)
	records = append(records, archiveRecord{Kind: "market", Market: &m})
	for i := range bets {
		records = append(records, archiveRecord{Kind: "bet", Bet: &bets[i]})
	}
	return marshalJSONL(records)
}

// unmarshalMarket is the inverse of marshalMarket. The first record must be
// the market.
func unmarshalMarket(r io.Reader) (domain.ArchivedMarket, error) {
	var out domain.ArchivedMarket
	dec := json.NewDecoder(r)
	for i := 0; ; i++ {
		var rec archiveRecord
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("jsonl decode record %d: %w", i, err)
		}
		switch {
		case i == 0 && rec.Kind == "market" && rec.Market != nil:
			out.Market = *rec.Market
		case i > 0 && rec.Kind == "bet" && rec.Bet != nil:
			out.Bets = append(out.Bets, *rec.Bet)
		default:
			return out, fmt.Errorf("jsonl record %d: unexpected %q", i, rec.Kind)
		}
	}
	if out.Market.Address.IsZero() {
		return out, errors.New("jsonl: empty archive")
	}
	return out, nil
}

// marshalJSONL encodes one compact JSON value per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
