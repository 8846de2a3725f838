// Package settlement enforces at-most-once settlement of bet records against
// their market's vault. Every function here runs inside an AccountStore
// transaction so the vault movement and the record flip commit together.
package settlement

import (
	"context"
	"fmt"

	"github.com/sbarrientos2/VEIL/internal/domain"
	"github.com/sbarrientos2/VEIL/internal/payout"
)

// Ledger settles claims and refunds.
type Ledger struct {
	clock domain.Clock
}

// NewLedger returns a ledger that stamps records with clock.
func NewLedger(clock domain.Clock) *Ledger {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Ledger{clock: clock}
}

// Credit adds an escrowed stake to the vault.
func Credit(v *domain.Vault, amount uint64) error {
	if v.TotalDeposits+amount < v.TotalDeposits {
		return fmt.Errorf("settlement: credit %d: %w", amount, domain.ErrArithmeticOverflow)
	}
	v.TotalDeposits += amount
	return nil
}

// Debit withdraws amount after checking the balance covers it.
func Debit(v *domain.Vault, amount uint64) error {
	if v.Balance() < amount {
		return fmt.Errorf("settlement: debit %d from balance %d: %w", amount, v.Balance(), domain.ErrInsufficientFunds)
	}
	v.TotalWithdrawals += amount
	return nil
}

// CheckClaimable validates the synchronous preconditions of a payout claim.
func CheckClaimable(m domain.Market, b domain.BetRecord, claimedOutcome domain.Outcome, claimedStake uint64) error {
	if m.Status != domain.MarketStatusResolved {
		return domain.ErrMarketNotResolved
	}
	switch b.Status {
	case domain.BetStatusClaimed:
		return domain.ErrAlreadyClaimed
	case domain.BetStatusRefunded:
		return domain.ErrAlreadyRefunded
	case domain.BetStatusPending:
		return domain.ErrBetNotConfirmed
	}
	if b.Claimed {
		return domain.ErrAlreadyClaimed
	}
	if !claimedOutcome.Valid() {
		return domain.ErrInvalidOutcome
	}
	if claimedStake != b.Stake {
		return domain.ErrClaimMismatch
	}
	return nil
}

// CheckRefundable validates a refund. Cancelled markets refund pending and
// confirmed records; a resolved market refunds only records whose
// aggregation never committed, since those stakes are outside the pools.
func CheckRefundable(m domain.Market, b domain.BetRecord) error {
	switch b.Status {
	case domain.BetStatusClaimed:
		return domain.ErrAlreadyClaimed
	case domain.BetStatusRefunded:
		return domain.ErrAlreadyRefunded
	}
	switch m.Status {
	case domain.MarketStatusCancelled:
		return nil
	case domain.MarketStatusResolved:
		if b.Status == domain.BetStatusPending {
			return nil
		}
		return domain.ErrNotRefundable
	default:
		return domain.ErrMarketNotCancelled
	}
}

// Claim settles a verified payout claim: it prices the bet, debits the vault
// and marks the record claimed. verified is the cluster's verdict that the
// claimed outcome and stake match the encrypted bet; false leaves the record
// untouched.
func (l *Ledger) Claim(ctx context.Context, tx domain.AccountTx, bettor domain.Address, claimedOutcome domain.Outcome, claimedStake uint64, verified bool) (domain.BetRecord, payout.Breakdown, error) {
	m, err := tx.Market(ctx)
	if err != nil {
		return domain.BetRecord{}, payout.Breakdown{}, err
	}
	b, err := tx.Bet(ctx, bettor)
	if err != nil {
		return domain.BetRecord{}, payout.Breakdown{}, err
	}
	if err := CheckClaimable(m, b, claimedOutcome, claimedStake); err != nil {
		return domain.BetRecord{}, payout.Breakdown{}, fmt.Errorf("settlement: claim %s: %w", b.Address, err)
	}
	if !verified {
		return domain.BetRecord{}, payout.Breakdown{}, fmt.Errorf("settlement: claim %s: %w", b.Address, domain.ErrClaimMismatch)
	}

	bd, err := payout.Calculate(payout.Input{
		YesPool:    m.RevealedYesPool,
		NoPool:     m.RevealedNoPool,
		Outcome:    m.Outcome,
		BetOutcome: claimedOutcome,
		Stake:      b.Stake,
		FeeBps:     m.FeeBps,
	})
	if err != nil {
		return domain.BetRecord{}, payout.Breakdown{}, fmt.Errorf("settlement: claim %s: %w", b.Address, err)
	}

	v, err := tx.Vault(ctx)
	if err != nil {
		return domain.BetRecord{}, payout.Breakdown{}, err
	}
	if err := Debit(&v, bd.Payout); err != nil {
		return domain.BetRecord{}, payout.Breakdown{}, err
	}

	now := l.clock.Now()
	amount := bd.Payout
	b.Status = domain.BetStatusClaimed
	b.Claimed = true
	b.PayoutAmount = &amount
	b.SettledAt = &now
	v.UpdatedAt = now

	if err := tx.PutVault(ctx, v); err != nil {
		return domain.BetRecord{}, payout.Breakdown{}, err
	}
	if err := tx.PutBet(ctx, b); err != nil {
		return domain.BetRecord{}, payout.Breakdown{}, err
	}
	return b, bd, nil
}

// Refund returns exactly the escrowed stake and marks the record refunded.
func (l *Ledger) Refund(ctx context.Context, tx domain.AccountTx, bettor domain.Address) (domain.BetRecord, error) {
	m, err := tx.Market(ctx)
	if err != nil {
		return domain.BetRecord{}, err
	}
	b, err := tx.Bet(ctx, bettor)
	if err != nil {
		return domain.BetRecord{}, err
	}
	if err := CheckRefundable(m, b); err != nil {
		return domain.BetRecord{}, fmt.Errorf("settlement: refund %s: %w", b.Address, err)
	}

	v, err := tx.Vault(ctx)
	if err != nil {
		return domain.BetRecord{}, err
	}
	if err := Debit(&v, b.Stake); err != nil {
		return domain.BetRecord{}, err
	}

	now := l.clock.Now()
	amount := b.Stake
	b.Status = domain.BetStatusRefunded
	b.PayoutAmount = &amount
	b.SettledAt = &now
	v.UpdatedAt = now

	if m.TotalLiquidity >= b.Stake {
		m.TotalLiquidity -= b.Stake
	}
	m.UpdatedAt = now

	if err := tx.PutVault(ctx, v); err != nil {
		return domain.BetRecord{}, err
	}
	if err := tx.PutBet(ctx, b); err != nil {
		return domain.BetRecord{}, err
	}
	if err := tx.PutMarket(ctx, m); err != nil {
		return domain.BetRecord{}, err
	}
	return b, nil
}
