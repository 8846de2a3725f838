// Package payout computes parimutuel shares from revealed pool totals. All
// arithmetic is integer; intermediates use 256-bit words so stake × pool
// never overflows.
package payout

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/sbarrientos2/VEIL/internal/domain"
)

// BpsDenominator is 100% in basis points.
const BpsDenominator = 10_000

// Input is everything needed to price one bet.
type Input struct {
	YesPool    uint64
	NoPool     uint64
	Outcome    domain.Outcome // resolved side
	BetOutcome domain.Outcome // side the bettor backed
	Stake      uint64
	FeeBps     uint16
}

// Breakdown is the priced result. For a winning bet
// Payout = Stake + Net and Gross = Net + Fee.
type Breakdown struct {
	Winner  bool
	Gross   uint64 // share of the losing pool before fees
	Fee     uint64
	Net     uint64
	Payout  uint64
	Winning uint64 // winning pool
	Losing  uint64 // losing pool
}

// Calculate prices one bet. A bettor on the losing side gets zero. When
// nobody backed the winning side a winning-side bettor gets the stake back.
// Share and fee both round down, so the fee never exceeds fee_bps of the
// winnings and dust stays in the vault.
func Calculate(in Input) (Breakdown, error) {
	if !in.Outcome.Valid() || !in.BetOutcome.Valid() {
		return Breakdown{}, fmt.Errorf("payout: %w", domain.ErrInvalidOutcome)
	}
	if in.FeeBps > BpsDenominator {
		return Breakdown{}, fmt.Errorf("payout: fee %d bps: %w", in.FeeBps, domain.ErrInvalidFee)
	}

	winning, losing := in.YesPool, in.NoPool
	if in.Outcome == domain.OutcomeNo {
		winning, losing = in.NoPool, in.YesPool
	}
	b := Breakdown{Winning: winning, Losing: losing}

	if in.BetOutcome != in.Outcome {
		return b, nil
	}
	b.Winner = true

	if winning == 0 {
		b.Payout = in.Stake
		return b, nil
	}
	if in.Stake > winning {
		return Breakdown{}, fmt.Errorf("payout: stake %d exceeds winning pool %d: %w", in.Stake, winning, domain.ErrClaimMismatch)
	}

	gross := mulDiv(in.Stake, losing, winning)
	fee := mulDiv(gross, uint64(in.FeeBps), BpsDenominator)
	net := gross - fee

	b.Gross = gross
	b.Net = net
	b.Fee = fee

	total := new(uint256.Int).Add(uint256.NewInt(in.Stake), uint256.NewInt(net))
	if !total.IsUint64() {
		return Breakdown{}, fmt.Errorf("payout: stake %d + winnings %d: %w", in.Stake, net, domain.ErrArithmeticOverflow)
	}
	b.Payout = total.Uint64()
	return b, nil
}

// mulDiv returns floor(a*b/d). Callers guarantee the quotient fits in 64 bits
// (a ≤ d or b ≤ d).
func mulDiv(a, b, d uint64) uint64 {
	x := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	return x.Div(x, uint256.NewInt(d)).Uint64()
}

// Bet is one stake in a settlement summary.
type Bet struct {
	Outcome domain.Outcome
	Stake   uint64
}

// Summary aggregates a whole market's settlement.
type Summary struct {
	TotalPool uint64
	Paid      uint64 // sum of payouts
	Fees      uint64 // sum of fees retained
	Dust      uint64 // rounding remainder left in the vault
}

// Summarize prices every bet of a resolved market. Paid + Fees + Dust equals
// the total pool.
func Summarize(yes, no uint64, outcome domain.Outcome, feeBps uint16, bets []Bet) (Summary, error) {
	s := Summary{TotalPool: yes + no}
	for i, bet := range bets {
		b, err := Calculate(Input{YesPool: yes, NoPool: no, Outcome: outcome, BetOutcome: bet.Outcome, Stake: bet.Stake, FeeBps: feeBps})
		if err != nil {
			return Summary{}, fmt.Errorf("payout: summarize bet %d: %w", i, err)
		}
		s.Paid += b.Payout
		s.Fees += b.Fee
	}
	if s.Paid+s.Fees > s.TotalPool {
		return Summary{}, fmt.Errorf("payout: paid %d + fees %d exceed pool %d: %w", s.Paid, s.Fees, s.TotalPool, domain.ErrInsufficientFunds)
	}
	s.Dust = s.TotalPool - s.Paid - s.Fees
	return s, nil
}
