package payout_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbarrientos2/VEIL/internal/domain"
	"github.com/sbarrientos2/VEIL/internal/payout"
)

func TestCalculate_TwoBettorScenario(t *testing.T) {
	// A backs yes with 100M, B backs no with 200M, yes wins, 3% fee.
	a, err := payout.Calculate(payout.Input{
		YesPool: 100_000_000, NoPool: 200_000_000,
		Outcome: domain.OutcomeYes, BetOutcome: domain.OutcomeYes,
		Stake: 100_000_000, FeeBps: 300,
	})
	require.NoError(t, err)
	assert.True(t, a.Winner)
	assert.Equal(t, uint64(200_000_000), a.Gross)
	assert.Equal(t, uint64(6_000_000), a.Fee)
	assert.Equal(t, uint64(294_000_000), a.Payout)

	b, err := payout.Calculate(payout.Input{
		YesPool: 100_000_000, NoPool: 200_000_000,
		Outcome: domain.OutcomeYes, BetOutcome: domain.OutcomeNo,
		Stake: 200_000_000, FeeBps: 300,
	})
	require.NoError(t, err)
	assert.False(t, b.Winner)
	assert.Zero(t, b.Payout)
}

func TestCalculate_EmptyWinningSide(t *testing.T) {
	got, err := payout.Calculate(payout.Input{
		YesPool: 0, NoPool: 50_000_000,
		Outcome: domain.OutcomeYes, BetOutcome: domain.OutcomeYes,
		Stake: 10, FeeBps: 1000,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(10), got.Payout)
	assert.Zero(t, got.Fee)

	loser, err := payout.Calculate(payout.Input{
		YesPool: 0, NoPool: 50_000_000,
		Outcome: domain.OutcomeYes, BetOutcome: domain.OutcomeNo,
		Stake: 50_000_000, FeeBps: 1000,
	})
	require.NoError(t, err)
	assert.Zero(t, loser.Payout)
}

func TestCalculate_NoOverflowOnLargePools(t *testing.T) {
	big := uint64(math.MaxUint64 / 2)
	got, err := payout.Calculate(payout.Input{
		YesPool: big, NoPool: big,
		Outcome: domain.OutcomeNo, BetOutcome: domain.OutcomeNo,
		Stake: big / 2, FeeBps: 0,
	})
	require.NoError(t, err)
	assert.Equal(t, big/2, got.Gross)
	assert.Equal(t, big/2+big/2, got.Payout)
}

func TestCalculate_RoundsDown(t *testing.T) {
	// 1 * 10 / 3 = 3.33 -> 3; fee 3 * 100 / 10000 = 0.03 -> 0.
	got, err := payout.Calculate(payout.Input{
		YesPool: 3, NoPool: 10,
		Outcome: domain.OutcomeYes, BetOutcome: domain.OutcomeYes,
		Stake: 1, FeeBps: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.Gross)
	assert.Equal(t, uint64(3), got.Net)
	assert.Zero(t, got.Fee)
	assert.Equal(t, uint64(4), got.Payout)
}

func TestCalculate_FeeNeverExceedsRate(t *testing.T) {
	cases := []struct {
		name   string
		yes    uint64
		no     uint64
		stake  uint64
		feeBps uint16
		fee    uint64
		payout uint64
	}{
		{"fractional fee floors", 3, 10, 1, 100, 0, 4},
		{"fee 7.5 floors to 7", 100, 250, 100, 300, 7, 343},
		{"max fee", 1_000, 999, 1_000, 1000, 99, 1_900},
		{"zero fee", 2, 7, 1, 0, 0, 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := payout.Calculate(payout.Input{
				YesPool: tc.yes, NoPool: tc.no,
				Outcome: domain.OutcomeYes, BetOutcome: domain.OutcomeYes,
				Stake: tc.stake, FeeBps: tc.feeBps,
			})
			require.NoError(t, err)
			assert.Equal(t, tc.fee, got.Fee)
			assert.Equal(t, tc.payout, got.Payout)
			assert.Equal(t, got.Gross, got.Net+got.Fee)
			assert.LessOrEqual(t, got.Fee*payout.BpsDenominator, got.Gross*uint64(tc.feeBps))
		})
	}
}

func TestCalculate_Rejects(t *testing.T) {
	_, err := payout.Calculate(payout.Input{Outcome: domain.OutcomeUnset, BetOutcome: domain.OutcomeYes})
	assert.ErrorIs(t, err, domain.ErrInvalidOutcome)

	_, err = payout.Calculate(payout.Input{Outcome: domain.OutcomeYes, BetOutcome: domain.OutcomeYes, FeeBps: 10_001})
	assert.ErrorIs(t, err, domain.ErrInvalidFee)

	_, err = payout.Calculate(payout.Input{
		YesPool: 5, NoPool: 5,
		Outcome: domain.OutcomeYes, BetOutcome: domain.OutcomeYes, Stake: 6,
	})
	assert.ErrorIs(t, err, domain.ErrClaimMismatch)
}

func TestSummarize_Conservation(t *testing.T) {
	bets := []payout.Bet{
		{Outcome: domain.OutcomeYes, Stake: 7_000_001},
		{Outcome: domain.OutcomeYes, Stake: 3_333_333},
		{Outcome: domain.OutcomeYes, Stake: 1_000_000},
		{Outcome: domain.OutcomeNo, Stake: 9_999_999},
		{Outcome: domain.OutcomeNo, Stake: 4_123_457},
	}
	var yes, no uint64
	for _, b := range bets {
		if b.Outcome == domain.OutcomeYes {
			yes += b.Stake
		} else {
			no += b.Stake
		}
	}

	for _, fee := range []uint16{0, 1, 300, 1000} {
		for _, outcome := range []domain.Outcome{domain.OutcomeYes, domain.OutcomeNo} {
			s, err := payout.Summarize(yes, no, outcome, fee, bets)
			require.NoError(t, err)
			assert.LessOrEqual(t, s.Paid+s.Fees, s.TotalPool)
			assert.Equal(t, s.TotalPool, s.Paid+s.Fees+s.Dust)
		}
	}
}
