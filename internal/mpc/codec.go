package mpc

import (
	"encoding/binary"
	"fmt"

	"github.com/sbarrientos2/VEIL/internal/domain"
)

// Output widths per circuit. All integers are little-endian.
const (
	StateOutputLen   = domain.EncryptedStateLen + domain.NonceLen // yes | no | count | nonce
	PoolsOutputLen   = 8 + 8 + 8 + 1                              // winning | losing | total | outcome
	TotalsOutputLen  = 8 + 8 + 8                                  // yes | no | total
	VerdictOutputLen = 1
	CountOutputLen   = 4
)

// OutputLen returns the fixed output width of kind.
func OutputLen(kind domain.JobKind) int {
	switch kind {
	case domain.JobInitMarketState, domain.JobPlaceBet:
		return StateOutputLen
	case domain.JobPayoutPools:
		return PoolsOutputLen
	case domain.JobRevealTotals:
		return TotalsOutputLen
	case domain.JobVerifyBetClaim:
		return VerdictOutputLen
	case domain.JobGetBetCount:
		return CountOutputLen
	}
	return -1
}

func checkLen(kind domain.JobKind, b []byte) error {
	if want := OutputLen(kind); len(b) != want {
		return fmt.Errorf("mpc: %s output is %d bytes, want %d: %w", kind, len(b), want, domain.ErrComputationFailed)
	}
	return nil
}

// EncodeState lays out a sealed market state.
func EncodeState(s domain.EncryptedState) []byte {
	out := make([]byte, 0, StateOutputLen)
	out = append(out, s.Bytes()...)
	return append(out, s.Nonce[:]...)
}

// DecodeState parses an init_market_state or place_bet output.
func DecodeState(kind domain.JobKind, b []byte) (domain.EncryptedState, error) {
	if err := checkLen(kind, b); err != nil {
		return domain.EncryptedState{}, err
	}
	return domain.DecodeEncryptedState(b[:domain.EncryptedStateLen], b[domain.EncryptedStateLen:])
}

// PayoutPools is the revealed output of calculate_payout_pools.
type PayoutPools struct {
	Winning uint64
	Losing  uint64
	Total   uint64
	Outcome domain.Outcome
}

// YesNo maps the winning/losing split back onto sides.
func (p PayoutPools) YesNo() (yes, no uint64) {
	if p.Outcome == domain.OutcomeYes {
		return p.Winning, p.Losing
	}
	return p.Losing, p.Winning
}

func EncodePayoutPools(p PayoutPools) []byte {
	out := make([]byte, PoolsOutputLen)
	binary.LittleEndian.PutUint64(out[0:], p.Winning)
	binary.LittleEndian.PutUint64(out[8:], p.Losing)
	binary.LittleEndian.PutUint64(out[16:], p.Total)
	if p.Outcome.Bool() {
		out[24] = 1
	}
	return out
}

func DecodePayoutPools(b []byte) (PayoutPools, error) {
	if err := checkLen(domain.JobPayoutPools, b); err != nil {
		return PayoutPools{}, err
	}
	if b[24] > 1 {
		return PayoutPools{}, fmt.Errorf("mpc: payout pools outcome byte %d: %w", b[24], domain.ErrComputationFailed)
	}
	return PayoutPools{
		Winning: binary.LittleEndian.Uint64(b[0:]),
		Losing:  binary.LittleEndian.Uint64(b[8:]),
		Total:   binary.LittleEndian.Uint64(b[16:]),
		Outcome: domain.OutcomeFromBool(b[24] == 1),
	}, nil
}

// Totals is the revealed output of reveal_market_totals.
type Totals struct {
	Yes   uint64
	No    uint64
	Total uint64
}

func EncodeTotals(t Totals) []byte {
	out := make([]byte, TotalsOutputLen)
	binary.LittleEndian.PutUint64(out[0:], t.Yes)
	binary.LittleEndian.PutUint64(out[8:], t.No)
	binary.LittleEndian.PutUint64(out[16:], t.Total)
	return out
}

func DecodeTotals(b []byte) (Totals, error) {
	if err := checkLen(domain.JobRevealTotals, b); err != nil {
		return Totals{}, err
	}
	return Totals{
		Yes:   binary.LittleEndian.Uint64(b[0:]),
		No:    binary.LittleEndian.Uint64(b[8:]),
		Total: binary.LittleEndian.Uint64(b[16:]),
	}, nil
}

func EncodeVerdict(ok bool) []byte {
	if ok {
		return []byte{1}
	}
	return []byte{0}
}

func DecodeVerdict(b []byte) (bool, error) {
	if err := checkLen(domain.JobVerifyBetClaim, b); err != nil {
		return false, err
	}
	if b[0] > 1 {
		return false, fmt.Errorf("mpc: verdict byte %d: %w", b[0], domain.ErrComputationFailed)
	}
	return b[0] == 1, nil
}

func EncodeBetCount(n uint32) []byte {
	out := make([]byte, CountOutputLen)
	binary.LittleEndian.PutUint32(out, n)
	return out
}

func DecodeBetCount(b []byte) (uint32, error) {
	if err := checkLen(domain.JobGetBetCount, b); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}
