package domain

import (
	"fmt"
	"time"
)

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusOpen      MarketStatus = "open"
	MarketStatusClosed    MarketStatus = "closed"
	MarketStatusResolving MarketStatus = "resolving"
	MarketStatusResolved  MarketStatus = "resolved"
	MarketStatusCancelled MarketStatus = "cancelled"
)

// Terminal reports whether no transition leaves s.
func (s MarketStatus) Terminal() bool {
	return s == MarketStatusResolved || s == MarketStatusCancelled
}

// Outcome is the resolved (or bet-on) side of a binary market.
type Outcome string

const (
	OutcomeUnset Outcome = "unset"
	OutcomeYes   Outcome = "yes"
	OutcomeNo    Outcome = "no"
)

// Valid reports whether o names a side.
func (o Outcome) Valid() bool { return o == OutcomeYes || o == OutcomeNo }

// Bool maps yes to true. It is only meaningful for a valid outcome.
func (o Outcome) Bool() bool { return o == OutcomeYes }

// OutcomeFromBool maps true to yes.
func OutcomeFromBool(b bool) Outcome {
	if b {
		return OutcomeYes
	}
	return OutcomeNo
}

// ParseOutcome accepts "yes" or "no".
func ParseOutcome(s string) (Outcome, error) {
	o := Outcome(s)
	if !o.Valid() {
		return OutcomeUnset, fmt.Errorf("parse outcome %q: %w", s, ErrInvalidOutcome)
	}
	return o, nil
}

// OracleKind names who is allowed to resolve a market.
type OracleKind string

const (
	OracleManual       OracleKind = "manual"
	OracleExternalFeed OracleKind = "external_feed"
	OracleJury         OracleKind = "jury"
)

// Valid reports whether k is a known oracle kind.
func (k OracleKind) Valid() bool {
	switch k {
	case OracleManual, OracleExternalFeed, OracleJury:
		return true
	}
	return false
}

// Market is one parimutuel market. Configuration fields are immutable after
// creation; EncryptedState and StateNonce only change through a committed
// computation result.
type Market struct {
	Address         Address    `json:"address"`
	Authority       Address    `json:"authority"`
	MarketID        uint64     `json:"market_id"`
	Question        string     `json:"question"`
	ResolutionTime  time.Time  `json:"resolution_time"`
	FeeBps          uint16     `json:"fee_bps"`
	OracleKind      OracleKind `json:"oracle_kind"`
	OracleReference string     `json:"oracle_reference,omitempty"`

	EncryptedState EncryptedState `json:"encrypted_state"`
	StateNonce     uint64         `json:"state_nonce"`

	RevealedYesPool   uint64 `json:"revealed_yes_pool"`
	RevealedNoPool    uint64 `json:"revealed_no_pool"`
	RevealedTotalPool uint64 `json:"revealed_total_pool"`

	Status         MarketStatus `json:"status"`
	Outcome        Outcome      `json:"outcome"`
	MPCInitialized bool         `json:"mpc_initialized"`
	BetCount       uint32       `json:"bet_count"`
	TotalLiquidity uint64       `json:"total_liquidity"`
	Vault          Address      `json:"vault"`

	// RevealedBetCount is the last count disclosed by a bet-count
	// computation; it may lag BetCount.
	RevealedBetCount *uint32 `json:"revealed_bet_count,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// PublicView strips the ciphertext from a market for read APIs.
func (m Market) PublicView() Market {
	m.EncryptedState = EncryptedState{}
	return m
}

// Vault escrows the stakes of one market.
type Vault struct {
	Address          Address   `json:"address"`
	Market           Address   `json:"market"`
	TotalDeposits    uint64    `json:"total_deposits"`
	TotalWithdrawals uint64    `json:"total_withdrawals"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Balance is deposits minus withdrawals.
func (v Vault) Balance() uint64 {
	return v.TotalDeposits - v.TotalWithdrawals
}

// BetStatus tracks a bet record's settlement lifecycle.
type BetStatus string

const (
	BetStatusPending   BetStatus = "pending"
	BetStatusConfirmed BetStatus = "confirmed"
	BetStatusClaimed   BetStatus = "claimed"
	BetStatusRefunded  BetStatus = "refunded"
)

// BetRecord is the permanent settlement record of one bettor on one market.
// It is never deleted.
type BetRecord struct {
	Address         Address      `json:"address"`
	Market          Address      `json:"market"`
	Bettor          Address      `json:"bettor"`
	BetIndex        uint32       `json:"bet_index"` // position in the confirmed sequence
	EncryptedBet    EncryptedBet `json:"encrypted_bet"`
	BettorPublicKey PublicKey    `json:"bettor_public_key"`
	UserNonce       Nonce        `json:"user_nonce"`
	Stake           uint64       `json:"stake"`
	Status          BetStatus    `json:"status"`
	Claimed         bool         `json:"claimed"`
	PayoutAmount    *uint64      `json:"payout_amount,omitempty"`
	PlacedAt        time.Time    `json:"placed_at"`
	ConfirmedAt     *time.Time   `json:"confirmed_at,omitempty"`
	SettledAt       *time.Time   `json:"settled_at,omitempty"`
}

// Envelope returns the encrypted bet in the form the cluster consumes.
func (b BetRecord) Envelope() Envelope {
	return b.EncryptedBet.Envelope(b.BettorPublicKey, b.UserNonce)
}

// Settled reports whether the record reached Claimed or Refunded.
func (b BetRecord) Settled() bool {
	return b.Status == BetStatusClaimed || b.Status == BetStatusRefunded
}
