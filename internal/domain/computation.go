package domain

import (
	"encoding/binary"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// JobKind names a circuit the cluster can run.
type JobKind string

const (
	JobInitMarketState JobKind = "init_market_state"
	JobPlaceBet        JobKind = "place_bet"
	JobPayoutPools     JobKind = "calculate_payout_pools"
	JobRevealTotals    JobKind = "reveal_market_totals"
	JobVerifyBetClaim  JobKind = "verify_bet_claim"
	JobGetBetCount     JobKind = "get_bet_count"
)

// Valid reports whether k is a known circuit.
func (k JobKind) Valid() bool {
	switch k {
	case JobInitMarketState, JobPlaceBet, JobPayoutPools, JobRevealTotals, JobVerifyBetClaim, JobGetBetCount:
		return true
	}
	return false
}

// ReadsState reports whether the circuit consumes or produces the market's
// encrypted state. All such jobs share one guard per market.
func (k JobKind) ReadsState() bool {
	return k != JobVerifyBetClaim
}

// ComputationStatus tracks an outstanding job.
type ComputationStatus string

const (
	ComputationPending   ComputationStatus = "pending"
	ComputationCommitted ComputationStatus = "committed"
	ComputationFailed    ComputationStatus = "failed"
	ComputationExpired   ComputationStatus = "expired"
)

// Terminal reports whether the job can no longer change.
func (s ComputationStatus) Terminal() bool { return s != ComputationPending }

// ComputationRequest is the job submitted to the cluster. Only ciphertext and
// public inputs travel; the orchestrator never decrypts.
type ComputationRequest struct {
	CorrelationID string          `json:"correlation_id"`
	Kind          JobKind         `json:"kind"`
	Market        Address         `json:"market"`
	Bettor        Address         `json:"bettor,omitempty"`
	StateNonce    uint64          `json:"state_nonce"`
	State         *EncryptedState `json:"state,omitempty"`
	Bet           *Envelope       `json:"bet,omitempty"`
	Outcome       Outcome         `json:"outcome,omitempty"`
	Amount        uint64          `json:"amount,omitempty"`
	Deadline      time.Time       `json:"deadline"`
}

// ComputationResult is what the cluster returns for a request. Output is a
// fixed-width block whose layout depends on Kind; Error is set instead when
// the circuit aborted.
type ComputationResult struct {
	CorrelationID string  `json:"correlation_id"`
	Kind          JobKind `json:"kind"`
	Market        Address `json:"market"`
	Output        []byte  `json:"output,omitempty"`
	Error         string  `json:"error,omitempty"`
	Signature     []byte  `json:"signature"`
}

// resultTag domain-separates result digests from any other keccak use.
var resultTag = []byte("veil/computation-result/v1")

// Digest is the 32-byte hash the cluster signs. Every variable-length part
// is length-prefixed.
func (r ComputationResult) Digest() []byte {
	parts := [][]byte{resultTag}
	for _, p := range [][]byte{[]byte(r.CorrelationID), []byte(r.Kind), r.Market[:], r.Output, []byte(r.Error)} {
		var n [4]byte
		binary.LittleEndian.PutUint32(n[:], uint32(len(p)))
		parts = append(parts, n[:], p)
	}
	return ethcrypto.Keccak256(parts...)
}

// Computation is the persisted record of one queued job.
type Computation struct {
	CorrelationID string            `json:"correlation_id"`
	Kind          JobKind           `json:"kind"`
	Market        Address           `json:"market"`
	Bettor        Address           `json:"bettor,omitempty"`
	StateNonce    uint64            `json:"state_nonce"`
	Outcome       Outcome           `json:"outcome,omitempty"`
	Amount        uint64            `json:"amount,omitempty"`
	Status        ComputationStatus `json:"status"`
	Error         string            `json:"error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	Deadline      time.Time         `json:"deadline"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty"`
}
