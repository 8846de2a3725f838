package domain

import "errors"

// ErrorKind classifies a failure so callers (and the HTTP layer) can react to
// the category without matching every sentinel.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindValidation
	KindState
	KindConcurrency
	KindComputation
	KindSettlement
	KindNotFound
	KindUnauthorized
)

// String returns the lowercase name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindState:
		return "state"
	case KindConcurrency:
		return "concurrency"
	case KindComputation:
		return "computation"
	case KindSettlement:
		return "settlement"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// ParseErrorKind is the inverse of ErrorKind.String. Unrecognised names map
// to KindUnknown.
func ParseErrorKind(s string) ErrorKind {
	for k := KindValidation; k <= KindUnauthorized; k++ {
		if k.String() == s {
			return k
		}
	}
	return KindUnknown
}

// Error is a sentinel error tagged with its kind. Sentinels are compared by
// identity, so wrapping with %w keeps errors.Is working.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func newError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// KindOf returns the kind of the first *Error found in err's chain, or
// KindUnknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Validation errors.
var (
	ErrInvalidFee         = newError(KindValidation, "fee_bps exceeds maximum")
	ErrInvalidQuestion    = newError(KindValidation, "question is empty or too long")
	ErrResolutionTooSoon  = newError(KindValidation, "resolution time is not far enough in the future")
	ErrInvalidOracle      = newError(KindValidation, "unknown oracle kind")
	ErrBetTooLow          = newError(KindValidation, "stake below minimum bet")
	ErrBetTooHigh         = newError(KindValidation, "stake above maximum bet")
	ErrInvalidEnvelope    = newError(KindValidation, "malformed encrypted envelope")
	ErrInvalidOutcome     = newError(KindValidation, "outcome must be yes or no")
	ErrInvalidAddress     = newError(KindValidation, "invalid address")
	ErrInvalidComputation = newError(KindValidation, "malformed computation request")
)

// State errors.
var (
	ErrMarketNotOpen         = newError(KindState, "market is not open")
	ErrMarketNotClosed       = newError(KindState, "market is not closed")
	ErrMarketNotResolved     = newError(KindState, "market is not resolved")
	ErrMarketNotCancelled    = newError(KindState, "market is not cancelled")
	ErrMarketTerminal        = newError(KindState, "market is in a terminal state")
	ErrBettingClosed         = newError(KindState, "betting period has ended")
	ErrMPCNotInitialized     = newError(KindState, "encrypted state not initialized")
	ErrMPCAlreadyInitialized = newError(KindState, "encrypted state already initialized")
	ErrBetExists             = newError(KindState, "bettor already holds a position on this market")
	ErrBetNotPending         = newError(KindState, "bet is not pending")
	ErrAlreadyExists         = newError(KindState, "already exists")
)

// Concurrency errors.
var (
	ErrComputationPending = newError(KindConcurrency, "a computation is already pending for this market")
	ErrLockHeld           = newError(KindConcurrency, "lock already held")
)

// Computation failures.
var (
	ErrComputationFailed  = newError(KindComputation, "computation failed")
	ErrComputationTimeout = newError(KindComputation, "computation timed out")
	ErrUnknownComputation = newError(KindComputation, "no outstanding computation for correlation id")
	ErrInvalidSignature   = newError(KindComputation, "result signature does not match cluster")
	ErrStaleState         = newError(KindComputation, "result was computed over a stale state nonce")
	ErrForceUnlocked      = newError(KindComputation, "computation released by operator")
)

// Settlement errors.
var (
	ErrAlreadyClaimed     = newError(KindSettlement, "bet already claimed")
	ErrAlreadyRefunded    = newError(KindSettlement, "bet already refunded")
	ErrBetNotConfirmed    = newError(KindSettlement, "bet is not confirmed")
	ErrClaimMismatch      = newError(KindSettlement, "claim does not match the recorded bet")
	ErrInsufficientFunds  = newError(KindSettlement, "vault balance too low")
	ErrNotRefundable      = newError(KindSettlement, "bet is not refundable")
	ErrArithmeticOverflow = newError(KindSettlement, "arithmetic overflow")
)

var (
	ErrNotFound     = newError(KindNotFound, "not found")
	ErrUnauthorized = newError(KindUnauthorized, "unauthorized")
)
