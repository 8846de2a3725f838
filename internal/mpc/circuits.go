// Package mpc stands in for the external computation cluster. Executor runs
// the circuits over ciphertext with the cluster secret; LocalCluster runs
// them in process; BusClient, Worker and ResultPump carry requests and
// signed results over durable streams.
package mpc

import (
	"errors"
	"fmt"
	"math"

	"github.com/sbarrientos2/VEIL/internal/domain"
	"github.com/sbarrientos2/VEIL/internal/envelope"
)

var (
	errMissingState = errors.New("missing encrypted state input")
	errMissingBet   = errors.New("missing encrypted bet input")
	errAmount       = errors.New("encrypted amount does not match escrowed stake")
	errOverflow     = errors.New("pool overflow")
)

// Executor evaluates circuits. It is the only component that decrypts.
type Executor struct {
	opener *envelope.Opener
}

// NewExecutor builds an executor around the cluster key pair.
func NewExecutor(opener *envelope.Opener) *Executor {
	return &Executor{opener: opener}
}

// PublicKey is the key bettors seal envelopes to.
func (e *Executor) PublicKey() domain.PublicKey { return e.opener.PublicKey() }

// Execute runs the circuit named by req.Kind and returns its fixed-width
// output.
func (e *Executor) Execute(req domain.ComputationRequest) ([]byte, error) {
	switch req.Kind {
	case domain.JobInitMarketState:
		st, err := e.opener.SealState(envelope.Pools{})
		if err != nil {
			return nil, err
		}
		return EncodeState(st), nil
	case domain.JobPlaceBet:
		return e.placeBet(req)
	case domain.JobPayoutPools:
		return e.payoutPools(req)
	case domain.JobRevealTotals:
		p, err := e.state(req)
		if err != nil {
			return nil, err
		}
		total, err := addPools(p.Yes, p.No)
		if err != nil {
			return nil, err
		}
		return EncodeTotals(Totals{Yes: p.Yes, No: p.No, Total: total}), nil
	case domain.JobVerifyBetClaim:
		return e.verifyClaim(req)
	case domain.JobGetBetCount:
		p, err := e.state(req)
		if err != nil {
			return nil, err
		}
		return EncodeBetCount(p.BetCount), nil
	}
	return nil, fmt.Errorf("unknown circuit %q", req.Kind)
}

func (e *Executor) state(req domain.ComputationRequest) (envelope.Pools, error) {
	if req.State == nil {
		return envelope.Pools{}, errMissingState
	}
	return e.opener.OpenState(*req.State)
}

// placeBet adds the encrypted amount to the backed side's pool. The public
// Amount is the escrowed stake; a mismatch aborts so pools always equal the
// sum of confirmed stakes.
func (e *Executor) placeBet(req domain.ComputationRequest) ([]byte, error) {
	p, err := e.state(req)
	if err != nil {
		return nil, err
	}
	if req.Bet == nil {
		return nil, errMissingBet
	}
	side, amount, err := e.opener.OpenBet(*req.Bet)
	if err != nil {
		return nil, err
	}
	if amount != req.Amount {
		return nil, errAmount
	}
	if side == domain.OutcomeYes {
		if p.Yes, err = addPools(p.Yes, amount); err != nil {
			return nil, err
		}
	} else {
		if p.No, err = addPools(p.No, amount); err != nil {
			return nil, err
		}
	}
	if p.BetCount == math.MaxUint32 {
		return nil, errOverflow
	}
	p.BetCount++

	st, err := e.opener.SealState(p)
	if err != nil {
		return nil, err
	}
	return EncodeState(st), nil
}

func (e *Executor) payoutPools(req domain.ComputationRequest) ([]byte, error) {
	if !req.Outcome.Valid() {
		return nil, domain.ErrInvalidOutcome
	}
	p, err := e.state(req)
	if err != nil {
		return nil, err
	}
	total, err := addPools(p.Yes, p.No)
	if err != nil {
		return nil, err
	}
	out := PayoutPools{Winning: p.Yes, Losing: p.No, Total: total, Outcome: req.Outcome}
	if req.Outcome == domain.OutcomeNo {
		out.Winning, out.Losing = p.No, p.Yes
	}
	return EncodePayoutPools(out), nil
}

// verifyClaim reveals only whether the claimed (Outcome, Amount) equals the
// stored encrypted bet.
func (e *Executor) verifyClaim(req domain.ComputationRequest) ([]byte, error) {
	if req.Bet == nil {
		return nil, errMissingBet
	}
	side, amount, err := e.opener.OpenBet(*req.Bet)
	if err != nil {
		return nil, err
	}
	return EncodeVerdict(side == req.Outcome && amount == req.Amount), nil
}

func addPools(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, errOverflow
	}
	return a + b, nil
}

// Run executes req and packages the outcome as an unsigned result. Circuit
// errors become the result's Error field.
func (e *Executor) Run(req domain.ComputationRequest) domain.ComputationResult {
	res := domain.ComputationResult{CorrelationID: req.CorrelationID, Kind: req.Kind, Market: req.Market}
	out, err := e.Execute(req)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Output = out
	return res
}
