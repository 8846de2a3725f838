package handler

import (
	"net/http"

	"github.com/sbarrientos2/VEIL/internal/domain"
	"github.com/sbarrientos2/VEIL/internal/market"
)

type placeBetRequest struct {
	Envelope domain.Envelope `json:"envelope"`
	Stake    uint64          `json:"stake"`
}

// PlaceBet escrows the caller's stake and queues the encrypted bet.
// POST /api/markets/{address}/bets
func (h *MarketHandler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	caller, addr, ok := requestContext(w, r)
	if !ok {
		return
	}
	var req placeBetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bet, handle, err := h.markets.PlaceBet(r.Context(), market.PlaceBetRequest{
		Market:   addr,
		Bettor:   caller,
		Envelope: req.Envelope,
		Stake:    req.Stake,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "place bet", err)
		return
	}
	h.respondQueued(w, r, handle, map[string]any{"bet": bet})
}

type resubmitRequest struct {
	Envelope domain.Envelope `json:"envelope"`
}

// ResubmitBet re-queues a Pending bet whose aggregation failed.
// PUT /api/markets/{address}/bets
func (h *MarketHandler) ResubmitBet(w http.ResponseWriter, r *http.Request) {
	caller, addr, ok := requestContext(w, r)
	if !ok {
		return
	}
	var req resubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	handle, err := h.markets.ResubmitBet(r.Context(), addr, caller, req.Envelope)
	if err != nil {
		writeServiceError(w, r, h.logger, "resubmit bet", err)
		return
	}
	h.respondQueued(w, r, handle, nil)
}

// ListBets returns every bet record on the market. Records hold only
// ciphertext and the public stake.
// GET /api/markets/{address}/bets
func (h *MarketHandler) ListBets(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r, "address")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bets, err := h.markets.ListBets(r.Context(), addr)
	if err != nil {
		writeServiceError(w, r, h.logger, "list bets", err)
		return
	}
	if bets == nil {
		bets = []domain.BetRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"bets": bets})
}

// GetBet returns one bettor's record.
// GET /api/markets/{address}/bets/{bettor}
func (h *MarketHandler) GetBet(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r, "address")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bettor, err := addressParam(r, "bettor")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	b, err := h.markets.GetBet(r.Context(), addr, bettor)
	if err != nil {
		writeServiceError(w, r, h.logger, "get bet", err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type claimRequest struct {
	Outcome domain.Outcome `json:"outcome"`
	Stake   uint64         `json:"stake"`
}

// ClaimPayout queues verification of the caller's claim and pays on success.
// POST /api/markets/{address}/claim
func (h *MarketHandler) ClaimPayout(w http.ResponseWriter, r *http.Request) {
	caller, addr, ok := requestContext(w, r)
	if !ok {
		return
	}
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	handle, err := h.markets.ClaimPayout(r.Context(), addr, caller, req.Outcome, req.Stake)
	if err != nil {
		writeServiceError(w, r, h.logger, "claim payout", err)
		return
	}
	h.respondQueued(w, r, handle, nil)
}

// ClaimRefund returns the caller's stake on a cancelled market.
// POST /api/markets/{address}/refund
func (h *MarketHandler) ClaimRefund(w http.ResponseWriter, r *http.Request) {
	caller, addr, ok := requestContext(w, r)
	if !ok {
		return
	}
	b, err := h.markets.ClaimRefund(r.Context(), addr, caller)
	if err != nil {
		writeServiceError(w, r, h.logger, "claim refund", err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}
