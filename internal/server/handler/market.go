package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sbarrientos2/VEIL/internal/domain"
	"github.com/sbarrientos2/VEIL/internal/market"
	"github.com/sbarrientos2/VEIL/internal/orchestrator"
)

// maxWait caps the ?wait= parameter on asynchronous operations.
const maxWait = 30 * time.Second

// MarketService is the part of market.Service the HTTP layer drives.
type MarketService interface {
	CreateMarket(ctx context.Context, req market.CreateMarketRequest) (domain.Market, error)
	InitMarketState(ctx context.Context, caller, market domain.Address) (*orchestrator.Handle, error)
	PlaceBet(ctx context.Context, req market.PlaceBetRequest) (domain.BetRecord, *orchestrator.Handle, error)
	ResubmitBet(ctx context.Context, market, bettor domain.Address, env domain.Envelope) (*orchestrator.Handle, error)
	CloseMarket(ctx context.Context, caller, market domain.Address) (domain.Market, error)
	ResolveMarket(ctx context.Context, caller, market domain.Address, outcome domain.Outcome) (*orchestrator.Handle, error)
	CancelMarket(ctx context.Context, caller, market domain.Address) (domain.Market, error)
	ClaimPayout(ctx context.Context, market, bettor domain.Address, outcome domain.Outcome, stake uint64) (*orchestrator.Handle, error)
	ClaimRefund(ctx context.Context, market, bettor domain.Address) (domain.BetRecord, error)
	RequestBetCount(ctx context.Context, market domain.Address) (*orchestrator.Handle, error)
	RevealTotals(ctx context.Context, caller, market domain.Address) (*orchestrator.Handle, error)
	ForceUnlock(ctx context.Context, caller, market domain.Address) (int, error)
	Await(ctx context.Context, h *orchestrator.Handle) (domain.Computation, error)

	GetMarket(ctx context.Context, addr domain.Address) (domain.Market, error)
	ListMarkets(ctx context.Context, f domain.MarketFilter) ([]domain.Market, error)
	GetVault(ctx context.Context, market domain.Address) (domain.Vault, error)
	GetBet(ctx context.Context, market, bettor domain.Address) (domain.BetRecord, error)
	ListBets(ctx context.Context, market domain.Address) ([]domain.BetRecord, error)
}

var _ MarketService = (*market.Service)(nil)

// MarketHandler serves market lifecycle and read endpoints.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		logger:  logger.With(slog.String("handler", "market")),
	}
}

// computationResponse reports a queued or finished job.
type computationResponse struct {
	CorrelationID string                   `json:"correlation_id"`
	Kind          domain.JobKind           `json:"kind"`
	Market        domain.Address           `json:"market"`
	Status        domain.ComputationStatus `json:"status"`
	Error         string                   `json:"error,omitempty"`
}

// respondQueued answers an asynchronous operation. With ?wait=<duration> it
// blocks until the job ends or the wait elapses; otherwise it returns 202 at
// once.
func (h *MarketHandler) respondQueued(w http.ResponseWriter, r *http.Request, handle *orchestrator.Handle, extra map[string]any) {
	job := handle.Job()
	status := http.StatusAccepted

	if raw := r.URL.Query().Get("wait"); raw != "" {
		wait, err := time.ParseDuration(raw)
		if err != nil || wait <= 0 {
			writeError(w, http.StatusBadRequest, "invalid wait duration")
			return
		}
		if wait > maxWait {
			wait = maxWait
		}
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		job, _ = h.markets.Await(ctx, handle)
		if job.Status.Terminal() {
			status = http.StatusOK
		}
	}

	resp := map[string]any{
		"computation": computationResponse{
			CorrelationID: job.CorrelationID,
			Kind:          job.Kind,
			Market:        job.Market,
			Status:        job.Status,
			Error:         job.Error,
		},
	}
	for k, v := range extra {
		resp[k] = v
	}
	writeJSON(w, status, resp)
}

// requestContext parses the caller and the {address} path parameter,
// writing a 400 on failure.
func requestContext(w http.ResponseWriter, r *http.Request) (caller, addr domain.Address, ok bool) {
	caller, err := callerIdentity(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return caller, addr, false
	}
	addr, err = addressParam(r, "address")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return caller, addr, false
	}
	return caller, addr, true
}

// ListMarkets returns public market views.
// GET /api/markets?authority=&status=open,closed&limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	f := domain.MarketFilter{ListOpts: parseListOpts(r)}
	q := r.URL.Query()
	if v := q.Get("authority"); v != "" {
		a, err := domain.ParseAddress(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid authority")
			return
		}
		f.Authority = &a
	}
	if v := q.Get("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			f.Statuses = append(f.Statuses, domain.MarketStatus(strings.TrimSpace(s)))
		}
	}

	markets, err := h.markets.ListMarkets(r.Context(), f)
	if err != nil {
		writeServiceError(w, r, h.logger, "list markets", err)
		return
	}
	if markets == nil {
		markets = []domain.Market{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"markets": markets,
		"limit":   f.Limit,
		"offset":  f.Offset,
	})
}

// GetMarket returns one market.
// GET /api/markets/{address}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r, "address")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := h.markets.GetMarket(r.Context(), addr)
	if err != nil {
		writeServiceError(w, r, h.logger, "get market", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetVault returns the market's escrow balance.
// GET /api/markets/{address}/vault
func (h *MarketHandler) GetVault(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r, "address")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	v, err := h.markets.GetVault(r.Context(), addr)
	if err != nil {
		writeServiceError(w, r, h.logger, "get vault", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":         v.Address,
		"market":          v.Market,
		"total_deposits":  v.TotalDeposits,
		"total_withdrawn": v.TotalWithdrawals,
		"balance":         v.Balance(),
	})
}

// CreateMarket creates a market owned by the caller.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	caller, err := callerIdentity(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var req market.CreateMarketRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Authority.IsZero() && req.Authority != caller {
		writeError(w, http.StatusForbidden, "authority must be the caller")
		return
	}
	req.Authority = caller

	m, err := h.markets.CreateMarket(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, "create market", err)
		return
	}
	writeJSON(w, http.StatusCreated, m.PublicView())
}

// InitState queues the encrypted zero-state computation.
// POST /api/markets/{address}/init
func (h *MarketHandler) InitState(w http.ResponseWriter, r *http.Request) {
	caller, addr, ok := requestContext(w, r)
	if !ok {
		return
	}
	handle, err := h.markets.InitMarketState(r.Context(), caller, addr)
	if err != nil {
		writeServiceError(w, r, h.logger, "init market state", err)
		return
	}
	h.respondQueued(w, r, handle, nil)
}

// Close ends betting.
// POST /api/markets/{address}/close
func (h *MarketHandler) Close(w http.ResponseWriter, r *http.Request) {
	caller, addr, ok := requestContext(w, r)
	if !ok {
		return
	}
	m, err := h.markets.CloseMarket(r.Context(), caller, addr)
	if err != nil {
		writeServiceError(w, r, h.logger, "close market", err)
		return
	}
	writeJSON(w, http.StatusOK, m.PublicView())
}

type resolveRequest struct {
	Outcome domain.Outcome `json:"outcome"`
}

// Resolve sets the winning outcome and queues the payout-pool computation.
// POST /api/markets/{address}/resolve
func (h *MarketHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	caller, addr, ok := requestContext(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	handle, err := h.markets.ResolveMarket(r.Context(), caller, addr, req.Outcome)
	if err != nil {
		writeServiceError(w, r, h.logger, "resolve market", err)
		return
	}
	h.respondQueued(w, r, handle, nil)
}

// Cancel voids the market so every bettor can reclaim their stake.
// POST /api/markets/{address}/cancel
func (h *MarketHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	caller, addr, ok := requestContext(w, r)
	if !ok {
		return
	}
	m, err := h.markets.CancelMarket(r.Context(), caller, addr)
	if err != nil {
		writeServiceError(w, r, h.logger, "cancel market", err)
		return
	}
	writeJSON(w, http.StatusOK, m.PublicView())
}

// RevealTotals re-derives the pools from encrypted state after resolution.
// POST /api/markets/{address}/reveal-totals
func (h *MarketHandler) RevealTotals(w http.ResponseWriter, r *http.Request) {
	caller, addr, ok := requestContext(w, r)
	if !ok {
		return
	}
	handle, err := h.markets.RevealTotals(r.Context(), caller, addr)
	if err != nil {
		writeServiceError(w, r, h.logger, "reveal totals", err)
		return
	}
	h.respondQueued(w, r, handle, nil)
}

// RequestBetCount reveals how many bets the encrypted state holds.
// POST /api/markets/{address}/bet-count
func (h *MarketHandler) RequestBetCount(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r, "address")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	handle, err := h.markets.RequestBetCount(r.Context(), addr)
	if err != nil {
		writeServiceError(w, r, h.logger, "request bet count", err)
		return
	}
	h.respondQueued(w, r, handle, nil)
}

// ForceUnlock fails the market's in-flight computations and drops its guard.
// POST /api/markets/{address}/force-unlock
func (h *MarketHandler) ForceUnlock(w http.ResponseWriter, r *http.Request) {
	caller, addr, ok := requestContext(w, r)
	if !ok {
		return
	}
	n, err := h.markets.ForceUnlock(r.Context(), caller, addr)
	if err != nil {
		writeServiceError(w, r, h.logger, "force unlock", err)
		return
	}
	h.logger.WarnContext(r.Context(), "market force-unlocked via api",
		slog.String("market", addr.String()),
		slog.Int("jobs_failed", n),
	)
	writeJSON(w, http.StatusOK, map[string]any{"jobs_failed": n})
}
