package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sbarrientos2/VEIL/internal/domain"
)

// ComputationReader looks up job records by correlation id and lists the
// jobs still in flight on a market.
type ComputationReader interface {
	Get(ctx context.Context, correlationID string) (domain.Computation, error)
	Pending(market domain.Address) []domain.Computation
}

// ComputationHandler serves job status.
type ComputationHandler struct {
	jobs   ComputationReader
	logger *slog.Logger
}

// NewComputationHandler creates a ComputationHandler.
func NewComputationHandler(jobs ComputationReader, logger *slog.Logger) *ComputationHandler {
	return &ComputationHandler{jobs: jobs, logger: logger.With(slog.String("handler", "computation"))}
}

// GetComputation returns the persisted record of one job.
// GET /api/computations/{id}
func (h *ComputationHandler) GetComputation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing computation id")
		return
	}
	c, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get computation", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ListPending returns the jobs in flight on one market.
// GET /api/computations?market=<address>
func (h *ComputationHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("market")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "missing market")
		return
	}
	market, err := domain.ParseAddress(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid market")
		return
	}
	jobs := h.jobs.Pending(market)
	if jobs == nil {
		jobs = []domain.Computation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"computations": jobs})
}
