package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sbarrientos2/VEIL/internal/domain"
)

// ArchiveReader reads settled markets back from cold storage.
type ArchiveReader interface {
	Restore(ctx context.Context, market domain.Address) (domain.ArchivedMarket, error)
}

// ArchiveHandler serves archived markets.
type ArchiveHandler struct {
	archive ArchiveReader
	logger  *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler.
func NewArchiveHandler(archive ArchiveReader, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{archive: archive, logger: logger.With(slog.String("handler", "archive"))}
}

// GetArchived returns the market and bet records as archived.
// GET /api/archive/{address}
func (h *ArchiveHandler) GetArchived(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r, "address")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := h.archive.Restore(r.Context(), addr)
	if err != nil {
		writeServiceError(w, r, h.logger, "restore archive", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
