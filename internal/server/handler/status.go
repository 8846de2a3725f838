package handler

import (
	"net/http"
	"time"

	"github.com/sbarrientos2/VEIL/internal/domain"
)

// StatusHandler serves node metadata, including the cluster key bettors
// seal envelopes to.
type StatusHandler struct {
	Mode           string
	ClusterKey     domain.PublicKey
	ClusterAddress string
	StartedAt      time.Time
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, clusterKey domain.PublicKey, clusterAddress string) *StatusHandler {
	return &StatusHandler{
		Mode:           mode,
		ClusterKey:     clusterKey,
		ClusterAddress: clusterAddress,
		StartedAt:      time.Now().UTC(),
	}
}

// GetStatus responds with the node mode and uptime.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.Mode,
		"started_at":     h.StartedAt.Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
	})
}

// GetClusterKey returns the MXE public key and the address results are
// signed with.
// GET /api/cluster
func (h *StatusHandler) GetClusterKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"public_key":      h.ClusterKey,
		"signer_address":  h.ClusterAddress,
		"envelope_fields": domain.BetFields,
	})
}
